//go:build !race

package chainht

import (
	"math/bits"
	"runtime"
	"sync/atomic"
)

// Detect TSO architectures; on TSO, plain reads of native word-sized
// integers observe published chain links in order.
const isTSO = runtime.GOARCH == "amd64" ||
	runtime.GOARCH == "386" ||
	runtime.GOARCH == "s390x"

// loadLink reads a slot or next link on the lookup path. Plain on TSO,
// acquire load otherwise.
//
//go:nosplit
func loadLink(addr *uint64) uint64 {
	//goland:noinspection ALL
	if isTSO && bits.UintSize >= 64 {
		return *addr
	} else {
		return atomic.LoadUint64(addr)
	}
}

// storeIntFast writes to a bucket that is not yet published; no other
// goroutine can observe it until its link is stored.
//
//go:nosplit
func storeIntFast[T ~uint32 | ~uint64](addr *T, val T) {
	*addr = val
}
