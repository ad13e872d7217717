//go:build race

package chainht

import (
	"sync/atomic"
	"unsafe"
)

// Under race detector, disable TSO optimizations and use conservative
// atomic loads/stores.
const isTSO = false

// Conservative: atomic link load to satisfy race detector
//
//go:nosplit
func loadLink(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// Conservative: atomic store to satisfy race detector
//
//go:nosplit
func storeIntFast[T ~uint32 | ~uint64](addr *T, val T) {
	if unsafe.Sizeof(T(0)) == unsafe.Sizeof(uint32(0)) {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), uint32(val))
	} else {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), uint64(val))
	}
}
