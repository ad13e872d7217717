package chainht

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/llxisdsh/chainht/bloom"
	"github.com/llxisdsh/chainht/types"
)

func longRows(start, n int) ([][]types.Value, []int64) {
	keys := make([][]types.Value, n)
	payloads := make([]int64, n)
	for i := range keys {
		keys[i] = []types.Value{types.LongValue(int64(start + i))}
		payloads[i] = int64(start + i)
	}
	return keys, payloads
}

func TestPreallocateForBulkInsert(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.VarChar(32)}, 10, newTestManager(), WithDuplicateKeys(true))
	require.NoError(t, err)
	defer ht.Close()
	st := ht.storage.Load()

	var a, b preallocTicket
	require.True(t, ht.preallocateForBulkInsert(st, 4, 20, &a))
	require.True(t, ht.preallocateForBulkInsert(st, 6, 30, &b))
	require.EqualValues(t, 0, a.bucketPosition)
	require.EqualValues(t, 4, b.bucketPosition)
	require.EqualValues(t, 20, b.varPosition)

	var c preallocTicket
	require.False(t, ht.preallocateForBulkInsert(st, 1, 0, &c))
	require.False(t, ht.preallocateForBulkInsert(st, 0, uint64(st.keys.size()), &c))
	// Failed reservations leave the counters alone.
	require.EqualValues(t, 10, st.bucketsAllocated.Load())
	require.EqualValues(t, 50, st.keys.allocated.Load())

	require.EqualValues(t, 0, a.takeBucket())
	require.EqualValues(t, 1, a.takeBucket())
	require.EqualValues(t, 0, a.takeVar(7))
	require.EqualValues(t, 7, a.takeVar(1))
	buckets, varBytes := a.remaining()
	require.EqualValues(t, 2, buckets)
	require.EqualValues(t, 12, varBytes)
}

func TestPreallocateRequiresDuplicates(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 10, newTestManager())
	require.NoError(t, err)
	defer ht.Close()
	var ticket preallocTicket
	require.False(t, ht.preallocateForBulkInsert(ht.storage.Load(), 1, 0, &ticket))
}

func TestBulkInsert(t *testing.T) {
	for _, dup := range []bool{true, false} {
		t.Run(fmt.Sprintf("dup=%v", dup), func(t *testing.T) {
			ht, err := NewHashTable[int64]([]types.Type{types.Long}, 4, newTestManager(), WithDuplicateKeys(dup))
			require.NoError(t, err)
			defer ht.Close()

			keys, payloads := longRows(0, 10000)
			require.NoError(t, ht.BulkInsert(keys, payloads, false))
			require.Equal(t, 10000, ht.NumEntries())
			for i := 0; i < 10000; i += 13 {
				v, ok := ht.Lookup(types.LongValue(int64(i)))
				if !ok || v != int64(i) {
					t.Fatalf("key %d: got %d, %v", i, v, ok)
				}
			}
			require.Greater(t, ht.Stats().TotalResizes, uint32(0))
		})
	}
}

func TestBulkInsertVarCharWithDuplicates(t *testing.T) {
	ht, err := NewHashTable[int32]([]types.Type{types.VarChar(32), types.Int}, 2, newTestManager(),
		WithDuplicateKeys(true))
	require.NoError(t, err)
	defer ht.Close()

	const n = 3000
	keys := make([][]types.Value, 0, 2*n)
	payloads := make([]int32, 0, 2*n)
	for rep := 0; rep < 2; rep++ {
		for i := 0; i < n; i++ {
			keys = append(keys, []types.Value{types.VarCharValue(fmt.Sprintf("row-%05d", i)), types.IntValue(int32(i))})
			payloads = append(payloads, int32(rep))
		}
	}
	require.NoError(t, ht.BulkInsert(keys, payloads, false))
	require.Equal(t, 2*n, ht.NumEntries())
	got := ht.LookupAll(types.VarCharValue("row-00042"), types.IntValue(42))
	sort.Slice(got, func(a, b int) bool { return got[a] < got[b] })
	require.Equal(t, []int32{0, 1}, got)

	seen := 0
	ht.ForEach(func(key []types.Value, _ int32) bool {
		require.Equal(t, fmt.Sprintf("row-%05d", key[1].AsInt()), key[0].AsString())
		seen++
		return true
	})
	require.Equal(t, 2*n, seen)
}

func TestBulkInsertNullKeys(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 4, newTestManager(), WithDuplicateKeys(true))
	require.NoError(t, err)
	defer ht.Close()

	keys := [][]types.Value{
		{types.LongValue(1)},
		{types.NullValue()},
		{types.LongValue(3)},
	}
	payloads := []int64{1, 2, 3}
	err = ht.BulkInsert(keys, payloads, false)
	require.True(t, errors.Is(err, ErrNullKey), "%v", err)
	require.Zero(t, ht.NumEntries())

	require.NoError(t, ht.BulkInsert(keys, payloads, true))
	require.Equal(t, 2, ht.NumEntries())
	_, ok := ht.Lookup(types.LongValue(3))
	require.True(t, ok)

	err = ht.BulkInsert(keys, payloads[:2], true)
	require.Error(t, err)
	err = ht.BulkInsert([][]types.Value{{types.LongValue(1), types.LongValue(2)}}, []int64{0}, true)
	require.True(t, errors.Is(err, ErrKeyArity), "%v", err)
}

func TestBulkInsertNonResizable(t *testing.T) {
	for _, dup := range []bool{true, false} {
		t.Run(fmt.Sprintf("dup=%v", dup), func(t *testing.T) {
			ht, err := NewHashTable[int64]([]types.Type{types.Long}, 8, newTestManager(),
				WithDuplicateKeys(dup), WithResizable(false))
			require.NoError(t, err)
			defer ht.Close()

			keys, payloads := longRows(0, 12)
			err = ht.BulkInsert(keys, payloads, false)
			require.True(t, errors.Is(err, ErrOutOfSpace), "%v", err)
			// Rows that fit are kept.
			require.Equal(t, 8, ht.NumEntries())
		})
	}
}

func TestBulkInsertDuplicateKeyStops(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 8, newTestManager())
	require.NoError(t, err)
	defer ht.Close()
	keys, payloads := longRows(0, 4)
	keys = append(keys, []types.Value{types.LongValue(2)})
	payloads = append(payloads, 99)
	err = ht.BulkInsert(keys, payloads, false)
	require.True(t, errors.Is(err, ErrDuplicateKey), "%v", err)
	v, _ := ht.Lookup(types.LongValue(2))
	require.EqualValues(t, 2, v)
}

func TestBuildParallel(t *testing.T) {
	const (
		numParts = 16
		perPart  = 2000
	)
	for _, dup := range []bool{true, false} {
		t.Run(fmt.Sprintf("dup=%v", dup), func(t *testing.T) {
			ht, err := NewHashTable[int64]([]types.Type{types.Long}, 16, newTestManager(), WithDuplicateKeys(dup))
			require.NoError(t, err)
			defer ht.Close()
			filter := bloom.New(42, 64<<10)
			ht.EnableBuildSideBloomFilter(filter)

			parts := make([]Partition[int64], numParts)
			for p := range parts {
				parts[p].Keys, parts[p].Payloads = longRows(p*perPart, perPart)
			}
			require.NoError(t, BuildParallel(context.Background(), ht, parts, false, 4))
			require.Equal(t, numParts*perPart, ht.NumEntries())

			var buf []byte
			for i := 0; i < numParts*perPart; i++ {
				key := []types.Value{types.LongValue(int64(i))}
				buf = bloomKey(buf[:0], key, []int{0})
				if !filter.Contains(buf) {
					t.Fatalf("build-side filter misses key %d", i)
				}
				if v, ok := ht.Lookup(key...); !ok || v != int64(i) {
					t.Fatalf("key %d: got %d, %v", i, v, ok)
				}
			}
		})
	}
}

func TestBuildParallelReportsErrors(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 16, newTestManager())
	require.NoError(t, err)
	defer ht.Close()
	parts := make([]Partition[int64], 2)
	parts[0].Keys, parts[0].Payloads = longRows(0, 10)
	parts[1].Keys, parts[1].Payloads = longRows(5, 10)
	err = BuildParallel(context.Background(), ht, parts, false, 1)
	require.True(t, errors.Is(err, ErrDuplicateKey), "%v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = BuildParallel(ctx, ht, parts, false, 0)
	require.True(t, errors.Is(err, context.Canceled), "%v", err)
}

func TestBuildSideFilterOnSingleInserts(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.VarChar(16), types.Int}, 4, newTestManager())
	require.NoError(t, err)
	defer ht.Close()
	filter := bloom.New(7, 4096)
	ht.EnableBuildSideBloomFilter(filter)

	key := []types.Value{types.VarCharValue("abc"), types.IntValue(5)}
	require.NoError(t, ht.PutComposite(key, 1))
	require.True(t, filter.Contains(bloomKey(nil, key, []int{0, 1})))

	key2 := []types.Value{types.VarCharValue("up"), types.IntValue(6)}
	require.NoError(t, ht.Upsert(key2, 1, nil))
	require.True(t, filter.Contains(bloomKey(nil, key2, []int{0, 1})))

	// A rejected duplicate still leaves the filter sound.
	require.True(t, errors.Is(ht.PutComposite(key, 2), ErrDuplicateKey))
	require.True(t, filter.Contains(bloomKey(nil, key, []int{0, 1})))
}

func TestProbeRows(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 16, newTestManager(), WithDuplicateKeys(true))
	require.NoError(t, err)
	defer ht.Close()
	keys, payloads := longRows(0, 100)
	require.NoError(t, ht.BulkInsert(keys, payloads, false))
	require.NoError(t, ht.Put(types.LongValue(7), 700))

	// Probe rows are (tag, key); the key is attribute 1.
	rows := [][]types.Value{
		{types.VarCharValue("a"), types.LongValue(7)},
		{types.VarCharValue("b"), types.LongValue(1000)},
		{types.VarCharValue("c"), types.NullValue()},
		{types.VarCharValue("d"), types.LongValue(50)},
	}
	matches := make(map[int][]int64)
	require.NoError(t, ht.ProbeRows(rows, []int{1}, func(row int, v int64) bool {
		matches[row] = append(matches[row], v)
		return true
	}))
	sort.Slice(matches[0], func(a, b int) bool { return matches[0][a] < matches[0][b] })
	require.Equal(t, map[int][]int64{0: {7, 700}, 3: {50}}, matches)

	calls := 0
	require.NoError(t, ht.ProbeRows(rows, []int{1}, func(int, int64) bool {
		calls++
		return false
	}))
	require.Equal(t, 1, calls)

	err = ht.ProbeRows(rows, []int{0, 1}, func(int, int64) bool { return true })
	require.True(t, errors.Is(err, ErrKeyArity), "%v", err)
}

func TestProbeRowsCallbackMayUseTable(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 4, newTestManager())
	require.NoError(t, err)
	defer ht.Close()
	for i := 0; i < 4; i++ {
		require.NoError(t, ht.Put(types.LongValue(int64(i)), int64(i)))
	}

	// The callback queues a resize of the full table, then reads the
	// table while the resize waits for exclusive access.
	resized := make(chan error, 1)
	done := make(chan error, 1)
	rows := [][]types.Value{{types.LongValue(1)}, {types.LongValue(2)}}
	go func() {
		done <- ht.ProbeRows(rows, []int{0}, func(row int, v int64) bool {
			if row == 0 {
				go func() { resized <- ht.Resize(0, 0) }()
				time.Sleep(20 * time.Millisecond)
			}
			if got, ok := ht.Lookup(types.LongValue(3)); !ok || got != 3 {
				t.Errorf("lookup from callback: %d, %v", got, ok)
			}
			return true
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("ProbeRows callback blocked on the table")
	}
	require.NoError(t, <-resized)
	require.EqualValues(t, 1, ht.Stats().TotalResizes)
	require.Equal(t, 4, ht.NumEntries())
}

func TestProbeSideFilterSkipsMisses(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.Long}, 16, newTestManager())
	require.NoError(t, err)
	defer ht.Close()
	for i := 0; i < 10; i++ {
		require.NoError(t, ht.Put(types.LongValue(int64(i)), int64(i)))
	}

	// The filter only admits key 3, so key 4 is skipped although present.
	filter := bloom.New(1, 4096)
	filter.Insert(types.LongValue(3).Data())
	ht.AddProbeSideBloomFilter(filter, []int{0})

	rows := [][]types.Value{{types.LongValue(3)}, {types.LongValue(4)}}
	var got []int
	require.NoError(t, ht.ProbeRows(rows, []int{0}, func(row int, _ int64) bool {
		got = append(got, row)
		return true
	}))
	require.Equal(t, []int{0}, got)
}

func TestBloomSoundnessWithProbeFilter(t *testing.T) {
	ht, err := NewHashTable[int64]([]types.Type{types.VarChar(16), types.Long}, 16, newTestManager(),
		WithDuplicateKeys(true))
	require.NoError(t, err)
	defer ht.Close()
	filter := bloom.NewWithEstimates(3, 5000, 0.01)
	ht.EnableBuildSideBloomFilter(filter)

	const n = 5000
	keys := make([][]types.Value, n)
	payloads := make([]int64, n)
	for i := range keys {
		keys[i] = []types.Value{types.VarCharValue(fmt.Sprint(i % 100)), types.LongValue(int64(i))}
		payloads[i] = int64(i)
	}
	require.NoError(t, ht.BulkInsert(keys, payloads, false))
	// Probe rows carry the key reversed: (long, varchar).
	ht.AddProbeSideBloomFilter(filter, []int{1, 0})

	rows := make([][]types.Value, 2*n)
	for i := range rows {
		rows[i] = []types.Value{types.LongValue(int64(i)), types.VarCharValue(fmt.Sprint(i % 100))}
	}
	found := 0
	require.NoError(t, ht.ProbeRows(rows, []int{1, 0}, func(row int, v int64) bool {
		require.EqualValues(t, row, v)
		found++
		return true
	}))
	require.Equal(t, n, found)
}
