package chainht

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/chainht/agg"
	"github.com/llxisdsh/chainht/types"
)

func mustHandle(h agg.Handle, err error) agg.Handle {
	if err != nil {
		panic(err)
	}
	return h
}

func newSalesTable(t *testing.T, estimate int) *AggregationTable {
	handles := []agg.Handle{
		agg.CountStar(),
		mustHandle(agg.Sum(types.Long)),
		mustHandle(agg.Min(types.Double)),
		mustHandle(agg.Avg(types.Int)),
	}
	at, err := NewAggregationTable([]types.Type{types.VarChar(16)}, estimate, handles, newTestManager())
	require.NoError(t, err)
	return at
}

func salesRow(qty int64, price float64, units int32) []types.Value {
	return []types.Value{types.NullValue(), types.LongValue(qty), types.DoubleValue(price), types.IntValue(units)}
}

func TestAggregationTableLayout(t *testing.T) {
	at := newSalesTable(t, 4)
	defer at.Close()
	require.Equal(t, []int{0, 8, 24, 40}, at.offsets)
	require.Equal(t, 56, at.StateSize())
	require.Len(t, at.Handles(), 4)
	require.False(t, at.cfg.allowDuplicateKeys)
}

func TestAggregationUpsertRow(t *testing.T) {
	at := newSalesTable(t, 2)
	defer at.Close()

	key := func(s string) []types.Value { return []types.Value{types.VarCharValue(s)} }
	require.NoError(t, at.UpsertRow(key("apples"), salesRow(3, 1.5, 10)))
	require.NoError(t, at.UpsertRow(key("apples"), salesRow(4, 0.5, 20)))
	require.NoError(t, at.UpsertRow(key("pears"), salesRow(1, 2.0, 5)))
	require.NoError(t, at.UpsertRow(key("pears"),
		[]types.Value{types.NullValue(), types.NullValue(), types.NullValue(), types.NullValue()}))
	require.Equal(t, 2, at.NumEntries())

	results := make(map[string][]types.Value)
	at.Finalize(func(k []types.Value, r []types.Value) bool {
		results[k[0].AsString()] = append([]types.Value(nil), r...)
		return true
	})
	require.Len(t, results, 2)
	apples := results["apples"]
	require.EqualValues(t, 2, apples[0].AsLong())
	require.EqualValues(t, 7, apples[1].AsLong())
	require.Equal(t, 0.5, apples[2].AsDouble())
	require.Equal(t, 15.0, apples[3].AsDouble())
	pears := results["pears"]
	require.EqualValues(t, 2, pears[0].AsLong())
	require.EqualValues(t, 1, pears[1].AsLong())
	require.Equal(t, 2.0, pears[2].AsDouble())
	require.Equal(t, 5.0, pears[3].AsDouble())

	state, ok := at.Lookup(key("apples"), 0)
	require.True(t, ok)
	require.Len(t, state, 8)
	require.EqualValues(t, 2, at.Handles()[0].Finalize(state).AsLong())
	_, ok = at.Lookup(key("plums"), 0)
	require.False(t, ok)
	_, ok = at.Lookup(key("apples"), 9)
	require.False(t, ok)

	require.Error(t, at.UpsertRow(key("apples"), salesRow(1, 1, 1)[:2]))
	err := at.UpsertRow([]types.Value{types.NullValue()}, salesRow(1, 1, 1))
	require.True(t, errors.Is(err, ErrNullKey), "%v", err)
}

func TestAggregationUpsertHandle(t *testing.T) {
	at := newSalesTable(t, 4)
	defer at.Close()
	key := []types.Value{types.VarCharValue("k")}
	count := at.Handles()[0]
	for i := 0; i < 3; i++ {
		require.NoError(t, at.UpsertHandle(key, 0, func(state []byte) {
			count.Update(types.NullValue(), state)
		}))
	}
	state, ok := at.Lookup(key, 0)
	require.True(t, ok)
	require.EqualValues(t, 3, count.Finalize(state).AsLong())
	// Untouched handles keep their initial state.
	state, ok = at.Lookup(key, 1)
	require.True(t, ok)
	require.True(t, at.Handles()[1].Finalize(state).IsNull())

	require.Error(t, at.UpsertHandle(key, 4, func([]byte) {}))
}

func TestAggregationConcurrentUpserts(t *testing.T) {
	const (
		numWorkers = 8
		numGroups  = 200
		perWorker  = 5000
	)
	at := newSalesTable(t, 2)
	defer at.Close()

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				key := []types.Value{types.VarCharValue(fmt.Sprintf("g%d", i%numGroups))}
				if err := at.UpsertRow(key, salesRow(1, float64(w), 2)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, numGroups, at.NumEntries())
	require.Greater(t, at.Stats().TotalResizes, uint32(0))

	perGroup := int64(numWorkers * perWorker / numGroups)
	groups := 0
	at.Finalize(func(_ []types.Value, r []types.Value) bool {
		groups++
		require.Equal(t, perGroup, r[0].AsLong())
		require.Equal(t, perGroup, r[1].AsLong())
		require.Equal(t, 0.0, r[2].AsDouble())
		require.Equal(t, 2.0, r[3].AsDouble())
		return true
	})
	require.Equal(t, numGroups, groups)
}

func TestAggregationMergeFrom(t *testing.T) {
	dst := newSalesTable(t, 4)
	defer dst.Close()
	src := newSalesTable(t, 4)
	defer src.Close()

	key := func(s string) []types.Value { return []types.Value{types.VarCharValue(s)} }
	require.NoError(t, dst.UpsertRow(key("a"), salesRow(1, 5, 1)))
	require.NoError(t, src.UpsertRow(key("a"), salesRow(2, 3, 3)))
	require.NoError(t, src.UpsertRow(key("b"), salesRow(4, 9, 7)))

	require.NoError(t, dst.MergeFrom(src))
	require.Equal(t, 2, dst.NumEntries())
	results := make(map[string][]types.Value)
	dst.Finalize(func(k []types.Value, r []types.Value) bool {
		results[k[0].AsString()] = append([]types.Value(nil), r...)
		return true
	})
	require.EqualValues(t, 2, results["a"][0].AsLong())
	require.EqualValues(t, 3, results["a"][1].AsLong())
	require.Equal(t, 3.0, results["a"][2].AsDouble())
	require.Equal(t, 2.0, results["a"][3].AsDouble())
	require.EqualValues(t, 1, results["b"][0].AsLong())
	require.Equal(t, 9.0, results["b"][2].AsDouble())

	require.True(t, errors.Is(dst.MergeFrom(dst), ErrSelfMerge))
	other, err := NewAggregationTable([]types.Type{types.VarChar(16)}, 4,
		[]agg.Handle{agg.Count()}, newTestManager())
	require.NoError(t, err)
	defer other.Close()
	require.Error(t, dst.MergeFrom(other))
}

func TestAggregationClear(t *testing.T) {
	at := newSalesTable(t, 4)
	defer at.Close()
	require.NoError(t, at.UpsertRow([]types.Value{types.VarCharValue("x")}, salesRow(1, 1, 1)))
	at.Clear()
	require.Zero(t, at.NumEntries())
	require.NoError(t, at.UpsertRow([]types.Value{types.VarCharValue("x")}, salesRow(5, 1, 1)))
	state, ok := at.Lookup([]types.Value{types.VarCharValue("x")}, 1)
	require.True(t, ok)
	require.EqualValues(t, 5, at.Handles()[1].Finalize(state).AsLong())
	require.Greater(t, at.MemoryConsumptionBytes(), 0)
}

func TestAggregationTableIgnoresDuplicateOption(t *testing.T) {
	at, err := NewAggregationTable([]types.Type{types.Long}, 4, []agg.Handle{agg.CountStar()},
		newTestManager(), WithDuplicateKeys(true))
	require.NoError(t, err)
	defer at.Close()
	key := []types.Value{types.LongValue(1)}
	require.NoError(t, at.UpsertRow(key, []types.Value{types.NullValue()}))
	require.NoError(t, at.UpsertRow(key, []types.Value{types.NullValue()}))
	require.Equal(t, 1, at.NumEntries())

	_, err = NewAggregationTable([]types.Type{types.Long}, 4, nil, newTestManager())
	require.Error(t, err)
}
