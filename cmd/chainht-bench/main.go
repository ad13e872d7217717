// Command chainht-bench drives a hash table with concurrent builds,
// aggregation upserts and probes, and prints timings and table stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/chainht"
	"github.com/llxisdsh/chainht/agg"
	"github.com/llxisdsh/chainht/bloom"
	"github.com/llxisdsh/chainht/storage"
	"github.com/llxisdsh/chainht/types"
)

var benchContext struct {
	keys       int
	workers    int
	duplicates bool
	keyType    string
	resizable  bool
	estimate   int
	groups     int
}

var rootCmd = &cobra.Command{
	Use:   "chainht-bench",
	Short: "exercises the concurrent separate-chaining hash table",
	Long: `
Builds a join table from --keys rows split across --workers partitions, probes
every key through a build-side Bloom filter, then aggregates the same rows
into --groups groups with concurrent upserts.
`,
	SilenceUsage: true,
	RunE:         runBench,
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&benchContext.keys, "keys", 1_000_000, "number of rows to insert")
	f.IntVar(&benchContext.workers, "workers", 8, "number of concurrent writers")
	f.BoolVar(&benchContext.duplicates, "dup", false, "allow duplicate keys in the join table")
	f.StringVar(&benchContext.keyType, "key-type", "LONG", "key type, e.g. INT, LONG, CHAR(16), VARCHAR(32)")
	f.BoolVar(&benchContext.resizable, "resizable", true, "let tables grow on demand")
	f.IntVar(&benchContext.estimate, "estimate", 1024, "estimated entries at construction")
	f.IntVar(&benchContext.groups, "groups", 1000, "number of aggregation groups")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// makeKey renders row i as a value of t.
func makeKey(t types.Type, i int) types.Value {
	switch t.ID() {
	case types.IntID:
		return types.IntValue(int32(i))
	case types.LongID:
		return types.LongValue(int64(i))
	case types.FloatID:
		return types.FloatValue(float32(i))
	case types.DoubleID:
		return types.DoubleValue(float64(i))
	case types.CharID:
		return types.CharValue(fmt.Sprintf("key-%d", i), t.MaximumByteLength())
	}
	return types.VarCharValue(fmt.Sprintf("key-%d", i))
}

func partitions(kt types.Type, n, workers int) []chainht.Partition[int64] {
	parts := make([]chainht.Partition[int64], workers)
	for i := 0; i < n; i++ {
		p := &parts[i%workers]
		p.Keys = append(p.Keys, []types.Value{makeKey(kt, i)})
		p.Payloads = append(p.Payloads, int64(i))
	}
	return parts
}

func runBench(cmd *cobra.Command, args []string) error {
	kt, err := types.Parse(benchContext.keyType)
	if err != nil {
		return err
	}
	if benchContext.workers <= 0 {
		return errors.Newf("--workers must be positive, got %d", benchContext.workers)
	}
	metrics := storage.NewMetrics("chainht_bench")
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics); err != nil {
		return err
	}
	mgr := storage.NewManager(storage.WithMetrics(metrics))
	ctx := context.Background()

	table, err := chainht.NewHashTable[int64]([]types.Type{kt}, benchContext.estimate, mgr,
		chainht.WithDuplicateKeys(benchContext.duplicates),
		chainht.WithResizable(benchContext.resizable))
	if err != nil {
		return err
	}
	defer table.Close()
	filter := bloom.NewWithEstimates(0x5eed, uint64(benchContext.keys), 0.01)
	table.EnableBuildSideBloomFilter(filter)

	parts := partitions(kt, benchContext.keys, benchContext.workers)
	start := time.Now()
	if err := chainht.BuildParallel(ctx, table, parts, true, benchContext.workers); err != nil {
		return err
	}
	report("build", benchContext.keys, time.Since(start))

	start = time.Now()
	var g errgroup.Group
	misses := make([]int, len(parts))
	for w := range parts {
		w := w
		rows := parts[w].Keys
		g.Go(func() error {
			var buf []byte
			for _, row := range rows {
				buf = append(buf[:0], row[0].Data()...)
				if !filter.Contains(buf) {
					misses[w]++
					continue
				}
				if _, ok := table.Lookup(row[0]); !ok {
					misses[w]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	total := 0
	for _, m := range misses {
		total += m
	}
	report("probe", benchContext.keys, time.Since(start))
	if total != 0 {
		return errors.Newf("%d inserted keys not found", total)
	}

	sum, err := agg.Sum(types.Long)
	if err != nil {
		return err
	}
	aggTable, err := chainht.NewAggregationTable([]types.Type{types.Long}, benchContext.estimate,
		[]agg.Handle{agg.CountStar(), sum}, mgr)
	if err != nil {
		return err
	}
	defer aggTable.Close()
	start = time.Now()
	var ag errgroup.Group
	for w := 0; w < benchContext.workers; w++ {
		w := w
		ag.Go(func() error {
			for i := w; i < benchContext.keys; i += benchContext.workers {
				v := types.LongValue(int64(i))
				if err := aggTable.UpsertRow(
					[]types.Value{types.LongValue(int64(i % max(benchContext.groups, 1)))},
					[]types.Value{v, v},
				); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := ag.Wait(); err != nil {
		return err
	}
	report("aggregate", benchContext.keys, time.Since(start))

	fmt.Fprintf(os.Stdout, "join table:\n%s", table.Stats().ToString())
	fmt.Fprintf(os.Stdout, "aggregation table:\n%s", aggTable.Stats().ToString())
	fmt.Fprintf(os.Stdout, "storage: %d live regions, %s\n",
		mgr.LiveRegions(), humanize.IBytes(uint64(mgr.AllocatedBytes())))
	glog.V(1).Infof("join table %s", table.Stats())
	return nil
}

func report(phase string, n int, d time.Duration) {
	fmt.Fprintf(os.Stdout, "%-10s %s rows in %s (%s rows/s)\n", phase,
		humanize.Comma(int64(n)), d.Round(time.Millisecond),
		humanize.Comma(int64(float64(n)/max(d.Seconds(), 1e-9))))
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
