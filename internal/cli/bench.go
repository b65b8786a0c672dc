package cli

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/sanonone/genovec/pkg/core"
)

// searcher is the part of core.DB and engine.Engine the benchmark needs.
type searcher interface {
	Search(ctx context.Context, query []float32, k, ef int, filter map[string]any) ([]core.SearchResult, error)
	ExactSearch(query []float32, k int, filter map[string]any) ([]core.SearchResult, error)
	Len() int
}

// dbSearcher adapts core.DB to the engine's Search signature.
type dbSearcher struct{ *core.DB }

func (d dbSearcher) Search(ctx context.Context, q []float32, k, ef int, f map[string]any) ([]core.SearchResult, error) {
	return d.DB.SearchContext(ctx, q, k, ef, f)
}

type benchReport struct {
	Vectors  int     `json:"vectors"`
	Queries  int     `json:"queries"`
	K        int     `json:"k"`
	Ef       int     `json:"ef"`
	MeanMs   float64 `json:"mean_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
	QPS      float64 `json:"qps"`
	Recall   float64 `json:"recall,omitempty"`
	BuildSec float64 `json:"build_seconds,omitempty"`
}

func (a *app) newBenchCommand() *cobra.Command {
	var (
		queries   int
		k         int
		ef        int
		synthetic int
		dim       int
		seed      int64
		recall    bool
		budget    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure query latency percentiles",
		Long: `bench runs random queries and reports mean, p50, p95 and p99 latency.
With --synthetic N it builds a throwaway in-memory index of N random vectors of
dimension --dim; otherwise it queries the index in the data directory. With
--budget the command fails when p95 exceeds the budget.`,
		Example: `  genovec bench --synthetic 10000 --dim 384 --queries 100 --ef 150 --budget 20ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng := rand.New(rand.NewSource(seed))
			var (
				s     searcher
				d     int
				built time.Duration
			)
			if synthetic > 0 {
				opts, err := a.cfg.IndexOptions()
				if err != nil {
					return err
				}
				opts.Dimensions = dim
				db, err := core.New(opts)
				if err != nil {
					return err
				}
				recs := make([]core.Record, synthetic)
				for i := range recs {
					recs[i] = core.Record{ID: fmt.Sprintf("syn-%d", i), Vector: randomVector(rng, dim)}
				}
				start := time.Now()
				if _, err := db.AddBatch(cmd.Context(), recs); err != nil {
					return err
				}
				built = time.Since(start)
				a.log.Info("synthetic index built", "vectors", synthetic, "dimensions", dim, "elapsed", built)
				s, d = dbSearcher{db}, dim
			} else {
				e, err := a.open(nil)
				if err != nil {
					return err
				}
				defer e.Close()
				s, d = e, e.DB.Dimensions()
			}

			report, err := runBench(cmd.Context(), s, rng, d, queries, k, ef, recall)
			if err != nil {
				return err
			}
			report.BuildSec = built.Seconds()
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if budget > 0 && report.P95Ms > float64(budget)/float64(time.Millisecond) {
				return fmt.Errorf("p95 latency %.3fms exceeds budget %v", report.P95Ms, budget)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&queries, "queries", 100, "number of random queries")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "results per query")
	cmd.Flags().IntVar(&ef, "ef", 150, "candidate list size")
	cmd.Flags().IntVar(&synthetic, "synthetic", 0, "build an in-memory index of this many random vectors")
	cmd.Flags().IntVar(&dim, "dim", 384, "dimension of the synthetic vectors")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&recall, "recall", false, "also measure recall@k against an exact scan")
	cmd.Flags().DurationVar(&budget, "budget", 0, "fail when p95 latency exceeds this")
	return cmd
}

func runBench(ctx context.Context, s searcher, rng *rand.Rand, dim, queries, k, ef int, withRecall bool) (benchReport, error) {
	if queries <= 0 {
		return benchReport{}, fmt.Errorf("--queries must be positive")
	}
	lat := make([]float64, queries)
	hits, total := 0, 0
	start := time.Now()
	for i := range lat {
		q := randomVector(rng, dim)
		t0 := time.Now()
		res, err := s.Search(ctx, q, k, ef, nil)
		lat[i] = float64(time.Since(t0)) / float64(time.Millisecond)
		if err != nil {
			return benchReport{}, err
		}
		if withRecall {
			truth, err := s.ExactSearch(q, k, nil)
			if err != nil {
				return benchReport{}, err
			}
			want := make(map[string]bool, len(truth))
			for _, r := range truth {
				want[r.ID] = true
			}
			for _, r := range res {
				if want[r.ID] {
					hits++
				}
			}
			total += len(truth)
		}
	}
	elapsed := time.Since(start)

	sort.Float64s(lat)
	rep := benchReport{
		Vectors: s.Len(),
		Queries: queries,
		K:       k,
		Ef:      ef,
		MeanMs:  stat.Mean(lat, nil),
		P50Ms:   stat.Quantile(0.50, stat.Empirical, lat, nil),
		P95Ms:   stat.Quantile(0.95, stat.Empirical, lat, nil),
		P99Ms:   stat.Quantile(0.99, stat.Empirical, lat, nil),
	}
	if !withRecall {
		rep.QPS = float64(queries) / elapsed.Seconds()
	}
	if total > 0 {
		rep.Recall = float64(hits) / float64(total)
	}
	return rep, nil
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
