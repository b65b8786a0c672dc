package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanonone/genovec/pkg/core"
	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) newInitCommand() *cobra.Command {
	var (
		dim          int
		metric       string
		quant        string
		m            int
		efC          int
		efS          int
		selection    string
		force        bool
		subvectors   int
		trainingSize int
		rerank       int
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty index in the data directory",
		Example: `  genovec init --dim 384 --metric cosine --quantization scalar
  genovec init --dim 128 --quantization product --subvectors 16
  genovec init --dim 256 --quantization binary --metric euclidean --rerank 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.snapshotExists() && !force {
				return fmt.Errorf("an index already exists in %s (use --force to replace it)", a.cfg.DataDir)
			}
			flags := cmd.Flags()
			idx := &a.cfg.Index
			idx.Dimensions = dim
			if flags.Changed("metric") {
				idx.Metric = metric
			}
			if flags.Changed("quantization") {
				idx.Quantization = quant
			}
			if flags.Changed("m") {
				idx.M = m
			}
			if flags.Changed("ef-construction") {
				idx.EfConstruction = efC
			}
			if flags.Changed("ef-search") {
				idx.EfSearch = efS
			}
			if flags.Changed("selection") {
				idx.Selection = selection
			}
			if flags.Changed("subvectors") {
				idx.Subvectors = subvectors
			}
			if flags.Changed("training-size") {
				idx.TrainingSampleSize = trainingSize
			}
			if flags.Changed("rerank") {
				idx.Rerank = rerank
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if force {
				if err := os.Remove(a.snapshotPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			e, err := a.open(nil)
			if err != nil {
				return err
			}
			if err := e.Save(); err != nil {
				return closeWith(e, err)
			}
			opts := e.DB.Options()
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: dim=%d metric=%s quantization=%s M=%d efConstruction=%d\n",
				e.Path(), opts.Dimensions, opts.Metric, opts.Quantization, opts.HNSW.M, opts.HNSW.EfConstruction)
			return e.Close()
		},
	}
	def := core.DefaultOptions(0)
	cmd.Flags().IntVar(&dim, "dim", 0, "vector dimension (required)")
	cmd.Flags().StringVar(&metric, "metric", string(def.Metric), "distance metric: cosine, euclidean, dot, manhattan, hamming")
	cmd.Flags().StringVar(&quant, "quantization", string(def.Quantization), "storage: none, scalar, product, binary, half")
	cmd.Flags().IntVar(&m, "m", def.HNSW.M, "max neighbors per node on upper layers")
	cmd.Flags().IntVar(&efC, "ef-construction", def.HNSW.EfConstruction, "candidate list size while inserting")
	cmd.Flags().IntVar(&efS, "ef-search", def.HNSW.EfSearch, "default candidate list size for queries")
	cmd.Flags().StringVar(&selection, "selection", string(hnsw.SelectSimple), "neighbor selection: simple, heuristic")
	cmd.Flags().IntVar(&subvectors, "subvectors", 0, "product quantization subspaces (must divide dim)")
	cmd.Flags().IntVar(&trainingSize, "training-size", def.TrainingSampleSize, "vectors used to train scalar/product/binary codebooks")
	cmd.Flags().IntVar(&rerank, "rerank", 0, "keep full vectors and rescore k*N quantized candidates exactly (0 = off)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing index")
	_ = cmd.MarkFlagRequired("dim")
	return cmd
}

func (a *app) newImportCommand() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "import [file.jsonl|-]",
		Short: "Insert records from a JSON Lines file",
		Long: `Each line is a JSON object {"id": "...", "vector": [...], "metadata": {...}}.
Records without an id get a generated UUID. Metadata values must be strings,
numbers or booleans. A missing index is created with the dimension of the
first record. Records are inserted in batches; a batch with an invalid record is
rejected as a whole and the import stops.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			name := "stdin"
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in, name = f, args[0]
			}

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
			var (
				e     *engine.Engine
				batch []core.Record
				total int
				line  int
			)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				if e == nil {
					var err error
					if e, err = a.openFor(len(batch[0].Vector)); err != nil {
						return err
					}
				}
				ids, err := e.AddBatch(cmd.Context(), batch)
				total += len(ids)
				batch = batch[:0]
				return err
			}

			for scanner.Scan() {
				line++
				raw := scanner.Bytes()
				if len(raw) == 0 {
					continue
				}
				var rec core.Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					err = fmt.Errorf("%s:%d: %w", name, line, err)
					return closeWith(e, err)
				}
				batch = append(batch, rec)
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						return closeWith(e, fmt.Errorf("batch ending at %s:%d: %w", name, line, err))
					}
				}
			}
			if err := scanner.Err(); err != nil {
				return closeWith(e, err)
			}
			if err := flush(); err != nil {
				return closeWith(e, fmt.Errorf("batch ending at %s:%d: %w", name, line, err))
			}
			if e == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no records")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records, index holds %d\n", total, e.Len())
			return e.Close()
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 1000, "records per batch")
	return cmd
}

// openFor opens the index, creating it with dimension dim when the data
// directory has none and the configuration sets no dimension.
func (a *app) openFor(dim int) (*engine.Engine, error) {
	return a.open(func(o *engine.Options) {
		if !a.snapshotExists() && o.Index.Dimensions == 0 {
			o.Index.Dimensions = dim
		}
	})
}

func closeWith(e *engine.Engine, err error) error {
	if e != nil {
		if cerr := e.Close(); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

func (a *app) newSearchCommand() *cobra.Command {
	var (
		vector      string
		k           int
		ef          int
		filter      string
		exact       bool
		withVectors bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find the nearest records to a vector",
		Example: `  genovec search --vector "0.1 0.2 ..." -k 5
  genovec search --vector "[0.1, 0.2, ...]" --filter '{"gene": "BRCA1", "af": {"$lt": 0.01}}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := engine.ParseVector(vector)
			if err != nil {
				return fmt.Errorf("--vector: %w", err)
			}
			var raw map[string]any
			if filter != "" {
				if err := json.Unmarshal([]byte(filter), &raw); err != nil {
					return fmt.Errorf("--filter: %w", err)
				}
			}
			f, err := metadata.ParseFilter(raw)
			if err != nil {
				return fmt.Errorf("--filter: %w", err)
			}

			e, err := a.open(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			var res any
			if exact {
				res, err = e.ExactSearch(query, k, raw)
			} else {
				res, err = e.Query(cmd.Context(), core.Query{Vector: query, K: k, Ef: max(ef, 0), Filter: f, WithVectors: withVectors})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&vector, "vector", "", "query vector, space or comma separated (required)")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of results")
	cmd.Flags().IntVar(&ef, "ef", 0, "candidate list size (0 = index default)")
	cmd.Flags().StringVar(&filter, "filter", "", "metadata filter as JSON")
	cmd.Flags().BoolVar(&exact, "exact", false, "scan every record instead of walking the graph")
	cmd.Flags().BoolVar(&withVectors, "with-vectors", false, "include the stored vector of every result")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func (a *app) newGetCommand() *cobra.Command {
	var vectorOnly bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored record",
		Example: `  genovec get rs429358
  genovec search --vector "$(genovec get rs429358 --vector-only)" -k 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(nil)
			if err != nil {
				return err
			}
			defer e.Close()
			rec, ok := e.Get(args[0])
			if !ok {
				return fmt.Errorf("record %q not found", args[0])
			}
			if vectorOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), engine.FormatVector(rec.Vector))
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&vectorOnly, "vector-only", false, "print only the vector, in the form accepted by search --vector")
	return cmd
}

func (a *app) newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(nil)
			if err != nil {
				return err
			}
			deleted := 0
			for _, id := range args {
				if e.Delete(id) {
					deleted++
				} else {
					a.log.Warn("record not found", "id", id)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d of %d\n", deleted, len(args))
			return e.Close()
		},
	}
}

func (a *app) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(nil)
			if err != nil {
				return err
			}
			defer e.Close()
			backend, cpu := distance.KernelInfo()
			return printJSON(cmd.OutOrStdout(), struct {
				Path    string `json:"path"`
				Kernels string `json:"kernels"`
				CPU     string `json:"cpu"`
				Index   any    `json:"index"`
			}{e.Path(), backend, cpu, e.Stats()})
		},
	}
}

func (a *app) newCompactCommand() *cobra.Command {
	var refine bool
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim deleted slots and optionally refine the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(nil)
			if err != nil {
				return err
			}
			before := e.Stats().Tombstones
			if err := e.Compact(); err != nil {
				return closeWith(e, err)
			}
			if refine {
				for done := false; !done; {
					done = e.DB.Refine(4096, 0)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d slots, index holds %d\n", before, e.Len())
			if err := e.Save(); err != nil {
				return closeWith(e, err)
			}
			return e.Close()
		},
	}
	cmd.Flags().BoolVar(&refine, "refine", false, "re-link every node after compaction")
	return cmd
}
