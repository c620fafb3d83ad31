package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/semroute/pkg/encoder"
	"github.com/liliang-cn/semroute/pkg/routefile"
	"github.com/liliang-cn/semroute/pkg/router"
)

var (
	snapshotPath string
	encoderKind  string
	modelName    string
	baseURL      string
	dimensions   int
	hybrid       bool
	alpha        float64
	topK         int
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "semroute",
	Short: "CLI tool for hybrid semantic routing",
	Long:  `Build, query and tune semantic routers from declarative route files.`,
}

var buildCmd = &cobra.Command{
	Use:   "build <routes-file>",
	Short: "Build a router from a route definition file and save a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := routefile.Load(args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		routes := doc.ToRoutes()
		r, err := newRouter(ctx, doc.Options(), utterancesOf(routes))
		if err != nil {
			return err
		}

		if err := r.AddBatch(ctx, routes); err != nil {
			return fmt.Errorf("failed to add routes: %w", err)
		}
		if err := r.SaveSnapshot(snapshotPath); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		fmt.Printf("Router built with %d routes, snapshot saved to %s\n", r.Len(), snapshotPath)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Route a query against a saved snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		r, err := loadRouter(ctx)
		if err != nil {
			return err
		}

		var opts []router.QueryOption
		if filter, _ := cmd.Flags().GetStringSlice("routes"); len(filter) > 0 {
			opts = append(opts, router.WithRouteFilter(filter...))
		}

		choice, err := r.Route(ctx, args[0], opts...)
		if err != nil {
			return fmt.Errorf("routing failed: %w", err)
		}

		outputJSON, _ := cmd.Flags().GetBool("json")
		if outputJSON {
			data, _ := json.MarshalIndent(choice, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if choice.Matched {
			fmt.Printf("Route: %s (score %.4f)\n", choice.Name, choice.Score)
		} else {
			fmt.Printf("No match (best score %.4f)\n", choice.Score)
		}
		if verbose {
			for _, c := range choice.Candidates {
				fmt.Printf("  %-20s %.4f\n", c.Route, c.Score)
			}
		}
		return nil
	},
}

var fitCmd = &cobra.Command{
	Use:   "fit <records-file>",
	Short: "Fit route thresholds from labeled records and update the snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := loadRecords(args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		r, err := loadRouter(ctx)
		if err != nil {
			return err
		}

		opts := []router.FitOption{}
		if method, _ := cmd.Flags().GetString("method"); method != "" {
			opts = append(opts, router.WithFitMethod(router.FitMethod(method)))
		}
		if cmd.Flags().Changed("seed") {
			seed, _ := cmd.Flags().GetInt64("seed")
			opts = append(opts, router.WithSeed(seed))
		}
		if n, _ := cmd.Flags().GetInt("iterations"); n > 0 {
			opts = append(opts, router.WithMaxIterations(n))
		}

		report, err := r.Fit(ctx, records, opts...)
		if err != nil {
			return fmt.Errorf("fitting failed: %w", err)
		}
		if err := r.SaveSnapshot(snapshotPath); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		fmt.Printf("Fit (%s): accuracy %.2f%% -> %.2f%% over %d records (%d skipped)\n",
			report.Method, report.InitialAccuracy*100, report.OptimizedAccuracy*100,
			len(records)-report.SkippedRecords, report.SkippedRecords)
		for name, t := range report.OptimizedThresholds {
			fmt.Printf("  %-20s %.4f\n", name, t)
		}
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <records-file>",
	Short: "Measure routing accuracy on labeled records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := loadRecords(args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		r, err := loadRouter(ctx)
		if err != nil {
			return err
		}

		acc, skipped, err := r.Evaluate(ctx, records)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
		fmt.Printf("Accuracy: %.2f%% over %d records (%d skipped)\n",
			acc*100, len(records)-skipped, skipped)

		if verbose {
			stats, err := r.EvaluateByRoute(ctx, records)
			if err != nil {
				return fmt.Errorf("evaluation failed: %w", err)
			}
			for name, st := range stats {
				fmt.Printf("  %-20s %d/%d (%.2f%%)\n", name, st.Correct, st.Total, st.Accuracy()*100)
			}
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show snapshot contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		var snap router.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("invalid snapshot: %w", err)
		}

		fmt.Printf("Snapshot %s (version %s)\n", snapshotPath, snap.Version)
		fmt.Printf("  Encoder: %s\n", snap.EncoderName)
		fmt.Printf("  Default threshold: %.4f\n", snap.ScoreThreshold)
		fmt.Printf("  Alpha: %.2f  TopK: %d\n", snap.Alpha, snap.TopK)
		fmt.Printf("  Routes: %d (%d utterances)\n",
			snap.Metadata.NumRoutes, snap.Metadata.TotalUtterances)
		for _, rt := range snap.Routes {
			if rt.ScoreThreshold != nil {
				fmt.Printf("    %-20s %3d utterances  threshold %.4f\n",
					rt.Name, len(rt.Utterances), *rt.ScoreThreshold)
			} else {
				fmt.Printf("    %-20s %3d utterances\n", rt.Name, len(rt.Utterances))
			}
		}
		return nil
	},
}

// newRouter assembles a router from the global flags. corpus seeds the
// sparse encoder's statistics in hybrid mode.
func newRouter(ctx context.Context, extra []router.Option, corpus []string) (*router.Router, error) {
	embedder, err := newEmbedder()
	if err != nil {
		return nil, err
	}

	opts := []router.Option{router.WithAlpha(alpha), router.WithTopK(topK)}
	if verbose {
		opts = append(opts, router.WithLogger(router.NewLogger(router.LogLevelDebug)))
	}
	if hybrid {
		bm25 := encoder.NewBM25Encoder()
		if len(corpus) > 0 {
			if err := bm25.Fit(ctx, corpus); err != nil {
				return nil, fmt.Errorf("failed to fit sparse encoder: %w", err)
			}
		}
		opts = append(opts, router.WithSparseEncoder(bm25))
	}
	return router.New(embedder, append(opts, extra...)...)
}

// loadRouter rebuilds a router from the snapshot, reusing cached vectors
// when the sidecar is fresh.
func loadRouter(ctx context.Context) (*router.Router, error) {
	embedder, err := newEmbedder()
	if err != nil {
		return nil, err
	}

	var opts []router.Option
	if verbose {
		opts = append(opts, router.WithLogger(router.NewLogger(router.LogLevelDebug)))
	}
	if hybrid {
		data, err := os.ReadFile(snapshotPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot: %w", err)
		}
		var snap router.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("invalid snapshot: %w", err)
		}
		var corpus []string
		for _, rt := range snap.Routes {
			corpus = append(corpus, rt.Utterances...)
		}
		bm25 := encoder.NewBM25Encoder()
		if err := bm25.Fit(ctx, corpus); err != nil {
			return nil, fmt.Errorf("failed to fit sparse encoder: %w", err)
		}
		opts = append(opts, router.WithSparseEncoder(bm25))
	}
	return router.LoadSnapshotFile(ctx, snapshotPath, embedder, opts...)
}

// newEmbedder builds the embedder selected by --encoder. The hash encoder
// needs no credentials; http requires an API key via flag or environment.
func newEmbedder() (encoder.Embedder, error) {
	switch encoderKind {
	case "hash":
		return encoder.NewHashingEncoder(dimensions), nil
	case "http":
		var opts []encoder.HTTPOption
		if baseURL != "" {
			opts = append(opts, encoder.WithBaseURL(baseURL))
		}
		if modelName != "" {
			opts = append(opts, encoder.WithModel(modelName))
		}
		if dimensions > 0 {
			opts = append(opts, encoder.WithDimensions(dimensions))
		}
		e, err := encoder.NewHTTPEncoder(opts...)
		if err != nil {
			return nil, err
		}
		// Queries and fitting hit the same utterances repeatedly; caching
		// keeps repeated API calls off the wire.
		return encoder.NewCachedEmbedder(e), nil
	default:
		return nil, fmt.Errorf("unknown encoder %q (want hash or http)", encoderKind)
	}
}

// loadRecords parses labeled records from a YAML or JSON file. Both a bare
// list and a {"records": [...]} document are accepted.
func loadRecords(path string) ([]router.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	var records []router.Record
	if err := yaml.Unmarshal(data, &records); err == nil && len(records) > 0 {
		return records, nil
	}
	var wrapped struct {
		Records []router.Record `json:"records" yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid records file %s: %w", path, err)
	}
	if len(wrapped.Records) == 0 {
		return nil, fmt.Errorf("no records in %s", path)
	}
	return wrapped.Records, nil
}

func utterancesOf(routes []*router.Route) []string {
	var out []string
	for _, rt := range routes {
		out = append(out, rt.Utterances...)
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&snapshotPath, "snapshot", "s", "router.json", "Snapshot file path")
	rootCmd.PersistentFlags().StringVarP(&encoderKind, "encoder", "e", "hash", "Embedder: hash or http")
	rootCmd.PersistentFlags().StringVarP(&modelName, "model", "m", "", "Embedding model (http encoder)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Embedding API base URL (http encoder)")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dimensions", "n", 0, "Vector dimensions (0 for encoder default)")
	rootCmd.PersistentFlags().BoolVar(&hybrid, "hybrid", false, "Enable hybrid dense+sparse scoring")
	rootCmd.PersistentFlags().Float64Var(&alpha, "alpha", router.DefaultAlpha, "Dense/sparse blend weight")
	rootCmd.PersistentFlags().IntVar(&topK, "top-k", router.DefaultTopK, "Utterance hits retrieved per query")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	queryCmd.Flags().StringSlice("routes", nil, "Restrict matching to these routes")
	queryCmd.Flags().Bool("json", false, "Output JSON")

	fitCmd.Flags().String("method", "automatic", "Fit method: automatic or manual")
	fitCmd.Flags().Int64("seed", 0, "Random seed for reproducible automatic fitting")
	fitCmd.Flags().Int("iterations", 0, "Maximum automatic search iterations")

	rootCmd.AddCommand(
		buildCmd,
		queryCmd,
		fitCmd,
		evaluateCmd,
		infoCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
