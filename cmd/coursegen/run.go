package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maslennikov-ig/coursegen/internal/artifact"
	"github.com/maslennikov-ig/coursegen/internal/budget"
	"github.com/maslennikov-ig/coursegen/internal/config"
	"github.com/maslennikov-ig/coursegen/internal/embeddings"
	"github.com/maslennikov-ig/coursegen/internal/escalate"
	"github.com/maslennikov-ig/coursegen/internal/gate"
	"github.com/maslennikov-ig/coursegen/internal/logging"
	"github.com/maslennikov-ig/coursegen/internal/metrics"
	"github.com/maslennikov-ig/coursegen/internal/model"
	"github.com/maslennikov-ig/coursegen/internal/phase"
	"github.com/maslennikov-ig/coursegen/internal/pipeline"
	"github.com/maslennikov-ig/coursegen/internal/retrieval"
)

var (
	analysisPath string
	outPath      string
	statePath    string
	indexDir     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full generation pipeline over an analysis artifact",
	Long: `Run the generation pipeline: metadata, then every section in
prerequisite order, then cross-section validation and assembly.

Examples:
  # Generate a course, writing the artifact to a file
  coursegen run --analysis analysis.json --out course.json

  # Index a source corpus first, then generate with retrieval
  coursegen run --analysis analysis.json --out course.json --index ./corpus`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&analysisPath, "analysis", "", "path to the analysis artifact (required)")
	runCmd.Flags().StringVar(&outPath, "out", "", "path for the course artifact (default: stdout)")
	runCmd.Flags().StringVar(&statePath, "state", "", "path for run-state checkpoints")
	runCmd.Flags().StringVar(&indexDir, "index", "", "corpus directory to index before the run")
	_ = runCmd.MarkFlagRequired("analysis")
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if statePath != "" {
		cfg.Pipeline.StatePath = statePath
	}
	if indexDir != "" {
		cfg.Retrieval.Enabled = true
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(analysisPath)
	if err != nil {
		return fmt.Errorf("reading analysis artifact: %w", err)
	}
	analysis, err := artifact.ParseAnalysis(data)
	if err != nil {
		return err
	}

	coord, cleanup, err := buildCoordinator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	course, runErr := coord.Run(ctx, analysis)
	if course != nil {
		if writeErr := writeCourse(course); writeErr != nil {
			return writeErr
		}
	}
	if runErr != nil {
		return runErr
	}
	logger.Info(ctx, "course artifact written",
		zap.String("out", outPath),
		zap.Int("tokens_spent", course.TokensSpent),
	)
	return nil
}

// buildCoordinator wires the full pipeline from config, indexing the corpus
// from --index first when given. The returned cleanup closes the store and
// embedder.
func buildCoordinator(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pipeline.Coordinator, func(), error) {
	cleanup := func() {}

	var counter budget.TokenCounter
	switch cfg.Budget.Tokenizer {
	case "heuristic":
		counter = budget.HeuristicCounter{}
	default:
		counter = budget.NewCounter("cl100k_base")
	}
	estimator, err := budget.NewEstimator(counter, cfg.Budget.MaxRetrievalShare)
	if err != nil {
		return nil, cleanup, err
	}

	var gateway *retrieval.Gateway
	if cfg.Retrieval.Enabled {
		embedder, err := embeddings.NewFastEmbedProvider(embeddings.FastEmbedConfig{
			Model: cfg.Retrieval.EmbeddingModel,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("initializing embedder: %w", err)
		}
		store, err := retrieval.NewChromemStore(retrieval.ChromemConfig{
			Path:       cfg.Retrieval.Path,
			Collection: cfg.Retrieval.Collection,
		}, embedder)
		if err != nil {
			_ = embedder.Close()
			return nil, cleanup, fmt.Errorf("opening vector store: %w", err)
		}
		cleanup = func() {
			_ = store.Close()
			_ = embedder.Close()
		}
		if indexDir != "" {
			if _, err := indexCorpus(ctx, store, indexDir, logger); err != nil {
				return nil, cleanup, err
			}
		}
		gateway, err = retrieval.NewGateway(store, logger)
		if err != nil {
			return nil, cleanup, err
		}
	}

	executor, err := phase.NewExecutor(gateway, estimator, logger, cfg.Phase)
	if err != nil {
		return nil, cleanup, err
	}

	tiers := make([]pipeline.Tier, 0, len(cfg.Models))
	for _, t := range cfg.Models {
		client, err := newClient(t)
		if err != nil {
			return nil, cleanup, err
		}
		tiers = append(tiers, pipeline.Tier{
			Name:         t.Name,
			Client:       client,
			Model:        t.Model,
			Temperature:  t.Temperature,
			MaxTokens:    t.MaxTokens,
			ContextLimit: t.ContextLimit,
		})
	}

	controller, err := escalate.NewController(cfg.Retry, len(tiers))
	if err != nil {
		return nil, cleanup, err
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder(prometheus.DefaultRegisterer)
		serveMetrics(cfg.Metrics.Listen, logger)
	}

	coord, err := pipeline.NewCoordinator(tiers, executor, gate.New(cfg.Gate), controller, logger, recorder, cfg.Pipeline)
	if err != nil {
		return nil, cleanup, err
	}
	return coord, cleanup, nil
}

func newClient(t config.ModelTier) (model.Client, error) {
	apiKey := os.Getenv(t.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("tier %s: environment variable %s is not set", t.Name, t.APIKeyEnv)
	}
	switch t.Provider {
	case "anthropic":
		return model.NewAnthropicClient(model.AnthropicConfig{
			APIKey:            apiKey,
			BaseURL:           t.BaseURL,
			RequestsPerSecond: t.RPS,
		})
	case "openai":
		return model.NewOpenAIClient(model.OpenAIConfig{
			APIKey:            apiKey,
			BaseURL:           t.BaseURL,
			RequestsPerSecond: t.RPS,
		})
	default:
		return nil, fmt.Errorf("tier %s: unknown provider %q", t.Name, t.Provider)
	}
}

func serveMetrics(listen string, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(context.Background(), "metrics server stopped", zap.Error(err))
		}
	}()
}

func writeCourse(course *artifact.Course) error {
	data, err := course.MarshalStable()
	if err != nil {
		return err
	}
	if outPath == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("writing course artifact: %w", err)
	}
	return nil
}
