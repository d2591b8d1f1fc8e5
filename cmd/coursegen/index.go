package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maslennikov-ig/coursegen/internal/config"
	"github.com/maslennikov-ig/coursegen/internal/embeddings"
	"github.com/maslennikov-ig/coursegen/internal/logging"
	"github.com/maslennikov-ig/coursegen/internal/retrieval"
)

var corpusPath string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index a source-material corpus into the vector store",
	Long: `Index source material for retrieval during section generation.

The corpus directory holds one subdirectory per section id; every .md or
.txt file inside is chunked and indexed under that section's scope:

  corpus/
    sec-1/
      installing.md
    sec-2/
      goroutines.md
      channels.txt

Examples:
  coursegen index --corpus ./corpus --config config.yaml`,
	RunE: runIndexCmd,
}

func init() {
	indexCmd.Flags().StringVar(&corpusPath, "corpus", "", "path to the corpus directory (required)")
	_ = indexCmd.MarkFlagRequired("corpus")
}

func runIndexCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	embedder, err := embeddings.NewFastEmbedProvider(embeddings.FastEmbedConfig{
		Model: cfg.Retrieval.EmbeddingModel,
	})
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	store, err := retrieval.NewChromemStore(retrieval.ChromemConfig{
		Path:       cfg.Retrieval.Path,
		Collection: cfg.Retrieval.Collection,
	}, embedder)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer func() { _ = store.Close() }()

	total, err := indexCorpus(cmd.Context(), store, corpusPath, logger)
	if err != nil {
		return err
	}
	logger.Info(cmd.Context(), "corpus indexed",
		zap.Int("chunks", total),
		zap.String("collection", cfg.Retrieval.Collection),
	)
	return nil
}

// indexCorpus walks the corpus layout (one directory per section id) and
// indexes every markdown or text file under its section's scope. Section
// directories are read concurrently; the store handles its own locking.
func indexCorpus(ctx context.Context, store retrieval.Store, dir string, logger *logging.Logger) (int, error) {
	indexer, err := retrieval.NewIndexer(store)
	if err != nil {
		return 0, err
	}
	sections, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading corpus directory: %w", err)
	}

	var (
		mu    sync.Mutex
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, entry := range sections {
		if !entry.IsDir() {
			continue
		}
		sectionID := entry.Name()
		sectionDir := filepath.Join(dir, sectionID)
		g.Go(func() error {
			files, err := os.ReadDir(sectionDir)
			if err != nil {
				return fmt.Errorf("reading section directory %s: %w", sectionDir, err)
			}
			indexed := 0
			for _, file := range files {
				if file.IsDir() {
					continue
				}
				ext := filepath.Ext(file.Name())
				if ext != ".md" && ext != ".txt" {
					continue
				}
				content, err := os.ReadFile(filepath.Join(sectionDir, file.Name()))
				if err != nil {
					return fmt.Errorf("reading %s: %w", file.Name(), err)
				}
				n, err := indexer.IndexDocument(gctx, sectionID, file.Name(), string(content))
				if err != nil {
					return err
				}
				indexed += n
			}
			mu.Lock()
			total += indexed
			mu.Unlock()
			logger.Info(gctx, "section corpus indexed",
				zap.String("section_id", sectionID),
				zap.Int("chunks", indexed),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("corpus at %s contains no indexable files", dir)
	}
	return total, nil
}
