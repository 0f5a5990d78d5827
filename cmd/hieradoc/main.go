// Package main provides the hieradoc CLI: the HTTP service plus one-shot
// ingest and purge commands against the same index.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hieradoc/hieradoc/internal/chunker"
	"github.com/hieradoc/hieradoc/internal/compose"
	"github.com/hieradoc/hieradoc/internal/config"
	"github.com/hieradoc/hieradoc/internal/embedding"
	"github.com/hieradoc/hieradoc/internal/extract"
	"github.com/hieradoc/hieradoc/internal/metastore"
	"github.com/hieradoc/hieradoc/internal/pipeline"
	"github.com/hieradoc/hieradoc/internal/retrieve"
	"github.com/hieradoc/hieradoc/internal/server"
	"github.com/hieradoc/hieradoc/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hieradoc",
	Short: "Hierarchical PDF question-answering service",
	Long:  "Service and CLI for indexing PDF documents into Qdrant and answering questions grounded in their content",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the document service: upload, status, deletion and query endpoints.

Environment variables:
  OPENAI_API_KEY OpenAI API key for embeddings and completions (required)
  PORT           HTTP listen port (default: 8080)`,
	RunE: runServe,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <session-id> <pdf-path>",
	Short: "Index one PDF from the command line",
	Args:  cobra.ExactArgs(2),
	RunE:  runIngest,
}

var purgeCmd = &cobra.Command{
	Use:   "purge <doc-id>",
	Short: "Remove a document's index entries and metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runPurge,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(purgeCmd)
}

func main() {
	// Load .env if present (local development), ignore if missing.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// components holds the wired service graph shared by all commands.
type components struct {
	cfg       *config.Config
	store     *storage.Store
	meta      *metastore.Store
	pipeline  *pipeline.Pipeline
	retriever *retrieve.Retriever
	composer  *compose.Composer
	logger    *slog.Logger
}

func (c *components) Close() {
	c.meta.Close()
	c.store.Close()
}

func build(ctx context.Context) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	store, err := storage.NewStore(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection, cfg.Embedding.Dimension)
	if err != nil {
		return nil, fmt.Errorf("connecting to Qdrant: %w", err)
	}
	if err := store.EnsureCollection(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensuring collection: %w", err)
	}

	meta, err := metastore.NewStore(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	provider, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey)
	if err != nil {
		meta.Close()
		store.Close()
		return nil, err
	}
	embedder := embedding.NewEmbedder(provider, cfg.Embedding.Model, cfg.Embedding.BatchSize)

	extractor := extract.NewExtractor(
		extract.NewTesseractClient(cfg.Extraction.OCRLanguages),
		cfg.Extraction.MinPageChars,
		cfg.Extraction.PageTimeout,
		logger,
	)

	chunk := chunker.New(
		chunker.WithMaxParentSize(cfg.Chunking.MaxParentSize),
		chunker.WithMinChunkSize(cfg.Chunking.MinChunkSize),
		chunker.WithChildSize(cfg.Chunking.ChildSize),
		chunker.WithChildOverlap(cfg.Chunking.ChildOverlap),
	)

	pipe := pipeline.New(extractor, chunk, embedder, store, meta, logger)
	retriever := retrieve.New(embedder, store, cfg.Retrieval.OverFetch, cfg.Retrieval.MinScore, logger)
	composer := compose.New(
		compose.NewOpenAIClient(provider.Client()),
		cfg.Completion.Model,
		cfg.Completion.ContextBudget,
		logger,
	)

	return &components{
		cfg:       cfg,
		store:     store,
		meta:      meta,
		pipeline:  pipe,
		retriever: retriever,
		composer:  composer,
		logger:    logger,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	handlers := server.NewHandlers(
		c.pipeline, c.retriever, c.composer, c.meta,
		c.cfg.UploadDir, c.cfg.Retrieval.TopK, c.logger,
	)
	srv := server.New(c.cfg.Port, handlers, c.store, c.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		c.logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sessionID, pdfPath := args[0], args[1]

	c, err := build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	docID := uuid.NewString()
	doc := &metastore.Document{
		ID:        docID,
		SessionID: sessionID,
		Filename:  filepath.Base(pdfPath),
	}
	if err := c.meta.Create(ctx, doc); err != nil {
		return fmt.Errorf("registering document: %w", err)
	}

	result, err := c.pipeline.Process(ctx, docID, pdfPath)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	fmt.Println("Ingest complete!")
	fmt.Printf("  Document: %s\n", result.DocID)
	fmt.Printf("  Language: %s\n", result.Language)
	fmt.Printf("  Pages: %d (%d failed)\n", result.Pages, len(result.FailedPages))
	fmt.Printf("  Parents: %d\n", result.Parents)
	fmt.Printf("  Children: %d\n", result.Children)
	if result.OCRUsed {
		fmt.Println("  OCR: used on at least one page")
	}
	if result.Degraded {
		fmt.Println("  Warning: degraded extraction or chunking, see document status")
	}
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	docID := args[0]

	c, err := build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.pipeline.Delete(ctx, docID); err != nil {
		return fmt.Errorf("purging document: %w", err)
	}
	fmt.Printf("Document %s removed\n", docID)
	return nil
}
