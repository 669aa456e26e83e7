package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imehof/bookchat/internal/config"
	"github.com/imehof/bookchat/internal/ingest"
	"github.com/imehof/bookchat/internal/loader"
	"github.com/imehof/bookchat/internal/provider"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Rebuild the content collection from course documents",
	Long: `Rebuild the content collection from course documents.

Paths may be individual files or directories; directories are walked for
supported document types (.md, .txt, .html, .pdf). The existing collection
is replaced.

Examples:
  bookchat ingest ./docs
  bookchat ingest ./docs/course_outline.md ./docs/lessons`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		paths, err := loader.Discover(args)
		if err != nil {
			return fmt.Errorf("discovering documents: %w", err)
		}
		if len(paths) == 0 {
			return fmt.Errorf("no supported documents found under the given paths")
		}
		printStep("Found %d documents", len(paths))

		client, err := provider.New(cfg.Provider)
		if err != nil {
			return fmt.Errorf("configuring provider: %w", err)
		}

		index, err := openIndex(cfg)
		if err != nil {
			return fmt.Errorf("opening vector index: %w", err)
		}
		defer index.Close()

		pipe := ingest.New(client, index, ingest.Options{
			ChunkSize:    cfg.Retrieval.ChunkSize,
			ChunkOverlap: cfg.Retrieval.ChunkOverlap,
			MinDocLength: cfg.Retrieval.MinDocLength,
		})

		result, err := pipe.Run(ctx, paths)
		if err != nil {
			printError("Ingestion failed: %v", err)
			return err
		}

		printSuccess("Indexed %d documents (%d chunks, %d skipped)", result.Documents, result.Chunks, result.Skipped)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bookchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			// Still show partial status even if config fails.
			printError("config error: %v", err)
			return nil
		}

		// Check server health.
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		printStatus("Provider", "%s", cfg.Provider.Backend)
		if cfg.Provider.ChatModel != "" {
			printStatus("Chat model", "%s", cfg.Provider.ChatModel)
		}
		if cfg.Provider.EmbedModel != "" {
			printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
		}

		if cfg.Qdrant.Host != "" {
			printStatus("Vector index", "qdrant at %s:%d (collection %s)", cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection)
		} else {
			printStatus("Vector index", "local sqlite")
		}

		// Show chunk count when the index is reachable.
		if index, err := openIndex(cfg); err == nil {
			countCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := index.Count(countCtx); err == nil {
				printStatus("Chunks", "%d", n)
			}
			cancel()
			index.Close()
		}

		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}
