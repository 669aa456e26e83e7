package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/imehof/bookchat/internal/agent"
	"github.com/imehof/bookchat/internal/api"
	"github.com/imehof/bookchat/internal/config"
	"github.com/imehof/bookchat/internal/ingest"
	"github.com/imehof/bookchat/internal/provider"
	"github.com/imehof/bookchat/internal/retrieval"
	"github.com/imehof/bookchat/internal/transcript"
	"github.com/imehof/bookchat/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bookchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openIndex picks the vector backend: Qdrant when a host is configured,
// the local SQLite index otherwise.
func openIndex(cfg config.Config) (vectorindex.Index, error) {
	if cfg.Qdrant.Host != "" {
		return vectorindex.NewQdrant(vectorindex.QdrantOptions{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
		})
	}
	return vectorindex.OpenSQLite(cfg.Storage.DataDir)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "bookchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := provider.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("configuring provider: %w", err)
	}
	slog.Info("provider ready", "backend", cfg.Provider.Backend, "dimension", client.Dimension())

	index, err := openIndex(cfg)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing vector index: %v\n", err)
		}
	}()

	sink, err := transcript.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing transcript store: %v\n", err)
		}
	}()

	retriever := retrieval.NewRetriever(client, index)
	rewriter := retrieval.NewRewriter(client)
	ag := agent.New(client, retriever.Retrieve, agent.Options{
		MaxRounds:        cfg.Agent.MaxToolRounds,
		AbortOnToolError: cfg.Agent.AbortOnToolError,
	})
	pipe := ingest.New(client, index, ingest.Options{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		MinDocLength: cfg.Retrieval.MinDocLength,
	})

	handler := api.NewHandler(api.Deps{
		Agent:      ag,
		Rewriter:   rewriter,
		Ingest:     pipe,
		Transcript: sink,
	})

	// MCP server on its own port, sharing the retriever and index.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Retriever: retriever, Index: index})
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.MCPPort)
		slog.Info("MCP server listening", "addr", addr)
		if err := mcpHTTP.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP server error", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "bookchat listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
