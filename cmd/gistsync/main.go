package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/renfold/gistsync/internal/config"
	"github.com/renfold/gistsync/internal/gist"
	"github.com/renfold/gistsync/internal/logging"
	"github.com/renfold/gistsync/internal/mcpserver"
	"github.com/renfold/gistsync/internal/merge"
	"github.com/renfold/gistsync/internal/snapshot"
	"github.com/renfold/gistsync/internal/spool"
	"github.com/renfold/gistsync/internal/state"
	"github.com/renfold/gistsync/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("gistsync starting",
		slog.String("version", Version),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	s, err := buildSyncer(cfg, store, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableSync {
		g.Go(func() error {
			return runSync(gctx, cfg, store, s, logger)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, s, logger)
		})
	}

	err = g.Wait()
	if !shutdownOK(err) {
		return err
	}
	logger.Info("gistsync stopped")
	return nil
}

// shutdownOK reports whether the service group ended cleanly. A cancelled
// context is how the signal handler stops the loops, not a failure.
func shutdownOK(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func openStore(cfg config.Config) (*state.Store, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}
	return state.Load()
}

// buildSyncer wires the store, transport, codec, and merge engine into a
// syncer, seeding persisted settings from the environment.
func buildSyncer(cfg config.Config, store *state.Store, logger *slog.Logger) (*syncer.Syncer, error) {
	settings, err := store.SyncSettings()
	if err != nil {
		return nil, fmt.Errorf("reading sync settings: %w", err)
	}

	// Environment values take precedence over persisted ones so a
	// redeployment with new credentials does not need a state wipe.
	settings.Enabled = cfg.EnableSync
	if cfg.GitHubToken != "" {
		settings.Token = cfg.GitHubToken
	}
	if cfg.GistID != "" {
		settings.GistID = cfg.GistID
	}
	if settings.DeviceID == "" || cfg.DeviceName != "" {
		settings.DeviceID = cfg.DeviceName
	}
	if err := store.SetSyncSettings(settings); err != nil {
		return nil, fmt.Errorf("saving sync settings: %w", err)
	}

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}

	var cipher *snapshot.Cipher
	if cfg.EncryptionPassword != "" {
		cipher, err = snapshot.NewCipher(cfg.EncryptionPassword)
		if err != nil {
			return nil, fmt.Errorf("setting up payload encryption: %w", err)
		}
		logger.Info("payload encryption enabled")
	}

	client := gist.NewClient(nil, func() string {
		st, err := store.SyncSettings()
		if err != nil {
			logger.Warn("reading token from settings failed", slog.String("error", err.Error()))
			return ""
		}
		return st.Token
	}, logger)

	var collector snapshot.Collector = store
	if len(rules.ExcludeKeys) > 0 {
		collector = snapshot.FilterCollector(store, rules.Excluded)
	}

	codec := snapshot.NewCodec(collector, settings.DeviceID, rules.EffectiveDataTypes(), cipher, logger)
	engine := merge.NewEngine(settings.DeviceID, logger)

	return syncer.New(store, store, client, codec, engine, logger), nil
}

// runSync runs the periodic full-sync loop and, when a spool directory is
// configured, the drop-file watcher. Spool ingestion triggers an
// immediate upload instead of waiting for the next tick.
func runSync(ctx context.Context, cfg config.Config, store *state.Store, s *syncer.Syncer, logger *slog.Logger) error {
	trigger := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.SpoolDir != "" {
		watcher := spool.New(cfg.SpoolDir, store, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
		logger.Info("watching spool directory", slog.String("dir", cfg.SpoolDir))
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()

		logger.Info("sync loop started", slog.Duration("interval", cfg.SyncInterval))

		res := s.FullSync(gctx)
		logSyncResult(logger, "initial sync", res)

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				res := s.FullSync(gctx)
				logSyncResult(logger, "periodic sync", res)
			case <-trigger:
				res := s.Upload(gctx, syncer.UploadOptions{ApplyLocally: true})
				logSyncResult(logger, "spool-triggered upload", res)
			}
		}
	})

	return g.Wait()
}

func logSyncResult(logger *slog.Logger, op string, res *syncer.Result) {
	if res.Success {
		logger.Info(op+" finished",
			slog.String("message", res.Message),
			slog.String("strategy", res.MergeStrategy),
		)
		return
	}
	attrs := []any{slog.String("message", res.Message)}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
	}
	logger.Warn(op+" failed", attrs...)
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg config.Config, s *syncer.Syncer, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "gistsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, s)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)

	server := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
