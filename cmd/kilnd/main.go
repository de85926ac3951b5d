// kilnd is the runtime daemon: it loads configuration, opens the host
// stores, builds the configured execution backend and serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kiln/internal/api"
	"kiln/internal/artifact"
	"kiln/internal/backend"
	"kiln/internal/config"
	"kiln/internal/events"
	"kiln/internal/handler"
	"kiln/internal/log"
	"kiln/internal/pluginctx"
	"kiln/internal/state"
	"kiln/internal/storage"
	"kiln/internal/workspace"

	_ "kiln/plugins/echo"
)

func main() {
	configPath := flag.String("config", "", "path to kiln.yaml")
	flag.Parse()

	// A .env next to the binary is convenience for development; absence is
	// not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Setup("info", "json")
		log.Error("load configuration", "error", err)
		os.Exit(1)
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("kilnd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Worker processes inherit these and open the same stores themselves.
	os.Setenv("KILN_STATE_PATH", cfg.Storage.Path)
	os.Setenv("KILN_ARTIFACT_DIR", cfg.Storage.ArtifactDir)
	os.Setenv("KILN_LOG_LEVEL", cfg.Log.Level)

	hub := events.NewHub(256)
	ws, err := workspace.NewFSManager(cfg.Workspace.BaseDir)
	if err != nil {
		logger.Error("workspace manager", "error", err)
		os.Exit(1)
	}

	factory := &pluginctx.Factory{
		State:        state.NewStore(db),
		Artifacts:    artifact.NewStore(db, cfg.Storage.ArtifactDir),
		Events:       hub,
		InvokeLimits: cfg.Invoke.Limits(),
	}

	b, err := backend.New(backend.FactoryOptions{
		Backend:        cfg.Backend.Type,
		Subprocess:     cfg.Backend.SubprocessSettings(),
		Pool:           cfg.Backend.PoolSettings(),
		Registry:       handler.Default(),
		ContextFactory: factory,
		Workspaces:     ws,
	})
	if err != nil {
		logger.Error("build backend", "error", err)
		os.Exit(1)
	}
	factory.Invoker = b

	go sweepWorkspaces(ctx, ws, cfg.Workspace.CleanupAfterMin, logger)

	srv := api.NewServer(cfg.API.Listen, cfg.API.AuthToken, b, handler.Default(), hub)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("kilnd started", "backend", cfg.Backend.Type, "listen", cfg.API.Listen)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Warn("backend shutdown", "error", err)
	}
}

// sweepWorkspaces removes abandoned ephemeral workspaces on an interval.
func sweepWorkspaces(ctx context.Context, ws workspace.Manager, afterMin int, logger *slog.Logger) {
	if afterMin <= 0 {
		return
	}
	age := time.Duration(afterMin) * time.Minute
	ticker := time.NewTicker(age / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := ws.Cleanup(ctx, age)
			if err != nil {
				logger.Warn("workspace sweep failed", "error", err)
				continue
			}
			if report.DeletedDirs > 0 {
				logger.Info("swept stale workspaces", "deleted", report.DeletedDirs)
			}
		}
	}
}
