// kiln-worker is the worker process spawned by the subprocess and pool
// backends. It speaks the runtime protocol on stdin/stdout and dispatches
// registered handlers; all logging goes to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"kiln/internal/artifact"
	"kiln/internal/backend"
	"kiln/internal/events"
	"kiln/internal/handler"
	"kiln/internal/log"
	"kiln/internal/pluginctx"
	"kiln/internal/state"
	"kiln/internal/storage"
	"kiln/internal/worker"
	"kiln/internal/workspace"

	_ "kiln/plugins/echo"
)

func main() {
	log.Setup(os.Getenv("KILN_LOG_LEVEL"), "json")

	id := os.Getenv("KILN_WORKER_ID")
	if id == "" {
		id = "worker"
	}
	logger := log.WithWorker(id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := &pluginctx.Factory{Events: events.NewHub(64)}
	if path := os.Getenv("KILN_STATE_PATH"); path != "" {
		db, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			logger.Error("open state database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		factory.State = state.NewStore(db)
		if dir := os.Getenv("KILN_ARTIFACT_DIR"); dir != "" {
			factory.Artifacts = artifact.NewStore(db, dir)
		}
	}

	ws, err := workspace.NewFSManager(filepath.Join(os.TempDir(), "kiln-worker"))
	if err != nil {
		logger.Error("workspace manager", "error", err)
		os.Exit(1)
	}

	b := backend.NewInProcess(handler.Default(), factory, ws)
	r := worker.New(id, b, os.Stdin, os.Stdout)
	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker loop failed", "error", err)
		os.Exit(1)
	}
}
