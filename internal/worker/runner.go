// Package worker implements the worker-process side of the runtime: a loop
// that reads protocol messages on stdin, dispatches handler executions and
// answers on stdout. The kiln-worker binary is a thin wrapper around Runner.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"kiln/internal/backend"
	"kiln/internal/ipc"
	"kiln/internal/log"
)

// Runner serves one orchestrator connection. Requests are handled one at a
// time in arrival order; the parent never pipelines more than one execute.
type Runner struct {
	id      string
	backend backend.Backend
	codec   *ipc.Codec
	logger  *slog.Logger
}

// New builds a runner reading from r and answering on w.
func New(id string, b backend.Backend, r io.Reader, w io.Writer) *Runner {
	return &Runner{
		id:      id,
		backend: b,
		codec:   ipc.NewCodec(r, w),
		logger:  log.WithWorker(id),
	}
}

// Run announces readiness and serves messages until shutdown, stream end or
// ctx cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.codec.Write(&ipc.Message{Kind: ipc.KindReady, WorkerID: r.id}); err != nil {
		return err
	}
	r.logger.Info("worker ready")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := r.codec.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// A malformed line is a protocol bug, not a handler failure.
			werr := r.codec.Write(&ipc.Message{Kind: ipc.KindError, Error: err.Error(), WorkerID: r.id})
			if werr != nil {
				return werr
			}
			continue
		}

		switch msg.Kind {
		case ipc.KindHealthCheck:
			if err := r.codec.Write(&ipc.Message{Kind: ipc.KindHealthOK, WorkerID: r.id}); err != nil {
				return err
			}

		case ipc.KindShutdown:
			r.logger.Info("worker shutting down")
			return nil

		case ipc.KindExecute:
			res := r.backend.Execute(ctx, msg.Request)
			res.WorkerID = r.id
			if err := r.codec.Write(&ipc.Message{Kind: ipc.KindResult, ID: msg.ID, Result: res, WorkerID: r.id}); err != nil {
				return err
			}

		default:
			if err := r.codec.Write(&ipc.Message{
				Kind:     ipc.KindError,
				Error:    "unexpected message kind " + string(msg.Kind),
				WorkerID: r.id,
			}); err != nil {
				return err
			}
		}
	}
}
