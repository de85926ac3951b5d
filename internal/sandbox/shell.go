package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"kiln/internal/log"
	"kiln/internal/permission"
)

// maxCapturedBytes caps stdout/stderr captured from shell executions.
const maxCapturedBytes = 64 * 1024

// Shell gates subprocess execution behind the command allow-list and the
// hardcoded dangerous-command blocklist.
type Shell struct {
	spec   *permission.Spec
	cwd    string
	env    []string
	logger *slog.Logger
}

// ExecResult carries the captured output of one shell execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// NewShell builds a shell shim rooted at cwd. env is the full environment
// handed to children; callers pass an already-filtered set.
func NewShell(spec *permission.Spec, cwd string, env []string) *Shell {
	return &Shell{
		spec:   spec,
		cwd:    cwd,
		env:    env,
		logger: log.WithComponent("sandbox.shell"),
	}
}

// Exec runs a permitted command to completion, capturing bounded output.
// A non-zero exit is not an error; it is reported through ExitCode.
func (s *Shell) Exec(ctx context.Context, command string, args ...string) (*ExecResult, error) {
	if d := s.spec.CheckCommand(command); !d.Allowed {
		return nil, permission.Denied("shell.exec", command, d.Reason)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = s.cwd
	cmd.Env = s.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("executing shell command", "command", command, "args", args)
	started := time.Now()
	err := cmd.Run()
	s.logger.Debug("shell command finished", "command", command, "elapsed", time.Since(started))

	res := &ExecResult{
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return res, nil
}

// Spawn starts a permitted command without waiting for it. The returned Cmd
// has already been started; the caller owns Wait.
func (s *Shell) Spawn(ctx context.Context, command string, args ...string) (*exec.Cmd, error) {
	if d := s.spec.CheckCommand(command); !d.Allowed {
		return nil, permission.Denied("shell.spawn", command, d.Reason)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = s.cwd
	cmd.Env = s.env
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func truncate(s string) string {
	if len(s) > maxCapturedBytes {
		return s[:maxCapturedBytes]
	}
	return s
}
