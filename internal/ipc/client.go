package ipc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"kiln/internal/execution"
)

// Client drives one worker process from the parent side: it owns the child's
// stdin/stdout codec and serializes request/response exchanges over it. One
// exchange is in flight at a time; the pool enforces this by only handing a
// worker one request, the client enforces it with a mutex.
type Client struct {
	ID string

	cmd   *exec.Cmd
	codec *Codec
	stdin io.WriteCloser

	xmu sync.Mutex // serializes exchanges on the codec

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// StartClient spawns the worker binary and waits for its ready message.
func StartClient(bin string, args []string, workerID string, readyTimeout time.Duration) (*Client, error) {
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "KILN_WORKER_ID="+workerID)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	c := &Client{
		ID:     workerID,
		cmd:    cmd,
		codec:  NewCodec(stdout, stdin),
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		c.exitOnce.Do(func() {
			c.exitErr = err
			close(c.exited)
		})
	}()

	if err := c.waitReady(readyTimeout); err != nil {
		c.Kill()
		return nil, err
	}
	return c, nil
}

func (c *Client) waitReady(timeout time.Duration) error {
	msg, err := c.read(timeout)
	if err != nil {
		return fmt.Errorf("wait for worker ready: %w", err)
	}
	if msg.Kind != KindReady {
		return fmt.Errorf("worker sent %q before ready", msg.Kind)
	}
	return nil
}

// read decodes one message, bounded by timeout. A timed-out read leaves the
// stream unusable; callers kill the worker on that path.
func (c *Client) read(timeout time.Duration) (*Message, error) {
	type readResult struct {
		msg *Message
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		msg, err := c.codec.Read()
		ch <- readResult{msg, err}
	}()

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-c.exited:
		// Drain a result that raced the exit.
		select {
		case r := <-ch:
			return r.msg, r.err
		case <-time.After(100 * time.Millisecond):
			return nil, fmt.Errorf("worker exited: %v", c.exitErr)
		}
	case <-expire:
		return nil, fmt.Errorf("worker read timed out after %s", timeout)
	}
}

// Execute sends a request and blocks until the worker answers it. Transport
// failures are returned as errors for the caller to classify; handler
// failures arrive inside the result.
func (c *Client) Execute(ctx context.Context, req *execution.Request) (*execution.Result, error) {
	c.xmu.Lock()
	defer c.xmu.Unlock()

	if err := c.codec.Write(&Message{Kind: KindExecute, ID: req.ExecutionID, Request: req}); err != nil {
		return nil, err
	}
	for {
		msg, err := c.read(0)
		if err != nil {
			return nil, err
		}
		switch msg.Kind {
		case KindResult:
			if msg.ID != req.ExecutionID {
				// Stale answer from an abandoned earlier request.
				continue
			}
			return msg.Result, nil
		case KindError:
			return nil, fmt.Errorf("worker protocol error: %s", msg.Error)
		case KindHealthOK:
			continue
		default:
			return nil, fmt.Errorf("unexpected %q message awaiting result", msg.Kind)
		}
	}
}

// Health probes the worker and waits up to timeout for the answer.
func (c *Client) Health(timeout time.Duration) error {
	c.xmu.Lock()
	defer c.xmu.Unlock()

	if err := c.codec.Write(&Message{Kind: KindHealthCheck}); err != nil {
		return err
	}
	msg, err := c.read(timeout)
	if err != nil {
		return err
	}
	if msg.Kind != KindHealthOK {
		return fmt.Errorf("unexpected %q message awaiting health answer", msg.Kind)
	}
	return nil
}

// Shutdown asks the worker to exit and waits up to grace before killing it.
func (c *Client) Shutdown(grace time.Duration) {
	c.xmu.Lock()
	_ = c.codec.Write(&Message{Kind: KindShutdown})
	_ = c.stdin.Close()
	c.xmu.Unlock()

	select {
	case <-c.exited:
	case <-time.After(grace):
		c.Kill()
	}
}

// Kill terminates the worker immediately.
func (c *Client) Kill() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.exited
}

// Exited is closed when the worker process ends, for any reason.
func (c *Client) Exited() <-chan struct{} { return c.exited }

// ExitErr reports how the worker ended. Valid after Exited is closed.
func (c *Client) ExitErr() error { return c.exitErr }
