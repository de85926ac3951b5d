// Package ipc defines the message protocol spoken between the pool
// orchestrator (or subprocess backend) and a worker process over the
// worker's stdin/stdout. Messages are newline-delimited JSON envelopes.
package ipc

import (
	"fmt"

	"kiln/internal/execution"
)

// Kind enumerates the protocol message kinds.
type Kind string

const (
	// KindReady is sent by a worker once it is able to accept work.
	KindReady Kind = "ready"
	// KindExecute carries a full execution request to the worker.
	KindExecute Kind = "execute"
	// KindResult carries the execution result back to the orchestrator.
	KindResult Kind = "result"
	// KindError reports a protocol-level failure unrelated to any handler.
	KindError Kind = "error"
	// KindHealthCheck probes worker liveness.
	KindHealthCheck Kind = "health-check"
	// KindHealthOK answers a liveness probe.
	KindHealthOK Kind = "health-ok"
	// KindShutdown asks the worker to exit after the current request.
	KindShutdown Kind = "shutdown"
)

// Message is the protocol envelope. ID correlates an execute with its
// result; payload fields are populated according to Kind.
type Message struct {
	Kind     Kind               `json:"kind"`
	ID       string             `json:"id,omitempty"`
	WorkerID string             `json:"worker_id,omitempty"`
	Request  *execution.Request `json:"request,omitempty"`
	Result   *execution.Result  `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Validate checks that the envelope carries the payload its kind requires.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindExecute:
		if m.Request == nil {
			return fmt.Errorf("execute message missing request")
		}
		if m.ID == "" {
			return fmt.Errorf("execute message missing id")
		}
	case KindResult:
		if m.Result == nil {
			return fmt.Errorf("result message missing result")
		}
		if m.ID == "" {
			return fmt.Errorf("result message missing id")
		}
	case KindError:
		if m.Error == "" {
			return fmt.Errorf("error message missing error text")
		}
	case KindReady, KindHealthCheck, KindHealthOK, KindShutdown:
	case "":
		return fmt.Errorf("message missing kind")
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}
