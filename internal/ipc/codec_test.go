package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"kiln/internal/execution"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	out := NewCodec(strings.NewReader(""), &buf)

	msgs := []*Message{
		{Kind: KindReady, WorkerID: "w1"},
		{Kind: KindExecute, ID: "e1", Request: &execution.Request{
			ExecutionID: "e1",
			HandlerRef:  "handlers/echo#run",
			Input:       json.RawMessage(`{"n":1}`),
			Descriptor: execution.PluginDescriptor{
				PluginID: "tools.echo", TenantID: "acme", Host: execution.HostCLI,
			},
		}},
		{Kind: KindResult, ID: "e1", Result: &execution.Result{OK: true, ExecutionTimeMs: 3}},
		{Kind: KindHealthCheck},
		{Kind: KindHealthOK, WorkerID: "w1"},
		{Kind: KindShutdown},
	}
	for _, m := range msgs {
		if err := out.Write(m); err != nil {
			t.Fatalf("Write(%s): %v", m.Kind, err)
		}
	}

	in := NewCodec(&buf, io.Discard)
	for _, want := range msgs {
		got, err := in.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got.Kind != want.Kind || got.ID != want.ID {
			t.Fatalf("got %s/%s, want %s/%s", got.Kind, got.ID, want.Kind, want.ID)
		}
	}
	if _, err := in.Read(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestCodecRejectsInvalidMessages(t *testing.T) {
	t.Parallel()

	out := NewCodec(strings.NewReader(""), io.Discard)
	if err := out.Write(&Message{Kind: KindExecute}); err == nil {
		t.Fatal("expected error for execute without request")
	}
	if err := out.Write(&Message{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}

	in := NewCodec(strings.NewReader("{\"kind\":\"result\"}\n"), io.Discard)
	if _, err := in.Read(); err == nil {
		t.Fatal("expected error for result without payload")
	}

	in = NewCodec(strings.NewReader("not json\n"), io.Discard)
	if _, err := in.Read(); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestCodecSkipsBlankLines(t *testing.T) {
	t.Parallel()

	in := NewCodec(strings.NewReader("\n\n{\"kind\":\"ready\"}\n"), io.Discard)
	msg, err := in.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Kind != KindReady {
		t.Fatalf("unexpected kind %q", msg.Kind)
	}
}
