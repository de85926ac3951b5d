package handler

import (
	"encoding/json"
	"errors"
	"testing"

	"kiln/internal/pluginctx"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		in      string
		path    string
		export  string
		wantErr bool
	}{
		{in: "report#run", path: "report", export: "run"},
		{in: "tools/report#generate", path: "tools/report", export: "generate"},
		{in: "report", wantErr: true},
		{in: "#run", wantErr: true},
		{in: "report#", wantErr: true},
		{in: "report#run#extra", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		ref, err := ParseRef(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRef(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", tc.in, err)
		}
		if ref.Path != tc.path || ref.Export != tc.export {
			t.Errorf("ParseRef(%q) = %+v", tc.in, ref)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("report#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		return "ok", nil
	})

	fn, err := r.Resolve("report#run")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out, err := fn(nil, nil)
	if err != nil || out != "ok" {
		t.Fatalf("handler returned %v, %v", out, err)
	}

	_, err = r.Resolve("report#missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.Register("a#b", func(c *pluginctx.Context, input json.RawMessage) (any, error) { return nil, nil })
	if got := len(r.Refs()); got != 1 {
		t.Fatalf("Refs() = %d entries", got)
	}
	r.Reset()
	if got := len(r.Refs()); got != 0 {
		t.Fatalf("Refs() after Reset = %d entries", got)
	}
}

func TestRegisterPanicsOnBadRef(t *testing.T) {
	r := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	r.Register("no-separator", func(c *pluginctx.Context, input json.RawMessage) (any, error) { return nil, nil })
}
