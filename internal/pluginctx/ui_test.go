package pluginctx

import (
	"bytes"
	"strings"
	"testing"

	"kiln/internal/execution"
)

func TestNewUISelection(t *testing.T) {
	var out bytes.Buffer
	if _, ok := NewUI(execution.HostCLI, &out, nil, nil).(*CLIUI); !ok {
		t.Error("cli host should get the ANSI renderer")
	}
	if _, ok := NewUI(execution.HostREST, &out, nil, nil).(*BufferedUI); !ok {
		t.Error("rest host should get the buffering renderer")
	}
	if _, ok := NewUI(execution.HostWorkflow, &out, nil, nil).(*LogUI); !ok {
		t.Error("workflow host should get the logging renderer")
	}
}

func TestBufferedUIRecordsEvents(t *testing.T) {
	ui := NewBufferedUI()
	ui.Info("starting")
	ui.Table([]string{"a"}, [][]string{{"1"}})
	stop := ui.Spinner("working")
	stop()
	stop() // stop is idempotent

	events := ui.Events()
	if len(events) != 4 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Kind != "info" || events[0].Message != "starting" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Kind != "table" || len(events[1].Data) == 0 {
		t.Errorf("table event = %+v", events[1])
	}
	if ui.Confirm("sure?") {
		t.Error("non-interactive confirm must answer no")
	}
}

func TestCLIUIConfirm(t *testing.T) {
	var out bytes.Buffer
	ui := NewCLIUI(&out, strings.NewReader("yes\nn\n"))
	if !ui.Confirm("proceed?") {
		t.Error("yes should confirm")
	}
	if ui.Confirm("again?") {
		t.Error("n should decline")
	}
	if !strings.Contains(out.String(), "proceed?") {
		t.Error("prompt not written")
	}
}
