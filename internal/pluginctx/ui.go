package pluginctx

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"kiln/internal/execution"
)

// UI is the host-agnostic presentation facade handed to handler code. The
// CLI renders ANSI text, the REST host buffers structured events for the
// response, and workflow/webhook hosts log to the run record.
type UI interface {
	Info(msg string)
	Success(msg string)
	Warn(msg string)
	Error(msg string)
	Debug(msg string)
	Table(headers []string, rows [][]string)
	JSON(v any)
	// Spinner starts a progress indicator and returns a stop function.
	Spinner(msg string) (stop func())
	// Confirm asks a yes/no question. Non-interactive hosts answer false.
	Confirm(prompt string) bool
	// Prompt asks for a line of input. Non-interactive hosts answer "".
	Prompt(prompt string) string
}

// NewUI selects the renderer for a host type.
func NewUI(host execution.HostType, out io.Writer, in io.Reader, logger *slog.Logger) UI {
	switch host {
	case execution.HostCLI:
		return NewCLIUI(out, in)
	case execution.HostREST:
		return NewBufferedUI()
	default:
		return NewLogUI(logger)
	}
}

var (
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	debugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// CLIUI renders ANSI-formatted output for interactive terminals.
type CLIUI struct {
	mu  sync.Mutex
	out io.Writer
	in  *bufio.Reader
}

// NewCLIUI builds a CLI renderer. in may be nil for non-interactive runs.
func NewCLIUI(out io.Writer, in io.Reader) *CLIUI {
	ui := &CLIUI{out: out}
	if in != nil {
		ui.in = bufio.NewReader(in)
	}
	return ui
}

func (u *CLIUI) write(styled string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintln(u.out, styled)
}

func (u *CLIUI) Info(msg string)    { u.write(infoStyle.Render(msg)) }
func (u *CLIUI) Success(msg string) { u.write(successStyle.Render("✓ " + msg)) }
func (u *CLIUI) Warn(msg string)    { u.write(warnStyle.Render("! " + msg)) }
func (u *CLIUI) Error(msg string)   { u.write(errorStyle.Render("✗ " + msg)) }
func (u *CLIUI) Debug(msg string)   { u.write(debugStyle.Render(msg)) }

func (u *CLIUI) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
		b.WriteString("  ")
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				b.WriteString(pad(cell, widths[i]))
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.out, b.String())
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func (u *CLIUI) JSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		u.Error(fmt.Sprintf("render json: %v", err))
		return
	}
	u.write(string(b))
}

func (u *CLIUI) Spinner(msg string) func() {
	u.write(infoStyle.Render("… " + msg))
	started := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			u.write(debugStyle.Render(fmt.Sprintf("  done (%s)", time.Since(started).Round(time.Millisecond))))
		})
	}
}

func (u *CLIUI) Confirm(prompt string) bool {
	if u.in == nil {
		return false
	}
	u.write(prompt + " [y/N] ")
	line, err := u.in.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (u *CLIUI) Prompt(prompt string) string {
	if u.in == nil {
		return ""
	}
	u.write(prompt + " ")
	line, err := u.in.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// UIEvent is one buffered presentation event for structured hosts.
type UIEvent struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

// BufferedUI records presentation events for inclusion in a structured
// response (the REST host).
type BufferedUI struct {
	mu     sync.Mutex
	events []UIEvent
}

// NewBufferedUI builds an empty buffer.
func NewBufferedUI() *BufferedUI {
	return &BufferedUI{}
}

func (u *BufferedUI) record(kind, msg string, data json.RawMessage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, UIEvent{Kind: kind, Message: msg, Data: data, At: time.Now().UTC()})
}

func (u *BufferedUI) Info(msg string)    { u.record("info", msg, nil) }
func (u *BufferedUI) Success(msg string) { u.record("success", msg, nil) }
func (u *BufferedUI) Warn(msg string)    { u.record("warn", msg, nil) }
func (u *BufferedUI) Error(msg string)   { u.record("error", msg, nil) }
func (u *BufferedUI) Debug(msg string)   { u.record("debug", msg, nil) }

func (u *BufferedUI) Table(headers []string, rows [][]string) {
	b, _ := json.Marshal(map[string]any{"headers": headers, "rows": rows})
	u.record("table", "", b)
}

func (u *BufferedUI) JSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		u.record("error", fmt.Sprintf("render json: %v", err), nil)
		return
	}
	u.record("json", "", b)
}

func (u *BufferedUI) Spinner(msg string) func() {
	u.record("spinner-start", msg, nil)
	var once sync.Once
	return func() {
		once.Do(func() { u.record("spinner-stop", msg, nil) })
	}
}

func (u *BufferedUI) Confirm(string) bool  { return false }
func (u *BufferedUI) Prompt(string) string { return "" }

// Events returns the buffered events in emission order.
func (u *BufferedUI) Events() []UIEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]UIEvent, len(u.events))
	copy(out, u.events)
	return out
}

// LogUI forwards presentation calls to the run record via slog (workflow and
// webhook hosts).
type LogUI struct {
	logger *slog.Logger
}

// NewLogUI builds a log-backed renderer.
func NewLogUI(logger *slog.Logger) *LogUI {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogUI{logger: logger}
}

func (u *LogUI) Info(msg string)    { u.logger.Info(msg) }
func (u *LogUI) Success(msg string) { u.logger.Info(msg, "outcome", "success") }
func (u *LogUI) Warn(msg string)    { u.logger.Warn(msg) }
func (u *LogUI) Error(msg string)   { u.logger.Error(msg) }
func (u *LogUI) Debug(msg string)   { u.logger.Debug(msg) }

func (u *LogUI) Table(headers []string, rows [][]string) {
	u.logger.Info("table", "headers", headers, "rows", len(rows))
}

func (u *LogUI) JSON(v any) {
	b, _ := json.Marshal(v)
	u.logger.Info("json", "data", string(b))
}

func (u *LogUI) Spinner(msg string) func() {
	u.logger.Info("progress", "msg", msg)
	return func() {}
}

func (u *LogUI) Confirm(string) bool  { return false }
func (u *LogUI) Prompt(string) string { return "" }
