package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// resetState clears package state and points stderr at buf.
func resetState(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	prev := stderr
	if buf != nil {
		stderr = buf
	}
	mutex.Unlock()

	t.Cleanup(func() {
		_ = Close()
		mutex.Lock()
		stderr = prev
		mutex.Unlock()
	})
}

func TestModuleLevelOverride(t *testing.T) {
	resetState(t, &bytes.Buffer{})

	// Global info, process module at debug
	if err := Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"process":  "debug",
			"pipeline": "warn",
		},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"process", true, true, true},
		{"pipeline", false, false, true},
		{"other", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()

			gotDebug := handler.Enabled(context.Background(), slog.LevelDebug)
			gotInfo := handler.Enabled(context.Background(), slog.LevelInfo)
			gotWarn := handler.Enabled(context.Background(), slog.LevelWarn)

			if gotDebug != tt.wantDebug {
				t.Errorf("module %q: Debug enabled = %v, want %v", tt.module, gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("module %q: Info enabled = %v, want %v", tt.module, gotInfo, tt.wantInfo)
			}
			if gotWarn != tt.wantWarn {
				t.Errorf("module %q: Warn enabled = %v, want %v", tt.module, gotWarn, tt.wantWarn)
			}
		})
	}
}

func TestDefaultLevelIsError(t *testing.T) {
	resetState(t, &bytes.Buffer{})

	if err := Initialize(Config{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	handler := GetLogger("driver").Handler()
	if handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Warn should be disabled at the default level")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("Error should be enabled at the default level")
	}
}

func TestLogsGoToStderr(t *testing.T) {
	var buf bytes.Buffer
	resetState(t, &buf)

	if err := Initialize(Config{Level: "debug", Format: "text"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	GetLogger("supervisor").Debug("child started", "pid", 42)

	output := buf.String()
	if !strings.Contains(output, "child started") {
		t.Fatalf("message not written to stderr. Output: %s", output)
	}
	if !strings.Contains(output, "module=supervisor") {
		t.Errorf("module attribute missing. Output: %s", output)
	}
	if !strings.Contains(output, "pid=42") {
		t.Errorf("pid attribute missing. Output: %s", output)
	}
}

func TestAutoFormatIsJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	resetState(t, &buf)

	if err := Initialize(Config{Level: "info", Format: "auto"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	GetLogger("cmd").Info("hello")

	output := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(output, "{") {
		t.Errorf("expected JSON output for a non-terminal writer, got: %s", output)
	}
	if !strings.Contains(output, `"msg":"hello"`) {
		t.Errorf("message missing from JSON output: %s", output)
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		format string
		want   string
	}{
		{"text", "text"},
		{"TEXT", "text"},
		{"json", "json"},
		{"auto", "json"},
		{"", "json"},
		{"bogus", "json"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if got := resolveFormat(tt.format, &buf); got != tt.want {
				t.Errorf("resolveFormat(%q) = %q, want %q", tt.format, got, tt.want)
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	var buf bytes.Buffer
	resetState(t, &buf)

	path := filepath.Join(t.TempDir(), "job.log")
	if err := Initialize(Config{Level: "info", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	GetLogger("pipeline").Info("stage done", "stage", "separating")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"stage":"separating"`) {
		t.Errorf("log file missing record: %s", data)
	}
	if !strings.Contains(buf.String(), "stage done") {
		t.Errorf("stderr missing record: %s", buf.String())
	}
}

func TestFileSinkOpenError(t *testing.T) {
	resetState(t, &bytes.Buffer{})

	path := filepath.Join(t.TempDir(), "missing", "dir", "job.log")
	if err := Initialize(Config{File: path}); err == nil {
		t.Fatal("expected error for unwritable log file")
	}
}

func TestFanoutHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	fanout := newFanoutHandler(sink{name: "debug", handler: debugHandler}, sink{name: "info", handler: infoHandler})
	logger := slog.New(fanout).With("module", "test")

	// Only the debug sink accepts the record.
	logger.Debug("debug only message")

	output := buf.String()
	if count := strings.Count(output, "debug only message"); count != 1 {
		t.Errorf("Expected 1 debug message, got %d. Output: %s", count, output)
	}
	if !strings.Contains(output, "module=test") {
		t.Errorf("WithAttrs not applied to sinks. Output: %s", output)
	}
}

// failingHandler accepts every record and fails to write it.
type failingHandler struct {
	slog.Handler
	err error
}

func (h failingHandler) Handle(context.Context, slog.Record) error { return h.err }

func TestFanoutHandlerJoinsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	diskFull := errors.New("disk full")
	noSocket := errors.New("no journal socket")

	fanout := newFanoutHandler(
		sink{name: "file", handler: failingHandler{Handler: slog.NewTextHandler(io.Discard, nil), err: diskFull}},
		sink{name: "stderr", handler: slog.NewTextHandler(&buf, nil)},
		sink{name: "journal", handler: failingHandler{Handler: slog.NewTextHandler(io.Discard, nil), err: noSocket}},
	)

	r := slog.NewRecord(time.Now(), slog.LevelError, "child exited", 0)
	err := fanout.Handle(context.Background(), r)

	if !strings.Contains(buf.String(), "child exited") {
		t.Errorf("healthy sink skipped after a failure. Output: %s", buf.String())
	}
	if !errors.Is(err, diskFull) || !errors.Is(err, noSocket) {
		t.Fatalf("expected both sink errors, got %v", err)
	}
	if !strings.Contains(err.Error(), "file sink") || !strings.Contains(err.Error(), "journal sink") {
		t.Errorf("errors should name their sinks: %v", err)
	}
}

func TestFanoutHandlerNoErrorWhenAllSucceed(t *testing.T) {
	fanout := newFanoutHandler(sink{name: "stderr", handler: slog.NewTextHandler(io.Discard, nil)})
	r := slog.NewRecord(time.Now(), slog.LevelError, "ok", 0)
	if err := fanout.Handle(context.Background(), r); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestJournalHandlerFollowsLevelVar(t *testing.T) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelWarn)
	h := NewJournalHandler(levelVar, "run-1")

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be disabled at warn")
	}
	levelVar.Set(slog.LevelDebug)
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be enabled after lowering the level")
	}
}

func TestJournalFieldsCarryRunID(t *testing.T) {
	h := NewJournalHandler(slog.LevelDebug, "7f3c")
	derived := h.WithAttrs([]slog.Attr{slog.String("module", "process")}).
		WithGroup("child").(*JournalHandler)

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "Grace period expired", 0)
	r.AddAttrs(slog.Int("pid", 4242), slog.String("run_id", "spoofed"))
	fields := derived.fields(r)

	want := map[string]string{
		"SYSLOG_IDENTIFIER": SyslogIdentifier,
		"RUN_ID":            "7f3c",
		"MODULE":            "process",
		"CHILD_PID":         "4242",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %q, want %q", k, fields[k], v)
		}
	}
	if _, ok := fields["PRIORITY"]; ok {
		t.Error("PRIORITY is set by journal.Send, not by the handler")
	}

	// The parent handler is unchanged by derivation.
	if got := h.fields(slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0)); len(got) != 2 {
		t.Errorf("parent handler fields = %v", got)
	}
}

func TestJournalFieldsWithoutRunID(t *testing.T) {
	h := NewJournalHandler(slog.LevelDebug, "")
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "Starting job", 0)
	r.AddAttrs(slog.String("run_id", "abc"))

	if got := h.fields(r)["RUN_ID"]; got != "abc" {
		t.Errorf("RUN_ID = %q, want the record attribute", got)
	}
}

func TestAddJournalField(t *testing.T) {
	fields := make(map[string]string)
	addJournalField(fields, slog.Int("code", 5), []string{"child"})
	addJournalField(fields, slog.Group("stage", slog.String("name", "moving")), nil)
	addJournalField(fields, slog.Float64("percent", 62.5), nil)
	addJournalField(fields, slog.String("output-dir", "/tmp/out"), nil)
	addJournalField(fields, slog.String("message", "must not override"), nil)

	cases := map[string]string{
		"CHILD_CODE": "5",
		"STAGE_NAME": "moving",
		"PERCENT":    "62.5",
		"OUTPUT_DIR": "/tmp/out",
	}
	for k, v := range cases {
		if fields[k] != v {
			t.Errorf("%s = %q, want %q", k, fields[k], v)
		}
	}
	if _, ok := fields["MESSAGE"]; ok {
		t.Error("attribute overrode MESSAGE")
	}
}

func TestJournalPriority(t *testing.T) {
	cases := map[slog.Level]journal.Priority{
		slog.LevelDebug: journal.PriDebug,
		slog.LevelInfo:  journal.PriInfo,
		slog.LevelWarn:  journal.PriWarning,
		slog.LevelError: journal.PriErr,
	}
	for level, want := range cases {
		if got := journalPriority(level); got != want {
			t.Errorf("journalPriority(%v) = %v, want %v", level, got, want)
		}
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState(t, &bytes.Buffer{})

	// Before Initialize the default level applies
	loggerBefore := GetLogger("process")
	handlerBefore := loggerBefore.Handler()

	if handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger created before Initialize should NOT have debug enabled")
	}

	if err := Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"process": "debug",
		},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	loggerAfter := GetLogger("process")
	if loggerBefore != loggerAfter {
		t.Error("Logger should be cached - same pointer before and after Initialize")
	}

	// The LevelVar behind the cached logger was updated
	if !handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Cached logger should have debug enabled after Initialize updates LevelVar")
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("parseLevel(%q) = nil, want %v", tt.input, tt.want)
			}
			if *got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, *got, tt.want)
			}
		})
	}
}
