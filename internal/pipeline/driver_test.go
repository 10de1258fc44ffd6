package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/smazurov/vocalmotor/internal/cancel"
	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/protocol"
	"github.com/smazurov/vocalmotor/internal/separator"
	"github.com/smazurov/vocalmotor/internal/stage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testStart = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

// scriptSeparator stands in for Demucs: it runs script with the result
// directory as $1.
type scriptSeparator struct {
	script string
	argv   []string
}

func (s scriptSeparator) Command(set separator.Settings, audio, workDir string) []string {
	if s.argv != nil {
		return s.argv
	}
	return []string{"sh", "-c", s.script, "sh", s.ResultDir(set, audio, workDir)}
}

func (s scriptSeparator) ResultDir(set separator.Settings, audio, workDir string) string {
	return filepath.Join(workDir, set.Model, separator.Stem(audio))
}

// scriptExtractor stands in for ffmpeg: it runs script with the output
// path as $1.
type scriptExtractor struct {
	script string
}

func (e scriptExtractor) Command(_, output string) ([]string, error) {
	return []string{"sh", "-c", e.script, "sh", output}, nil
}

const separateOK = `mkdir -p "$1" && printf '10%%\n50%%\n100%%\n' >&2 && echo "Selected model is a bag of 1 models" >&2 && : > "$1/vocals.wav" && : > "$1/other.wav"`

type harness struct {
	t      *testing.T
	out    *bytes.Buffer
	sig    *cancel.Signal
	driver *Driver
	dir    string
	outDir string
}

func newHarness(t *testing.T, sep Separator, mutate ...func(*Deps)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	h := &harness{
		t:   t,
		out: &bytes.Buffer{},
		sig: cancel.New(),
		dir: t.TempDir(),
	}
	h.outDir = filepath.Join(h.dir, "out")

	deps := Deps{
		Emitter:   protocol.NewEmitter(h.out, protocol.WithClock(clock)),
		Signal:    h.sig,
		Separator: sep,
		SupervisorOptions: []process.Option{
			process.WithGracePeriod(200 * time.Millisecond),
			process.WithKillTimeout(200 * time.Millisecond),
			process.WithPollInterval(10 * time.Millisecond),
		},
		Logger: testLogger(),
		Clock:  clock,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.driver = NewDriver(deps)
	return h
}

func (h *harness) input(name string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		h.t.Fatal(err)
	}
	return path
}

func (h *harness) job(input string) Job {
	return Job{Input: input, OutputDir: h.outDir, Settings: separator.DefaultSettings(), RunID: "run-1"}
}

func (h *harness) events() []gjson.Result {
	h.t.Helper()
	var events []gjson.Result
	for _, line := range strings.Split(strings.TrimRight(h.out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			h.t.Fatalf("invalid JSON line: %q", line)
		}
		events = append(events, gjson.Parse(line))
	}
	return events
}

func (h *harness) ofKind(kind string) []gjson.Result {
	var out []gjson.Result
	for _, ev := range h.events() {
		if ev.Get("event").String() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) steps() []string {
	var steps []string
	for _, ev := range h.ofKind("step_change") {
		steps = append(steps, ev.Get("step").String())
	}
	return steps
}

func (h *harness) last() gjson.Result {
	events := h.events()
	if len(events) == 0 {
		h.t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

func (h *harness) assertNoTempFiles() {
	h.t.Helper()
	matches, _ := filepath.Glob(filepath.Join(h.outDir, ".temp_*"))
	if len(matches) != 0 {
		h.t.Errorf("expected temporary files to be removed, found %v", matches)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: separateOK})

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.Status != StatusOK || out.ExitCode() != ExitOK {
		t.Fatalf("expected success, got %+v", out)
	}
	final := filepath.Join(h.outDir, "separated_song")
	if out.Outputs["vocals"] != filepath.Join(final, "vocals.wav") || len(out.Outputs) != 2 {
		t.Errorf("unexpected outputs %v", out.Outputs)
	}

	events := h.events()
	if events[0].Get("event").String() != "start" {
		t.Errorf("expected first record to be start, got %s", events[0].Raw)
	}
	if got := events[0].Get("fileType").String(); got != "audio" {
		t.Errorf("expected fileType audio, got %q", got)
	}
	if got := events[0].Get("runId").String(); got != "run-1" {
		t.Errorf("expected runId run-1, got %q", got)
	}

	wantSteps := []string{"initializing", "loading_model", "analyzing", "separating", "saving", "cleanup"}
	if got := h.steps(); !equalStrings(got, wantSteps) {
		t.Errorf("expected steps %v, got %v", wantSteps, got)
	}
	for _, ev := range h.ofKind("step_change") {
		if ev.Get("step").String() == "loading_model" && ev.Get("stepNumber").Int() != 3 {
			t.Errorf("expected loading_model to be step 3, got %d", ev.Get("stepNumber").Int())
		}
		if ev.Get("totalSteps").Int() != 7 {
			t.Errorf("expected totalSteps 7, got %d", ev.Get("totalSteps").Int())
		}
	}

	var separating []float64
	last := -1.0
	for _, ev := range h.ofKind("progress") {
		g := ev.Get("globalPercent").Float()
		if g < last {
			t.Errorf("global percent decreased from %v to %v", last, g)
		}
		last = g
		if ev.Get("currentStep").String() == "separating" {
			separating = append(separating, ev.Get("stepPercent").Float())
		}
	}
	if last != 100 {
		t.Errorf("expected final global percent 100, got %v", last)
	}
	wantSep := []float64{0, 9, 45, 90, 95}
	if len(separating) != len(wantSep) {
		t.Fatalf("expected separating progress %v, got %v", wantSep, separating)
	}
	for i := range wantSep {
		if separating[i] != wantSep[i] {
			t.Errorf("expected separating progress %v, got %v", wantSep, separating)
			break
		}
	}

	logs := h.ofKind("log")
	if len(logs) != 1 || logs[0].Get("level").String() != "debug" || !strings.HasPrefix(logs[0].Get("message").String(), "Selected model") {
		t.Errorf("expected child output forwarded as debug log, got %v", logs)
	}

	success := h.last()
	if success.Get("event").String() != "success" {
		t.Fatalf("expected last record to be success, got %s", success.Raw)
	}
	if success.Get("stats.stemsGenerated").Int() != 2 {
		t.Errorf("expected 2 stems, got %s", success.Get("stats").Raw)
	}
	if success.Get("outputs.vocals").String() != out.Outputs["vocals"] {
		t.Errorf("expected outputs on the wire, got %s", success.Get("outputs").Raw)
	}
	h.assertNoTempFiles()
}

func TestRunChildFailure(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: `echo "disk full" >&2; exit 3`})

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitProcessing || out.Code != CodeDemucs {
		t.Fatalf("expected processing failure, got %+v", out)
	}
	last := h.last()
	if last.Get("event").String() != "error" {
		t.Fatalf("expected error record, got %s", last.Raw)
	}
	if !strings.Contains(last.Get("message").String(), "disk full") {
		t.Errorf("expected diagnostics in message, got %q", last.Get("message").String())
	}
	if last.Get("code").String() != CodeDemucs || !last.Get("fatal").Bool() {
		t.Errorf("unexpected error record %s", last.Raw)
	}
	if len(h.ofKind("success")) != 0 {
		t.Error("unexpected success record")
	}
	h.assertNoTempFiles()
}

func TestRunChildStartFailure(t *testing.T) {
	h := newHarness(t, scriptSeparator{argv: []string{"/nonexistent/python3", "-m", "demucs.separate"}})

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitStartFailure || out.Code != CodeDemucsStart {
		t.Fatalf("expected start failure, got %+v", out)
	}
	h.assertNoTempFiles()
}

func TestRunOutputMissing(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: `printf '100%%\n' >&2`})

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitProcessing || out.Code != CodeOutputMissing {
		t.Fatalf("expected OUTPUT_MISSING, got %+v", out)
	}
	if got := h.last().Get("code").String(); got != CodeOutputMissing {
		t.Errorf("expected error code %s, got %s", CodeOutputMissing, got)
	}
}

func TestRunMissingInput(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: separateOK})

	out := h.driver.Run(context.Background(), h.job(filepath.Join(h.dir, "nope.wav")))

	if out.ExitCode() != ExitMissingInput || out.Code != CodeFileNotFound {
		t.Fatalf("expected missing input, got %+v", out)
	}
	events := h.events()
	if len(events) != 1 || events[0].Get("event").String() != "error" {
		t.Fatalf("expected a single error record, got %d records", len(events))
	}
	if events[0].Get("elapsedSeconds").Exists() && events[0].Get("elapsedSeconds").Type != gjson.Null {
		t.Errorf("expected no elapsed time before start, got %s", events[0].Raw)
	}
}

func TestRunInvalidInvocation(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		mutate   func(*Job)
		wantCode string
	}{
		{"unsupported extension", "notes.txt", nil, CodeUnsupportedFormat},
		{"bad quality", "song.wav", func(j *Job) { j.Settings.Quality = "max" }, CodeInvalidArgs},
		{"no output dir", "song.wav", func(j *Job) { j.OutputDir = "" }, CodeInvalidArgs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, scriptSeparator{script: separateOK})
			job := h.job(h.input(tt.file))
			if tt.mutate != nil {
				tt.mutate(&job)
			}

			out := h.driver.Run(context.Background(), job)

			if out.ExitCode() != ExitInvalidInvocation || out.Code != tt.wantCode {
				t.Errorf("expected invalid invocation %s, got %+v", tt.wantCode, out)
			}
		})
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: separateOK})
	h.sig.RequestStop(cancel.ReasonUserRequested)

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitCancelled {
		t.Fatalf("expected cancellation, got %+v", out)
	}
	if got := h.steps(); !equalStrings(got, []string{"initializing"}) {
		t.Errorf("expected to stop after initializing, got %v", got)
	}
	last := h.last()
	if last.Get("event").String() != "cancelled" || last.Get("reason").String() != "user_cancelled" {
		t.Errorf("unexpected terminal record %s", last.Raw)
	}
	if last.Get("lastStep").String() != "initializing" {
		t.Errorf("expected lastStep initializing, got %s", last.Get("lastStep").Raw)
	}
}

func TestRunCancelledDuringSeparation(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: `mkdir -p "$1"; printf '10%%\n' >&2; sleep 10`})

	go func() {
		time.Sleep(300 * time.Millisecond)
		h.sig.RequestStop(cancel.ReasonExternalInterrupt)
	}()

	start := time.Now()
	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitCancelled || out.Reason != cancel.ReasonExternalInterrupt {
		t.Fatalf("expected cancellation by interrupt, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
	last := h.last()
	if last.Get("reason").String() != "sigint" || last.Get("lastStep").String() != "separating" {
		t.Errorf("unexpected terminal record %s", last.Raw)
	}
	if n := len(h.ofKind("cancelled")); n != 1 {
		t.Errorf("expected exactly one cancelled record, got %d", n)
	}
	h.assertNoTempFiles()
}

func TestRunSequenceError(t *testing.T) {
	tracker, err := stage.NewTracker(stage.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Enter(stage.Separating); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, scriptSeparator{script: separateOK}, func(d *Deps) { d.Tracker = tracker })

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitUnexpected || out.Code != CodeSequence || out.Kind != KindContract {
		t.Fatalf("expected sequence error, got %+v", out)
	}
}

type panickingSeparator struct{ scriptSeparator }

func (panickingSeparator) Command(separator.Settings, string, string) []string {
	panic("model table corrupted")
}

func TestRunPanicRecovered(t *testing.T) {
	h := newHarness(t, panickingSeparator{})

	out := h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if out.ExitCode() != ExitUnexpected || out.Code != CodeUnexpected {
		t.Fatalf("expected unexpected failure, got %+v", out)
	}
	if !strings.Contains(h.last().Get("message").String(), "model table corrupted") {
		t.Errorf("expected panic value in message, got %s", h.last().Raw)
	}
	// The work directory was registered before the panic.
	h.assertNoTempFiles()
}

func TestRunVideoInput(t *testing.T) {
	extract := `printf 'Duration: 00:00:10.00, start: 0.000000\n' >&2; printf 'size=1kB time=00:00:05.00\rsize=2kB time=00:00:10.00\n' >&2; : > "$1"`
	h := newHarness(t, scriptSeparator{script: separateOK}, func(d *Deps) {
		d.Extractor = scriptExtractor{script: extract}
	})

	out := h.driver.Run(context.Background(), h.job(h.input("clip.mp4")))

	if out.Status != StatusOK {
		t.Fatalf("expected success, got %+v", out)
	}
	if got := h.events()[0].Get("fileType").String(); got != "video" {
		t.Errorf("expected fileType video, got %q", got)
	}
	steps := h.steps()
	if len(steps) < 2 || steps[1] != "extracting_audio" {
		t.Errorf("expected extracting_audio step, got %v", steps)
	}

	var extracting []float64
	for _, ev := range h.ofKind("progress") {
		if ev.Get("currentStep").String() == "extracting_audio" {
			extracting = append(extracting, ev.Get("stepPercent").Float())
		}
	}
	want := []float64{0, 50, 100, 100}
	if len(extracting) != len(want) {
		t.Fatalf("expected extraction progress %v, got %v", want, extracting)
	}

	if _, ok := out.Outputs["vocals"]; !ok {
		t.Errorf("expected vocals output, got %v", out.Outputs)
	}
	if _, err := os.Stat(filepath.Join(h.outDir, "separated_clip")); err != nil {
		t.Errorf("expected result named after the video: %v", err)
	}
	h.assertNoTempFiles()
}

func TestRunFFmpegNotFound(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: separateOK}, func(d *Deps) {
		d.Extractor = FFmpegExtractor{Path: "/nonexistent/ffmpeg"}
	})

	out := h.driver.Run(context.Background(), h.job(h.input("clip.mkv")))

	if out.ExitCode() != ExitProcessing || out.Code != CodeFFmpegNotFound {
		t.Fatalf("expected FFMPEG_NOT_FOUND, got %+v", out)
	}
}

func TestRunFFmpegFailure(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: separateOK}, func(d *Deps) {
		d.Extractor = scriptExtractor{script: `echo "[error] moov atom not found" >&2; exit 1`}
	})

	out := h.driver.Run(context.Background(), h.job(h.input("clip.mov")))

	if out.ExitCode() != ExitProcessing || out.Code != CodeFFmpeg {
		t.Fatalf("expected FFMPEG_ERROR, got %+v", out)
	}
	if !strings.Contains(out.Message, "moov atom not found") {
		t.Errorf("expected ffmpeg diagnostics in message, got %q", out.Message)
	}
	h.assertNoTempFiles()
}

func TestRunCleanupRunsOnce(t *testing.T) {
	h := newHarness(t, scriptSeparator{script: separateOK})
	calls := 0
	h.driver.cleanup.Register("sentinel", func() error {
		calls++
		return nil
	})

	h.driver.Run(context.Background(), h.job(h.input("song.wav")))

	if calls != 1 {
		t.Errorf("expected cleanup action to run once, ran %d times", calls)
	}
}
