package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/protocol"
	"github.com/smazurov/vocalmotor/internal/stage"
)

func TestJobSetters(t *testing.T) {
	j := NewJob("run-a")

	j.SetProgress(42.5)
	if got := testutil.ToFloat64(j.progress.WithLabelValues("run-a")); got != 42.5 {
		t.Errorf("progress = %v, want 42.5", got)
	}

	j.SetStage("loading_model", 3)
	j.SetStage("separating", 5)
	if n := testutil.CollectAndCount(j.stageInfo); n != 1 {
		t.Errorf("expected exactly one active stage series, got %d", n)
	}
	if got := testutil.ToFloat64(j.stageInfo.WithLabelValues("run-a", "separating", "5")); got != 1 {
		t.Errorf("stage_info{separating} = %v, want 1", got)
	}

	j.ObserveChildState(process.StateIdle, process.StateStarting)
	j.ObserveChildState(process.StateStarting, process.StateRunning)
	if n := testutil.CollectAndCount(j.childState); n != 1 {
		t.Errorf("expected one child state series, got %d", n)
	}

	j.SetOutcome(OutcomeCancelled)
	if got := testutil.ToFloat64(j.outcome.WithLabelValues("run-a", OutcomeCancelled)); got != 1 {
		t.Errorf("outcome{cancelled} = %v, want 1", got)
	}

	snap := j.Snapshot()
	if snap.GlobalPercent != 42.5 || snap.Stage != "separating" || snap.ChildState != "running" || snap.Outcome != OutcomeCancelled {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestJobPublish(t *testing.T) {
	j := NewJob("run-b")

	var buf bytes.Buffer
	em := protocol.NewEmitter(&buf, protocol.WithPublisher(j))
	em.Start(protocol.StartInfo{File: "song.wav", FileType: "audio", Model: "htdemucs", Device: "cpu", RunID: "run-b"})
	em.StepChange(stage.Descriptor{ID: stage.Separating, Ordinal: 5, Weight: 0.75})
	global := 63.0
	eta := 12
	em.Progress(protocol.ProgressUpdate{StepPercent: 57, GlobalPercent: &global, ETASeconds: &eta})
	em.Log(protocol.LevelDebug, "chunk 3/7")
	em.Log(protocol.LevelDebug, "chunk 4/7")
	em.Success(map[string]string{"vocals": "v.wav"}, nil)

	// No waiting: the emitter has returned, so every record is counted.
	snap := j.Snapshot()
	if snap.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %q, want %q", snap.Outcome, OutcomeSuccess)
	}
	if snap.Events["log"] != 2 || snap.Events["success"] != 1 {
		t.Errorf("unexpected event counts %v", snap.Events)
	}
	if snap.GlobalPercent != 63 || snap.Stage != "separating" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if got := testutil.ToFloat64(j.events.WithLabelValues("success")); got != 1 {
		t.Errorf("events_total{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(j.eta.WithLabelValues("run-b")); got != 12 {
		t.Errorf("eta = %v, want 12", got)
	}
}

func TestJobFatalErrorSetsFailed(t *testing.T) {
	j := NewJob("run-c")
	em := protocol.NewEmitter(&bytes.Buffer{}, protocol.WithPublisher(j))

	em.Error("disk nearly full", "LOW_DISK", false)
	if j.Snapshot().Events["error"] != 1 {
		t.Fatalf("error count = %d, want 1", j.Snapshot().Events["error"])
	}
	if j.Snapshot().Outcome != "" {
		t.Errorf("non-fatal error should not set outcome, got %q", j.Snapshot().Outcome)
	}

	em.Error("Demucs process failed", "DEMUCS_ERROR", true)
	if j.Snapshot().Outcome != OutcomeFailed {
		t.Errorf("outcome = %q, want %q", j.Snapshot().Outcome, OutcomeFailed)
	}
}

func TestJobTerminalRecordInTextExposition(t *testing.T) {
	j := NewJob("run-e")
	em := protocol.NewEmitter(&bytes.Buffer{}, protocol.WithPublisher(j))
	em.Cancelled("user_cancelled")

	expected := `
# HELP vocalmotor_job_events_total Protocol records emitted, by kind
# TYPE vocalmotor_job_events_total counter
vocalmotor_job_events_total{event="cancelled"} 1
`
	if err := testutil.GatherAndCompare(j.Registry(), strings.NewReader(expected), "vocalmotor_job_events_total"); err != nil {
		t.Error(err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	j := NewJob("run-d")
	j.count(protocol.KindLog)

	snap := j.Snapshot()
	snap.Events["log"] = 99

	if got := j.Snapshot().Events["log"]; got != 1 {
		t.Errorf("cache was modified, log count = %d, want 1", got)
	}
}
