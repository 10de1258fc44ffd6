// Package metrics provides Prometheus metrics for a separation job.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/protocol"
)

const namespace = "vocalmotor"

// Outcome statuses recorded on the outcome gauge.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Job holds the metrics of one run in its own registry.
type Job struct {
	registry *prometheus.Registry
	runID    string

	progress   *prometheus.GaugeVec
	eta        *prometheus.GaugeVec
	stageInfo  *prometheus.GaugeVec
	childState *prometheus.GaugeVec
	outcome    *prometheus.GaugeVec
	events     *prometheus.CounterVec

	// Local cache for the end-of-run summary.
	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot holds the current metric values of a run.
type Snapshot struct {
	GlobalPercent float64
	Stage         string
	ChildState    string
	Outcome       string
	Events        map[string]int
}

// NewJob creates the metrics for runID.
func NewJob(runID string) *Job {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Job{
		registry: reg,
		runID:    runID,
		progress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "progress_percent",
			Help:      "Overall job progress (0-100)",
		}, []string{"run_id"}),
		eta: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "eta_seconds",
			Help:      "Estimated seconds remaining in the current stage",
		}, []string{"run_id"}),
		stageInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "stage_info",
			Help:      "Current pipeline stage (1 for the active stage)",
		}, []string{"run_id", "stage", "step_number"}),
		childState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "child_state",
			Help:      "Lifecycle state of the supervised child (1 for the current state)",
		}, []string{"run_id", "state"}),
		outcome: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "outcome",
			Help:      "Terminal outcome of the job (1 for the recorded status)",
		}, []string{"run_id", "status"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "events_total",
			Help:      "Protocol records emitted, by kind",
		}, []string{"event"}),
		snapshot: Snapshot{Events: make(map[string]int)},
	}
}

// Registry returns the registry holding this job's metrics.
func (j *Job) Registry() *prometheus.Registry {
	return j.registry
}

// Publish implements protocol.Publisher. The emitter calls it after each
// record is written, so metrics are current by the time the terminal
// record is out.
func (j *Job) Publish(ev protocol.Event) {
	j.count(ev.Kind())

	switch e := ev.(type) {
	case *protocol.StepChangeEvent:
		j.SetStage(string(e.Step), e.StepNumber)
	case *protocol.ProgressEvent:
		if e.GlobalPercent != nil {
			j.SetProgress(*e.GlobalPercent)
		}
		if e.ETASeconds != nil {
			j.eta.WithLabelValues(j.runID).Set(float64(*e.ETASeconds))
		}
	case *protocol.ErrorEvent:
		if e.Fatal {
			j.SetOutcome(OutcomeFailed)
		}
	case *protocol.SuccessEvent:
		j.SetOutcome(OutcomeSuccess)
	case *protocol.CancelledEvent:
		j.SetOutcome(OutcomeCancelled)
	}
}

func (j *Job) count(kind protocol.Kind) {
	j.events.WithLabelValues(string(kind)).Inc()
	j.update(func(s *Snapshot) { s.Events[string(kind)]++ })
}

// SetProgress sets the overall progress.
func (j *Job) SetProgress(percent float64) {
	j.progress.WithLabelValues(j.runID).Set(percent)
	j.update(func(s *Snapshot) { s.GlobalPercent = percent })
}

// SetStage marks stage as the only active stage.
func (j *Job) SetStage(stage string, stepNumber int) {
	j.stageInfo.Reset()
	j.stageInfo.WithLabelValues(j.runID, stage, strconv.Itoa(stepNumber)).Set(1)
	j.update(func(s *Snapshot) { s.Stage = stage })
}

// ObserveChildState records a supervised child's state transition.
// Matches process.StateChangeCallback.
func (j *Job) ObserveChildState(_, newState process.State) {
	j.childState.Reset()
	j.childState.WithLabelValues(j.runID, string(newState)).Set(1)
	j.update(func(s *Snapshot) { s.ChildState = string(newState) })
}

// SetOutcome records the terminal status.
func (j *Job) SetOutcome(status string) {
	j.outcome.Reset()
	j.outcome.WithLabelValues(j.runID, status).Set(1)
	j.update(func(s *Snapshot) { s.Outcome = status })
}

// Snapshot returns a copy of the current values.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	dup := j.snapshot
	dup.Events = make(map[string]int, len(j.snapshot.Events))
	for k, v := range j.snapshot.Events {
		dup.Events[k] = v
	}
	return dup
}

func (j *Job) update(fn func(*Snapshot)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.snapshot)
}
