package pipeline

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/smazurov/vocalmotor/internal/protocol"
	"github.com/smazurov/vocalmotor/internal/stage"
)

// stageReporter turns a supervised child's output into protocol records
// for the stage that was current when it started.
type stageReporter struct {
	emitter *protocol.Emitter
	tracker *stage.Tracker
	clock   clockwork.Clock
	started time.Time
}

func (r *stageReporter) Progress(percent float64, detail string) {
	global := r.tracker.ComputeGlobalPercent(percent)
	update := protocol.ProgressUpdate{
		StepPercent:   percent,
		GlobalPercent: &global,
		Detail:        detail,
	}
	if eta, ok := estimateETA(r.clock.Since(r.started), percent); ok {
		update.ETASeconds = &eta
	}
	r.emitter.Progress(update)
}

func (r *stageReporter) Log(level, msg string) {
	r.emitter.Log(protocolLevel(level), msg)
}

// estimateETA extrapolates the remaining time linearly from the time spent
// reaching percent.
func estimateETA(elapsed time.Duration, percent float64) (int, bool) {
	if percent <= 0 || percent >= 100 || elapsed < 0 {
		return 0, false
	}
	remaining := elapsed.Seconds() * (100 - percent) / percent
	return int(math.Round(remaining)), true
}

// protocolLevel maps child log levels onto the three levels the
// controller understands.
func protocolLevel(level string) protocol.LogLevel {
	switch level {
	case "debug", "trace":
		return protocol.LevelDebug
	case "verbose":
		return protocol.LevelVerbose
	}
	return protocol.LevelInfo
}
