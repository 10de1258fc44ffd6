package events

import (
	"log/slog"

	"github.com/smazurov/vocalmotor/internal/protocol"
)

// MirrorToLog writes stage transitions and problems reported on the
// protocol stream to logger. Delivery is asynchronous, so records may
// still be in flight when the returned detach function is called.
func MirrorToLog(b *Bus, logger *slog.Logger) (detach func()) {
	unsubs := []func(){
		b.Subscribe(func(e protocol.StepChangeEvent) {
			logger.Info("Stage changed", "step", e.Step, "step_number", e.StepNumber, "total_steps", e.TotalSteps)
		}),
		b.Subscribe(func(e protocol.WarningEvent) {
			logger.Warn("Warning reported", "code", e.Code, "message", e.Message)
		}),
		b.Subscribe(func(e protocol.ErrorEvent) {
			logger.Error("Error reported", "code", e.Code, "fatal", e.Fatal, "message", e.Message)
		}),
		b.Subscribe(func(e protocol.SuccessEvent) {
			logger.Info("Job succeeded", "outputs", len(e.Outputs))
		}),
		b.Subscribe(func(e protocol.CancelledEvent) {
			logger.Info("Job cancelled", "reason", e.Reason)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
