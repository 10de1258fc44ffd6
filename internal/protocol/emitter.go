package protocol

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"

	"github.com/smazurov/vocalmotor/internal/stage"
)

// TimestampFormat is the ISO-8601 layout used for record timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// CodeProtocolError marks the fallback record written when a record cannot
// be encoded.
const CodeProtocolError = "PROTOCOL_ERROR"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher receives every record after it has been written.
type Publisher interface {
	Publish(ev Event)
}

type flusher interface {
	Flush() error
}

// Emitter serializes records to a single writer in call order.
// It is safe for concurrent use and never returns errors to callers.
type Emitter struct {
	mu         sync.Mutex
	w          io.Writer
	clock      clockwork.Clock
	publishers []Publisher
	logger     *slog.Logger
	totalSteps int
	startedAt  time.Time
	started    bool
	step       *stage.ID
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock sets the clock used for timestamps and elapsed time.
func WithClock(c clockwork.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// WithPublisher forwards every written record to p. It may be given more
// than once; publishers are called in order.
func WithPublisher(p Publisher) Option {
	return func(e *Emitter) { e.publishers = append(e.publishers, p) }
}

// WithLogger sets the diagnostic logger used when the writer fails.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithTotalSteps sets the step count reported in start and step records.
func WithTotalSteps(n int) Option {
	return func(e *Emitter) { e.totalSteps = n }
}

// NewEmitter creates an emitter writing to w.
func NewEmitter(w io.Writer, opts ...Option) *Emitter {
	e := &Emitter{
		w:          w,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		totalSteps: len(stage.Order),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit stamps ev and writes it as one line. If ev cannot be encoded a
// PROTOCOL_ERROR record is written in its place.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(ev)
}

func (e *Emitter) emitLocked(ev Event) {
	now := e.clock.Now()
	h := ev.header()
	h.Event = ev.Kind()
	h.Timestamp = now.Format(TimestampFormat)

	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("Failed to encode protocol record", "event", ev.Kind(), "error", err)
		ev = &ErrorEvent{
			Header:         Header{Event: KindError, Timestamp: h.Timestamp},
			Message:        fmt.Sprintf("protocol error: encoding %s record: %v", h.Event, err),
			Code:           CodeProtocolError,
			Fatal:          false,
			ElapsedSeconds: e.elapsedLocked(now),
		}
		data, err = json.Marshal(ev)
		if err != nil {
			data = []byte(`{"event":"error","timestamp":"` + h.Timestamp + `","message":"protocol error","code":"` + CodeProtocolError + `","fatal":false,"elapsedSeconds":null}`)
		}
	}

	data = append(data, '\n')
	if _, werr := e.w.Write(data); werr != nil {
		e.logger.Error("Failed to write protocol record", "event", ev.Kind(), "error", werr)
	}
	if f, ok := e.w.(flusher); ok {
		if ferr := f.Flush(); ferr != nil {
			e.logger.Error("Failed to flush protocol record", "error", ferr)
		}
	}

	for _, p := range e.publishers {
		p.Publish(ev)
	}
}

// elapsedLocked returns seconds since Start, or nil before Start.
func (e *Emitter) elapsedLocked(now time.Time) *float64 {
	if !e.started {
		return nil
	}
	s := math.Round(now.Sub(e.startedAt).Seconds()*1000) / 1000
	return &s
}

// Elapsed returns the time since Start, or zero before Start.
func (e *Emitter) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0
	}
	return e.clock.Since(e.startedAt)
}

// StartInfo describes the job in the start record.
type StartInfo struct {
	File     string
	FileType string
	Model    string
	Device   string
	RunID    string
}

// Start records the job start time and emits the start record.
func (e *Emitter) Start(info StartInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.startedAt = e.clock.Now()
	e.started = true
	e.emitLocked(&StartEvent{
		File:       info.File,
		FileType:   info.FileType,
		Model:      info.Model,
		Device:     info.Device,
		TotalSteps: e.totalSteps,
		RunID:      info.RunID,
	})
}

// StepChange emits entry into stage d. number is 1-based.
func (e *Emitter) StepChange(d stage.Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := d.ID
	e.step = &id
	e.emitLocked(&StepChangeEvent{
		Step:       d.ID,
		StepNumber: d.Ordinal,
		TotalSteps: e.totalSteps,
		StepWeight: d.Weight,
	})
}

// ProgressUpdate is the payload of a progress record.
type ProgressUpdate struct {
	StepPercent   float64
	GlobalPercent *float64
	ETASeconds    *int
	Detail        string
}

// Progress emits a progress record for the current step.
func (e *Emitter) Progress(p ProgressUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := &ProgressEvent{
		StepPercent: round1(p.StepPercent),
		CurrentStep: e.step,
		ETASeconds:  p.ETASeconds,
		Detail:      p.Detail,
	}
	if p.GlobalPercent != nil {
		g := round1(*p.GlobalPercent)
		ev.GlobalPercent = &g
	}
	e.emitLocked(ev)
}

// Log emits a leveled log record.
func (e *Emitter) Log(level LogLevel, message string) {
	e.Emit(&LogEvent{Message: message, Level: level})
}

// Warning emits a non-fatal warning with a machine code.
func (e *Emitter) Warning(message, code string) {
	e.Emit(&WarningEvent{Message: message, Code: code})
}

// Error emits an error record with the elapsed time since Start.
func (e *Emitter) Error(message, code string, fatal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emitLocked(&ErrorEvent{
		Message:        message,
		Code:           code,
		Fatal:          fatal,
		ElapsedSeconds: e.elapsedLocked(e.clock.Now()),
	})
}

// Success emits the terminal success record.
func (e *Emitter) Success(outputs map[string]string, stats map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if outputs == nil {
		outputs = map[string]string{}
	}
	e.emitLocked(&SuccessEvent{
		Outputs:        outputs,
		ElapsedSeconds: e.elapsedLocked(e.clock.Now()),
		Stats:          stats,
	})
}

// Cancelled emits the terminal cancellation record with the last stage entered.
func (e *Emitter) Cancelled(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emitLocked(&CancelledEvent{
		Reason:         reason,
		ElapsedSeconds: e.elapsedLocked(e.clock.Now()),
		LastStep:       e.step,
	})
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
