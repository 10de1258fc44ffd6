// Package protocol writes the job's lifecycle as newline-delimited JSON
// records, one self-contained object per line, for a controlling process
// reading standard output.
package protocol

import "github.com/smazurov/vocalmotor/internal/stage"

// Kind identifies a record on the wire.
type Kind string

// Record kinds.
const (
	KindStart      Kind = "start"
	KindStepChange Kind = "step_change"
	KindProgress   Kind = "progress"
	KindLog        Kind = "log"
	KindWarning    Kind = "warning"
	KindError      Kind = "error"
	KindSuccess    Kind = "success"
	KindCancelled  Kind = "cancelled"
)

// Type identifiers for in-process dispatch.
const (
	TypeStart uint32 = iota + 1
	TypeStepChange
	TypeProgress
	TypeLog
	TypeWarning
	TypeError
	TypeSuccess
	TypeCancelled
)

// LogLevel is the verbosity of a Log record.
type LogLevel string

// Log levels understood by the controller.
const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelVerbose LogLevel = "verbose"
)

// Event is a record that can be emitted. Records are filled in by the
// Emitter and must not be modified afterwards.
type Event interface {
	Kind() Kind
	Type() uint32
	header() *Header
}

// Header carries the fields present on every record.
type Header struct {
	Event     Kind   `json:"event"`
	Timestamp string `json:"timestamp"`
}

func (h *Header) header() *Header { return h }

// StartEvent opens the stream for a job.
type StartEvent struct {
	Header
	File       string `json:"file"`
	FileType   string `json:"fileType"`
	Model      string `json:"model"`
	Device     string `json:"device"`
	TotalSteps int    `json:"totalSteps"`
	RunID      string `json:"runId,omitempty"`
}

func (StartEvent) Kind() Kind   { return KindStart }
func (StartEvent) Type() uint32 { return TypeStart }

// StepChangeEvent marks entry into a pipeline stage.
type StepChangeEvent struct {
	Header
	Step       stage.ID `json:"step"`
	StepNumber int      `json:"stepNumber"`
	TotalSteps int      `json:"totalSteps"`
	StepWeight float64  `json:"stepWeight"`
}

func (StepChangeEvent) Kind() Kind   { return KindStepChange }
func (StepChangeEvent) Type() uint32 { return TypeStepChange }

// ProgressEvent reports progress inside the current stage.
type ProgressEvent struct {
	Header
	StepPercent   float64   `json:"stepPercent"`
	GlobalPercent *float64  `json:"globalPercent"`
	CurrentStep   *stage.ID `json:"currentStep"`
	ETASeconds    *int      `json:"etaSeconds,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

func (ProgressEvent) Kind() Kind   { return KindProgress }
func (ProgressEvent) Type() uint32 { return TypeProgress }

// LogEvent forwards a diagnostic line to the controller console.
type LogEvent struct {
	Header
	Message string   `json:"message"`
	Level   LogLevel `json:"level"`
}

func (LogEvent) Kind() Kind   { return KindLog }
func (LogEvent) Type() uint32 { return TypeLog }

// WarningEvent reports a non-fatal problem.
type WarningEvent struct {
	Header
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (WarningEvent) Kind() Kind   { return KindWarning }
func (WarningEvent) Type() uint32 { return TypeWarning }

// ErrorEvent reports a failure.
type ErrorEvent struct {
	Header
	Message        string   `json:"message"`
	Code           string   `json:"code"`
	Fatal          bool     `json:"fatal"`
	ElapsedSeconds *float64 `json:"elapsedSeconds"`
}

func (ErrorEvent) Kind() Kind   { return KindError }
func (ErrorEvent) Type() uint32 { return TypeError }

// SuccessEvent closes the stream for a completed job.
type SuccessEvent struct {
	Header
	Outputs        map[string]string `json:"outputs"`
	ElapsedSeconds *float64          `json:"elapsedSeconds"`
	Stats          map[string]any    `json:"stats,omitempty"`
}

func (SuccessEvent) Kind() Kind   { return KindSuccess }
func (SuccessEvent) Type() uint32 { return TypeSuccess }

// CancelledEvent closes the stream for a cancelled job.
type CancelledEvent struct {
	Header
	Reason         string    `json:"reason"`
	ElapsedSeconds *float64  `json:"elapsedSeconds"`
	LastStep       *stage.ID `json:"lastStep"`
}

func (CancelledEvent) Kind() Kind   { return KindCancelled }
func (CancelledEvent) Type() uint32 { return TypeCancelled }
