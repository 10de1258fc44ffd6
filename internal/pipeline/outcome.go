package pipeline

import (
	"github.com/smazurov/vocalmotor/internal/cancel"
)

// Status is the terminal state of a run.
type Status int

// Run statuses.
const (
	StatusOK Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Kind classifies a failure for exit-status purposes.
type Kind string

// Failure kinds.
const (
	KindMissingInput      Kind = "missing_input"
	KindInvalidInvocation Kind = "invalid_invocation"
	KindStartFailure      Kind = "start_failure"
	KindProcessing        Kind = "processing"
	KindContract          Kind = "contract"
	KindUnexpected        Kind = "unexpected"
)

// Machine codes carried by error and warning records.
const (
	CodeFileNotFound      = "FILE_NOT_FOUND"
	CodeInvalidArgs       = "INVALID_ARGS"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeDemucsStart       = "DEMUCS_START_ERROR"
	CodeDemucs            = "DEMUCS_ERROR"
	CodeOutputMissing     = "OUTPUT_MISSING"
	CodeSeparation        = "SEPARATION_ERROR"
	CodeFFmpegNotFound    = "FFMPEG_NOT_FOUND"
	CodeFFmpeg            = "FFMPEG_ERROR"
	CodeFFmpegExec        = "FFMPEG_EXEC_ERROR"
	CodeSequence          = "SEQUENCE_ERROR"
	CodeUnexpected        = "UNEXPECTED_ERROR"

	CodeCleanupWarning = "CLEANUP_WARNING"
	CodeNoStems        = "NO_STEMS"
)

// Exit statuses.
const (
	ExitOK                = 0
	ExitUnexpected        = 1
	ExitMissingInput      = 2
	ExitInvalidInvocation = 3
	ExitStartFailure      = 4
	ExitProcessing        = 5
	ExitCancelled         = 6
)

// Outcome is the result of a run. Exactly one of the terminal records
// (success, cancelled, error) is emitted for it.
type Outcome struct {
	Status Status

	// Success
	Outputs map[string]string
	Stats   map[string]any

	// Cancelled
	Reason cancel.Reason

	// Failed
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o.Status {
	case StatusOK:
		return ExitOK
	case StatusCancelled:
		return ExitCancelled
	}
	switch o.Kind {
	case KindMissingInput:
		return ExitMissingInput
	case KindInvalidInvocation:
		return ExitInvalidInvocation
	case KindStartFailure:
		return ExitStartFailure
	case KindProcessing:
		return ExitProcessing
	}
	return ExitUnexpected
}

func succeeded(outputs map[string]string, stats map[string]any) Outcome {
	return Outcome{Status: StatusOK, Outputs: outputs, Stats: stats}
}

func cancelled(reason cancel.Reason) Outcome {
	return Outcome{Status: StatusCancelled, Reason: reason}
}

func failed(kind Kind, code string, err error, message string) Outcome {
	if message == "" && err != nil {
		message = err.Error()
	}
	return Outcome{Status: StatusFailed, Kind: kind, Code: code, Message: message, Err: err}
}
