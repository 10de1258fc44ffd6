// Package pipeline drives one separation job through its fixed stages:
//
//	initializing → [extracting_audio] → loading_model → analyzing →
//	separating → saving → cleanup
//
// The Driver checks the cancellation signal at every stage boundary, hands
// the long-running children to a process.Supervisor, and always runs the
// cleanup registry before emitting exactly one terminal record. The result
// is an Outcome whose ExitCode is the process exit status.
package pipeline
