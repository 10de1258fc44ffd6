// Package cancel records a process-wide request to stop the current job.
//
// A Signal is a one-shot flag: the first RequestStop wins and its Reason is
// kept for the lifetime of the process. Sources of stop requests live beside
// it and only ever call RequestStop:
//   - NotifyOS maps SIGINT/SIGTERM to ReasonExternalInterrupt/ReasonExternalTerminate
//   - AfterTimeout requests ReasonTimeout once a duration elapses
//   - WatchParent polls for reparenting to init and requests ReasonParentDied
//   - WatchStopFile requests ReasonUserRequested when a control file appears
//
// Consumers poll IsStopped at checkpoints or select on Done.
package cancel
