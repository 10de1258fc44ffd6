// Package process supervises a single external child process.
//
// Supervisor wraps os/exec for one long-running job:
//   - The child runs in its own process group so grandchildren can be stopped
//   - stdout and stderr are streamed line by line, splitting on '\r' as well
//   - Progress lines on stderr are rescaled to a reserved visual ceiling and
//     forwarded only when they increase
//   - Other lines are parsed by a pluggable LogParser and forwarded as logs
//   - Cancellation sends SIGTERM to the group, then SIGKILL after a grace period
//   - Non-zero exits carry the first part of stderr as diagnostics
//
// Example usage:
//
//	sup := process.New(signal, reporter,
//	    process.WithGracePeriod(5*time.Second),
//	    process.WithLogParser(ffmpeg.ParseLogLevel),
//	)
//	info, err := sup.Run(ctx, argv)
//	switch {
//	case errors.Is(err, process.ErrCancelled):
//	    // stopped on request
//	case err != nil:
//	    // *StartError or *ExitError
//	}
package process
