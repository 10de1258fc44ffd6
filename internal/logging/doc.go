// Package logging provides structured diagnostic logging with per-module
// log level configuration.
//
// Standard output belongs to the event protocol, so nothing in this
// package ever writes there. Records are routed to:
//   - stderr, always
//   - an append-only log file when Config.File is set
//   - the systemd journal when Config.Journal is set and journald is reachable
//
// Multiple destinations are combined by a fanout handler that keeps writing
// to the remaining sinks when one fails. Journal entries carry the job's
// RUN_ID.
//
// # Usage
//
//	if err := logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "auto",
//		Modules: map[string]string{
//			"process": "debug",
//		},
//	}); err != nil {
//		return err
//	}
//	defer logging.Close()
//
//	logger := logging.GetLogger("pipeline")
//	logger.Info("Stage started", "stage", "separating")
//
// Loggers obtained before Initialize are cached and pick up the configured
// level afterwards through their LevelVar.
//
// # Format
//
// "text" and "json" select the slog handler directly. "auto" picks text
// when the destination is a terminal and json otherwise.
//
// # Levels
//
// The default level is error, which keeps stderr quiet while the job runs
// under a supervising GUI.
//
// # Viewing Logs
//
//	journalctl -t vocalmotor -f
//	journalctl -t vocalmotor MODULE=process
//	journalctl -t vocalmotor RUN_ID=<id>
package logging
