// Package cmd implements the vocalmotor command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/smazurov/vocalmotor/internal/cancel"
	"github.com/smazurov/vocalmotor/internal/cleanup"
	"github.com/smazurov/vocalmotor/internal/config"
	"github.com/smazurov/vocalmotor/internal/events"
	"github.com/smazurov/vocalmotor/internal/logging"
	"github.com/smazurov/vocalmotor/internal/metrics"
	"github.com/smazurov/vocalmotor/internal/metrics/exporters"
	"github.com/smazurov/vocalmotor/internal/pipeline"
	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/protocol"
	"github.com/smazurov/vocalmotor/internal/separator"
	"github.com/smazurov/vocalmotor/internal/stage"
	"github.com/smazurov/vocalmotor/internal/version"
)

// Execute runs the command line and returns the process exit code.
// Standard output carries only protocol records; usage text and argument
// errors go to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := pipeline.ExitOK
	root := NewRootCmd(stdout, stderr, &code)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vocalmotor: %v\n", err)
		return pipeline.ExitInvalidInvocation
	}
	return code
}

// NewRootCmd creates the root command. The job's exit code is stored in
// exitCode.
func NewRootCmd(stdout, stderr io.Writer, exitCode *int) *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:   "vocalmotor <input> <output-dir>",
		Short: "Separate an audio or video file into stems",
		Long: `Runs a Demucs separation job for one input file and reports progress as
newline-delimited JSON records on standard output. Diagnostic logs go to
stderr, an optional log file, or the systemd journal.

Exit codes: 0 success, 1 unexpected error, 2 missing input, 3 invalid
invocation, 4 separation failed to start, 5 processing failure, 6 cancelled.`,
		Args:          cobra.ExactArgs(2),
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			if err := config.LoadConfig(opts, c); err != nil {
				return err
			}
			*exitCode = runJob(c.Context(), opts, args[0], args[1], stdout)
			return nil
		},
	}
	root.SetOut(stderr)
	root.SetErr(stderr)
	bindFlags(root, opts)
	return root
}

// runJob wires the collaborators for one job and runs it.
func runJob(ctx context.Context, opts *Options, input, outputDir string, stdout io.Writer) int {
	runID := uuid.NewString()
	if err := logging.Initialize(logging.Config{
		Level:   opts.LoggingLevel,
		Format:  opts.LoggingFormat,
		File:    opts.LoggingFile,
		Journal: opts.LoggingJournal,
		Modules: config.LoadLoggingModules(opts.Config),
		RunID:   runID,
	}); err != nil {
		// Diagnostics only; the job can still run.
		logging.GetLogger("main").Error("Failed to initialize logging", "error", err)
	}
	defer logging.Close()

	logger := logging.GetLogger("main")
	logger.Info("Starting job", "run_id", runID, "version", version.Get().Version, "input", input, "output_dir", outputDir)

	bus := events.New()
	defer events.MirrorToLog(bus, logging.GetLogger("events"))()

	emitterOpts := []protocol.Option{
		protocol.WithPublisher(bus),
		protocol.WithLogger(logging.GetLogger("protocol")),
	}
	var jobMetrics *metrics.Job
	if opts.MetricsAddr != "" || opts.MetricsTextfile != "" {
		jobMetrics = metrics.NewJob(runID)
		emitterOpts = append(emitterOpts, protocol.WithPublisher(jobMetrics))
	}
	emitter := protocol.NewEmitter(stdout, emitterOpts...)

	// Invalid settings are reported as protocol records, not usage errors.
	invalid := func(err error) int {
		logger.Error("Invalid configuration", "error", err)
		emitter.Error(fmt.Sprintf("Invalid arguments: %v", err), pipeline.CodeInvalidArgs, true)
		return pipeline.ExitInvalidInvocation
	}

	table, err := opts.stageTable()
	if err != nil {
		return invalid(err)
	}
	tracker, err := stage.NewTracker(table)
	if err != nil {
		return invalid(err)
	}
	checkpoints, err := opts.checkpoints()
	if err != nil {
		return invalid(err)
	}
	ceiling, err := opts.ceiling(checkpoints)
	if err != nil {
		return invalid(err)
	}
	demucs, err := separator.NewDemucs(opts.Python)
	if err != nil {
		return invalid(err)
	}

	sig := cancel.New()
	stopOS := cancel.NotifyOS(sig)
	defer stopOS()
	stopTimeout := cancel.AfterTimeout(sig, opts.Timeout)
	defer stopTimeout()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if opts.WatchParent {
		go cancel.WatchParent(watchCtx, sig, opts.ParentPollInterval)
	}
	if opts.StopFile != "" {
		w, watchErr := cancel.WatchStopFile(opts.StopFile, sig, logging.GetLogger("cancel"))
		if watchErr != nil {
			return invalid(fmt.Errorf("stop file: %w", watchErr))
		}
		defer w.Close()
	}

	supOpts := []process.Option{
		process.WithLogger(logging.GetLogger("process")),
		process.WithGracePeriod(opts.GracePeriod),
		process.WithKillTimeout(opts.KillTimeout),
		process.WithPollInterval(opts.PollInterval),
		process.WithDiagnosticsLimit(opts.DiagnosticsLimit),
	}
	if jobMetrics != nil {
		supOpts = append(supOpts, process.WithStateChange(jobMetrics.ObserveChildState))
	}

	var metricsServer *exporters.Server
	if jobMetrics != nil && opts.MetricsAddr != "" {
		metricsServer, err = exporters.Serve(opts.MetricsAddr, jobMetrics.Registry(), logging.GetLogger("metrics"))
		if err != nil {
			logger.Warn("Failed to start metrics server", "addr", opts.MetricsAddr, "error", err)
		}
	}

	driver := pipeline.NewDriver(pipeline.Deps{
		Emitter:           emitter,
		Signal:            sig,
		Cleanup:           cleanup.NewRegistry(logging.GetLogger("cleanup")),
		Tracker:           tracker,
		Separator:         demucs,
		Extractor:         pipeline.FFmpegExtractor{Path: opts.FfmpegPath},
		SupervisorOptions: supOpts,
		Ceiling:           ceiling,
		Checkpoints:       checkpoints,
		Logger:            logging.GetLogger("pipeline"),
	})

	out := driver.Run(ctx, pipeline.Job{
		Input:     input,
		OutputDir: outputDir,
		Settings:  opts.settings(),
		RunID:     runID,
	})

	if jobMetrics != nil {
		if opts.MetricsTextfile != "" {
			if writeErr := exporters.WriteTextfile(opts.MetricsTextfile, jobMetrics.Registry()); writeErr != nil {
				logger.Warn("Failed to write metrics textfile", "path", opts.MetricsTextfile, "error", writeErr)
			}
		}
	}
	if metricsServer != nil {
		if closeErr := metricsServer.Close(); closeErr != nil && !errors.Is(closeErr, context.DeadlineExceeded) {
			logger.Warn("Failed to stop metrics server", "error", closeErr)
		}
	}

	logger.Info("Job finished", "run_id", runID, "status", out.Status.String(), "exit_code", out.ExitCode())
	return out.ExitCode()
}
