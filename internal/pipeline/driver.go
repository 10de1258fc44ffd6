package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/smazurov/vocalmotor/internal/cancel"
	"github.com/smazurov/vocalmotor/internal/cleanup"
	"github.com/smazurov/vocalmotor/internal/logging"
	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/protocol"
	"github.com/smazurov/vocalmotor/internal/separator"
	"github.com/smazurov/vocalmotor/internal/stage"
)

// Separator supplies the separation child's command line and says where
// its results land.
type Separator interface {
	Command(s separator.Settings, audio, workDir string) []string
	ResultDir(s separator.Settings, audio, workDir string) string
}

// Checkpoints are the stage percentages reported for work the driver does
// itself after the separation child exits.
type Checkpoints struct {
	Separated  float64 // child exited, results being written
	Organizing float64
	Moving     float64
	Finalizing float64
	Done       float64
}

// DefaultCheckpoints returns 95/97/98/99/100.
func DefaultCheckpoints() Checkpoints {
	return Checkpoints{Separated: 95, Organizing: 97, Moving: 98, Finalizing: 99, Done: 100}
}

// Job is one separation request.
type Job struct {
	Input     string
	OutputDir string
	Settings  separator.Settings
	RunID     string
}

// Deps are the collaborators of a Driver. Emitter and Separator are
// required; everything else has a default.
type Deps struct {
	Emitter   *protocol.Emitter
	Signal    *cancel.Signal
	Cleanup   *cleanup.Registry
	Tracker   *stage.Tracker
	Separator Separator
	Extractor AudioExtractor

	// Options applied to every supervised child (timeouts, state hooks).
	SupervisorOptions []process.Option
	// Top of the visual range for the separation child's own progress.
	// Zero selects process.DefaultCeiling.
	Ceiling     int
	Checkpoints Checkpoints

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Driver runs the fixed stage sequence for one job.
type Driver struct {
	emitter     *protocol.Emitter
	signal      *cancel.Signal
	cleanup     *cleanup.Registry
	tracker     *stage.Tracker
	separator   Separator
	extractor   AudioExtractor
	supOpts     []process.Option
	ceiling     int
	checkpoints Checkpoints
	logger      *slog.Logger
	clock       clockwork.Clock

	stageStarted time.Time
}

// NewDriver fills in defaults for unset dependencies.
func NewDriver(d Deps) *Driver {
	drv := &Driver{
		emitter:     d.Emitter,
		signal:      d.Signal,
		cleanup:     d.Cleanup,
		tracker:     d.Tracker,
		separator:   d.Separator,
		extractor:   d.Extractor,
		supOpts:     d.SupervisorOptions,
		ceiling:     d.Ceiling,
		checkpoints: d.Checkpoints,
		logger:      d.Logger,
		clock:       d.Clock,
	}
	if drv.logger == nil {
		drv.logger = logging.GetLogger("pipeline")
	}
	if drv.signal == nil {
		drv.signal = cancel.New()
	}
	if drv.cleanup == nil {
		drv.cleanup = cleanup.NewRegistry(drv.logger)
	}
	if drv.tracker == nil {
		// The default table always validates.
		drv.tracker, _ = stage.NewTracker(stage.DefaultTable())
	}
	if drv.extractor == nil {
		drv.extractor = FFmpegExtractor{}
	}
	if drv.ceiling == 0 {
		drv.ceiling = process.DefaultCeiling
	}
	if drv.checkpoints == (Checkpoints{}) {
		drv.checkpoints = DefaultCheckpoints()
	}
	if drv.clock == nil {
		drv.clock = clockwork.NewRealClock()
	}
	return drv
}

// Run executes the job. Cleanup actions always run before the terminal
// record is emitted, whatever the outcome.
func (d *Driver) Run(ctx context.Context, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Pipeline panic", "panic", r, "stack", string(debug.Stack()))
			out = failed(KindUnexpected, CodeUnexpected, fmt.Errorf("panic: %v", r), fmt.Sprintf("Unexpected error: %v", r))
		}
		d.cleanup.RunAll()
		d.finish(out)
	}()

	return d.run(ctx, job)
}

func (d *Driver) finish(out Outcome) {
	switch out.Status {
	case StatusOK:
		d.emitter.Success(out.Outputs, out.Stats)
	case StatusCancelled:
		d.emitter.Cancelled(out.Reason.String())
	default:
		d.emitter.Error(out.Message, out.Code, true)
	}
	d.logger.Info("Pipeline finished", "status", out.Status.String(), "code", out.Code, "exit_code", out.ExitCode(), "error", out.Err)
}

func (d *Driver) run(ctx context.Context, job Job) Outcome {
	fileType, out, ok := d.validate(job)
	if !ok {
		return out
	}

	d.emitter.Start(protocol.StartInfo{
		File:     job.Input,
		FileType: string(fileType),
		Model:    job.Settings.Model,
		Device:   string(job.Settings.Device),
		RunID:    job.RunID,
	})

	// Initializing
	if out, ok := d.enter(stage.Initializing); !ok {
		return out
	}
	d.progress(50, "Validating input file...")
	if out, stop := d.checkpoint(); stop {
		return out
	}

	audio := job.Input
	if fileType == FileTypeVideo {
		if out, ok := d.enter(stage.ExtractingAudio); !ok {
			return out
		}
		d.progress(0, "Extracting audio from video...")
		extracted, out, ok := d.extract(ctx, job)
		if !ok {
			return out
		}
		audio = extracted
		d.progress(100, "Audio extracted successfully")
		if out, stop := d.checkpoint(); stop {
			return out
		}
	}

	// Loading model
	if out, ok := d.enter(stage.LoadingModel); !ok {
		return out
	}
	d.progress(0, "Loading neural network weights...")
	workDir, err := d.makeWorkDir(job)
	if err != nil {
		return failed(KindProcessing, CodeSeparation, err, "")
	}
	argv := d.separator.Command(job.Settings, audio, workDir)
	d.progress(50, "Model configuration ready")
	if out, stop := d.checkpoint(); stop {
		return out
	}

	// Analyzing
	if out, ok := d.enter(stage.Analyzing); !ok {
		return out
	}
	d.progress(0, "Analyzing audio structure...")
	if out, stop := d.checkpoint(); stop {
		return out
	}

	// Separating
	if out, ok := d.enter(stage.Separating); !ok {
		return out
	}
	preset := job.Settings.Resolve()
	d.progress(0, fmt.Sprintf("Separating with %d shift(s)...", preset.Shifts))
	if out, ok := d.separate(ctx, argv); !ok {
		return out
	}
	d.progress(d.checkpoints.Separated, "Reconstructing audio & Saving...")
	if out, stop := d.checkpoint(); stop {
		return out
	}

	// Saving
	if out, ok := d.enter(stage.Saving); !ok {
		return out
	}
	outputs, out, ok := d.save(job, audio, workDir)
	if !ok {
		return out
	}
	if out, stop := d.checkpoint(); stop {
		return out
	}

	// Cleanup
	if out, ok := d.enter(stage.Cleanup); !ok {
		return out
	}
	d.progress(0, "Removing temporary files...")
	if n := d.cleanup.RunAll(); n > 0 {
		d.emitter.Warning(fmt.Sprintf("%d cleanup action(s) failed", n), CodeCleanupWarning)
	}
	d.progress(100, "Done")
	if out, stop := d.checkpoint(); stop {
		return out
	}

	return succeeded(outputs, map[string]any{
		"model":          job.Settings.Model,
		"device":         string(job.Settings.Device),
		"quality":        string(job.Settings.Quality),
		"shifts":         preset.Shifts,
		"stemsGenerated": len(outputs),
		"runId":          job.RunID,
	})
}

func (d *Driver) validate(job Job) (FileType, Outcome, bool) {
	if err := checkInput(job.Input); err != nil {
		if errors.Is(err, ErrMissingInput) {
			return "", failed(KindMissingInput, CodeFileNotFound, err, fmt.Sprintf("Input file not found: %s", job.Input)), false
		}
		return "", failed(KindInvalidInvocation, CodeInvalidArgs, err, ""), false
	}

	fileType, err := ClassifyInput(job.Input)
	if err != nil {
		return "", failed(KindInvalidInvocation, CodeUnsupportedFormat, err, ""), false
	}

	if err := job.Settings.Validate(); err != nil {
		return "", failed(KindInvalidInvocation, CodeInvalidArgs, err, ""), false
	}

	if job.OutputDir == "" {
		return "", failed(KindInvalidInvocation, CodeInvalidArgs, errors.New("output directory is required"), ""), false
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return "", failed(KindInvalidInvocation, CodeInvalidArgs, err, fmt.Sprintf("Cannot create output directory: %v", err)), false
	}

	return fileType, Outcome{}, true
}

// enter moves the tracker to id and announces it.
func (d *Driver) enter(id stage.ID) (Outcome, bool) {
	if err := d.tracker.Enter(id); err != nil {
		d.logger.Error("Stage sequence violated", "error", err)
		return failed(KindContract, CodeSequence, err, ""), false
	}
	desc, _ := d.tracker.Current()
	d.stageStarted = d.clock.Now()
	d.emitter.StepChange(desc)
	d.logger.Debug("Entered stage", "stage", string(id), "ordinal", desc.Ordinal)
	return Outcome{}, true
}

// checkpoint reports whether a stop was requested.
func (d *Driver) checkpoint() (Outcome, bool) {
	if !d.signal.IsStopped() {
		return Outcome{}, false
	}
	reason, _ := d.signal.Reason()
	d.logger.Info("Cancellation observed at stage boundary", "reason", reason.String())
	return cancelled(reason), true
}

func (d *Driver) progress(stagePercent float64, detail string) {
	global := d.tracker.ComputeGlobalPercent(stagePercent)
	d.emitter.Progress(protocol.ProgressUpdate{
		StepPercent:   stagePercent,
		GlobalPercent: &global,
		Detail:        detail,
	})
}

func (d *Driver) makeWorkDir(job Job) (string, error) {
	name := fmt.Sprintf(".temp_%s_%d", separator.Stem(job.Input), d.clock.Now().Unix())
	workDir := filepath.Join(job.OutputDir, name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	d.cleanup.Register("work directory", func() error {
		return os.RemoveAll(workDir)
	})
	return workDir, nil
}

// supervise runs argv under a Supervisor reporting into the current stage.
func (d *Driver) supervise(ctx context.Context, argv []string, extra ...process.Option) (process.ExitInfo, error) {
	rep := &stageReporter{
		emitter: d.emitter,
		tracker: d.tracker,
		clock:   d.clock,
		started: d.stageStarted,
	}
	opts := append([]process.Option{process.WithLogger(d.logger)}, d.supOpts...)
	opts = append(opts, extra...)
	return process.New(d.signal, rep, opts...).Run(ctx, argv)
}

func (d *Driver) separate(ctx context.Context, argv []string) (Outcome, bool) {
	_, err := d.supervise(ctx, argv,
		process.WithCeiling(d.ceiling),
		process.WithExtractor(process.PercentExtractor{}),
		process.WithLogParser(process.DebugLogParser),
	)

	var startErr *process.StartError
	var exitErr *process.ExitError
	switch {
	case err == nil:
		return Outcome{}, true
	case errors.Is(err, process.ErrCancelled):
		reason, _ := d.signal.Reason()
		return cancelled(reason), false
	case errors.As(err, &startErr):
		return failed(KindStartFailure, CodeDemucsStart, err, fmt.Sprintf("Failed to start Demucs: %v", startErr.Err)), false
	case errors.As(err, &exitErr):
		diag := exitErr.Diagnostics
		if diag == "" {
			diag = "Unknown error"
		}
		return failed(KindProcessing, CodeDemucs, err, fmt.Sprintf("Demucs process failed with code %d: %s", exitErr.Code, diag)), false
	}
	return failed(KindProcessing, CodeDemucs, err, ""), false
}

func (d *Driver) save(job Job, audio, workDir string) (map[string]string, Outcome, bool) {
	d.progress(d.checkpoints.Organizing, "Organizing output files...")

	src := d.separator.ResultDir(job.Settings, audio, workDir)
	dst := separator.FinalDir(job.OutputDir, job.Input)

	if _, err := os.Stat(src); err != nil {
		return nil, failed(KindProcessing, CodeOutputMissing, err, "Demucs did not produce expected output"), false
	}

	d.progress(d.checkpoints.Moving, "Moving files...")
	if err := separator.Move(src, dst); err != nil {
		if errors.Is(err, separator.ErrOutputMissing) {
			return nil, failed(KindProcessing, CodeOutputMissing, err, "Demucs did not produce expected output"), false
		}
		return nil, failed(KindProcessing, CodeSeparation, err, fmt.Sprintf("Separation failed: %v", err)), false
	}

	d.progress(d.checkpoints.Finalizing, "Collecting stems...")
	outputs, err := separator.CollectStems(dst, job.Settings.Format)
	if err != nil {
		return nil, failed(KindProcessing, CodeOutputMissing, err, ""), false
	}
	if len(outputs) == 0 {
		d.emitter.Warning(fmt.Sprintf("No %s stems found in %s", job.Settings.Format, dst), CodeNoStems)
	}

	d.progress(d.checkpoints.Done, "Files saved successfully")
	return outputs, Outcome{}, true
}
