package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/vocalmotor/internal/pipeline"
	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/separator"
	"github.com/smazurov/vocalmotor/internal/stage"
)

// Options for the CLI - flat structure with toml mapping.
// Flag names are the kebab-case field names.
type Options struct {
	Config string

	// Separation settings
	Model   string `toml:"separator.model" env:"MODEL"`
	Device  string `toml:"separator.device" env:"DEVICE"`
	Quality string `toml:"separator.quality" env:"QUALITY"`
	Shifts  int    `toml:"separator.shifts" env:"SHIFTS"`
	Format  string `toml:"separator.format" env:"FORMAT"`
	Python  string `toml:"separator.python" env:"PYTHON"`

	FfmpegPath string `toml:"ffmpeg.path" env:"FFMPEG_PATH"`

	// Job control
	Timeout            time.Duration `toml:"job.timeout" env:"TIMEOUT"`
	StopFile           string        `toml:"job.stop_file" env:"STOP_FILE"`
	WatchParent        bool          `toml:"job.watch_parent" env:"WATCH_PARENT"`
	ParentPollInterval time.Duration `toml:"job.parent_poll_interval" env:"PARENT_POLL_INTERVAL"`

	// Supervision
	GracePeriod      time.Duration `toml:"supervisor.grace_period" env:"GRACE_PERIOD"`
	KillTimeout      time.Duration `toml:"supervisor.kill_timeout" env:"KILL_TIMEOUT"`
	PollInterval     time.Duration `toml:"supervisor.poll_interval" env:"POLL_INTERVAL"`
	DiagnosticsLimit int           `toml:"supervisor.diagnostics_limit" env:"DIAGNOSTICS_LIMIT"`

	// Progress model
	Ceiling      int      `toml:"progress.ceiling" env:"CEILING"`
	Checkpoints  []string `toml:"progress.checkpoints" env:"CHECKPOINTS"`
	StageWeights []string `toml:"progress.stage_weights" env:"STAGE_WEIGHTS"`

	// Metrics
	MetricsAddr     string `toml:"metrics.addr" env:"METRICS_ADDR"`
	MetricsTextfile string `toml:"metrics.textfile" env:"METRICS_TEXTFILE"`

	// Logging settings
	LoggingLevel   string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingFile    string `toml:"logging.file" env:"LOGGING_FILE"`
	LoggingJournal bool   `toml:"logging.journal" env:"LOGGING_JOURNAL"`
}

// bindFlags registers a flag for every option with its default.
func bindFlags(c *cobra.Command, opts *Options) {
	defaults := separator.DefaultSettings()
	cp := pipeline.DefaultCheckpoints()

	f := c.Flags()
	f.StringVarP(&opts.Config, "config", "c", "", "Path to TOML configuration file")

	f.StringVarP(&opts.Model, "model", "m", defaults.Model, "Demucs model name")
	f.StringVarP(&opts.Device, "device", "d", string(defaults.Device), "Compute device (auto, cpu, cuda)")
	f.StringVarP(&opts.Quality, "quality", "q", string(defaults.Quality), "Quality preset (fast, hq, ultra)")
	f.IntVar(&opts.Shifts, "shifts", defaults.Shifts, "Random shifts, overriding the preset (-1 uses the preset)")
	f.StringVarP(&opts.Format, "format", "f", string(defaults.Format), "Output format (wav, mp3, flac)")
	f.StringVar(&opts.Python, "python", separator.DefaultLauncher, "Command used to launch the Demucs module")
	f.StringVar(&opts.FfmpegPath, "ffmpeg-path", "", "FFmpeg binary (default: search PATH)")

	f.DurationVar(&opts.Timeout, "timeout", 0, "Cancel the job after this long (0 disables)")
	f.StringVar(&opts.StopFile, "stop-file", "", "Cancel the job when this file appears")
	f.BoolVar(&opts.WatchParent, "watch-parent", false, "Cancel the job when the parent process dies")
	f.DurationVar(&opts.ParentPollInterval, "parent-poll-interval", time.Second, "How often to check the parent process")

	f.DurationVar(&opts.GracePeriod, "grace-period", process.DefaultGracePeriod, "Time a child gets to exit after SIGTERM")
	f.DurationVar(&opts.KillTimeout, "kill-timeout", process.DefaultKillTimeout, "Time to wait for a child after SIGKILL")
	f.DurationVar(&opts.PollInterval, "poll-interval", process.DefaultPollInterval, "Cancellation check interval while supervising")
	f.IntVar(&opts.DiagnosticsLimit, "diagnostics-limit", process.DefaultDiagnosticsLimit, "Characters of child stderr kept for error reports")

	f.IntVar(&opts.Ceiling, "ceiling", process.DefaultCeiling, "Top of the progress range given to the separation child")
	f.StringSliceVar(&opts.Checkpoints, "checkpoints", formatCheckpoints(cp), "Post-separation progress checkpoints (separated,organizing,moving,finalizing,done)")
	f.StringSliceVar(&opts.StageWeights, "stage-weights", nil, "Stage weight overrides as stage=weight")

	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.StringVar(&opts.MetricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file at exit")

	f.StringVar(&opts.LoggingLevel, "logging-level", "error", "Diagnostic log level (debug, info, warn, error)")
	f.StringVar(&opts.LoggingFormat, "logging-format", "auto", "Diagnostic log format (auto, text, json)")
	f.StringVar(&opts.LoggingFile, "logging-file", "", "Append diagnostic logs to this file")
	f.BoolVar(&opts.LoggingJournal, "logging-journal", false, "Send diagnostic logs to the systemd journal")
}

// settings converts the separation options.
func (o *Options) settings() separator.Settings {
	return separator.Settings{
		Model:   o.Model,
		Device:  separator.Device(strings.ToLower(o.Device)),
		Quality: separator.Quality(strings.ToLower(o.Quality)),
		Shifts:  o.Shifts,
		Format:  separator.Format(strings.ToLower(o.Format)),
	}
}

// stageTable applies stage=weight overrides to the default weights.
func (o *Options) stageTable() ([]stage.Descriptor, error) {
	weights := make(map[stage.ID]float64, len(stage.DefaultWeights))
	for id, w := range stage.DefaultWeights {
		weights[id] = w
	}

	for _, entry := range o.StageWeights {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("stage weight %q: expected stage=weight", entry)
		}
		id := stage.ID(strings.TrimSpace(name))
		if _, known := weights[id]; !known {
			return nil, fmt.Errorf("stage weight %q: unknown stage %q", entry, id)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("stage weight %q: %w", entry, err)
		}
		weights[id] = w
	}

	table := stage.Table(weights)
	if err := stage.Validate(table); err != nil {
		return nil, err
	}
	return table, nil
}

// checkpoints parses the five post-separation checkpoints.
func (o *Options) checkpoints() (pipeline.Checkpoints, error) {
	if len(o.Checkpoints) == 0 {
		return pipeline.DefaultCheckpoints(), nil
	}
	if len(o.Checkpoints) != 5 {
		return pipeline.Checkpoints{}, fmt.Errorf("checkpoints: expected 5 values, got %d", len(o.Checkpoints))
	}

	values := make([]float64, len(o.Checkpoints))
	prev := 0.0
	for i, s := range o.Checkpoints {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return pipeline.Checkpoints{}, fmt.Errorf("checkpoints: %w", err)
		}
		if v < prev || v > 100 {
			return pipeline.Checkpoints{}, fmt.Errorf("checkpoints: %v must be non-decreasing and at most 100", o.Checkpoints)
		}
		values[i] = v
		prev = v
	}
	return pipeline.Checkpoints{
		Separated:  values[0],
		Organizing: values[1],
		Moving:     values[2],
		Finalizing: values[3],
		Done:       values[4],
	}, nil
}

// ceiling validates the separation child's progress ceiling against the
// checkpoint that follows separation.
func (o *Options) ceiling(cp pipeline.Checkpoints) (int, error) {
	if o.Ceiling < 1 || o.Ceiling > 100 {
		return 0, fmt.Errorf("ceiling: %d must be between 1 and 100", o.Ceiling)
	}
	if float64(o.Ceiling) > cp.Separated {
		return 0, fmt.Errorf("ceiling: %d is above the separated checkpoint %v", o.Ceiling, cp.Separated)
	}
	return o.Ceiling, nil
}

func formatCheckpoints(cp pipeline.Checkpoints) []string {
	values := []float64{cp.Separated, cp.Organizing, cp.Moving, cp.Finalizing, cp.Done}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return out
}
