package separator

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/smazurov/vocalmotor/internal/process"
)

// DefaultLauncher is the interpreter used to run the Demucs module.
const DefaultLauncher = "python3"

// Demucs builds command lines for `python -m demucs.separate`.
type Demucs struct {
	launcher []string
	module   string
}

// NewDemucs parses launcher as a shell-style command line, so values like
// "conda run -n demucs python" or a quoted venv path work.
func NewDemucs(launcher string) (*Demucs, error) {
	if strings.TrimSpace(launcher) == "" {
		launcher = DefaultLauncher
	}
	argv, err := process.SplitCommand(launcher)
	if err != nil {
		return nil, fmt.Errorf("parse launcher %q: %w", launcher, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("parse launcher %q: empty command", launcher)
	}
	return &Demucs{launcher: argv, module: "demucs.separate"}, nil
}

// Command returns the argv separating audio into workDir.
func (d *Demucs) Command(s Settings, audio, workDir string) []string {
	preset := s.Resolve()

	args := append([]string(nil), d.launcher...)
	args = append(args,
		"-m", d.module,
		"-n", s.Model,
		"-o", workDir,
		"-j", "0",
		"--shifts", strconv.Itoa(preset.Shifts),
		"--overlap", strconv.FormatFloat(preset.Overlap, 'f', -1, 64),
	)

	switch s.Device {
	case DeviceCPU, DeviceCUDA:
		args = append(args, "-d", string(s.Device))
	}

	switch s.Format {
	case FormatMP3:
		args = append(args, "--mp3")
	case FormatFLAC:
		args = append(args, "--flac")
	}

	return append(args, audio)
}

// ResultDir returns where Demucs writes the stems for audio:
// <workDir>/<model>/<audio stem>.
func (d *Demucs) ResultDir(s Settings, audio, workDir string) string {
	return filepath.Join(workDir, s.Model, Stem(audio))
}

// Stem returns the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
