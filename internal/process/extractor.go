package process

import (
	"regexp"
	"strconv"

	"github.com/kballard/go-shellquote"
)

// ProgressExtractor pulls the child's native 0-100 progress out of one line
// of diagnostic output. Children with other progress formats supply their
// own implementation.
type ProgressExtractor interface {
	Extract(line string) (percent int, ok bool)
}

// ExtractorFunc adapts a function to ProgressExtractor.
type ExtractorFunc func(line string) (int, bool)

// Extract implements ProgressExtractor.
func (f ExtractorFunc) Extract(line string) (int, bool) { return f(line) }

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from process output (ffmpeg, demucs, etc.)
type LogParser func(line string) (level, msg string)

// DebugLogParser forwards every line unchanged at debug level.
func DebugLogParser(line string) (level, msg string) {
	return "debug", line
}

var percentPattern = regexp.MustCompile(`(\d+)%`)

// PercentExtractor matches the first run of digits followed by '%', the
// format of tqdm progress bars.
type PercentExtractor struct{}

// Extract implements ProgressExtractor. Values above 100 are clamped.
func (PercentExtractor) Extract(line string) (int, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		// Only overflow can fail here; treat it as complete.
		return 100, true
	}
	if n > 100 {
		n = 100
	}
	return n, true
}

// Rescale maps native progress in [0,100] onto [0,ceiling], truncating.
// The space above ceiling is reserved for work done after the child exits.
func Rescale(native, ceiling int) int {
	switch {
	case native < 0:
		native = 0
	case native > 100:
		native = 100
	}
	return native * ceiling / 100
}

// SplitCommand splits a shell-style command line into arguments,
// honouring quotes and backslash escapes.
func SplitCommand(command string) ([]string, error) {
	return shellquote.Split(command)
}
