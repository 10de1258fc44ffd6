package ffmpeg

import "strings"

// ParseLogLevel extracts the log level from ffmpeg output.
// FFmpeg with -loglevel level+info outputs lines like "[info] message"
// or "[component @ 0x...] [level] message" for component-specific logs.
// Returns the level and the message with level stripped but component preserved.
// Untagged lines (progress stats, banners) are reported as "info".
func ParseLogLevel(line string) (level, msg string) {
	tag, rest, ok := cutBracket(line)
	if !ok {
		return "info", line
	}
	if isLogLevel(tag) {
		return tag, rest
	}

	// [component @ 0x...] [level] message: keep the component
	if next, msgRest, ok := cutBracket(rest); ok && isLogLevel(next) {
		return next, line[:len(line)-len(rest)] + msgRest
	}

	return "info", line
}

// cutBracket splits "[tag] rest" into tag and rest.
func cutBracket(s string) (tag, rest string, ok bool) {
	if len(s) < 3 || s[0] != '[' {
		return "", s, false
	}
	tag, rest, ok = strings.Cut(s[1:], "] ")
	if !ok {
		return "", s, false
	}
	return tag, rest, true
}

func isLogLevel(s string) bool {
	switch s {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	}
	return false
}
