package ffmpeg

import (
	"regexp"
	"strconv"
	"time"
)

var (
	durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timePattern     = regexp.MustCompile(`time=\s*(-?\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// DurationProgress derives percent complete from ffmpeg's own output:
// the input "Duration:" banner gives the total and each stats line's
// "time=" gives the position. Not safe for concurrent use.
type DurationProgress struct {
	total time.Duration
}

// NewDurationProgress returns an extractor with no known duration.
func NewDurationProgress() *DurationProgress {
	return &DurationProgress{}
}

// Total returns the input duration seen so far, or zero.
func (p *DurationProgress) Total() time.Duration {
	return p.total
}

// Extract implements process.ProgressExtractor.
func (p *DurationProgress) Extract(line string) (int, bool) {
	if m := durationPattern.FindStringSubmatch(line); m != nil {
		p.total = parseTimestamp(m[1], m[2], m[3])
		return 0, false
	}
	if p.total <= 0 {
		return 0, false
	}

	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pos := parseTimestamp(m[1], m[2], m[3])
	if pos < 0 {
		pos = 0
	}

	pct := int(pos * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func parseTimestamp(hours, minutes, seconds string) time.Duration {
	h, _ := strconv.Atoi(hours)
	m, _ := strconv.Atoi(minutes)
	s, _ := strconv.ParseFloat(seconds, 64)
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s*float64(time.Second))
}
