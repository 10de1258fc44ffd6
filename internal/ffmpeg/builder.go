package ffmpeg

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// ErrNotFound is returned when no ffmpeg binary can be located.
var ErrNotFound = errors.New("ffmpeg not found")

// Locate resolves the ffmpeg binary. An empty configured path searches PATH.
func Locate(configured string) (string, error) {
	name := configured
	if name == "" {
		name = "ffmpeg"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// BuildExtractArgs builds the argv that strips the video stream and writes
// PCM audio to p.Output, overwriting any previous file.
func BuildExtractArgs(p *Params) []string {
	binary := p.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	args := []string{binary, "-hide_banner"}
	if p.LogLevel != "" {
		args = append(args, "-loglevel", p.LogLevel)
	}

	args = append(args, "-i", p.Input, "-vn")

	codec := p.Codec
	if codec == "" {
		codec = DefaultCodec
	}
	args = append(args, "-acodec", codec)

	// Only add what's set
	if p.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(p.SampleRate))
	}
	if p.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(p.Channels))
	}

	return append(args, "-y", p.Output)
}
