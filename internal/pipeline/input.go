package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Input validation errors.
var (
	ErrMissingInput     = errors.New("input file not found")
	ErrUnsupportedInput = errors.New("unsupported file format")
)

// FileType distinguishes inputs that need audio extraction.
type FileType string

// File types.
const (
	FileTypeAudio FileType = "audio"
	FileTypeVideo FileType = "video"
)

var (
	audioExtensions = map[string]bool{".mp3": true, ".wav": true, ".flac": true, ".m4a": true, ".ogg": true, ".wma": true, ".aac": true}
	videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true, ".wmv": true, ".flv": true}
)

// ClassifyInput reports whether path is an audio or video file by extension.
func ClassifyInput(path string) (FileType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case audioExtensions[ext]:
		return FileTypeAudio, nil
	case videoExtensions[ext]:
		return FileTypeVideo, nil
	}
	if ext == "" {
		ext = "(none)"
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedInput, ext)
}

// checkInput verifies the input is an existing regular file.
func checkInput(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingInput, path)
		}
		return fmt.Errorf("stat input: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingInput, path)
	}
	return nil
}
