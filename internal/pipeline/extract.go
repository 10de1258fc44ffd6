package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smazurov/vocalmotor/internal/ffmpeg"
	"github.com/smazurov/vocalmotor/internal/process"
	"github.com/smazurov/vocalmotor/internal/protocol"
	"github.com/smazurov/vocalmotor/internal/separator"
)

// AudioExtractor supplies the command that writes the audio track of a
// video file to output.
type AudioExtractor interface {
	Command(input, output string) ([]string, error)
}

// FFmpegExtractor extracts audio with ffmpeg. An empty Path searches PATH.
type FFmpegExtractor struct {
	Path string
}

// Command implements AudioExtractor. It fails with ffmpeg.ErrNotFound when
// no binary is available.
func (e FFmpegExtractor) Command(input, output string) ([]string, error) {
	binary, err := ffmpeg.Locate(e.Path)
	if err != nil {
		return nil, err
	}
	return ffmpeg.BuildExtractArgs(ffmpeg.NewExtractParams(binary, input, output)), nil
}

func (d *Driver) extract(ctx context.Context, job Job) (string, Outcome, bool) {
	audio := filepath.Join(job.OutputDir, ".temp_audio_"+separator.Stem(job.Input)+".wav")

	argv, err := d.extractor.Command(job.Input, audio)
	if err != nil {
		if errors.Is(err, ffmpeg.ErrNotFound) {
			return "", failed(KindProcessing, CodeFFmpegNotFound, err, "FFmpeg not found"), false
		}
		return "", failed(KindProcessing, CodeFFmpegExec, err, fmt.Sprintf("FFmpeg execution error: %v", err)), false
	}
	d.emitter.Log(protocol.LevelInfo, "Using FFmpeg: "+argv[0])

	d.cleanup.Register("extracted audio", func() error {
		if err := os.Remove(audio); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})

	_, err = d.supervise(ctx, argv,
		process.WithCeiling(100),
		process.WithExtractor(ffmpeg.NewDurationProgress()),
		process.WithLogParser(ffmpeg.ParseLogLevel),
		process.WithProgressDetail(func(native int) string {
			return fmt.Sprintf("Extracting audio: %d%%", native)
		}),
	)

	var exitErr *process.ExitError
	switch {
	case err == nil:
		return audio, Outcome{}, true
	case errors.Is(err, process.ErrCancelled):
		reason, _ := d.signal.Reason()
		return "", cancelled(reason), false
	case errors.As(err, &exitErr):
		diag := exitErr.Diagnostics
		if len([]rune(diag)) > 200 {
			diag = string([]rune(diag)[:200])
		}
		return "", failed(KindProcessing, CodeFFmpeg, err, "FFmpeg failed: "+diag), false
	}
	return "", failed(KindProcessing, CodeFFmpegExec, err, fmt.Sprintf("FFmpeg execution error: %v", err)), false
}
