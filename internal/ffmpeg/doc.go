// Package ffmpeg builds the audio extraction command for video inputs and
// interprets ffmpeg's diagnostic output: level-tagged log lines and
// Duration/time based progress.
package ffmpeg
