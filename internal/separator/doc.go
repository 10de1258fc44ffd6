// Package separator knows how to drive Demucs: it turns Settings into a
// command line, resolves quality presets, and moves the stems Demucs
// writes into the user's output directory.
package separator
