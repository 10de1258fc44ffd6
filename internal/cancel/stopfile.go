package cancel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// StopFileWatcher requests a stop when a control file is created.
// A controller that cannot deliver signals (for example across a sandbox
// boundary) touches the file instead.
type StopFileWatcher struct {
	path    string
	signal  *Signal
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	quit    chan struct{}
	done    chan struct{}
}

// WatchStopFile starts watching path. If the file already exists the stop is
// requested immediately. The parent directory must exist.
func WatchStopFile(path string, s *Signal, logger *slog.Logger) (*StopFileWatcher, error) {
	if path == "" {
		return nil, errors.New("stop file path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve stop file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the file does not exist yet and may be created
	// by rename.
	if addErr := watcher.Add(filepath.Dir(abs)); addErr != nil {
		watcher.Close()
		return nil, addErr
	}

	w := &StopFileWatcher{
		path:    abs,
		signal:  s,
		watcher: watcher,
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if _, statErr := os.Stat(abs); statErr == nil {
		w.trigger()
	}

	logger.Debug("Stop file watcher started", "path", abs)
	go w.watch()
	return w, nil
}

// Close stops watching. It is safe to call more than once.
func (w *StopFileWatcher) Close() error {
	select {
	case <-w.quit:
		return nil
	default:
	}
	close(w.quit)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *StopFileWatcher) watch() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.trigger()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Stop file watcher error", "error", err)
		}
	}
}

func (w *StopFileWatcher) trigger() {
	if w.signal.RequestStop(ReasonUserRequested) {
		w.logger.Info("Stop file detected, requesting stop", "path", w.path)
	}
}
