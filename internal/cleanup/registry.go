// Package cleanup runs recovery actions once, in reverse registration order,
// on every exit path of a job.
package cleanup

import (
	"fmt"
	"log/slog"
	"sync"
)

// Action is an idempotent recovery step such as removing a temp directory.
type Action func() error

type entry struct {
	name   string
	action Action
}

// Registry collects cleanup actions. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	ran     bool
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. If logger is nil, slog.Default is used.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends an action. Actions registered after RunAll has started
// are executed immediately so no resource is leaked.
func (r *Registry) Register(name string, action Action) {
	if action == nil {
		return
	}

	r.mu.Lock()
	if !r.ran {
		r.entries = append(r.entries, entry{name: name, action: action})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Warn("Cleanup registered after run, executing now", "action", name)
	r.run(entry{name: name, action: action})
}

// Len returns the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RunAll executes every pending action exactly once, most recently
// registered first. Failures and panics are logged and never stop the
// remaining actions. Only the first call does any work; it returns the
// number of actions that failed.
func (r *Registry) RunAll() int {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return 0
	}
	r.ran = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	failed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if err := r.run(entries[i]); err != nil {
			failed++
		}
	}
	return failed
}

func (r *Registry) run(e entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			r.logger.Warn("Cleanup action failed", "action", e.name, "error", err)
		}
	}()

	r.logger.Debug("Running cleanup action", "action", e.name)
	return e.action()
}
