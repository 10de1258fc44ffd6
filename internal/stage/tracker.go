package stage

import (
	"math"
	"sync"
)

// Tracker holds the current stage and turns stage-relative progress into
// overall job progress.
type Tracker struct {
	mu      sync.RWMutex
	table   []Descriptor
	index   map[ID]int
	current int // index into table, -1 before the first Enter
}

// NewTracker validates table and returns a tracker positioned before the
// first stage.
func NewTracker(table []Descriptor) (*Tracker, error) {
	if err := Validate(table); err != nil {
		return nil, err
	}

	t := &Tracker{
		table:   append([]Descriptor(nil), table...),
		index:   make(map[ID]int, len(table)),
		current: -1,
	}
	for i, d := range t.table {
		t.index[d.ID] = i
	}
	return t, nil
}

// Enter moves to id. The target must have a strictly greater ordinal than
// the current stage.
func (t *Tracker) Enter(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var from ID
	if t.current >= 0 {
		from = t.table[t.current].ID
	}

	i, ok := t.index[id]
	if !ok {
		return &SequenceError{From: from, To: id, Unknown: true}
	}
	if t.current >= 0 && t.table[i].Ordinal <= t.table[t.current].Ordinal {
		return &SequenceError{From: from, To: id}
	}

	t.current = i
	return nil
}

// Current returns the active stage, if any.
func (t *Tracker) Current() (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current < 0 {
		return Descriptor{}, false
	}
	return t.table[t.current], true
}

// Total returns the number of stages in the table.
func (t *Tracker) Total() int {
	return len(t.table)
}

// ComputeGlobalPercent returns overall progress in [0,100]: the weights of
// every stage before the current one plus the current weight scaled by
// stagePercent. Stages skipped on the way count as completed.
func (t *Tracker) ComputeGlobalPercent(stagePercent float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current < 0 {
		return 0
	}

	switch {
	case stagePercent < 0 || math.IsNaN(stagePercent):
		stagePercent = 0
	case stagePercent > 100:
		stagePercent = 100
	}

	completed := 0.0
	for i := 0; i < t.current; i++ {
		completed += t.table[i].Weight
	}
	global := (completed + t.table[t.current].Weight*stagePercent/100) * 100

	if global > 100 {
		return 100
	}
	return global
}
