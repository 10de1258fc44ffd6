// Package stage defines the fixed pipeline stages and tracks progress
// through them.
package stage

import (
	"errors"
	"fmt"
	"math"
)

// ID names a pipeline stage. The value is used on the wire.
type ID string

// Pipeline stages in execution order.
const (
	Initializing    ID = "initializing"
	ExtractingAudio ID = "extracting_audio"
	LoadingModel    ID = "loading_model"
	Analyzing       ID = "analyzing"
	Separating      ID = "separating"
	Saving          ID = "saving"
	Cleanup         ID = "cleanup"
)

// Order lists every stage in the order the pipeline declares them.
var Order = []ID{Initializing, ExtractingAudio, LoadingModel, Analyzing, Separating, Saving, Cleanup}

// DefaultWeights is the share of the overall job each stage represents.
var DefaultWeights = map[ID]float64{
	Initializing:    0.02,
	ExtractingAudio: 0.05,
	LoadingModel:    0.08,
	Analyzing:       0.05,
	Separating:      0.75,
	Saving:          0.04,
	Cleanup:         0.01,
}

// weightTolerance absorbs float rounding when checking weights sum to one.
const weightTolerance = 0.001

// ErrInvalidTable is returned for a stage table that breaks its invariants.
var ErrInvalidTable = errors.New("invalid stage table")

// Descriptor is the static description of one stage.
type Descriptor struct {
	ID      ID      `toml:"id" json:"id"`
	Ordinal int     `toml:"ordinal" json:"ordinal"`
	Weight  float64 `toml:"weight" json:"weight"`
}

// Table builds descriptors in canonical order from a weight map. Stages
// missing from weights are left out; ordinals keep their canonical
// position so a shortened table stays ordered.
func Table(weights map[ID]float64) []Descriptor {
	table := make([]Descriptor, 0, len(Order))
	for i, id := range Order {
		w, ok := weights[id]
		if !ok {
			continue
		}
		table = append(table, Descriptor{ID: id, Ordinal: i + 1, Weight: w})
	}
	return table
}

// DefaultTable returns the built-in stage table.
func DefaultTable() []Descriptor {
	return Table(DefaultWeights)
}

// Validate checks ordinals increase strictly, weights lie in [0,1], ids are
// unique, and weights sum to one.
func Validate(table []Descriptor) error {
	if len(table) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidTable)
	}

	seen := make(map[ID]bool, len(table))
	sum := 0.0
	for i, d := range table {
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidTable, d.ID)
		}
		seen[d.ID] = true

		if d.Weight < 0 || d.Weight > 1 || math.IsNaN(d.Weight) {
			return fmt.Errorf("%w: stage %q weight %v outside [0,1]", ErrInvalidTable, d.ID, d.Weight)
		}
		if i > 0 && d.Ordinal <= table[i-1].Ordinal {
			return fmt.Errorf("%w: stage %q ordinal %d not after %d", ErrInvalidTable, d.ID, d.Ordinal, table[i-1].Ordinal)
		}
		sum += d.Weight
	}

	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.4f", ErrInvalidTable, sum)
	}
	return nil
}

// SequenceError reports an attempt to enter a stage out of order. It is a
// programming error, never a user-facing one.
type SequenceError struct {
	From ID
	To   ID
	// Unknown is set when To is not part of the table.
	Unknown bool
}

func (e *SequenceError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("stage %q is not in the stage table", e.To)
	}
	if e.From == "" {
		return fmt.Sprintf("cannot enter stage %q", e.To)
	}
	return fmt.Sprintf("cannot enter stage %q after %q", e.To, e.From)
}
