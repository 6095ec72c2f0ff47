// Package labels holds the stores that own label data: cell identities,
// divisions, cell types and the current selection.
//
// Each store is a small state machine driven only by messages on its own
// bus. It starts in PhaseLoading, becomes PhaseReady once its collection is
// loaded, and from then on runs two regions: user edits (idle or editing,
// one at a time) and derived updates that keep the collection consistent
// with edits made to cell identities elsewhere.
package labels

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"labelcore/internal/history"
)

var (
	// ErrNotReady is returned for edits that arrive before the store has
	// loaded its collection.
	ErrNotReady = errors.New("labels: store not ready")
	// ErrEditInFlight is returned when an edit arrives while another edit
	// of the same store is still being applied.
	ErrEditInFlight = errors.New("labels: edit in flight")
)

// Phase is the top level store state.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseReady
)

func (p Phase) String() string {
	if p == PhaseReady {
		return "ready"
	}
	return "loading"
}

// Recorder is the part of the history manager that stores need.
type Recorder interface {
	Reserve(owner string) *history.Reservation
	Attach(s history.Snapshot) error
}

// machine tracks the phase and the edit region of one store.
type machine struct {
	mu      sync.Mutex
	phase   Phase
	editing bool
}

// begin moves the edit region from idle to editing.
func (m *machine) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReady {
		return ErrNotReady
	}
	if m.editing {
		return ErrEditInFlight
	}
	m.editing = true
	return nil
}

// end returns the edit region to idle.
func (m *machine) end() {
	m.mu.Lock()
	m.editing = false
	m.mu.Unlock()
}

func (m *machine) ready() {
	m.mu.Lock()
	m.phase = PhaseReady
	m.mu.Unlock()
}

// Phase returns the current phase.
func (m *machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Editing reports whether an edit is being applied.
func (m *machine) Editing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editing
}

// OpKind names an edit to cell identities.
type OpKind string

const (
	OpReplace OpKind = "replace"
	OpSwap    OpKind = "swap"
	OpDelete  OpKind = "delete"
	// OpSegment is a pixel edit that rewrote one slice. Removed lists the
	// cells that no longer exist anywhere afterwards.
	OpSegment OpKind = "segment"
)

// CellOp describes what happened to cell identities. Stores that refer to
// cells replay it on their own collections.
type CellOp struct {
	Kind    OpKind `json:"kind"`
	A       int    `json:"a,omitempty"`
	B       int    `json:"b,omitempty"`
	Cell    int    `json:"cell,omitempty"`
	Removed []int  `json:"removed,omitempty"`
}

// Touched returns the cell ids the operation can affect.
func (op CellOp) Touched() []int {
	switch op.Kind {
	case OpReplace, OpSwap:
		return []int{op.A, op.B}
	case OpDelete:
		return []int{op.Cell}
	case OpSegment:
		return op.Removed
	}
	return nil
}

// Map returns the id a cell has after the operation, and false if the cell
// was removed.
func (op CellOp) Map(cell int) (int, bool) {
	switch op.Kind {
	case OpReplace:
		if cell == op.B {
			return op.A, true
		}
	case OpSwap:
		switch cell {
		case op.A:
			return op.B, true
		case op.B:
			return op.A, true
		}
	case OpDelete:
		if cell == op.Cell {
			return 0, false
		}
	case OpSegment:
		if slices.Contains(op.Removed, cell) {
			return 0, false
		}
	}
	return cell, true
}

// refIndex counts references to cell ids so a store can tell in O(edit
// size) whether an upstream operation concerns it.
type refIndex map[int]int

func (ix refIndex) add(cells ...int) {
	for _, c := range cells {
		ix[c]++
	}
}

func (ix refIndex) touches(op CellOp) bool {
	for _, c := range op.Touched() {
		if ix[c] > 0 {
			return true
		}
	}
	return false
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// sortedSet returns the sorted unique ids of in, dropping non-positive ids.
func sortedSet(in []int) []int {
	out := make([]int, 0, len(in))
	for _, c := range in {
		if c > 0 {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
