// Package history records undoable edits as paired restore commands.
//
// A store that is about to edit reserves an edit id, applies its change and
// commits a Snapshot under that id. Stores that change as a consequence of
// the same user action attach their own snapshots to the same id, so one
// undo step rewinds all of them. The manager never looks inside a command;
// it only replays it.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labelcore/internal/eventhub"
)

// EditID correlates every snapshot produced by one user action.
type EditID int64

var (
	// ErrEditPending is returned by Undo and Redo while a reservation is
	// still waiting for its edit to resolve.
	ErrEditPending = errors.New("history: edit pending")
	// ErrNothingToUndo is returned when the cursor is at the start.
	ErrNothingToUndo = errors.New("history: nothing to undo")
	// ErrNothingToRedo is returned when the cursor is at the end.
	ErrNothingToRedo = errors.New("history: nothing to redo")
	// ErrUnknownEdit is returned when attaching to an id that is not in
	// the history.
	ErrUnknownEdit = errors.New("history: unknown edit")
)

// Command restores one store to a state. Replaying it twice must leave the
// store exactly as replaying it once.
type Command interface {
	Replay() error
}

// CommandFunc adapts a function to Command.
type CommandFunc func() error

// Replay calls f.
func (f CommandFunc) Replay() error { return f() }

// Snapshot is the unit of undo for one store.
type Snapshot struct {
	Edit   EditID
	Owner  string
	Action string
	Before Command
	After  Command
}

type step struct {
	edit      EditID
	pending   bool
	snapshots []Snapshot
	at        time.Time
}

// Config holds retention settings.
type Config struct {
	MaxSteps int
}

// DefaultConfig returns the default retention.
func DefaultConfig() Config {
	return Config{MaxSteps: 500}
}

// Manager owns the undo steps and the cursor. steps[:cursor] have been
// applied; steps[cursor:] can be redone.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	steps  []*step
	cursor int
	nextID EditID
	bus    *eventhub.Bus[Event]
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a manager that announces activity on bus.
func NewManager(cfg Config, bus *eventhub.Bus[Event], logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	m := &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	if bus != nil {
		bus.Subscribe(m.handle)
	}
	return m
}

func (m *Manager) handle(event Event) {
	var err error
	switch event.(type) {
	case Undo:
		err = m.Undo()
	case Redo:
		err = m.Redo()
	default:
		return
	}
	if err != nil && !errors.Is(err, ErrNothingToUndo) && !errors.Is(err, ErrNothingToRedo) {
		m.logger.Warn("history replay refused", "error", err)
	}
}

// Reserve allocates the next edit id and opens a pending step at the
// cursor. Any redo tail is discarded. The returned reservation must be
// committed or reverted.
func (m *Manager) Reserve(owner string) *Reservation {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.steps = append(m.steps[:m.cursor], &step{edit: id, pending: true, at: m.now()})
	m.cursor = len(m.steps)
	m.trimLocked()
	m.mu.Unlock()

	m.logger.Debug("edit reserved", "edit", id, "owner", owner)
	m.publish(Saved{Edit: id, Owner: owner})
	return &Reservation{m: m, id: id, owner: owner}
}

// Attach adds a snapshot to an existing step. Derived stores use it to fold
// their consequential change into the edit that caused it.
func (m *Manager) Attach(s Snapshot) error {
	m.mu.Lock()
	st := m.findLocked(s.Edit)
	if st == nil {
		m.mu.Unlock()
		return fmt.Errorf("attach %s snapshot to edit %d: %w", s.Owner, s.Edit, ErrUnknownEdit)
	}
	st.snapshots = append(st.snapshots, s)
	m.mu.Unlock()

	m.publish(Recorded{Snapshot: s})
	return nil
}

func (m *Manager) commit(id EditID, snaps []Snapshot) error {
	m.mu.Lock()
	st := m.findLocked(id)
	if st == nil {
		m.mu.Unlock()
		return fmt.Errorf("commit edit %d: %w", id, ErrUnknownEdit)
	}
	st.pending = false
	st.snapshots = append(st.snapshots, snaps...)
	m.mu.Unlock()

	for _, s := range snaps {
		m.publish(Recorded{Snapshot: s})
	}
	m.publish(Committed{Edit: id})
	return nil
}

// revert drops the reserved step. A step already dropped by Clear is not
// announced again.
func (m *Manager) revert(id EditID) {
	m.mu.Lock()
	found := false
	for i, st := range m.steps {
		if st.edit != id {
			continue
		}
		m.steps = append(m.steps[:i], m.steps[i+1:]...)
		if i < m.cursor {
			m.cursor--
		}
		found = true
		break
	}
	m.mu.Unlock()

	if !found {
		return
	}
	m.logger.Debug("edit reverted", "edit", id)
	m.publish(Reverted{Edit: id})
}

// Undo replays the before commands of the step at the cursor, newest
// snapshot first, and moves the cursor back.
func (m *Manager) Undo() error {
	m.mu.Lock()
	if m.pendingLocked() {
		m.mu.Unlock()
		return ErrEditPending
	}
	if m.cursor == 0 {
		m.mu.Unlock()
		return ErrNothingToUndo
	}
	st := m.steps[m.cursor-1]
	m.cursor--
	snaps := append([]Snapshot(nil), st.snapshots...)
	m.mu.Unlock()

	var errs []error
	for i := len(snaps) - 1; i >= 0; i-- {
		if err := snaps[i].Before.Replay(); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", snaps[i].Owner, err))
		}
	}
	m.publish(Undone{Edit: st.edit})
	return errors.Join(errs...)
}

// Redo replays the after commands of the next step in recording order and
// moves the cursor forward.
func (m *Manager) Redo() error {
	m.mu.Lock()
	if m.pendingLocked() {
		m.mu.Unlock()
		return ErrEditPending
	}
	if m.cursor == len(m.steps) {
		m.mu.Unlock()
		return ErrNothingToRedo
	}
	st := m.steps[m.cursor]
	m.cursor++
	snaps := append([]Snapshot(nil), st.snapshots...)
	m.mu.Unlock()

	var errs []error
	for _, s := range snaps {
		if err := s.After.Replay(); err != nil {
			errs = append(errs, fmt.Errorf("redo %s: %w", s.Owner, err))
		}
	}
	m.publish(Redone{Edit: st.edit})
	return errors.Join(errs...)
}

// CanUndo reports whether Undo would replay something.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor > 0 && !m.pendingLocked()
}

// CanRedo reports whether Redo would replay something.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor < len(m.steps) && !m.pendingLocked()
}

// Status summarizes the history for the UI.
type Status struct {
	Steps   int  `json:"steps"`
	Cursor  int  `json:"cursor"`
	CanUndo bool `json:"canUndo"`
	CanRedo bool `json:"canRedo"`
	Pending bool `json:"pending"`
}

// Status returns the current history summary.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingLocked()
	return Status{
		Steps:   len(m.steps),
		Cursor:  m.cursor,
		CanUndo: m.cursor > 0 && !pending,
		CanRedo: m.cursor < len(m.steps) && !pending,
		Pending: pending,
	}
}

// Clear drops every step. Used when a new project is loaded.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.steps = nil
	m.cursor = 0
	m.mu.Unlock()
}

func (m *Manager) findLocked(id EditID) *step {
	for i := len(m.steps) - 1; i >= 0; i-- {
		if m.steps[i].edit == id {
			return m.steps[i]
		}
	}
	return nil
}

func (m *Manager) pendingLocked() bool {
	for _, st := range m.steps {
		if st.pending {
			return true
		}
	}
	return false
}

// trimLocked drops the oldest resolved steps beyond MaxSteps.
func (m *Manager) trimLocked() {
	for len(m.steps) > m.cfg.MaxSteps && !m.steps[0].pending {
		m.steps = m.steps[1:]
		m.cursor--
	}
}

func (m *Manager) publish(e Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Send(e); err != nil && !errors.Is(err, eventhub.ErrStopped) {
		m.logger.Warn("history publish failed", "error", err)
	}
}

// Reservation is an edit id that has been handed out but not yet resolved.
// Exactly one of Commit or Revert takes effect; later calls are no-ops.
type Reservation struct {
	m     *Manager
	id    EditID
	owner string

	mu   sync.Mutex
	done bool
}

// ID returns the reserved edit id.
func (r *Reservation) ID() EditID {
	return r.id
}

// Commit records the owner's snapshots and closes the reservation.
func (r *Reservation) Commit(snaps ...Snapshot) error {
	if !r.resolve() {
		return nil
	}
	for i := range snaps {
		snaps[i].Edit = r.id
		if snaps[i].Owner == "" {
			snaps[i].Owner = r.owner
		}
	}
	return r.m.commit(r.id, snaps)
}

// Revert removes the reserved step. Deferring Revert right after Reserve
// guarantees the reservation is resolved on every exit path.
func (r *Reservation) Revert() {
	if !r.resolve() {
		return
	}
	r.m.revert(r.id)
}

// Resolved reports whether Commit or Revert has run.
func (r *Reservation) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Reservation) resolve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	return true
}
