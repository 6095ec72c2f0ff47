package labels

import (
	"log/slog"
	"sync"

	"labelcore/internal/eventhub"
)

// SelectionEvent is the closed set of messages on the selection bus.
type SelectionEvent interface {
	selectionEvent()
}

// Select selects a cell (SELECT).
type Select struct {
	Cell int `json:"cell"`
}

// SelectNew selects an id that no cell uses yet (SELECT_NEW).
type SelectNew struct{}

// Reset clears the selection (RESET).
type Reset struct{}

// Selected is broadcast whenever the selection changes (SELECTED).
type Selected struct {
	Cell int `json:"cell"`
}

// SelectionCellOp is a cell identity edit bridged from the cells bus.
type SelectionCellOp struct {
	Op CellOp
}

func (Select) selectionEvent()          {}
func (SelectNew) selectionEvent()       {}
func (Reset) selectionEvent()           {}
func (Selected) selectionEvent()        {}
func (SelectionCellOp) selectionEvent() {}

// SelectionEventName maps selection bus events to UI event names.
func SelectionEventName(e SelectionEvent) string {
	if _, ok := e.(Selected); ok {
		return "selection:selected"
	}
	return ""
}

// SelectionStore tracks the selected cell. Selection is view state: it
// follows identity edits but never enters the undo history.
type SelectionStore struct {
	bus    *eventhub.Bus[SelectionEvent]
	sub    *eventhub.Subscription[SelectionEvent]
	next   func() int
	logger *slog.Logger

	mu       sync.RWMutex
	selected int
}

// NewSelectionStore creates the store. nextID returns the id SELECT_NEW
// selects.
func NewSelectionStore(bus *eventhub.Bus[SelectionEvent], nextID func() int, logger *slog.Logger) *SelectionStore {
	s := &SelectionStore{
		bus:    bus,
		next:   nextID,
		logger: loggerOr(logger).With("store", "selection"),
	}
	s.sub = bus.Subscribe(s.handle)
	return s
}

// Selected returns the selected cell, 0 when nothing is selected.
func (s *SelectionStore) Selected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

func (s *SelectionStore) handle(e SelectionEvent) {
	switch ev := e.(type) {
	case Select:
		s.set(ev.Cell)
	case SelectNew:
		if s.next != nil {
			s.set(s.next())
		}
	case Reset:
		s.set(0)
	case SelectionCellOp:
		cell, ok := ev.Op.Map(s.Selected())
		if !ok {
			cell = 0
		}
		s.set(cell)
	}
}

func (s *SelectionStore) set(cell int) {
	if cell < 0 {
		cell = 0
	}
	s.mu.Lock()
	changed := s.selected != cell
	s.selected = cell
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.bus.Send(Selected{Cell: cell}, s.sub); err != nil {
		s.logger.Debug("selection broadcast dropped", "error", err)
	}
}
