package labels

import (
	"fmt"
	"log/slog"
	"sync"

	"labelcore/internal/cells"
	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

// CellsEvent is the closed set of messages on the cells bus.
type CellsEvent interface {
	cellsEvent()
}

// LoadCells hands the store its initial collection.
type LoadCells struct {
	Cells cells.Cells
}

// CellsSet is broadcast after a load or a restore (CELLS).
type CellsSet struct {
	Cells cells.Cells `json:"cells"`
}

// Replace folds cell B into cell A (REPLACE).
type Replace struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Swap exchanges cells A and B (SWAP).
type Swap struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Delete removes a cell (DELETE).
type Delete struct {
	Cell int `json:"cell"`
}

// SegmentCells carries the cells of a slice rewritten by a pixel edit. Edit
// is the id reserved by the array store for that edit.
type SegmentCells struct {
	Edit   history.EditID
	T      int
	C      int
	Points []cells.LabelPoint
}

// RestoreCells is replayed by the history manager.
type RestoreCells struct {
	Cells cells.Cells
}

// CellsEdited is broadcast after an edit (EDITED_CELLS).
type CellsEdited struct {
	Cells cells.Cells    `json:"cells"`
	Edit  history.EditID `json:"edit"`
	Op    CellOp         `json:"op"`
}

func (LoadCells) cellsEvent()    {}
func (CellsSet) cellsEvent()     {}
func (Replace) cellsEvent()      {}
func (Swap) cellsEvent()         {}
func (Delete) cellsEvent()       {}
func (SegmentCells) cellsEvent() {}
func (RestoreCells) cellsEvent() {}
func (CellsEdited) cellsEvent()  {}

// CellsEventName maps cells bus events to UI event names.
func CellsEventName(e CellsEvent) string {
	switch e.(type) {
	case CellsSet:
		return "cells:set"
	case CellsEdited:
		return "cells:edited"
	}
	return ""
}

// CellStore owns the label points.
type CellStore struct {
	machine

	bus    *eventhub.Bus[CellsEvent]
	rec    Recorder
	sub    *eventhub.Subscription[CellsEvent]
	logger *slog.Logger

	stateMu sync.RWMutex
	cells   cells.Cells
}

const cellsOwner = "cells"

// NewCellStore creates the store and subscribes it to bus.
func NewCellStore(bus *eventhub.Bus[CellsEvent], rec Recorder, logger *slog.Logger) *CellStore {
	s := &CellStore{
		bus:    bus,
		rec:    rec,
		logger: loggerOr(logger).With("store", cellsOwner),
	}
	s.sub = bus.Subscribe(s.handle)
	return s
}

// Cells returns the current collection.
func (s *CellStore) Cells() cells.Cells {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.cells
}

func (s *CellStore) handle(e CellsEvent) {
	var err error
	switch ev := e.(type) {
	case LoadCells:
		s.load(ev.Cells)
	case RestoreCells:
		s.restore(ev.Cells)
	case Replace:
		err = s.edit(CellOp{Kind: OpReplace, A: ev.A, B: ev.B})
	case Swap:
		err = s.edit(CellOp{Kind: OpSwap, A: ev.A, B: ev.B})
	case Delete:
		err = s.edit(CellOp{Kind: OpDelete, Cell: ev.Cell})
	case SegmentCells:
		err = s.applySegment(ev)
	}
	if err != nil {
		s.logger.Warn("cells edit rejected", "event", fmt.Sprintf("%T", e), "error", err)
	}
}

func (s *CellStore) setCells(c cells.Cells) {
	s.stateMu.Lock()
	s.cells = c
	s.stateMu.Unlock()
}

func (s *CellStore) load(c cells.Cells) {
	s.setCells(c)
	s.ready()
	s.send(CellsSet{Cells: c})
}

func (s *CellStore) restore(c cells.Cells) {
	s.setCells(c)
	s.send(CellsSet{Cells: c})
}

func (s *CellStore) edit(op CellOp) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.stateMu.RLock()
	prev := s.cells
	var next cells.Cells
	switch op.Kind {
	case OpReplace:
		next = prev.Replace(op.A, op.B)
	case OpSwap:
		next = prev.Swap(op.A, op.B)
	case OpDelete:
		next = prev.Delete(op.Cell)
	default:
		s.stateMu.RUnlock()
		return fmt.Errorf("unsupported cells op %q", op.Kind)
	}
	s.stateMu.RUnlock()
	if next.Equal(prev) {
		return nil
	}

	res := s.rec.Reserve(cellsOwner)
	defer res.Revert()
	if err := res.Commit(history.Snapshot{
		Owner:  cellsOwner,
		Action: string(op.Kind),
		Before: s.restoreCommand(prev),
		After:  s.restoreCommand(next),
	}); err != nil {
		return err
	}
	s.setCells(next)
	s.send(CellsEdited{Cells: next, Edit: res.ID(), Op: op})
	return nil
}

// applySegment replaces the points of one slice with those returned by the
// segmentation service. The snapshot joins the array store's edit.
func (s *CellStore) applySegment(ev SegmentCells) error {
	if s.Phase() != PhaseReady {
		return ErrNotReady
	}

	prev := s.Cells()
	next := prev.WithSlice(ev.T, ev.C, ev.Points)
	if next.Equal(prev) {
		return nil
	}

	var removed []int
	for _, id := range prev.IDs() {
		if !next.Has(id) {
			removed = append(removed, id)
		}
	}

	if err := s.rec.Attach(history.Snapshot{
		Edit:   ev.Edit,
		Owner:  cellsOwner,
		Action: string(OpSegment),
		Before: s.restoreCommand(prev),
		After:  s.restoreCommand(next),
	}); err != nil {
		return err
	}
	s.setCells(next)
	s.send(CellsEdited{Cells: next, Edit: ev.Edit, Op: CellOp{Kind: OpSegment, Removed: removed}})
	return nil
}

func (s *CellStore) restoreCommand(c cells.Cells) history.Command {
	bus := s.bus
	return history.CommandFunc(func() error {
		return bus.Send(RestoreCells{Cells: c})
	})
}

func (s *CellStore) send(e CellsEvent) {
	if err := s.bus.Send(e, s.sub); err != nil {
		s.logger.Debug("cells broadcast dropped", "error", err)
	}
}
