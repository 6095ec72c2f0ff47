package labels

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

// CellType is a named, colored group of cells in one feature.
type CellType struct {
	ID      int    `json:"id"`
	Feature int    `json:"feature"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Cells   []int  `json:"cells"`
}

// palette is cycled for new cell types.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// CellTypesEvent is the closed set of messages on the cellTypes bus.
type CellTypesEvent interface {
	cellTypesEvent()
}

// LoadCellTypes hands the store its initial collection.
type LoadCellTypes struct {
	CellTypes []CellType
}

// CellTypesSet is broadcast after a load or a restore (CELLTYPES).
type CellTypesSet struct {
	CellTypes []CellType `json:"cellTypes"`
}

// AddCellType creates an empty cell type in Feature (ADD_CELLTYPE).
type AddCellType struct {
	Feature int `json:"feature"`
}

// RemoveCellType deletes a cell type (REMOVE_CELLTYPE).
type RemoveCellType struct {
	ID int `json:"id"`
}

// AddCell adds a member (ADD_CELL).
type AddCell struct {
	ID   int `json:"id"`
	Cell int `json:"cell"`
}

// RemoveCell removes a member (REMOVE_CELL).
type RemoveCell struct {
	ID   int `json:"id"`
	Cell int `json:"cell"`
}

// MultiAddCells adds several members (MULTI_ADD_CELLS).
type MultiAddCells struct {
	ID    int   `json:"id"`
	Cells []int `json:"cells"`
}

// MultiRemoveCells removes several members (MULTI_REMOVE_CELLS).
type MultiRemoveCells struct {
	ID    int   `json:"id"`
	Cells []int `json:"cells"`
}

// EditColor recolors a cell type (EDIT_COLOR).
type EditColor struct {
	ID    int    `json:"id"`
	Color string `json:"color"`
}

// EditName renames a cell type (EDIT_NAME).
type EditName struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Reorder moves a cell type to Index in the list (REORDER).
type Reorder struct {
	ID    int `json:"id"`
	Index int `json:"index"`
}

// RestoreCellTypes is replayed by the history manager.
type RestoreCellTypes struct {
	CellTypes []CellType
}

// CellTypesEdited is broadcast after an edit (EDITED_CELLTYPES).
type CellTypesEdited struct {
	CellTypes []CellType     `json:"cellTypes"`
	Edit      history.EditID `json:"edit"`
}

// CellTypesCellOp is a cell identity edit bridged from the cells bus.
type CellTypesCellOp struct {
	Edit history.EditID
	Op   CellOp
}

func (LoadCellTypes) cellTypesEvent()    {}
func (CellTypesSet) cellTypesEvent()     {}
func (AddCellType) cellTypesEvent()      {}
func (RemoveCellType) cellTypesEvent()   {}
func (AddCell) cellTypesEvent()          {}
func (RemoveCell) cellTypesEvent()       {}
func (MultiAddCells) cellTypesEvent()    {}
func (MultiRemoveCells) cellTypesEvent() {}
func (EditColor) cellTypesEvent()        {}
func (EditName) cellTypesEvent()         {}
func (Reorder) cellTypesEvent()          {}
func (RestoreCellTypes) cellTypesEvent() {}
func (CellTypesEdited) cellTypesEvent()  {}
func (CellTypesCellOp) cellTypesEvent()  {}

// CellTypesEventName maps cellTypes bus events to UI event names.
func CellTypesEventName(e CellTypesEvent) string {
	switch e.(type) {
	case CellTypesSet:
		return "celltypes:set"
	case CellTypesEdited:
		return "celltypes:edited"
	}
	return ""
}

// CellTypeStore owns the cell types.
type CellTypeStore struct {
	machine

	bus    *eventhub.Bus[CellTypesEvent]
	rec    Recorder
	sub    *eventhub.Subscription[CellTypesEvent]
	logger *slog.Logger

	stateMu sync.RWMutex
	types   []CellType
	index   refIndex
}

const cellTypesOwner = "cellTypes"

// NewCellTypeStore creates the store and subscribes it to bus.
func NewCellTypeStore(bus *eventhub.Bus[CellTypesEvent], rec Recorder, logger *slog.Logger) *CellTypeStore {
	s := &CellTypeStore{
		bus:    bus,
		rec:    rec,
		logger: loggerOr(logger).With("store", cellTypesOwner),
		index:  refIndex{},
	}
	s.sub = bus.Subscribe(s.handle)
	return s
}

// CellTypes returns the current collection.
func (s *CellTypeStore) CellTypes() []CellType {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.types
}

func (s *CellTypeStore) handle(e CellTypesEvent) {
	var err error
	switch ev := e.(type) {
	case LoadCellTypes:
		loaded := make([]CellType, len(ev.CellTypes))
		for i, ct := range ev.CellTypes {
			ct.Cells = sortedSet(ct.Cells)
			loaded[i] = ct
		}
		s.set(loaded)
		s.ready()
		s.send(CellTypesSet{CellTypes: loaded})
	case RestoreCellTypes:
		s.set(ev.CellTypes)
		s.send(CellTypesSet{CellTypes: ev.CellTypes})
	case AddCellType:
		err = s.edit("add_celltype", func(ts []CellType) []CellType { return addCellType(ts, ev.Feature) })
	case RemoveCellType:
		err = s.edit("remove_celltype", func(ts []CellType) []CellType {
			return slices.DeleteFunc(slices.Clone(ts), func(ct CellType) bool { return ct.ID == ev.ID })
		})
	case AddCell:
		err = s.edit("add_cell", members(ev.ID, func(cs []int) []int { return append(cs, ev.Cell) }))
	case RemoveCell:
		err = s.edit("remove_cell", members(ev.ID, func(cs []int) []int { return without(cs, ev.Cell) }))
	case MultiAddCells:
		err = s.edit("multi_add_cells", members(ev.ID, func(cs []int) []int { return append(cs, ev.Cells...) }))
	case MultiRemoveCells:
		err = s.edit("multi_remove_cells", members(ev.ID, func(cs []int) []int { return without(cs, ev.Cells...) }))
	case EditColor:
		err = s.edit("edit_color", update(ev.ID, func(ct *CellType) { ct.Color = ev.Color }))
	case EditName:
		err = s.edit("edit_name", update(ev.ID, func(ct *CellType) { ct.Name = ev.Name }))
	case Reorder:
		err = s.edit("reorder", func(ts []CellType) []CellType { return reorder(ts, ev.ID, ev.Index) })
	case CellTypesCellOp:
		err = s.derive(ev)
	}
	if err != nil {
		s.logger.Warn("cell types edit rejected", "event", fmt.Sprintf("%T", e), "error", err)
	}
}

func (s *CellTypeStore) set(ts []CellType) {
	ix := refIndex{}
	for _, ct := range ts {
		ix.add(ct.Cells...)
	}
	s.stateMu.Lock()
	s.types = ts
	s.index = ix
	s.stateMu.Unlock()
}

func (s *CellTypeStore) edit(action string, fn func([]CellType) []CellType) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	prev := s.CellTypes()
	next := fn(prev)
	if cellTypesEqual(prev, next) {
		return nil
	}

	res := s.rec.Reserve(cellTypesOwner)
	defer res.Revert()
	if err := res.Commit(history.Snapshot{
		Owner:  cellTypesOwner,
		Action: action,
		Before: s.restoreCommand(prev),
		After:  s.restoreCommand(next),
	}); err != nil {
		return err
	}
	s.set(next)
	s.send(CellTypesEdited{CellTypes: next, Edit: res.ID()})
	return nil
}

func (s *CellTypeStore) derive(ev CellTypesCellOp) error {
	s.stateMu.RLock()
	touched := s.index.touches(ev.Op)
	prev := s.types
	s.stateMu.RUnlock()
	if !touched {
		return nil
	}

	next := make([]CellType, len(prev))
	for i, ct := range prev {
		mapped := make([]int, 0, len(ct.Cells))
		for _, c := range ct.Cells {
			if m, ok := ev.Op.Map(c); ok {
				mapped = append(mapped, m)
			}
		}
		ct.Cells = sortedSet(mapped)
		next[i] = ct
	}
	if cellTypesEqual(prev, next) {
		return nil
	}
	if err := s.rec.Attach(history.Snapshot{
		Edit:   ev.Edit,
		Owner:  cellTypesOwner,
		Action: string(ev.Op.Kind),
		Before: s.restoreCommand(prev),
		After:  s.restoreCommand(next),
	}); err != nil {
		return err
	}
	s.set(next)
	s.send(CellTypesEdited{CellTypes: next, Edit: ev.Edit})
	return nil
}

func (s *CellTypeStore) restoreCommand(ts []CellType) history.Command {
	bus := s.bus
	return history.CommandFunc(func() error {
		return bus.Send(RestoreCellTypes{CellTypes: ts})
	})
}

func (s *CellTypeStore) send(e CellTypesEvent) {
	if err := s.bus.Send(e, s.sub); err != nil {
		s.logger.Debug("cell types broadcast dropped", "error", err)
	}
}

func addCellType(ts []CellType, feature int) []CellType {
	id := 1
	for _, ct := range ts {
		if ct.ID >= id {
			id = ct.ID + 1
		}
	}
	next := slices.Clone(ts)
	return append(next, CellType{
		ID:      id,
		Feature: feature,
		Name:    fmt.Sprintf("cell type %d", id),
		Color:   palette[(id-1)%len(palette)],
		Cells:   []int{},
	})
}

// update returns an edit that applies fn to the cell type with id.
func update(id int, fn func(*CellType)) func([]CellType) []CellType {
	return func(ts []CellType) []CellType {
		next := slices.Clone(ts)
		for i := range next {
			if next[i].ID == id {
				fn(&next[i])
			}
		}
		return next
	}
}

// members returns an edit that rewrites the member list of id. The result
// is always sorted and de-duplicated.
func members(id int, fn func([]int) []int) func([]CellType) []CellType {
	return update(id, func(ct *CellType) {
		ct.Cells = sortedSet(fn(slices.Clone(ct.Cells)))
	})
}

func without(cells []int, drop ...int) []int {
	return slices.DeleteFunc(cells, func(c int) bool { return slices.Contains(drop, c) })
}

func reorder(ts []CellType, id, index int) []CellType {
	from := slices.IndexFunc(ts, func(ct CellType) bool { return ct.ID == id })
	if from < 0 {
		return ts
	}
	index = max(0, min(index, len(ts)-1))
	next := slices.Clone(ts)
	moved := next[from]
	next = slices.Delete(next, from, from+1)
	return slices.Insert(next, index, moved)
}

func cellTypesEqual(a, b []CellType) bool {
	return slices.EqualFunc(a, b, func(x, y CellType) bool {
		return x.ID == y.ID && x.Feature == y.Feature && x.Name == y.Name &&
			x.Color == y.Color && slices.Equal(x.Cells, y.Cells)
	})
}
