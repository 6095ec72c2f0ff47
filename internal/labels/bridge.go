package labels

import (
	"labelcore/internal/eventhub"
)

// Buses groups the buses of the label stores.
type Buses struct {
	Cells     *eventhub.Bus[CellsEvent]
	Divisions *eventhub.Bus[DivisionsEvent]
	CellTypes *eventhub.Bus[CellTypesEvent]
	Selection *eventhub.Bus[SelectionEvent]
}

// NewBuses creates one bus per store.
func NewBuses() Buses {
	return Buses{
		Cells:     eventhub.NewBus[CellsEvent]("cells"),
		Divisions: eventhub.NewBus[DivisionsEvent]("divisions"),
		CellTypes: eventhub.NewBus[CellTypesEvent]("cellTypes"),
		Selection: eventhub.NewBus[SelectionEvent]("selection"),
	}
}

// Link installs the bridges that carry cell identity edits to the stores
// that refer to cells. Only edits travel; loads and restores stay on the
// cells bus because every store restores itself from its own snapshots.
func Link(b Buses) []func() {
	subs := []func(){
		eventhub.Bridge(b.Cells, b.Divisions, func(e CellsEvent) (DivisionsEvent, bool) {
			ev, ok := e.(CellsEdited)
			if !ok {
				return nil, false
			}
			return DivisionsCellOp{Edit: ev.Edit, Op: ev.Op}, true
		}).Unsubscribe,
		eventhub.Bridge(b.Cells, b.CellTypes, func(e CellsEvent) (CellTypesEvent, bool) {
			ev, ok := e.(CellsEdited)
			if !ok {
				return nil, false
			}
			return CellTypesCellOp{Edit: ev.Edit, Op: ev.Op}, true
		}).Unsubscribe,
		eventhub.Bridge(b.Cells, b.Selection, func(e CellsEvent) (SelectionEvent, bool) {
			ev, ok := e.(CellsEdited)
			if !ok {
				return nil, false
			}
			return SelectionCellOp{Op: ev.Op}, true
		}).Unsubscribe,
	}
	return subs
}

// Stop stops every bus.
func (b Buses) Stop() {
	b.Cells.Stop()
	b.Divisions.Stop()
	b.CellTypes.Stop()
	b.Selection.Stop()
}
