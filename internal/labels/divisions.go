package labels

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

// Division records a parent cell splitting into daughters at frame T.
type Division struct {
	Parent    int   `json:"parent"`
	Daughters []int `json:"daughters"`
	T         int   `json:"t"`
}

// DivisionsEvent is the closed set of messages on the divisions bus.
type DivisionsEvent interface {
	divisionsEvent()
}

// LoadDivisions hands the store its initial collection.
type LoadDivisions struct {
	Divisions []Division
}

// DivisionsSet is broadcast after a load or a restore (DIVISIONS).
type DivisionsSet struct {
	Divisions []Division `json:"divisions"`
}

// AddDaughter links Daughter to Parent (ADD_DAUGHTER). T is the frame the
// division happens at.
type AddDaughter struct {
	Parent   int `json:"parent"`
	Daughter int `json:"daughter"`
	T        int `json:"t"`
}

// RemoveDaughter unlinks a daughter from its parent (REMOVE_DAUGHTER).
type RemoveDaughter struct {
	Daughter int `json:"daughter"`
}

// RestoreDivisions is replayed by the history manager.
type RestoreDivisions struct {
	Divisions []Division
}

// DivisionsEdited is broadcast after an edit (EDITED_DIVISIONS).
type DivisionsEdited struct {
	Divisions []Division     `json:"divisions"`
	Edit      history.EditID `json:"edit"`
}

// DivisionsCellOp is a cell identity edit bridged from the cells bus.
type DivisionsCellOp struct {
	Edit history.EditID
	Op   CellOp
}

func (LoadDivisions) divisionsEvent()    {}
func (DivisionsSet) divisionsEvent()     {}
func (AddDaughter) divisionsEvent()      {}
func (RemoveDaughter) divisionsEvent()   {}
func (RestoreDivisions) divisionsEvent() {}
func (DivisionsEdited) divisionsEvent()  {}
func (DivisionsCellOp) divisionsEvent()  {}

// DivisionsEventName maps divisions bus events to UI event names.
func DivisionsEventName(e DivisionsEvent) string {
	switch e.(type) {
	case DivisionsSet:
		return "divisions:set"
	case DivisionsEdited:
		return "divisions:edited"
	}
	return ""
}

// DivisionStore owns the lineage.
type DivisionStore struct {
	machine

	bus    *eventhub.Bus[DivisionsEvent]
	rec    Recorder
	sub    *eventhub.Subscription[DivisionsEvent]
	logger *slog.Logger

	stateMu   sync.RWMutex
	divisions []Division
	index     refIndex
}

const divisionsOwner = "divisions"

// NewDivisionStore creates the store and subscribes it to bus.
func NewDivisionStore(bus *eventhub.Bus[DivisionsEvent], rec Recorder, logger *slog.Logger) *DivisionStore {
	s := &DivisionStore{
		bus:    bus,
		rec:    rec,
		logger: loggerOr(logger).With("store", divisionsOwner),
		index:  refIndex{},
	}
	s.sub = bus.Subscribe(s.handle)
	return s
}

// Divisions returns the current collection.
func (s *DivisionStore) Divisions() []Division {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.divisions
}

func (s *DivisionStore) handle(e DivisionsEvent) {
	var err error
	switch ev := e.(type) {
	case LoadDivisions:
		s.set(normalizeDivisions(ev.Divisions))
		s.ready()
		s.send(DivisionsSet{Divisions: s.Divisions()})
	case RestoreDivisions:
		s.set(ev.Divisions)
		s.send(DivisionsSet{Divisions: ev.Divisions})
	case AddDaughter:
		err = s.edit("add_daughter", func(d []Division) []Division {
			return addDaughter(d, ev.Parent, ev.Daughter, ev.T)
		})
	case RemoveDaughter:
		err = s.edit("remove_daughter", func(d []Division) []Division {
			return removeDaughter(d, ev.Daughter)
		})
	case DivisionsCellOp:
		err = s.derive(ev)
	}
	if err != nil {
		s.logger.Warn("divisions edit rejected", "event", fmt.Sprintf("%T", e), "error", err)
	}
}

func (s *DivisionStore) set(d []Division) {
	s.stateMu.Lock()
	s.divisions = d
	s.index = divisionIndex(d)
	s.stateMu.Unlock()
}

func (s *DivisionStore) edit(action string, fn func([]Division) []Division) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	prev := s.Divisions()
	next := fn(prev)
	if divisionsEqual(prev, next) {
		return nil
	}

	res := s.rec.Reserve(divisionsOwner)
	defer res.Revert()
	if err := res.Commit(history.Snapshot{
		Owner:  divisionsOwner,
		Action: action,
		Before: s.restoreCommand(prev),
		After:  s.restoreCommand(next),
	}); err != nil {
		return err
	}
	s.set(next)
	s.send(DivisionsEdited{Divisions: next, Edit: res.ID()})
	return nil
}

// derive replays a cell identity edit on the lineage.
func (s *DivisionStore) derive(ev DivisionsCellOp) error {
	s.stateMu.RLock()
	touched := s.index.touches(ev.Op)
	prev := s.divisions
	s.stateMu.RUnlock()
	if !touched {
		return nil
	}

	next := applyToDivisions(prev, ev.Op)
	if divisionsEqual(prev, next) {
		return nil
	}
	if err := s.rec.Attach(history.Snapshot{
		Edit:   ev.Edit,
		Owner:  divisionsOwner,
		Action: string(ev.Op.Kind),
		Before: s.restoreCommand(prev),
		After:  s.restoreCommand(next),
	}); err != nil {
		return err
	}
	s.set(next)
	s.send(DivisionsEdited{Divisions: next, Edit: ev.Edit})
	return nil
}

func (s *DivisionStore) restoreCommand(d []Division) history.Command {
	bus := s.bus
	return history.CommandFunc(func() error {
		return bus.Send(RestoreDivisions{Divisions: d})
	})
}

func (s *DivisionStore) send(e DivisionsEvent) {
	if err := s.bus.Send(e, s.sub); err != nil {
		s.logger.Debug("divisions broadcast dropped", "error", err)
	}
}

func divisionIndex(divs []Division) refIndex {
	ix := refIndex{}
	for _, d := range divs {
		ix.add(d.Parent)
		ix.add(d.Daughters...)
	}
	return ix
}

// applyToDivisions maps every parent and daughter through op. Cells that
// op removes disappear from the lineage.
func applyToDivisions(divs []Division, op CellOp) []Division {
	out := make([]Division, 0, len(divs))
	for _, d := range divs {
		parent, ok := op.Map(d.Parent)
		if !ok {
			continue
		}
		nd := Division{Parent: parent, T: d.T}
		for _, c := range d.Daughters {
			if m, ok := op.Map(c); ok {
				nd.Daughters = append(nd.Daughters, m)
			}
		}
		out = append(out, nd)
	}
	return normalizeDivisions(out)
}

func addDaughter(divs []Division, parent, daughter, t int) []Division {
	if parent <= 0 || daughter <= 0 || parent == daughter {
		return divs
	}
	out := make([]Division, 0, len(divs)+1)
	found := false
	for _, d := range divs {
		nd := Division{Parent: d.Parent, T: d.T}
		for _, c := range d.Daughters {
			// a cell has a single parent
			if c != daughter {
				nd.Daughters = append(nd.Daughters, c)
			}
		}
		if d.Parent == parent {
			nd.Daughters = append(nd.Daughters, daughter)
			found = true
		}
		out = append(out, nd)
	}
	if !found {
		out = append(out, Division{Parent: parent, Daughters: []int{daughter}, T: t})
	}
	return normalizeDivisions(out)
}

func removeDaughter(divs []Division, daughter int) []Division {
	out := make([]Division, 0, len(divs))
	for _, d := range divs {
		nd := Division{Parent: d.Parent, T: d.T}
		for _, c := range d.Daughters {
			if c != daughter {
				nd.Daughters = append(nd.Daughters, c)
			}
		}
		out = append(out, nd)
	}
	return normalizeDivisions(out)
}

// normalizeDivisions merges divisions that share a parent, de-duplicates
// daughters, drops a parent listed as its own daughter and prunes divisions
// left without a parent or daughters. Order of first appearance is kept.
func normalizeDivisions(divs []Division) []Division {
	out := make([]Division, 0, len(divs))
	byParent := make(map[int]int, len(divs))
	for _, d := range divs {
		if d.Parent <= 0 {
			continue
		}
		i, ok := byParent[d.Parent]
		if !ok {
			i = len(out)
			byParent[d.Parent] = i
			out = append(out, Division{Parent: d.Parent, T: d.T})
		} else if d.T < out[i].T {
			out[i].T = d.T
		}
		for _, c := range d.Daughters {
			if c > 0 && c != d.Parent && !slices.Contains(out[i].Daughters, c) {
				out[i].Daughters = append(out[i].Daughters, c)
			}
		}
	}
	return slices.DeleteFunc(out, func(d Division) bool { return len(d.Daughters) == 0 })
}

func divisionsEqual(a, b []Division) bool {
	return slices.EqualFunc(a, b, func(x, y Division) bool {
		return x.Parent == y.Parent && x.T == y.T && slices.Equal(x.Daughters, y.Daughters)
	})
}
