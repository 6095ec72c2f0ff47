package labels

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelcore/internal/cells"
	"labelcore/internal/history"
)

type fixture struct {
	hist  *history.Manager
	buses Buses
	cells *CellStore
	divs  *DivisionStore
	types *CellTypeStore
	sel   *SelectionStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hist:  history.NewManager(history.DefaultConfig(), nil, nil),
		buses: NewBuses(),
	}
	f.cells = NewCellStore(f.buses.Cells, f.hist, nil)
	f.divs = NewDivisionStore(f.buses.Divisions, f.hist, nil)
	f.types = NewCellTypeStore(f.buses.CellTypes, f.hist, nil)
	f.sel = NewSelectionStore(f.buses.Selection, func() int { return f.cells.Cells().NextCellID() }, nil)
	Link(f.buses)
	t.Cleanup(f.buses.Stop)
	return f
}

func (f *fixture) load(t *testing.T, ids []int, divs []Division, types []CellType) {
	t.Helper()
	pts := make([]cells.LabelPoint, len(ids))
	for i, id := range ids {
		pts[i] = cells.LabelPoint{Value: i + 1, Cell: id}
	}
	require.NoError(t, f.buses.Cells.Send(LoadCells{Cells: cells.New(pts)}))
	require.NoError(t, f.buses.Divisions.Send(LoadDivisions{Divisions: divs}))
	require.NoError(t, f.buses.CellTypes.Send(LoadCellTypes{CellTypes: types}))
}

func TestDivisions_DeletingDaughtersPrunesDivision(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{5, 6, 7}, []Division{{Parent: 5, Daughters: []int{6, 7}, T: 3}}, nil)

	require.NoError(t, f.buses.Cells.Send(Delete{Cell: 6}))
	assert.Equal(t, []Division{{Parent: 5, Daughters: []int{7}, T: 3}}, f.divs.Divisions())

	require.NoError(t, f.buses.Cells.Send(Delete{Cell: 7}))
	assert.Empty(t, f.divs.Divisions())
	assert.Equal(t, []int{5}, f.cells.Cells().IDs())

	require.NoError(t, f.hist.Undo())
	assert.Equal(t, []Division{{Parent: 5, Daughters: []int{7}, T: 3}}, f.divs.Divisions())
	assert.Equal(t, []int{5, 7}, f.cells.Cells().IDs())

	require.NoError(t, f.hist.Undo())
	assert.Equal(t, []Division{{Parent: 5, Daughters: []int{6, 7}, T: 3}}, f.divs.Divisions())
	assert.Equal(t, []int{5, 6, 7}, f.cells.Cells().IDs())
}

func TestCellStore_NoopEditRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{1, 2}, nil, nil)

	var edited int
	f.buses.Cells.Subscribe(func(e CellsEvent) {
		if _, ok := e.(CellsEdited); ok {
			edited++
		}
	})

	require.NoError(t, f.buses.Cells.Send(Replace{A: 1, B: 99}))
	require.NoError(t, f.buses.Cells.Send(Swap{A: 98, B: 99}))
	require.NoError(t, f.buses.Cells.Send(Delete{Cell: 99}))

	assert.Zero(t, edited)
	assert.Equal(t, 0, f.hist.Status().Steps)
	assert.Equal(t, []int{1, 2}, f.cells.Cells().IDs())
}

func TestCellStore_RejectsEditBeforeReady(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, PhaseLoading, f.cells.Phase())
	assert.ErrorIs(t, f.cells.edit(CellOp{Kind: OpDelete, Cell: 1}), ErrNotReady)
}

func TestCellStore_RejectsSecondEditInFlight(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{1, 2}, nil, nil)

	require.NoError(t, f.cells.begin())
	assert.True(t, f.cells.Editing())
	assert.ErrorIs(t, f.cells.edit(CellOp{Kind: OpDelete, Cell: 1}), ErrEditInFlight)
	f.cells.end()

	require.NoError(t, f.cells.edit(CellOp{Kind: OpDelete, Cell: 1}))
	assert.Equal(t, []int{2}, f.cells.Cells().IDs())
}

func TestCellStore_EditedCarriesEditAndOp(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{1, 2}, nil, nil)

	var got []CellsEdited
	f.buses.Cells.Subscribe(func(e CellsEvent) {
		if ev, ok := e.(CellsEdited); ok {
			got = append(got, ev)
		}
	})

	require.NoError(t, f.buses.Cells.Send(Replace{A: 1, B: 2}))
	require.Len(t, got, 1)
	assert.Equal(t, history.EditID(1), got[0].Edit)
	assert.Equal(t, CellOp{Kind: OpReplace, A: 1, B: 2}, got[0].Op)
	assert.Equal(t, []int{1}, got[0].Cells.IDs())
}

func TestCellTypes_MultiAddDeduplicates(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{2, 3, 4}, nil, []CellType{{ID: 1, Name: "a", Cells: []int{3, 2, 3}}})
	assert.Equal(t, []int{2, 3}, f.types.CellTypes()[0].Cells)

	require.NoError(t, f.buses.CellTypes.Send(MultiAddCells{ID: 1, Cells: []int{3, 4, 4, 2}}))
	assert.Equal(t, []int{2, 3, 4}, f.types.CellTypes()[0].Cells)
	assert.Equal(t, 1, f.hist.Status().Steps)

	require.NoError(t, f.buses.CellTypes.Send(MultiAddCells{ID: 1, Cells: []int{2, 3}}))
	assert.Equal(t, 1, f.hist.Status().Steps)

	require.NoError(t, f.buses.CellTypes.Send(MultiRemoveCells{ID: 1, Cells: []int{2, 4, 9}}))
	assert.Equal(t, []int{3}, f.types.CellTypes()[0].Cells)

	require.NoError(t, f.hist.Undo())
	assert.Equal(t, []int{2, 3, 4}, f.types.CellTypes()[0].Cells)
}

func TestCellTypes_FollowReplaceAndUndo(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{1, 2}, nil, []CellType{{ID: 1, Cells: []int{2}}})

	require.NoError(t, f.buses.Cells.Send(Replace{A: 1, B: 2}))
	assert.Equal(t, []int{1}, f.types.CellTypes()[0].Cells)
	assert.Equal(t, 1, f.hist.Status().Steps)

	require.NoError(t, f.hist.Undo())
	assert.Equal(t, []int{2}, f.types.CellTypes()[0].Cells)
	assert.Equal(t, []int{1, 2}, f.cells.Cells().IDs())

	require.NoError(t, f.hist.Redo())
	assert.Equal(t, []int{1}, f.types.CellTypes()[0].Cells)
	assert.Equal(t, []int{1}, f.cells.Cells().IDs())
}

func TestCellTypes_UnrelatedEditIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{1, 2}, nil, []CellType{{ID: 1, Cells: []int{1}}})

	var edited int
	f.buses.CellTypes.Subscribe(func(e CellTypesEvent) {
		if _, ok := e.(CellTypesEdited); ok {
			edited++
		}
	})

	require.NoError(t, f.buses.Cells.Send(Swap{A: 2, B: 3}))
	assert.Equal(t, []int{1}, f.types.CellTypes()[0].Cells)
	assert.Zero(t, edited)
}

func TestCellTypes_Editing(t *testing.T) {
	f := newFixture(t)
	f.load(t, nil, nil, nil)

	require.NoError(t, f.buses.CellTypes.Send(AddCellType{Feature: 0}))
	require.NoError(t, f.buses.CellTypes.Send(AddCellType{Feature: 1}))
	require.NoError(t, f.buses.CellTypes.Send(EditName{ID: 2, Name: "mitotic"}))
	require.NoError(t, f.buses.CellTypes.Send(EditColor{ID: 2, Color: "#000000"}))
	require.NoError(t, f.buses.CellTypes.Send(Reorder{ID: 2, Index: 0}))
	require.NoError(t, f.buses.CellTypes.Send(AddCell{ID: 1, Cell: 4}))

	want := []CellType{
		{ID: 2, Feature: 1, Name: "mitotic", Color: "#000000", Cells: []int{}},
		{ID: 1, Feature: 0, Name: "cell type 1", Color: palette[0], Cells: []int{4}},
	}
	if diff := cmp.Diff(want, f.types.CellTypes()); diff != "" {
		t.Fatalf("cell types mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, f.buses.CellTypes.Send(RemoveCell{ID: 1, Cell: 4}))
	require.NoError(t, f.buses.CellTypes.Send(RemoveCellType{ID: 2}))
	require.Len(t, f.types.CellTypes(), 1)
	assert.Equal(t, 1, f.types.CellTypes()[0].ID)
	assert.Empty(t, f.types.CellTypes()[0].Cells)
	assert.Equal(t, 8, f.hist.Status().Steps)
}

func TestDivisions_AddAndRemoveDaughter(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{5, 6, 8}, nil, nil)

	require.NoError(t, f.buses.Divisions.Send(AddDaughter{Parent: 5, Daughter: 6, T: 2}))
	assert.Equal(t, []Division{{Parent: 5, Daughters: []int{6}, T: 2}}, f.divs.Divisions())

	require.NoError(t, f.buses.Divisions.Send(AddDaughter{Parent: 8, Daughter: 6, T: 3}))
	assert.Equal(t, []Division{{Parent: 8, Daughters: []int{6}, T: 3}}, f.divs.Divisions())

	require.NoError(t, f.buses.Divisions.Send(AddDaughter{Parent: 8, Daughter: 8, T: 3}))
	assert.Equal(t, 2, f.hist.Status().Steps)

	require.NoError(t, f.buses.Divisions.Send(RemoveDaughter{Daughter: 6}))
	assert.Empty(t, f.divs.Divisions())

	require.NoError(t, f.hist.Undo())
	assert.Equal(t, []Division{{Parent: 8, Daughters: []int{6}, T: 3}}, f.divs.Divisions())
}

func TestSegmentCells_PrunesCellsThatDisappear(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{1, 2}, []Division{{Parent: 1, Daughters: []int{2}}}, []CellType{{ID: 1, Cells: []int{1, 2}}})

	res := f.hist.Reserve("arrays")
	require.NoError(t, res.Commit())
	require.NoError(t, f.buses.Cells.Send(SegmentCells{
		Edit:   res.ID(),
		Points: []cells.LabelPoint{{Value: 1, Cell: 1}, {Value: 3, Cell: 3}},
	}))

	assert.Equal(t, []int{1, 3}, f.cells.Cells().IDs())
	assert.Empty(t, f.divs.Divisions())
	assert.Equal(t, []int{1}, f.types.CellTypes()[0].Cells)
	assert.Equal(t, 1, f.hist.Status().Steps)

	require.NoError(t, f.hist.Undo())
	assert.Equal(t, []int{1, 2}, f.cells.Cells().IDs())
	assert.Equal(t, []Division{{Parent: 1, Daughters: []int{2}}}, f.divs.Divisions())
	assert.Equal(t, []int{1, 2}, f.types.CellTypes()[0].Cells)
}

func TestSelection_FollowsIdentityEdits(t *testing.T) {
	f := newFixture(t)
	f.load(t, []int{2, 3}, nil, nil)

	require.NoError(t, f.buses.Selection.Send(Select{Cell: 2}))
	require.NoError(t, f.buses.Cells.Send(Swap{A: 2, B: 3}))
	assert.Equal(t, 3, f.sel.Selected())

	require.NoError(t, f.buses.Cells.Send(Delete{Cell: 3}))
	assert.Equal(t, 0, f.sel.Selected())

	require.NoError(t, f.buses.Selection.Send(SelectNew{}))
	assert.Equal(t, 3, f.sel.Selected())

	require.NoError(t, f.buses.Selection.Send(Reset{}))
	assert.Equal(t, 0, f.sel.Selected())
	assert.Equal(t, 2, f.hist.Status().Steps)
}

func TestNormalizeDivisions(t *testing.T) {
	in := []Division{
		{Parent: 1, Daughters: []int{2, 2, 1}, T: 4},
		{Parent: 0, Daughters: []int{9}},
		{Parent: 3},
		{Parent: 1, Daughters: []int{5}, T: 2},
	}
	want := []Division{{Parent: 1, Daughters: []int{2, 5}, T: 2}}
	assert.Equal(t, want, normalizeDivisions(in))
}

func TestCellOp_Map(t *testing.T) {
	tests := []struct {
		name string
		op   CellOp
		in   int
		out  int
		ok   bool
	}{
		{"replace folds b", CellOp{Kind: OpReplace, A: 1, B: 2}, 2, 1, true},
		{"replace keeps a", CellOp{Kind: OpReplace, A: 1, B: 2}, 1, 1, true},
		{"swap", CellOp{Kind: OpSwap, A: 1, B: 2}, 1, 2, true},
		{"delete", CellOp{Kind: OpDelete, Cell: 4}, 4, 0, false},
		{"segment removed", CellOp{Kind: OpSegment, Removed: []int{7}}, 7, 0, false},
		{"untouched", CellOp{Kind: OpDelete, Cell: 4}, 5, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := tt.op.Map(tt.in)
			assert.Equal(t, tt.out, out)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestStores_UnknownEditLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	divs := []Division{{Parent: 1, Daughters: []int{2}}}
	f.load(t, []int{1, 2}, divs, []CellType{{ID: 1, Cells: []int{1, 2}}})

	var edited int
	f.buses.Cells.Subscribe(func(e CellsEvent) {
		if _, ok := e.(CellsEdited); ok {
			edited++
		}
	})
	f.buses.Divisions.Subscribe(func(e DivisionsEvent) {
		if _, ok := e.(DivisionsEdited); ok {
			edited++
		}
	})
	f.buses.CellTypes.Subscribe(func(e CellTypesEvent) {
		if _, ok := e.(CellTypesEdited); ok {
			edited++
		}
	})

	stale := history.EditID(42)
	require.NoError(t, f.buses.Cells.Send(SegmentCells{
		Edit:   stale,
		Points: []cells.LabelPoint{{Value: 1, Cell: 1}, {Value: 9, Cell: 9}},
	}))
	require.NoError(t, f.buses.Divisions.Send(DivisionsCellOp{Edit: stale, Op: CellOp{Kind: OpDelete, Cell: 2}}))
	require.NoError(t, f.buses.CellTypes.Send(CellTypesCellOp{Edit: stale, Op: CellOp{Kind: OpDelete, Cell: 2}}))

	assert.Equal(t, []int{1, 2}, f.cells.Cells().IDs())
	assert.Equal(t, divs, f.divs.Divisions())
	assert.Equal(t, []int{1, 2}, f.types.CellTypes()[0].Cells)
	assert.Zero(t, edited)
	assert.Equal(t, 0, f.hist.Status().Steps)
}

func TestCellEdits_PropagateToDivisionsAndCellTypes(t *testing.T) {
	divs := []Division{{Parent: 1, Daughters: []int{2, 3}, T: 2}}
	types := []CellType{{ID: 1, Cells: []int{1, 2}}, {ID: 2, Cells: []int{3, 4}}}

	tests := []struct {
		name      string
		edit      CellsEvent
		cells     []int
		divisions []Division
		types     [][]int
	}{
		{
			name:      "delete parent",
			edit:      Delete{Cell: 1},
			cells:     []int{2, 3, 4},
			divisions: []Division{},
			types:     [][]int{{2}, {3, 4}},
		},
		{
			name:      "delete daughter in type",
			edit:      Delete{Cell: 2},
			cells:     []int{1, 3, 4},
			divisions: []Division{{Parent: 1, Daughters: []int{3}, T: 2}},
			types:     [][]int{{1}, {3, 4}},
		},
		{
			name:      "delete type member",
			edit:      Delete{Cell: 4},
			cells:     []int{1, 2, 3},
			divisions: divs,
			types:     [][]int{{1, 2}, {3}},
		},
		{
			name:      "swap parent and daughter",
			edit:      Swap{A: 1, B: 3},
			cells:     []int{1, 2, 3, 4},
			divisions: []Division{{Parent: 3, Daughters: []int{2, 1}, T: 2}},
			types:     [][]int{{2, 3}, {1, 4}},
		},
		{
			name:      "swap daughter with outsider",
			edit:      Swap{A: 2, B: 4},
			cells:     []int{1, 2, 3, 4},
			divisions: []Division{{Parent: 1, Daughters: []int{4, 3}, T: 2}},
			types:     [][]int{{1, 4}, {2, 3}},
		},
	}

	typeCells := func(ts []CellType) [][]int {
		out := make([][]int, len(ts))
		for i, ct := range ts {
			out[i] = ct.Cells
		}
		return out
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.load(t, []int{1, 2, 3, 4}, divs, types)
			beforeDivs := f.divs.Divisions()
			beforeTypes := typeCells(f.types.CellTypes())

			require.NoError(t, f.buses.Cells.Send(tt.edit))
			assert.Equal(t, tt.cells, f.cells.Cells().IDs())
			if diff := cmp.Diff(tt.divisions, f.divs.Divisions()); diff != "" {
				t.Fatalf("divisions mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.types, typeCells(f.types.CellTypes()))
			assert.Equal(t, 1, f.hist.Status().Steps)

			require.NoError(t, f.hist.Undo())
			assert.Equal(t, []int{1, 2, 3, 4}, f.cells.Cells().IDs())
			assert.Equal(t, beforeDivs, f.divs.Divisions())
			assert.Equal(t, beforeTypes, typeCells(f.types.CellTypes()))

			require.NoError(t, f.hist.Redo())
			assert.Equal(t, tt.cells, f.cells.Cells().IDs())
			if diff := cmp.Diff(tt.divisions, f.divs.Divisions()); diff != "" {
				t.Fatalf("divisions mismatch after redo (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.types, typeCells(f.types.CellTypes()))
		})
	}
}
