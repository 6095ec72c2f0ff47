// bindings.go
package main

import (
	"labelcore/internal/arrays"
	"labelcore/internal/blob"
	"labelcore/internal/cells"
	"labelcore/internal/checkpoint"
	"labelcore/internal/database"
	"labelcore/internal/history"
	"labelcore/internal/labels"
)

// Bindings is the surface the UI calls over the websocket. Every intention
// is forwarded to its bus; results come back as events.
type Bindings struct {
	app *App
}

// NewBindings exposes app to the UI.
func NewBindings(app *App) *Bindings {
	return &Bindings{app: app}
}

// ============================================================================
// History
// ============================================================================

func (b *Bindings) Undo() error {
	return b.app.undoBus.Send(history.Undo{})
}

func (b *Bindings) Redo() error {
	return b.app.undoBus.Send(history.Redo{})
}

func (b *Bindings) HistoryStatus() history.Status {
	return b.app.history.Status()
}

// ============================================================================
// Cells
// ============================================================================

// Replace folds cell replaced into cell kept everywhere.
func (b *Bindings) Replace(kept, replaced int) error {
	return b.app.buses.Cells.Send(labels.Replace{A: kept, B: replaced})
}

func (b *Bindings) Swap(a, c int) error {
	return b.app.buses.Cells.Send(labels.Swap{A: a, B: c})
}

func (b *Bindings) DeleteCell(cell int) error {
	return b.app.buses.Cells.Send(labels.Delete{Cell: cell})
}

func (b *Bindings) Cells() cells.Cells {
	return b.app.cells.Cells()
}

// CellsAt lists the cells under a label value in frame t of feature.
func (b *Bindings) CellsAt(value, t, feature int) []int {
	return b.app.cells.Cells().CellsAt(value, t, feature)
}

// ============================================================================
// Divisions
// ============================================================================

func (b *Bindings) AddDaughter(parent, daughter, t int) error {
	return b.app.buses.Divisions.Send(labels.AddDaughter{Parent: parent, Daughter: daughter, T: t})
}

func (b *Bindings) RemoveDaughter(daughter int) error {
	return b.app.buses.Divisions.Send(labels.RemoveDaughter{Daughter: daughter})
}

func (b *Bindings) Divisions() []labels.Division {
	return b.app.divisions.Divisions()
}

// ============================================================================
// Cell types
// ============================================================================

func (b *Bindings) AddCellType(feature int) error {
	return b.app.buses.CellTypes.Send(labels.AddCellType{Feature: feature})
}

func (b *Bindings) RemoveCellType(id int) error {
	return b.app.buses.CellTypes.Send(labels.RemoveCellType{ID: id})
}

func (b *Bindings) AddCellToType(id, cell int) error {
	return b.app.buses.CellTypes.Send(labels.AddCell{ID: id, Cell: cell})
}

func (b *Bindings) RemoveCellFromType(id, cell int) error {
	return b.app.buses.CellTypes.Send(labels.RemoveCell{ID: id, Cell: cell})
}

func (b *Bindings) AddCellsToType(id int, ids []int) error {
	return b.app.buses.CellTypes.Send(labels.MultiAddCells{ID: id, Cells: ids})
}

func (b *Bindings) RemoveCellsFromType(id int, ids []int) error {
	return b.app.buses.CellTypes.Send(labels.MultiRemoveCells{ID: id, Cells: ids})
}

func (b *Bindings) SetCellTypeColor(id int, color string) error {
	return b.app.buses.CellTypes.Send(labels.EditColor{ID: id, Color: color})
}

func (b *Bindings) SetCellTypeName(id int, name string) error {
	return b.app.buses.CellTypes.Send(labels.EditName{ID: id, Name: name})
}

func (b *Bindings) ReorderCellType(id, index int) error {
	return b.app.buses.CellTypes.Send(labels.Reorder{ID: id, Index: index})
}

func (b *Bindings) CellTypes() []labels.CellType {
	return b.app.cellTypes.CellTypes()
}

// ============================================================================
// Selection
// ============================================================================

func (b *Bindings) Select(cell int) error {
	return b.app.buses.Selection.Send(labels.Select{Cell: cell})
}

// SelectNew selects the next unused cell id.
func (b *Bindings) SelectNew() error {
	return b.app.buses.Selection.Send(labels.SelectNew{})
}

func (b *Bindings) ResetSelection() error {
	return b.app.buses.Selection.Send(labels.Reset{})
}

func (b *Bindings) Selected() int {
	return b.app.selection.Selected()
}

// ============================================================================
// Arrays
// ============================================================================

func (b *Bindings) SetFrame(t int) error {
	return b.app.arraysBus.Send(arrays.SetFrame{T: t})
}

func (b *Bindings) SetChannel(channel int) error {
	return b.app.arraysBus.Send(arrays.SetChannel{Channel: channel})
}

func (b *Bindings) SetFeature(feature int) error {
	return b.app.arraysBus.Send(arrays.SetFeature{Feature: feature})
}

// EditPixels starts a segmentation edit of the displayed frame. The result
// arrives as an arrays event or an error event.
func (b *Bindings) EditPixels(action string, args map[string]any) error {
	return b.app.arraysBus.Send(arrays.Edit{Action: action, Args: args})
}

// Position is the displayed frame, channel and feature.
type Position struct {
	T       int  `json:"t"`
	Channel int  `json:"channel"`
	Feature int  `json:"feature"`
	Editing bool `json:"editing"`
}

func (b *Bindings) Position() Position {
	t, channel, feature := b.app.arrays.Position()
	return Position{T: t, Channel: channel, Feature: feature, Editing: b.app.arrays.Editing()}
}

func (b *Bindings) Dimensions() arrays.Dimensions {
	return b.app.arrays.Stacks().Dimensions()
}

// ============================================================================
// Projects
// ============================================================================

func (b *Bindings) ImportProject(path string) (*ProjectInfo, error) {
	return b.app.ImportProject(path)
}

func (b *Bindings) OpenProject(key string) (*ProjectInfo, error) {
	return b.app.OpenProject(key)
}

func (b *Bindings) OpenLastProject() (*ProjectInfo, error) {
	return b.app.OpenLastProject()
}

func (b *Bindings) CurrentProject() (*ProjectInfo, error) {
	return b.app.CurrentProject()
}

func (b *Bindings) SaveProject() error {
	return b.app.SaveProject()
}

func (b *Bindings) ExportProject(path string) error {
	return b.app.ExportProject(path)
}

func (b *Bindings) ListProjects() ([]*database.Project, error) {
	return b.app.ListProjects()
}

func (b *Bindings) StoredArchives() ([]blob.Info, error) {
	return b.app.StoredArchives()
}

func (b *Bindings) DeleteProject(id string) error {
	return b.app.DeleteProject(id)
}

func (b *Bindings) EditJournal(limit int) ([]*database.EditRecord, error) {
	return b.app.EditJournal(limit)
}

// ============================================================================
// Checkpoints
// ============================================================================

func (b *Bindings) CreateCheckpoint(description string) (*checkpoint.Checkpoint, error) {
	return b.app.CreateCheckpoint(description)
}

func (b *Bindings) ListCheckpoints() (*checkpoint.Timeline, error) {
	return b.app.ListCheckpoints()
}

func (b *Bindings) RestoreCheckpoint(id string) error {
	return b.app.RestoreCheckpoint(id)
}

func (b *Bindings) ForkCheckpoint(id, name string) (*ProjectInfo, error) {
	return b.app.ForkCheckpoint(id, name)
}
