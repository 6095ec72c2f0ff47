package arrays

import (
	"labelcore/internal/cells"
	"labelcore/internal/history"
)

// Event is the closed set of messages on the arrays bus.
type Event interface {
	arraysEvent()
}

// Load hands the store the project stacks.
type Load struct {
	Stacks Stacks
}

// SetFrame moves the view to frame T (SET_FRAME).
type SetFrame struct {
	T int `json:"t"`
}

// SetChannel changes the displayed raw channel (SET_CHANNEL).
type SetChannel struct {
	Channel int `json:"channel"`
}

// SetFeature changes the displayed labeled feature (SET_FEATURE).
type SetFeature struct {
	Feature int `json:"feature"`
}

// CellsChanged keeps the store's view of the cells current so edits can
// send the displayed slice.
type CellsChanged struct {
	Cells cells.Cells
}

// Edit asks for a pixel edit of the displayed frame (EDIT).
type Edit struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// editDone is posted by the goroutine running the gateway.
type editDone struct {
	res    *history.Reservation
	result EditResult
	err    error
}

// Restore replaces one labeled frame (RESTORE).
type Restore struct {
	T     int
	C     int
	Frame Labeled
}

// RawFrame is broadcast when the displayed raw frame changes (RAW).
type RawFrame struct {
	Channel int `json:"channel"`
	T       int `json:"t"`
	Frame   Raw `json:"frame"`
}

// LabeledFrame is broadcast when the displayed labeled frame changes
// (LABELED).
type LabeledFrame struct {
	Feature int     `json:"feature"`
	T       int     `json:"t"`
	Frame   Labeled `json:"frame"`
}

// LabeledFull carries the whole labeled stack (LABELED_FULL).
type LabeledFull struct {
	Labeled [][]Labeled `json:"labeled"`
}

// EditedSegment is broadcast once an edited frame is applied
// (EDITED_SEGMENT).
type EditedSegment struct {
	Edit    history.EditID     `json:"edit"`
	Labeled Labeled            `json:"labeled"`
	Cells   []cells.LabelPoint `json:"cells"`
	T       int                `json:"t"`
	C       int                `json:"c"`
}

// RestoredSegment is broadcast after a RESTORE (RESTORED_SEGMENT).
type RestoredSegment struct {
	T     int     `json:"t"`
	C     int     `json:"c"`
	Frame Labeled `json:"frame"`
}

// APIError reports a failed pixel edit (API_ERROR). The reservation has
// already been reverted.
type APIError struct {
	Edit history.EditID
	Err  error
}

func (Load) arraysEvent()            {}
func (SetFrame) arraysEvent()        {}
func (SetChannel) arraysEvent()      {}
func (SetFeature) arraysEvent()      {}
func (CellsChanged) arraysEvent()    {}
func (Edit) arraysEvent()            {}
func (editDone) arraysEvent()        {}
func (Restore) arraysEvent()         {}
func (RawFrame) arraysEvent()        {}
func (LabeledFrame) arraysEvent()    {}
func (LabeledFull) arraysEvent()     {}
func (EditedSegment) arraysEvent()   {}
func (RestoredSegment) arraysEvent() {}
func (APIError) arraysEvent()        {}

// EventName maps arrays bus events to UI event names. APIError is surfaced
// separately through the hub's error event.
func EventName(e Event) string {
	switch e.(type) {
	case RawFrame:
		return "arrays:raw"
	case LabeledFrame:
		return "arrays:labeled"
	case LabeledFull:
		return "arrays:labeled_full"
	case EditedSegment:
		return "arrays:edited_segment"
	case RestoredSegment:
		return "arrays:restored_segment"
	}
	return ""
}
