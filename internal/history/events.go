package history

// Event is the closed set of messages on the undo bus.
type Event interface {
	undoEvent()
}

// Undo asks the manager to step back.
type Undo struct{}

// Redo asks the manager to step forward.
type Redo struct{}

// Saved announces a reserved edit id (SAVE).
type Saved struct {
	Edit  EditID `json:"edit"`
	Owner string `json:"owner"`
}

// Recorded announces a snapshot added to a step (SNAPSHOT).
type Recorded struct {
	Snapshot Snapshot `json:"-"`
}

// Committed announces that the reserving store resolved its edit.
type Committed struct {
	Edit EditID `json:"edit"`
}

// Reverted announces a rolled back reservation (REVERT_SAVE).
type Reverted struct {
	Edit EditID `json:"edit"`
}

// Undone announces a replayed undo step.
type Undone struct {
	Edit EditID `json:"edit"`
}

// Redone announces a replayed redo step.
type Redone struct {
	Edit EditID `json:"edit"`
}

func (Undo) undoEvent()      {}
func (Redo) undoEvent()      {}
func (Saved) undoEvent()     {}
func (Recorded) undoEvent()  {}
func (Committed) undoEvent() {}
func (Reverted) undoEvent()  {}
func (Undone) undoEvent()    {}
func (Redone) undoEvent()    {}

// EventName maps undo bus events to UI event names.
func EventName(e Event) string {
	switch e.(type) {
	case Saved:
		return "undo:save"
	case Reverted:
		return "undo:revert"
	case Undone:
		return "undo:undone"
	case Redone:
		return "undo:redone"
	case Committed:
		return "undo:committed"
	}
	return ""
}
