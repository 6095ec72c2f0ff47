package arrays

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"labelcore/internal/cells"
	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

var (
	// ErrNotReady is returned before the stacks are loaded.
	ErrNotReady = errors.New("arrays: store not ready")
	// ErrEditInFlight is returned for an EDIT while another one runs.
	ErrEditInFlight = errors.New("arrays: edit in flight")
	// ErrOutOfRange is returned for a frame, channel or feature index
	// outside the stacks.
	ErrOutOfRange = errors.New("arrays: index out of range")
)

// View is what the segmentation gateway needs from the displayed slice.
type View struct {
	T       int
	Feature int
	Channel int
	Labeled Labeled
	Raw     *Raw
	Cells   []cells.LabelPoint
}

// EditResult is a frame rewritten by the segmentation service.
type EditResult struct {
	Labeled Labeled
	Cells   []cells.LabelPoint
	T       int
	C       int
}

// Editor runs pixel edits against the segmentation service.
type Editor interface {
	SetView(v View)
	Edit(ctx context.Context, action string, args map[string]any) (EditResult, error)
}

// Reserver hands out edit ids.
type Reserver interface {
	Reserve(owner string) *history.Reservation
}

const owner = "arrays"

// Store holds the stacks and the displayed position.
type Store struct {
	bus    *eventhub.Bus[Event]
	sub    *eventhub.Subscription[Event]
	rec    Reserver
	editor Editor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	ready   bool
	stacks  Stacks
	t       int
	channel int
	feature int
	cells   cells.Cells
	pending *history.Reservation
}

// NewStore creates the store and subscribes it to bus.
func NewStore(bus *eventhub.Bus[Event], rec Reserver, editor Editor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		bus:    bus,
		rec:    rec,
		editor: editor,
		logger: logger.With("store", owner),
		ctx:    ctx,
		cancel: cancel,
	}
	s.sub = bus.Subscribe(s.handle)
	return s
}

// Close cancels an edit in flight and waits for it to resolve.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

// Stacks returns a copy of the stacks.
func (s *Store) Stacks() Stacks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Stacks{Raw: make([][]Raw, len(s.stacks.Raw)), Labeled: s.stacks.LabeledClone()}
	for c, frames := range s.stacks.Raw {
		out.Raw[c] = make([]Raw, len(frames))
		for t, f := range frames {
			out.Raw[c][t] = f.Clone()
		}
	}
	return out
}

// Position returns the displayed frame, channel and feature.
func (s *Store) Position() (t, channel, feature int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t, s.channel, s.feature
}

// Editing reports whether a pixel edit is in flight.
func (s *Store) Editing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending != nil
}

func (s *Store) handle(e Event) {
	var err error
	switch ev := e.(type) {
	case Load:
		s.load(ev.Stacks)
	case SetFrame:
		err = s.move(func() error { return s.setIndex(&s.t, ev.T, s.stacks.Dimensions().NumFrames) })
	case SetChannel:
		err = s.move(func() error { return s.setIndex(&s.channel, ev.Channel, len(s.stacks.Raw)) })
	case SetFeature:
		err = s.move(func() error { return s.setIndex(&s.feature, ev.Feature, len(s.stacks.Labeled)) })
	case CellsChanged:
		s.mu.Lock()
		s.cells = ev.Cells
		s.mu.Unlock()
		s.syncView()
	case Edit:
		err = s.edit(ev)
	case editDone:
		s.finish(ev)
	case Restore:
		err = s.restore(ev)
	}
	if err != nil {
		s.logger.Warn("arrays event rejected", "event", fmt.Sprintf("%T", e), "error", err)
	}
}

// load replaces the stacks. An edit still in flight belongs to the previous
// stacks, so its reservation is dropped and its result ignored.
func (s *Store) load(st Stacks) {
	s.mu.Lock()
	s.stacks = st
	s.t, s.channel, s.feature = 0, 0, 0
	s.ready = true
	stale := s.pending
	s.pending = nil
	s.mu.Unlock()

	if stale != nil {
		stale.Revert()
		s.logger.Debug("edit in flight dropped by load", "edit", stale.ID())
	}

	s.syncView()
	s.broadcastView()
	s.send(LabeledFull{Labeled: s.Stacks().Labeled})
}

func (s *Store) setIndex(dst *int, v, n int) error {
	if v < 0 || v >= n {
		return fmt.Errorf("index %d of %d: %w", v, n, ErrOutOfRange)
	}
	*dst = v
	return nil
}

// move applies a position change under the lock and rebroadcasts the view.
func (s *Store) move(fn func() error) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return ErrNotReady
	}
	err := fn()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.syncView()
	s.broadcastView()
	return nil
}

// view builds the gateway view. Callers hold s.mu.
func (s *Store) viewLocked() (View, bool) {
	if !s.ready || s.feature >= len(s.stacks.Labeled) || s.t >= len(s.stacks.Labeled[s.feature]) {
		return View{}, false
	}
	v := View{
		T:       s.t,
		Feature: s.feature,
		Channel: s.channel,
		Labeled: s.stacks.Labeled[s.feature][s.t].Clone(),
		Cells:   s.cells.Slice(s.t, s.feature),
	}
	if s.channel < len(s.stacks.Raw) && s.t < len(s.stacks.Raw[s.channel]) {
		raw := s.stacks.Raw[s.channel][s.t].Clone()
		v.Raw = &raw
	}
	return v, true
}

func (s *Store) syncView() {
	if s.editor == nil {
		return
	}
	s.mu.RLock()
	v, ok := s.viewLocked()
	s.mu.RUnlock()
	if ok {
		s.editor.SetView(v)
	}
}

func (s *Store) broadcastView() {
	s.mu.RLock()
	v, ok := s.viewLocked()
	s.mu.RUnlock()
	if !ok {
		return
	}
	if v.Raw != nil {
		s.send(RawFrame{Channel: v.Channel, T: v.T, Frame: *v.Raw})
	}
	s.send(LabeledFrame{Feature: v.Feature, T: v.T, Frame: v.Labeled})
}

// edit reserves an edit id and runs the gateway in the background. The
// reservation is resolved when the result re-enters through the bus.
func (s *Store) edit(ev Edit) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.pending != nil {
		s.mu.Unlock()
		return ErrEditInFlight
	}
	if s.editor == nil {
		s.mu.Unlock()
		return errors.New("arrays: no editor configured")
	}
	s.mu.Unlock()

	// Reserve publishes on the undo bus, whose listeners may read the stacks.
	res := s.rec.Reserve(owner)
	s.mu.Lock()
	s.pending = res
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.editor.Edit(s.ctx, ev.Action, ev.Args)
		done := editDone{res: res, result: result, err: err}
		if sendErr := s.bus.Send(done); sendErr != nil {
			// the bus is gone; nobody will commit this edit
			res.Revert()
		}
	}()
	return nil
}

func (s *Store) finish(ev editDone) {
	s.mu.Lock()
	if s.pending != ev.res {
		s.mu.Unlock()
		ev.res.Revert()
		s.logger.Debug("stale edit result dropped", "edit", ev.res.ID())
		return
	}
	s.pending = nil
	s.mu.Unlock()

	if ev.err != nil {
		ev.res.Revert()
		s.send(APIError{Edit: ev.res.ID(), Err: ev.err})
		return
	}

	r := ev.result
	s.mu.Lock()
	if r.C < 0 || r.C >= len(s.stacks.Labeled) || r.T < 0 || r.T >= len(s.stacks.Labeled[r.C]) {
		s.mu.Unlock()
		ev.res.Revert()
		s.send(APIError{Edit: ev.res.ID(), Err: fmt.Errorf("edited frame (%d, %d): %w", r.T, r.C, ErrOutOfRange)})
		return
	}
	prev := s.stacks.Labeled[r.C][r.T]
	s.mu.Unlock()
	next := r.Labeled.Clone()

	if err := ev.res.Commit(history.Snapshot{
		Owner:  owner,
		Action: "edit",
		Before: s.restoreCommand(r.T, r.C, prev),
		After:  s.restoreCommand(r.T, r.C, next),
	}); err != nil {
		s.send(APIError{Edit: ev.res.ID(), Err: err})
		return
	}

	s.mu.Lock()
	s.stacks.Labeled[r.C][r.T] = next
	s.mu.Unlock()

	s.syncView()
	s.send(LabeledFrame{Feature: r.C, T: r.T, Frame: next.Clone()})
	s.send(LabeledFull{Labeled: s.Stacks().Labeled})
	s.send(EditedSegment{
		Edit:    ev.res.ID(),
		Labeled: next.Clone(),
		Cells:   r.Cells,
		T:       r.T,
		C:       r.C,
	})
}

func (s *Store) restore(ev Restore) error {
	s.mu.Lock()
	if ev.C < 0 || ev.C >= len(s.stacks.Labeled) || ev.T < 0 || ev.T >= len(s.stacks.Labeled[ev.C]) {
		s.mu.Unlock()
		return fmt.Errorf("restore frame (%d, %d): %w", ev.T, ev.C, ErrOutOfRange)
	}
	s.stacks.Labeled[ev.C][ev.T] = ev.Frame.Clone()
	s.mu.Unlock()

	s.syncView()
	s.send(RestoredSegment{T: ev.T, C: ev.C, Frame: ev.Frame.Clone()})
	s.send(LabeledFull{Labeled: s.Stacks().Labeled})
	return nil
}

func (s *Store) restoreCommand(t, c int, f Labeled) history.Command {
	bus := s.bus
	return history.CommandFunc(func() error {
		return bus.Send(Restore{T: t, C: c, Frame: f})
	})
}

func (s *Store) send(e Event) {
	if err := s.bus.Send(e, s.sub); err != nil {
		s.logger.Debug("arrays broadcast dropped", "error", err)
	}
}
