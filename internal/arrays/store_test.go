package arrays

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelcore/internal/cells"
	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

type fakeEditor struct {
	mu      sync.Mutex
	view    View
	calls   int
	release chan struct{}
	err     error
}

func (f *fakeEditor) SetView(v View) {
	f.mu.Lock()
	f.view = v
	f.mu.Unlock()
}

func (f *fakeEditor) Edit(ctx context.Context, action string, args map[string]any) (EditResult, error) {
	f.mu.Lock()
	f.calls++
	v := f.view
	release, err := f.release, f.err
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return EditResult{}, err
	}
	out := v.Labeled.Clone()
	for i := range out.Pix {
		out.Pix[i] = 7
	}
	return EditResult{Labeled: out, Cells: []cells.LabelPoint{{Value: 7, Cell: 7, T: v.T, C: v.Feature}}, T: v.T, C: v.Feature}, nil
}

func (f *fakeEditor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder(bus *eventhub.Bus[Event]) *recorder {
	r := &recorder{ch: make(chan Event, 64)}
	bus.Subscribe(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		r.ch <- e
	})
	return r
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if n := EventName(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func seen[T Event](r *recorder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

// await returns the first event of type T, waiting up to a second.
func await[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-r.ch:
			if v, ok := e.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func testStacks() Stacks {
	lab0, lab1 := NewLabeled(2, 2), NewLabeled(2, 2)
	lab0.Pix[0], lab1.Pix[3] = 1, 2
	return Stacks{
		Raw:     [][]Raw{{NewRaw(2, 2), NewRaw(2, 2)}},
		Labeled: [][]Labeled{{lab0, lab1}},
	}
}

func newTestStore(t *testing.T, ed *fakeEditor) (*Store, *eventhub.Bus[Event], *history.Manager, *recorder) {
	t.Helper()
	bus := eventhub.NewBus[Event]("arrays")
	hist := history.NewManager(history.DefaultConfig(), nil, nil)
	s := NewStore(bus, hist, ed, nil)
	rec := newRecorder(bus)
	t.Cleanup(func() {
		s.Close()
		bus.Stop()
	})
	return s, bus, hist, rec
}

func TestStore_LoadAndNavigate(t *testing.T) {
	ed := &fakeEditor{}
	s, bus, _, rec := newTestStore(t, ed)

	require.NoError(t, bus.Send(Load{Stacks: testStacks()}))
	assert.Equal(t, []string{"arrays:raw", "arrays:labeled", "arrays:labeled_full"}, rec.names())

	require.NoError(t, bus.Send(SetFrame{T: 1}))
	tt, _, _ := s.Position()
	assert.Equal(t, 1, tt)
	assert.Equal(t, 1, ed.view.T)
	assert.Equal(t, int32(2), ed.view.Labeled.Pix[3])

	require.NoError(t, bus.Send(SetFrame{T: 5}))
	require.NoError(t, bus.Send(SetFeature{Feature: 1}))
	tt, _, feature := s.Position()
	assert.Equal(t, 1, tt)
	assert.Equal(t, 0, feature)
	assert.Len(t, rec.names(), 5)
}

func TestStore_EditReplacesOneFrame(t *testing.T) {
	ed := &fakeEditor{}
	s, bus, hist, rec := newTestStore(t, ed)
	require.NoError(t, bus.Send(Load{Stacks: testStacks()}))
	require.NoError(t, bus.Send(SetFrame{T: 1}))

	require.NoError(t, bus.Send(Edit{Action: "flood"}))
	edited := await[EditedSegment](t, rec)

	assert.Equal(t, history.EditID(1), edited.Edit)
	assert.Equal(t, 1, edited.T)
	assert.Equal(t, []cells.LabelPoint{{Value: 7, Cell: 7, T: 1}}, edited.Cells)

	st := s.Stacks()
	assert.Equal(t, []int32{1, 0, 0, 0}, st.Labeled[0][0].Pix)
	assert.Equal(t, []int32{7, 7, 7, 7}, st.Labeled[0][1].Pix)
	assert.False(t, s.Editing())
	assert.Equal(t, history.Status{Steps: 1, Cursor: 1, CanUndo: true}, hist.Status())

	require.NoError(t, hist.Undo())
	restored := await[RestoredSegment](t, rec)
	assert.Equal(t, []int32{0, 0, 0, 2}, restored.Frame.Pix)
	assert.Equal(t, []int32{0, 0, 0, 2}, s.Stacks().Labeled[0][1].Pix)

	require.NoError(t, hist.Redo())
	redone := await[RestoredSegment](t, rec)
	assert.Equal(t, []int32{7, 7, 7, 7}, redone.Frame.Pix)
	assert.Equal(t, []int32{7, 7, 7, 7}, s.Stacks().Labeled[0][1].Pix)
}

func TestStore_EditFailureRevertsReservation(t *testing.T) {
	boom := errors.New("service down")
	ed := &fakeEditor{err: boom}
	s, bus, hist, rec := newTestStore(t, ed)
	require.NoError(t, bus.Send(Load{Stacks: testStacks()}))

	require.NoError(t, bus.Send(Edit{Action: "flood"}))
	apiErr := await[APIError](t, rec)

	assert.ErrorIs(t, apiErr.Err, boom)
	assert.False(t, s.Editing())
	assert.Equal(t, history.Status{}, hist.Status())
	assert.Equal(t, testStacks().Labeled, s.Stacks().Labeled)
}

func TestStore_SecondEditWhileInFlightIsRefused(t *testing.T) {
	release := make(chan struct{})
	ed := &fakeEditor{release: release}
	s, bus, hist, rec := newTestStore(t, ed)
	require.NoError(t, bus.Send(Load{Stacks: testStacks()}))

	require.NoError(t, bus.Send(Edit{Action: "flood"}))
	require.Eventually(t, func() bool { return ed.Calls() == 1 }, time.Second, time.Millisecond)
	assert.True(t, s.Editing())
	assert.ErrorIs(t, hist.Undo(), history.ErrEditPending)

	require.NoError(t, bus.Send(Edit{Action: "flood"}))
	close(release)
	await[EditedSegment](t, rec)

	assert.Equal(t, 1, ed.Calls())
	assert.Equal(t, 1, hist.Status().Steps)
}

func TestStore_LoadDropsEditInFlight(t *testing.T) {
	release := make(chan struct{})
	ed := &fakeEditor{release: release}
	s, bus, hist, rec := newTestStore(t, ed)
	require.NoError(t, bus.Send(Load{Stacks: testStacks()}))

	require.NoError(t, bus.Send(Edit{Action: "flood"}))
	require.Eventually(t, func() bool { return ed.Calls() == 1 }, time.Second, time.Millisecond)
	assert.True(t, hist.Status().Pending)

	reloaded := testStacks()
	reloaded.Labeled[0][0].Pix[1] = 3
	require.NoError(t, bus.Send(Load{Stacks: reloaded}))
	assert.False(t, s.Editing())
	assert.Equal(t, history.Status{}, hist.Status())

	close(release)
	s.Close()

	st := s.Stacks()
	assert.Equal(t, int32(1), st.Labeled[0][0].At(0, 0))
	assert.Equal(t, int32(3), st.Labeled[0][0].At(1, 0))
	want := testStacks()
	want.Labeled[0][0].Pix[1] = 3
	assert.Equal(t, want.Labeled, st.Labeled)
	assert.False(t, seen[EditedSegment](rec))
	assert.False(t, seen[APIError](rec))
	assert.Equal(t, history.Status{}, hist.Status())
}

func TestStore_CommitFailureKeepsFrame(t *testing.T) {
	release := make(chan struct{})
	ed := &fakeEditor{release: release}
	s, bus, hist, rec := newTestStore(t, ed)
	require.NoError(t, bus.Send(Load{Stacks: testStacks()}))

	require.NoError(t, bus.Send(Edit{Action: "flood"}))
	require.Eventually(t, func() bool { return ed.Calls() == 1 }, time.Second, time.Millisecond)
	hist.Clear()
	close(release)

	apiErr := await[APIError](t, rec)
	assert.ErrorIs(t, apiErr.Err, history.ErrUnknownEdit)
	assert.Equal(t, history.EditID(1), apiErr.Edit)
	assert.False(t, s.Editing())
	assert.Equal(t, testStacks().Labeled, s.Stacks().Labeled)
	assert.False(t, seen[EditedSegment](rec))
}

func TestStore_EditBeforeLoad(t *testing.T) {
	ed := &fakeEditor{}
	s, _, _, _ := newTestStore(t, ed)
	assert.ErrorIs(t, s.edit(Edit{Action: "flood"}), ErrNotReady)
}

func TestFrameCodec(t *testing.T) {
	lab := Labeled{Width: 2, Height: 1, Pix: []int32{-1, 1 << 20}}
	got, err := DecodeLabeled(EncodeLabeled(lab), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, lab, got)
	assert.Equal(t, int32(1<<20), got.At(1, 0))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0x10, 0}, EncodeLabeled(lab))

	raw := Raw{Width: 1, Height: 1, Pix: []float32{1.5}}
	gotRaw, err := DecodeRaw(EncodeRaw(raw), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, raw, gotRaw)

	_, err = DecodeLabeled([]byte{1, 2, 3}, 1, 1)
	assert.ErrorIs(t, err, ErrFrameSize)
}
