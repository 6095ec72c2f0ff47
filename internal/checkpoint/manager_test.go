// internal/checkpoint/manager_test.go
package checkpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelcore/internal/config"
	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

type fakeProject struct {
	mu      sync.Mutex
	name    string
	archive []byte
}

func (f *fakeProject) snapshot() (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, append([]byte(nil), f.archive...), nil
}

func (f *fakeProject) set(archive string) {
	f.mu.Lock()
	f.archive = []byte(archive)
	f.mu.Unlock()
}

func newTestManager(t *testing.T, cfg config.CheckpointConfig, p *fakeProject) *Manager {
	t.Helper()
	m := NewManager(newTestStorage(t), cfg, p.snapshot, nil)
	t.Cleanup(m.Close)
	return m
}

func TestManager_CreateAndRestore(t *testing.T) {
	p := &fakeProject{name: "p1", archive: []byte("v1")}
	m := newTestManager(t, config.CheckpointConfig{MaxCheckpoints: 10}, p)

	first, err := m.Create("first", TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, first.ParentID)

	p.archive = []byte("v2")
	second, err := m.Create("second", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ParentID)

	cp, archive, err := m.Restore("p1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", cp.Description)
	assert.Equal(t, []byte("v1"), archive)

	tl, err := m.Timeline("p1")
	require.NoError(t, err)
	require.Len(t, tl.Checkpoints, 2)
	assert.Equal(t, first.ID, tl.CurrentID)
}

func TestManager_NoProject(t *testing.T) {
	m := newTestManager(t, config.CheckpointConfig{}, &fakeProject{})
	_, err := m.Create("x", TriggerManual)
	assert.ErrorIs(t, err, ErrNoProject)
}

func TestManager_CleanupOld(t *testing.T) {
	p := &fakeProject{name: "p1", archive: []byte("data")}
	m := newTestManager(t, config.CheckpointConfig{MaxCheckpoints: 2}, p)

	var ids []string
	for i := 0; i < 4; i++ {
		cp, err := m.Create("", TriggerManual)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		time.Sleep(2 * time.Millisecond)
	}

	tl, err := m.Timeline("p1")
	require.NoError(t, err)
	require.Len(t, tl.Checkpoints, 2)
	assert.Equal(t, ids[2], tl.Checkpoints[0].ID)
	assert.Equal(t, ids[3], tl.Checkpoints[1].ID)
}

func TestManager_Fork(t *testing.T) {
	p := &fakeProject{name: "p1", archive: []byte("data")}
	m := newTestManager(t, config.CheckpointConfig{}, p)

	cp, err := m.Create("", TriggerManual)
	require.NoError(t, err)
	forked, err := m.Fork("p1", cp.ID, "p2")
	require.NoError(t, err)
	assert.Equal(t, TriggerFork, forked.TriggerType)
	assert.Equal(t, cp.ID, forked.ParentID)

	_, archive, err := m.Restore("p2", forked.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), archive)
}

func TestManager_AutosavesEveryInterval(t *testing.T) {
	bus := eventhub.NewBus[history.Event]("undo")
	defer bus.Stop()
	hist := history.NewManager(history.DefaultConfig(), bus, nil)

	p := &fakeProject{name: "p1", archive: []byte("one")}
	m := newTestManager(t, config.CheckpointConfig{Enabled: true, Interval: 2}, p)
	m.Watch(bus)

	commit := func() {
		r := hist.Reserve("cells")
		require.NoError(t, r.Commit())
	}

	commit()
	assert.False(t, m.ShouldAutoCheckpoint())
	commit()
	assert.True(t, m.ShouldAutoCheckpoint())

	// derived stores attach after the commit is announced
	tl, err := m.Timeline("p1")
	require.NoError(t, err)
	assert.Empty(t, tl.Checkpoints)
	p.set("two with derived")

	next := hist.Reserve("cells")
	require.Eventually(t, func() bool {
		tl, err := m.Timeline("p1")
		return err == nil && len(tl.Checkpoints) == 1
	}, 2*time.Second, 10*time.Millisecond)

	tl, err = m.Timeline("p1")
	require.NoError(t, err)
	cp := tl.Checkpoints[0]
	assert.Equal(t, TriggerAuto, cp.TriggerType)
	assert.EqualValues(t, 2, cp.Edit)
	assert.Equal(t, 2, cp.Steps)
	archive, err := m.Archive("p1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("two with derived"), archive)
	assert.False(t, m.ShouldAutoCheckpoint())

	require.NoError(t, next.Commit())
	require.NoError(t, hist.Undo())
	time.Sleep(50 * time.Millisecond)
	tl, err = m.Timeline("p1")
	require.NoError(t, err)
	assert.Len(t, tl.Checkpoints, 1)
}

func TestManager_AutosaveOnUndo(t *testing.T) {
	bus := eventhub.NewBus[history.Event]("undo")
	defer bus.Stop()
	hist := history.NewManager(history.DefaultConfig(), bus, nil)

	p := &fakeProject{name: "p1", archive: []byte("edited")}
	m := newTestManager(t, config.CheckpointConfig{Enabled: true, Interval: 1}, p)
	m.Watch(bus)

	r := hist.Reserve("cells")
	require.NoError(t, r.Commit())
	p.set("undone")
	require.NoError(t, hist.Undo())

	require.Eventually(t, func() bool {
		tl, err := m.Timeline("p1")
		return err == nil && len(tl.Checkpoints) == 1
	}, 2*time.Second, 10*time.Millisecond)
	tl, err := m.Timeline("p1")
	require.NoError(t, err)
	archive, err := m.Archive("p1", tl.Checkpoints[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("undone"), archive)
}

func TestManager_DisabledNeverAutosaves(t *testing.T) {
	m := newTestManager(t, config.CheckpointConfig{Enabled: false, Interval: 1}, &fakeProject{name: "p1"})
	m.track(1)
	assert.False(t, m.ShouldAutoCheckpoint())

	m.UpdateConfig(config.CheckpointConfig{Enabled: true, Interval: 1})
	assert.True(t, m.ShouldAutoCheckpoint())
}

func TestManager_ArchiveAndDelete(t *testing.T) {
	p := &fakeProject{name: "p1", archive: []byte("v1")}
	m := newTestManager(t, config.CheckpointConfig{MaxCheckpoints: 10}, p)

	cp, err := m.Create("only", TriggerManual)
	require.NoError(t, err)

	archive, err := m.Archive("p1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), archive)

	require.NoError(t, m.Delete("p1", cp.ID))
	tl, err := m.Timeline("p1")
	require.NoError(t, err)
	assert.Empty(t, tl.Checkpoints)
	assert.Empty(t, tl.CurrentID)

	_, err = m.Archive("p1", cp.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
