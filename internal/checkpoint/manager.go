// internal/checkpoint/manager.go
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labelcore/internal/config"
	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

// ErrNoProject is returned when nothing is loaded to checkpoint.
var ErrNoProject = errors.New("checkpoint: no project loaded")

// SnapshotFunc returns the current project id and its archive.
type SnapshotFunc func() (project string, archive []byte, err error)

// Manager saves checkpoints on demand and every Interval committed edits.
type Manager struct {
	storage  *Storage
	snapshot SnapshotFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	cfg       config.CheckpointConfig
	committed int
	lastAt    int
	lastEdit  int64
	due       bool
	current   *Checkpoint

	sub     *eventhub.Subscription[history.Event]
	trigger chan archiveCapture
	done    chan struct{}
	wg      sync.WaitGroup
}

// archiveCapture is a project archive taken at a known step count.
type archiveCapture struct {
	project string
	archive []byte
	edit    int64
	steps   int
}

// NewManager creates a checkpoint manager
func NewManager(storage *Storage, cfg config.CheckpointConfig, snapshot SnapshotFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage:  storage,
		snapshot: snapshot,
		logger:   logger,
		cfg:      cfg,
		trigger:  make(chan archiveCapture, 1),
		done:     make(chan struct{}),
	}
}

// Watch counts Committed events on the undo bus. Once the interval is
// reached the project is captured at the next reservation, undo or redo,
// when every store has applied its part of the committed edit. The archive
// is written in the background.
func (m *Manager) Watch(bus *eventhub.Bus[history.Event]) {
	m.sub = bus.Subscribe(func(e history.Event) {
		switch ev := e.(type) {
		case history.Committed:
			m.track(int64(ev.Edit))
		case history.Saved, history.Undone, history.Redone:
			if m.takeDue() {
				m.queueAutosave()
			}
		}
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case c := <-m.trigger:
				if _, err := m.save(c, "autosave", TriggerAuto); err != nil {
					m.logger.Warn("autosave failed", "project", c.project, "error", err)
				}
			case <-m.done:
				return
			}
		}
	}()
}

// Close stops autosaving.
func (m *Manager) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
}

func (m *Manager) track(edit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed++
	m.lastEdit = edit
	if m.shouldLocked() {
		m.due = true
	}
}

func (m *Manager) takeDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.due && m.shouldLocked()
	m.due = false
	return due
}

func (m *Manager) queueAutosave() {
	c, err := m.capture()
	if err != nil {
		if !errors.Is(err, ErrNoProject) {
			m.logger.Warn("autosave snapshot failed", "error", err)
		}
		return
	}
	select {
	case m.trigger <- c:
	default:
		// still writing the previous one; the next commit marks it due again
		m.logger.Debug("autosave skipped", "project", c.project, "edit", c.edit)
	}
}

// ShouldAutoCheckpoint reports whether enough edits were committed since
// the last checkpoint.
func (m *Manager) ShouldAutoCheckpoint() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shouldLocked()
}

func (m *Manager) shouldLocked() bool {
	if !m.cfg.Enabled || m.cfg.Interval <= 0 {
		return false
	}
	return m.committed-m.lastAt >= m.cfg.Interval
}

// UpdateConfig swaps in new settings. The compression level only applies
// to storage created afterwards.
func (m *Manager) UpdateConfig(cfg config.CheckpointConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the current settings.
func (m *Manager) Config() config.CheckpointConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Create snapshots the project and saves it, then applies retention.
func (m *Manager) Create(description, trigger string) (*Checkpoint, error) {
	c, err := m.capture()
	if err != nil {
		return nil, err
	}
	return m.save(c, description, trigger)
}

func (m *Manager) capture() (archiveCapture, error) {
	project, archive, err := m.snapshot()
	if err != nil {
		return archiveCapture{}, err
	}
	if project == "" {
		return archiveCapture{}, ErrNoProject
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAt = m.committed
	return archiveCapture{project: project, archive: archive, edit: m.lastEdit, steps: m.committed}, nil
}

func (m *Manager) save(c archiveCapture, description, trigger string) (*Checkpoint, error) {
	m.mu.Lock()
	cp := &Checkpoint{
		ID:          GenerateID(),
		Project:     c.project,
		Edit:        c.edit,
		Steps:       c.steps,
		Timestamp:   time.Now(),
		Description: description,
		TriggerType: trigger,
	}
	if m.current != nil && m.current.Project == c.project {
		cp.ParentID = m.current.ID
	}
	m.mu.Unlock()

	if err := m.storage.Save(cp, c.archive); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	m.mu.Lock()
	m.current = cp
	m.mu.Unlock()
	m.logger.Info("checkpoint saved", "project", c.project, "id", cp.ID, "trigger", trigger, "size", cp.Size)

	if n, err := m.CleanupOld(c.project); err != nil {
		m.logger.Warn("checkpoint cleanup failed", "project", c.project, "error", err)
	} else if n > 0 {
		m.logger.Debug("old checkpoints removed", "project", c.project, "count", n)
	}
	return cp, nil
}

// Restore loads a checkpoint's archive and makes it the current one.
func (m *Manager) Restore(project, id string) (*Checkpoint, []byte, error) {
	cp, archive, err := m.storage.Load(project, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	m.mu.Lock()
	m.current = cp
	m.lastAt = m.committed
	m.mu.Unlock()
	return cp, archive, nil
}

// Archive returns a checkpoint's archive without making it current.
func (m *Manager) Archive(project, id string) ([]byte, error) {
	_, archive, err := m.storage.Load(project, id)
	return archive, err
}

// Fork copies a checkpoint into another project.
func (m *Manager) Fork(project, id, newProject string) (*Checkpoint, error) {
	cp, archive, err := m.storage.Load(project, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	forked := &Checkpoint{
		ID:          GenerateID(),
		Project:     newProject,
		ParentID:    cp.ID,
		Edit:        cp.Edit,
		Steps:       cp.Steps,
		Timestamp:   time.Now(),
		Description: fmt.Sprintf("Forked from %s/%s", project, id),
		TriggerType: TriggerFork,
	}
	if err := m.storage.Save(forked, archive); err != nil {
		return nil, fmt.Errorf("save forked checkpoint: %w", err)
	}
	return forked, nil
}

// Timeline lists a project's checkpoints and marks the current one.
func (m *Manager) Timeline(project string) (*Timeline, error) {
	checkpoints, err := m.storage.List(project)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	tl := &Timeline{Project: project, Checkpoints: checkpoints}
	if tl.Checkpoints == nil {
		tl.Checkpoints = []Checkpoint{}
	}

	m.mu.RLock()
	if m.current != nil && m.current.Project == project {
		tl.CurrentID = m.current.ID
	}
	m.mu.RUnlock()
	return tl, nil
}

// Delete removes one checkpoint.
func (m *Manager) Delete(project, id string) error {
	m.mu.Lock()
	if m.current != nil && m.current.Project == project && m.current.ID == id {
		m.current = nil
	}
	m.mu.Unlock()
	return m.storage.Delete(project, id)
}

// CleanupOld deletes the oldest checkpoints beyond MaxCheckpoints. Zero
// keeps everything.
func (m *Manager) CleanupOld(project string) (int, error) {
	m.mu.RLock()
	keep := m.cfg.MaxCheckpoints
	m.mu.RUnlock()
	if keep <= 0 {
		return 0, nil
	}

	checkpoints, err := m.storage.List(project)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(checkpoints) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, cp := range checkpoints[:len(checkpoints)-keep] {
		if err := m.storage.Delete(project, cp.ID); err != nil {
			m.logger.Warn("delete checkpoint failed", "id", cp.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
