// internal/database/journal.go
package database

import (
	"log/slog"
	"sync"

	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

type journalEntry struct {
	project string
	event   history.Event
}

// Journal writes undo bus activity for the current project to the edits
// table. Writes happen on a background goroutine in bus order.
type Journal struct {
	db     *Database
	logger *slog.Logger

	mu      sync.RWMutex
	project string
	closed  bool

	sub     *eventhub.Subscription[history.Event]
	entries chan journalEntry
	wg      sync.WaitGroup
	once    sync.Once
}

// NewJournal creates a journal over db.
func NewJournal(db *Database, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		db:      db,
		logger:  logger,
		entries: make(chan journalEntry, 256),
	}
}

// SetProject selects the project that later events are journaled under.
// An empty id pauses journaling.
func (j *Journal) SetProject(id string) {
	j.mu.Lock()
	j.project = id
	j.mu.Unlock()
}

// Watch subscribes to bus and starts the writer.
func (j *Journal) Watch(bus *eventhub.Bus[history.Event]) {
	j.sub = bus.Subscribe(func(e history.Event) {
		j.mu.RLock()
		defer j.mu.RUnlock()
		if j.project == "" || j.closed {
			return
		}
		j.entries <- journalEntry{project: j.project, event: e}
	})

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for entry := range j.entries {
			if err := j.write(entry); err != nil {
				j.logger.Warn("journal write failed", "project", entry.project, "error", err)
			}
		}
	}()
}

// Close unsubscribes and flushes pending writes.
func (j *Journal) Close() {
	j.once.Do(func() {
		if j.sub != nil {
			j.sub.Unsubscribe()
		}
		j.mu.Lock()
		j.closed = true
		close(j.entries)
		j.mu.Unlock()
		j.wg.Wait()
	})
}

func (j *Journal) write(entry journalEntry) error {
	p := entry.project
	switch e := entry.event.(type) {
	case history.Saved:
		return j.db.RecordReserved(p, int64(e.Edit), e.Owner)
	case history.Recorded:
		return j.db.RecordSnapshot(p, int64(e.Snapshot.Edit), e.Snapshot.Owner)
	case history.Committed:
		return j.db.SetEditStatus(p, int64(e.Edit), StatusCommitted)
	case history.Reverted:
		return j.db.SetEditStatus(p, int64(e.Edit), StatusReverted)
	case history.Undone:
		return j.db.SetEditStatus(p, int64(e.Edit), StatusUndone)
	case history.Redone:
		return j.db.SetEditStatus(p, int64(e.Edit), StatusRedone)
	}
	return nil
}
