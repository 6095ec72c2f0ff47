// Package watcher reports debounced file changes in a directory and uses
// them to hot reload the config file.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"labelcore/internal/config"
)

// ErrClosed is returned by a closed watcher.
var ErrClosed = errors.New("watcher: closed")

// EventType represents the type of file system event
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event represents a file system event
type Event struct {
	Path string
	Type EventType
}

// Options tune a Watcher.
type Options struct {
	Debounce time.Duration
	// Match filters events by path. Nil accepts everything.
	Match  func(path string) bool
	Logger *slog.Logger
}

// Watcher watches a directory for file system events with debouncing
type Watcher struct {
	opts     Options
	callback func(Event)
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	debounceMu sync.Mutex
	debouncer  map[string]*time.Timer
}

// New creates a Watcher for dir.
func New(dir string, opts Options, callback func(Event)) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch path %s: %w", dir, err)
	}

	return &Watcher{
		opts:      opts,
		callback:  callback,
		watcher:   fw,
		done:      make(chan struct{}),
		debouncer: make(map[string]*time.Timer),
	}, nil
}

// Start starts watching for events
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	go w.watch()
	return nil
}

// Close stops watching and cancels pending callbacks.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.started {
		close(w.done)
	}

	w.debounceMu.Lock()
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.debouncer = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.opts.Match != nil && !w.opts.Match(event.Name) {
		return
	}

	var eventType EventType
	switch {
	case event.Op.Has(fsnotify.Create):
		eventType = EventCreate
	case event.Op.Has(fsnotify.Write):
		eventType = EventModify
	case event.Op.Has(fsnotify.Remove):
		eventType = EventDelete
	case event.Op.Has(fsnotify.Rename):
		eventType = EventRename
	default:
		return
	}
	w.debounceEvent(Event{Path: event.Name, Type: eventType})
}

// debounceEvent collapses bursts of events for one path into the last one.
func (w *Watcher) debounceEvent(e Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debouncer[e.Path]; exists {
		timer.Stop()
	}
	w.debouncer[e.Path] = time.AfterFunc(w.opts.Debounce, func() {
		w.debounceMu.Lock()
		delete(w.debouncer, e.Path)
		w.debounceMu.Unlock()

		w.callback(e)
	})
}

// WatchConfig reloads cfg whenever its file changes and hands every valid
// new config to apply. Invalid edits are logged and ignored.
func WatchConfig(cfg *config.Config, debounce time.Duration, logger *slog.Logger, apply func(*config.Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	target := filepath.Clean(cfg.ConfigPath)
	current := cfg

	var mu sync.Mutex
	w, err := New(filepath.Dir(target), Options{
		Debounce: debounce,
		Match:    func(p string) bool { return filepath.Clean(p) == target },
		Logger:   logger,
	}, func(e Event) {
		if e.Type == EventDelete || e.Type == EventRename {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		next, err := current.Reload()
		if err != nil {
			logger.Warn("config reload rejected", "path", e.Path, "error", err)
			return
		}
		current = next
		logger.Info("config reloaded", "path", e.Path)
		apply(next)
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}
