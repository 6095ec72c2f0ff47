// app.go
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"labelcore/internal/arrays"
	"labelcore/internal/blob"
	"labelcore/internal/checkpoint"
	"labelcore/internal/config"
	"labelcore/internal/database"
	"labelcore/internal/eventhub"
	"labelcore/internal/history"
	"labelcore/internal/labels"
	"labelcore/internal/metrics"
	"labelcore/internal/project"
	"labelcore/internal/segment"
	"labelcore/internal/watcher"
)

// ErrNoProject is returned by operations that need a loaded project.
var ErrNoProject = errors.New("no project loaded")

const lastProjectSetting = "last_project"

// ProjectInfo identifies the loaded project.
type ProjectInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BlobKey string `json:"blobKey"`
}

// Options replace the defaults NewApp would build from the config.
type Options struct {
	Logger     *slog.Logger
	Level      *slog.LevelVar
	HTTPClient segment.HTTPClient
	Blob       blob.Store
}

// App owns the buses, the stores and the services around them.
type App struct {
	ctx    context.Context
	mu     sync.RWMutex
	config *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	hub       *eventhub.Hub
	buses     labels.Buses
	arraysBus *eventhub.Bus[arrays.Event]
	undoBus   *eventhub.Bus[history.Event]

	history   *history.Manager
	cells     *labels.CellStore
	divisions *labels.DivisionStore
	cellTypes *labels.CellTypeStore
	selection *labels.SelectionStore
	arrays    *arrays.Store
	gateway   *segment.Gateway

	blobs       blob.Store
	db          *database.Database
	journal     *database.Journal
	checkpoints *checkpoint.Manager
	watcher     *watcher.Watcher

	unlink []func()

	project  *ProjectInfo
	channels []string
	spots    []project.Spot
}

// NewApp builds and wires every component from cfg.
func NewApp(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Level == nil {
		opts.Level = new(slog.LevelVar)
		opts.Level.Set(cfg.SlogLevel())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &App{
		ctx:    ctx,
		config: cfg,
		logger: opts.Logger,
		level:  opts.Level,
		blobs:  opts.Blob,
	}

	if a.blobs == nil {
		store, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		a.blobs = store
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	storage, err := checkpoint.NewStorage(cfg.CheckpointDir, cfg.Checkpoint.Level)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.wire(opts.HTTPClient)

	a.journal = database.NewJournal(db, a.logger.With("component", "journal"))
	a.journal.Watch(a.undoBus)

	a.checkpoints = checkpoint.NewManager(storage, cfg.Checkpoint, a.snapshot, a.logger.With("component", "checkpoint"))
	a.checkpoints.Watch(a.undoBus)

	a.logger.Info("labelcore started", "blob", a.blobs.Driver(), "segment", cfg.Segment.URL)
	return a, nil
}

// wire creates the buses and stores and installs every bridge between
// them. Buses never talk to each other except through these bridges.
func (a *App) wire(client segment.HTTPClient) {
	cfg := a.config

	a.hub = eventhub.New(a.logger)
	a.buses = labels.NewBuses()
	a.arraysBus = eventhub.NewBus[arrays.Event]("arrays")
	a.undoBus = eventhub.NewBus[history.Event]("undo")
	for _, l := range []interface{ SetLogger(*slog.Logger) }{
		a.buses.Cells, a.buses.Divisions, a.buses.CellTypes, a.buses.Selection, a.arraysBus, a.undoBus,
	} {
		l.SetLogger(a.logger)
	}

	a.history = history.NewManager(history.Config{MaxSteps: cfg.History.MaxSteps}, a.undoBus, a.logger.With("component", "history"))

	a.cells = labels.NewCellStore(a.buses.Cells, a.history, a.logger)
	a.divisions = labels.NewDivisionStore(a.buses.Divisions, a.history, a.logger)
	a.cellTypes = labels.NewCellTypeStore(a.buses.CellTypes, a.history, a.logger)
	a.selection = labels.NewSelectionStore(a.buses.Selection, func() int {
		return a.cells.Cells().NextCellID()
	}, a.logger)

	a.gateway = segment.New(segmentConfig(cfg), client, a.logger)
	a.arrays = arrays.NewStore(a.arraysBus, a.history, a.gateway, a.logger)

	a.unlink = append(a.unlink, labels.Link(a.buses)...)
	a.unlink = append(a.unlink,
		eventhub.Bridge(a.buses.Cells, a.arraysBus, func(e labels.CellsEvent) (arrays.Event, bool) {
			switch ev := e.(type) {
			case labels.CellsSet:
				return arrays.CellsChanged{Cells: ev.Cells}, true
			case labels.CellsEdited:
				return arrays.CellsChanged{Cells: ev.Cells}, true
			}
			return nil, false
		}).Unsubscribe,
		eventhub.Bridge(a.arraysBus, a.buses.Cells, func(e arrays.Event) (labels.CellsEvent, bool) {
			ev, ok := e.(arrays.EditedSegment)
			if !ok {
				return nil, false
			}
			return labels.SegmentCells{Edit: ev.Edit, T: ev.T, C: ev.C, Points: ev.Cells}, true
		}).Unsubscribe,
		a.arraysBus.Subscribe(func(e arrays.Event) {
			if ev, ok := e.(arrays.APIError); ok {
				a.hub.EmitError("arrays", int64(ev.Edit), ev.Err)
			}
		}).Unsubscribe,

		eventhub.Forward(a.hub, a.buses.Cells, labels.CellsEventName).Unsubscribe,
		eventhub.Forward(a.hub, a.buses.Divisions, labels.DivisionsEventName).Unsubscribe,
		eventhub.Forward(a.hub, a.buses.CellTypes, labels.CellTypesEventName).Unsubscribe,
		eventhub.Forward(a.hub, a.buses.Selection, labels.SelectionEventName).Unsubscribe,
		eventhub.Forward(a.hub, a.arraysBus, arrays.EventName).Unsubscribe,
		eventhub.Forward(a.hub, a.undoBus, history.EventName).Unsubscribe,
		metrics.WatchHistory(a.undoBus).Unsubscribe,
	)
}

func segmentConfig(cfg *config.Config) segment.Config {
	return segment.Config{
		URL:       cfg.Segment.URL,
		Timeout:   cfg.Segment.Timeout,
		WriteMode: cfg.Segment.WriteMode,
	}
}

// WatchConfig hot reloads config.yaml.
func (a *App) WatchConfig() error {
	w, err := watcher.WatchConfig(a.Config(), 250*time.Millisecond, a.logger, a.applyConfig)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
	return nil
}

// applyConfig pushes the settings that can change at runtime. Paths,
// history size and the listen address need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.level.Set(cfg.SlogLevel())
	a.gateway.SetConfig(segmentConfig(cfg))
	a.checkpoints.UpdateConfig(cfg.Checkpoint)

	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()
}

// Config returns the active config.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// SetBroadcaster attaches the UI transport.
func (a *App) SetBroadcaster(b eventhub.Broadcaster) {
	a.hub.SetBroadcaster(b)
}

// Shutdown stops background work and closes every bus and the database.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	if w != nil {
		w.Close()
	}

	a.arrays.Close()
	a.checkpoints.Close()
	a.journal.Close()
	for _, unsubscribe := range a.unlink {
		unsubscribe()
	}
	a.buses.Stop()
	a.arraysBus.Stop()
	a.undoBus.Stop()

	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
	a.logger.Info("labelcore shutdown complete")
}

// load hands p to every store and starts a fresh history for it.
func (a *App) load(info ProjectInfo, p *project.Project) error {
	a.history.Clear()

	a.mu.Lock()
	a.project = &info
	a.channels = p.Channels
	a.spots = p.Spots
	a.mu.Unlock()
	a.journal.SetProject(info.ID)

	sends := []func() error{
		func() error { return a.buses.Cells.Send(labels.LoadCells{Cells: p.Cells}) },
		func() error { return a.buses.Divisions.Send(labels.LoadDivisions{Divisions: p.Divisions}) },
		func() error { return a.buses.CellTypes.Send(labels.LoadCellTypes{CellTypes: p.CellTypes}) },
		func() error { return a.buses.Selection.Send(labels.Reset{}) },
		func() error { return a.arraysBus.Send(arrays.Load{Stacks: p.Stacks}) },
	}
	for _, send := range sends {
		if err := send(); err != nil {
			return err
		}
	}

	dims := p.Dimensions
	if dims == (arrays.Dimensions{}) {
		dims = p.Stacks.Dimensions()
	}
	if err := a.db.SaveProject(&database.Project{
		ID:          info.ID,
		Name:        info.Name,
		BlobKey:     info.BlobKey,
		Width:       dims.Width,
		Height:      dims.Height,
		NumFrames:   dims.NumFrames,
		NumChannels: dims.NumChannels,
		NumFeatures: dims.NumFeatures,
	}); err != nil {
		a.logger.Warn("record project", "project", info.ID, "error", err)
	}
	if err := a.db.SaveSetting(lastProjectSetting, info.ID); err != nil {
		a.logger.Warn("record last project", "error", err)
	}
	a.logger.Info("project loaded", "project", info.ID, "name", info.Name,
		"frames", dims.NumFrames, "features", dims.NumFeatures, "cells", p.Cells.Len())
	return nil
}

// current assembles the loaded project from the stores.
func (a *App) current() (ProjectInfo, *project.Project, error) {
	a.mu.RLock()
	info := a.project
	channels := a.channels
	spots := a.spots
	a.mu.RUnlock()
	if info == nil {
		return ProjectInfo{}, nil, ErrNoProject
	}
	stacks := a.arrays.Stacks()
	return *info, &project.Project{
		Dimensions: stacks.Dimensions(),
		Stacks:     stacks,
		Channels:   channels,
		Cells:      a.cells.Cells(),
		CellTypes:  a.cellTypes.CellTypes(),
		Divisions:  a.divisions.Divisions(),
		Spots:      spots,
	}, nil
}

// snapshot feeds the checkpoint manager.
func (a *App) snapshot() (string, []byte, error) {
	info, p, err := a.current()
	if errors.Is(err, ErrNoProject) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	data, err := project.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return info.ID, data, nil
}

// openKey loads the archive stored under key.
func (a *App) openKey(key, name string) (*ProjectInfo, error) {
	data, err := blob.ReadAll(a.ctx, a.blobs, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	p, err := project.Decode(data)
	if err != nil {
		return nil, err
	}

	info := ProjectInfo{ID: uuid.New().String(), Name: name, BlobKey: key}
	if known, err := a.projectByKey(key); err == nil {
		info.ID = known.ID
		if name == "" {
			info.Name = known.Name
		}
	}
	if info.Name == "" {
		info.Name = key
	}
	if err := a.load(info, p); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *App) projectByKey(key string) (*database.Project, error) {
	projects, err := a.db.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.BlobKey == key {
			return p, nil
		}
	}
	return nil, database.ErrNotFound
}

// putArchive stores data under key.
func (a *App) putArchive(key string, data []byte) error {
	_, err := a.blobs.Put(a.ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: "application/zip"})
	return err
}
