// project.go
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"labelcore/internal/blob"
	"labelcore/internal/checkpoint"
	"labelcore/internal/database"
	"labelcore/internal/project"
)

const projectPrefix = "projects/"

// ImportProject copies an archive from disk into blob storage and opens it.
func (a *App) ImportProject(path string) (*ProjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := project.Decode(data); err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}
	key := projectPrefix + uuid.New().String() + ".zip"
	if err := a.putArchive(key, data); err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return a.openKey(key, name)
}

// OpenProject loads the archive stored under key.
func (a *App) OpenProject(key string) (*ProjectInfo, error) {
	return a.openKey(key, "")
}

// OpenLastProject reopens the project loaded most recently, if any.
func (a *App) OpenLastProject() (*ProjectInfo, error) {
	id, err := a.db.GetSetting(lastProjectSetting)
	if err != nil {
		return nil, err
	}
	p, err := a.db.GetProject(id)
	if err != nil {
		return nil, err
	}
	return a.openKey(p.BlobKey, p.Name)
}

// CurrentProject returns the loaded project or ErrNoProject.
func (a *App) CurrentProject() (*ProjectInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.project == nil {
		return nil, ErrNoProject
	}
	info := *a.project
	return &info, nil
}

// SaveProject writes the current state back to the project's blob.
func (a *App) SaveProject() error {
	info, p, err := a.current()
	if err != nil {
		return err
	}
	data, err := project.Marshal(p)
	if err != nil {
		return err
	}
	if err := a.putArchive(info.BlobKey, data); err != nil {
		return fmt.Errorf("save %s: %w", info.BlobKey, err)
	}
	a.logger.Info("project saved", "project", info.ID, "key", info.BlobKey, "bytes", len(data))
	return nil
}

// ExportProject writes the current state to a local archive.
func (a *App) ExportProject(path string) error {
	_, p, err := a.current()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := project.Encode(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ExportStored copies a stored archive to a local file without loading it.
func (a *App) ExportStored(key, path string) error {
	data, err := blob.ReadAll(a.ctx, a.blobs, key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ListProjects returns the known projects, most recently opened first.
func (a *App) ListProjects() ([]*database.Project, error) {
	return a.db.ListProjects()
}

// StoredArchives lists the archives in blob storage.
func (a *App) StoredArchives() ([]blob.Info, error) {
	return a.blobs.List(a.ctx, projectPrefix)
}

// DeleteProject forgets a project and removes its archive and checkpoints.
// The loaded project cannot be deleted.
func (a *App) DeleteProject(id string) error {
	if cur, err := a.CurrentProject(); err == nil && cur.ID == id {
		return fmt.Errorf("project %s is open", id)
	}
	p, err := a.db.GetProject(id)
	if err != nil {
		return err
	}
	if _, err := a.blobs.Delete(a.ctx, p.BlobKey); err != nil {
		return err
	}
	timeline, err := a.checkpoints.Timeline(id)
	if err == nil {
		for _, cp := range timeline.Checkpoints {
			if err := a.checkpoints.Delete(id, cp.ID); err != nil {
				a.logger.Warn("delete checkpoint", "project", id, "id", cp.ID, "error", err)
			}
		}
	}
	return a.db.DeleteProject(id)
}

// EditJournal returns the newest journal rows of the loaded project.
func (a *App) EditJournal(limit int) ([]*database.EditRecord, error) {
	info, err := a.CurrentProject()
	if err != nil {
		return nil, err
	}
	return a.db.ListEdits(info.ID, limit)
}

// CreateCheckpoint saves a manual checkpoint of the loaded project.
func (a *App) CreateCheckpoint(description string) (*checkpoint.Checkpoint, error) {
	cp, err := a.checkpoints.Create(description, checkpoint.TriggerManual)
	if errors.Is(err, checkpoint.ErrNoProject) {
		return nil, ErrNoProject
	}
	return cp, err
}

// ListCheckpoints returns the checkpoint timeline of the loaded project.
func (a *App) ListCheckpoints() (*checkpoint.Timeline, error) {
	info, err := a.CurrentProject()
	if err != nil {
		return nil, err
	}
	return a.checkpoints.Timeline(info.ID)
}

// RestoreCheckpoint reloads the loaded project from one of its checkpoints.
// History starts over from the restored state.
func (a *App) RestoreCheckpoint(id string) error {
	info, err := a.CurrentProject()
	if err != nil {
		return err
	}
	_, archive, err := a.checkpoints.Restore(info.ID, id)
	if err != nil {
		return err
	}
	p, err := project.Decode(archive)
	if err != nil {
		return err
	}
	return a.load(*info, p)
}

// ForkCheckpoint turns a checkpoint of the loaded project into a new
// project with its own archive and timeline. The loaded project is kept.
func (a *App) ForkCheckpoint(id, name string) (*ProjectInfo, error) {
	info, err := a.CurrentProject()
	if err != nil {
		return nil, err
	}
	archive, err := a.checkpoints.Archive(info.ID, id)
	if err != nil {
		return nil, err
	}
	p, err := project.Decode(archive)
	if err != nil {
		return nil, err
	}

	forked := ProjectInfo{ID: uuid.New().String(), Name: name}
	forked.BlobKey = projectPrefix + forked.ID + ".zip"
	if forked.Name == "" {
		forked.Name = info.Name + " (fork)"
	}
	if err := a.putArchive(forked.BlobKey, archive); err != nil {
		return nil, err
	}
	if _, err := a.checkpoints.Fork(info.ID, id, forked.ID); err != nil {
		return nil, err
	}
	d := p.Dimensions
	if err := a.db.SaveProject(&database.Project{
		ID:          forked.ID,
		Name:        forked.Name,
		BlobKey:     forked.BlobKey,
		Width:       d.Width,
		Height:      d.Height,
		NumFrames:   d.NumFrames,
		NumChannels: d.NumChannels,
		NumFeatures: d.NumFeatures,
	}); err != nil {
		return nil, err
	}
	return &forked, nil
}
