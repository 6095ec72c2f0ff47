// internal/database/db.go
package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// Database wraps the SQLite database connection
type Database struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db, now: time.Now}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		blob_key TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		num_frames INTEGER NOT NULL DEFAULT 0,
		num_channels INTEGER NOT NULL DEFAULT 0,
		num_features INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_opened INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		edit INTEGER NOT NULL,
		owner TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		snapshots INTEGER NOT NULL DEFAULT 0,
		owners TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (project_id, edit)
	);

	CREATE INDEX IF NOT EXISTS idx_edits_project ON edits(project_id, edit);
	CREATE INDEX IF NOT EXISTS idx_projects_last_opened ON projects(last_opened);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) stamp() int64 {
	return d.now().UnixMilli()
}

// SaveSetting saves or updates a setting
func (d *Database) SaveSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)`, key, value, d.stamp())
	return err
}

// GetSetting retrieves a setting by key
func (d *Database) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SaveProject inserts a project or refreshes its metadata and last_opened.
func (d *Database) SaveProject(p *Project) error {
	now := d.stamp()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.LastOpened = now
	_, err := d.db.Exec(`
		INSERT INTO projects
		(id, name, blob_key, width, height, num_frames, num_channels, num_features, created_at, last_opened)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			blob_key = excluded.blob_key,
			width = excluded.width,
			height = excluded.height,
			num_frames = excluded.num_frames,
			num_channels = excluded.num_channels,
			num_features = excluded.num_features,
			last_opened = excluded.last_opened`,
		p.ID, p.Name, p.BlobKey, p.Width, p.Height, p.NumFrames, p.NumChannels, p.NumFeatures,
		p.CreatedAt, p.LastOpened)
	return err
}

const projectColumns = `id, name, blob_key, width, height, num_frames, num_channels, num_features, created_at, last_opened`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.Name, &p.BlobKey, &p.Width, &p.Height,
		&p.NumFrames, &p.NumChannels, &p.NumFeatures, &p.CreatedAt, &p.LastOpened)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetProject retrieves a project by ID
func (d *Database) GetProject(id string) (*Project, error) {
	return scanProject(d.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
}

// ListProjects returns projects, most recently opened first.
func (d *Database) ListProjects() ([]*Project, error) {
	rows, err := d.db.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY last_opened DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and its journal.
func (d *Database) DeleteProject(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM edits WHERE project_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM projects WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordReserved starts a journal row for a reserved edit id.
func (d *Database) RecordReserved(projectID string, edit int64, owner string) error {
	now := d.stamp()
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO edits (project_id, edit, owner, status, snapshots, owners, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '', ?, ?)`,
		projectID, edit, owner, StatusPending, now, now)
	return err
}

// RecordSnapshot counts a snapshot against an edit and remembers its owner.
func (d *Database) RecordSnapshot(projectID string, edit int64, owner string) error {
	_, err := d.db.Exec(`
		UPDATE edits SET
			snapshots = snapshots + 1,
			owners = CASE WHEN owners = '' THEN ? ELSE owners || ',' || ? END,
			updated_at = ?
		WHERE project_id = ? AND edit = ?`,
		owner, owner, d.stamp(), projectID, edit)
	return err
}

// SetEditStatus updates an edit's status.
func (d *Database) SetEditStatus(projectID string, edit int64, status string) error {
	res, err := d.db.Exec(`UPDATE edits SET status = ?, updated_at = ? WHERE project_id = ? AND edit = ?`,
		status, d.stamp(), projectID, edit)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEdits returns the newest journal rows of a project, newest first.
// A limit of zero or less returns everything.
func (d *Database) ListEdits(projectID string, limit int) ([]*EditRecord, error) {
	query := `SELECT id, project_id, edit, owner, status, snapshots, owners, created_at, updated_at
		FROM edits WHERE project_id = ? ORDER BY edit DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edits []*EditRecord
	for rows.Next() {
		e := &EditRecord{}
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Edit, &e.Owner, &e.Status,
			&e.Snapshots, &e.Owners, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// Stats counts a project's journal rows by status.
func (d *Database) Stats(projectID string) (*EditStats, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM edits WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &EditStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		switch status {
		case StatusCommitted, StatusRedone:
			stats.Committed += n
		case StatusReverted:
			stats.Reverted += n
		case StatusUndone:
			stats.Undone += n
		}
	}
	return stats, rows.Err()
}

// ListTables lists the user tables, for the CLI.
func (d *Database) ListTables() ([]string, error) {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ResetJournal drops every edit row, keeping projects and settings.
func (d *Database) ResetJournal() error {
	_, err := d.db.Exec("DELETE FROM edits")
	return err
}

// OwnerList splits Owners into the stores that recorded snapshots.
func (e *EditRecord) OwnerList() []string {
	if e.Owners == "" {
		return nil
	}
	return strings.Split(e.Owners, ",")
}
