// internal/database/models.go
package database

// Edit statuses as recorded in the journal.
const (
	StatusPending   = "pending"
	StatusCommitted = "committed"
	StatusReverted  = "reverted"
	StatusUndone    = "undone"
	StatusRedone    = "redone"
)

// Project is a project the user has opened.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BlobKey     string `json:"blob_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	NumFrames   int    `json:"num_frames"`
	NumChannels int    `json:"num_channels"`
	NumFeatures int    `json:"num_features"`
	CreatedAt   int64  `json:"created_at"`
	LastOpened  int64  `json:"last_opened"`
}

// EditRecord is one journal row: an edit id and what became of it.
type EditRecord struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Edit      int64  `json:"edit"`
	Owner     string `json:"owner"`
	Status    string `json:"status"`
	Snapshots int    `json:"snapshots"`
	Owners    string `json:"owners"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// EditStats summarizes a project's journal.
type EditStats struct {
	Total     int `json:"total"`
	Committed int `json:"committed"`
	Reverted  int `json:"reverted"`
	Undone    int `json:"undone"`
}
