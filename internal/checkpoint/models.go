// internal/checkpoint/models.go
package checkpoint

import "time"

// Trigger types.
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
	TriggerFork   = "fork"
)

// Checkpoint is a saved project archive.
type Checkpoint struct {
	ID          string    `json:"id"`
	Project     string    `json:"project"`
	ParentID    string    `json:"parent_id,omitempty"`
	Edit        int64     `json:"edit"`
	Steps       int       `json:"steps"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	TriggerType string    `json:"trigger_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
}

// Timeline lists a project's checkpoints oldest first.
type Timeline struct {
	Project     string       `json:"project"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	CurrentID   string       `json:"current_id,omitempty"`
}
