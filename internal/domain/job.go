package domain

import "time"

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is one unit of variant-generation work. The payload is resolved at
// enqueue time so later project-settings edits never change in-flight jobs.
type Job struct {
	ID        string
	FileID    string
	Status    string
	Payload   JobPayload
	Attempts  int
	Error     string
	ClaimedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type JobPayload struct {
	Variants []VariantTask `json:"variants"`
}

// VariantTask is a fully resolved piece of transcoding work: explicit target
// dimensions, fit mode, output format and the storage key the result goes to.
type VariantTask struct {
	Name       string `json:"name"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Fit        string `json:"fit"`
	Quality    int    `json:"quality"`
	StorageKey string `json:"storage_key"`
}

func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}
