package domain

import "time"

const (
	FileStatusUploaded = "uploaded"
	FileStatusReady    = "ready"
	FileStatusPartial  = "partial"
	FileStatusError    = "error"
)

// File is an uploaded original plus the variants derived from it. Variants
// holds variant name -> storage key and only ever contains keys whose encoded
// bytes were durably written to the object store first.
type File struct {
	ID         string
	ProjectID  string
	StorageKey string
	Filename   string
	MimeType   string
	Size       int64
	Status     string
	Variants   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Project carries the loose settings document edited by project owners.
// The worker and the upload path never read it directly; they go through
// ParseSettings for a validated representation.
type Project struct {
	ID        string
	Name      string
	Settings  ProjectSettings
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ProjectSettings struct {
	Variants map[string]VariantDef `json:"variants,omitempty"`
}
