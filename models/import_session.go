package models

import "time"

// Import session phases.
const (
	ImportPhaseFetching   = "fetching_customers"
	ImportPhaseProcessing = "processing_customers"
	ImportPhaseEnqueuing  = "enqueuing_jobs"
	ImportPhaseCompleted  = "completed"
	ImportPhaseFailed     = "failed"
)

// Import modes.
const (
	ImportModeIncremental = "incremental"
	ImportModeFull        = "full"
)

// ImportSession tracks one bulk import run. Cursor holds the commerce-API
// page cursor so a restarted process resumes mid-fetch.
type ImportSession struct {
	ID     string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Mode   string `gorm:"type:varchar(16);not null" json:"mode"`
	Phase  string `gorm:"type:varchar(32);index;not null" json:"phase"`
	Cursor string `json:"cursor,omitempty"`

	BatchSize         int  `json:"batch_size,omitempty"`
	TargetUnprocessed int  `json:"target_unprocessed,omitempty"`
	ReimportAll       bool `json:"reimport_all"`

	FetchedCount  int64 `gorm:"default:0" json:"fetched_count"`
	CreatedCount  int64 `gorm:"default:0" json:"created_count"`
	UpdatedCount  int64 `gorm:"default:0" json:"updated_count"`
	EnqueuedCount int64 `gorm:"default:0" json:"enqueued_count"`
	FailedCount   int64 `gorm:"default:0" json:"failed_count"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LastError string     `gorm:"type:text" json:"last_error,omitempty"`

	Timestamps
}
