package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job states.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job kinds.
const (
	JobKindImportUser   = "import-user"
	JobKindClassifyUser = "classify-user"
	JobKindWebhook      = "webhook"
)

// Job is one durable at-least-once work item. Reserve flips it to active and
// stamps VisibleAt; a job still active past VisibleAt is re-reserved, so
// handlers must tolerate double execution.
type Job struct {
	ID             string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Kind           string         `gorm:"index:idx_job_kind_state;not null" json:"kind"`
	State          string         `gorm:"index:idx_job_kind_state;type:varchar(16);default:'waiting'" json:"state"`
	Payload        datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	IdempotencyKey string         `gorm:"index" json:"idempotency_key,omitempty"`
	Attempts       int            `gorm:"default:0" json:"attempts"`
	NextAttemptAt  time.Time      `gorm:"index" json:"next_attempt_at"`
	VisibleAt      *time.Time     `json:"visible_at,omitempty"` // reservation expiry while active
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	Timestamps
}

// JobDeadLetter holds jobs that exhausted their retries.
type JobDeadLetter struct {
	ID         string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	JobID      string         `gorm:"index;not null" json:"job_id"`
	Kind       string         `gorm:"index;not null" json:"kind"`
	Payload    datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Attempts   int            `json:"attempts"`
	LastError  string         `gorm:"type:text" json:"last_error"`
	FailedAt   time.Time      `json:"failed_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (JobDeadLetter) TableName() string { return "job_dead_letter" }
