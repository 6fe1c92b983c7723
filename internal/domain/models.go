package domain

import (
	"time"
)

type RunMode string

const (
	RunModeRemaining RunMode = "remaining"
	RunModeRetry     RunMode = "retry"
	RunModeSample    RunMode = "sample"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one invocation of the batch scheduler
type Run struct {
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Error      *string    `json:"error,omitempty" db:"error"`
	ID         string     `json:"id" db:"id"`
	Mode       RunMode    `json:"mode" db:"mode"`
	Status     RunStatus  `json:"status" db:"status"`
	Total      int        `json:"total" db:"total"`
	Succeeded  int        `json:"succeeded" db:"succeeded"`
	Skipped    int        `json:"skipped" db:"skipped"`
	Failed     int        `json:"failed" db:"failed"`
}

// Artifact is the identity derived from one artifact file name
type Artifact struct {
	Path       string `json:"path"`
	FileName   string `json:"file_name"`
	Stem       string `json:"stem"`
	Title      string `json:"title"`
	Creator    string `json:"creator"`
	Category   string `json:"category"`
	ObjectPath string `json:"object_path"`
}

// Failure is a permanently failed artifact awaiting an out-of-band retry
type Failure struct {
	UpdatedAt time.Time `json:"timestamp" db:"updated_at"`
	Path      string    `json:"path" db:"path"`
	Error     string    `json:"error" db:"error"`
}

// Progress is the durable bookkeeping of a series of runs
type Progress struct {
	UpdatedAt    time.Time `json:"timestamp" db:"updated_at"`
	SuccessCount int       `json:"success_count" db:"success_count"`
	Processed    int       `json:"processed" db:"processed"`
}

// Outcome describes what reconciling one artifact did remotely
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

// Summary is reported at the end of a run
type Summary struct {
	RunID      string        `json:"run_id"`
	Mode       RunMode       `json:"mode"`
	Discovered int           `json:"discovered"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
}
