package stores

import (
	"context"
	"database/sql"
	"time"
)

// Run is the persisted record of one renewal attempt.
type Run struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	ContractID  *string    `json:"contract_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ScheduleState is the singleton scheduling row: when to run next and how
// many same-day retries the current attempt has burned.
type ScheduleState struct {
	NextRun    time.Time `json:"next_run"`
	RetryCount int       `json:"retry_count"`
	Deferred   bool      `json:"deferred"`
	LastRunID  *string   `json:"last_run_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Schedule operations
	GetSchedule(ctx context.Context) (*ScheduleState, error)
	PutSchedule(ctx context.Context, state *ScheduleState) error

	// Utility
	BeginTx(ctx context.Context) (*sql.Tx, error)
	HealthCheck(ctx context.Context) error
}
