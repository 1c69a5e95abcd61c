package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/queuectl/queuectl/internal/job"
)

// jobModel is the bun row mapping for the jobs table, grounded on the
// model conventions of this codebase's SQL storage backend: explicit
// column names, nullzero for optional fields, and a pk uuid column.
type jobModel struct {
	bun.BaseModel `bun:"table:jobs"`

	ID      uuid.UUID `bun:"id,pk,type:uuid"`
	Command string    `bun:"command,notnull"`

	State job.State `bun:"state,notnull,default:1"`

	Priority   int32  `bun:"priority,notnull,default:0"`
	MaxRetries uint32 `bun:"max_retries,notnull,default:3"`
	Attempts   uint32 `bun:"attempts,notnull,default:0"`

	RunAt     time.Time `bun:"run_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`

	LastExitCode *int32 `bun:"last_exit_code,nullzero,default:null"`
	StdoutTail   string `bun:"stdout_tail,notnull,default:''"`
	StderrTail   string `bun:"stderr_tail,notnull,default:''"`

	WorkerID  *string    `bun:"worker_id,nullzero,default:null"`
	ClaimedAt *time.Time `bun:"claimed_at,nullzero,default:null"`
}

func (m *jobModel) toJob() *job.Job {
	return &job.Job{
		ID:           m.ID,
		Command:      m.Command,
		State:        m.State,
		Priority:     m.Priority,
		MaxRetries:   m.MaxRetries,
		Attempts:     m.Attempts,
		RunAt:        m.RunAt.UTC(),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		LastExitCode: m.LastExitCode,
		StdoutTail:   m.StdoutTail,
		StderrTail:   m.StderrTail,
		WorkerID:     m.WorkerID,
		ClaimedAt:    m.ClaimedAt,
	}
}

// schemaMeta is a single-row table recording the on-disk schema
// version (spec §6: "Schema MUST be versioned").
type schemaMeta struct {
	bun.BaseModel `bun:"table:schema_meta"`

	ID      int `bun:"id,pk"`
	Version int `bun:"version,notnull"`
}
