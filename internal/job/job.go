package job

import (
	"time"

	"github.com/google/uuid"
)

// Job is the sole persistent entity in queuectl (spec §3).
//
// Job values returned from the Store are snapshots: mutating the fields
// of a Job in memory never changes the authoritative state held by the
// Store. Every transition must go through a Store call.
type Job struct {
	ID      uuid.UUID
	Command string

	State State

	Priority   int32
	MaxRetries uint32
	Attempts   uint32

	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	LastExitCode *int32
	StdoutTail   string
	StderrTail   string

	WorkerID   *string
	ClaimedAt  *time.Time
}

// MaxTailBytes bounds the retained size of StdoutTail and StderrTail,
// per spec §3 ("last ≤64 KiB of each stream from most recent attempt").
const MaxTailBytes = 64 * 1024

// Owned reports whether workerID currently holds the claim on j.
func (j *Job) Owned(workerID string) bool {
	return j.State == Processing && j.WorkerID != nil && *j.WorkerID == workerID
}
