package store

import "errors"

// Error taxonomy per spec §7. Callers should use errors.Is against
// these sentinels; Store never exposes driver-specific error types.
var (
	// ErrNotFound is returned by Requeue when no job with the given id
	// exists, and by RecordOutcome when the job is not in processing
	// under the given worker. Get reports a missing job as (nil, nil).
	ErrNotFound = errors.New("store: job not found")

	// ErrNotDead is returned by Requeue when the target job is not
	// currently in the dead state.
	ErrNotDead = errors.New("store: job is not dead")

	// ErrInvariantViolation names the invariant-violation kind of the
	// error taxonomy. No Store method returns it: RecordOutcome on a job
	// not in processing returns ErrNotFound, and Requeue on a job not in
	// dead returns ErrNotDead.
	ErrInvariantViolation = errors.New("store: invariant violation")

	// ErrStoreUnavailable wraps failures to reach or initialize the
	// backing file (missing file, schema mismatch, connection error).
	ErrStoreUnavailable = errors.New("store: unavailable")

	// ErrSchemaDowngrade is returned by InitStore when the on-disk
	// schema version is newer than the version this binary knows
	// about (spec §6: "init_store refuses to downgrade").
	ErrSchemaDowngrade = errors.New("store: refusing to run against a newer schema version")
)
