// Package batchsystem defines the contract the master requires of a pluggable
// cluster batch-execution backend (local process pool, Mesos, LSF, Parasol,
// GridEngine, ...). Only the interface is specified; production adapters other
// than the local reference implementation are out of scope (SPEC_FULL.md §2).
package batchsystem

import (
	"context"
	"errors"
	"time"
)

// JobID is an opaque identifier assigned by the backend to a submitted command.
type JobID string

// ErrUnknownJobID is returned when an operation references a JobID the backend
// never issued.
var ErrUnknownJobID = errors.New("batchsystem: unknown job id")

// BatchSystem is the capability set the master depends on. Implementations must
// satisfy the guarantees listed in SPEC_FULL.md §4.1: completions are delivered
// at-least-once per id, and a killed id eventually reappears from GetUpdatedJob
// with a nonzero exit code.
type BatchSystem interface {
	// IssueJob accepts a direct argv command (never a shell string) plus
	// resource hints and returns a unique id. Must not block on resource
	// availability.
	IssueJob(ctx context.Context, argv []string, memory, cpu float64) (JobID, error)

	// KillJobs best-effort terminates the given ids. Returns only once the
	// backend considers them no longer running.
	KillJobs(ctx context.Context, ids []JobID) error

	// GetIssuedJobIDs returns every id submitted and not yet reaped by
	// GetUpdatedJob.
	GetIssuedJobIDs(ctx context.Context) (map[JobID]struct{}, error)

	// GetRunningJobIDs returns ids currently executing, with wall time.
	GetRunningJobIDs(ctx context.Context) (map[JobID]time.Duration, error)

	// GetUpdatedJob blocks up to timeout for one completion. ok is false on
	// timeout.
	GetUpdatedJob(ctx context.Context, timeout time.Duration) (id JobID, exitCode int, ok bool, err error)
}
