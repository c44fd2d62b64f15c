package jobstore

import "context"

// Store is the narrow, transactional contract the master uses to read tree
// state and record finished-job transitions (SPEC_FULL.md §4.2). Every
// finished-job transition flows through ProcessFinishedJob; the only other
// write the core makes is Put, for its Step S mutation.
type Store interface {
	// LoadTreeState rebuilds the in-memory Tree State from persistent
	// records. Called once at startup.
	LoadTreeState(ctx context.Context) (*TreeState, error)

	// ProcessFinishedJob loads the record named jobStoreID and atomically
	// applies the completion of its dispatched command: on failure
	// (exitCode != 0) decrements RemainingRetries and re-marks the job
	// ready; on success pops its dispatched follow-on (or, if it had
	// children, is called once all children finish) and decrements the
	// parent's child count. Returns the parent job if the transition made it
	// newly ready (nil otherwise); either way the affected job is marked
	// updated in state directly, so the caller never needs the job back.
	ProcessFinishedJob(ctx context.Context, state *TreeState, jobStoreID string, exitCode int) (*Job, error)

	// Put persists job as-is. The main loop uses this for its own Step S
	// mutations — clearing Children once they are issued and setting
	// ChildrenIssued — that happen outside of ProcessFinishedJob (SPEC_FULL.md
	// §4.5). Not part of the distilled interface; added because the master
	// has no other way to make that mutation durable before a crash.
	Put(ctx context.Context, job *Job) error

	// Close releases the underlying storage handle.
	Close() error
}
