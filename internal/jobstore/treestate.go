package jobstore

// TreeState is the in-memory projection rebuilt from the Job Store at startup
// (SPEC_FULL.md §3). It is owned exclusively by the main loop; no other
// component may read or mutate it directly.
type TreeState struct {
	// UpdatedJobs holds jobs awaiting scheduler attention: ready to issue
	// children or follow-ons, or just completed.
	UpdatedJobs map[string]*Job

	// ChildCounts maps a parent's JobStoreID to its number of outstanding
	// children. Invariant: a job is present here iff it has at least one
	// issued, not-yet-finished child.
	ChildCounts map[string]int

	// ChildJobStoreIDToParentID maps a child's JobStoreID to its parent's
	// JobStoreID. Invariant: exactly one entry per outstanding child. This is
	// a lookup table, not an owning edge — the parent owns children only by
	// id (SPEC_FULL.md §9).
	ChildJobStoreIDToParentID map[string]string
}

// NewTreeState returns an empty TreeState.
func NewTreeState() *TreeState {
	return &TreeState{
		UpdatedJobs:               make(map[string]*Job),
		ChildCounts:               make(map[string]int),
		ChildJobStoreIDToParentID: make(map[string]string),
	}
}

// TakeUpdatedJobs snapshots and clears UpdatedJobs, returning the snapshot.
// The main loop calls this once at the top of Step S so that jobs added to
// UpdatedJobs mid-drain are observed on the next iteration rather than racing
// ahead of issuance (SPEC_FULL.md §4.5).
func (t *TreeState) TakeUpdatedJobs() []*Job {
	snapshot := make([]*Job, 0, len(t.UpdatedJobs))
	for _, j := range t.UpdatedJobs {
		snapshot = append(snapshot, j)
	}
	t.UpdatedJobs = make(map[string]*Job)
	return snapshot
}

// MarkUpdated enqueues a job for scheduler attention.
func (t *TreeState) MarkUpdated(j *Job) {
	t.UpdatedJobs[j.JobStoreID] = j
}
