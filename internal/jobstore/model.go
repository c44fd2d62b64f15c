// Package jobstore holds the persistent Job record and the in-memory Tree
// State projection the master rebuilds from it at startup (SPEC_FULL.md §3),
// plus a BadgerHold-backed implementation of the JobStore contract (§4.2).
package jobstore

// ChildSpec describes one pending child of a job, as the user-level job-tree
// primitive recorded it (SPEC_FULL.md §3). The core never constructs these; it
// only reads and clears them off a Job once their children are issued.
type ChildSpec struct {
	ChildJobStoreID string
	MemoryRequest   float64
	CPURequest      float64
}

// FollowOn describes one command to run after all of a job's children finish,
// consuming a retry budget on failure.
type FollowOn struct {
	Command       string
	MemoryRequest float64
	CPURequest    float64
	RetryBudget   int
}

// Job is the persistent record the master reads, mutates through ProcessFinishedJob,
// and destroys once it carries no children, no follow-ons, and its parent's
// child-count has reached zero.
type Job struct {
	JobStoreID string `badgerhold:"key"`

	// ParentID is the owning parent's JobStoreID, carrying a BadgerHold index.
	// LoadTreeState does not query by this index; it rebuilds
	// childCounts/childJobStoreIdToParentJob from one scan of every record.
	// Empty for the root job.
	ParentID string `badgerholdIndex:"ParentID"`

	Children          []ChildSpec
	FollowOnCommands  []FollowOn // stack: index 0 runs next
	RemainingRetries  int
	Messages          []string
	Cwd               string
	Env               map[string]string

	// ChildrenIssued is set once the master has dispatched this job's
	// Children and cleared the slice. LoadTreeState uses it, together with a
	// nonzero live child count, to tell "children issued, still outstanding"
	// (not ready) apart from "children never issued" (ready) when rebuilding
	// state purely from persisted records after a restart (SPEC_FULL.md §3).
	ChildrenIssued bool
}

// TopFollowOn returns the next follow-on to run, or false if there are none.
func (j *Job) TopFollowOn() (FollowOn, bool) {
	if len(j.FollowOnCommands) == 0 {
		return FollowOn{}, false
	}
	return j.FollowOnCommands[0], true
}

// PopFollowOn removes the top follow-on after it has been dispatched.
func (j *Job) PopFollowOn() {
	if len(j.FollowOnCommands) == 0 {
		return
	}
	j.FollowOnCommands = j.FollowOnCommands[1:]
}

// HasChildren reports whether the job has pending children to issue.
func (j *Job) HasChildren() bool {
	return len(j.Children) > 0
}

// HasFollowOns reports whether the job has follow-on commands remaining.
func (j *Job) HasFollowOns() bool {
	return len(j.FollowOnCommands) > 0
}

// IsDone reports whether the job record carries no more work and should be
// destroyed (SPEC_FULL.md §3). destroyAndBubble calls this for each ancestor
// it walks through to decide whether to keep bubbling or stop.
func (j *Job) IsDone(childCount int) bool {
	return !j.HasChildren() && !j.HasFollowOns() && childCount == 0
}
