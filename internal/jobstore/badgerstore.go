package jobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/timshannon/badgerhold/v4"
)

// BadgerStore is the reference Store implementation: an embedded BadgerHold
// database held open for the lifetime of the master process (SPEC_FULL.md
// §4.2). All mutations run inside a single BadgerHold call per transition, so
// a crash mid-mutation leaves the previous consistent record on disk.
type BadgerStore struct {
	store *badgerhold.Store
}

// Open creates or reopens the job store at <jobTreePath>/jobstore.badger and
// writes the MASTER_LOCK ownership marker. It refuses to start if a live PID
// already holds the lock (SPEC_FULL.md §4.2, §7).
func Open(jobTreePath string) (*BadgerStore, error) {
	if err := acquireMasterLock(jobTreePath); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(jobTreePath, "jobstore.badger")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		releaseMasterLock(jobTreePath)
		return nil, fmt.Errorf("jobstore: create db dir: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dbPath
	opts.ValueDir = dbPath
	opts.Logger = nil // badger's own logger is noisy; the master logs transitions itself

	store, err := badgerhold.Open(opts)
	if err != nil {
		releaseMasterLock(jobTreePath)
		return nil, fmt.Errorf("jobstore: open: %w", err)
	}

	return &BadgerStore{store: store}, nil
}

var _ Store = (*BadgerStore)(nil)

// masterLockPath returns <jobTreePath>/MASTER_LOCK.
func masterLockPath(jobTreePath string) string {
	return filepath.Join(jobTreePath, "MASTER_LOCK")
}

// acquireMasterLock writes the owning PID to MASTER_LOCK, refusing if a live
// process already holds it. This is advisory only — Badger's own directory
// lock is what actually prevents two masters from corrupting one database
// (SPEC_FULL.md §7).
func acquireMasterLock(jobTreePath string) error {
	path := masterLockPath(jobTreePath)
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(data)); perr == nil && processAlive(pid) {
			return fmt.Errorf("jobstore: workflow directory already owned by live master pid %d", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func releaseMasterLock(jobTreePath string) {
	_ = os.Remove(masterLockPath(jobTreePath))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness without
	// actually sending anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// LoadTreeState rebuilds the in-memory projection from every persisted
// record. A job is ready for scheduler attention (added to UpdatedJobs) iff
// it still has children to issue, or it has no outstanding issued children
// and has follow-ons left to run.
func (s *BadgerStore) LoadTreeState(ctx context.Context) (*TreeState, error) {
	var jobs []Job
	if err := s.store.Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("jobstore: load: %w", err)
	}

	state := NewTreeState()

	childrenIssued := make(map[string]bool, len(jobs))
	for i := range jobs {
		childrenIssued[jobs[i].JobStoreID] = jobs[i].ChildrenIssued
	}

	// A child record is persisted by the job-tree primitive up front, long
	// before its parent reaches Step S and actually issues it. Recording the
	// parent lookup is harmless either way, but the outstanding-child tally
	// must only count a child once its parent has genuinely issued —
	// otherwise issueChildren's first-issuance guard (loop.go) sees a
	// nonzero count for a parent that has never issued anything and aborts
	// the master.
	for i := range jobs {
		j := jobs[i]
		if j.ParentID == "" {
			continue
		}
		state.ChildJobStoreIDToParentID[j.JobStoreID] = j.ParentID
		if childrenIssued[j.ParentID] {
			state.ChildCounts[j.ParentID]++
		}
	}

	for i := range jobs {
		j := jobs[i]
		blocked := j.ChildrenIssued && state.ChildCounts[j.JobStoreID] > 0
		ready := j.HasChildren() || (!blocked && j.HasFollowOns())
		if ready {
			jCopy := j
			state.MarkUpdated(&jCopy)
		}
	}

	return state, nil
}

// ProcessFinishedJob loads jobStoreID's record and applies the completion of
// its issued command (SPEC_FULL.md §4.2, §8 scenarios 1-4):
//
//   - failure (exitCode != 0): decrement RemainingRetries, persist, and mark
//     job itself updated so the scheduler retries or gives up on it.
//   - success, job still has children recorded (set dynamically by the
//     worker that just ran): persist and mark job updated so the scheduler
//     issues them.
//   - success, no children but follow-ons remain: pop the dispatched
//     follow-on, persist, mark job updated so the scheduler issues the next
//     one.
//   - success, no children and no follow-ons left: the job is fully done.
//     Destroy its record, decrement its parent's live child count, and if
//     that count reaches zero, return the parent so the caller adds it to
//     UpdatedJobs.
func (s *BadgerStore) ProcessFinishedJob(ctx context.Context, state *TreeState, jobStoreID string, exitCode int) (*Job, error) {
	var loaded Job
	if err := s.store.Get(jobStoreID, &loaded); err != nil {
		return nil, fmt.Errorf("jobstore: load finished job %s: %w", jobStoreID, err)
	}
	job := &loaded

	if exitCode != 0 {
		job.RemainingRetries--
		if err := s.store.Upsert(job.JobStoreID, job); err != nil {
			return nil, fmt.Errorf("jobstore: persist failed job %s: %w", job.JobStoreID, err)
		}
		state.MarkUpdated(job)
		return nil, nil
	}

	if job.HasChildren() {
		if err := s.store.Upsert(job.JobStoreID, job); err != nil {
			return nil, fmt.Errorf("jobstore: persist job %s: %w", job.JobStoreID, err)
		}
		state.MarkUpdated(job)
		return nil, nil
	}

	if job.HasFollowOns() {
		job.PopFollowOn()
		if job.HasFollowOns() {
			if err := s.store.Upsert(job.JobStoreID, job); err != nil {
				return nil, fmt.Errorf("jobstore: persist job %s: %w", job.JobStoreID, err)
			}
			state.MarkUpdated(job)
			return nil, nil
		}
		// That was the last follow-on: the job is now done exactly like one
		// that never had any, so it falls through to the same destroy path
		// rather than being re-marked updated with nothing left to do.
	}

	return s.destroyAndBubble(state, job)
}

// destroyAndBubble deletes job's record and, if that was its parent's last
// outstanding child, walks up the tree: a parent that itself has no children
// and no follow-ons left is just as "done" as the child that just finished,
// and is destroyed in turn rather than being surfaced to the scheduler with
// nothing for it to do (DESIGN.md, Open Question decision 4). The walk
// stops at the first ancestor that actually has work (children or
// follow-ons), which is the one returned for the caller to mark updated.
func (s *BadgerStore) destroyAndBubble(state *TreeState, job *Job) (*Job, error) {
	for {
		if err := s.store.Delete(job.JobStoreID, &Job{}); err != nil && err != badgerhold.ErrNotFound {
			return nil, fmt.Errorf("jobstore: delete finished job %s: %w", job.JobStoreID, err)
		}
		delete(state.ChildJobStoreIDToParentID, job.JobStoreID)

		parentID := job.ParentID
		if parentID == "" {
			return nil, nil
		}

		state.ChildCounts[parentID]--
		if state.ChildCounts[parentID] > 0 {
			return nil, nil
		}
		delete(state.ChildCounts, parentID)

		var parent Job
		if err := s.store.Get(parentID, &parent); err != nil {
			if err == badgerhold.ErrNotFound {
				// Parent already gone (e.g. concurrently finished); nothing
				// to wake.
				return nil, nil
			}
			return nil, fmt.Errorf("jobstore: load parent %s: %w", parentID, err)
		}

		if !parent.IsDone(state.ChildCounts[parentID]) {
			state.MarkUpdated(&parent)
			return &parent, nil
		}

		job = &parent
	}
}

// Put persists job as-is. Used by the main loop to durably record its own
// Step S mutation (clearing Children once issued, setting ChildrenIssued)
// outside of ProcessFinishedJob.
func (s *BadgerStore) Put(ctx context.Context, job *Job) error {
	if err := s.store.Upsert(job.JobStoreID, job); err != nil {
		return fmt.Errorf("jobstore: put job %s: %w", job.JobStoreID, err)
	}
	return nil
}

// Close releases the underlying Badger handle. It leaves the MASTER_LOCK
// marker in place; CloseAndRelease also removes it.
func (s *BadgerStore) Close() error {
	err := s.store.Close()
	return err
}

// CloseAndRelease closes the store and releases MASTER_LOCK. The CLI calls
// this (rather than Close) on a clean shutdown so a subsequent run of the
// same workflow directory does not need to wait for the PID to be reaped by
// the OS.
func (s *BadgerStore) CloseAndRelease(jobTreePath string) error {
	err := s.Close()
	releaseMasterLock(jobTreePath)
	return err
}
