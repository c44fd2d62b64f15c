// Package batcher is the only component that talks to the Batch System for
// issuance, kills, and rescues (SPEC_FULL.md §4.3). It owns the issued-job and
// missing-count tables, both as instance fields — the distilled spec's source
// kept the missing-count table as a bare module-level name inside a method
// body, which silently shadowed the real instance attribute and meant misses
// were never actually counted across calls. Keeping both tables on the
// Batcher struct is the fix.
package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hugoren/toil/internal/batchsystem"
	"github.com/hugoren/toil/internal/logging"
)

// ErrUnknownJobID is returned by RemoveJobID when the id is not present in
// the issued-job table — a fatal invariant violation per SPEC_FULL.md §4.3.
var ErrUnknownJobID = fmt.Errorf("batcher: unknown job id")

// WorkerCommand builds the argv the Batcher submits for one job file, exactly
// as SPEC_FULL.md §4.3/§6 specify it: no shell is ever invoked.
type WorkerCommand struct {
	Interpreter string
	WorkerEntry string
	RootPath    string
	JobTreePath string
}

func (w WorkerCommand) argv(jobFile string) []string {
	return []string{w.Interpreter, "-E", w.WorkerEntry, w.RootPath, w.JobTreePath, jobFile}
}

// Batcher mediates every issuance, kill, and rescue between the master and a
// batchsystem.BatchSystem backend.
type Batcher struct {
	backend batchsystem.BatchSystem
	cmd     WorkerCommand

	issued  map[batchsystem.JobID]string // backend id -> jobFile
	missing map[batchsystem.JobID]int    // backend id -> consecutive-miss count

	jobsIssued int
}

// New constructs a Batcher issuing worker commands built from cmd through backend.
func New(backend batchsystem.BatchSystem, cmd WorkerCommand) *Batcher {
	return &Batcher{
		backend: backend,
		cmd:     cmd,
		issued:  make(map[batchsystem.JobID]string),
		missing: make(map[batchsystem.JobID]int),
	}
}

// JobsIssued returns the number of ids currently outstanding in the
// issued-job table.
func (b *Batcher) JobsIssued() int {
	return b.jobsIssued
}

// IssueJob submits one job file as a worker command and records its backend
// id in the issued-job table.
func (b *Batcher) IssueJob(ctx context.Context, jobFile string, memory, cpu float64) (batchsystem.JobID, error) {
	id, err := b.backend.IssueJob(ctx, b.cmd.argv(jobFile), memory, cpu)
	if err != nil {
		return "", fmt.Errorf("batcher: issue %s: %w", jobFile, err)
	}
	b.issued[id] = jobFile
	b.jobsIssued++
	return id, nil
}

// IssueJobs issues every job file in order, with no batching guarantees.
func (b *Batcher) IssueJobs(ctx context.Context, jobFiles []string, memory, cpu float64) error {
	for _, jf := range jobFiles {
		if _, err := b.IssueJob(ctx, jf, memory, cpu); err != nil {
			return err
		}
	}
	return nil
}

// RemoveJobID pops id from the issued-job table, returning its jobFile.
func (b *Batcher) RemoveJobID(id batchsystem.JobID) (string, error) {
	jobFile, ok := b.issued[id]
	if !ok {
		return "", ErrUnknownJobID
	}
	delete(b.issued, id)
	delete(b.missing, id)
	b.jobsIssued--
	return jobFile, nil
}

// KillJobs terminates ids via the backend, then synthesizes a
// finished-with-failure transition for each by removing it from the
// issued-job table. finish is called once per id with its jobFile so the
// caller can route it through JobStore.ProcessFinishedJob; per-id failures
// are aggregated rather than short-circuiting, since a kill sweep must
// attempt every id regardless of earlier failures.
func (b *Batcher) KillJobs(ctx context.Context, ids []batchsystem.JobID, finish func(jobFile string) error) error {
	if len(ids) == 0 {
		return nil
	}

	var result error
	if err := b.backend.KillJobs(ctx, ids); err != nil {
		result = multierror.Append(result, fmt.Errorf("batcher: kill: %w", err))
	}

	for _, id := range ids {
		jobFile, err := b.RemoveJobID(id)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("batcher: remove %s: %w", id, err))
			continue
		}
		if err := finish(jobFile); err != nil {
			result = multierror.Append(result, fmt.Errorf("batcher: finish %s: %w", jobFile, err))
		}
	}
	return result
}

// ReissueOverLongJobs kills jobs that have run longer than maxJobDuration,
// clamped to at least 10x idealJobTime and disabled entirely above 10M
// seconds (SPEC_FULL.md §4.3 Rescue A).
func (b *Batcher) ReissueOverLongJobs(ctx context.Context, maxJobDuration, idealJobTime time.Duration, finish func(jobFile string) error) error {
	floor := idealJobTime * 10
	if maxJobDuration < floor {
		logging.Logger.Infof("batcher: raising max job duration to %s (10x ideal job time)", floor)
		maxJobDuration = floor
	}
	if maxJobDuration >= 10_000_000*time.Second {
		return nil
	}

	running, err := b.backend.GetRunningJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("batcher: get running job ids: %w", err)
	}

	var kill []batchsystem.JobID
	for id, elapsed := range running {
		if elapsed > maxJobDuration {
			kill = append(kill, id)
		}
	}
	return b.KillJobs(ctx, kill, finish)
}

// ReissueMissingJobs kills jobs the backend has lost track of — absent from
// GetIssuedJobIDs for threshold consecutive rescue passes (SPEC_FULL.md §4.3
// Rescue B). Returns true iff the missing-count table is empty afterwards, a
// "quiet" signal the main loop uses to pace the rescue cadence.
func (b *Batcher) ReissueMissingJobs(ctx context.Context, threshold int, finish func(jobFile string) error) (bool, error) {
	runningIDs, err := b.backend.GetIssuedJobIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("batcher: get issued job ids: %w", err)
	}

	for id := range b.missing {
		if _, ownID := b.issued[id]; !ownID {
			logging.Logger.Infof("batcher: %s no longer missing (reaped)", id)
			delete(b.missing, id)
		}
	}

	for id := range runningIDs {
		if _, ownID := b.issued[id]; !ownID {
			return false, fmt.Errorf("batcher: backend reports id %s the master never issued", id)
		}
	}

	var kill []batchsystem.JobID
	for id := range b.issued {
		if _, stillRunning := runningIDs[id]; stillRunning {
			continue
		}
		b.missing[id]++
		if b.missing[id] >= threshold {
			delete(b.missing, id)
			kill = append(kill, id)
		}
	}

	if err := b.KillJobs(ctx, kill, finish); err != nil {
		return false, err
	}

	return len(b.missing) == 0, nil
}
