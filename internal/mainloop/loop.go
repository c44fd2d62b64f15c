// Package mainloop drives a loaded Tree State to completion against a Job
// Batcher and Job Store: issuing ready work, polling for completions,
// rescuing over-long or lost jobs, and terminating when nothing remains
// issued (SPEC_FULL.md §4.5).
package mainloop

import (
	"context"
	"fmt"
	"time"

	"github.com/hugoren/toil/internal/batcher"
	"github.com/hugoren/toil/internal/batchsystem"
	"github.com/hugoren/toil/internal/jobstore"
	"github.com/hugoren/toil/internal/logging"
)

// FatalError marks an invariant violation the loop cannot recover from: a
// code/state-corruption bug, not an ordinary workflow failure (SPEC_FULL.md
// §7). cmd/toil-master logs it at critical and exits with status 1, the
// status it uses for every error.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("mainloop: fatal: %s", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...interface{}) *FatalError {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

const pollTimeout = 10 * time.Second

// Config carries the tunables the loop reads from configuration.
type Config struct {
	RescueJobsFrequency time.Duration
	MaxJobDuration      time.Duration
	IdealJobTime        time.Duration
	MissingThreshold    int
}

// Loop owns Tree State and the Batcher for its entire lifetime; neither may
// be accessed from any other goroutine while Run is executing.
type Loop struct {
	state   *jobstore.TreeState
	store   jobstore.Store
	batcher *batcher.Batcher
	backend batchsystem.BatchSystem
	cfg     Config
	metrics *Metrics

	totalFailedJobs int
}

// New constructs a Loop over an already-loaded TreeState.
func New(state *jobstore.TreeState, store jobstore.Store, b *batcher.Batcher, backend batchsystem.BatchSystem, cfg Config, metrics *Metrics) *Loop {
	return &Loop{
		state:   state,
		store:   store,
		batcher: b,
		backend: backend,
		cfg:     cfg,
		metrics: metrics,
	}
}

// Run executes the loop until jobsIssued reaches zero, returning the count
// of permanently-failed jobs (the master's exit code) or a *FatalError on an
// invariant violation.
func (l *Loop) Run(ctx context.Context) (int, error) {
	issued, err := l.backend.GetIssuedJobIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("mainloop: precondition check: %w", err)
	}
	if len(issued) != 0 {
		return 0, fatalf("backend reports %d issued jobs at startup; expected none", len(issued))
	}

	timeSinceJobsLastRescued := time.Now()

	for {
		if err := l.stepS(ctx); err != nil {
			return 0, err
		}

		if l.metrics != nil {
			l.metrics.JobsIssued.Set(float64(l.batcher.JobsIssued()))
		}

		if l.batcher.JobsIssued() == 0 {
			break
		}

		timeSinceJobsLastRescued, err = l.stepC(ctx, timeSinceJobsLastRescued)
		if err != nil {
			return 0, err
		}
	}

	return l.totalFailedJobs, nil
}

// stepS drains treeState.updatedJobs: issuing children, issuing follow-ons,
// or counting a permanent failure (SPEC_FULL.md §4.5 Step S).
func (l *Loop) stepS(ctx context.Context) error {
	for _, job := range l.state.TakeUpdatedJobs() {
		for _, msg := range job.Messages {
			logging.Logger.Criticalf("job %s: %s", job.JobStoreID, msg)
		}
		job.Messages = nil

		if job.HasChildren() {
			if err := l.issueChildren(ctx, job); err != nil {
				return err
			}
			continue
		}

		if !job.HasFollowOns() {
			return fatalf("job %s entered updatedJobs with no children and no follow-ons", job.JobStoreID)
		}

		if job.RemainingRetries > 0 {
			fo, _ := job.TopFollowOn()
			if _, err := l.batcher.IssueJob(ctx, job.JobStoreID, fo.MemoryRequest, fo.CPURequest); err != nil {
				return fmt.Errorf("mainloop: issue follow-on for %s: %w", job.JobStoreID, err)
			}
			continue
		}

		l.totalFailedJobs++
		logging.Logger.Criticalf("job %s permanently failed (retries exhausted)", job.JobStoreID)
		if l.metrics != nil {
			l.metrics.JobsFailedTotal.Inc()
		}
	}
	return nil
}

func (l *Loop) issueChildren(ctx context.Context, job *jobstore.Job) error {
	if _, exists := l.state.ChildCounts[job.JobStoreID]; exists {
		return fatalf("job %s already has an outstanding child count", job.JobStoreID)
	}

	children := job.Children
	job.Children = nil
	job.ChildrenIssued = true
	if err := l.store.Put(ctx, job); err != nil {
		return fmt.Errorf("mainloop: persist cleared children for %s: %w", job.JobStoreID, err)
	}

	l.state.ChildCounts[job.JobStoreID] = len(children)
	for _, child := range children {
		l.state.ChildJobStoreIDToParentID[child.ChildJobStoreID] = job.JobStoreID
		if _, err := l.batcher.IssueJob(ctx, child.ChildJobStoreID, child.MemoryRequest, child.CPURequest); err != nil {
			return fmt.Errorf("mainloop: issue child %s of %s: %w", child.ChildJobStoreID, job.JobStoreID, err)
		}
	}
	return nil
}

// stepC polls for one completion, then — if none arrived — checks the rescue
// cadence (SPEC_FULL.md §4.5 Step C).
func (l *Loop) stepC(ctx context.Context, timeSinceJobsLastRescued time.Time) (time.Time, error) {
	id, exitCode, ok, err := l.backend.GetUpdatedJob(ctx, pollTimeout)
	if err != nil {
		return timeSinceJobsLastRescued, fmt.Errorf("mainloop: poll completion: %w", err)
	}

	if ok {
		if err := l.processCompletion(ctx, id, exitCode); err != nil {
			return timeSinceJobsLastRescued, err
		}
		return timeSinceJobsLastRescued, nil
	}

	if time.Since(timeSinceJobsLastRescued) < l.cfg.RescueJobsFrequency {
		return timeSinceJobsLastRescued, nil
	}

	quiet, err := l.runRescues(ctx)
	if err != nil {
		return timeSinceJobsLastRescued, err
	}
	if quiet {
		return time.Now(), nil
	}
	return timeSinceJobsLastRescued.Add(60 * time.Second), nil
}

func (l *Loop) processCompletion(ctx context.Context, id batchsystem.JobID, exitCode int) error {
	jobFile, err := l.batcher.RemoveJobID(id)
	if err != nil {
		logging.Logger.Criticalf("backend reported id %s already processed (duplicate completion)", id)
		return nil
	}

	_, err = l.store.ProcessFinishedJob(ctx, l.state, jobFile, exitCode)
	if err != nil {
		return fmt.Errorf("mainloop: process finished job %s: %w", jobFile, err)
	}
	// ProcessFinishedJob already marks the affected job (or its newly-ready
	// parent) updated in state directly; the returned parent is informational.
	return nil
}

func (l *Loop) runRescues(ctx context.Context) (bool, error) {
	if l.metrics != nil {
		l.metrics.RescueRunsTotal.Inc()
	}

	finish := func(jobFile string) error {
		_, err := l.store.ProcessFinishedJob(ctx, l.state, jobFile, 1)
		return err
	}

	if err := l.batcher.ReissueOverLongJobs(ctx, l.cfg.MaxJobDuration, l.cfg.IdealJobTime, finish); err != nil {
		return false, fmt.Errorf("mainloop: reissue over-long jobs: %w", err)
	}

	quiet, err := l.batcher.ReissueMissingJobs(ctx, l.cfg.MissingThreshold, finish)
	if err != nil {
		return false, fmt.Errorf("mainloop: reissue missing jobs: %w", err)
	}

	if l.metrics != nil {
		if quiet {
			l.metrics.JobsMissing.Set(0)
		}
	}
	return quiet, nil
}
