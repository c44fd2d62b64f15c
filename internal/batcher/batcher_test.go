package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugoren/toil/internal/batchsystem"
	"github.com/hugoren/toil/internal/logging"
)

func init() {
	logging.Init(logging.Options{Level: "error"})
}

// fakeBackend is a minimal, fully in-memory batchsystem.BatchSystem used to
// drive the Batcher deterministically, without any real process.
type fakeBackend struct {
	nextID   int
	issued   map[batchsystem.JobID]struct{}
	running  map[batchsystem.JobID]time.Duration
	killed   []batchsystem.JobID
	completions chan batchCompletion
}

type batchCompletion struct {
	id       batchsystem.JobID
	exitCode int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		issued:      make(map[batchsystem.JobID]struct{}),
		running:     make(map[batchsystem.JobID]time.Duration),
		completions: make(chan batchCompletion, 16),
	}
}

func (f *fakeBackend) IssueJob(ctx context.Context, argv []string, memory, cpu float64) (batchsystem.JobID, error) {
	f.nextID++
	id := batchsystem.JobID(string(rune('a' + f.nextID)))
	f.issued[id] = struct{}{}
	return id, nil
}

func (f *fakeBackend) KillJobs(ctx context.Context, ids []batchsystem.JobID) error {
	f.killed = append(f.killed, ids...)
	for _, id := range ids {
		delete(f.issued, id)
		delete(f.running, id)
	}
	return nil
}

func (f *fakeBackend) GetIssuedJobIDs(ctx context.Context) (map[batchsystem.JobID]struct{}, error) {
	out := make(map[batchsystem.JobID]struct{}, len(f.issued))
	for id := range f.issued {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakeBackend) GetRunningJobIDs(ctx context.Context) (map[batchsystem.JobID]time.Duration, error) {
	out := make(map[batchsystem.JobID]time.Duration, len(f.running))
	for id, d := range f.running {
		out[id] = d
	}
	return out, nil
}

func (f *fakeBackend) GetUpdatedJob(ctx context.Context, timeout time.Duration) (batchsystem.JobID, int, bool, error) {
	select {
	case c := <-f.completions:
		return c.id, c.exitCode, true, nil
	default:
		return "", 0, false, nil
	}
}

var _ batchsystem.BatchSystem = (*fakeBackend)(nil)

func testWorkerCommand() WorkerCommand {
	return WorkerCommand{
		Interpreter: "/usr/bin/python3",
		WorkerEntry: "/opt/toil/worker.py",
		RootPath:    "/srv/toil-root",
		JobTreePath: "/srv/toil-root/workflow",
	}
}

func TestIssueJobTracksIssuedTable(t *testing.T) {
	backend := newFakeBackend()
	b := New(backend, testWorkerCommand())

	id, err := b.IssueJob(context.Background(), "job-1", 100, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.JobsIssued())

	jobFile, err := b.RemoveJobID(id)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobFile)
	assert.Equal(t, 0, b.JobsIssued())
}

func TestRemoveJobIDUnknownIsFatal(t *testing.T) {
	b := New(newFakeBackend(), testWorkerCommand())
	_, err := b.RemoveJobID("nonexistent")
	assert.ErrorIs(t, err, ErrUnknownJobID)
}

func TestReissueOverLongJobsKillsThoseExceedingDuration(t *testing.T) {
	backend := newFakeBackend()
	b := New(backend, testWorkerCommand())

	id, err := b.IssueJob(context.Background(), "job-slow", 100, 1)
	require.NoError(t, err)
	backend.running[id] = 2 * time.Hour

	var finished []string
	finish := func(jobFile string) error {
		finished = append(finished, jobFile)
		return nil
	}

	err = b.ReissueOverLongJobs(context.Background(), time.Hour, time.Minute, finish)
	require.NoError(t, err)

	assert.Equal(t, []string{"job-slow"}, finished)
	assert.Equal(t, 0, b.JobsIssued())
}

func TestReissueOverLongJobsDisabledAboveTenMillionSeconds(t *testing.T) {
	backend := newFakeBackend()
	b := New(backend, testWorkerCommand())

	id, err := b.IssueJob(context.Background(), "job-slow", 100, 1)
	require.NoError(t, err)
	backend.running[id] = 365 * 24 * time.Hour

	called := false
	err = b.ReissueOverLongJobs(context.Background(), 11_000_000*time.Second, time.Minute, func(string) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestReissueMissingJobsIncrementsThenKillsAtThreshold(t *testing.T) {
	backend := newFakeBackend()
	b := New(backend, testWorkerCommand())

	id, err := b.IssueJob(context.Background(), "job-lost", 100, 1)
	require.NoError(t, err)
	// The backend never reports this id as issued — simulating a lost job.
	delete(backend.issued, id)

	var finished []string
	finish := func(jobFile string) error {
		finished = append(finished, jobFile)
		return nil
	}

	quiet, err := b.ReissueMissingJobs(context.Background(), 3, finish)
	require.NoError(t, err)
	assert.False(t, quiet)
	assert.Empty(t, finished)

	quiet, err = b.ReissueMissingJobs(context.Background(), 3, finish)
	require.NoError(t, err)
	assert.False(t, quiet)
	assert.Empty(t, finished)

	quiet, err = b.ReissueMissingJobs(context.Background(), 3, finish)
	require.NoError(t, err)
	assert.True(t, quiet)
	assert.Equal(t, []string{"job-lost"}, finished)
}

func TestReissueMissingJobsFatalOnUnownedBackendID(t *testing.T) {
	backend := newFakeBackend()
	b := New(backend, testWorkerCommand())

	backend.issued["ghost"] = struct{}{}

	_, err := b.ReissueMissingJobs(context.Background(), 3, func(string) error { return nil })
	assert.Error(t, err)
}

func TestKillJobsAggregatesErrorsAcrossIDs(t *testing.T) {
	backend := newFakeBackend()
	b := New(backend, testWorkerCommand())

	id, err := b.IssueJob(context.Background(), "job-a", 100, 1)
	require.NoError(t, err)

	err = b.KillJobs(context.Background(), []batchsystem.JobID{id, "not-issued"}, func(string) error {
		return nil
	})
	assert.Error(t, err)
}
