package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/icmd"

	"github.com/hugoren/toil/internal/jobstore"
)

func writeConfig(t *testing.T, dir string, stats bool) {
	t.Helper()
	contents := fmt.Sprintf(
		`<config job_tree=%q rescue_jobs_frequency="0.2" max_job_duration="30" job_time="1" stats="%t"/>`,
		dir, stats,
	)
	if err := os.WriteFile(filepath.Join(dir, "config.xml"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

// seedJob opens the job store just long enough to persist one record, then
// releases its master lock so toil-master can acquire it.
func seedJob(t *testing.T, dir string, job *jobstore.Job) {
	t.Helper()
	seedJobs(t, dir, job)
}

// seedJobs opens the job store just long enough to persist every record,
// then releases its master lock so toil-master can acquire it.
func seedJobs(t *testing.T, dir string, jobs ...*jobstore.Job) {
	t.Helper()
	store, err := jobstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range jobs {
		if err := store.Put(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CloseAndRelease(dir); err != nil {
		t.Fatal(err)
	}
}

func TestMasterExitsCleanlyWithNoRunnableWork(t *testing.T) {
	dir := newWorkflowDir(t, "empty-tree")
	writeConfig(t, dir, false)

	// A root job with neither children nor follow-ons is never ready; the
	// loop should observe jobsIssued == 0 on its first pass and exit 0
	// without ever touching a batch system backend.
	seedJob(t, dir, &jobstore.Job{JobStoreID: "root", RemainingRetries: 1})

	result := icmd.RunCmd(toilMaster(dir, "-jobtree", dir, "-worker-count", "1"))
	result.Assert(t, icmd.Success)
}

func TestMasterRunsSingleJobToCompletion(t *testing.T) {
	dir := newWorkflowDir(t, "single-job")
	writeConfig(t, dir, false)

	// /bin/true as the "interpreter" makes the worker invocation succeed
	// regardless of argv, letting this test exercise real process issuance
	// through internal/batchsystem/local without depending on an external
	// worker runtime.
	seedJob(t, dir, &jobstore.Job{
		JobStoreID:       "root",
		RemainingRetries: 1,
		FollowOnCommands: []jobstore.FollowOn{{Command: "noop"}},
	})

	result := icmd.RunCmd(toilMaster(dir,
		"-jobtree", dir,
		"-worker-count", "1",
		"-worker-interpreter", "/bin/true",
		"-worker-entry", "unused",
	))
	result.Assert(t, icmd.Success)

	assertLines(t, result.Stderr(), map[int]compareFunc{}, false)
}

func TestMasterReportsPermanentFailureInExitCode(t *testing.T) {
	dir := newWorkflowDir(t, "failing-job")
	writeConfig(t, dir, false)

	// With zero retries left the job is counted as permanently failed on the
	// first drain without ever being issued (so /bin/false never runs), and
	// the master's exit code is the permanently-failed job count
	// (SPEC_FULL.md §8).
	seedJob(t, dir, &jobstore.Job{
		JobStoreID:       "root",
		RemainingRetries: 0,
		FollowOnCommands: []jobstore.FollowOn{{Command: "noop"}},
	})

	result := icmd.RunCmd(toilMaster(dir,
		"-jobtree", dir,
		"-worker-count", "1",
		"-worker-interpreter", "/bin/false",
		"-worker-entry", "unused",
	))
	result.Assert(t, icmd.Expected{ExitCode: 1})
}

func TestMasterRunsParentWithChildrenToCompletion(t *testing.T) {
	dir := newWorkflowDir(t, "parent-with-children")
	writeConfig(t, dir, false)

	// parent has two children whose records already exist (persisted by the
	// job-tree primitive up front) but have not been issued yet — this is
	// spec §8 scenario 4, run through the real BadgerStore-backed master
	// rather than the in-memory fakes, to catch the kind of first-issuance
	// regression a fake can paper over.
	seedJobs(t, dir,
		&jobstore.Job{
			JobStoreID: "parent",
			Children: []jobstore.ChildSpec{
				{ChildJobStoreID: "child-a"},
				{ChildJobStoreID: "child-b"},
			},
		},
		&jobstore.Job{JobStoreID: "child-a", ParentID: "parent", RemainingRetries: 1},
		&jobstore.Job{JobStoreID: "child-b", ParentID: "parent", RemainingRetries: 1},
	)

	result := icmd.RunCmd(toilMaster(dir,
		"-jobtree", dir,
		"-worker-count", "2",
		"-worker-interpreter", "/bin/true",
		"-worker-entry", "unused",
	))
	result.Assert(t, icmd.Success)
}

func TestMasterDebugRunExecutesQuotedCommand(t *testing.T) {
	dir := newWorkflowDir(t, "debug-run")

	result := icmd.RunCmd(toilMaster(dir, "debug-run", "/bin/echo hello"))
	result.Assert(t, icmd.Success)
	assertLines(t, result.Stdout(), map[int]compareFunc{0: contains("hello")}, false)
}
