// Package local is the reference BatchSystem backend: a bounded pool of real OS
// processes driven directly (never via a shell), suitable for development,
// tests, and single-host production use. Production Mesos/LSF/GridEngine/
// Parasol adapters plug into the same batchsystem.BatchSystem interface and are
// out of scope here.
//
// The fan-out/fan-in shape is generalized from a worker-pool pattern that lists
// work, hands it to a bounded set of goroutines, and collects results on a
// channel while honoring context cancellation throughout.
package local

import (
	"container/list"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugoren/toil/internal/batchsystem"
)

type task struct {
	id   batchsystem.JobID
	argv []string
}

type completion struct {
	id       batchsystem.JobID
	exitCode int
}

type running struct {
	cmd     *exec.Cmd
	started time.Time
}

// Pool is a BatchSystem backed by a fixed-size pool of worker goroutines, each
// running at most one OS process at a time via os/exec.CommandContext. A
// single dispatcher goroutine owns an unbounded FIFO queue so that IssueJob
// never blocks on worker availability (SPEC_FULL.md §4.1).
type Pool struct {
	workerCount int

	pushCh     chan *task
	dispatchCh chan *task

	removeCh chan batchsystem.JobID

	issued  sync.Map // JobID -> struct{}
	running sync.Map // JobID -> *running

	completions chan completion

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ batchsystem.BatchSystem = (*Pool)(nil)

// New starts a Pool with workerCount concurrent worker goroutines.
func New(workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		workerCount: workerCount,
		pushCh:      make(chan *task),
		dispatchCh:  make(chan *task),
		removeCh:    make(chan batchsystem.JobID),
		completions: make(chan completion, 1024),
		ctx:         ctx,
		cancel:      cancel,
	}

	go p.dispatch()
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// IssueJob enqueues argv for execution and returns immediately; it never
// blocks on worker availability (SPEC_FULL.md §4.1).
func (p *Pool) IssueJob(ctx context.Context, argv []string, memory, cpu float64) (batchsystem.JobID, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("local: empty argv")
	}
	id := batchsystem.JobID(uuid.NewString())

	p.issued.Store(id, struct{}{})
	t := &task{id: id, argv: argv}

	go func() {
		select {
		case p.pushCh <- t:
		case <-p.ctx.Done():
		}
	}()

	return id, nil
}

// dispatch owns the FIFO queue: it buffers incoming tasks and hands them to
// whichever worker goroutine is next ready on dispatchCh.
func (p *Pool) dispatch() {
	queue := list.New()
	for {
		if queue.Len() == 0 {
			select {
			case t := <-p.pushCh:
				queue.PushBack(t)
			case id := <-p.removeCh:
				removeFromQueue(queue, id)
			case <-p.ctx.Done():
				return
			}
			continue
		}

		front := queue.Front()
		select {
		case p.dispatchCh <- front.Value.(*task):
			queue.Remove(front)
		case t := <-p.pushCh:
			queue.PushBack(t)
		case id := <-p.removeCh:
			removeFromQueue(queue, id)
		case <-p.ctx.Done():
			return
		}
	}
}

func removeFromQueue(queue *list.List, id batchsystem.JobID) {
	for e := queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*task).id == id {
			queue.Remove(e)
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.dispatchCh:
			p.run(t)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) run(t *task) {
	cmd := exec.CommandContext(p.ctx, t.argv[0], t.argv[1:]...)
	p.running.Store(t.id, &running{cmd: cmd, started: time.Now()})

	err := cmd.Run()
	p.running.Delete(t.id)

	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() >= 0 {
				exitCode = exitErr.ExitCode()
			}
		}
	}

	select {
	case p.completions <- completion{id: t.id, exitCode: exitCode}:
	case <-p.ctx.Done():
	}
}

// KillJobs best-effort terminates the given ids, whether queued or running.
func (p *Pool) KillJobs(ctx context.Context, ids []batchsystem.JobID) error {
	for _, id := range ids {
		if v, ok := p.running.Load(id); ok {
			r := v.(*running)
			if r.cmd.Process != nil {
				_ = r.cmd.Process.Kill()
			}
			continue
		}
		p.removeQueued(id)
		// A queued job never runs, so report it here as a failed completion.
		select {
		case p.completions <- completion{id: id, exitCode: 1}:
		case <-p.ctx.Done():
		}
	}
	return nil
}

func (p *Pool) removeQueued(id batchsystem.JobID) {
	select {
	case p.removeCh <- id:
	case <-p.ctx.Done():
	}
}

// GetIssuedJobIDs returns every id submitted and not yet reaped.
func (p *Pool) GetIssuedJobIDs(ctx context.Context) (map[batchsystem.JobID]struct{}, error) {
	out := make(map[batchsystem.JobID]struct{})
	p.issued.Range(func(k, _ interface{}) bool {
		out[k.(batchsystem.JobID)] = struct{}{}
		return true
	})
	return out, nil
}

// GetRunningJobIDs returns ids currently executing, with elapsed wall time.
func (p *Pool) GetRunningJobIDs(ctx context.Context) (map[batchsystem.JobID]time.Duration, error) {
	out := make(map[batchsystem.JobID]time.Duration)
	now := time.Now()
	p.running.Range(func(k, v interface{}) bool {
		r := v.(*running)
		out[k.(batchsystem.JobID)] = now.Sub(r.started)
		return true
	})
	return out, nil
}

// GetUpdatedJob blocks up to timeout for one completion.
func (p *Pool) GetUpdatedJob(ctx context.Context, timeout time.Duration) (batchsystem.JobID, int, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-p.completions:
		p.issued.Delete(c.id)
		return c.id, c.exitCode, true, nil
	case <-timer.C:
		return "", 0, false, nil
	case <-ctx.Done():
		return "", 0, false, ctx.Err()
	}
}

// Close stops all workers and in-flight processes. Not part of the
// BatchSystem interface; used by tests and the CLI at shutdown.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
