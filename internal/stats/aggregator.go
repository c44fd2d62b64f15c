package stats

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/karrick/godirwalk"
)

const (
	flushInterval = 60 * time.Second
	idleSleep     = 500 * time.Millisecond
)

// Aggregator drains stats fragments out of the sharded leaf directories into a
// single output file, never recursing below a leaf since the two-level shard
// layout is already fully enumerated by MakeShardDirs (SPEC_FULL.md §4.4).
type Aggregator struct {
	leaves []string
	out    io.WriteCloser
	writer *bufio.Writer

	startWall time.Time
	startCPU  time.Duration
}

// NewAggregator opens outputPath for write and emits the XML prologue.
func NewAggregator(outputPath string, leaves []string) (*Aggregator, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("stats: create output %s: %w", outputPath, err)
	}

	a := &Aggregator{
		leaves:    leaves,
		out:       f,
		writer:    bufio.NewWriter(f),
		startWall: time.Now(),
		startCPU:  cpuTime(),
	}

	if _, err := a.writer.WriteString("<?xml version=\"1.0\" ?><stats>"); err != nil {
		f.Close()
		return nil, fmt.Errorf("stats: write prologue: %w", err)
	}
	return a, nil
}

// Run loops collating fragments until stop is closed or receives a value, at
// which point it performs one final drain pass to catch late arrivals, then
// emits the trailing <total_time/> element and closes the output.
func (a *Aggregator) Run(stop <-chan struct{}) error {
	lastFlush := time.Now()
	stopping := false

	for {
		if !stopping {
			select {
			case <-stop:
				stopping = true
			default:
			}
		}

		processed, err := a.collateOnce()
		if err != nil {
			return err
		}

		if stopping {
			break
		}

		if time.Since(lastFlush) >= flushInterval {
			if err := a.writer.Flush(); err != nil {
				return fmt.Errorf("stats: flush: %w", err)
			}
			lastFlush = time.Now()
		}

		if processed == 0 {
			select {
			case <-stop:
				stopping = true
			case <-time.After(idleSleep):
			}
		}
	}

	return a.finish()
}

// collateOnce scans every leaf directory once, appending every non-".new"
// fragment's contents to the output and deleting the source file. Returns the
// number of fragments processed.
func (a *Aggregator) collateOnce() (int, error) {
	processed := 0

	for _, leaf := range a.leaves {
		names, err := godirwalk.ReadDirnames(leaf, nil)
		if err != nil {
			return processed, fmt.Errorf("stats: list %s: %w", leaf, err)
		}

		for _, name := range names {
			if strings.HasSuffix(name, ".new") {
				continue
			}
			path := filepath.Join(leaf, name)
			if err := a.absorbFragment(path); err != nil {
				return processed, err
			}
			processed++
		}
	}

	return processed, nil
}

func (a *Aggregator) absorbFragment(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a late rename or concurrent collation; harmless.
			return nil
		}
		return fmt.Errorf("stats: read fragment %s: %w", path, err)
	}

	if _, err := a.writer.Write(data); err != nil {
		return fmt.Errorf("stats: append fragment %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stats: remove fragment %s: %w", path, err)
	}
	return nil
}

func (a *Aggregator) finish() error {
	elapsedWall := time.Since(a.startWall).Seconds()
	elapsedCPU := (cpuTime() - a.startCPU).Seconds()

	trailer := fmt.Sprintf("<total_time time='%f' clock='%f'/></stats>", elapsedWall, elapsedCPU)
	if _, err := a.writer.WriteString(trailer); err != nil {
		return fmt.Errorf("stats: write trailer: %w", err)
	}
	if err := a.writer.Flush(); err != nil {
		return fmt.Errorf("stats: final flush: %w", err)
	}
	return a.out.Close()
}

// cpuTime returns this process's cumulative user+system CPU time via
// syscall.Getrusage, as SPEC_FULL.md §4.4 specifies.
func cpuTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}

// StopSignal bridges the one-shot stop signal across the process boundary
// over the aggregator child's stdin pipe (SPEC_FULL.md §4.4). The master side
// writes one byte to the child's stdin pipe and closes it; the aggregator
// process runs Listen on its own os.Stdin and reads exactly one value from the
// returned channel.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal returns a signal with its channel ready to receive.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{}, 1)}
}

// Listen starts a goroutine that blocks on r.Read and pushes onto the
// returned channel the moment anything is read, or r hits EOF.
func (s *StopSignal) Listen(r io.Reader) <-chan struct{} {
	go func() {
		buf := make([]byte, 1)
		r.Read(buf) //nolint:errcheck // any read outcome, including EOF, is the signal
		s.once.Do(func() { s.ch <- struct{}{} })
	}()
	return s.ch
}
