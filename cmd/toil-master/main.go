// Command toil-master drives one job-tree workflow directory to completion
// (SPEC_FULL.md §4.7). It wires together the Job Store, Batch System, Job
// Batcher, and Main Loop, exposes an operational metrics/health surface, and
// optionally spawns the stats aggregator as a sibling process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/kballard/go-shellquote"
	"github.com/posener/complete"
	"github.com/urfave/cli/v2"

	"github.com/hugoren/toil/internal/batcher"
	"github.com/hugoren/toil/internal/batchsystem/local"
	"github.com/hugoren/toil/internal/config"
	"github.com/hugoren/toil/internal/jobstore"
	"github.com/hugoren/toil/internal/logging"
	"github.com/hugoren/toil/internal/mainloop"
	"github.com/hugoren/toil/internal/stats"
)

func main() {
	cmp := complete.New("toil-master", complete.Command{
		Flags: complete.Flags{
			"-jobtree":            complete.PredictDirs("*"),
			"-worker-count":       complete.PredictAnything,
			"-metrics-addr":       complete.PredictAnything,
			"-log-level":          complete.PredictSet("debug", "info", "warning", "error"),
			"-log-json":           complete.PredictNothing,
			"-gops":               complete.PredictNothing,
			"-root-path":          complete.PredictDirs("*"),
			"-worker-interpreter": complete.PredictAnything,
			"-worker-entry":       complete.PredictAnything,
		},
		Sub: complete.Commands{
			"debug-run": complete.Command{Args: complete.PredictAnything},
		},
	})
	if cmp.Run() {
		return
	}

	exitCode := -1

	app := &cli.App{
		Name:  "toil-master",
		Usage: "run the master of a master/worker job-tree workflow",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "jobtree", Usage: "workflow directory (required unless running debug-run)"},
			&cli.IntFlag{Name: "worker-count", Value: 4, Usage: "size of the local worker pool"},
			&cli.StringFlag{Name: "metrics-addr", Value: ":9090", Usage: "address for the /metrics and /healthz HTTP surface"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warning, error"},
			&cli.BoolFlag{Name: "log-json", Usage: "emit structured JSON logs instead of console output"},
			&cli.BoolFlag{Name: "gops", Usage: "start the gops diagnostics agent"},
			&cli.StringFlag{Name: "root-path", Value: ".", Usage: "root path passed through to worker invocations"},
			&cli.StringFlag{Name: "worker-interpreter", Value: "/usr/bin/python3", Usage: "interpreter used to invoke the worker entrypoint"},
			&cli.StringFlag{Name: "worker-entry", Value: "/opt/toil/worker.py", Usage: "worker entrypoint script"},
		},
		Before: func(c *cli.Context) error {
			logging.Init(logging.Options{Level: c.String("log-level"), JSON: c.Bool("log-json")})

			if c.Bool("gops") || os.Getenv("TOIL_GOPS") != "" {
				if err := agent.Listen(&agent.Options{NoShutdownCleanup: true}); err != nil {
					return fmt.Errorf("gops: %w", err)
				}
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			if c.String("jobtree") == "" {
				return fmt.Errorf("required flag \"jobtree\" not set")
			}
			code, err := runMaster(c)
			exitCode = code
			return err
		},
		Commands: []*cli.Command{
			{
				Name:      "debug-run",
				Usage:     "run a quoted shell-style worker command directly, bypassing the scheduler",
				ArgsUsage: "\"<command string>\"",
				Action:    debugRun,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Logger.Criticalf("%s", err)
		os.Exit(1)
	}
	if exitCode >= 0 {
		os.Exit(exitCode)
	}
}

// runMaster runs one workflow to completion, returning the number of
// permanently-failed jobs as the master's exit code (SPEC_FULL.md §8).
func runMaster(c *cli.Context) (int, error) {
	jobTreePath := c.String("jobtree")

	cfgRecord, err := config.Load(jobTreePath)
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}

	store, err := jobstore.Open(jobTreePath)
	if err != nil {
		return 0, fmt.Errorf("open job store: %w", err)
	}
	defer store.CloseAndRelease(jobTreePath)

	backend := local.New(c.Int("worker-count"))
	defer backend.Close()

	b := batcher.New(backend, batcher.WorkerCommand{
		Interpreter: c.String("worker-interpreter"),
		WorkerEntry: c.String("worker-entry"),
		RootPath:    c.String("root-path"),
		JobTreePath: jobTreePath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		logging.Logger.Info("received signal, shutting down")
		cancel()
	}()

	var aggregatorStop func()
	if cfgRecord.Stats {
		stopFn, err := startStatsAggregator(jobTreePath)
		if err != nil {
			return 0, fmt.Errorf("start stats aggregator: %w", err)
		}
		aggregatorStop = stopFn
	}

	state, err := store.LoadTreeState(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tree state: %w", err)
	}

	metrics := mainloop.NewMetrics()
	var running int32 = 1
	metricsSrv := mainloop.NewMetricsServer(c.String("metrics-addr"), metrics, func() bool {
		return atomic.LoadInt32(&running) == 1
	})
	go func() {
		if err := metricsSrv.Serve(ctx); err != nil {
			logging.Logger.Errorf("metrics server: %s", err)
		}
	}()

	loop := mainloop.New(state, store, b, backend, mainloop.Config{
		RescueJobsFrequency: cfgRecord.RescueJobsFrequencyDuration(),
		MaxJobDuration:      cfgRecord.MaxJobDurationDuration(),
		IdealJobTime:        cfgRecord.JobTimeDuration(),
		MissingThreshold:    3,
	}, metrics)

	failed, runErr := loop.Run(ctx)
	atomic.StoreInt32(&running, 0)

	if aggregatorStop != nil {
		aggregatorStop()
	}

	if runErr != nil {
		return 0, runErr
	}

	logging.Logger.Infof("workflow finished, %d jobs permanently failed", failed)
	return failed, nil
}

// startStatsAggregator launches cmd/toil-stats-aggregator as a true sibling
// OS process and returns a function that signals it to stop and waits for
// exit (SPEC_FULL.md §4.4).
func startStatsAggregator(jobTreePath string) (func(), error) {
	if _, err := stats.MakeShardDirs(jobTreePath); err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	aggregatorPath := self + "-stats-aggregator"
	if _, err := os.Stat(aggregatorPath); err != nil {
		aggregatorPath = "toil-stats-aggregator"
	}

	cmd := exec.Command(aggregatorPath, jobTreePath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return func() {
		startWait := time.Now()
		_, _ = stdin.Write([]byte{1})
		_ = stdin.Close()
		_ = cmd.Wait()
		logging.Logger.Infof("stats aggregator joined after %s", time.Since(startWait))
	}, nil
}

// debugRun splits a quoted shell-style command string into argv with
// kballard/go-shellquote and execs it directly, for ad-hoc manual testing of
// a worker command outside the scheduler. It never touches the scheduling
// path — direct argv is still what the Batcher itself constructs.
func debugRun(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("debug-run: expected exactly one quoted command string")
	}

	argv, err := shellquote.Split(c.Args().First())
	if err != nil {
		return fmt.Errorf("debug-run: split command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("debug-run: empty command")
	}

	cmd := exec.CommandContext(c.Context, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
