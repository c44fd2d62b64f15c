// Command toil-stats-aggregator is the sibling process started by
// cmd/toil-master when stats collection is enabled. It drains stat
// fragments out of a workflow's sharded directory tree into a single
// stats.xml, stopping when its parent writes to (or closes) its stdin pipe
// (SPEC_FULL.md §4.4).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hugoren/toil/internal/stats"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: toil-stats-aggregator <jobtree-path>")
		os.Exit(2)
	}
	jobTreePath := os.Args[1]

	leaves := stats.LeafDirs(jobTreePath)

	agg, err := stats.NewAggregator(filepath.Join(jobTreePath, "stats.xml"), leaves)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toil-stats-aggregator: %s\n", err)
		os.Exit(1)
	}

	sig := stats.NewStopSignal()
	stop := sig.Listen(os.Stdin)

	if err := agg.Run(stop); err != nil {
		fmt.Fprintf(os.Stderr, "toil-stats-aggregator: %s\n", err)
		os.Exit(1)
	}
}
