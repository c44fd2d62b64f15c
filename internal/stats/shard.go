// Package stats implements the stats-fragment collation pipeline: the
// two-level sharded directory workers write small XML fragments into, and the
// aggregator that drains them into a single stats.xml without ever blocking
// the main loop (SPEC_FULL.md §4.4).
package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const shardWidth = 10

// RootDir returns the top-level stats shard directory under a workflow path.
func RootDir(jobTreePath string) string {
	return filepath.Join(jobTreePath, "stats")
}

// LeafDirs returns the stats/<1..10>/<1..10>/ leaf paths under jobTreePath
// without touching the filesystem. The master and the aggregator process
// both need this same enumeration — the master to create the directories,
// the aggregator to scan them — so it lives in one place.
func LeafDirs(jobTreePath string) []string {
	root := RootDir(jobTreePath)
	leaves := make([]string, 0, shardWidth*shardWidth)
	for d1 := 1; d1 <= shardWidth; d1++ {
		for d2 := 1; d2 <= shardWidth; d2++ {
			leaves = append(leaves, filepath.Join(root, strconv.Itoa(d1), strconv.Itoa(d2)))
		}
	}
	return leaves
}

// MakeShardDirs creates the stats/<1..10>/<1..10>/ leaf directories, returning
// their paths. Called once by the master at startup when stats are enabled
// (SPEC_FULL.md §4.4, §6).
func MakeShardDirs(jobTreePath string) ([]string, error) {
	leaves := LeafDirs(jobTreePath)
	for _, leaf := range leaves {
		if err := os.MkdirAll(leaf, 0o755); err != nil {
			return nil, fmt.Errorf("stats: create shard dir %s: %w", leaf, err)
		}
	}
	return leaves, nil
}

// FragmentPath returns a path for a new fragment within leaf, named after the
// local hostname and process id (SPEC_FULL.md §6's naming convention). The
// ".new" suffix marks it as still being written; callers rename it away once
// the write is complete.
func FragmentPath(leaf string) (final, temp string) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	name := fmt.Sprintf("%s_%d.xml", hostname, os.Getpid())
	final = filepath.Join(leaf, name)
	temp = final + ".new"
	return final, temp
}
