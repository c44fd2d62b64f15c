// Package e2e runs the compiled toil-master binary end to end against real
// workflow directories, the way the teacher pack's e2e suite drives a
// compiled CLI binary rather than calling Go functions directly. It assumes
// toil-master has already been built onto $PATH (the teacher's own e2e suite
// carries the same assumption about its binary).
package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/icmd"
)

// newWorkflowDir creates a fresh temporary workflow directory for testname.
func newWorkflowDir(t *testing.T, testname string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), testname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

// toilMaster returns a command builder rooted at dir, the way the teacher's
// s5cmd-invoking closure was scoped to one temp directory per test.
func toilMaster(dir string, args ...string) icmd.Cmd {
	cmd := icmd.Command("toil-master", args...)
	cmd.Dir = dir
	return cmd
}

func replaceMatchWithSpace(input string, match ...string) string {
	for _, m := range match {
		if m == "" {
			continue
		}
		re := regexp.MustCompile(m)
		input = re.ReplaceAllString(input, " ")
	}

	return input
}

type compareFunc func(string) error

func assertLines(t *testing.T, actual string, expectedlines map[int]compareFunc, strict bool) {
	t.Helper()

	lines := strings.Split(actual, "\n")

	for i, line := range lines {
		line = replaceMatchWithSpace(line, `\s+`)
		cmp, ok := expectedlines[i]
		if !ok {
			if strict {
				t.Fatalf("expected a comparison function for line %q (lineno: %v)", line, i)
			}
			continue
		}

		if err := cmp(line); err != nil {
			t.Errorf("line %v: %v", i, err)
		}
	}

	if t.Failed() {
		t.Log(actual)
	}
}

func match(expected string) compareFunc {
	re := regexp.MustCompile(expected)
	return func(actual string) error {
		if re.MatchString(actual) {
			return nil
		}
		return fmt.Errorf("match: given %q regex doesn't match with %q", expected, actual)
	}
}

func contains(expected string) compareFunc {
	return func(actual string) error {
		if strings.Contains(actual, expected) {
			return nil
		}

		diff := cmp.Diff(expected, actual)
		return fmt.Errorf("contains: (-want +got):\n%v", diff)
	}
}
