package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPopFollowOnAdvancesStack(t *testing.T) {
	j := &Job{FollowOnCommands: []FollowOn{{Command: "a"}, {Command: "b"}}}

	top, ok := j.TopFollowOn()
	assert.True(t, ok)
	assert.Equal(t, "a", top.Command)

	j.PopFollowOn()
	assert.Len(t, j.FollowOnCommands, 1)
	assert.Equal(t, "b", j.FollowOnCommands[0].Command)

	j.PopFollowOn()
	assert.Empty(t, j.FollowOnCommands)

	_, ok = j.TopFollowOn()
	assert.False(t, ok)
}

func TestPopFollowOnOnEmptyStackIsNoop(t *testing.T) {
	j := &Job{}
	j.PopFollowOn()
	assert.Empty(t, j.FollowOnCommands)
}

func TestIsDone(t *testing.T) {
	cases := []struct {
		name       string
		job        Job
		childCount int
		want       bool
	}{
		{"no work at all", Job{}, 0, true},
		{"has children pending", Job{Children: []ChildSpec{{ChildJobStoreID: "c"}}}, 0, false},
		{"has follow-ons", Job{FollowOnCommands: []FollowOn{{Command: "x"}}}, 0, false},
		{"outstanding issued children", Job{}, 2, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.job.IsDone(tc.childCount))
		})
	}
}
