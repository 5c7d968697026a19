package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())

	for _, s := range NonTerminalStatuses() {
		assert.False(t, s.IsTerminal(), "status %q", s)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskAssigned, true},
		{TaskAssigned, TaskInProgress, true},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskFailed, true},
		{TaskAssigned, TaskCompleted, true},
		{TaskAssigned, TaskPending, false},
		{TaskCompleted, TaskInProgress, false},
		{TaskFailed, TaskAssigned, false},
		{TaskCompleted, TaskFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
