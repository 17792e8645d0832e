package jobs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusQueued, true},
		{StatusQueued, StatusWaiting, true},
		{StatusWaiting, StatusLaunching, true},
		{StatusLaunching, StatusRunning, true},
		{StatusRunning, StatusComplete, true},
		{StatusCreated, StatusComplete, true},
		{StatusQueued, StatusComplete, true},
		{StatusCreated, StatusRunning, true},
		{StatusQueued, StatusRunning, true},
		{StatusWaiting, StatusComplete, false},
		{StatusInteractive, StatusRunning, true},
		{StatusFailed, StatusStopped, true},
		{StatusRunning, StatusRunning, true},
		{StatusComplete, StatusDeleted, true},
		{StatusComplete, StatusRunning, false},
		{StatusStopped, StatusFailed, false},
		{StatusDeleted, StatusDeleted, false},
		{StatusDeleted, StatusQueued, false},
		{StatusQueued, Status("BOGUS"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCheckTransitionErrors(t *testing.T) {
	err := checkTransition(StatusComplete, StatusRunning)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	err = checkTransition(StatusQueued, Status("nope"))
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusDeleted.Terminal())
	assert.False(t, StatusWaiting.Terminal())
	assert.True(t, StatusInteractive.InFlight())
	assert.False(t, StatusQueued.InFlight())
}
