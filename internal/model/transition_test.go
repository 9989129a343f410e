package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbolicai/demoflow/internal/model"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]model.RunStatus]bool{
		{model.RunStatusQueued, model.RunStatusRunning}:     true,
		{model.RunStatusQueued, model.RunStatusFailed}:      true,
		{model.RunStatusRunning, model.RunStatusSucceeded}:  true,
		{model.RunStatusRunning, model.RunStatusFailed}:     true,
		{model.RunStatusRunning, model.RunStatusCancelled}:  true,
	}
	for _, from := range model.RunStatuses {
		for _, to := range model.RunStatuses {
			got := model.CanTransition(from, to)
			assert.Equal(t, allowed[[2]model.RunStatus{from, to}], got, "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_TerminalHasNoExits(t *testing.T) {
	for _, from := range model.RunStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range model.RunStatuses {
			assert.False(t, model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestRoute_QueuedToSucceededGoesThroughRunning(t *testing.T) {
	hops, err := model.Route(model.RunStatusQueued, model.RunStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, []model.RunStatus{model.RunStatusRunning, model.RunStatusSucceeded}, hops)
}

func TestRoute_DirectHop(t *testing.T) {
	hops, err := model.Route(model.RunStatusQueued, model.RunStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, []model.RunStatus{model.RunStatusFailed}, hops)
}

func TestRoute_RejectsLeavingTerminal(t *testing.T) {
	_, err := model.Route(model.RunStatusFailed, model.RunStatusSucceeded)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.RunStatusFailed, te.From)
	assert.Equal(t, model.RunStatusSucceeded, te.To)
}

func TestRoute_RejectsBackToQueued(t *testing.T) {
	_, err := model.Route(model.RunStatusRunning, model.RunStatusQueued)
	assert.Error(t, err)
}
