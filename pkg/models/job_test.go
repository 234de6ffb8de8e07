package models_test

import (
	"testing"

	"github.com/harmonia/maestro/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestKnownType(t *testing.T) {
	assert.True(t, models.KnownType(models.JobTypeMetadata))
	assert.True(t, models.KnownType(models.JobTypeAudio))
	assert.False(t, models.KnownType("video-rendering"))
	assert.False(t, models.KnownType(""))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, models.IsTerminal(models.JobStatusSucceeded))
	assert.True(t, models.IsTerminal(models.JobStatusFailed))
	assert.True(t, models.IsTerminal(models.JobStatusDeadLettered))
	assert.False(t, models.IsTerminal(models.JobStatusPending))
	assert.False(t, models.IsTerminal(models.JobStatusDispatched))
	assert.False(t, models.IsTerminal(models.JobStatusRunning))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		allowed bool
	}{
		{"pending to dispatched", models.JobStatusPending, models.JobStatusDispatched, true},
		{"pending to failed (cancel or enqueue failure)", models.JobStatusPending, models.JobStatusFailed, true},
		{"pending to dead-lettered", models.JobStatusPending, models.JobStatusDeadLettered, true},
		{"pending to running skips dispatch", models.JobStatusPending, models.JobStatusRunning, false},
		{"dispatched to running", models.JobStatusDispatched, models.JobStatusRunning, true},
		{"dispatched to succeeded", models.JobStatusDispatched, models.JobStatusSucceeded, true},
		{"dispatched back to pending (redelivery)", models.JobStatusDispatched, models.JobStatusPending, true},
		{"running to succeeded", models.JobStatusRunning, models.JobStatusSucceeded, true},
		{"running to failed", models.JobStatusRunning, models.JobStatusFailed, true},
		{"running back to pending (redelivery)", models.JobStatusRunning, models.JobStatusPending, true},
		{"running to dispatched regression", models.JobStatusRunning, models.JobStatusDispatched, false},
		{"succeeded is absorbing", models.JobStatusSucceeded, models.JobStatusFailed, false},
		{"failed is absorbing", models.JobStatusFailed, models.JobStatusPending, false},
		{"dead-lettered is absorbing", models.JobStatusDeadLettered, models.JobStatusPending, false},
		{"self transition rejected", models.JobStatusRunning, models.JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, models.CanTransition(tt.from, tt.to))
		})
	}
}
