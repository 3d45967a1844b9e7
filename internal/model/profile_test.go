package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   ProfileStatus
		want     string
		terminal bool
	}{
		{ProfileStatusPending, "pending", false},
		{ProfileStatusRunning, "running", false},
		{ProfileStatusCompleted, "completed", true},
		{ProfileStatusFailed, "failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, ProfileStatus("queued").Valid())
}

func TestMiningProfile_Remaining(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile MiningProfile
		want    int
	}{
		{"unknown total", MiningProfile{ProcessedTargets: 10}, 0},
		{"fresh", MiningProfile{TotalTargets: IntPtr(47)}, 47},
		{"partially processed", MiningProfile{TotalTargets: IntPtr(47), ProcessedTargets: 20}, 27},
		{"over processed clamps to zero", MiningProfile{TotalTargets: IntPtr(10), ProcessedTargets: 12}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.profile.Remaining())
		})
	}
}

func TestMiningProfile_HasTotal(t *testing.T) {
	t.Parallel()

	assert.False(t, MiningProfile{}.HasTotal())
	assert.True(t, MiningProfile{TotalTargets: IntPtr(0)}.HasTotal())
}
