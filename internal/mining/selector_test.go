package mining

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/icp-miner/internal/model"
)

func profile(id string, status model.ProfileStatus, total *int, processed int) model.MiningProfile {
	return model.MiningProfile{
		ID:               id,
		SiteID:           "site-1",
		Status:           status,
		TotalTargets:     total,
		ProcessedTargets: processed,
	}
}

func TestSelectProfile_RunningBeatsPending(t *testing.T) {
	t.Parallel()

	pool := []model.MiningProfile{
		profile("pending-big", model.ProfileStatusPending, model.IntPtr(20), 0),
		profile("running-small", model.ProfileStatusRunning, model.IntPtr(10), 8),
	}

	got, ok := SelectProfile(pool)
	require.True(t, ok)
	assert.Equal(t, "running-small", got.ID)
}

func TestSelectProfile_TieKeepsInputOrder(t *testing.T) {
	t.Parallel()

	pool := []model.MiningProfile{
		profile("first", model.ProfileStatusPending, model.IntPtr(30), 10),
		profile("second", model.ProfileStatusPending, model.IntPtr(20), 0),
	}

	for range 5 {
		got, ok := SelectProfile(pool)
		require.True(t, ok)
		assert.Equal(t, "first", got.ID)
	}
}

func TestSelectProfile_GreatestRemaining(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pool []model.MiningProfile
		want string
	}{
		{
			name: "pending by remaining",
			pool: []model.MiningProfile{
				profile("a", model.ProfileStatusPending, model.IntPtr(10), 5),
				profile("b", model.ProfileStatusPending, model.IntPtr(100), 10),
				profile("c", model.ProfileStatusPending, model.IntPtr(50), 0),
			},
			want: "b",
		},
		{
			name: "running by remaining",
			pool: []model.MiningProfile{
				profile("a", model.ProfileStatusRunning, model.IntPtr(10), 5),
				profile("b", model.ProfileStatusPending, model.IntPtr(500), 0),
				profile("c", model.ProfileStatusRunning, model.IntPtr(40), 0),
			},
			want: "c",
		},
		{
			name: "unhydrated counts as zero",
			pool: []model.MiningProfile{
				profile("unknown", model.ProfileStatusPending, nil, 0),
				profile("known", model.ProfileStatusPending, model.IntPtr(3), 0),
			},
			want: "known",
		},
		{
			name: "overshoot counts as zero",
			pool: []model.MiningProfile{
				profile("over", model.ProfileStatusPending, model.IntPtr(10), 15),
				profile("unknown", model.ProfileStatusPending, nil, 0),
			},
			want: "over",
		},
		{
			name: "single candidate",
			pool: []model.MiningProfile{
				profile("only", model.ProfileStatusPending, nil, 0),
			},
			want: "only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := SelectProfile(tt.pool)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestSelectProfile_Empty(t *testing.T) {
	t.Parallel()

	_, ok := SelectProfile(nil)
	assert.False(t, ok)

	_, ok = SelectProfile([]model.MiningProfile{})
	assert.False(t, ok)
}
