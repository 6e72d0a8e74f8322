package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/events"
)

func TestStatusAggregator_Recompute(t *testing.T) {
	tests := []struct {
		name     string
		seed     map[string]domain.EncodingStatus
		want     domain.EncodingStatus
		listable bool
	}{
		{
			name:     "no renditions",
			want:     domain.EncodingPending,
			listable: false,
		},
		{
			name: "one success wins over running",
			seed: map[string]domain.EncodingStatus{
				"prf-h264-720": domain.EncodingSuccess,
				"prf-vp9-720":  domain.EncodingRunning,
			},
			want:     domain.EncodingSuccess,
			listable: true,
		},
		{
			name: "running beats pending and fail",
			seed: map[string]domain.EncodingStatus{
				"prf-h264-240": domain.EncodingPending,
				"prf-h264-480": domain.EncodingRunning,
				"prf-h264-720": domain.EncodingFail,
			},
			want: domain.EncodingRunning,
		},
		{
			name: "pending beats fail",
			seed: map[string]domain.EncodingStatus{
				"prf-h264-240": domain.EncodingPending,
				"prf-h264-720": domain.EncodingFail,
			},
			want: domain.EncodingPending,
		},
		{
			name: "all failed",
			seed: map[string]domain.EncodingStatus{
				"prf-h264-240": domain.EncodingFail,
				"prf-h264-720": domain.EncodingFail,
			},
			want: domain.EncodingFail,
		},
		{
			name: "preview does not count",
			seed: map[string]domain.EncodingStatus{
				"prf-preview":  domain.EncodingSuccess,
				"prf-h264-720": domain.EncodingFail,
			},
			want: domain.EncodingFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			media := env.seedMedia(120)
			for profileID, status := range tt.seed {
				env.seedEncoding(media.ID, profileID, status)
			}

			got, err := env.aggregator.Recompute(context.Background(), media.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			stored, err := env.store.GetMedia(context.Background(), media.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.EncodingStatus)
			assert.Equal(t, tt.listable, stored.Listable)
		})
	}
}

func TestStatusAggregator_IgnoresChunkRows(t *testing.T) {
	env := newTestEnv(t)
	media, _ := chunkizeLong(t, env, "prf-h264-720")
	env.seedEncoding(media.ID, "prf-h264-240", domain.EncodingFail)

	got, err := env.aggregator.Recompute(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EncodingFail, got)
}

func TestStatusAggregator_PublishesOnlyOnChange(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.PlayOriginalWhileEncoding = true
	env.aggregator = NewStatusAggregator(env.store, env.pub, env.cfg, env.logger)

	media := env.seedMedia(120)
	env.seedEncoding(media.ID, "prf-h264-720", domain.EncodingRunning)

	ctx := context.Background()
	_, err := env.aggregator.Recompute(ctx, media.ID)
	require.NoError(t, err)
	_, err = env.aggregator.Recompute(ctx, media.ID)
	require.NoError(t, err)

	evts := env.pub.ofType(events.EventMediaStatusChanged)
	require.Len(t, evts, 1)
	data, ok := evts[0].Data.(events.MediaStatusEventData)
	require.True(t, ok)
	assert.Equal(t, domain.EncodingRunning, data.Status)
	assert.True(t, data.Listable, "original plays while encoding")
}
