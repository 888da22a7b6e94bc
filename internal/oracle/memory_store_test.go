package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ListSinceAndLatest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	_, err := s.Latest(ctx, RunAutoRelease)
	assert.ErrorIs(t, err, ErrNoRuns)

	for i, rt := range []RunType{RunAutoRelease, RunReconcile, RunAutoRelease} {
		start := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Save(ctx, &Run{ID: string(rt) + "-" + start.Format("150405"), RunType: rt, StartedAt: start, CompletedAt: start}))
	}

	all, err := s.ListSince(ctx, "", base)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].StartedAt.After(all[1].StartedAt))

	releases, err := s.ListSince(ctx, RunAutoRelease, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, releases, 1)

	latest, err := s.Latest(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), latest.StartedAt)

	latest.SuccessCount = 99
	again, err := s.Latest(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 0, again.SuccessCount)
}
