package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestInMemoryDailyMarker(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewInMemoryDailyMarker()
	defer m.Close()
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	first, err := m.Mark(ctx, "scheduler-failed", day)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := m.Mark(ctx, "scheduler-failed", day.Add(6*time.Hour))
	require.NoError(t, err)
	assert.False(t, again)

	nextDay, err := m.Mark(ctx, "scheduler-failed", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, nextDay)

	other, err := m.Mark(ctx, "overdue", day)
	require.NoError(t, err)
	assert.True(t, other)
	assert.Equal(t, 3, m.Size())

	m.now = func() time.Time { return time.Now().Add(markerTTL + time.Minute) }
	m.cleanup()
	assert.Zero(t, m.Size())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestRedisDailyMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewRedisDailyMarker(client, "")
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	first, err := m.Mark(ctx, "scheduler-failed", day)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := m.Mark(ctx, "scheduler-failed", day)
	require.NoError(t, err)
	assert.False(t, again)

	assert.True(t, mr.Exists("atlas:daily:scheduler-failed:2024-03-04"))
	assert.Equal(t, markerTTL, mr.TTL("atlas:daily:scheduler-failed:2024-03-04"))

	mr.Close()
	_, err = m.Mark(ctx, "x", day)
	assert.Error(t, err)
}
