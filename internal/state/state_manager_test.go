package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStateManager(t *testing.T) (*StateManager, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStateManager(client, "maintenance:state:", zap.NewNop()), mr
}

func TestStateManager_SetGet(t *testing.T) {
	sm, _ := setupStateManager(t)
	ctx := context.Background()

	key := sm.Key("tenant-1", "feedback")
	assert.Equal(t, "maintenance:state:tenant-1:feedback", key)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sm.SetState(ctx, key, Checkpoint{Since: since}, 0))

	var cp Checkpoint
	require.NoError(t, sm.GetState(ctx, key, &cp))
	assert.True(t, cp.Since.Equal(since))
}

func TestStateManager_GetMissing(t *testing.T) {
	sm, _ := setupStateManager(t)

	var cp Checkpoint
	err := sm.GetState(context.Background(), sm.Key("tenant-1", "missing"), &cp)
	assert.True(t, errors.Is(err, ErrStateNotFound))
}

func TestStateManager_MarkOnceExpires(t *testing.T) {
	sm, mr := setupStateManager(t)
	ctx := context.Background()
	key := sm.Key("tenant-1", "overdue", "r-1")

	first, err := sm.MarkOnce(ctx, key, OverdueMark{RuleID: "r-1"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := sm.MarkOnce(ctx, key, OverdueMark{RuleID: "r-1"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, second)

	mr.FastForward(2 * time.Hour)
	exists, err := sm.ExistsState(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}
