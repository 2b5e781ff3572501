package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
	"github.com/lokutor-ai/callorch/pkg/session"
)

func setupStore(t *testing.T) (*session.Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return session.New(client), mr
}

func TestStore_InitSeedsFieldsAndTTL(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, "call-1", "agent-1"))

	stage, err := store.Stage(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StageListening, stage)

	ttl := mr.TTL("call:call-1")
	assert.True(t, ttl > 0 && ttl <= time.Hour)
}

func TestStore_SetStageRefreshesTTL(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "call-2", "agent-1"))

	mr.FastForward(59 * time.Minute)
	require.NoError(t, store.SetStage(ctx, "call-2", orchestrator.StageSpeaking))

	stage, err := store.Stage(ctx, "call-2")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StageSpeaking, stage)

	ttl := mr.TTL("call:call-2")
	assert.True(t, ttl > 30*time.Minute, "SetStage should refresh the 1h TTL")
}

func TestStore_IncrementInterruptCount(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "call-3", "agent-1"))

	n, err := store.IncrementInterruptCount(ctx, "call-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.IncrementInterruptCount(ctx, "call-3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_IncrementSequence(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "call-4", "agent-1"))

	n, err := store.IncrementSequence(ctx, "call-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_StageOnMissingCallReturnsEmpty(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	stage, err := store.Stage(ctx, "never-created")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Stage(""), stage)
}

func TestStore_IncrementWithoutInitStillWorks(t *testing.T) {
	// HINCRBY on a missing hash field creates it at 0 then increments,
	// matching Redis semantics regardless of whether Init ran first.
	store, _ := setupStore(t)
	ctx := context.Background()

	n, err := store.IncrementSequence(ctx, "call-5")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
