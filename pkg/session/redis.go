// Package session implements the Session Store: a shared, short-lived
// call-state KV keyed by "call:<call-id>", backed by Redis per §4.7's
// atomic-increment-and-TTL contract.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// ttl is refreshed on every write, per spec.md §4.7.
const ttl = time.Hour

const keyPrefix = "call:"

// Store implements orchestrator.SessionStore on top of a Redis hash per
// call, using HSET for field overwrite (stage) and HINCRBY for the
// atomic counters (sequence-id, interrupt-count).
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(callID string) string {
	return keyPrefix + callID
}

// Init seeds the session hash for a new call and sets its TTL. It is not
// required for correctness (every write below refreshes the TTL) but
// matches the teacher corpus's pattern of an explicit init hook for
// process-scoped state (spec.md §9, DESIGN NOTES).
func (s *Store) Init(ctx context.Context, callID, agentID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(callID), map[string]interface{}{
		"stage":           string(orchestrator.StageListening),
		"agent_id":        agentID,
		"start_time":      time.Now().UTC().Format(time.RFC3339Nano),
		"interrupt_count": 0,
		"sequence_id":     0,
	})
	pipe.Expire(ctx, key(callID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session store: init: %w", err)
	}
	return nil
}

// SetStage overwrites the stage field and refreshes the TTL.
func (s *Store) SetStage(ctx context.Context, callID string, stage orchestrator.Stage) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(callID), "stage", string(stage))
	pipe.Expire(ctx, key(callID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session store: set stage: %w", err)
	}
	return nil
}

// IncrementInterruptCount atomically increments the interrupt-count
// field and returns its new value.
func (s *Store) IncrementInterruptCount(ctx context.Context, callID string) (int64, error) {
	return s.incrementField(ctx, callID, "interrupt_count")
}

// IncrementSequence atomically increments the monotonic audio-frame
// sequence-id field and returns its new value.
func (s *Store) IncrementSequence(ctx context.Context, callID string) (int64, error) {
	return s.incrementField(ctx, callID, "sequence_id")
}

func (s *Store) incrementField(ctx context.Context, callID, field string) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.HIncrBy(ctx, key(callID), field, 1)
	pipe.Expire(ctx, key(callID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session store: increment %s: %w", field, err)
	}
	return incr.Val(), nil
}

// Stage reads back the current stage for a call; used by out-of-band
// observers per the Session Record's shared-read contract (spec.md §3).
func (s *Store) Stage(ctx context.Context, callID string) (orchestrator.Stage, error) {
	v, err := s.client.HGet(ctx, key(callID), "stage").Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("session store: stage: %w", err)
	}
	return orchestrator.Stage(v), nil
}

var _ orchestrator.SessionStore = (*Store)(nil)
