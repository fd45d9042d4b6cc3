package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoSnapshot is returned by Snapshot when nothing was recorded yet.
var ErrNoSnapshot = errors.New("no rate limit snapshot recorded")

// Recorder stores the last probed status in Redis for dashboards and the
// status command. Walks never read it back.
type Recorder struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRecorder creates a recorder. A ttl of 0 keeps the snapshot forever.
func NewRecorder(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *Recorder {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Recorder{
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

// Record stores s atomically.
func (r *Recorder) Record(ctx context.Context, s Status) error {
	lastUpdateJSON, err := json.Marshal(s.ObservedAt)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyRemaining, s.Remaining, r.ttl)
	pipe.Set(ctx, RedisKeyLimit, s.Limit, r.ttl)
	pipe.Set(ctx, RedisKeyResetTimestamp, s.ResetAt.Unix(), r.ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit snapshot in redis: %w", err)
	}

	r.logger.Debug().
		Int("remaining", s.Remaining).
		Time("reset_at", s.ResetAt).
		Msg("Rate limit snapshot recorded")
	return nil
}

// Snapshot returns the last recorded status.
func (r *Recorder) Snapshot(ctx context.Context) (Status, error) {
	pipe := r.redis.Pipeline()
	remainingCmd := pipe.Get(ctx, RedisKeyRemaining)
	limitCmd := pipe.Get(ctx, RedisKeyLimit)
	resetCmd := pipe.Get(ctx, RedisKeyResetTimestamp)
	lastUpdateCmd := pipe.Get(ctx, RedisKeyLastUpdate)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("get rate limit snapshot: %w", err)
	}

	remaining, err := remainingCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Status{}, ErrNoSnapshot
	}
	if err != nil {
		return Status{}, fmt.Errorf("get remaining: %w", err)
	}

	limit, err := limitCmd.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("get limit: %w", err)
	}

	resetTimestamp, err := resetCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("get reset timestamp: %w", err)
	}

	var observedAt time.Time
	if raw, err := lastUpdateCmd.Bytes(); err == nil {
		if err := json.Unmarshal(raw, &observedAt); err != nil {
			return Status{}, fmt.Errorf("parse last update: %w", err)
		}
	} else if !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("get last update: %w", err)
	}

	return Status{
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.Unix(resetTimestamp, 0),
		ObservedAt: observedAt,
	}, nil
}
