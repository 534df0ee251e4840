package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter is an Admitter backed by Redis, for personas whose inboxes
// are fed by several server processes. Keys are namespaced by the owning
// agent so each inbox keeps its own dedupe memory.
//
// Deduplication uses SET NX with the window as TTL. Rate limiting uses a
// sorted-set sliding window of Burst admissions per Burst/PerSecond.
// Redis errors fail open: admission control is a protection, and losing the
// shared store must not stop agents from hearing their channels.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger
	seq    atomic.Uint64
}

// NewRedisLimiter creates a limiter whose keys start with
// "persona:<agentID>:".
func NewRedisLimiter(client *redis.Client, agentID string, cfg Config, logger *zap.Logger) *RedisLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		prefix: "persona:" + agentID + ":",
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

func (r *RedisLimiter) dedupeKey(sourceID, hash string) string {
	return fmt.Sprintf("%sdedupe:%s:%s", r.prefix, sourceID, hash)
}

func (r *RedisLimiter) rateKey(sourceID string) string {
	return fmt.Sprintf("%srate:%s", r.prefix, sourceID)
}

// rateWindow is the span over which Burst admissions are allowed.
func (r *RedisLimiter) rateWindow() time.Duration {
	return time.Duration(float64(r.cfg.Burst) / r.cfg.PerSecond * float64(time.Second))
}

// Admit implements Admitter.
func (r *RedisLimiter) Admit(ctx context.Context, sourceID, contentHash string, window time.Duration) Decision {
	var dk string
	if window > 0 {
		dk = r.dedupeKey(sourceID, contentHash)
		fresh, err := r.client.SetNX(ctx, dk, 1, window).Result()
		if err != nil {
			r.logger.Warn("dedupe check failed, admitting", zap.String("source", sourceID), zap.Error(err))
			return allowed
		}
		if !fresh {
			return Decision{Reason: ReasonDuplicate}
		}
	}

	if r.cfg.PerSecond <= 0 {
		return allowed
	}

	ok, err := r.checkRate(ctx, sourceID)
	if err != nil {
		r.logger.Warn("rate check failed, admitting", zap.String("source", sourceID), zap.Error(err))
		return allowed
	}
	if !ok {
		// Not admitted, so it must not count as seen.
		if dk != "" {
			r.client.Del(ctx, dk)
		}
		return Decision{Reason: ReasonRateLimited}
	}
	return allowed
}

func (r *RedisLimiter) checkRate(ctx context.Context, sourceID string) (bool, error) {
	now := r.clock.Now()
	win := r.rateWindow()
	key := r.rateKey(sourceID)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-win).UnixMilli()))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if count.Val() >= int64(r.cfg.Burst) {
		return false, nil
	}

	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d-%d", now.UnixNano(), r.seq.Add(1)),
	})
	pipe.PExpire(ctx, key, win*2)
	_, err := pipe.Exec(ctx)
	return err == nil, err
}
