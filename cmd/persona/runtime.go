package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/daviddao/persona/internal/config"
	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/executor"
	"github.com/daviddao/persona/pkg/hub"
	"github.com/daviddao/persona/pkg/ratelimit"
	"github.com/daviddao/persona/pkg/store"
)

// runtime is a wired hub plus the resources it owns.
type runtime struct {
	hub    *hub.Hub
	ledger *store.Store
	redis  *redis.Client
	execs  map[string]executor.Executor
}

// Close releases the Redis client. The ledger belongs to the app.
func (rt *runtime) Close() {
	if rt.redis != nil {
		rt.redis.Close()
	}
}

// buildRuntime wires arbiter, hub and agents from cfg. A nil ledger runs
// everything in memory. With cfg.RedisURL set, leases and admission
// control move to Redis so that several processes can share channels.
func buildRuntime(ctx context.Context, cfg *config.Config, ledger *store.Store, clk clockwork.Clock, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{ledger: ledger, execs: make(map[string]executor.Executor)}

	arbOpts := []arbiter.Option{arbiter.WithClock(clk), arbiter.WithLogger(logger.Named("arbiter"))}
	hubOpts := []hub.Option{hub.WithClock(clk), hub.WithLogger(logger.Named("hub"))}

	if ledger != nil {
		seed, err := ledger.MaxLamport(ctx)
		if err != nil {
			return nil, fmt.Errorf("read lamport seed: %w", err)
		}
		arbOpts = append(arbOpts, arbiter.WithJournal(ledger), arbiter.WithLamportSeed(seed))
		hubOpts = append(hubOpts, hub.WithLedger(ledger))
	}

	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.redis = client
		logger.Info("connected to Redis", zap.String("addr", opts.Addr))

		arbOpts = append(arbOpts, arbiter.WithLeases(store.NewRedisLeases(client, cfg.Arbiter.Retention, clk)))
		rl := cfg.Hub.RateLimit
		hubOpts = append(hubOpts, hub.WithAdmitter(func(agentID string) ratelimit.Admitter {
			return ratelimit.NewRedisLimiter(client, agentID, rl, logger.Named("ratelimit"))
		}))
	case ledger != nil:
		arbOpts = append(arbOpts, arbiter.WithLeases(ledger))
	}

	rt.hub = hub.New(cfg.Hub, arbiter.New(cfg.Arbiter, arbOpts...), hubOpts...)

	for i, spec := range cfg.Agents {
		exec := newExecutor(cfg.Executor, spec, uint64(i), clk)
		if _, err := rt.hub.AddAgent(ctx, spec, exec); err != nil {
			rt.Close()
			return nil, fmt.Errorf("add agent %s: %w", spec.ID, err)
		}
		rt.execs[spec.ID] = exec
	}
	return rt, nil
}

// newExecutor builds the executor an agent runs its work through.
// Simulated agents get distinct seeds so they do not fail in lockstep.
func newExecutor(cfg config.ExecutorConfig, spec hub.AgentSpec, n uint64, clk clockwork.Clock) executor.Executor {
	if cfg.Kind == config.ExecutorWebhook {
		return executor.NewWebhook(spec.ID, spec.Webhook, cfg.Timeout)
	}
	sc := cfg.Simulated
	sc.Seed += n
	return executor.NewSimulated(sc, clk)
}
