package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Canvas/internal/adapters/memory"
	"github.com/dkeye/Canvas/internal/adapters/natsbus"
	"github.com/dkeye/Canvas/internal/adapters/postgres"
	"github.com/dkeye/Canvas/internal/adapters/redisstore"
	"github.com/dkeye/Canvas/internal/adapters/signal"
	"github.com/dkeye/Canvas/internal/adapters/sqlite"
	"github.com/dkeye/Canvas/internal/app"
	"github.com/dkeye/Canvas/internal/config"
	"github.com/dkeye/Canvas/internal/core"
)

const limiterSweepPeriod = time.Minute

// components is everything a relay session is built from, chosen by the
// configured drivers.
type components struct {
	deps    app.Deps
	options app.Options
	history core.HistoryReader
	checks  map[string]core.Pinger
	limiter *signal.RoomRateLimiter
	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (_ *components, err error) {
	c := &components{
		checks: make(map[string]core.Pinger),
		options: app.Options{
			Capacity:        cfg.Relay.Capacity,
			FlushInterval:   cfg.Relay.FlushInterval,
			StrictCapacity:  cfg.Relay.StrictCapacity,
			PresenceRefresh: cfg.Relay.PresenceTTL / 3,
		},
	}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	if c.deps.Policy, err = app.PolicyByName(cfg.Relay.Backpressure); err != nil {
		return nil, err
	}
	if cfg.Relay.MaxFramesPerSecond > 0 {
		c.limiter = signal.NewRoomRateLimiter(cfg.Relay.MaxFramesPerSecond, time.Second)
		c.deps.Limiter = c.limiter
	}

	var rdb *redis.Client
	if cfg.Store.Driver == "redis" || cfg.Fanout.Driver == "redis" {
		rdb, err = redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}

	if err = c.buildStore(cfg, rdb); err != nil {
		return nil, err
	}
	if err = c.buildFanout(cfg, rdb); err != nil {
		return nil, err
	}
	if err = c.buildPersister(ctx, cfg); err != nil {
		return nil, err
	}

	log.Info().Str("module", "wire").
		Str("store", cfg.Store.Driver).
		Str("fanout", cfg.Fanout.Driver).
		Str("persist", cfg.Persist.Driver).
		Bool("flush_lease", c.deps.Lease != nil).
		Bool("rate_limit", c.limiter != nil).
		Msg("relay components ready")
	return c, nil
}

func (c *components) buildStore(cfg *config.Config, rdb *redis.Client) error {
	switch cfg.Store.Driver {
	case "memory":
		presence := memory.NewPresence(cfg.Relay.PresenceTTL)
		c.deps.Presence = presence
		c.deps.Buffer = memory.NewDrawBuffer(presence)
		if cfg.Relay.FlushLease {
			c.deps.Lease = memory.NewFlushLease()
		}
	case "redis":
		presence := redisstore.NewPresence(rdb, cfg.Redis.KeyPrefix, cfg.Relay.PresenceTTL)
		c.deps.Presence = presence
		c.deps.Buffer = redisstore.NewDrawBuffer(rdb, cfg.Redis.KeyPrefix, cfg.Relay.PresenceTTL)
		if cfg.Relay.FlushLease {
			c.deps.Lease = redisstore.NewFlushLease(rdb, cfg.Redis.KeyPrefix, instanceName())
		}
		c.checks["redis"] = presence
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

func (c *components) buildFanout(cfg *config.Config, rdb *redis.Client) error {
	switch cfg.Fanout.Driver {
	case "memory":
		c.deps.Fanout = memory.NewFanout(cfg.Relay.SendBuffer)
	case "redis":
		c.deps.Fanout = redisstore.NewFanout(rdb, cfg.Redis.KeyPrefix, cfg.Relay.SendBuffer)
	case "nats":
		nc, err := natsbus.Connect(cfg.NATS.URL, "canvas-"+instanceName())
		if err != nil {
			return err
		}
		c.closers = append(c.closers, nc.Close)
		fanout := natsbus.NewFanout(nc, cfg.NATS.SubjectPrefix, cfg.Relay.SendBuffer)
		c.deps.Fanout = fanout
		c.checks["nats"] = fanout
	default:
		return fmt.Errorf("unknown fanout driver %q", cfg.Fanout.Driver)
	}
	return nil
}

func (c *components) buildPersister(ctx context.Context, cfg *config.Config) error {
	switch cfg.Persist.Driver {
	case "memory":
		p := memory.NewPersister()
		c.deps.Persister = p
		c.history = p
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() { _ = store.Close() })
		c.deps.Persister = store
		c.history = store
		c.checks["sqlite"] = store
	case "postgres":
		if cfg.Postgres.AutoMigrate {
			if err := postgres.Migrate(cfg.Postgres.URL, true); err != nil {
				return err
			}
		}
		pool, err := postgres.Connect(ctx, postgres.PoolOptions{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			return err
		}
		c.closers = append(c.closers, pool.Close)
		store := postgres.NewStore(pool)
		c.deps.Persister = store
		c.history = store
		c.checks["postgres"] = store
	default:
		return fmt.Errorf("unknown persist driver %q", cfg.Persist.Driver)
	}
	return nil
}

// startBackground runs housekeeping that lives as long as ctx.
func (c *components) startBackground(ctx context.Context) {
	if c.limiter == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(limiterSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.limiter.Sweep(); n > 0 {
					log.Debug().Str("module", "wire").Int("participants", n).Msg("rate limiter swept")
				}
			}
		}
	}()
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return string(core.NewSessionID())
	}
	return host
}
