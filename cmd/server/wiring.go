package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/posting-engine/api"
	"github.com/warp/posting-engine/audit"
	"github.com/warp/posting-engine/config"
	"github.com/warp/posting-engine/lock/redislock"
	"github.com/warp/posting-engine/posting"
	"github.com/warp/posting-engine/posting/store"
	"github.com/warp/posting-engine/rules"
	"github.com/warp/posting-engine/store/postgres"
	"github.com/warp/posting-engine/store/sqlite"
)

// backend is an opened store plus the optional capabilities it offers.
type backend struct {
	store    posting.TxStore
	payers   rules.PayerSaver
	trail    posting.AuditRecorder // nil: the store keeps no activity table
	activity api.ActivitySource
	health   api.Pinger
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool)
		log.Info().Str("driver", cfg.DBDriver).Msg("store opened")
		return &backend{store: s, payers: s, trail: s, activity: s, health: s, close: s.Close}, nil

	case config.DriverMemory:
		m := store.NewMemory()
		log.Warn().Msg("memory store: data is lost on exit")
		return &backend{store: m, payers: m, close: func() {}}, nil

	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Info().Str("driver", cfg.DBDriver).Str("path", cfg.SQLitePath).Msg("store opened")
		return &backend{store: s, payers: s, trail: s, activity: s, health: s, close: func() { s.Close() }}, nil
	}
}

// wired is everything a command needs to run the engine.
type wired struct {
	*backend
	engine *posting.Engine
	// cleanup releases the lock client, publisher and store, in that order.
	cleanup func()
}

func wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*wired, error) {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	closers := []func(){b.close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	rc, err := rules.LoadFile(cfg.RulesFile)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := rc.SeedPayers(ctx, b.payers); err != nil {
		cleanup()
		return nil, fmt.Errorf("seed payers: %w", err)
	}
	log.Info().
		Str("rules_file", cfg.RulesFile).
		Int("forwardable_rules", rc.Rules.Len()).
		Int("payers", len(rc.Payers)).
		Msg("rules loaded")

	var locker posting.ClaimLocker = posting.NewLocalLocker(cfg.LockWait)
	if cfg.RedisURL != "" {
		client, err := redislock.Dial(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, func() { client.Close() })
		locker = redislock.New(client,
			redislock.WithTTL(cfg.LockTTL),
			redislock.WithWait(cfg.LockWait),
			redislock.WithLogger(log),
		)
		log.Info().Dur("ttl", cfg.LockTTL).Msg("redis claim locks enabled")
	}

	recorders := audit.Fanout{b.trail, audit.NewLogRecorder(log)}
	if cfg.AMQPURL != "" {
		pub, err := audit.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("close amqp publisher")
			}
		})
		recorders = append(recorders, pub)
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("claim activity publishing enabled")
	}

	engine := posting.NewEngine(b.store,
		posting.WithLocker(locker),
		posting.WithRules(rc.Rules),
		posting.WithAudit(recorders),
		posting.WithLogger(log.With().Str("component", "engine").Logger()),
	)
	return &wired{backend: b, engine: engine, cleanup: cleanup}, nil
}
