// Package app wires configuration, logging and the shared backends for the
// cmd binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/askbot/internal/agent"
	"github.com/SirClappington/askbot/internal/config"
	"github.com/SirClappington/askbot/internal/logging"
	"github.com/SirClappington/askbot/internal/queue"
	"github.com/SirClappington/askbot/internal/storage"
	"github.com/SirClappington/askbot/internal/waiter"
	"github.com/SirClappington/askbot/internal/worker"
)

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	Redis *r.Client
	Queue *queue.RedisQ
	// Store is nil when POSTGRES_DSN is unset.
	Store *storage.Store

	pg *pgxpool.Pool
}

// Bootstrap loads configuration and connects to Redis, and to Postgres when
// configured. With Postgres every binary applies pending migrations before
// using the store, so no startup order between them is required. Terminal
// jobs are archived to Postgres before retention removes them.
func Bootstrap(ctx context.Context, name string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &App{Cfg: cfg, Log: log.Named(name)}

	a.Redis = r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		_ = a.Close()
		return nil, errors.Wrapf(err, "connect redis %s", cfg.Redis.Addr)
	}

	opts := queue.Options{
		Name:          cfg.Queue.Name,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Backoff:       cfg.Queue.Backoff,
		LeaseTimeout:  cfg.Queue.LeaseTimeout,
		ClaimTimeout:  cfg.Queue.ClaimTimeout,
		KeepCompleted: cfg.Queue.KeepCompleted,
		CompletedAge:  cfg.Queue.CompletedAge,
		KeepFailed:    cfg.Queue.KeepFailed,
	}
	if cfg.PostgresDSN != "" {
		if cfg.AutoMigrate {
			if err := storage.MigrateDSN(ctx, cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
				_ = a.Close()
				return nil, err
			}
		}
		a.pg, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "connect postgres")
		}
		a.Store = storage.New(a.pg)
		opts.Archive = a.Store.ArchiveJobs
	}
	a.Queue = queue.New(a.Redis, opts, a.Log)

	a.Log.Info("bootstrapped",
		zap.String("env", cfg.AppEnv),
		zap.String("redis", cfg.Redis.Addr),
		zap.String("queue", cfg.Queue.Name),
		zap.Bool("archive", a.Store != nil))
	return a, nil
}

// Agent returns the HTTP agent client. AGENT_URL is required.
func (a *App) Agent() (agent.Agent, error) {
	if a.Cfg.Agent.URL == "" {
		return nil, fmt.Errorf("AGENT_URL is required")
	}
	return agent.NewHTTPAgent(a.Cfg.Agent.URL, a.Cfg.Agent.Timeout), nil
}

func (a *App) Pool(ag agent.Agent) *worker.Pool {
	return worker.New(a.Queue, ag, worker.Options{
		Concurrency:      a.Cfg.Worker.Concurrency,
		Block:            a.Cfg.Worker.Block,
		MaintainInterval: a.Cfg.Queue.SweepInterval,
	}, a.Log)
}

func (a *App) Waiter() *waiter.Waiter {
	return waiter.New(a.Queue, a.Log)
}

func (a *App) Close() error {
	var err error
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	_ = a.Log.Sync()
	return err
}
