package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/askbot/internal/app"
	"github.com/SirClappington/askbot/internal/storage"
)

// leaderLock is the Postgres advisory lock key held by the active scheduler.
const leaderLock = 42

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, "scheduler")
	if err != nil {
		return err
	}
	defer a.Close()

	var el *election
	if a.Cfg.PostgresDSN != "" {
		db, err := storage.OpenSQL(ctx, a.Cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		el = &election{db: db, log: a.Log}
		defer el.close()
	} else {
		a.Log.Warn("POSTGRES_DSN not set, running without leader election or archive")
	}

	tick := time.NewTicker(a.Cfg.Queue.SweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Log.Info("scheduler stopped")
			return nil
		case <-tick.C:
		}

		if el != nil && !el.lead(ctx) {
			continue
		}

		now := time.Now()
		promoted, err := a.Queue.PromoteDue(ctx, now, 200)
		if err != nil {
			a.Log.Error("promote due", zap.Error(err))
		}
		recovered, err := a.Queue.RecoverClaimed(ctx, now, 500)
		if err != nil {
			a.Log.Error("recover claimed", zap.Error(err))
		}
		requeued, err := a.Queue.RequeueExpired(ctx, now, 500)
		if err != nil {
			a.Log.Error("requeue expired", zap.Error(err))
		}
		swept, err := a.Queue.Sweep(ctx, now)
		if err != nil {
			a.Log.Error("sweep", zap.Error(err))
		}
		if promoted+int64(recovered+requeued+swept) > 0 {
			a.Log.Debug("maintenance",
				zap.Int64("promoted", promoted),
				zap.Int("recovered", recovered),
				zap.Int("requeued", requeued),
				zap.Int("swept", swept))
		}
	}
}

// election holds a session-scoped advisory lock on one dedicated connection.
// The lock is released when that connection closes.
type election struct {
	db     *sql.DB
	conn   *sql.Conn
	leader bool
	log    *zap.Logger
}

func (e *election) lead(ctx context.Context) bool {
	if e.leader {
		if err := e.conn.PingContext(ctx); err == nil {
			return true
		}
		e.log.Warn("lost leader connection")
		e.close()
	}

	if e.conn == nil {
		conn, err := e.db.Conn(ctx)
		if err != nil {
			e.log.Error("lock connection", zap.Error(err))
			return false
		}
		e.conn = conn
	}

	var ok bool
	if err := e.conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", leaderLock).Scan(&ok); err != nil {
		e.log.Error("lock error", zap.Error(err))
		e.close()
		return false
	}
	if !ok {
		return false
	}
	e.leader = true
	e.log.Info("acquired scheduler leadership")
	return true
}

func (e *election) close() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.conn = nil
	e.leader = false
}
