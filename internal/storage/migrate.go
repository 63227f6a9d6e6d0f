package storage

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// OpenSQL opens a database/sql handle over the pgx driver, for goose and
// session-scoped advisory locks.
func OpenSQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// migrateLock is the advisory lock key that serializes migrations across
// processes starting together.
const migrateLock = 43

// goose keeps the dialect in a package global.
var (
	dialectOnce sync.Once
	dialectErr  error
)

// Migrate applies every pending migration in dir. Concurrent callers wait on
// a session advisory lock, so only one of them runs goose at a time.
func Migrate(ctx context.Context, db *sql.DB, dir string) error {
	dialectOnce.Do(func() { dialectErr = goose.SetDialect("postgres") })
	if dialectErr != nil {
		return errors.Wrap(dialectErr, "goose dialect")
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "migrate lock connection")
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "select pg_advisory_lock($1)", migrateLock); err != nil {
		return errors.Wrap(err, "migrate lock")
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "select pg_advisory_unlock($1)", migrateLock)
	}()

	return errors.Wrap(goose.Up(db, dir), "migrate")
}

// MigrateDSN opens dsn, applies pending migrations and closes the handle.
func MigrateDSN(ctx context.Context, dsn, dir string) error {
	db, err := OpenSQL(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return Migrate(ctx, db, dir)
}
