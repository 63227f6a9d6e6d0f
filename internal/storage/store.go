// Package storage keeps the Postgres side of the system: an archive of
// terminal jobs swept out of Redis, and poll cursors for adapters.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/askbot/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const archiveSQL = `insert into job_archive(
key, platform, user_id, user_name, message, message_id, state, attempts,
success, response, error, processing_ms, created_at, finished_at, record
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
on conflict (key) do update set
state = excluded.state, attempts = excluded.attempts, success = excluded.success,
response = excluded.response, error = excluded.error, processing_ms = excluded.processing_ms,
finished_at = excluded.finished_at, record = excluded.record, archived_at = now()`

// archiveArgs maps a terminal job onto the job_archive columns.
func archiveArgs(j domain.Job) ([]any, error) {
	record, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", j.Key)
	}
	var res domain.Result
	if j.Result != nil {
		res = *j.Result
	}
	finished := j.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	return []any{
		j.Key, string(j.Platform), j.UserID, j.UserName, j.Message, j.MessageID,
		string(j.State), j.Attempts, res.Success, res.Response, res.Error,
		res.ProcessingTime.Milliseconds(), j.Timestamp, finished, record,
	}, nil
}

// ArchiveJobs upserts terminal jobs in one batch. It has the signature of
// queue.Archiver.
func (s *Store) ArchiveJobs(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, j := range jobs {
		args, err := archiveArgs(j)
		if err != nil {
			return err
		}
		b.Queue(archiveSQL, args...)
	}
	br := s.db.SendBatch(ctx, b)
	defer br.Close()
	for _, j := range jobs {
		if _, err := br.Exec(); err != nil {
			return errors.Wrapf(err, "archive %s", j.Key)
		}
	}
	return nil
}

// GetArchived returns the archived job, or nil when key was never archived.
func (s *Store) GetArchived(ctx context.Context, key string) (*domain.Job, error) {
	var record []byte
	err := s.db.QueryRow(ctx, `select record from job_archive where key = $1`, key).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get archived %s", key)
	}
	var j domain.Job
	if err := json.Unmarshal(record, &j); err != nil {
		return nil, errors.Wrapf(err, "decode archived %s", key)
	}
	return &j, nil
}

func (s *Store) LoadCursor(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `select last_id from poll_cursors where name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, errors.Wrapf(err, "load cursor %s", name)
}

func (s *Store) SaveCursor(ctx context.Context, name, id string) error {
	_, err := s.db.Exec(ctx, `insert into poll_cursors(name, last_id) values ($1, $2)
on conflict (name) do update set last_id = excluded.last_id, updated_at = now()`, name, id)
	return errors.Wrapf(err, "save cursor %s", name)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
