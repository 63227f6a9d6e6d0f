// Package queue is the durable job table shared by every adapter and worker.
//
// Layout under the configured prefix:
//
//	<prefix>:job:<key>     JSON job record (source of truth)
//	<prefix>:ready         list of keys ready to run (LPUSH / BLMOVE)
//	<prefix>:claimed       list of keys popped by a worker but not yet leased
//	<prefix>:claims        hash of claimed keys to the time recovery first saw them (ms)
//	<prefix>:delayed       zset of keys waiting for a retry, scored by run_at (ms)
//	<prefix>:active        zset of leased keys, scored by lease expiry (ms)
//	<prefix>:completed     zset of completed keys, scored by finish time (ms)
//	<prefix>:failed        zset of failed keys, scored by finish time (ms)
//	<prefix>:events:<key>  pub/sub channel carrying the terminal domain.Event
//
// Every state change of a job goes through this package.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/logging"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("job lease lost")
)

const maxTxRetries = 16

// Archiver receives terminal jobs right before retention removes them.
type Archiver func(ctx context.Context, jobs []domain.Job) error

type Options struct {
	Name          string
	MaxAttempts   int
	Backoff       time.Duration
	LeaseTimeout  time.Duration
	ClaimTimeout  time.Duration
	KeepCompleted int64
	CompletedAge  time.Duration
	KeepFailed    int64
	Archive       Archiver
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "bot-requests"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = domain.DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = domain.DefaultBackoff
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 30 * time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.CompletedAge <= 0 {
		o.CompletedAge = time.Hour
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type RedisQ struct {
	rdb  *r.Client
	opts Options
	log  *zap.Logger
	inst *instruments
}

func New(rdb *r.Client, opts Options, log *zap.Logger) *RedisQ {
	opts.setDefaults()
	return &RedisQ{
		rdb:  rdb,
		opts: opts,
		log:  logging.OrNop(log).Named("queue"),
		inst: newInstruments(),
	}
}

func (q *RedisQ) key(parts ...string) string {
	k := q.opts.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQ) jobKey(key string) string          { return q.key("job", key) }
func (q *RedisQ) channel(key string) string         { return q.key("events", key) }
func (q *RedisQ) readyKey() string                  { return q.key("ready") }
func (q *RedisQ) claimedKey() string                { return q.key("claimed") }
func (q *RedisQ) claimsKey() string                 { return q.key("claims") }
func (q *RedisQ) delayedKey() string                { return q.key("delayed") }
func (q *RedisQ) activeKey() string                 { return q.key("active") }
func (q *RedisQ) terminalKey(s domain.State) string { return q.key(string(s)) }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

// enqueueScript stores the job and pushes its key only if the key is unknown.
// It returns the stored record when the key already exists.
var enqueueScript = r.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('GET', KEYS[1])
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[2])
return false
`)

// Enqueue stores a job under its key. Submitting a key that is already known,
// in any state, returns the stored job with created=false and enqueues nothing.
func (q *RedisQ) Enqueue(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	if job.Key == "" {
		job.Key = domain.Key(job.Platform, job.MessageID)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.Backoff <= 0 {
		job.Backoff = q.opts.Backoff
	}
	if job.Timestamp.IsZero() {
		job.Timestamp = q.opts.Now().UTC()
	}
	job.State = domain.Waiting
	job.Attempts = 0
	job.Result = nil

	b, err := json.Marshal(&job)
	if err != nil {
		return job, false, errors.Wrap(err, "encode job")
	}
	res, err := enqueueScript.Run(ctx, q.rdb, []string{q.jobKey(job.Key), q.readyKey()}, b, job.Key).Result()
	if err == r.Nil {
		q.inst.enqueued(ctx, job.Platform)
		q.log.Info("job enqueued",
			zap.String("key", job.Key),
			zap.String("platform", string(job.Platform)),
			zap.String("userId", job.UserID))
		return job, true, nil
	}
	if err != nil {
		return job, false, errors.Wrapf(err, "enqueue %s", job.Key)
	}

	raw, ok := res.(string)
	if !ok {
		return job, false, fmt.Errorf("enqueue %s: unexpected script reply %T", job.Key, res)
	}
	var existing domain.Job
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return job, false, errors.Wrap(err, "decode job")
	}
	q.inst.duplicate(ctx, job.Platform)
	q.log.Debug("duplicate submission", zap.String("key", job.Key), zap.String("state", string(existing.State)))
	return existing, false, nil
}

// Get returns the stored job, or nil when the key is unknown.
func (q *RedisQ) Get(ctx context.Context, key string) (*domain.Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(key)).Bytes()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	var j domain.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &j, nil
}

// Dequeue blocks up to block for a ready key and leases the job. The key is
// moved atomically onto the claimed list, so a worker that dies before the
// lease commits leaves it there for RecoverClaimed. It returns nil, nil when
// nothing became ready or the popped key is no longer runnable.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (*domain.Job, error) {
	key, err := q.rdb.BLMove(ctx, q.readyKey(), q.claimedKey(), "RIGHT", "LEFT", block).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}

	now := q.opts.Now()
	lease := uuid.NewString()
	job, err := q.update(ctx, key, func(j *domain.Job, pipe r.Pipeliner) error {
		if j.State != domain.Waiting {
			return errSkip
		}
		j.State = domain.Active
		j.Attempts++
		j.LeaseID = lease
		j.LeaseExpiry = now.Add(q.opts.LeaseTimeout)
		pipe.LRem(ctx, q.claimedKey(), 1, key)
		pipe.HDel(ctx, q.claimsKey(), key)
		pipe.ZAdd(ctx, q.activeKey(), r.Z{Score: ms(j.LeaseExpiry), Member: key})
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, ErrNotFound) {
		q.log.Debug("skipping stale ready entry", zap.String("key", key))
		if err := q.rdb.LRem(ctx, q.claimedKey(), 1, key).Err(); err != nil {
			q.log.Warn("release stale claim", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete records the terminal result of the attempt holding job's lease.
// A converted final failure is also completed, with Success=false.
func (q *RedisQ) Complete(ctx context.Context, job *domain.Job, res domain.Result) error {
	_, err := q.update(ctx, job.Key, func(j *domain.Job, pipe r.Pipeliner) error {
		if err := holdsLease(j, job); err != nil {
			return err
		}
		return q.finish(ctx, j, pipe, domain.Completed, res)
	})
	if err != nil {
		return err
	}
	q.inst.finished(ctx, job.Platform, domain.Completed, res)
	return nil
}

// Fail marks the job failed. No retry is scheduled.
func (q *RedisQ) Fail(ctx context.Context, job *domain.Job, cause error, took time.Duration) error {
	res := domain.FailedResult(cause.Error(), took)
	_, err := q.update(ctx, job.Key, func(j *domain.Job, pipe r.Pipeliner) error {
		if err := holdsLease(j, job); err != nil {
			return err
		}
		j.LastError = cause.Error()
		return q.finish(ctx, j, pipe, domain.Failed, res)
	})
	if err != nil {
		return err
	}
	q.inst.finished(ctx, job.Platform, domain.Failed, res)
	return nil
}

// Retry schedules the next attempt after the job's backoff delay.
func (q *RedisQ) Retry(ctx context.Context, job *domain.Job, cause error) (time.Time, error) {
	var runAt time.Time
	_, err := q.update(ctx, job.Key, func(j *domain.Job, pipe r.Pipeliner) error {
		if err := holdsLease(j, job); err != nil {
			return err
		}
		runAt = q.delay(ctx, j, pipe, cause.Error())
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	q.inst.retried(ctx, job.Platform)
	return runAt, nil
}

func holdsLease(stored, held *domain.Job) error {
	if stored.State != domain.Active || stored.LeaseID != held.LeaseID {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQ) delay(ctx context.Context, j *domain.Job, pipe r.Pipeliner, cause string) time.Time {
	runAt := q.opts.Now().Add(j.NextDelay())
	j.State = domain.Delayed
	j.LastError = cause
	j.RunAt = runAt
	j.LeaseID = ""
	j.LeaseExpiry = time.Time{}
	pipe.ZRem(ctx, q.activeKey(), j.Key)
	pipe.ZAdd(ctx, q.delayedKey(), r.Z{Score: ms(runAt), Member: j.Key})
	return runAt
}

func (q *RedisQ) finish(ctx context.Context, j *domain.Job, pipe r.Pipeliner, state domain.State, res domain.Result) error {
	now := q.opts.Now()
	j.State = state
	j.Result = &res
	j.FinishedAt = now
	j.LeaseID = ""
	j.LeaseExpiry = time.Time{}

	ev, err := json.Marshal(domain.Event{Key: j.Key, State: state, Result: res})
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	pipe.ZRem(ctx, q.activeKey(), j.Key)
	pipe.ZAdd(ctx, q.terminalKey(state), r.Z{Score: ms(now), Member: j.Key})
	pipe.Publish(ctx, q.channel(j.Key), ev)
	return nil
}

var errSkip = errors.New("skip")

// update applies fn to the stored job inside an optimistic WATCH transaction.
// fn may queue extra commands on pipe; they commit atomically with the record.
func (q *RedisQ) update(ctx context.Context, key string, fn func(j *domain.Job, pipe r.Pipeliner) error) (*domain.Job, error) {
	jk := q.jobKey(key)
	var out domain.Job
	txf := func(tx *r.Tx) error {
		raw, err := tx.Get(ctx, jk).Bytes()
		if err == r.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var j domain.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return errors.Wrap(err, "decode job")
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			if err := fn(&j, pipe); err != nil {
				return err
			}
			b, err := json.Marshal(&j)
			if err != nil {
				return errors.Wrap(err, "encode job")
			}
			pipe.Set(ctx, jk, b, 0)
			return nil
		})
		if err == nil {
			out = j
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := q.rdb.Watch(ctx, txf, jk)
		if err == r.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost) || errors.Is(err, errSkip) {
				return nil, err
			}
			return nil, errors.Wrapf(err, "update %s", key)
		}
		return &out, nil
	}
	return nil, fmt.Errorf("update %s: too much contention", key)
}

// Subscribe delivers terminal events for key until ctx is done. The
// subscription is confirmed before Subscribe returns, so a caller that reads
// the job afterwards cannot miss its terminal event.
func (q *RedisQ) Subscribe(ctx context.Context, key string) (<-chan domain.Event, error) {
	ps := q.rdb.Subscribe(ctx, q.channel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", key)
	}

	out := make(chan domain.Event, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.log.Warn("bad event payload", zap.String("key", key), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *RedisQ) Metrics(ctx context.Context) (domain.Metrics, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey())
	claimed := pipe.LLen(ctx, q.claimedKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.terminalKey(domain.Completed))
	failed := pipe.ZCard(ctx, q.terminalKey(domain.Failed))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Metrics{}, errors.Wrap(err, "metrics")
	}
	return domain.Metrics{
		Waiting:   waiting.Val() + claimed.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
