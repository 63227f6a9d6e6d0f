package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/askbot/internal/domain"
)

// PromoteDue makes delayed jobs whose run_at has passed ready again. The job
// returns to waiting in the same transaction that pushes its key, and the
// WATCH on the record keeps concurrent promoters from pushing a key twice.
func (q *RedisQ) PromoteDue(ctx context.Context, now time.Time, batch int64) (int64, error) {
	keys, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "promote due")
	}

	var n int64
	for _, key := range keys {
		_, err := q.update(ctx, key, func(j *domain.Job, pipe r.Pipeliner) error {
			if j.State != domain.Delayed {
				return errSkip
			}
			j.State = domain.Waiting
			pipe.ZRem(ctx, q.delayedKey(), key)
			pipe.LPush(ctx, q.readyKey(), key)
			return nil
		})
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, errSkip):
			_ = q.rdb.ZRem(ctx, q.delayedKey(), key).Err()
		case err != nil:
			return n, errors.Wrap(err, "promote due")
		default:
			n++
		}
	}
	return n, nil
}

// RecoverClaimed returns keys stranded on the claimed list to the ready list.
// A worker moves a key there right before leasing it, so an entry whose job is
// still waiting after ClaimTimeout belongs to a worker that never finished the
// lease. The first pass only marks an entry; the clock starts there.
func (q *RedisQ) RecoverClaimed(ctx context.Context, now time.Time, batch int64) (int, error) {
	keys, err := q.rdb.LRange(ctx, q.claimedKey(), 0, batch-1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list claimed")
	}

	var n int
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		var marked time.Time
		v, err := q.rdb.HGet(ctx, q.claimsKey(), key).Int64()
		switch {
		case err == r.Nil:
		case err != nil:
			return n, errors.Wrap(err, "read claim")
		default:
			marked = time.UnixMilli(v)
		}

		recovered := false
		_, err = q.update(ctx, key, func(j *domain.Job, pipe r.Pipeliner) error {
			if j.State != domain.Waiting {
				pipe.LRem(ctx, q.claimedKey(), 0, key)
				pipe.HDel(ctx, q.claimsKey(), key)
				return nil
			}
			if marked.IsZero() {
				pipe.HSetNX(ctx, q.claimsKey(), key, now.UnixMilli())
				return nil
			}
			if now.Sub(marked) < q.opts.ClaimTimeout {
				return errSkip
			}
			pipe.LRem(ctx, q.claimedKey(), 0, key)
			pipe.HDel(ctx, q.claimsKey(), key)
			pipe.RPush(ctx, q.readyKey(), key)
			recovered = true
			return nil
		})
		if errors.Is(err, ErrNotFound) {
			_ = q.rdb.LRem(ctx, q.claimedKey(), 0, key).Err()
			_ = q.rdb.HDel(ctx, q.claimsKey(), key).Err()
			continue
		}
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return n, err
		}
		if recovered {
			n++
			q.log.Warn("recovered unleased claim", zap.String("key", key))
		}
	}
	return n, nil
}

// RequeueExpired recovers jobs whose worker stopped renewing the lease. They
// are retried with backoff, or failed when no attempts remain.
func (q *RedisQ) RequeueExpired(ctx context.Context, now time.Time, batch int64) (int, error) {
	keys, err := q.rdb.ZRangeByScore(ctx, q.activeKey(), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list expired leases")
	}

	var n int
	for _, key := range keys {
		var failed *domain.Result
		var platform domain.Platform
		stale := false
		_, err := q.update(ctx, key, func(j *domain.Job, pipe r.Pipeliner) error {
			platform = j.Platform
			if j.State != domain.Active {
				stale = true
				pipe.ZRem(ctx, q.activeKey(), key)
				return nil
			}
			if j.LeaseExpiry.After(now) {
				return errSkip
			}
			if j.AttemptsLeft() {
				q.delay(ctx, j, pipe, "lease expired")
				return nil
			}
			res := domain.FailedResult("lease expired", now.Sub(j.LeaseExpiry.Add(-q.opts.LeaseTimeout)))
			j.LastError = res.Error
			failed = &res
			return q.finish(ctx, j, pipe, domain.Failed, res)
		})
		if errors.Is(err, ErrNotFound) {
			_ = q.rdb.ZRem(ctx, q.activeKey(), key).Err()
			continue
		}
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return n, err
		}
		if stale {
			continue
		}
		n++
		if failed != nil {
			q.inst.finished(ctx, platform, domain.Failed, *failed)
		}
		q.log.Warn("requeued expired lease", zap.String("key", key), zap.Bool("failed", failed != nil))
	}
	return n, nil
}

// RetentionCandidates lists the terminal jobs Sweep would remove at now:
// completed jobs past the newest KeepCompleted or older than CompletedAge,
// and failed jobs past the newest KeepFailed.
func (q *RedisQ) RetentionCandidates(ctx context.Context, now time.Time) (completed, failed []string, err error) {
	cutoff := now.Add(-q.opts.CompletedAge)

	pipe := q.rdb.Pipeline()
	aged := pipe.ZRangeByScore(ctx, q.terminalKey(domain.Completed), &r.ZRangeBy{
		Min: "-inf", Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	})
	overCompleted := pipe.ZRevRange(ctx, q.terminalKey(domain.Completed), q.opts.KeepCompleted, -1)
	overFailed := pipe.ZRevRange(ctx, q.terminalKey(domain.Failed), q.opts.KeepFailed, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "retention scan")
	}

	seen := make(map[string]bool)
	for _, k := range append(aged.Val(), overCompleted.Val()...) {
		if !seen[k] {
			seen[k] = true
			completed = append(completed, k)
		}
	}
	return completed, overFailed.Val(), nil
}

// Sweep applies terminal retention to the jobs RetentionCandidates reports.
// Removed jobs are archived first; an archive error keeps them all.
func (q *RedisQ) Sweep(ctx context.Context, now time.Time) (int, error) {
	completed, failed, err := q.RetentionCandidates(ctx, now)
	if err != nil {
		return 0, err
	}
	all := append(append([]string{}, completed...), failed...)
	if len(all) == 0 {
		return 0, nil
	}

	if q.opts.Archive != nil {
		jobs, err := q.load(ctx, all)
		if err != nil {
			return 0, err
		}
		if err := q.opts.Archive(ctx, jobs); err != nil {
			return 0, errors.Wrap(err, "archive")
		}
	}

	completedKey := q.terminalKey(domain.Completed)
	failedKey := q.terminalKey(domain.Failed)
	_, err = q.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		for _, k := range completed {
			pipe.ZRem(ctx, completedKey, k)
			pipe.Del(ctx, q.jobKey(k))
		}
		for _, k := range failed {
			pipe.ZRem(ctx, failedKey, k)
			pipe.Del(ctx, q.jobKey(k))
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "retention delete")
	}
	q.log.Debug("retention sweep", zap.Int("completed", len(completed)), zap.Int("failed", len(failed)))
	return len(all), nil
}

// Maintain runs one round of promotion, claim and lease recovery, and retention.
func (q *RedisQ) Maintain(ctx context.Context) error {
	now := q.opts.Now()
	if _, err := q.PromoteDue(ctx, now, 200); err != nil {
		return err
	}
	if _, err := q.RecoverClaimed(ctx, now, 500); err != nil {
		return err
	}
	if _, err := q.RequeueExpired(ctx, now, 500); err != nil {
		return err
	}
	_, err := q.Sweep(ctx, now)
	return err
}

func (q *RedisQ) load(ctx context.Context, keys []string) ([]domain.Job, error) {
	jk := make([]string, len(keys))
	for i, k := range keys {
		jk[i] = q.jobKey(k)
	}
	vals, err := q.rdb.MGet(ctx, jk...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	jobs := make([]domain.Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var j domain.Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			return nil, errors.Wrap(err, "decode job")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
