// Package waiter lets adapters block on a job's terminal event with a bounded
// timeout.
package waiter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/logging"
)

// ErrUnknownJob is returned by Wait for a key the queue does not hold.
var ErrUnknownJob = errors.New("unknown job")

type Backend interface {
	Enqueue(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	Get(ctx context.Context, key string) (*domain.Job, error)
	Subscribe(ctx context.Context, key string) (<-chan domain.Event, error)
}

// Outcome is the result of a bounded wait. Pending means the timeout elapsed
// first; the job keeps running and Result is empty.
type Outcome struct {
	Pending bool
	Result  domain.Result
}

type Waiter struct {
	backend Backend
	log     *zap.Logger
}

func New(backend Backend, log *zap.Logger) *Waiter {
	return &Waiter{backend: backend, log: logging.OrNop(log).Named("waiter")}
}

// Submit enqueues job, or returns the job already stored under its key.
func (w *Waiter) Submit(ctx context.Context, job domain.Job) (domain.Job, error) {
	stored, _, err := w.backend.Enqueue(ctx, job)
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "submit")
	}
	return stored, nil
}

// Wait blocks until the job under key is terminal or timeout elapses. A
// timeout is reported as a pending outcome, not an error. Cancelling ctx
// returns ctx.Err().
func (w *Waiter) Wait(ctx context.Context, key string, timeout time.Duration) (Outcome, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := w.backend.Subscribe(subCtx, key)
	if err != nil {
		return Outcome{}, err
	}

	// The subscription is live, so a terminal transition after this read is
	// delivered on events.
	job, err := w.backend.Get(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if job == nil {
		return Outcome{}, fmt.Errorf("wait %s: %w", key, ErrUnknownJob)
	}
	if job.Terminal() {
		return Outcome{Result: resultOf(job)}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return Outcome{}, err
				}
				return Outcome{}, fmt.Errorf("wait %s: subscription closed", key)
			}
			if ev.State.Terminal() {
				return Outcome{Result: ev.Result}, nil
			}
		case <-timer.C:
			w.log.Warn("wait timed out", zap.String("key", key), zap.Duration("timeout", timeout))
			return Outcome{Pending: true}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

func (w *Waiter) SubmitAndWait(ctx context.Context, job domain.Job, timeout time.Duration) (Outcome, error) {
	stored, err := w.Submit(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	return w.Wait(ctx, stored.Key, timeout)
}

func resultOf(j *domain.Job) domain.Result {
	if j.Result != nil {
		return *j.Result
	}
	return domain.FailedResult(j.LastError, 0)
}
