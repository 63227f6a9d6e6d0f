// Package worker consumes the queue and runs the agent for each job.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/askbot/internal/agent"
	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/logging"
)

// Backend is the part of the queue the pool drives.
type Backend interface {
	Dequeue(ctx context.Context, block time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, job *domain.Job, res domain.Result) error
	Retry(ctx context.Context, job *domain.Job, cause error) (time.Time, error)
	Maintain(ctx context.Context) error
}

type Options struct {
	// Concurrency is the hard limit of jobs in flight.
	Concurrency int64
	// Block is how long one dequeue waits for a ready job.
	Block time.Duration
	// MaintainInterval drives queue maintenance. Zero disables it.
	MaintainInterval time.Duration
}

type Pool struct {
	backend Backend
	agent   agent.Agent
	opts    Options
	log     *zap.Logger
}

func New(backend Backend, a agent.Agent, opts Options, log *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	return &Pool{
		backend: backend,
		agent:   a,
		opts:    opts,
		log:     logging.OrNop(log).Named("worker").With(zap.String("workerId", "worker-"+uuid.NewString()[:8])),
	}
}

// Run dequeues and processes jobs until ctx is cancelled, then waits for the
// jobs already in flight to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker started", zap.Int64("concurrency", p.opts.Concurrency))

	var wg sync.WaitGroup
	if p.opts.MaintainInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.maintain(ctx)
		}()
	}

	sem := semaphore.NewWeighted(p.opts.Concurrency)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := p.backend.Dequeue(ctx, p.opts.Block)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			p.log.Warn("dequeue failed", zap.Error(err), zap.Duration("retryIn", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		if job == nil {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.process(ctx, job)
		}()
	}

	wg.Wait()
	p.log.Info("worker stopped")
	return nil
}

func (p *Pool) maintain(ctx context.Context) {
	tick := time.NewTicker(p.opts.MaintainInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := p.backend.Maintain(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("queue maintenance failed", zap.Error(err))
			}
		}
	}
}

// process runs one attempt. The agent call and the write-back are detached
// from ctx so shutdown lets in-flight attempts finish.
func (p *Pool) process(ctx context.Context, job *domain.Job) {
	ctx = context.WithoutCancel(ctx)
	log := p.log.With(
		zap.String("key", job.Key),
		zap.String("platform", string(job.Platform)),
		zap.String("userId", job.UserID),
		zap.Int("attempt", job.Attempts),
	)
	log.Info("processing job")

	start := time.Now()
	answer, err := p.call(ctx, job)
	took := time.Since(start)

	if err == nil {
		if err := p.backend.Complete(ctx, job, domain.Succeeded(answer, took)); err != nil {
			log.Error("record result failed", zap.Error(err))
			return
		}
		log.Info("job completed", zap.Duration("processingTime", took))
		return
	}

	log.Error("agent failed", zap.Error(err), zap.Duration("processingTime", took))
	if job.AttemptsLeft() {
		runAt, rerr := p.backend.Retry(ctx, job, err)
		if rerr != nil {
			log.Error("schedule retry failed", zap.Error(rerr))
			return
		}
		log.Info("retry scheduled", zap.Time("runAt", runAt))
		return
	}

	// Out of attempts: the failure becomes an ordinary result so the job
	// still reaches a terminal state that waiters observe.
	if err := p.backend.Complete(ctx, job, domain.FailedResult(err.Error(), took)); err != nil {
		log.Error("record failure failed", zap.Error(err))
		return
	}
	log.Warn("job exhausted attempts", zap.Int("maxAttempts", job.MaxAttempts))
}

func (p *Pool) call(ctx context.Context, job *domain.Job) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return p.agent.ProcessRequest(ctx, job.Message, agent.RequestContext{
		Platform: job.Platform,
		UserID:   job.UserID,
		UserName: job.UserName,
	})
}
