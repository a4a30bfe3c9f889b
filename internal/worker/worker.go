// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrJobTimeout is the "job timeout" condition raised when a job's
// handler doesn't return before its per-job timeout elapses.
var ErrJobTimeout = errors.New("worker: job timeout")

// Handler processes one job's body. A non-nil error fails the job; a
// nil return succeeds it.
type Handler func(ctx context.Context, job queue.Job) error

// Salvager is attached as the timeout exception handler of every
// worker (C11). Only jobs whose FuncName == "analyze" are routed to it;
// every other timeout simply fails the job.
type Salvager interface {
	Salvage(ctx context.Context, job queue.Job)
}

// Pool is the parallel worker pool over the four named queues. Multiple
// workers may service the same queue; within one worker, jobs run
// sequentially to completion, timeout, or error.
type Pool struct {
	cfg      *config.Config
	q        *queue.Substrate
	log      *zap.Logger
	handlers map[string]Handler
	salvage  Salvager
}

func New(cfg *config.Config, q *queue.Substrate, log *zap.Logger) *Pool {
	return &Pool{cfg: cfg, q: q, log: log, handlers: map[string]Handler{}}
}

// Register binds a handler to a job func_name.
func (p *Pool) Register(funcName string, h Handler) {
	p.handlers[funcName] = h
}

// SetSalvager wires the timeout salvage handler (C11).
func (p *Pool) SetSalvager(s Salvager) {
	p.salvage = s
}

// Run starts cfg.Worker.CountPerQueue[queue] goroutines per named queue
// and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, qname := range []string{queue.BinaryRetrieval, queue.BinaryAnalysis, queue.BinaryCleanup, queue.ResultDispatch} {
		count := p.cfg.Worker.CountPerQueue[qname]
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func(qname string, idx int) {
				defer wg.Done()
				obs.WorkerActive.WithLabelValues(qname).Inc()
				defer obs.WorkerActive.WithLabelValues(qname).Dec()
				p.runOne(ctx, qname)
			}(qname, i)
		}
	}
	wg.Wait()
	return nil
}

func (p *Pool) runOne(ctx context.Context, qname string) {
	for ctx.Err() == nil {
		job, _, err := p.q.Dequeue(ctx, []string{qname}, p.cfg.Worker.DequeueWait)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue error", obs.String("queue", qname), obs.Err(err))
			time.Sleep(p.cfg.Worker.BreakerPause)
			continue
		}
		obs.JobsConsumed.WithLabelValues(qname).Inc()
		p.process(ctx, job)
	}
}

func (p *Pool) process(parent context.Context, job queue.Job) {
	handler, ok := p.handlers[job.FuncName]
	if !ok {
		p.log.Error("no handler registered for func", obs.String("func_name", job.FuncName), obs.String("job_id", job.ID))
		_ = p.q.MarkFailed(parent, job.ID)
		obs.JobsFailed.WithLabelValues(job.FuncName).Inc()
		return
	}

	ctx, span := obs.ContextWithJobSpan(parent, job)
	defer span.End()

	runCtx := ctx
	var cancel context.CancelFunc
	if d := job.Timeout(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- handler(runCtx, job)
	}()

	select {
	case err := <-done:
		obs.JobProcessingDuration.WithLabelValues(job.FuncName).Observe(time.Since(start).Seconds())
		p.finish(ctx, job, err)
	case <-runCtx.Done():
		if parent.Err() != nil {
			// process shutting down, not a job-local timeout
			return
		}
		obs.JobsTimedOut.WithLabelValues(job.FuncName).Inc()
		obs.RecordError(ctx, ErrJobTimeout)
		p.handleTimeout(ctx, job)
		// the handler goroutine may still be running; let it finish in
		// the background and drop its result, matching "suspended at an
		// arbitrary point" semantics.
	}
}

func (p *Pool) handleTimeout(ctx context.Context, job queue.Job) {
	if job.FuncName != "analyze" {
		_ = p.q.MarkFailed(ctx, job.ID)
		p.log.Warn("job timed out, propagating", obs.String("job_id", job.ID), obs.String("func_name", job.FuncName))
		return
	}
	if p.salvage == nil {
		p.log.Error("analyze job timed out but no salvager is wired", obs.String("job_id", job.ID))
		_ = p.q.MarkFailed(ctx, job.ID)
		return
	}
	p.salvage.Salvage(ctx, job)
	_ = p.q.MarkFailed(ctx, job.ID)
}

func (p *Pool) finish(ctx context.Context, job queue.Job, err error) {
	if err == nil {
		obs.SetSpanSuccess(ctx)
		obs.JobsSucceeded.WithLabelValues(job.FuncName).Inc()
		if mErr := p.q.MarkSucceeded(ctx, job.ID); mErr != nil {
			p.log.Warn("mark succeeded failed", obs.String("job_id", job.ID), obs.Err(mErr))
		}
		return
	}
	obs.RecordError(ctx, err)
	obs.JobsFailed.WithLabelValues(job.FuncName).Inc()
	p.log.Warn("job failed", obs.String("job_id", job.ID), obs.String("func_name", job.FuncName), obs.Err(err))
	if mErr := p.q.MarkFailed(ctx, job.ID); mErr != nil {
		p.log.Warn("mark failed failed", obs.String("job_id", job.ID), obs.Err(mErr))
	}
}
