// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/connector"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"go.uber.org/zap"
)

// Reaper is the at-least-once dispatch recovery sweep for C9: a sink
// failure leaves results with dispatched=false so they're eligible for
// another attempt, but nothing re-enqueues that attempt on its own.
// This periodically re-chunks every connector's undispatched backlog
// into fresh dispatch_result jobs, the way the teacher's original
// reaper periodically requeued abandoned in-flight jobs.
type Reaper struct {
	cfg      *config.Config
	q        *queue.Substrate
	store    *store.Store
	registry *connector.Registry
	log      *zap.Logger
	interval time.Duration
}

func New(cfg *config.Config, q *queue.Substrate, st *store.Store, reg *connector.Registry, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, q: q, store: st, registry: reg, log: log, interval: 30 * time.Second}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	for _, c := range r.registry.Connectors() {
		if c.SinkID() == "" {
			continue
		}
		results, err := r.store.UndispatchedByConnector(c.Name(), r.cfg.Analysis.FeedSize*4)
		if err != nil {
			r.log.Warn("reaper: load undispatched results failed", obs.String("connector", c.Name()), obs.Err(err))
			continue
		}
		if len(results) == 0 {
			continue
		}

		for start := 0; start < len(results); start += r.cfg.Analysis.FeedSize {
			end := start + r.cfg.Analysis.FeedSize
			if end > len(results) {
				end = len(results)
			}
			ids := make([]int64, 0, end-start)
			for _, res := range results[start:end] {
				ids = append(ids, res.ID)
			}
			if _, err := r.q.Enqueue(ctx, queue.ResultDispatch, "dispatch_result", map[string]any{
				"ids": ids,
			}, queue.EnqueueOpts{}); err != nil {
				r.log.Warn("reaper: re-enqueue dispatch_result failed", obs.String("connector", c.Name()), obs.Err(err))
				continue
			}
			obs.ReaperRecovered.WithLabelValues(queue.ResultDispatch).Add(float64(len(ids)))
		}
	}
}
