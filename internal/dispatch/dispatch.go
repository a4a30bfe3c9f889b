// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"fmt"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/sink"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"go.uber.org/zap"
)

// Dispatcher is the C9 result-dispatch job body: it loads a batch of
// result ids, routes them to the sink configured for their connector,
// and marks them dispatched only once the sink accepts them.
type Dispatcher struct {
	store  *store.Store
	routes map[string]config.SinkRef
	feed   sink.Sink
	watch  sink.Sink
	log    *zap.Logger
}

func New(st *store.Store, routes map[string]config.SinkRef, feed, watch sink.Sink, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, routes: routes, feed: feed, watch: watch, log: log}
}

// DispatchResult is the "dispatch_result" job handler. All ids in one
// job are assumed to share a connector, matching the batching contract
// in internal/analysis: a buffer is flushed per (connector, job) pair.
func (d *Dispatcher) DispatchResult(ctx context.Context, ids []int64) error {
	results, err := d.store.GetResultsByIDs(ids)
	if err != nil {
		return fmt.Errorf("dispatch: load results: %w", err)
	}
	pending := make([]store.AnalysisResult, 0, len(results))
	for _, r := range results {
		if !r.Dispatched {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	connName := pending[0].ConnectorName
	route, ok := d.routes[connName]
	if !ok {
		d.log.Warn("no sink route configured for connector, dropping", obs.String("connector", connName))
		return nil
	}

	reports := make([]sink.Report, 0, len(pending))
	dispatchedIDs := make([]int64, 0, len(pending))
	for _, r := range pending {
		iocs, err := d.store.IOCsForResult(r.ID)
		if err != nil {
			return fmt.Errorf("dispatch: load iocs for result %d: %w", r.ID, err)
		}
		dicts := make([]map[string]any, len(iocs))
		for i, ioc := range iocs {
			dicts[i] = ioc.AsDict()
		}
		reports = append(reports, sink.Report{
			ID:          r.ID,
			Timestamp:   r.CreatedAt.Unix(),
			Title:       r.ConnectorName,
			Description: r.AnalysisName,
			Severity:    r.Score,
			IOCsV2:      dicts,
		})
		dispatchedIDs = append(dispatchedIDs, r.ID)
	}

	var s sink.Sink
	switch route.Kind {
	case config.SinkFeed:
		s = d.feed
	case config.SinkWatchlist:
		s = d.watch
	default:
		d.log.Warn("unknown sink kind, dropping", obs.String("connector", connName), obs.String("kind", string(route.Kind)))
		return nil
	}

	if err := s.Append(ctx, route.ID, reports); err != nil {
		obs.DispatchFailures.WithLabelValues(connName, string(route.Kind)).Inc()
		return fmt.Errorf("dispatch: sink %s/%s append: %w", route.Kind, route.ID, err)
	}

	if err := d.store.MarkDispatched(dispatchedIDs); err != nil {
		return fmt.Errorf("dispatch: mark dispatched: %w", err)
	}
	obs.ResultsDispatched.WithLabelValues(connName, string(route.Kind)).Add(float64(len(dispatchedIDs)))
	return nil
}
