// Copyright 2025 James Ross
package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/cache"
	"github.com/flyingrobots/go-redis-work-queue/internal/connector"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"go.uber.org/zap"
)

// bufferKey identifies one connector's in-flight result-ID buffer for
// one analysis job. Keying by (connector, job) rather than storing the
// buffer on the connector singleton means concurrent workers running
// the same connector on different hashes never collide.
type bufferKey struct {
	connector string
	jobID     string
}

// Pipeline implements the analysis fan-out (C7) and per-connector result
// pipeline (C8), including the buffer the timeout salvage handler (C11)
// drains.
type Pipeline struct {
	q         *queue.Substrate
	store     *store.Store
	cache     cache.Cache
	registry  *connector.Registry
	feedSize  int
	log       *zap.Logger

	buffers sync.Map // bufferKey -> *sync.Mutex-guarded []int64, see buffer type below
}

type buffer struct {
	mu  sync.Mutex
	ids []int64
}

func New(q *queue.Substrate, st *store.Store, ch cache.Cache, reg *connector.Registry, feedSize int, log *zap.Logger) *Pipeline {
	return &Pipeline{q: q, store: st, cache: ch, registry: reg, feedSize: feedSize, log: log}
}

// AnalyzeBinary is the C7 fan-out: seed the refcount with the number of
// available connectors, then enqueue one analysis job per connector.
// The refcount MUST be seeded before any job is enqueued so the fastest
// possible failure never observes an uninitialized counter.
func (p *Pipeline) AnalyzeBinary(ctx context.Context, sha256 string, timeout int64) error {
	bin, err := p.store.GetBinary(sha256)
	if err != nil {
		return fmt.Errorf("analysis: load binary %s: %w", sha256, err)
	}
	connectors := p.registry.Connectors()
	if len(connectors) == 0 {
		p.log.Warn("no connectors available, nothing to fan out", obs.String("sha256", sha256))
		return nil
	}

	if err := p.cache.SetInt(ctx, bin.CountKey(), int64(len(connectors))); err != nil {
		return fmt.Errorf("analysis: seed refcount for %s: %w", sha256, err)
	}

	for _, c := range connectors {
		opts := queue.EnqueueOpts{}
		if timeout > 0 {
			opts.Timeout = msToDuration(timeout)
		}
		if _, err := p.q.Enqueue(ctx, queue.BinaryAnalysis, "analyze", map[string]any{
			"sha256":    sha256,
			"connector": c.Name(),
		}, opts); err != nil {
			p.log.Warn("enqueue analyze failed", obs.String("sha256", sha256), obs.String("connector", c.Name()), obs.Err(err))
		}
	}
	return nil
}

// Analyze is the per-connector job body (C8), run under job.FuncName ==
// "analyze". It stamps job meta with the connector name so the timeout
// handler can find it, drains the connector's findings into batched
// dispatch chunks, and decrements the binary's refcount once after the
// connector finishes without error. Every error return, including a
// connector error such as a canceled context, skips the decrement.
func (p *Pipeline) Analyze(ctx context.Context, job queue.Job) error {
	sha256 := job.ArgString("sha256")
	connName := job.ArgString("connector")

	c, ok := p.registry.Get(connName)
	if !ok {
		return fmt.Errorf("analysis: unknown connector %q", connName)
	}

	job.Meta["conn"] = connName
	if err := p.q.SaveMeta(ctx, job); err != nil {
		p.log.Warn("save meta failed", obs.String("job_id", job.ID), obs.Err(err))
	}

	bin, err := p.store.GetBinary(sha256)
	if err != nil {
		return fmt.Errorf("analysis: load binary %s: %w", sha256, err)
	}
	data, err := p.cache.Get(ctx, bin.DataKey())
	if err != nil {
		return fmt.Errorf("analysis: load cached bytes for %s: %w", sha256, err)
	}

	key := bufferKey{connector: connName, jobID: job.ID}
	buf := p.bufferFor(key)

	findings, errc := c.Analyze(ctx, connector.Binary{SHA256: bin.SHA256, Size: bin.Size}, data)
	for f := range findings {
		id, err := p.persistFinding(connName, job.ID, bin, f)
		if err != nil {
			p.log.Warn("persist finding failed", obs.String("job_id", job.ID), obs.Err(err))
			continue
		}
		if c.SinkID() == "" {
			continue
		}
		p.appendAndMaybeFlush(ctx, key, buf, id)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("analysis: connector %s: %w", connName, err)
	}

	if c.SinkID() != "" {
		p.flushRemainder(ctx, key, buf)
	}
	p.buffers.Delete(key)

	return p.decrementRefcount(ctx, bin)
}

func (p *Pipeline) persistFinding(connName, jobID string, bin store.Binary, f connector.Finding) (int64, error) {
	result := connector.Result(jobID, connName, connector.Binary{SHA256: bin.SHA256, Size: bin.Size}, f)
	id, err := p.store.CreateResult(result)
	if err != nil {
		if err == store.ErrConflict {
			return 0, nil
		}
		return 0, err
	}
	if len(f.IOCs) > 0 {
		if err := p.store.AddIOCs(id, f.IOCs); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (p *Pipeline) bufferFor(key bufferKey) *buffer {
	actual, _ := p.buffers.LoadOrStore(key, &buffer{})
	return actual.(*buffer)
}

func (p *Pipeline) appendAndMaybeFlush(ctx context.Context, key bufferKey, buf *buffer, id int64) {
	if id == 0 {
		return
	}
	buf.mu.Lock()
	buf.ids = append(buf.ids, id)
	var chunk []int64
	if len(buf.ids) >= p.feedSize {
		chunk = buf.ids
		buf.ids = nil
	}
	buf.mu.Unlock()

	if chunk != nil {
		p.enqueueDispatch(ctx, chunk)
	}
}

func (p *Pipeline) flushRemainder(ctx context.Context, key bufferKey, buf *buffer) {
	buf.mu.Lock()
	chunk := buf.ids
	buf.ids = nil
	buf.mu.Unlock()
	if len(chunk) > 0 {
		p.enqueueDispatch(ctx, chunk)
	}
}

func (p *Pipeline) enqueueDispatch(ctx context.Context, ids []int64) {
	if _, err := p.q.Enqueue(ctx, queue.ResultDispatch, "dispatch_result", map[string]any{
		"ids": ids,
	}, queue.EnqueueOpts{}); err != nil {
		p.log.Warn("enqueue dispatch_result failed", obs.Err(err))
	}
}

func (p *Pipeline) decrementRefcount(ctx context.Context, bin store.Binary) error {
	n, err := p.cache.Decr(ctx, bin.CountKey())
	if err != nil {
		return fmt.Errorf("analysis: decrement refcount for %s: %w", bin.SHA256, err)
	}
	switch {
	case n == 0:
		if _, err := p.q.Enqueue(ctx, queue.BinaryCleanup, "flush_binary", map[string]any{
			"sha256": bin.SHA256,
		}, queue.EnqueueOpts{}); err != nil {
			p.log.Warn("enqueue flush_binary failed", obs.String("sha256", bin.SHA256), obs.Err(err))
		}
	case n < 0:
		obs.RefcountAnomalies.Inc()
		p.log.Error("binary refcount went negative", obs.String("sha256", bin.SHA256), obs.Int64("refcount", n))
	}
	return nil
}

// FlushBinary is the "flush_binary" job body enqueued once a binary's
// refcount reaches zero (P1): it evicts the cached bytes and refcount
// key and marks the binary unavailable so a later request re-triggers
// retrieval instead of trusting a stale cache entry.
func (p *Pipeline) FlushBinary(ctx context.Context, job queue.Job) error {
	sha256 := job.ArgString("sha256")
	bin, err := p.store.GetBinary(sha256)
	if err != nil {
		return fmt.Errorf("analysis: load binary %s: %w", sha256, err)
	}
	if err := p.cache.Delete(ctx, bin.DataKey(), bin.CountKey()); err != nil {
		return fmt.Errorf("analysis: evict cache for %s: %w", sha256, err)
	}
	if err := p.store.MarkUnavailable(sha256); err != nil {
		return fmt.Errorf("analysis: mark unavailable %s: %w", sha256, err)
	}
	obs.BinariesEvicted.Inc()
	return nil
}

// Salvage implements worker.Salvager for the timeout handler (C11): it
// atomically swaps the connector's buffer for the timed-out job to
// empty and, if any result ids remain, enqueues a final dispatch chunk
// so work already done before the timeout isn't lost.
func (p *Pipeline) Salvage(ctx context.Context, job queue.Job) {
	connName, _ := job.Meta["conn"].(string)
	if connName == "" {
		return
	}
	key := bufferKey{connector: connName, jobID: job.ID}
	v, ok := p.buffers.LoadAndDelete(key)
	if !ok {
		return
	}
	buf := v.(*buffer)
	buf.mu.Lock()
	ids := buf.ids
	buf.ids = nil
	buf.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	obs.SalvagedResults.WithLabelValues(connName).Add(float64(len(ids)))
	p.enqueueDispatch(ctx, ids)
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
