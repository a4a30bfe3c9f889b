// Copyright 2025 James Ross
package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/cache"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/store"
	"github.com/flyingrobots/go-redis-work-queue/internal/ubs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pipeline implements the retrieval stage (C5): filter already-cached
// hashes, resolve the rest via UBS, download with retry, mark
// available, and hand off to analysis via depends_on chaining.
type Pipeline struct {
	q            *queue.Substrate
	store        *store.Store
	cache        cache.Cache
	ubs          *ubs.Client
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	binaryTimeout time.Duration
	log          *zap.Logger
}

func New(q *queue.Substrate, st *store.Store, ch cache.Cache, ubsClient *ubs.Client, maxRetries int, ratePerSec int, binaryTimeout time.Duration, log *zap.Logger) *Pipeline {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &Pipeline{
		q:             q,
		store:         st,
		cache:         ch,
		ubs:           ubsClient,
		httpClient:    &http.Client{Timeout: binaryTimeout},
		limiter:       limiter,
		maxRetries:    maxRetries,
		binaryTimeout: binaryTimeout,
		log:           log,
	}
}

// FetchBinaries filters hashes already available in the store, resolves
// the remainder via UBS, and enqueues download+analyze for each found
// hash, re-enqueueing errored hashes and logging not-found ones.
func (p *Pipeline) FetchBinaries(ctx context.Context, hashes []string) error {
	remaining, err := p.store.FilterAvailable(hashes)
	if err != nil {
		return fmt.Errorf("retrieval: filter available: %w", err)
	}
	if len(remaining) == 0 {
		return nil
	}

	found, errored, notFound := p.ubs.Resolve(ctx, remaining)

	for _, f := range found {
		if err := p.store.CreateBinary(f.SHA256); err != nil {
			p.log.Warn("create binary row failed", obs.String("sha256", f.SHA256), obs.Err(err))
			continue
		}
		downloadID, err := p.q.Enqueue(ctx, queue.BinaryRetrieval, "download_binary", map[string]any{
			"sha256": f.SHA256,
			"url":    f.URL,
			"retry":  p.maxRetries,
		}, queue.EnqueueOpts{Timeout: p.binaryTimeout})
		if err != nil {
			p.log.Warn("enqueue download_binary failed", obs.String("sha256", f.SHA256), obs.Err(err))
			continue
		}
		if _, err := p.q.Enqueue(ctx, queue.BinaryAnalysis, "analyze_binary", map[string]any{
			"sha256": f.SHA256,
		}, queue.EnqueueOpts{DependsOn: downloadID}); err != nil {
			p.log.Warn("enqueue analyze_binary failed", obs.String("sha256", f.SHA256), obs.Err(err))
		}
	}

	if len(errored) > 0 {
		if _, err := p.q.Enqueue(ctx, queue.BinaryRetrieval, "fetch_binaries", map[string]any{
			"hashes": errored,
		}, queue.EnqueueOpts{}); err != nil {
			p.log.Warn("re-enqueue fetch_binaries for errored hashes failed", obs.Err(err))
		}
	}

	for _, h := range notFound {
		p.log.Info("hash not found in ubs", obs.String("sha256", h))
	}

	return nil
}

// DownloadBinary streams a binary's bytes from its resolved URL into the
// cache and marks it available in the store. A 404 with retries
// remaining is treated as transient and re-enqueued; any other non-OK
// status fails the job outright.
func (p *Pipeline) DownloadBinary(ctx context.Context, sha256, url string, retry int) error {
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("retrieval: rate limit wait for %s: %w", sha256, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval: download %s: %w", sha256, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		if retry > 0 {
			_, err := p.q.Enqueue(ctx, queue.BinaryRetrieval, "download_binary", map[string]any{
				"sha256": sha256,
				"url":    url,
				"retry":  retry - 1,
			}, queue.EnqueueOpts{Timeout: p.binaryTimeout})
			return err
		}
		return fmt.Errorf("retrieval: %s not found after retries exhausted", sha256)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retrieval: download %s returned %d", sha256, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("retrieval: read body for %s: %w", sha256, err)
	}

	if err := p.cache.Set(ctx, store.Binary{SHA256: sha256}.DataKey(), data); err != nil {
		return fmt.Errorf("retrieval: cache store for %s: %w", sha256, err)
	}
	if err := p.store.MarkAvailable(sha256, int64(len(data))); err != nil {
		return fmt.Errorf("retrieval: mark available for %s: %w", sha256, err)
	}
	return nil
}

// FetchQuery runs a saved search against UBS, chunks the resulting
// hashes by 10, and enqueues a FetchBinaries call per chunk. Any
// top-level error is logged and swallowed so a scheduled run never
// crashes the queue it runs on.
func (p *Pipeline) FetchQuery(ctx context.Context, query string, limit int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("fetch_query panicked", obs.String("query", query), obs.String("recover", fmt.Sprint(r)))
		}
	}()

	hashes, err := p.ubs.Search(ctx, query, limit)
	if err != nil {
		p.log.Warn("fetch_query search failed", obs.String("query", query), obs.Err(err))
		return
	}

	const chunkSize = 10
	for i := 0; i < len(hashes); i += chunkSize {
		end := i + chunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[i:end]
		if _, err := p.q.Enqueue(ctx, queue.BinaryRetrieval, "fetch_binaries", map[string]any{
			"hashes": chunk,
		}, queue.EnqueueOpts{}); err != nil {
			p.log.Warn("enqueue fetch_binaries chunk failed", obs.Err(err))
		}
	}
}

// Wait blocks until the configured outbound rate limit admits one more
// download, bounding the rate of binary fetches against the remote host.
func (p *Pipeline) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
