// Copyright 2025 James Ross
package ubs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"go.uber.org/zap"
)

// Resolved is one hash's resolution outcome against the Unified Binary
// Store: a download URL, or membership in one of the two failure sets.
type Resolved struct {
	SHA256 string
	URL    string
}

// Client resolves SHA-256 hashes to time-limited download URLs.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *breaker.CircuitBreaker
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, cb *breaker.CircuitBreaker, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		cb:      cb.Named("ubs"),
		log:     log,
	}
}

type resolveRequest struct {
	Hashes []string `json:"hashes"`
}

type resolveResponse struct {
	Found    []Resolved `json:"found"`
	NotFound []string   `json:"not_found"`
}

// Resolve asks UBS to map hashes to URLs. Any transport failure, or the
// breaker refusing the call, maps the entire batch into errored so the
// caller re-enqueues it wholesale rather than guessing partial state.
func (c *Client) Resolve(ctx context.Context, hashes []string) (found []Resolved, errored []string, notFound []string) {
	if len(hashes) == 0 {
		return nil, nil, nil
	}
	if !c.cb.Allow() {
		c.log.Warn("ubs breaker open, failing resolve batch", obs.Int("count", len(hashes)))
		return nil, hashes, nil
	}

	body, err := json.Marshal(resolveRequest{Hashes: hashes})
	if err != nil {
		c.cb.Record(false)
		return nil, hashes, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/resolve", bytes.NewReader(body))
	if err != nil {
		c.cb.Record(false)
		return nil, hashes, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.cb.Record(false)
		c.log.Warn("ubs resolve transport error", obs.Err(err))
		return nil, hashes, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.cb.Record(false)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("ubs resolve non-200", obs.Int("status", resp.StatusCode), obs.String("body", string(b)))
		return nil, hashes, nil
	}

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.cb.Record(false)
		return nil, hashes, nil
	}
	c.cb.Record(true)

	seen := map[string]struct{}{}
	for _, f := range out.Found {
		seen[f.SHA256] = struct{}{}
	}
	for _, h := range out.NotFound {
		seen[h] = struct{}{}
	}
	for _, h := range hashes {
		if _, ok := seen[h]; !ok {
			// UBS didn't account for this hash at all; treat as not found
			// rather than silently dropping it.
			out.NotFound = append(out.NotFound, h)
		}
	}

	return out.Found, nil, out.NotFound
}

// String implements fmt.Stringer for logging a Resolved concisely.
func (r Resolved) String() string {
	return fmt.Sprintf("%s->%s", r.SHA256, r.URL)
}

type searchResponse struct {
	Hashes []string `json:"hashes"`
}

// Search runs a saved process-search query against UBS and returns the
// matching hashes, capped at limit when limit > 0.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if !c.cb.Allow() {
		return nil, fmt.Errorf("ubs: breaker open for search")
	}
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := fmt.Sprintf("%s/search?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		c.cb.Record(false)
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.cb.Record(false)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.cb.Record(false)
		return nil, fmt.Errorf("ubs: search returned %d", resp.StatusCode)
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.cb.Record(false)
		return nil, err
	}
	c.cb.Record(true)
	return out.Hashes, nil
}

