// Copyright 2025 James Ross
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Report is the wire shape a feed sink expects for one dispatched result.
type Report struct {
	ID          int64            `json:"id"`
	Timestamp   int64            `json:"timestamp"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Severity    int              `json:"severity"`
	IOCsV2      []map[string]any `json:"iocs_v2"`
}

// Sink delivers a batch of reports to an external result store.
type Sink interface {
	Append(ctx context.Context, sinkID string, reports []Report) error
}

// FeedSink posts reports to a feed service identified by sink id.
type FeedSink struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewFeedSink(baseURL string, client *http.Client, log *zap.Logger) *FeedSink {
	return &FeedSink{baseURL: baseURL, http: client, log: log}
}

func (f *FeedSink) Append(ctx context.Context, sinkID string, reports []Report) error {
	body, err := json.Marshal(reports)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/feeds/%s/reports", f.baseURL, sinkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sink: feed %s returned %d", sinkID, resp.StatusCode)
	}
	return nil
}

// WatchlistSink is reserved for a future integration; per the dispatch
// contract it accepts the call but performs no work, logging a warning
// so silent no-delivery is at least visible in logs.
type WatchlistSink struct {
	log *zap.Logger
}

func NewWatchlistSink(log *zap.Logger) *WatchlistSink {
	return &WatchlistSink{log: log}
}

func (w *WatchlistSink) Append(ctx context.Context, sinkID string, reports []Report) error {
	w.log.Warn("watchlist dispatch is a no-op", zap.String("sink_id", sinkID), zap.Int("count", len(reports)))
	return nil
}
