// Copyright 2025 James Ross
package store

import (
	"encoding/json"
	"time"
)

// Binary is a downloaded artifact tracked by SHA-256. Available flips to
// true once the bytes have landed in the cache; the row exists before that
// so concurrent retrieval jobs can observe an in-flight download.
type Binary struct {
	ID        int64     `db:"id"`
	SHA256    string    `db:"sha256"`
	Available bool      `db:"available"`
	Size      int64     `db:"size"`
	CreatedAt time.Time `db:"created_at"`
}

// DataKey and CountKey are the cache key names this binary's bytes and
// refcount live under. They're derived, not stored.
func (b Binary) DataKey() string  { return "/binaries/" + b.SHA256 }
func (b Binary) CountKey() string { return "/binaries/" + b.SHA256 + "/refcount" }

// AnalysisResult is one connector's scored finding for one binary.
type AnalysisResult struct {
	ID            int64     `db:"id"`
	SHA256        string    `db:"sha256"`
	JobID         string    `db:"job_id"`
	ConnectorName string    `db:"connector_name"`
	AnalysisName  string    `db:"analysis_name"`
	Score         int       `db:"score"`
	Error         bool      `db:"error"`
	Payload       []byte    `db:"payload"` // opaque structured blob, stored as raw JSON text
	Dispatched    bool      `db:"dispatched"`
	CreatedAt     time.Time `db:"created_at"`
}

// PayloadJSON decodes Payload into an arbitrary structure; a nil/empty
// Payload decodes to a nil map rather than an error.
func (r AnalysisResult) PayloadJSON() (map[string]any, error) {
	if len(r.Payload) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// IOCMatchType is the tagged kind of an indicator of compromise: a literal
// value, a regex pattern, or a backend-specific query string. This is a
// closed set, not a free-form string column.
type IOCMatchType string

const (
	IOCMatchEquality IOCMatchType = "equality"
	IOCMatchRegex    IOCMatchType = "regex"
	IOCMatchQuery    IOCMatchType = "query"
)

// IOC is an indicator of compromise attached to an analysis result. Values
// is non-empty; Field and Link are optional and empty when unset.
type IOC struct {
	ID        int64        `db:"id"`
	ResultID  int64        `db:"result_id"`
	MatchType IOCMatchType `db:"match_type"`
	Values    []string     `db:"values_json"` // stored as a JSON array
	Field     string       `db:"field"`
	Link      string       `db:"link"`
}

// AsDict renders an IOC the way dispatch reports expect it, matching the
// sink API's iocs_v2 shape.
func (i IOC) AsDict() map[string]any {
	return map[string]any{
		"match_type": string(i.MatchType),
		"values":     i.Values,
		"field":      i.Field,
		"link":       i.Link,
	}
}

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = sentinel("store: not found")

// ErrConflict is returned when a unique constraint is violated, e.g. a
// duplicate (sha256, connector_name, analysis_name) result.
var ErrConflict = sentinel("store: conflict")

type sentinel string

func (s sentinel) Error() string { return string(s) }
