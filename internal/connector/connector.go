// Copyright 2025 James Ross
package connector

import (
	"context"

	"github.com/flyingrobots/go-redis-work-queue/internal/store"
)

// Binary is the subset of store.Binary a connector needs to do its work;
// kept narrow so connector implementations don't reach into the store
// package directly.
type Binary struct {
	SHA256 string
	Size   int64
}

// Finding is one unpersisted result a connector's Analyze emits. The
// pipeline turns each into a store.AnalysisResult via Result.
type Finding struct {
	AnalysisName string
	Score        int
	// Error marks the analysis pass itself as failed (not a channel-level
	// error); the result is still persisted so the failure is visible.
	Error bool
	// Payload is an opaque, connector-defined structured blob recorded
	// alongside the score, e.g. raw rule-match detail.
	Payload []byte
	IOCs    []store.IOC
}

// Connector is the opaque extension point pluggable analysis engines
// implement. Concrete bodies (YARA, TAXII/STIX, null) live outside the
// core; only the contract lives here.
type Connector interface {
	// Name is the registry key, lowercased by convention.
	Name() string
	// SinkID names the dispatch sink configured for this connector's
	// results, or "" if none is configured (side effects only, no dispatch).
	SinkID() string
	// Analyze runs the connector body against a binary's bytes, streaming
	// findings on the returned channel. The channel is closed when done;
	// at most one error is sent on errc, which is then closed.
	Analyze(ctx context.Context, bin Binary, data []byte) (<-chan Finding, <-chan error)
}

// Result stamps a Finding with identity. The score is copied unchanged;
// store.CreateResult normalizes it into [1,10] when the result is persisted.
func Result(jobID, connectorName string, bin Binary, f Finding) store.AnalysisResult {
	return store.AnalysisResult{
		SHA256:        bin.SHA256,
		JobID:         jobID,
		ConnectorName: connectorName,
		AnalysisName:  f.AnalysisName,
		Score:         f.Score,
		Error:         f.Error,
		Payload:       f.Payload,
	}
}
