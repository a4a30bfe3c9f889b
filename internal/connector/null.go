// Copyright 2025 James Ross
package connector

import "context"

// Null is a no-op connector used in tests and as a sandbox default: it
// realizes no findings but still participates in refcounting so the
// fan-out/decrement contract can be exercised without a real engine.
type Null struct {
	sink string
}

func NewNull(sinkID string) *Null { return &Null{sink: sinkID} }

func (n *Null) Name() string   { return "null" }
func (n *Null) SinkID() string { return n.sink }

func (n *Null) Analyze(ctx context.Context, bin Binary, data []byte) (<-chan Finding, <-chan error) {
	out := make(chan Finding)
	errc := make(chan error, 1)
	close(out)
	close(errc)
	return out, errc
}
