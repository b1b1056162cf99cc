package workmux

import (
	"context"
	"fmt"
)

// Proxy is a per-caller handle onto a shared Multiplexer. Each concurrent
// caller holds its own proxy and drives one request at a time through the
// submit/await pair. Proxies are cheap; create one per caller rather than
// sharing.
type Proxy struct {
	mux *Multiplexer
}

// Submit sends the request through the underlying multiplexer.
func (p *Proxy) Submit(ctx context.Context, req *WorkRequest) error {
	return p.mux.Submit(ctx, req)
}

// Await blocks for the response to a previously submitted request.
func (p *Proxy) Await(ctx context.Context, requestID uint64) (*WorkResponse, error) {
	return p.mux.Await(ctx, requestID)
}

// Run submits req and blocks until its response arrives. Unlike the raw
// Await, an absent response (multiplexer shut down before the worker
// answered) is surfaced as ErrNoResponse rather than a nil result.
func (p *Proxy) Run(ctx context.Context, req *WorkRequest) (*WorkResponse, error) {
	if err := p.mux.Submit(ctx, req); err != nil {
		return nil, err
	}

	resp, err := p.mux.Await(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		return nil, fmt.Errorf("work request %d: %w", req.RequestID, ErrNoResponse)
	}

	return resp, nil
}
