// Package dedupeclient defines the contract a VDO uses to talk to its
// deduplication index: an external collaborator whose hash-table
// internals are out of scope (see spec.md's Non-goals). This package
// owns only the boundary: the request shape, the bounded-timeout
// policy for requests that never come back, and a trivial in-memory
// stand-in used by tests.
package dedupeclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dm-vdo/govdo/pkg/clock"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
)

// ChunkName is the content-addressed name an index request is keyed
// by.
type ChunkName [16]byte

// ChunkNameOf derives the ChunkName a VDO submits to the dedupe index
// for a block of data: the first 16 bytes of its BLAKE3 sum. 16 bytes
// is the name size the index interface already fixes; a collision
// there only costs a missed dedupe opportunity; it is never relied on
// for correctness of the data itself.
func ChunkNameOf(data []byte) ChunkName {
	h := blake3.New()
	h.Write(data)
	var name ChunkName
	copy(name[:], h.Sum(nil))
	return name
}

// Client is the boundary a VDO submits dedupe requests through. Post
// offers newly-written data as dedupe candidate; Query asks whether a
// chunk is already known; Update associates a chunk name with its
// final physical location. ok is false when the index has no advice
// (including when the request timed out).
type Client interface {
	Post(ctx context.Context, name ChunkName, pbn layout.PBN) error
	Query(ctx context.Context, name ChunkName) (pbn layout.PBN, ok bool, err error)
	Update(ctx context.Context, name ChunkName, pbn layout.PBN) error
}

// TimeoutPolicy wraps a Client so that every request is bounded by a
// configurable timeout, and a request that does not return in time is
// treated as "no advice" rather than blocking the write path: per
// spec.md, a timed-out dedupe query lets the write proceed on the
// slow path without dedup.
//
// A background goroutine wakes on Interval (the "periodic timer" of
// spec.md's "Timeouts are checked by a periodic timer whose interval
// is also configurable") purely to increment TimeoutCount for expired
// in-flight requests for observability; the timeout itself is
// enforced directly by context.WithTimeout around each call, since Go
// contexts make a separate expiry-sweep unnecessary for correctness.
type TimeoutPolicy struct {
	Client   Client
	Timeout  time.Duration
	Interval time.Duration

	// Clock supplies Now/NewTicker/NewContextWithTimeout, so tests can
	// substitute a fake clock instead of waiting on real wall-clock
	// timeouts. Nil means clock.SystemClock.
	Clock clock.Clock

	mu           sync.Mutex
	inFlight     map[*inFlightRequest]struct{}
	timeoutCount uint64

	stop chan struct{}
	once sync.Once
}

func (p *TimeoutPolicy) getClock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.SystemClock
}

type inFlightRequest struct {
	deadline time.Time
}

// Start launches the periodic timer that sweeps expired in-flight
// requests for the TimeoutCount statistic. Safe to call at most once;
// a TimeoutPolicy used only synchronously in tests may skip calling
// it entirely.
func (p *TimeoutPolicy) Start() {
	p.once.Do(func() {
		p.stop = make(chan struct{})
		p.inFlight = make(map[*inFlightRequest]struct{})
		go p.sweepLoop()
	})
}

// Stop terminates the periodic sweep started by Start. A no-op if
// Start was never called.
func (p *TimeoutPolicy) Stop() {
	if p.stop != nil {
		close(p.stop)
	}
}

func (p *TimeoutPolicy) sweepLoop() {
	ticker, tickCh := p.getClock().NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-tickCh:
			p.sweep(now)
		}
	}
}

func (p *TimeoutPolicy) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for req := range p.inFlight {
		if !now.Before(req.deadline) {
			delete(p.inFlight, req)
			p.timeoutCount++
		}
	}
}

func (p *TimeoutPolicy) track() (*inFlightRequest, func()) {
	req := &inFlightRequest{deadline: p.getClock().Now().Add(p.Timeout)}
	p.mu.Lock()
	if p.inFlight != nil {
		p.inFlight[req] = struct{}{}
	}
	p.mu.Unlock()
	return req, func() {
		p.mu.Lock()
		delete(p.inFlight, req)
		p.mu.Unlock()
	}
}

// TimeoutCount returns the number of requests counted as timed out
// since the policy was created: queries whose deadline expired, plus
// in-flight requests the periodic sweep found past their deadline.
func (p *TimeoutPolicy) TimeoutCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeoutCount
}

// Post implements Client, bounding the call by Timeout.
func (p *TimeoutPolicy) Post(ctx context.Context, name ChunkName, pbn layout.PBN) error {
	_, untrack := p.track()
	defer untrack()
	ctx, cancel := p.getClock().NewContextWithTimeout(ctx, p.Timeout)
	defer cancel()
	return p.Client.Post(ctx, name, pbn)
}

// Query implements Client. A timeout is reported as ok=false with a
// nil error, matching spec.md's "timed-out dedupe query is treated as
// no advice" rather than as a failure the caller must handle.
func (p *TimeoutPolicy) Query(ctx context.Context, name ChunkName) (layout.PBN, bool, error) {
	_, untrack := p.track()
	defer untrack()
	ctx, cancel := p.getClock().NewContextWithTimeout(ctx, p.Timeout)
	defer cancel()

	pbn, ok, err := p.Client.Query(ctx, name)
	if errors.Is(err, context.DeadlineExceeded) {
		p.mu.Lock()
		p.timeoutCount++
		p.mu.Unlock()
		return layout.InvalidPBN, false, nil
	}
	return pbn, ok, err
}

// Update implements Client, bounding the call by Timeout.
func (p *TimeoutPolicy) Update(ctx context.Context, name ChunkName, pbn layout.PBN) error {
	_, untrack := p.track()
	defer untrack()
	ctx, cancel := p.getClock().NewContextWithTimeout(ctx, p.Timeout)
	defer cancel()
	return p.Client.Update(ctx, name, pbn)
}

// MapClient is a trivial in-memory Client backed by a map, standing
// in for the real UDS index in tests: it has no timeout behavior of
// its own (wrap it in a TimeoutPolicy to exercise that), and never
// returns an error.
type MapClient struct {
	mu      sync.Mutex
	entries map[ChunkName]layout.PBN
	// Delay, if nonzero, is slept before responding, so tests can
	// exercise TimeoutPolicy's deadline handling deterministically.
	Delay time.Duration
}

// NewMapClient constructs an empty MapClient.
func NewMapClient() *MapClient {
	return &MapClient{entries: make(map[ChunkName]layout.PBN)}
}

func (c *MapClient) wait(ctx context.Context) error {
	if c.Delay == 0 {
		return nil
	}
	select {
	case <-time.After(c.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post implements Client.
func (c *MapClient) Post(ctx context.Context, name ChunkName, pbn layout.PBN) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = pbn
	return nil
}

// Query implements Client.
func (c *MapClient) Query(ctx context.Context, name ChunkName) (layout.PBN, bool, error) {
	if err := c.wait(ctx); err != nil {
		return layout.InvalidPBN, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pbn, ok := c.entries[name]
	return pbn, ok, nil
}

// Update implements Client.
func (c *MapClient) Update(ctx context.Context, name ChunkName, pbn layout.PBN) error {
	return c.Post(ctx, name, pbn)
}
