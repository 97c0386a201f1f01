// Package sdk is linked into every workflow binary. It implements the
// instance-side half of the protocol in spec.md §4.3: connect, register,
// checkpoint, sleep, signal polling/acknowledgement, and event emission.
package sdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/runtarahq/runtara/persistence"
)

// ErrCancelled is raised by CheckCancelled when a pending cancel signal is
// observed. ErrPaused is raised by CheckPaused for a pending pause signal.
var (
	ErrCancelled = errors.New("sdk: instance received a cancel signal")
	ErrPaused    = errors.New("sdk: instance received a pause signal")
)

// CheckpointResult is the outcome of the checkpoint primitive: either a
// replayed value from a prior run (Found=true) or confirmation that state
// was freshly committed (Found=false).
type CheckpointResult struct {
	Found         bool
	State         []byte
	PendingSignal *persistence.Signal
}

// Runtime is the operation set spec.md §4.3 exposes to user code and to
// generated control-flow scaffolding. Client (transport-backed) and
// Embedded (direct-persistence) both implement it identically.
type Runtime interface {
	Connect(ctx context.Context) error
	Register(ctx context.Context, resumeFrom *string) error
	Checkpoint(ctx context.Context, checkpointID string, state []byte) (CheckpointResult, error)
	GetCheckpoint(ctx context.Context, checkpointID string) (state []byte, found bool, err error)
	Sleep(ctx context.Context, d time.Duration, checkpointID string, state []byte) (deferred bool, err error)
	PollSignal(ctx context.Context) (*persistence.Signal, error)
	PollSignalNow(ctx context.Context) (*persistence.Signal, error)
	AcknowledgeSignal(ctx context.Context, signalType persistence.SignalType, acknowledged bool) error
	Heartbeat(ctx context.Context) error
	Completed(ctx context.Context, output []byte) error
	Failed(ctx context.Context, errMsg string) error
	Suspended(ctx context.Context) error
	RecordRetryAttempt(ctx context.Context, checkpointID string, attempt int, errMsg *string) error
	CheckCancelled(ctx context.Context) error
	CheckPaused(ctx context.Context) error
	Close() error
}

// signalCache implements the "Cached signal rule" of spec.md §4.3: a signal
// observed by poll_signal that doesn't match what check_cancelled/check_paused
// is looking for is stashed so a later call sees it without another
// round-trip.
type signalCache struct {
	mu      sync.Mutex
	pending *persistence.Signal
	limiter *rate.Limiter
}

// newSignalCache builds a cache whose PollSignal is rate-limited to
// ratePerSecond calls/sec (spec.md §4.3 "default ~1 poll per second").
func newSignalCache(ratePerSecond float64) *signalCache {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &signalCache{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1)}
}

// absorb stashes sig (may be nil) as the cached pending signal.
func (c *signalCache) absorb(sig *persistence.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = sig
}

// take returns and clears the cached signal matching signalType, if any.
func (c *signalCache) take(signalType persistence.SignalType) *persistence.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.SignalType == signalType {
		sig := c.pending
		c.pending = nil
		return sig
	}
	return nil
}

// peek returns the cached signal without clearing it, used by PollSignal
// when the rate limiter denies a fresh poll.
func (c *signalCache) peek() *persistence.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *signalCache) allow() bool {
	return c.limiter.Allow()
}

// checkSignal is the shared implementation of CheckCancelled/CheckPaused:
// consult the cache first, then poll, returning wantErr if the signal
// matches wantType.
func checkSignal(ctx context.Context, rt Runtime, cache *signalCache, wantType persistence.SignalType, wantErr error) error {
	if sig := cache.take(wantType); sig != nil {
		return wantErr
	}

	sig, err := rt.PollSignal(ctx)
	if err != nil {
		return err
	}
	if sig == nil {
		return nil
	}
	if sig.SignalType == wantType {
		return wantErr
	}
	cache.absorb(sig)
	return nil
}
