package sdk

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/persistence"
	"github.com/runtarahq/runtara/wire"
)

// ClientOptions configures a transport-backed Runtime.
type ClientOptions struct {
	InstanceID string
	TenantID   string
	ServerAddr string
	TLSConfig  *tls.Config
	// PollRate bounds PollSignal to this many calls per second (default 1,
	// spec.md §4.3 "rate-limit (default ~1 poll per second)").
	PollRate float64
}

// Client is the transport-backed Runtime: every operation is an RPC to
// Core over a shared QUIC connection (original_source's runtara-sdk client.rs).
type Client struct {
	opts   ClientOptions
	wire   *wire.Client
	cache  *signalCache
}

// NewClient constructs a Client without connecting; call Connect before use.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		opts:  opts,
		cache: newSignalCache(opts.PollRate),
	}
}

var _ Runtime = (*Client)(nil)

// Connect establishes the transport. Idempotent: reuses a healthy
// connection rather than reconnecting (spec.md §4.3 "connect()").
func (c *Client) Connect(ctx context.Context) error {
	if c.wire != nil {
		return nil
	}
	cl, err := wire.Connect(ctx, c.opts.ServerAddr, c.opts.TLSConfig, nil)
	if err != nil {
		return fmt.Errorf("sdk: connect: %w", err)
	}
	c.wire = cl
	return nil
}

func (c *Client) Register(ctx context.Context, resumeFrom *string) error {
	var resp wire.RegisterInstanceResponse
	return c.wire.Call(ctx, wire.KindRegisterInstance, wire.RegisterInstanceRequest{
		InstanceID: c.opts.InstanceID,
		TenantID:   c.opts.TenantID,
		ResumeFrom: resumeFrom,
	}, &resp)
}

func (c *Client) Checkpoint(ctx context.Context, checkpointID string, state []byte) (CheckpointResult, error) {
	var resp wire.CheckpointResponse
	err := c.wire.Call(ctx, wire.KindCheckpoint, wire.CheckpointRequest{
		InstanceID:   c.opts.InstanceID,
		CheckpointID: checkpointID,
		State:        state,
	}, &resp)
	if err != nil {
		return CheckpointResult{}, err
	}
	c.cache.absorb(resp.PendingSignal)
	return CheckpointResult{Found: resp.Found, State: resp.State, PendingSignal: resp.PendingSignal}, nil
}

func (c *Client) GetCheckpoint(ctx context.Context, checkpointID string) ([]byte, bool, error) {
	var resp wire.GetCheckpointResponse
	err := c.wire.Call(ctx, wire.KindGetCheckpoint, wire.GetCheckpointRequest{
		InstanceID:   c.opts.InstanceID,
		CheckpointID: checkpointID,
	}, &resp)
	if err != nil {
		return nil, false, err
	}
	return resp.State, resp.Found, nil
}

func (c *Client) Sleep(ctx context.Context, d time.Duration, checkpointID string, state []byte) (bool, error) {
	var resp wire.SleepResponse
	err := c.wire.Call(ctx, wire.KindSleep, wire.SleepRequest{
		InstanceID:   c.opts.InstanceID,
		DurationMS:   d.Milliseconds(),
		CheckpointID: checkpointID,
		State:        state,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Deferred, nil
}

func (c *Client) PollSignal(ctx context.Context) (*persistence.Signal, error) {
	if !c.cache.allow() {
		return c.cache.peek(), nil
	}
	return c.PollSignalNow(ctx)
}

func (c *Client) PollSignalNow(ctx context.Context) (*persistence.Signal, error) {
	var resp wire.PollSignalsResponse
	if err := c.wire.Call(ctx, wire.KindPollSignals, wire.PollSignalsRequest{
		InstanceID: c.opts.InstanceID,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Signal, nil
}

func (c *Client) AcknowledgeSignal(ctx context.Context, signalType persistence.SignalType, acknowledged bool) error {
	return c.wire.Send(ctx, wire.KindSignalAck, wire.SignalAckRequest{
		InstanceID:   c.opts.InstanceID,
		SignalType:   signalType,
		Acknowledged: acknowledged,
	})
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.emitEvent(ctx, persistence.EventHeartbeat, nil, "")
}

func (c *Client) Completed(ctx context.Context, output []byte) error {
	return c.emitEvent(ctx, persistence.EventCompleted, output, "")
}

func (c *Client) Failed(ctx context.Context, errMsg string) error {
	return c.emitEvent(ctx, persistence.EventFailed, nil, errMsg)
}

func (c *Client) Suspended(ctx context.Context) error {
	return c.emitEvent(ctx, persistence.EventSuspended, nil, "")
}

func (c *Client) emitEvent(ctx context.Context, eventType persistence.EventType, payload []byte, subtype string) error {
	return c.wire.Send(ctx, wire.KindInstanceEvent, wire.InstanceEventRequest{
		InstanceID: c.opts.InstanceID,
		EventType:  eventType,
		Payload:    payload,
		Subtype:    subtype,
	})
}

func (c *Client) RecordRetryAttempt(ctx context.Context, checkpointID string, attempt int, errMsg *string) error {
	return c.wire.Send(ctx, wire.KindRetryAttempt, wire.RetryAttemptRequest{
		InstanceID:   c.opts.InstanceID,
		CheckpointID: checkpointID,
		Attempt:      attempt,
		Error:        errMsg,
	})
}

func (c *Client) CheckCancelled(ctx context.Context) error {
	return checkSignal(ctx, c, c.cache, persistence.SignalCancel, ErrCancelled)
}

func (c *Client) CheckPaused(ctx context.Context) error {
	return checkSignal(ctx, c, c.cache, persistence.SignalPause, ErrPaused)
}

func (c *Client) Close() error {
	if c.wire == nil {
		return nil
	}
	return c.wire.Close()
}
