package environment

import (
	"context"

	"github.com/runtarahq/runtara/wire"
)

// CoreProxy is the subset of Core's RPC surface Environment forwards
// management requests to, rather than letting clients reach Core directly
// (spec.md §4.2: "Environment proxies signal and introspection RPCs to
// Core"). Abstracted behind an interface so tests can inject a fake instead
// of standing up a real QUIC connection.
type CoreProxy interface {
	SendSignal(ctx context.Context, req wire.SendSignalRequest) (wire.SendSignalResponse, error)
	SendCustomSignal(ctx context.Context, req wire.SendCustomSignalRequest) (wire.SendCustomSignalResponse, error)
	GetCheckpoint(ctx context.Context, req wire.GetCheckpointRequest) (wire.GetCheckpointResponse, error)
	ListCheckpoints(ctx context.Context, req wire.ListCheckpointsRequest) (wire.ListCheckpointsResponse, error)
	ListEvents(ctx context.Context, req wire.ListEventsRequest) (wire.ListEventsResponse, error)
	GetInstanceStatus(ctx context.Context, req wire.GetInstanceStatusRequest) (wire.GetInstanceStatusResponse, error)
	HealthCheck(ctx context.Context) (wire.HealthCheckResponse, error)
}

// WireCoreClient adapts a *wire.Client into a CoreProxy.
type WireCoreClient struct {
	client *wire.Client
}

// NewWireCoreClient wraps an already-connected wire.Client.
func NewWireCoreClient(client *wire.Client) *WireCoreClient {
	return &WireCoreClient{client: client}
}

func (c *WireCoreClient) SendSignal(ctx context.Context, req wire.SendSignalRequest) (wire.SendSignalResponse, error) {
	var resp wire.SendSignalResponse
	err := c.client.Call(ctx, wire.KindSendSignal, req, &resp)
	return resp, err
}

func (c *WireCoreClient) SendCustomSignal(ctx context.Context, req wire.SendCustomSignalRequest) (wire.SendCustomSignalResponse, error) {
	var resp wire.SendCustomSignalResponse
	err := c.client.Call(ctx, wire.KindSendCustomSignal, req, &resp)
	return resp, err
}

func (c *WireCoreClient) GetCheckpoint(ctx context.Context, req wire.GetCheckpointRequest) (wire.GetCheckpointResponse, error) {
	var resp wire.GetCheckpointResponse
	err := c.client.Call(ctx, wire.KindGetCheckpoint, req, &resp)
	return resp, err
}

func (c *WireCoreClient) ListCheckpoints(ctx context.Context, req wire.ListCheckpointsRequest) (wire.ListCheckpointsResponse, error) {
	var resp wire.ListCheckpointsResponse
	err := c.client.Call(ctx, wire.KindListCheckpoints, req, &resp)
	return resp, err
}

func (c *WireCoreClient) ListEvents(ctx context.Context, req wire.ListEventsRequest) (wire.ListEventsResponse, error) {
	var resp wire.ListEventsResponse
	err := c.client.Call(ctx, wire.KindListEvents, req, &resp)
	return resp, err
}

func (c *WireCoreClient) GetInstanceStatus(ctx context.Context, req wire.GetInstanceStatusRequest) (wire.GetInstanceStatusResponse, error) {
	var resp wire.GetInstanceStatusResponse
	err := c.client.Call(ctx, wire.KindGetInstanceStatus, req, &resp)
	return resp, err
}

func (c *WireCoreClient) HealthCheck(ctx context.Context) (wire.HealthCheckResponse, error) {
	var resp wire.HealthCheckResponse
	err := c.client.Call(ctx, wire.KindHealthCheck, wire.HealthCheckRequest{}, &resp)
	return resp, err
}

var _ CoreProxy = (*WireCoreClient)(nil)
