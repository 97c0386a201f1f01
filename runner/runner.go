// Package runner launches instance binaries as short-lived OCI containers
// via crun, and collects their output and resource metrics (spec.md §4.5).
//
// Input and output cross the container boundary as files, never stdin/stdout:
//
//	{data_dir}/{tenant_id}/runs/{instance_id}/input.json
//	{data_dir}/{tenant_id}/runs/{instance_id}/output.json
//	{data_dir}/{tenant_id}/runs/{instance_id}/error.json
//	{data_dir}/{tenant_id}/runs/{instance_id}/stderr.log
//	{data_dir}/{tenant_id}/runs/{instance_id}/workspace/
package runner

import (
	"context"
	"encoding/json"
	"time"
)

// NetworkMode controls how a launched container reaches the Core server.
type NetworkMode int

const (
	// NetworkPasta wraps crun with pasta, giving the container an isolated
	// network namespace with NAT back to the host. Default mode.
	NetworkPasta NetworkMode = iota
	// NetworkHost runs the container in the host network namespace.
	NetworkHost
	// NetworkNone disables networking entirely.
	NetworkNone
)

func (m NetworkMode) String() string {
	switch m {
	case NetworkHost:
		return "host"
	case NetworkNone:
		return "none"
	default:
		return "pasta"
	}
}

// ParseNetworkMode mirrors the environment-variable parsing rules: "host"
// and "none"/"isolated" select those modes, anything else (including unset)
// falls back to pasta.
func ParseNetworkMode(s string) NetworkMode {
	switch lower(s) {
	case "host":
		return NetworkHost
	case "none", "isolated":
		return NetworkNone
	default:
		return NetworkPasta
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// LaunchOptions describes one instance execution request.
type LaunchOptions struct {
	InstanceID      string
	TenantID        string
	BundlePath      string
	Input           json.RawMessage
	RuntaraCoreAddr string
	// Env overrides system-derived env vars; caller entries win on key collision.
	Env          map[string]string
	Timeout      time.Duration
	CheckpointID string // resume point; empty for a fresh start
}

// ContainerMetrics carries best-effort resource usage sampled from the
// container's cgroup immediately after it exits, before deletion. Any field
// may be nil when the corresponding cgroup file could not be read.
type ContainerMetrics struct {
	MemoryPeakBytes    *uint64
	MemoryCurrentBytes *uint64
	CPUUsageUsec       *uint64
	CPUUserUsec        *uint64
	CPUSystemUsec      *uint64
}

// LaunchResult is the outcome of a foreground Launch.
type LaunchResult struct {
	InstanceID string
	Success    bool
	Output     json.RawMessage
	Error      string
	Stderr     string
	DurationMs int64
	Metrics    ContainerMetrics
}

// RunnerHandle identifies a detached container launched by LaunchDetached.
type RunnerHandle struct {
	HandleID   string // crun container id
	InstanceID string
	TenantID   string
	StartedAt  time.Time
}

// Runner launches and supervises instance containers. OCIRunner is the only
// implementation; the interface exists so callers (environment.Service) can
// be tested against a fake.
type Runner interface {
	// Launch runs a container to completion and returns its result.
	// cancel, if non-nil, is polled and SIGKILLs the container when closed.
	Launch(ctx context.Context, opts LaunchOptions, cancel <-chan struct{}) (LaunchResult, error)

	// LaunchDetached starts a container and returns immediately with a
	// handle the caller can poll via IsRunning/Stop/CollectResult.
	LaunchDetached(ctx context.Context, opts LaunchOptions) (RunnerHandle, error)

	// IsRunning reports whether handle's container is still running or created.
	IsRunning(ctx context.Context, handle RunnerHandle) bool

	// Stop kills and removes handle's container.
	Stop(ctx context.Context, handle RunnerHandle) error

	// CollectResult gathers metrics and output/error for a detached
	// container, then deletes it. Safe to call once the container has
	// exited (via IsRunning polling).
	CollectResult(ctx context.Context, handle RunnerHandle) (output json.RawMessage, errMsg string, metrics ContainerMetrics)
}
