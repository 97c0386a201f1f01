package environment

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ContainerStatus tracks whether Environment believes an instance's
// container is currently occupying its one-writer slot (spec.md §3.2
// Invariant 6).
type ContainerStatus string

const (
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
)

// Container is Environment's own bookkeeping row for a launched instance —
// spec.md §6's "containers (Environment-owned)" table. It remembers enough
// to relaunch the same image on ResumeInstance without the caller having to
// resupply the original input.
type Container struct {
	InstanceID string
	TenantID   string
	ImageID    string
	HandleID   string // crun container name, from runner.RunnerHandle
	Status     ContainerStatus
	Input      json.RawMessage
	Env        map[string]string
	Timeout    time.Duration
	StartedAt  time.Time
	StoppedAt  *time.Time
}

// ErrContainerNotFound is returned when an operation addresses an
// instance_id Environment has no container record for.
var ErrContainerNotFound = errors.New("environment: container not found")

// ContainerStore is the Environment-owned catalog of launched containers.
type ContainerStore interface {
	SaveContainer(ctx context.Context, c Container) error
	GetContainer(ctx context.Context, instanceID string) (Container, error)
	DeleteContainer(ctx context.Context, instanceID string) error
	ListRunning(ctx context.Context) ([]Container, error)
}
