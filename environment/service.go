package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runtarahq/runtara/runner"
	"github.com/runtarahq/runtara/wire"
)

// ErrAlreadyRunning is returned by StartInstance/ResumeInstance when the
// instance already owns a running container — spec.md §3.2 Invariant 6,
// the one-writer rule, enforced here rather than by a database lock.
var ErrAlreadyRunning = fmt.Errorf("environment: instance already has a running container")

// Service implements Environment's RPC surface (spec.md §4.2 "Management
// <-> Environment <-> Core"): the image catalog, container lifecycle, and
// proxying of signal/introspection RPCs to Core. It deliberately does not
// implement GetScopeAncestors, ListStepSummaries, TestCapability,
// ListAgents, or GetTenantMetrics — spec.md §1 lists the management CLI,
// metrics aggregation, compatibility checker, and agent capability library
// as out of scope, and those RPCs belong to exactly those collaborators.
type Service struct {
	runner     runner.Runner
	images     ImageStore
	containers ContainerStore
	core       CoreProxy
	coreAddr   string
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wires a Runner, image/container catalogs, and a CoreProxy into
// a request-handling Service. coreAddr is stamped into every launched
// container as RUNTARA_SERVER_ADDR.
func NewService(r runner.Runner, images ImageStore, containers ContainerStore, core CoreProxy, coreAddr string, opts ...Option) *Service {
	s := &Service{
		runner:     r,
		images:     images,
		containers: containers,
		core:       core,
		coreAddr:   coreAddr,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterImage adds a catalog entry and assigns it a fresh image_id. The
// caller is responsible for having already materialized the bundle at
// BundlePath — spec.md's streaming upload variant for large binaries is not
// modeled here; this handles the unary variant.
func (s *Service) RegisterImage(ctx context.Context, req wire.RegisterImageRequest) (Image, error) {
	img := Image{
		ImageID:     uuid.NewString(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Description: req.Description,
		RunnerType:  RunnerType(req.RunnerType),
		BundlePath:  req.BundlePath,
		CreatedAt:   time.Now(),
	}
	if err := s.images.SaveImage(ctx, img); err != nil {
		return Image{}, fmt.Errorf("environment: register image: %w", err)
	}
	return img, nil
}

func (s *Service) ListImages(ctx context.Context, tenantID string, limit, offset int) ([]Image, error) {
	imgs, err := s.images.ListImages(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("environment: list images: %w", err)
	}
	return imgs, nil
}

func (s *Service) GetImage(ctx context.Context, imageID string) (Image, error) {
	return s.images.GetImage(ctx, imageID)
}

func (s *Service) DeleteImage(ctx context.Context, imageID string) error {
	return s.images.DeleteImage(ctx, imageID)
}

// StartInstance materializes a run directory and launches a new detached
// container for instanceID (spec.md §2 "Data flow — steady state").
func (s *Service) StartInstance(ctx context.Context, req wire.StartInstanceRequest) (runner.RunnerHandle, error) {
	if existing, err := s.containers.GetContainer(ctx, req.InstanceID); err == nil {
		if s.runner.IsRunning(ctx, runner.RunnerHandle{HandleID: existing.HandleID}) {
			return runner.RunnerHandle{}, ErrAlreadyRunning
		}
	}

	img, err := s.images.GetImage(ctx, req.ImageID)
	if err != nil {
		return runner.RunnerHandle{}, fmt.Errorf("environment: start instance: %w", err)
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	opts := runner.LaunchOptions{
		InstanceID:      req.InstanceID,
		TenantID:        req.TenantID,
		BundlePath:      img.BundlePath,
		Input:           json.RawMessage(req.Input),
		RuntaraCoreAddr: s.coreAddr,
		Env:             req.Env,
		Timeout:         timeout,
	}

	handle, err := s.runner.LaunchDetached(ctx, opts)
	if err != nil {
		return runner.RunnerHandle{}, fmt.Errorf("environment: start instance: %w", err)
	}

	c := Container{
		InstanceID: req.InstanceID,
		TenantID:   req.TenantID,
		ImageID:    req.ImageID,
		HandleID:   handle.HandleID,
		Status:     ContainerRunning,
		Input:      json.RawMessage(req.Input),
		Env:        req.Env,
		Timeout:    timeout,
		StartedAt:  handle.StartedAt,
	}
	if err := s.containers.SaveContainer(ctx, c); err != nil {
		s.logger.Warn("start instance: save container record", "instance_id", req.InstanceID, "error", err)
	}
	return handle, nil
}

// StopInstance kills and deletes instanceID's container, if any.
func (s *Service) StopInstance(ctx context.Context, instanceID string) error {
	c, err := s.containers.GetContainer(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("environment: stop instance: %w", err)
	}
	if err := s.runner.Stop(ctx, runner.RunnerHandle{HandleID: c.HandleID, InstanceID: instanceID, TenantID: c.TenantID}); err != nil {
		return fmt.Errorf("environment: stop instance: %w", err)
	}
	now := time.Now()
	c.Status = ContainerStopped
	c.StoppedAt = &now
	if err := s.containers.SaveContainer(ctx, c); err != nil {
		s.logger.Warn("stop instance: save container record", "instance_id", instanceID, "error", err)
	}
	return nil
}

// ResumeInstance relaunches instanceID using the same image and input it was
// originally started with (spec.md §4.4 wake scheduler: Core clears
// sleep_until and sets status=pending; Environment relaunches so the
// instance's own register() call transitions it to running). Implements
// core.Resumer, so it can be handed directly to core.NewWakeScheduler when
// Core and Environment share a process, or invoked via the ResumeInstance
// wire RPC when they don't.
func (s *Service) ResumeInstance(ctx context.Context, instanceID string) error {
	c, err := s.containers.GetContainer(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("environment: resume instance: %w", err)
	}
	if s.runner.IsRunning(ctx, runner.RunnerHandle{HandleID: c.HandleID}) {
		return ErrAlreadyRunning
	}

	img, err := s.images.GetImage(ctx, c.ImageID)
	if err != nil {
		return fmt.Errorf("environment: resume instance: %w", err)
	}

	opts := runner.LaunchOptions{
		InstanceID:      instanceID,
		TenantID:        c.TenantID,
		BundlePath:      img.BundlePath,
		Input:           c.Input,
		RuntaraCoreAddr: s.coreAddr,
		Env:             c.Env,
		Timeout:         c.Timeout,
	}
	handle, err := s.runner.LaunchDetached(ctx, opts)
	if err != nil {
		return fmt.Errorf("environment: resume instance: %w", err)
	}

	c.HandleID = handle.HandleID
	c.Status = ContainerRunning
	c.StartedAt = handle.StartedAt
	c.StoppedAt = nil
	if err := s.containers.SaveContainer(ctx, c); err != nil {
		s.logger.Warn("resume instance: save container record", "instance_id", instanceID, "error", err)
	}
	return nil
}

// SendSignal proxies to Core (spec.md §4.2: Environment never lets
// management clients reach Core directly).
func (s *Service) SendSignal(ctx context.Context, req wire.SendSignalRequest) (wire.SendSignalResponse, error) {
	return s.core.SendSignal(ctx, req)
}

func (s *Service) SendCustomSignal(ctx context.Context, req wire.SendCustomSignalRequest) (wire.SendCustomSignalResponse, error) {
	return s.core.SendCustomSignal(ctx, req)
}

func (s *Service) GetCheckpoint(ctx context.Context, req wire.GetCheckpointRequest) (wire.GetCheckpointResponse, error) {
	return s.core.GetCheckpoint(ctx, req)
}

func (s *Service) ListCheckpoints(ctx context.Context, req wire.ListCheckpointsRequest) (wire.ListCheckpointsResponse, error) {
	return s.core.ListCheckpoints(ctx, req)
}

func (s *Service) ListEvents(ctx context.Context, req wire.ListEventsRequest) (wire.ListEventsResponse, error) {
	return s.core.ListEvents(ctx, req)
}

func (s *Service) GetInstanceStatus(ctx context.Context, req wire.GetInstanceStatusRequest) (wire.GetInstanceStatusResponse, error) {
	return s.core.GetInstanceStatus(ctx, req)
}

// HealthCheck reports Environment's own reachability; it does not proxy to
// Core, since a management client pinging Environment wants to know
// Environment itself is up.
func (s *Service) HealthCheck(_ context.Context) wire.HealthCheckResponse {
	return wire.HealthCheckResponse{Healthy: true}
}
