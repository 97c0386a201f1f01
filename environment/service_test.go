package environment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/runtarahq/runtara/runner"
	"github.com/runtarahq/runtara/wire"
)

// fakeRunner is an in-memory runner.Runner stand-in so Service tests don't
// need crun or a real filesystem run directory.
type fakeRunner struct {
	running       map[string]bool
	launchErr     error
	launchedCount int
	lastOpts      runner.LaunchOptions
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{running: make(map[string]bool)}
}

func (f *fakeRunner) Launch(_ context.Context, opts runner.LaunchOptions, _ <-chan struct{}) (runner.LaunchResult, error) {
	return runner.LaunchResult{InstanceID: opts.InstanceID, Success: true}, nil
}

func (f *fakeRunner) LaunchDetached(_ context.Context, opts runner.LaunchOptions) (runner.RunnerHandle, error) {
	f.launchedCount++
	f.lastOpts = opts
	if f.launchErr != nil {
		return runner.RunnerHandle{}, f.launchErr
	}
	handleID := "runtara_" + opts.InstanceID
	f.running[handleID] = true
	return runner.RunnerHandle{
		HandleID:   handleID,
		InstanceID: opts.InstanceID,
		TenantID:   opts.TenantID,
		StartedAt:  time.Now(),
	}, nil
}

func (f *fakeRunner) IsRunning(_ context.Context, handle runner.RunnerHandle) bool {
	return f.running[handle.HandleID]
}

func (f *fakeRunner) Stop(_ context.Context, handle runner.RunnerHandle) error {
	delete(f.running, handle.HandleID)
	return nil
}

func (f *fakeRunner) CollectResult(_ context.Context, handle runner.RunnerHandle) (json.RawMessage, string, runner.ContainerMetrics) {
	delete(f.running, handle.HandleID)
	return json.RawMessage(`{}`), "", runner.ContainerMetrics{}
}

var _ runner.Runner = (*fakeRunner)(nil)

// fakeCoreProxy counts forwarded SendSignal calls so tests can assert
// Service forwards that RPC rather than implementing it itself.
type fakeCoreProxy struct {
	sendSignalCalls int
}

func (f *fakeCoreProxy) SendSignal(_ context.Context, _ wire.SendSignalRequest) (wire.SendSignalResponse, error) {
	f.sendSignalCalls++
	return wire.SendSignalResponse{}, nil
}

func (f *fakeCoreProxy) SendCustomSignal(_ context.Context, _ wire.SendCustomSignalRequest) (wire.SendCustomSignalResponse, error) {
	return wire.SendCustomSignalResponse{}, nil
}

func (f *fakeCoreProxy) GetCheckpoint(_ context.Context, _ wire.GetCheckpointRequest) (wire.GetCheckpointResponse, error) {
	return wire.GetCheckpointResponse{}, nil
}

func (f *fakeCoreProxy) ListCheckpoints(_ context.Context, _ wire.ListCheckpointsRequest) (wire.ListCheckpointsResponse, error) {
	return wire.ListCheckpointsResponse{}, nil
}

func (f *fakeCoreProxy) ListEvents(_ context.Context, _ wire.ListEventsRequest) (wire.ListEventsResponse, error) {
	return wire.ListEventsResponse{}, nil
}

func (f *fakeCoreProxy) GetInstanceStatus(_ context.Context, _ wire.GetInstanceStatusRequest) (wire.GetInstanceStatusResponse, error) {
	return wire.GetInstanceStatusResponse{}, nil
}

func (f *fakeCoreProxy) HealthCheck(_ context.Context) (wire.HealthCheckResponse, error) {
	return wire.HealthCheckResponse{Healthy: true}, nil
}

var _ CoreProxy = (*fakeCoreProxy)(nil)

func newTestService(t *testing.T) (*Service, *fakeRunner, *fakeCoreProxy) {
	t.Helper()
	r := newFakeRunner()
	core := &fakeCoreProxy{}
	svc := NewService(r, NewMemoryImageStore(), NewMemoryContainerStore(), core, "core.internal:7443")
	return svc, r, core
}

func TestRegisterImageAssignsID(t *testing.T) {
	svc, _, _ := newTestService(t)
	img, err := svc.RegisterImage(context.Background(), wire.RegisterImageRequest{
		TenantID:   "tenant-a",
		Name:       "research",
		RunnerType: "oci",
		BundlePath: "/data/bundles/research",
	})
	if err != nil {
		t.Fatalf("RegisterImage: %v", err)
	}
	if img.ImageID == "" {
		t.Error("RegisterImage did not assign an image_id")
	}

	got, err := svc.GetImage(context.Background(), img.ImageID)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Name != "research" {
		t.Errorf("GetImage.Name = %q, want %q", got.Name, "research")
	}
}

func TestStartInstanceLaunchesAndRecordsContainer(t *testing.T) {
	ctx := context.Background()
	svc, r, _ := newTestService(t)

	img, err := svc.RegisterImage(ctx, wire.RegisterImageRequest{TenantID: "tenant-a", Name: "research", RunnerType: "oci", BundlePath: "/bundles/research"})
	if err != nil {
		t.Fatalf("RegisterImage: %v", err)
	}

	handle, err := svc.StartInstance(ctx, wire.StartInstanceRequest{
		InstanceID: "inst-1",
		TenantID:   "tenant-a",
		ImageID:    img.ImageID,
		Input:      []byte(`{"topic":"go"}`),
	})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if handle.HandleID == "" {
		t.Error("StartInstance returned empty HandleID")
	}
	if r.launchedCount != 1 {
		t.Errorf("launchedCount = %d, want 1", r.launchedCount)
	}
	if r.lastOpts.RuntaraCoreAddr != "core.internal:7443" {
		t.Errorf("LaunchOptions.RuntaraCoreAddr = %q, want core addr", r.lastOpts.RuntaraCoreAddr)
	}

	c, err := svc.containers.GetContainer(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if c.Status != ContainerRunning {
		t.Errorf("container status = %q, want running", c.Status)
	}
}

func TestStartInstanceRefusesWhileRunning(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	img, _ := svc.RegisterImage(ctx, wire.RegisterImageRequest{TenantID: "t", Name: "n", RunnerType: "oci", BundlePath: "/b"})
	req := wire.StartInstanceRequest{InstanceID: "inst-1", TenantID: "t", ImageID: img.ImageID}

	if _, err := svc.StartInstance(ctx, req); err != nil {
		t.Fatalf("first StartInstance: %v", err)
	}
	if _, err := svc.StartInstance(ctx, req); err != ErrAlreadyRunning {
		t.Errorf("second StartInstance err = %v, want ErrAlreadyRunning", err)
	}
}

func TestResumeInstanceReusesStoredInput(t *testing.T) {
	ctx := context.Background()
	svc, r, _ := newTestService(t)
	img, _ := svc.RegisterImage(ctx, wire.RegisterImageRequest{TenantID: "t", Name: "n", RunnerType: "oci", BundlePath: "/b"})

	if _, err := svc.StartInstance(ctx, wire.StartInstanceRequest{
		InstanceID: "inst-1",
		TenantID:   "t",
		ImageID:    img.ImageID,
		Input:      []byte(`{"seed":42}`),
	}); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	if err := svc.StopInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("StopInstance: %v", err)
	}

	if err := svc.ResumeInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("ResumeInstance: %v", err)
	}
	if r.launchedCount != 2 {
		t.Fatalf("launchedCount = %d, want 2", r.launchedCount)
	}
	if string(r.lastOpts.Input) != `{"seed":42}` {
		t.Errorf("resume Input = %s, want original input reused", r.lastOpts.Input)
	}
}

func TestResumeInstanceRefusesWhileRunning(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	img, _ := svc.RegisterImage(ctx, wire.RegisterImageRequest{TenantID: "t", Name: "n", RunnerType: "oci", BundlePath: "/b"})
	if _, err := svc.StartInstance(ctx, wire.StartInstanceRequest{InstanceID: "inst-1", TenantID: "t", ImageID: img.ImageID}); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	if err := svc.ResumeInstance(ctx, "inst-1"); err != ErrAlreadyRunning {
		t.Errorf("ResumeInstance err = %v, want ErrAlreadyRunning", err)
	}
}

func TestResumeInstanceUnknownInstance(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.ResumeInstance(context.Background(), "missing"); err == nil {
		t.Error("ResumeInstance(missing) returned nil error, want not found")
	}
}

func TestStopInstanceStopsRunner(t *testing.T) {
	ctx := context.Background()
	svc, r, _ := newTestService(t)
	img, _ := svc.RegisterImage(ctx, wire.RegisterImageRequest{TenantID: "t", Name: "n", RunnerType: "oci", BundlePath: "/b"})
	handle, err := svc.StartInstance(ctx, wire.StartInstanceRequest{InstanceID: "inst-1", TenantID: "t", ImageID: img.ImageID})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	if err := svc.StopInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("StopInstance: %v", err)
	}
	if r.IsRunning(ctx, handle) {
		t.Error("container still reported running after StopInstance")
	}
}

func TestServiceProxiesSignalsToCore(t *testing.T) {
	svc, _, core := newTestService(t)
	if _, err := svc.SendSignal(context.Background(), wire.SendSignalRequest{InstanceID: "inst-1", SignalType: "cancel"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if core.sendSignalCalls != 1 {
		t.Errorf("core.sendSignalCalls = %d, want 1 (Environment must forward, not handle, signals)", core.sendSignalCalls)
	}
}
