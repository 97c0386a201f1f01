package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const pollInterval = 100 * time.Millisecond

// OCIRunner launches instance binaries via crun. It performs no database
// access; input and output cross the container boundary entirely through
// files under Config.DataDir.
type OCIRunner struct {
	cfg     Config
	bundles *bundleManager
	logger  *slog.Logger
}

// NewOCIRunner builds a runner from cfg.
func NewOCIRunner(cfg Config, logger *slog.Logger) *OCIRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCIRunner{
		cfg:     cfg,
		bundles: newBundleManager(cfg.Bundle),
		logger:  logger,
	}
}

var _ Runner = (*OCIRunner)(nil)

// containerID derives crun's container id from an instance id: the first 8
// characters, prefixed to keep `crun state`/`ps` output identifiable.
func (r *OCIRunner) containerID(instanceID string) string {
	n := 8
	if len(instanceID) < n {
		n = len(instanceID)
	}
	return "runtara_" + instanceID[:n]
}

func (r *OCIRunner) runDir(tenantID, instanceID string) string {
	return filepath.Join(r.cfg.DataDir, tenantID, "runs", instanceID)
}

// buildEnv composes the system-derived env vars for one launch. Caller
// overrides in opts.Env are applied by the caller afterward, so they win on
// key collision (spec.md §4.5 "caller-supplied overrides win").
func (r *OCIRunner) buildEnv(opts LaunchOptions) map[string]string {
	env := map[string]string{
		"RUNTARA_INSTANCE_ID":   opts.InstanceID,
		"RUNTARA_TENANT_ID":     opts.TenantID,
		"RUNTARA_WORKSPACE_DIR": "/data/workspace",
		"RUNTARA_SERVER_ADDR":   opts.RuntaraCoreAddr,
	}
	if r.cfg.SkipCertVerification {
		env["RUNTARA_SKIP_CERT_VERIFICATION"] = "true"
	}
	if opts.CheckpointID != "" {
		env["RUNTARA_CHECKPOINT_ID"] = opts.CheckpointID
	}
	if r.cfg.ConnectionServiceURL != "" {
		env["CONNECTION_SERVICE_URL"] = r.cfg.ConnectionServiceURL
	}
	return env
}

func mergeEnv(system, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(system)+len(overrides))
	for k, v := range system {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// storeInput writes input.json and creates the run directory layout,
// relaxing permissions to 0o777 so the container's unprivileged user can
// write output.json back.
func (r *OCIRunner) storeInput(opts LaunchOptions) (runDir string, err error) {
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return "", &IOError{Cause: err}
	}

	runDir = r.runDir(opts.TenantID, opts.InstanceID)
	workspaceDir := filepath.Join(runDir, "workspace")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return "", &IOError{Cause: err}
	}

	if r.cfg.Bundle.UID != 0 {
		if err := os.Chmod(runDir, 0o777); err != nil {
			return "", &IOError{Cause: err}
		}
		if err := os.Chmod(workspaceDir, 0o777); err != nil {
			return "", &IOError{Cause: err}
		}
	}

	input := opts.Input
	if input == nil {
		input = json.RawMessage("null")
	}
	pretty := &bytes.Buffer{}
	if err := json.Indent(pretty, input, "", "  "); err != nil {
		return "", &IOError{Cause: err}
	}
	if err := os.WriteFile(filepath.Join(runDir, "input.json"), pretty.Bytes(), 0o644); err != nil {
		return "", &IOError{Cause: err}
	}
	return runDir, nil
}

func (r *OCIRunner) loadOutput(tenantID, instanceID string) (json.RawMessage, error) {
	path := filepath.Join(r.runDir(tenantID, instanceID), "output.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &OutputNotFoundError{InstanceID: instanceID}
		}
		return nil, &IOError{Cause: err}
	}
	if !gjson.ValidBytes(data) {
		return nil, &IOError{Cause: fmt.Errorf("output.json is not valid JSON")}
	}
	return json.RawMessage(data), nil
}

// loadError returns a human-readable failure diagnostic, preferring
// error.json's "error" field and falling back to a filtered tail of
// stderr.log. Returns "" when neither source has anything useful.
func (r *OCIRunner) loadError(tenantID, instanceID string) string {
	dir := r.runDir(tenantID, instanceID)

	if data, err := os.ReadFile(filepath.Join(dir, "error.json")); err == nil {
		if msg := gjson.GetBytes(data, "error"); msg.Exists() && msg.Type == gjson.String {
			return msg.String()
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "stderr.log"))
	if err != nil {
		return ""
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(trimmed, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "warning:") || strings.HasPrefix(strings.TrimSpace(lower), "at ") || strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == 10 {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}

	preview := strings.Join(lines, "\n")
	if len(preview) > 2000 {
		preview = preview[:2000] + "..."
	}
	return "Execution failed:\n" + preview
}

// prepare writes input.json, composes env, and renders config.json. Shared
// by Launch and LaunchDetached.
func (r *OCIRunner) prepare(opts LaunchOptions, logPath string) (runDir, configPath, containerID string, err error) {
	if _, statErr := os.Stat(opts.BundlePath); statErr != nil {
		return "", "", "", &BundleNotFoundError{Path: opts.BundlePath}
	}

	runDir, err = r.storeInput(opts)
	if err != nil {
		return "", "", "", err
	}

	env := mergeEnv(r.buildEnv(opts), opts.Env)
	configPath = filepath.Join(runDir, "config.json")
	if err := r.bundles.writeConfig(configPath, env, runDir, logPath); err != nil {
		return "", "", "", &IOError{Cause: err}
	}

	return runDir, configPath, r.containerID(opts.InstanceID), nil
}

func (r *OCIRunner) crunArgs(bundlePath, configPath, containerID string) []string {
	args := []string{"run"}
	if r.cfg.UseSystemdCgroup {
		args = append(args, "--systemd-cgroup")
	}
	args = append(args, "--bundle", bundlePath, "--config", configPath, containerID)
	return args
}

// spawn starts crun, wrapped in pasta when the configured network mode asks
// for it. If pasta is configured but its binary is missing, it falls back to
// running crun directly rather than failing the launch outright.
func (r *OCIRunner) spawn(ctx context.Context, opts LaunchOptions, configPath, containerID string, stderr *os.File) (*exec.Cmd, error) {
	usePasta := r.cfg.Bundle.NetworkMode == NetworkPasta

	runDirect := func() (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, "crun", r.crunArgs(opts.BundlePath, configPath, containerID)...)
		cmd.Stderr = stderr
		cmd.Stdout = nil
		if err := cmd.Start(); err != nil {
			return nil, &IOError{Cause: err}
		}
		return cmd, nil
	}

	if !usePasta {
		return runDirect()
	}

	pastaArgs := []string{"--config-net"}
	for _, dns := range r.cfg.Bundle.DNSServers {
		pastaArgs = append(pastaArgs, "--dns", dns)
	}
	pastaArgs = append(pastaArgs, "--")
	pastaArgs = append(pastaArgs, "crun")
	pastaArgs = append(pastaArgs, r.crunArgs(opts.BundlePath, configPath, containerID)...)

	cmd := exec.CommandContext(ctx, "pasta", pastaArgs...)
	cmd.Stderr = stderr
	cmd.Stdout = nil
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			r.logger.Warn("pasta not found, falling back to host networking", "instance_id", opts.InstanceID)
			return runDirect()
		}
		return nil, &IOError{Cause: err}
	}
	return cmd, nil
}

// Launch runs a container to completion, waiting via a 100ms poll loop so
// cancellation and the deadline can be checked without blocking on Wait.
func (r *OCIRunner) Launch(ctx context.Context, opts LaunchOptions, cancel <-chan struct{}) (LaunchResult, error) {
	start := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	runDir, configPath, containerID, err := r.prepare(opts, "")
	if err != nil {
		return LaunchResult{}, err
	}

	stderrPath := filepath.Join(runDir, "stderr.log")
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return LaunchResult{}, &IOError{Cause: err}
	}
	defer stderrFile.Close()

	cmd, err := r.spawn(ctx, opts, configPath, containerID, stderrFile)
	if err != nil {
		return LaunchResult{}, err
	}

	runErr := r.waitWithCancellation(cmd, containerID, cancel, timeout, stderrPath)
	metrics := r.collectContainerMetrics(containerID)
	_ = r.deleteContainer(containerID)

	durationMs := time.Since(start).Milliseconds()

	if runErr == nil {
		output, loadErr := r.loadOutput(opts.TenantID, opts.InstanceID)
		if loadErr == nil {
			return LaunchResult{
				InstanceID: opts.InstanceID,
				Success:    true,
				Output:     output,
				DurationMs: durationMs,
				Metrics:    metrics,
			}, nil
		}
		stderrMsg := r.loadError(opts.TenantID, opts.InstanceID)
		return LaunchResult{
			InstanceID: opts.InstanceID,
			Success:    false,
			Error:      fmt.Sprintf("failed to load output: %s", loadErr),
			Stderr:     stderrMsg,
			DurationMs: durationMs,
			Metrics:    metrics,
		}, nil
	}

	stderrMsg := r.loadError(opts.TenantID, opts.InstanceID)
	errMsg := stderrMsg
	if errMsg == "" {
		errMsg = runErr.Error()
	}
	return LaunchResult{
		InstanceID: opts.InstanceID,
		Success:    false,
		Error:      errMsg,
		Stderr:     stderrMsg,
		DurationMs: durationMs,
		Metrics:    metrics,
	}, nil
}

func (r *OCIRunner) waitWithCancellation(cmd *exec.Cmd, containerID string, cancel <-chan struct{}, timeout time.Duration, stderrPath string) error {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case <-cancel:
			r.logger.Warn("execution cancelled, killing container", "container_id", containerID)
			_ = r.killContainer(containerID)
			<-done
			return ErrCancelled
		case err := <-done:
			if err == nil {
				r.logger.Info("container completed successfully", "container_id", containerID)
				return nil
			}
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			stderr, _ := os.ReadFile(stderrPath)
			r.logger.Error("container failed", "container_id", containerID, "exit_code", exitCode)
			return &ExitCodeError{ExitCode: exitCode, Stderr: strings.TrimSpace(string(stderr))}
		case <-time.After(pollInterval):
			if time.Since(start) > timeout {
				r.logger.Warn("execution timed out, killing container", "container_id", containerID)
				_ = r.killContainer(containerID)
				<-done
				return ErrTimeout
			}
		}
	}
}

func (r *OCIRunner) killContainer(containerID string) error {
	_ = exec.Command("crun", "kill", containerID, "SIGKILL").Run()
	return nil
}

func (r *OCIRunner) deleteContainer(containerID string) error {
	_ = exec.Command("crun", "delete", "--force", containerID).Run()
	return nil
}

func (r *OCIRunner) crunState(containerID string) (gjson.Result, bool) {
	out, err := exec.Command("crun", "state", containerID).Output()
	if err != nil {
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(out), true
}

// IsRunning reports whether containerID is running or created, per `crun state`.
func (r *OCIRunner) IsRunning(_ context.Context, handle RunnerHandle) bool {
	return r.isContainerRunning(handle.HandleID)
}

func (r *OCIRunner) isContainerRunning(containerID string) bool {
	state, ok := r.crunState(containerID)
	if !ok {
		return false
	}
	status := state.Get("status").String()
	return status == "running" || status == "created"
}

func (r *OCIRunner) containerPID(containerID string) (uint32, bool) {
	state, ok := r.crunState(containerID)
	if !ok {
		return 0, false
	}
	pid := state.Get("pid")
	if !pid.Exists() {
		return 0, false
	}
	return uint32(pid.Uint()), true
}

type cgroupLocation struct {
	v2Path       string // non-empty for cgroup v2
	v1MemoryPath string
	v1CPUPath    string
}

func (r *OCIRunner) cgroupPaths(containerID string) (cgroupLocation, bool) {
	pid, ok := r.containerPID(containerID)
	if !ok {
		return cgroupLocation{}, false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return cgroupLocation{}, false
	}

	for _, line := range strings.Split(string(data), "\n") {
		if path, ok := strings.CutPrefix(line, "0::"); ok {
			return cgroupLocation{v2Path: "/sys/fs/cgroup" + path}, true
		}
	}

	var loc cgroupLocation
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		controllers, path := parts[1], parts[2]
		for _, c := range strings.Split(controllers, ",") {
			switch c {
			case "memory":
				loc.v1MemoryPath = "/sys/fs/cgroup/" + controllers + path
			case "cpu", "cpuacct":
				if loc.v1CPUPath == "" {
					loc.v1CPUPath = "/sys/fs/cgroup/" + controllers + path
				}
			}
		}
	}
	if loc.v1MemoryPath != "" || loc.v1CPUPath != "" {
		return loc, true
	}
	return cgroupLocation{}, false
}

func readCgroupValue(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (r *OCIRunner) collectContainerMetrics(containerID string) ContainerMetrics {
	var m ContainerMetrics

	loc, ok := r.cgroupPaths(containerID)
	if !ok {
		r.logger.Debug("could not determine cgroup path for metrics", "container_id", containerID)
		return m
	}

	if loc.v2Path != "" {
		if v, ok := readCgroupValue(filepath.Join(loc.v2Path, "memory.peak")); ok {
			m.MemoryPeakBytes = &v
		}
		if v, ok := readCgroupValue(filepath.Join(loc.v2Path, "memory.current")); ok {
			m.MemoryCurrentBytes = &v
		}
		if data, err := os.ReadFile(filepath.Join(loc.v2Path, "cpu.stat")); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				fields := strings.Fields(line)
				if len(fields) != 2 {
					continue
				}
				v, err := strconv.ParseUint(fields[1], 10, 64)
				if err != nil {
					continue
				}
				switch fields[0] {
				case "usage_usec":
					m.CPUUsageUsec = &v
				case "user_usec":
					m.CPUUserUsec = &v
				case "system_usec":
					m.CPUSystemUsec = &v
				}
			}
		}
	} else {
		if loc.v1MemoryPath != "" {
			if v, ok := readCgroupValue(filepath.Join(loc.v1MemoryPath, "memory.max_usage_in_bytes")); ok {
				m.MemoryPeakBytes = &v
			}
			if v, ok := readCgroupValue(filepath.Join(loc.v1MemoryPath, "memory.usage_in_bytes")); ok {
				m.MemoryCurrentBytes = &v
			}
		}
		if loc.v1CPUPath != "" {
			if ns, ok := readCgroupValue(filepath.Join(loc.v1CPUPath, "cpuacct.usage")); ok {
				usec := ns / 1000
				m.CPUUsageUsec = &usec
			}
		}
	}

	r.logger.Info("collected container metrics", "container_id", containerID)
	return m
}

// LaunchDetached starts a container and returns without waiting for it to
// finish. Stderr is redirected to a log file rather than a pipe: once the
// Cmd is no longer waited on, a piped stderr's unread end closes, and
// pasta/crun writing to a closed pipe is killed by SIGPIPE mid-run.
func (r *OCIRunner) LaunchDetached(ctx context.Context, opts LaunchOptions) (RunnerHandle, error) {
	if _, statErr := os.Stat(opts.BundlePath); statErr != nil {
		return RunnerHandle{}, &BundleNotFoundError{Path: opts.BundlePath}
	}
	runDir, err := r.storeInput(opts)
	if err != nil {
		return RunnerHandle{}, err
	}
	containerID := r.containerID(opts.InstanceID)
	logPath := filepath.Join(runDir, "stderr.log")
	configPath := filepath.Join(runDir, "config.json")
	if err := r.bundles.writeConfig(configPath, mergeEnv(r.buildEnv(opts), opts.Env), runDir, logPath); err != nil {
		return RunnerHandle{}, &IOError{Cause: err}
	}

	stderrFile, err := os.Create(logPath)
	if err != nil {
		r.logger.Warn("failed to create stderr log file, using /dev/null", "instance_id", opts.InstanceID, "error", err)
		stderrFile, err = os.Open(os.DevNull)
		if err != nil {
			return RunnerHandle{}, &IOError{Cause: err}
		}
	}
	defer stderrFile.Close()

	now := time.Now()
	cmd, err := r.spawn(ctx, opts, configPath, containerID, stderrFile)
	if err != nil {
		return RunnerHandle{}, err
	}

	// Detach: reap the child in the background so it doesn't become a
	// zombie, without blocking this call on its exit. waitDone fires once
	// Wait returns, letting the immediate-failure probe below distinguish
	// "exited already, non-zero" (a genuine start failure) from "still
	// starting up" without itself blocking.
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		if err != nil {
			diag := r.loadError(opts.TenantID, opts.InstanceID)
			if diag == "" {
				if stderr, readErr := os.ReadFile(logPath); readErr == nil && len(stderr) > 0 {
					diag = fmt.Sprintf("crun failed: %s", strings.TrimSpace(string(stderr)))
				} else {
					diag = fmt.Sprintf("pasta/crun exited with status: %s", err)
				}
			}
			r.logger.Error("container failed to start", "container_id", containerID, "instance_id", opts.InstanceID, "error", diag)
			return RunnerHandle{}, &StartFailedError{Message: diag}
		}
		r.logger.Info("container completed immediately", "container_id", containerID, "instance_id", opts.InstanceID)
	case <-time.After(20 * time.Millisecond):
		r.logger.Info("launched container (detached)", "container_id", containerID, "instance_id", opts.InstanceID, "network_mode", r.cfg.Bundle.NetworkMode.String())
	}

	return RunnerHandle{
		HandleID:   containerID,
		InstanceID: opts.InstanceID,
		TenantID:   opts.TenantID,
		StartedAt:  now,
	}, nil
}

// Stop kills and, after a brief grace period, removes handle's container.
func (r *OCIRunner) Stop(_ context.Context, handle RunnerHandle) error {
	_ = r.killContainer(handle.HandleID)
	time.Sleep(100 * time.Millisecond)
	_ = r.deleteContainer(handle.HandleID)
	return nil
}

// CollectResult gathers metrics and output/error for a detached container
// that has already exited, then deletes it. Run-directory cleanup itself is
// deferred to a separate worker 24 hours later, so output.json remains
// readable by whatever polled IsRunning to learn the container finished.
func (r *OCIRunner) CollectResult(_ context.Context, handle RunnerHandle) (json.RawMessage, string, ContainerMetrics) {
	metrics := r.collectContainerMetrics(handle.HandleID)
	_ = r.deleteContainer(handle.HandleID)

	output, err := r.loadOutput(handle.TenantID, handle.InstanceID)
	if err != nil {
		output = nil
	}
	errMsg := r.loadError(handle.TenantID, handle.InstanceID)
	return output, errMsg, metrics
}
