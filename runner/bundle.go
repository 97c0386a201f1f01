package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/sjson"
)

// ociConfigTemplate is a minimal OCI runtime-spec config.json: a single
// process with no extra capabilities, sharing the bundle's rootfs read-only
// and bind-mounting the instance's run directory at /data read-write. Every
// per-instance value (env, uid/gid, log redirection) is patched in with
// sjson rather than unmarshalled into a full spec struct, since each launch
// only ever touches a handful of fields of an otherwise-static document.
const ociConfigTemplate = `{
  "ociVersion": "1.0.2",
  "process": {
    "terminal": false,
    "user": {"uid": 65534, "gid": 65534},
    "args": ["/instance"],
    "env": [],
    "cwd": "/",
    "capabilities": {
      "bounding": [], "effective": [], "inheritable": [], "permitted": [], "ambient": []
    },
    "noNewPrivileges": true
  },
  "root": {"path": "rootfs", "readonly": true},
  "mounts": [
    {"destination": "/proc", "type": "proc", "source": "proc"},
    {"destination": "/dev", "type": "tmpfs", "source": "tmpfs", "options": ["nosuid", "strictatime", "mode=755", "size=65536k"]}
  ],
  "linux": {
    "namespaces": [
      {"type": "pid"}, {"type": "ipc"}, {"type": "uts"}, {"type": "mount"}
    ]
  }
}`

// bundleManager writes a per-instance config.json next to a shared,
// read-only OCI bundle (rootfs), patching in the run's env vars, the
// workspace bind mount, and optional stderr log redirection path.
type bundleManager struct {
	cfg BundleConfig
}

func newBundleManager(cfg BundleConfig) *bundleManager {
	return &bundleManager{cfg: cfg}
}

// writeConfig renders config.json for one run, binding runDir at /data
// inside the container (so input.json/output.json/workspace/ are visible at
// RUNTARA_WORKSPACE_DIR's parent) and injecting env in a stable, sorted
// order so repeated launches of the same instance produce byte-identical
// configs — useful for debugging and for any cache keyed on bundle content.
func (m *bundleManager) writeConfig(configPath string, env map[string]string, runDir string, logPath string) error {
	doc := ociConfigTemplate

	doc, err := sjson.Set(doc, "process.user.uid", m.cfg.UID)
	if err != nil {
		return fmt.Errorf("set uid: %w", err)
	}
	doc, err = sjson.Set(doc, "process.user.gid", m.cfg.GID)
	if err != nil {
		return fmt.Errorf("set gid: %w", err)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc, err = sjson.Set(doc, "process.env.-1", fmt.Sprintf("%s=%s", k, env[k]))
		if err != nil {
			return fmt.Errorf("set env %s: %w", k, err)
		}
	}

	doc, err = sjson.Set(doc, "mounts.-1", map[string]any{
		"destination": "/data",
		"type":        "bind",
		"source":      runDir,
		"options":     []string{"rbind", "rw"},
	})
	if err != nil {
		return fmt.Errorf("set data mount: %w", err)
	}

	if logPath != "" {
		doc, err = sjson.Set(doc, "annotations.runtara\\.stderr_log", logPath)
		if err != nil {
			return fmt.Errorf("set stderr annotation: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(configPath, []byte(doc), 0o644)
}
