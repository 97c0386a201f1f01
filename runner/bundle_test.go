package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

func TestWriteConfigPatchesTemplate(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	runDir := filepath.Join(dir, "run")

	m := newBundleManager(BundleConfig{UID: 65534, GID: 65534})
	env := map[string]string{"RUNTARA_INSTANCE_ID": "inst-1", "RUNTARA_TENANT_ID": "tenant-a"}

	if err := m.writeConfig(configPath, env, runDir, "/run/stderr.log"); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	if !gjson.ValidBytes(data) {
		t.Fatalf("config.json is not valid JSON")
	}

	doc := gjson.ParseBytes(data)
	if doc.Get("process.user.uid").Uint() != 65534 {
		t.Errorf("uid = %v, want 65534", doc.Get("process.user.uid"))
	}

	var found []string
	for _, v := range doc.Get("process.env").Array() {
		found = append(found, v.String())
	}
	wantEnv := map[string]bool{
		"RUNTARA_INSTANCE_ID=inst-1": false,
		"RUNTARA_TENANT_ID=tenant-a": false,
	}
	for _, v := range found {
		if _, ok := wantEnv[v]; ok {
			wantEnv[v] = true
		}
	}
	for k, seen := range wantEnv {
		if !seen {
			t.Errorf("env entry %q not found in config.json, got %v", k, found)
		}
	}

	mounts := doc.Get("mounts").Array()
	var hasData bool
	for _, mnt := range mounts {
		if mnt.Get("destination").String() == "/data" {
			hasData = true
			if mnt.Get("source").String() != runDir {
				t.Errorf("data mount source = %q, want %q", mnt.Get("source").String(), runDir)
			}
		}
	}
	if !hasData {
		t.Error("expected a /data bind mount")
	}

	if got := doc.Get(`annotations.runtara\.stderr_log`).String(); got != "/run/stderr.log" {
		t.Errorf("stderr annotation = %q, want /run/stderr.log", got)
	}
}

func TestWriteConfigOmitsAnnotationWhenNoLogPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")

	m := newBundleManager(DefaultBundleConfig())
	if err := m.writeConfig(configPath, nil, dir, ""); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	if gjson.GetBytes(data, "annotations").Exists() {
		t.Error("annotations should be absent when logPath is empty")
	}
}
