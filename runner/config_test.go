package runner

import "testing"

func TestParseEnvBool(t *testing.T) {
	t.Setenv("RUNNER_TEST_BOOL", "")
	if got := parseEnvBool("RUNNER_TEST_BOOL", true); got != true {
		t.Errorf("unset var should use default true, got %v", got)
	}

	cases := map[string]bool{"1": true, "true": true, "YES": true, "on": true, "0": false, "nah": false}
	for v, want := range cases {
		t.Setenv("RUNNER_TEST_BOOL", v)
		if got := parseEnvBool("RUNNER_TEST_BOOL", false); got != want {
			t.Errorf("parseEnvBool(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestParseDNSServers(t *testing.T) {
	got := parseDNSServers(" 1.1.1.1, 8.8.8.8 ,,")
	want := []string{"1.1.1.1", "8.8.8.8"}
	if len(got) != len(want) {
		t.Fatalf("parseDNSServers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseDNSServers[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := parseDNSServers(""); got != nil {
		t.Errorf("parseDNSServers(\"\") = %v, want nil", got)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	t.Setenv("BUNDLES_DIR", "")
	t.Setenv("EXECUTION_TIMEOUT_SECS", "")
	t.Setenv("RUNTARA_NETWORK_MODE", "")

	cfg := FromEnv()
	if cfg.DefaultTimeout.Seconds() != 300 {
		t.Errorf("default timeout = %v, want 300s", cfg.DefaultTimeout)
	}
	if cfg.Bundle.NetworkMode != NetworkPasta {
		t.Errorf("default network mode = %v, want pasta", cfg.Bundle.NetworkMode)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/runtara-data")
	t.Setenv("EXECUTION_TIMEOUT_SECS", "60")
	t.Setenv("RUNTARA_NETWORK_MODE", "host")
	t.Setenv("RUNTARA_PASTA_DNS", "9.9.9.9")

	cfg := FromEnv()
	if cfg.DataDir != "/tmp/runtara-data" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.DefaultTimeout.Seconds() != 60 {
		t.Errorf("timeout = %v, want 60s", cfg.DefaultTimeout)
	}
	if cfg.Bundle.NetworkMode != NetworkHost {
		t.Errorf("network mode = %v, want host", cfg.Bundle.NetworkMode)
	}
}
