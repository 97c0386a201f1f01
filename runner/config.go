package runner

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BundleConfig carries the networking and user settings stamped into every
// instance container's OCI config.json.
type BundleConfig struct {
	NetworkMode NetworkMode
	DNSServers  []string // extra nameservers, needed on systemd-resolved hosts
	// UID/GID the container process runs as. 65534 (nobody) by default,
	// matching the unprivileged sandbox the instance binaries expect.
	UID uint32
	GID uint32
}

// DefaultBundleConfig returns the nobody-user, pasta-networked defaults.
func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		NetworkMode: NetworkPasta,
		UID:         65534,
		GID:         65534,
	}
}

// Config configures an OCIRunner. Construct via FromEnv or by hand for tests.
type Config struct {
	BundlesDir           string
	DataDir              string
	DefaultTimeout       time.Duration
	UseSystemdCgroup     bool
	Bundle               BundleConfig
	SkipCertVerification bool
	ConnectionServiceURL string
}

// FromEnv builds a Config from the environment variables documented in
// spec.md §6: DATA_DIR, BUNDLES_DIR, EXECUTION_TIMEOUT_SECS,
// USE_SYSTEMD_CGROUP, RUNTARA_NETWORK_MODE, RUNTARA_PASTA_DNS,
// RUNTARA_SKIP_CERT_VERIFICATION, RUNTARA_CONNECTION_SERVICE_URL.
func FromEnv() Config {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = ".data"
	}
	if !filepath.IsAbs(dataDir) {
		if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, dataDir)
		}
	}

	bundlesDir := os.Getenv("BUNDLES_DIR")
	if bundlesDir == "" {
		bundlesDir = filepath.Join(dataDir, "bundles")
	}

	timeoutSecs := 300
	if v := os.Getenv("EXECUTION_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeoutSecs = n
		}
	}

	bundle := DefaultBundleConfig()
	bundle.NetworkMode = ParseNetworkMode(os.Getenv("RUNTARA_NETWORK_MODE"))
	bundle.DNSServers = parseDNSServers(os.Getenv("RUNTARA_PASTA_DNS"))

	return Config{
		BundlesDir:           bundlesDir,
		DataDir:              dataDir,
		DefaultTimeout:       time.Duration(timeoutSecs) * time.Second,
		UseSystemdCgroup:     parseEnvBool("USE_SYSTEMD_CGROUP", false),
		Bundle:               bundle,
		SkipCertVerification: parseEnvBool("RUNTARA_SKIP_CERT_VERIFICATION", false),
		ConnectionServiceURL: os.Getenv("RUNTARA_CONNECTION_SERVICE_URL"),
	}
}

func parseEnvBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return def
	}
}

func parseDNSServers(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
