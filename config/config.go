// Package config builds the env-var-driven configuration for the Core and
// Environment daemons (spec.md §6 "Configuration (Core/Environment) via env
// vars"). Bundle/runner-specific settings live in runner.Config/FromEnv
// instead — this package covers what's left: listen addresses, QUIC
// transport tuning, TLS, and Core's background-worker thresholds.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultCoreListenAddr is where the Core wire.Server listens for
// Instance<->Core and Management<->Core traffic.
const DefaultCoreListenAddr = ":7443"

// DefaultEnvironmentListenAddr is where the Environment wire.Server listens
// for management traffic.
const DefaultEnvironmentListenAddr = ":7444"

// CoreConfig configures cmd/runtara-core: listen address, TLS, and the
// background workers' tuning knobs (spec.md §4.4).
type CoreConfig struct {
	ListenAddr string

	ShortSleepThreshold     time.Duration
	HeartbeatPollInterval   time.Duration
	HeartbeatStaleThreshold time.Duration
	WakePollInterval        time.Duration
	WakeBatchSize           int
	WakeConcurrency         int

	SkipCertVerification bool
}

// CoreFromEnv builds a CoreConfig from RUNTARA_CORE_LISTEN_ADDR,
// SHORT_SLEEP_THRESHOLD_SECS, HEARTBEAT_POLL_INTERVAL_SECS,
// HEARTBEAT_STALE_THRESHOLD_SECS, WAKE_POLL_INTERVAL_SECS,
// WAKE_BATCH_SIZE, WAKE_CONCURRENCY, RUNTARA_SKIP_CERT_VERIFICATION.
// Unset variables fall back to core package's own DefaultXxx constants.
func CoreFromEnv() CoreConfig {
	return CoreConfig{
		ListenAddr:              envString("RUNTARA_CORE_LISTEN_ADDR", DefaultCoreListenAddr),
		ShortSleepThreshold:     envSeconds("SHORT_SLEEP_THRESHOLD_SECS", 30*time.Second),
		HeartbeatPollInterval:   envSeconds("HEARTBEAT_POLL_INTERVAL_SECS", 30*time.Second),
		HeartbeatStaleThreshold: envSeconds("HEARTBEAT_STALE_THRESHOLD_SECS", 120*time.Second),
		WakePollInterval:        envSeconds("WAKE_POLL_INTERVAL_SECS", 5*time.Second),
		WakeBatchSize:           envInt("WAKE_BATCH_SIZE", 100),
		WakeConcurrency:         envInt("WAKE_CONCURRENCY", 8),
		SkipCertVerification:    envBool("RUNTARA_SKIP_CERT_VERIFICATION", false),
	}
}

// EnvironmentConfig configures cmd/runtara-environment: its own listen
// address plus the address of the Core it proxies to and relaunches
// instances against.
type EnvironmentConfig struct {
	ListenAddr           string
	CoreAddr             string
	SkipCertVerification bool
}

// EnvironmentFromEnv reads RUNTARA_ENVIRONMENT_LISTEN_ADDR, RUNTARA_CORE_ADDR,
// RUNTARA_SKIP_CERT_VERIFICATION.
func EnvironmentFromEnv() EnvironmentConfig {
	return EnvironmentConfig{
		ListenAddr:           envString("RUNTARA_ENVIRONMENT_LISTEN_ADDR", DefaultEnvironmentListenAddr),
		CoreAddr:             envString("RUNTARA_CORE_ADDR", "localhost"+DefaultCoreListenAddr),
		SkipCertVerification: envBool("RUNTARA_SKIP_CERT_VERIFICATION", false),
	}
}

// QUICFromEnv builds a *quic.Config from the RUNTARA_QUIC_* variables
// (spec.md §6), named and defaulted exactly as
// original_source/crates/runtara-protocol/src/server.rs's RuntaraServerConfig::from_env.
func QUICFromEnv() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        time.Duration(envInt64("RUNTARA_QUIC_IDLE_TIMEOUT_MS", 120_000)) * time.Millisecond,
		KeepAlivePeriod:       time.Duration(envInt64("RUNTARA_QUIC_KEEP_ALIVE_MS", 15_000)) * time.Millisecond,
		MaxIncomingStreams:    int64(envInt("RUNTARA_QUIC_MAX_BI_STREAMS", 1000)),
		MaxIncomingUniStreams: int64(envInt("RUNTARA_QUIC_MAX_UNI_STREAMS", 100)),
	}
}

// MaxConcurrentHandlers reads RUNTARA_QUIC_MAX_HANDLERS (0 = unlimited),
// stamped onto wire.Server.MaxConcurrentHandlers by the cmd/ entrypoints.
func MaxConcurrentHandlers() int {
	return envInt("RUNTARA_QUIC_MAX_HANDLERS", 0)
}

// ServerTLSConfig loads a certificate/key pair named by RUNTARA_TLS_CERT_FILE
// and RUNTARA_TLS_KEY_FILE. If both are unset and skipVerify is true (dev
// mode), it returns nil, nil — callers fall back to an ephemeral
// self-signed setup of their own, matching how the original's dev harness
// never ships a bundled dev certificate.
func ServerTLSConfig(skipVerify bool) (*tls.Config, error) {
	certFile := os.Getenv("RUNTARA_TLS_CERT_FILE")
	keyFile := os.Getenv("RUNTARA_TLS_KEY_FILE")
	if certFile == "" && keyFile == "" {
		if skipVerify {
			return nil, nil
		}
		return nil, fmt.Errorf("config: RUNTARA_TLS_CERT_FILE/RUNTARA_TLS_KEY_FILE not set and RUNTARA_SKIP_CERT_VERIFICATION is false")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load TLS cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"runtara"},
	}, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return def
	}
}
