package wire

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultQUICConfig mirrors RuntaraServerConfig's defaults from the original
// implementation's quinn-based server (idle timeout 120s, keep-alive 15s).
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        120 * time.Second,
		KeepAlivePeriod:       15 * time.Second,
		MaxIncomingStreams:    1_000,
		MaxIncomingUniStreams: 100,
	}
}

// Listen binds a QUIC listener on addr with the given TLS configuration.
func Listen(addr string, tlsConf *tls.Config, cfg *quic.Config) (*quic.Listener, error) {
	if cfg == nil {
		cfg = DefaultQUICConfig()
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg)
	if err != nil {
		return nil, fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Dial opens a QUIC connection to addr.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
	if cfg == nil {
		cfg = DefaultQUICConfig()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return conn, nil
}

// InsecureClientTLSConfig is a development-only TLS config that skips
// certificate verification. Production deployments must supply a real
// RuntaraServerConfig-equivalent certificate via config.ServerTLSConfig.
func InsecureClientTLSConfig(nextProtos []string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
	}
}
