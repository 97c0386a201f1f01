package wire

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// Client holds one persistent QUIC connection and opens a fresh bidi
// stream per RPC, matching the original_source RuntaraClient model.
type Client struct {
	conn    *quic.Conn
	nextID  atomic.Uint64
	tlsConf *tls.Config
	qConf   *quic.Config
	addr    string
}

// Connect dials addr. Idempotent at the SDK layer — callers should reuse a
// Client rather than reconnect on every request (spec.md §4.3 "connect()").
func Connect(ctx context.Context, addr string, tlsConf *tls.Config, cfg *quic.Config) (*Client, error) {
	conn, err := Dial(ctx, addr, tlsConf, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, tlsConf: tlsConf, qConf: cfg, addr: addr}, nil
}

func (c *Client) nextRequestID() string {
	n := c.nextID.Add(1)
	return fmt.Sprintf("req-%d", n)
}

// Call performs a request/response RPC: opens a stream, writes the Request
// frame, waits for Response or Error, and decodes the response body into out.
func (c *Client) Call(ctx context.Context, kind MessageKind, body any, out any) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("wire: open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	msg, err := EncodeMessage(kind, c.nextRequestID(), body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal request envelope: %w", err)
	}
	if err := WriteFrame(stream, Frame{Type: FrameRequest, Payload: payload}); err != nil {
		return err
	}

	frame, err := ReadFrame(stream)
	if err != nil {
		return fmt.Errorf("wire: read response: %w", err)
	}
	switch frame.Type {
	case FrameError:
		var errBody ErrorBody
		if err := json.Unmarshal(frame.Payload, &errBody); err != nil {
			return fmt.Errorf("wire: decode error frame: %w", err)
		}
		return &RPCError{Code: errBody.Code, Message: errBody.Message}
	case FrameResponse:
		var respMsg Message
		if err := json.Unmarshal(frame.Payload, &respMsg); err != nil {
			return fmt.Errorf("wire: decode response envelope: %w", err)
		}
		if out == nil {
			return nil
		}
		return DecodeBody(respMsg, out)
	default:
		return fmt.Errorf("wire: unexpected frame type %s", frame.Type)
	}
}

// Send performs a fire-and-forget RPC: the stream is opened and the
// Request frame written, but the response side is never read (spec.md
// §4.2 "fire-and-forget requests open a stream but ignore the response side").
func (c *Client) Send(ctx context.Context, kind MessageKind, body any) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("wire: open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	msg, err := EncodeMessage(kind, c.nextRequestID(), body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal request envelope: %w", err)
	}
	return WriteFrame(stream, Frame{Type: FrameRequest, Payload: payload})
}

// Close terminates the underlying QUIC connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closed")
}

// RPCError wraps an Error frame's {code, message} pair.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wire: rpc error %s: %s", e.Code, e.Message)
}
