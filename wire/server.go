package wire

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// Handler answers one decoded Message. Returning a non-nil *ErrorBody
// causes the server to write an Error frame instead of a Response frame
// (spec.md §4.2 "Error frames" — a handler never sends both).
type Handler func(ctx context.Context, msg Message) (any, *ErrorBody)

// Server accepts QUIC connections and dispatches each incoming stream's
// single Request frame to a Handler, mirroring the one-stream-per-RPC
// model of original_source's runtara-protocol server.
type Server struct {
	Listener *quic.Listener
	Handlers map[MessageKind]Handler
	OnError  func(error)

	// MaxConcurrentHandlers bounds how many streams are dispatched to a
	// Handler at once, across all connections (RUNTARA_QUIC_MAX_HANDLERS
	// in the original implementation). Zero means unlimited.
	MaxConcurrentHandlers int

	sem chan struct{}
}

// NewServer binds addr and returns a Server with an empty handler table.
func NewServer(addr string, tlsConf *tls.Config, cfg *quic.Config) (*Server, error) {
	ln, err := Listen(addr, tlsConf, cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		Listener: ln,
		Handlers: make(map[MessageKind]Handler),
	}, nil
}

// Handle registers fn for kind. Re-registering a kind replaces the handler.
func (s *Server) Handle(kind MessageKind, fn Handler) {
	s.Handlers[kind] = fn
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.MaxConcurrentHandlers > 0 && s.sem == nil {
		s.sem = make(chan struct{}, s.MaxConcurrentHandlers)
	}
	for {
		conn, err := s.Listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wire: accept connection: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(ctx, stream)
	}
}

func (s *Server) serveStream(ctx context.Context, stream *quic.Stream) {
	defer func() { _ = stream.Close() }()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}
	}

	frame, err := ReadFrame(stream)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.reportError(err)
		}
		return
	}
	if frame.Type != FrameRequest {
		s.reportError(fmt.Errorf("wire: expected Request frame, got %s", frame.Type))
		return
	}

	var msg Message
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		s.reportError(fmt.Errorf("wire: decode request envelope: %w", err))
		return
	}

	handler, ok := s.Handlers[msg.Kind]
	if !ok {
		s.writeError(stream, &ErrorBody{Code: "unknown_kind", Message: string(msg.Kind)})
		return
	}

	result, errBody := handler(ctx, msg)
	if errBody != nil {
		s.writeError(stream, errBody)
		return
	}

	respMsg, err := EncodeMessage(msg.Kind, msg.RequestID, result)
	if err != nil {
		s.writeError(stream, &ErrorBody{Code: "encode_failed", Message: err.Error()})
		return
	}
	payload, err := json.Marshal(respMsg)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(stream, Frame{Type: FrameResponse, Payload: payload}); err != nil {
		s.reportError(err)
	}
}

func (s *Server) writeError(stream *quic.Stream, body *ErrorBody) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(stream, Frame{Type: FrameError, Payload: payload}); err != nil {
		s.reportError(err)
	}
}

func (s *Server) reportError(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.Listener.Close()
}
