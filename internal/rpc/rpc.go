// Package rpc dispatches wireproto envelopes over a transport.Conn to
// typed handlers for every method in §6 (Gossip, FetchOperations,
// ChunkGossip, WriteChunk, Ping, ...). It is deliberately domain-agnostic:
// it knows about Frame and Kind, not about operations, chunks, or gossip
// semantics — those live in the packages that register handlers.
//
// Grounded on WebFirstLanguage-beenet/pkg/control/api.go's Server shape
// (accept loop spawning a per-connection decode loop dispatching on a
// method name), adapted from encoding/json.Decoder over net.Conn to
// wireproto's length-delimited frames over a transport.Conn, and
// generalized to support streaming methods (a handler keeps reading and
// writing frames on the session instead of returning after one response).
package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/transport"
	"github.com/tagvault/filestore/internal/wireproto"
)

// Session wraps a transport.Conn exchanging length-delimited wireproto
// frames. One Session serves one logical RPC call's lifetime for a
// streaming method, or a handful of sequential unary calls for a
// persistent coordinator-to-coordinator link.
type Session struct {
	conn transport.Conn
	seq  uint64
}

// NewSession wraps a raw transport connection.
func NewSession(conn transport.Conn) *Session {
	return &Session{conn: conn}
}

// ReadFrame reads the next frame from the session.
func (s *Session) ReadFrame() (*wireproto.Frame, error) {
	return wireproto.ReadFrame(s.conn)
}

// WriteFrame writes f to the session.
func (s *Session) WriteFrame(f *wireproto.Frame) error {
	return wireproto.WriteFrame(s.conn, f)
}

// Send marshals body as a frame of kind and writes it, stamping the next
// sequence number for this session.
func (s *Session) Send(kind wireproto.Kind, body interface{}) error {
	f, err := wireproto.NewFrame(kind, atomic.AddUint64(&s.seq, 1), body)
	if err != nil {
		return err
	}
	return s.WriteFrame(f)
}

// RemoteAddr reports the address of the peer on the other end.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Handler processes one request frame within a session. A unary handler
// decodes req, does its work, and calls sess.Send exactly once. A
// streaming handler may call sess.Send or sess.ReadFrame repeatedly
// before returning.
type Handler func(ctx context.Context, sess *Session, req *wireproto.Frame) error

// Server accepts connections on a transport.Listener and dispatches each
// inbound frame's Kind to a registered Handler.
type Server struct {
	listener transport.Listener

	mu       sync.RWMutex
	handlers map[wireproto.Kind]Handler
}

// NewServer builds a Server bound to listener. Register handlers with
// Handle before calling Serve.
func NewServer(listener transport.Listener) *Server {
	return &Server{listener: listener, handlers: make(map[wireproto.Kind]Handler)}
}

// Handle registers h to process requests of the given kind.
func (s *Server) Handle(kind wireproto.Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Server) lookup(kind wireproto.Kind) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Serve accepts connections until ctx is canceled or the listener errors.
// Each connection is served in its own goroutine and may carry more than
// one sequential RPC call.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	sess := NewSession(conn)
	defer sess.Close()

	for {
		req, err := sess.ReadFrame()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.WithComponent("rpc").Debug().Err(err).
					Str("remote", sess.RemoteAddr().String()).Msg("session closed")
			}
			return
		}

		handler, ok := s.lookup(req.Kind)
		if !ok {
			_ = sess.WriteFrame(wireproto.NewErrorFrame(req.Seq, fmt.Errorf("unknown method kind %d", req.Kind)))
			continue
		}

		if err := handler(ctx, sess, req); err != nil {
			logging.WithComponent("rpc").Warn().Err(err).
				Str("remote", sess.RemoteAddr().String()).Uint16("kind", uint16(req.Kind)).
				Msg("handler error")
			_ = sess.WriteFrame(wireproto.NewErrorFrame(req.Seq, err))
		}
	}
}

// Client dials peers over a transport and performs unary or streaming
// calls against them.
type Client struct {
	transport transport.Transport
}

// NewClient builds a Client using t to dial peers.
func NewClient(t transport.Transport) *Client {
	return &Client{transport: t}
}

// Dial opens a new session to addr.
func (c *Client) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Session, error) {
	conn, err := c.transport.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return NewSession(conn), nil
}

// Call performs a unary RPC: dial, send one request frame of kind, read
// exactly one response frame, decode it into resp, and close the
// connection. A KindError response is converted to a Go error.
func (c *Client) Call(ctx context.Context, addr string, tlsConfig *tls.Config, kind wireproto.Kind, req, resp interface{}) error {
	sess, err := c.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Send(kind, req); err != nil {
		return fmt.Errorf("rpc: send request: %w", err)
	}

	respFrame, err := sess.ReadFrame()
	if err != nil {
		return fmt.Errorf("rpc: read response: %w", err)
	}
	if err := wireproto.AsError(respFrame); err != nil {
		return err
	}
	if resp != nil {
		if err := respFrame.Decode(resp); err != nil {
			return fmt.Errorf("rpc: decode response: %w", err)
		}
	}
	return nil
}

// OpenStream dials addr, sends the initial request frame of kind, and
// returns the open session for the caller to drive further frame
// exchange (the shape WriteChunk, ReadChunk, and FetchChunkData need).
func (c *Client) OpenStream(ctx context.Context, addr string, tlsConfig *tls.Config, kind wireproto.Kind, req interface{}) (*Session, error) {
	sess, err := c.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(kind, req); err != nil {
		sess.Close()
		return nil, fmt.Errorf("rpc: send stream request: %w", err)
	}
	return sess, nil
}
