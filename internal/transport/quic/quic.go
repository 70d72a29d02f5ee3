// Package quic implements an optional QUIC transport for the inter-node RPC
// channel. TCP (internal/transport/tcp) is the default; QUIC is offered for
// deployments that prefer to multiplex many RPCs over one connection.
//
// Grounded on WebFirstLanguage-beenet/pkg/transport/quic/quic.go.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/tagvault/filestore/internal/transport"
)

const defaultPort = 8443

// Transport implements transport.Transport over QUIC.
type Transport struct{}

// New creates a QUIC transport.
func New() transport.Transport {
	return &Transport{}
}

func (t *Transport) Name() string     { return "quic" }
func (t *Transport) DefaultPort() int { return defaultPort }

func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quic: resolve address: %w", err)
	}

	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"filestore/1"}
	}

	ln, err := quic.ListenAddr(udpAddr.String(), cfg, &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic: listen: %w", err)
	}

	return &Listener{listener: ln}, nil
}

func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"filestore/1"}
	}

	conn, err := quic.DialAddr(ctx, addr, cfg, &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic: dial: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}

	return &Conn{connection: conn, stream: stream}, nil
}

// Listener wraps a QUIC listener that hands out one stream per connection.
type Listener struct {
	listener *quic.Listener
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to accept stream")
		return nil, fmt.Errorf("quic: accept stream: %w", err)
	}

	return &Conn{connection: conn, stream: stream}, nil
}

func (l *Listener) Close() error   { return l.listener.Close() }
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Conn wraps a QUIC connection plus the single stream used for RPC framing.
type Conn struct {
	connection *quic.Conn
	stream     *quic.Stream
}

func (c *Conn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.stream.Write(b) }

func (c *Conn) Close() error {
	if err := c.stream.Close(); err != nil {
		c.connection.CloseWithError(0, "stream close error")
		return err
	}
	return c.connection.CloseWithError(0, "normal close")
}

func (c *Conn) LocalAddr() net.Addr  { return c.connection.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.connection.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
