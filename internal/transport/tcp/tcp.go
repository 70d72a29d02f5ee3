// Package tcp implements a TCP+TLS 1.3 transport, the default inter-node
// transport when QUIC is not configured.
//
// Grounded on WebFirstLanguage-beenet/pkg/transport/tcp/tcp.go.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/tagvault/filestore/internal/transport"
)

const defaultPort = 8000

// Transport implements transport.Transport over TCP+TLS.
type Transport struct{}

// New creates a TCP transport.
func New() transport.Transport {
	return &Transport{}
}

func (t *Transport) Name() string     { return "tcp" }
func (t *Transport) DefaultPort() int { return defaultPort }

func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: resolve address: %w", err)
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}

	serverCfg := tlsConfig.Clone()
	if serverCfg == nil {
		serverCfg = &tls.Config{}
	}
	if len(serverCfg.NextProtos) == 0 {
		serverCfg.NextProtos = []string{"filestore/1"}
	}
	if serverCfg.MinVersion == 0 {
		serverCfg.MinVersion = tls.VersionTLS13
	}

	return &Listener{listener: ln, tlsConfig: serverCfg}, nil
}

func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	clientCfg := tlsConfig.Clone()
	if clientCfg == nil {
		clientCfg = &tls.Config{}
	}
	if len(clientCfg.NextProtos) == 0 {
		clientCfg.NextProtos = []string{"filestore/1"}
	}
	if clientCfg.MinVersion == 0 {
		clientCfg.MinVersion = tls.VersionTLS13
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Listener wraps a TCP listener that hands out TLS connections.
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("tcp: TLS handshake: %w", err)
	}

	return &Conn{conn: tlsConn}, nil
}

func (l *Listener) Close() error   { return l.listener.Close() }
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Conn wraps a TLS connection to satisfy transport.Conn.
type Conn struct {
	conn *tls.Conn
}

func (c *Conn) Read(b []byte) (int, error)  { return c.conn.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.conn.Write(b) }
func (c *Conn) Close() error                { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
