// Package transport provides pluggable stream transports for the inter-node
// RPC channel: a binary, message-boundary-free byte stream. Message
// boundaries themselves are added by internal/wireproto on top of whichever
// Conn a Transport hands back.
//
// Grounded on WebFirstLanguage-beenet/pkg/transport/transport.go, carried
// over structurally with the ALPN identifier changed to this protocol's.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Transport is a dialable, listenable stream protocol (TCP or QUIC).
type Transport interface {
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)
	Name() string
	DefaultPort() int
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is a byte stream carrying wireproto frames in both directions.
type Conn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Config tunes dial/listen behavior shared across transports.
type Config struct {
	TLSConfig      *tls.Config
	ALPNProtocols  []string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns the defaults used when a caller doesn't override them.
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{"filestore/1"},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Registry resolves a transport by name ("tcp" or "quic").
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register adds a transport under a name.
func (r *Registry) Register(name string, t Transport) {
	r.transports[name] = t
}

// Get looks up a transport by name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}
