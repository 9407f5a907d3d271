// Package connpool provides the connection side of the network
// transaction: socket abstractions, the default TCP/TLS implementations, a
// host resolver and the idle socket pool keyed by connection group.
package connpool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/any-hub/any-fetch/internal/httpbase"
)

// ClientSocket is a connected (or connectable) byte stream. Read returns
// io.EOF once the peer closed the stream. Errors carry neterr codes.
type ClientSocket interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Close() error
	IsConnected() bool
	// IsConnectedAndIdle reports whether the socket is open and has no
	// unread data waiting, i.e. it is safe to send a new request on it.
	IsConnectedAndIdle() bool
}

// SSLClientSocket is a ClientSocket whose Connect performs a TLS handshake.
// A certificate error leaves the socket connected so the caller may choose to
// continue.
type SSLClientSocket interface {
	ClientSocket
	SSLInfo() httpbase.SSLInfo
}

// netConnProvider exposes the raw connection that TLS wraps.
type netConnProvider interface {
	NetConn() net.Conn
}

// SocketFactory creates unconnected sockets.
type SocketFactory interface {
	CreateTCPClientSocket(addrs []string) ClientSocket
	CreateSSLClientSocket(transport ClientSocket, hostname string, cfg SSLConfig) SSLClientSocket
}

// SSLConfig controls the TLS handshake of one transaction.
type SSLConfig struct {
	RootCAs    *x509.CertPool
	MinVersion uint16
	MaxVersion uint16
	// VersionFallback allows one retry with a lower maximum version after a
	// protocol or version/cipher mismatch failure.
	VersionFallback bool
	// Now overrides the clock used for certificate date checks.
	Now func() time.Time
}

func (c SSLConfig) maxVersion() uint16 {
	if c.MaxVersion == 0 {
		return tls.VersionTLS13
	}
	return c.MaxVersion
}

// CanFallback reports whether a lower maximum version is still available.
func (c SSLConfig) CanFallback() bool {
	return c.VersionFallback && c.maxVersion() > tls.VersionTLS12
}

// Fallback returns the config with the maximum version lowered to TLS 1.2.
func (c SSLConfig) Fallback() SSLConfig {
	c.MaxVersion = tls.VersionTLS12
	c.VersionFallback = false
	return c
}

func (c SSLConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
