package connpool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"time"

	jerrors "github.com/jmgilman/go/errors"

	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/neterr"
)

type sslSocket struct {
	transport ClientSocket
	hostname  string
	cfg       SSLConfig
	conn      *tls.Conn
	info      httpbase.SSLInfo
}

func (s *sslSocket) Connect(ctx context.Context) error {
	if !s.transport.IsConnected() {
		if err := s.transport.Connect(ctx); err != nil {
			return err
		}
	}
	provider, ok := s.transport.(netConnProvider)
	if !ok || provider.NetConn() == nil {
		return neterr.New(neterr.CodeUnexpected)
	}

	conf := &tls.Config{
		ServerName: s.hostname,
		// 证书在握手后单独校验，以便把每类问题映射为独立的证书状态位。
		InsecureSkipVerify: true,
		MinVersion:         s.cfg.MinVersion,
		MaxVersion:         s.cfg.maxVersion(),
	}
	conn := tls.Client(provider.NetConn(), conf)
	if err := conn.HandshakeContext(ctx); err != nil {
		return mapHandshakeError(ctx, err)
	}
	s.conn = conn

	state := conn.ConnectionState()
	status := VerifyChain(state.PeerCertificates, s.hostname, s.cfg.RootCAs, s.cfg.now())
	s.info = httpbase.SSLInfo{
		CertStatus: status,
		PeerChain:  state.PeerCertificates,
		Version:    state.Version,
	}
	if status.IsError() {
		return neterr.New(CertStatusToCode(status))
	}
	return nil
}

func (s *sslSocket) Read(ctx context.Context, p []byte) (int, error) {
	if s.conn == nil {
		return 0, neterr.New(neterr.CodeConnectionClosed)
	}
	return ioWithContext(ctx, s.conn, func() (int, error) { return s.conn.Read(p) })
}

func (s *sslSocket) Write(ctx context.Context, p []byte) (int, error) {
	if s.conn == nil {
		return 0, neterr.New(neterr.CodeConnectionClosed)
	}
	return ioWithContext(ctx, s.conn, func() (int, error) { return s.conn.Write(p) })
}

func (s *sslSocket) Close() error {
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return s.transport.Close()
}

func (s *sslSocket) IsConnected() bool {
	return s.conn != nil && s.transport.IsConnected()
}

// IsConnectedAndIdle probes the raw transport. A probe that reads a byte
// means the socket is not idle and it gets discarded anyway.
func (s *sslSocket) IsConnectedAndIdle() bool {
	return s.conn != nil && s.transport.IsConnectedAndIdle()
}

func (s *sslSocket) SSLInfo() httpbase.SSLInfo {
	return s.info
}

// VerifyChain checks the peer chain and reports every problem as a status
// bit: hostname, validity period and issuer are evaluated independently.
func VerifyChain(chain []*x509.Certificate, hostname string, roots *x509.CertPool, now time.Time) httpbase.CertStatus {
	if len(chain) == 0 {
		return httpbase.CertStatusInvalid
	}
	leaf := chain[0]
	var status httpbase.CertStatus

	if err := leaf.VerifyHostname(hostname); err != nil {
		status |= httpbase.CertStatusCommonNameInvalid
	}

	verifyAt := now
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		status |= httpbase.CertStatusDateInvalid
		verifyAt = leaf.NotBefore.Add(time.Second)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   verifyAt,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		var unknown x509.UnknownAuthorityError
		var invalid x509.CertificateInvalidError
		switch {
		case errors.As(err, &unknown):
			status |= httpbase.CertStatusAuthorityInvalid
		case errors.As(err, &invalid) && invalid.Reason == x509.Expired:
			status |= httpbase.CertStatusDateInvalid
		default:
			status |= httpbase.CertStatusInvalid
		}
	}
	return status
}

// CertStatusToCode maps the most serious status bit to an error code.
func CertStatusToCode(status httpbase.CertStatus) jerrors.ErrorCode {
	switch {
	case status&httpbase.CertStatusRevoked != 0:
		return neterr.CodeCertRevoked
	case status&httpbase.CertStatusInvalid != 0:
		return neterr.CodeCertInvalid
	case status&httpbase.CertStatusAuthorityInvalid != 0:
		return neterr.CodeCertAuthorityInvalid
	case status&httpbase.CertStatusCommonNameInvalid != 0:
		return neterr.CodeCertCommonNameInvalid
	case status&httpbase.CertStatusDateInvalid != 0:
		return neterr.CodeCertDateInvalid
	}
	return ""
}

// tls alert codes that indicate the peers could not agree on a version or a
// cipher suite.
const (
	alertHandshakeFailure     tls.AlertError = 40
	alertProtocolVersion      tls.AlertError = 70
	alertInsufficientSecurity tls.AlertError = 71
)

func mapHandshakeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return neterr.FromNetError(ctx.Err())
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		switch alert {
		case alertHandshakeFailure, alertProtocolVersion, alertInsufficientSecurity:
			return neterr.Wrap(err, neterr.CodeSSLVersionMismatch)
		}
		return neterr.Wrap(err, neterr.CodeSSLProtocolError)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return neterr.Wrap(err, neterr.CodeSSLProtocolError)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return neterr.FromNetError(err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "protocol version"), strings.Contains(msg, "no cipher suite"):
		return neterr.Wrap(err, neterr.CodeSSLVersionMismatch)
	case strings.HasPrefix(msg, "tls:"):
		return neterr.Wrap(err, neterr.CodeSSLProtocolError)
	}
	return neterr.FromNetError(err)
}
