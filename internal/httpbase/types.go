// Package httpbase holds the request/response descriptors and the
// Transaction contract shared by the network layer and the cache layer.
package httpbase

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/any-fetch/internal/httpwire"
)

// LoadFlags alter how a single request interacts with the cache and with
// certificate checking. Flags combine with bitwise or.
type LoadFlags uint32

const (
	LoadNormal          LoadFlags = 0
	LoadValidateCache   LoadFlags = 1 << 0
	LoadBypassCache     LoadFlags = 1 << 1
	LoadPreferringCache LoadFlags = 1 << 2
	LoadOnlyFromCache   LoadFlags = 1 << 3
	LoadDisableCache    LoadFlags = 1 << 4

	LoadIgnoreCertCommonNameInvalid LoadFlags = 1 << 8
	LoadIgnoreCertDateInvalid       LoadFlags = 1 << 9
	LoadIgnoreCertAuthorityInvalid  LoadFlags = 1 << 10
)

// Has reports whether every bit of flag is set.
func (f LoadFlags) Has(flag LoadFlags) bool {
	return f&flag == flag
}

// RequestInfo describes one request.
type RequestInfo struct {
	URL          *url.URL
	Method       string
	ExtraHeaders http.Header
	LoadFlags    LoadFlags
	Referrer     string
	UserAgent    string
	// UploadData is nil when the request has no body.
	UploadData []byte
}

// CertStatus is a bit set of certificate problems found during the handshake.
type CertStatus uint32

const (
	CertStatusCommonNameInvalid CertStatus = 1 << 0
	CertStatusDateInvalid       CertStatus = 1 << 1
	CertStatusAuthorityInvalid  CertStatus = 1 << 2
	CertStatusRevoked           CertStatus = 1 << 3
	CertStatusInvalid           CertStatus = 1 << 4

	CertStatusAllErrors CertStatus = 0xffff
)

// IsError reports whether any error bit is set.
func (s CertStatus) IsError() bool {
	return s&CertStatusAllErrors != 0
}

// SSLInfo carries the outcome of a TLS handshake.
type SSLInfo struct {
	CertStatus CertStatus
	PeerChain  []*x509.Certificate
	Version    uint16
}

// IsValid reports whether a handshake produced this info.
func (s SSLInfo) IsValid() bool {
	return len(s.PeerChain) > 0 || s.CertStatus != 0
}

// AuthChallengeInfo describes the challenge the caller must answer through
// RestartWithAuth.
type AuthChallengeInfo struct {
	IsProxy bool
	Host    string
	Scheme  string
	Realm   string
}

// ResponseInfo is what a Transaction exposes once headers (or a final TLS
// error) arrived.
type ResponseInfo struct {
	Headers       *httpwire.ResponseHeaders
	RequestTime   time.Time
	ResponseTime  time.Time
	SSLInfo       SSLInfo
	AuthChallenge *AuthChallengeInfo
	WasCached     bool
	// VaryData maps each request header named by Vary to the value sent.
	VaryData map[string]string
}

// Clone returns a copy whose headers may be mutated independently.
func (r *ResponseInfo) Clone() *ResponseInfo {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Headers != nil {
		dup.Headers = r.Headers.Clone()
	}
	if r.AuthChallenge != nil {
		challenge := *r.AuthChallenge
		dup.AuthChallenge = &challenge
	}
	if r.VaryData != nil {
		dup.VaryData = make(map[string]string, len(r.VaryData))
		for k, v := range r.VaryData {
			dup.VaryData[k] = v
		}
	}
	return &dup
}

// LoadState reports what a transaction is currently blocked on.
type LoadState int

const (
	LoadStateIdle LoadState = iota
	LoadStateWaitingForCache
	LoadStateResolvingProxy
	LoadStateResolvingHost
	LoadStateConnecting
	LoadStateSendingRequest
	LoadStateWaitingForResponse
	LoadStateReadingResponse
)

var loadStateNames = [...]string{
	"idle",
	"waiting_for_cache",
	"resolving_proxy",
	"resolving_host",
	"connecting",
	"sending_request",
	"waiting_for_response",
	"reading_response",
}

func (s LoadState) String() string {
	if int(s) >= 0 && int(s) < len(loadStateNames) {
		return loadStateNames[s]
	}
	return "unknown"
}

// Transaction is one request/response exchange. Every blocking method honors
// ctx cancellation. Read returns io.EOF at the end of the body.
type Transaction interface {
	Start(ctx context.Context, req *RequestInfo) error
	RestartIgnoringLastError(ctx context.Context) error
	RestartWithAuth(ctx context.Context, username, password string) error
	Read(ctx context.Context, p []byte) (int, error)
	ResponseInfo() *ResponseInfo
	LoadState() LoadState
	Close() error
}

// Factory creates transactions.
type Factory interface {
	CreateTransaction() (Transaction, error)
}
