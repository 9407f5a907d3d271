// Package neterr defines the failure codes shared by the network transaction
// and the cache coordinator. Codes ride on jmgilman/go/errors so callers can
// inspect them with GetCode and decide retry behavior through the
// retryable/permanent classification.
package neterr

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/jmgilman/go/errors"
)

// 传输层错误：可以通过重连、切换代理或 TLS 降级恢复。
const (
	CodeConnectionClosed     errors.ErrorCode = "CONNECTION_CLOSED"
	CodeConnectionReset      errors.ErrorCode = "CONNECTION_RESET"
	CodeConnectionRefused    errors.ErrorCode = "CONNECTION_REFUSED"
	CodeConnectionAborted    errors.ErrorCode = "CONNECTION_ABORTED"
	CodeConnectionFailed     errors.ErrorCode = "CONNECTION_FAILED"
	CodeNameNotResolved      errors.ErrorCode = "NAME_NOT_RESOLVED"
	CodeInternetDisconnected errors.ErrorCode = "INTERNET_DISCONNECTED"
	CodeAddressUnreachable   errors.ErrorCode = "ADDRESS_UNREACHABLE"
	CodeTimedOut             errors.ErrorCode = "TIMED_OUT"
	CodeSSLProtocolError     errors.ErrorCode = "SSL_PROTOCOL_ERROR"
	CodeSSLVersionMismatch   errors.ErrorCode = "SSL_VERSION_OR_CIPHER_MISMATCH"
)

// 证书错误：仅当请求携带对应的忽略标志时可降级为成功。
const (
	CodeCertCommonNameInvalid errors.ErrorCode = "CERT_COMMON_NAME_INVALID"
	CodeCertDateInvalid       errors.ErrorCode = "CERT_DATE_INVALID"
	CodeCertAuthorityInvalid  errors.ErrorCode = "CERT_AUTHORITY_INVALID"
	CodeCertRevoked           errors.ErrorCode = "CERT_REVOKED"
	CodeCertInvalid           errors.ErrorCode = "CERT_INVALID"
)

// 协议错误与缓存错误：对当前事务是致命的，不重试。
const (
	CodeFailed                 errors.ErrorCode = "FAILED"
	CodeUnexpected             errors.ErrorCode = "UNEXPECTED"
	CodeAborted                errors.ErrorCode = "ABORTED"
	CodeInvalidArgument        errors.ErrorCode = "INVALID_ARGUMENT"
	CodeTunnelConnectionFailed errors.ErrorCode = "TUNNEL_CONNECTION_FAILED"
	CodeEmptyResponse          errors.ErrorCode = "EMPTY_RESPONSE"
	CodeResponseHeadersTooBig  errors.ErrorCode = "RESPONSE_HEADERS_TOO_BIG"
	CodeInvalidResponse        errors.ErrorCode = "INVALID_RESPONSE"
	CodeInvalidChunkedEncoding errors.ErrorCode = "INVALID_CHUNKED_ENCODING"
	CodeMethodNotSupported     errors.ErrorCode = "METHOD_NOT_SUPPORTED"
	CodeUnexpectedProxyAuth    errors.ErrorCode = "UNEXPECTED_PROXY_AUTH"
	CodeCacheMiss              errors.ErrorCode = "CACHE_MISS"
	CodeCacheReadFailure       errors.ErrorCode = "CACHE_READ_FAILURE"
	CodeCacheRace              errors.ErrorCode = "CACHE_RACE"
)

var messages = map[errors.ErrorCode]string{
	CodeConnectionClosed:       "connection closed",
	CodeConnectionReset:        "connection reset",
	CodeConnectionRefused:      "connection refused",
	CodeConnectionAborted:      "connection aborted",
	CodeConnectionFailed:       "connection failed",
	CodeNameNotResolved:        "host name not resolved",
	CodeInternetDisconnected:   "internet disconnected",
	CodeAddressUnreachable:     "address unreachable",
	CodeTimedOut:               "operation timed out",
	CodeSSLProtocolError:       "ssl protocol error",
	CodeSSLVersionMismatch:     "ssl version or cipher mismatch",
	CodeCertCommonNameInvalid:  "certificate common name invalid",
	CodeCertDateInvalid:        "certificate date invalid",
	CodeCertAuthorityInvalid:   "certificate authority invalid",
	CodeCertRevoked:            "certificate revoked",
	CodeCertInvalid:            "certificate invalid",
	CodeFailed:                 "operation failed",
	CodeUnexpected:             "unexpected state",
	CodeAborted:                "operation aborted",
	CodeInvalidArgument:        "invalid argument",
	CodeTunnelConnectionFailed: "tunnel connection failed",
	CodeEmptyResponse:          "empty response",
	CodeResponseHeadersTooBig:  "response headers too big",
	CodeInvalidResponse:        "invalid response",
	CodeInvalidChunkedEncoding: "invalid chunked encoding",
	CodeMethodNotSupported:     "method not supported",
	CodeUnexpectedProxyAuth:    "unexpected proxy auth",
	CodeCacheMiss:              "cache miss",
	CodeCacheReadFailure:       "cache read failure",
	CodeCacheRace:              "cache race",
}

var retryable = map[errors.ErrorCode]struct{}{
	CodeConnectionClosed:       {},
	CodeConnectionReset:        {},
	CodeConnectionRefused:      {},
	CodeConnectionAborted:      {},
	CodeConnectionFailed:       {},
	CodeNameNotResolved:        {},
	CodeInternetDisconnected:   {},
	CodeAddressUnreachable:     {},
	CodeTimedOut:               {},
	CodeSSLProtocolError:       {},
	CodeSSLVersionMismatch:     {},
	CodeTunnelConnectionFailed: {},
	CodeCacheRace:              {},
}

// New 按错误码构建带分类的错误。
func New(code errors.ErrorCode) error {
	return classify(errors.New(code, message(code)), code)
}

// Wrap 保留底层原因，同时打上错误码。
func Wrap(err error, code errors.ErrorCode) error {
	if err == nil {
		return nil
	}
	return classify(errors.Wrap(err, code, message(code)), code)
}

// Code 返回错误链上最外层的错误码；nil 与非平台错误分别返回 "" 与 CodeFailed。
func Code(err error) errors.ErrorCode {
	if err == nil {
		return ""
	}
	code := errors.GetCode(err)
	if code == errors.CodeUnknown {
		return CodeFailed
	}
	return code
}

// Is reports whether err carries code.
func Is(err error, code errors.ErrorCode) bool {
	return err != nil && Code(err) == code
}

// IsRetryable reports whether the error belongs to the transport class.
func IsRetryable(err error) bool {
	return errors.IsRetryable(err)
}

// IsCertificateError reports whether code is one of the certificate codes.
func IsCertificateError(code errors.ErrorCode) bool {
	switch code {
	case CodeCertCommonNameInvalid, CodeCertDateInvalid, CodeCertAuthorityInvalid,
		CodeCertRevoked, CodeCertInvalid:
		return true
	}
	return false
}

// FromNetError 把标准库的拨号/读写错误映射为网络错误码。已经携带错误码的错误原样返回。
func FromNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.GetCode(err) != errors.CodeUnknown {
		return err
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, CodeAborted)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, os.ErrDeadlineExceeded):
		return Wrap(err, CodeTimedOut)
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, net.ErrClosed):
		return Wrap(err, CodeConnectionClosed)
	case stderrors.Is(err, syscall.ECONNRESET), stderrors.Is(err, syscall.EPIPE):
		return Wrap(err, CodeConnectionReset)
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return Wrap(err, CodeConnectionRefused)
	case stderrors.Is(err, syscall.ECONNABORTED):
		return Wrap(err, CodeConnectionAborted)
	case stderrors.Is(err, syscall.ENETUNREACH), stderrors.Is(err, syscall.EHOSTUNREACH):
		return Wrap(err, CodeAddressUnreachable)
	case stderrors.Is(err, syscall.ENETDOWN):
		return Wrap(err, CodeInternetDisconnected)
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return Wrap(err, CodeTimedOut)
		}
		return Wrap(err, CodeNameNotResolved)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(err, CodeTimedOut)
	}
	return Wrap(err, CodeConnectionFailed)
}

func message(code errors.ErrorCode) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return string(code)
}

func classify(err errors.PlatformError, code errors.ErrorCode) error {
	if _, ok := retryable[code]; ok {
		return errors.WithClassification(err, errors.ClassificationRetryable)
	}
	return errors.WithClassification(err, errors.ClassificationPermanent)
}
