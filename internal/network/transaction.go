package network

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/auth"
	"github.com/any-hub/any-fetch/internal/connpool"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/httpwire"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/neterr"
	"github.com/any-hub/any-fetch/internal/proxyconfig"
)

type state int

const (
	stateNone state = iota
	stateResolveProxy
	stateResolveProxyComplete
	stateInitConnection
	stateInitConnectionComplete
	stateResolveHost
	stateResolveHostComplete
	stateConnect
	stateConnectComplete
	stateSSLConnectOverTunnel
	stateSSLConnectOverTunnelComplete
	stateWriteHeaders
	stateWriteHeadersComplete
	stateWriteBody
	stateWriteBodyComplete
	stateReadHeaders
	stateReadHeadersComplete
	stateReadBody
	stateReadBodyComplete
)

// Transaction is one HTTP exchange over a leased connection. It is not safe
// for concurrent use, except for LoadState.
type Transaction struct {
	session *Session
	logger  logrus.FieldLogger

	request *httpbase.RequestInfo
	next    state
	load    atomic.Int32

	proxyInfo  proxyconfig.Info
	sslConfig  connpool.SSLConfig
	connection connpool.Handle
	addrs      []string

	usingSSL           bool
	usingProxy         bool
	usingTunnel        bool
	establishingTunnel bool
	reusedSocket       bool
	resentRequest      bool

	requestHeaders     []byte
	requestHeadersSent int
	requestBodySent    int

	headerBuf           []byte
	headerBufLen        int
	headerBufHTTPOffset int
	headerBufBodyOffset int

	contentLength int64
	contentRead   int64
	chunked       *httpwire.ChunkedDecoder
	readBuf       []byte

	response httpbase.ResponseInfo

	authHandler  [2]auth.Handler
	authData     [2]*auth.Data
	authCacheKey [2]string
	authAutoTry  [2]bool
}

func newTransaction(session *Session) *Transaction {
	t := &Transaction{
		session:   session,
		logger:    session.Logger,
		sslConfig: session.SSLConfig,
	}
	t.resetStateForRestart()
	return t
}

// Start begins the exchange and returns once response headers arrived, or on
// failure. A 401/407 is not an error: ResponseInfo carries the challenge.
func (t *Transaction) Start(ctx context.Context, req *httpbase.RequestInfo) error {
	if req == nil || req.URL == nil {
		return neterr.New(neterr.CodeInvalidArgument)
	}
	t.request = req
	t.logger = t.session.Logger.WithFields(logging.TransactionFields(uuid.NewString(), req.Method, req.URL.Redacted()))
	t.setNext(stateResolveProxy)
	_, err := t.doLoop(ctx, 0, nil)
	return t.finish(err)
}

// RestartIgnoringLastError resumes after a certificate error on the socket
// that already completed its handshake.
func (t *Transaction) RestartIgnoringLastError(ctx context.Context) error {
	if t.request == nil || !t.connection.IsInitialized() {
		return neterr.New(neterr.CodeUnexpected)
	}
	t.setNext(stateWriteHeaders)
	_, err := t.doLoop(ctx, 0, nil)
	return t.finish(err)
}

// RestartWithAuth answers the pending challenge. Proxy challenges are answered
// before server challenges.
func (t *Transaction) RestartWithAuth(ctx context.Context, username, password string) error {
	target := auth.TargetServer
	switch {
	case t.needAuth(auth.TargetProxy):
		target = auth.TargetProxy
	case t.needAuth(auth.TargetServer):
	default:
		return neterr.New(neterr.CodeUnexpected)
	}
	data := t.authData[target]
	data.State = auth.StateHaveCredentials
	data.Username = username
	data.Password = password

	t.restartForAuth()
	_, err := t.doLoop(ctx, 0, nil)
	return t.finish(err)
}

// Read copies body bytes into p. It returns io.EOF at the end of the body.
func (t *Transaction) Read(ctx context.Context, p []byte) (int, error) {
	if t.response.Headers == nil {
		return 0, neterr.New(neterr.CodeUnexpected)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !t.connection.IsInitialized() {
		return 0, io.EOF
	}
	t.readBuf = p
	t.setNext(stateReadBody)
	n, err := t.doLoop(ctx, 0, nil)
	if err != nil {
		t.session.Metrics.TransactionDone(string(neterr.Code(err)))
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ResponseInfo returns nil until headers arrived or a certificate error was
// reported.
func (t *Transaction) ResponseInfo() *httpbase.ResponseInfo {
	if t.response.Headers != nil || t.response.SSLInfo.IsValid() {
		return &t.response
	}
	return nil
}

// LoadState may be called from any goroutine.
func (t *Transaction) LoadState() httpbase.LoadState {
	return httpbase.LoadState(t.load.Load())
}

// Close releases the connection without reusing it.
func (t *Transaction) Close() error {
	t.connection.Release(false)
	t.setNext(stateNone)
	return nil
}

func (t *Transaction) finish(err error) error {
	if err != nil {
		t.session.Metrics.TransactionDone(string(neterr.Code(err)))
		t.logger.WithField("error_code", neterr.Code(err)).Debug("network transaction failed")
	}
	return err
}

func (t *Transaction) setNext(s state) {
	t.next = s
	t.load.Store(int32(loadStateFor(s)))
}

func loadStateFor(s state) httpbase.LoadState {
	switch s {
	case stateResolveProxyComplete:
		return httpbase.LoadStateResolvingProxy
	case stateResolveHostComplete:
		return httpbase.LoadStateResolvingHost
	case stateConnectComplete, stateSSLConnectOverTunnelComplete:
		return httpbase.LoadStateConnecting
	case stateWriteHeadersComplete, stateWriteBodyComplete:
		return httpbase.LoadStateSendingRequest
	case stateReadHeadersComplete:
		return httpbase.LoadStateWaitingForResponse
	case stateReadBodyComplete:
		return httpbase.LoadStateReadingResponse
	}
	return httpbase.LoadStateIdle
}

// doLoop 驱动状态机：每个 X 状态执行一次阻塞操作，结果交给对应的 X-complete 状态处理，
// 直到没有后续状态为止。
func (t *Transaction) doLoop(ctx context.Context, n int, err error) (int, error) {
	for t.next != stateNone {
		s := t.next
		t.setNext(stateNone)
		switch s {
		case stateResolveProxy:
			n, err = t.doResolveProxy(ctx)
		case stateResolveProxyComplete:
			n, err = t.doResolveProxyComplete(ctx, err)
		case stateInitConnection:
			n, err = t.doInitConnection(ctx)
		case stateInitConnectionComplete:
			n, err = t.doInitConnectionComplete(err)
		case stateResolveHost:
			n, err = t.doResolveHost(ctx)
		case stateResolveHostComplete:
			n, err = t.doResolveHostComplete(ctx, err)
		case stateConnect:
			n, err = t.doConnect(ctx)
		case stateConnectComplete:
			n, err = t.doConnectComplete(ctx, err)
		case stateSSLConnectOverTunnel:
			n, err = t.doSSLConnectOverTunnel(ctx)
		case stateSSLConnectOverTunnelComplete:
			n, err = t.doSSLConnectOverTunnelComplete(err)
		case stateWriteHeaders:
			n, err = t.doWriteHeaders(ctx)
		case stateWriteHeadersComplete:
			n, err = t.doWriteHeadersComplete(n, err)
		case stateWriteBody:
			n, err = t.doWriteBody(ctx)
		case stateWriteBodyComplete:
			n, err = t.doWriteBodyComplete(n, err)
		case stateReadHeaders:
			n, err = t.doReadHeaders(ctx)
		case stateReadHeadersComplete:
			n, err = t.doReadHeadersComplete(ctx, n, err)
		case stateReadBody:
			n, err = t.doReadBody(ctx)
		case stateReadBodyComplete:
			n, err = t.doReadBodyComplete(n, err)
		default:
			return 0, neterr.New(neterr.CodeUnexpected)
		}
	}
	return n, err
}

func (t *Transaction) doResolveProxy(ctx context.Context) (int, error) {
	t.setNext(stateResolveProxyComplete)
	return 0, t.session.ProxyService.ResolveProxy(ctx, t.request.URL, &t.proxyInfo)
}

func (t *Transaction) doResolveProxyComplete(ctx context.Context, err error) (int, error) {
	if err != nil && ctx.Err() != nil {
		return 0, err
	}
	t.setNext(stateInitConnection)
	if err != nil {
		t.logger.WithField("error", err).Debug("proxy resolution failed, going direct")
		t.proxyInfo.UseDirect()
	}
	return 0, nil
}

func (t *Transaction) doInitConnection(ctx context.Context) (int, error) {
	t.setNext(stateInitConnectionComplete)

	t.usingSSL = t.request.URL.Scheme == "https"
	t.usingProxy = !t.proxyInfo.IsDirect() && !t.usingSSL
	t.usingTunnel = !t.proxyInfo.IsDirect() && t.usingSSL

	return 0, t.connection.Init(ctx, t.session.Pool, t.connectionGroup())
}

// connectionGroup 用于区分可复用的连接：经代理的明文请求共用一个代理组，隧道按目标源站再细分。
func (t *Transaction) connectionGroup() string {
	var group string
	if t.usingProxy || t.usingTunnel {
		group = "proxy/" + t.proxyInfo.ProxyServer() + "/"
	}
	if !t.usingProxy {
		group += originOf(t.request.URL) + "/"
	}
	return group
}

func (t *Transaction) doInitConnectionComplete(err error) (int, error) {
	if err != nil {
		return 0, err
	}
	t.reusedSocket = t.connection.IsReused()
	if t.reusedSocket {
		// 复用的隧道连接已经完成了 TLS 握手。
		t.establishingTunnel = false
		t.session.Metrics.SocketReused()
		t.setNext(stateWriteHeaders)
	} else {
		t.setNext(stateResolveHost)
	}
	return 0, nil
}

func (t *Transaction) doResolveHost(ctx context.Context) (int, error) {
	t.setNext(stateResolveHostComplete)

	var host string
	var port int
	if t.usingProxy || t.usingTunnel {
		h, p, err := net.SplitHostPort(t.proxyInfo.ProxyServer())
		if err != nil {
			h, p = t.proxyInfo.ProxyServer(), "80"
		}
		host = h
		port, err = strconv.Atoi(p)
		if err != nil {
			return 0, neterr.Wrap(err, neterr.CodeInvalidArgument)
		}
	} else {
		host = t.request.URL.Hostname()
		port = effectivePort(t.request.URL)
	}

	addrs, err := t.session.HostResolver.Resolve(ctx, host, port)
	t.addrs = addrs
	return 0, err
}

func (t *Transaction) doResolveHostComplete(ctx context.Context, err error) (int, error) {
	if err == nil {
		t.setNext(stateConnect)
		return 0, nil
	}
	return 0, t.reconsiderProxyAfterError(ctx, err)
}

func (t *Transaction) doConnect(ctx context.Context) (int, error) {
	t.setNext(stateConnectComplete)

	factory := t.session.SocketFactory
	s := factory.CreateTCPClientSocket(t.addrs)
	if t.usingSSL && !t.usingTunnel {
		s = factory.CreateSSLClientSocket(s, t.request.URL.Hostname(), t.sslConfig)
	}
	t.connection.SetSocket(s)
	return 0, s.Connect(ctx)
}

func (t *Transaction) doConnectComplete(ctx context.Context, err error) (int, error) {
	if err != nil && neterr.IsCertificateError(neterr.Code(err)) {
		err = t.handleCertificateError(err)
	}
	if err == nil {
		t.setNext(stateWriteHeaders)
		if t.usingTunnel {
			t.establishingTunnel = true
		}
		return 0, nil
	}
	if neterr.IsCertificateError(neterr.Code(err)) {
		return 0, err
	}
	if err = t.handleSSLHandshakeError(err); err != nil {
		err = t.reconsiderProxyAfterError(ctx, err)
	}
	return 0, err
}

func (t *Transaction) doSSLConnectOverTunnel(ctx context.Context) (int, error) {
	t.setNext(stateSSLConnectOverTunnelComplete)

	s := t.session.SocketFactory.CreateSSLClientSocket(t.connection.Socket(), t.request.URL.Hostname(), t.sslConfig)
	t.connection.SetSocket(s)
	return 0, s.Connect(ctx)
}

func (t *Transaction) doSSLConnectOverTunnelComplete(err error) (int, error) {
	if err != nil && neterr.IsCertificateError(neterr.Code(err)) {
		err = t.handleCertificateError(err)
	}
	if err == nil {
		t.setNext(stateWriteHeaders)
		return 0, nil
	}
	if neterr.IsCertificateError(neterr.Code(err)) {
		return 0, err
	}
	return 0, t.handleSSLHandshakeError(err)
}

func (t *Transaction) doWriteHeaders(ctx context.Context) (int, error) {
	t.setNext(stateWriteHeadersComplete)

	if len(t.requestHeaders) == 0 {
		if t.establishingTunnel {
			t.requestHeaders = t.buildTunnelRequest()
		} else {
			t.requestHeaders = t.buildRequestHeaders()
		}
	}
	// 以发出第一个请求字节的时间作为请求时间。
	if t.requestHeadersSent == 0 {
		t.response.RequestTime = t.session.Now()
	}
	return t.connection.Socket().Write(ctx, t.requestHeaders[t.requestHeadersSent:])
}

func (t *Transaction) doWriteHeadersComplete(n int, err error) (int, error) {
	if err != nil {
		return 0, t.handleIOError(err)
	}
	t.requestHeadersSent += n
	switch {
	case t.requestHeadersSent < len(t.requestHeaders):
		t.setNext(stateWriteHeaders)
	case !t.establishingTunnel && t.request.UploadData != nil && len(t.request.UploadData) > 0:
		t.setNext(stateWriteBody)
	default:
		t.setNext(stateReadHeaders)
	}
	return 0, nil
}

func (t *Transaction) doWriteBody(ctx context.Context) (int, error) {
	t.setNext(stateWriteBodyComplete)
	return t.connection.Socket().Write(ctx, t.request.UploadData[t.requestBodySent:])
}

func (t *Transaction) doWriteBodyComplete(n int, err error) (int, error) {
	if err != nil {
		return 0, t.handleIOError(err)
	}
	t.requestBodySent += n
	if t.requestBodySent < len(t.request.UploadData) {
		t.setNext(stateWriteBody)
	} else {
		t.setNext(stateReadHeaders)
	}
	return 0, nil
}

func (t *Transaction) doReadHeaders(ctx context.Context) (int, error) {
	t.setNext(stateReadHeadersComplete)

	// 缓冲区写满时按倍数扩容，但不超过上限。
	if t.headerBufLen == len(t.headerBuf) {
		size := len(t.headerBuf) * 2
		if size == 0 {
			size = headerBufInitialSize
		}
		if size > t.session.MaxHeaderBytes {
			size = t.session.MaxHeaderBytes
		}
		if size <= t.headerBufLen {
			return 0, neterr.New(neterr.CodeResponseHeadersTooBig)
		}
		grown := make([]byte, size)
		copy(grown, t.headerBuf[:t.headerBufLen])
		t.headerBuf = grown
	}

	n, err := t.connection.Socket().Read(ctx, t.headerBuf[t.headerBufLen:])
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (t *Transaction) doReadHeadersComplete(ctx context.Context, n int, err error) (int, error) {
	if err != nil {
		if neterr.Is(err, neterr.CodeResponseHeadersTooBig) {
			return 0, err
		}
		return 0, t.handleIOError(err)
	}

	if n == 0 && t.shouldResendRequest() {
		return 0, nil
	}

	// 以收到第一个响应字节的时间作为响应时间。
	if t.headerBufLen == 0 {
		t.response.ResponseTime = t.session.Now()
	}

	if n == 0 {
		if err := t.handleConnectionClosedBeforeEndOfHeaders(); err != nil {
			if neterr.Is(err, neterr.CodeTunnelConnectionFailed) {
				return 0, t.reconsiderProxyAfterError(ctx, err)
			}
			return 0, err
		}
		return 0, t.didReadResponseHeaders(ctx)
	}

	t.headerBufLen += n
	return 0, t.scanHeaders(ctx)
}

// scanHeaders looks for the status line and the end of the header block in
// what has been buffered so far.
func (t *Transaction) scanHeaders(ctx context.Context) error {
	buf := t.headerBuf[:t.headerBufLen]
	if t.headerBufHTTPOffset < 0 {
		t.headerBufHTTPOffset = httpwire.LocateStartOfStatusLine(buf)
	}

	switch {
	case t.headerBufHTTPOffset >= 0:
		eoh := httpwire.LocateEndOfHeaders(buf, t.headerBufHTTPOffset)
		if eoh < 0 {
			if t.headerBufLen >= t.session.MaxHeaderBytes {
				return neterr.New(neterr.CodeResponseHeadersTooBig)
			}
			t.setNext(stateReadHeaders)
			return nil
		}
		t.headerBufBodyOffset = eoh
	case t.headerBufLen < 8:
		// 4 字节的前导垃圾加上 "http"，不足 8 字节时还无法判断是否为 HTTP/0.9。
		t.setNext(stateReadHeaders)
		return nil
	default:
		t.headerBufBodyOffset = 0
	}
	return t.didReadResponseHeaders(ctx)
}

func (t *Transaction) handleConnectionClosedBeforeEndOfHeaders() error {
	if t.establishingTunnel {
		return neterr.New(neterr.CodeTunnelConnectionFailed)
	}
	if t.headerBufHTTPOffset >= 0 {
		// EOF 视为头部结束。
		t.headerBufBodyOffset = t.headerBufLen
		return nil
	}
	if t.headerBufLen == 0 {
		return neterr.New(neterr.CodeEmptyResponse)
	}
	// 其余情况（包括 "h"、"ht"、"htt"）都按 HTTP/0.9 处理。
	t.headerBufBodyOffset = 0
	return nil
}

func (t *Transaction) didReadResponseHeaders(ctx context.Context) error {
	var headers *httpwire.ResponseHeaders
	if t.headerBufHTTPOffset >= 0 {
		headers = httpwire.ParseResponseHeaders(t.headerBuf[t.headerBufHTTPOffset:t.headerBufBodyOffset])
	} else {
		headers = httpwire.NewHTTP09Headers()
	}

	if !headers.Version().AtLeast(1, 0) {
		if t.establishingTunnel {
			return t.reconsiderProxyAfterError(ctx, neterr.New(neterr.CodeTunnelConnectionFailed))
		}
		if t.request.Method == "PUT" {
			return neterr.New(neterr.CodeMethodNotSupported)
		}
	}

	if headers.Code() == 100 {
		remaining := t.headerBufLen - t.headerBufBodyOffset
		copy(t.headerBuf, t.headerBuf[t.headerBufBodyOffset:t.headerBufLen])
		t.headerBufLen = remaining
		t.headerBufBodyOffset = -1
		t.headerBufHTTPOffset = -1
		if remaining > 0 {
			return t.scanHeaders(ctx)
		}
		t.setNext(stateReadHeaders)
		return nil
	}

	if t.establishingTunnel {
		switch headers.Code() {
		case 200:
			if t.headerBufBodyOffset != t.headerBufLen {
				// 代理在响应头之后多发了数据。
				return t.reconsiderProxyAfterError(ctx, neterr.New(neterr.CodeTunnelConnectionFailed))
			}
			t.setNext(stateSSLConnectOverTunnel)
			t.requestHeaders = nil
			t.requestHeadersSent = 0
			t.headerBufLen = 0
			t.headerBufBodyOffset = -1
			t.headerBufHTTPOffset = -1
			t.establishingTunnel = false
			return nil
		case 407:
		default:
			t.logger.WithField("status", headers.Code()).Debug("proxy refused CONNECT")
			return t.reconsiderProxyAfterError(ctx, neterr.New(neterr.CodeTunnelConnectionFailed))
		}
	}

	t.response.Headers = headers
	t.response.VaryData = httpbase.ComputeVaryData(t.request, headers)

	restart, err := t.populateAuthChallenge()
	if err != nil {
		return err
	}
	if restart {
		t.restartForAuth()
		return nil
	}

	switch headers.Code() {
	case 204, 205, 304:
		t.contentLength = 0
	}
	if t.request.Method == "HEAD" {
		t.contentLength = 0
	}
	if t.contentLength < 0 {
		// HTTP/1.0 的 chunked 声明不可信；chunked 优先于 Content-Length。
		if headers.IsChunkEncoded() {
			t.chunked = &httpwire.ChunkedDecoder{}
		} else {
			t.contentLength = headers.ContentLength()
		}
	}

	if t.usingSSL && !t.establishingTunnel {
		if ssl, ok := t.connection.Socket().(connpool.SSLClientSocket); ok {
			t.response.SSLInfo = ssl.SSLInfo()
		}
	}
	return nil
}

func (t *Transaction) doReadBody(ctx context.Context) (int, error) {
	t.setNext(stateReadBodyComplete)

	if t.bodyComplete() {
		return 0, nil
	}
	p := t.readBuf
	if t.contentLength >= 0 && int64(len(p)) > t.contentLength-t.contentRead {
		p = p[:t.contentLength-t.contentRead]
	}

	// 头部缓冲区中可能还留有部分正文。
	if t.headerBuf != nil && t.headerBufBodyOffset >= 0 && t.headerBufBodyOffset < t.headerBufLen {
		n := copy(p, t.headerBuf[t.headerBufBodyOffset:t.headerBufLen])
		t.headerBufBodyOffset += n
		if t.headerBufBodyOffset == t.headerBufLen {
			t.headerBuf = nil
			t.headerBufLen = 0
			t.headerBufBodyOffset = -1
		}
		return n, nil
	}

	n, err := t.connection.Socket().Read(ctx, p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	if err != nil && t.contentLength < 0 && t.chunked == nil && neterr.Is(err, neterr.CodeConnectionReset) {
		// 以关闭连接结束的正文，连接被重置同样视为结束。
		return n, nil
	}
	return n, err
}

func (t *Transaction) bodyComplete() bool {
	if t.contentLength >= 0 {
		return t.contentRead >= t.contentLength
	}
	return t.chunked != nil && t.chunked.ReachedEOF()
}

func (t *Transaction) doReadBodyComplete(n int, err error) (int, error) {
	// 正文尚未结束时读到 0 字节，说明连接已被对端关闭。
	socketEOF := err == nil && n == 0 && !t.bodyComplete()

	if err == nil && n > 0 && t.chunked != nil {
		n, err = t.chunked.FilterBuf(t.readBuf[:n])
		if err == nil && n == 0 && !t.chunked.ReachedEOF() {
			// 只收到了分块框架，继续读取，避免把 0 当作 EOF 交给调用方。
			t.setNext(stateReadBody)
			return 0, nil
		}
	}

	done, keepAlive := false, false
	if err != nil {
		done = true
	} else {
		t.contentRead += int64(n)
		t.session.Metrics.BodyBytes(n)
		if socketEOF || t.bodyComplete() {
			done = true
			keepAlive = t.response.Headers.IsKeepAlive()
			switch {
			case socketEOF:
				keepAlive = false
			case t.headerBuf != nil && t.headerBufBodyOffset >= 0 && t.headerBufBodyOffset < t.headerBufLen:
				// 服务端发送的数据超过了声明的长度。
				keepAlive = false
			case t.chunked != nil && t.chunked.BytesAfterEOF() > 0:
				keepAlive = false
			case t.establishingTunnel:
				// 隧道建立阶段的 407 连接只是到代理的明文连接，不能放回隧道组。
				keepAlive = false
			}
		}
	}

	if done {
		t.connection.Release(keepAlive)
		if err == nil {
			t.session.Metrics.TransactionDone("ok")
		}
	}
	t.readBuf = nil
	return n, err
}

func (t *Transaction) handleCertificateError(err error) error {
	ssl, ok := t.connection.Socket().(connpool.SSLClientSocket)
	if !ok {
		return err
	}
	info := ssl.SSLInfo()
	if info.CertStatus&^ignoredCertStatus(t.request.LoadFlags) == 0 {
		return nil
	}
	t.response.SSLInfo = info
	return err
}

// ignoredCertStatus 只有三类证书问题可以通过加载标志忽略，吊销与无效证书始终报错。
func ignoredCertStatus(flags httpbase.LoadFlags) httpbase.CertStatus {
	var status httpbase.CertStatus
	if flags.Has(httpbase.LoadIgnoreCertCommonNameInvalid) {
		status |= httpbase.CertStatusCommonNameInvalid
	}
	if flags.Has(httpbase.LoadIgnoreCertDateInvalid) {
		status |= httpbase.CertStatusDateInvalid
	}
	if flags.Has(httpbase.LoadIgnoreCertAuthorityInvalid) {
		status |= httpbase.CertStatusAuthorityInvalid
	}
	return status
}

func (t *Transaction) handleSSLHandshakeError(err error) error {
	switch neterr.Code(err) {
	case neterr.CodeSSLProtocolError, neterr.CodeSSLVersionMismatch:
		if t.sslConfig.CanFallback() {
			t.logger.WithField("error_code", neterr.Code(err)).Debug("retrying handshake with lower TLS version")
			t.session.Metrics.Restart("tls_fallback")
			t.sslConfig = t.sslConfig.Fallback()
			t.connection.Release(false)
			t.setNext(stateInitConnection)
			return nil
		}
	}
	return err
}

// handleIOError 只用于写请求与读响应头阶段的错误：复用的长连接可能已被服务端关闭，此时重发请求。
func (t *Transaction) handleIOError(err error) error {
	switch neterr.Code(err) {
	case neterr.CodeConnectionReset, neterr.CodeConnectionClosed, neterr.CodeConnectionAborted:
		if t.shouldResendRequest() {
			return nil
		}
	}
	return err
}

func (t *Transaction) shouldResendRequest() bool {
	if t.establishingTunnel || !t.reusedSocket || t.headerBufLen > 0 || t.resentRequest {
		return false
	}
	t.resentRequest = true
	t.logger.Debug("keep-alive socket was stale, resending request")
	t.session.Metrics.Restart("stale_keep_alive")
	t.connection.Release(false)
	t.requestHeadersSent = 0
	t.requestBodySent = 0
	t.setNext(stateInitConnection)
	return true
}

func (t *Transaction) reconsiderProxyAfterError(ctx context.Context, err error) error {
	switch neterr.Code(err) {
	case neterr.CodeNameNotResolved, neterr.CodeInternetDisconnected, neterr.CodeAddressUnreachable,
		neterr.CodeConnectionClosed, neterr.CodeConnectionReset, neterr.CodeConnectionRefused,
		neterr.CodeConnectionAborted, neterr.CodeConnectionFailed, neterr.CodeTimedOut,
		neterr.CodeTunnelConnectionFailed:
	default:
		return err
	}
	if ctx.Err() != nil {
		return err
	}

	if rerr := t.session.ProxyService.ReconsiderProxyAfterError(ctx, t.request.URL, &t.proxyInfo); rerr != nil {
		return err
	}
	t.session.Metrics.ProxyFallback()
	t.connection.Release(false)
	t.resetStateForRestart()
	t.setNext(stateResolveProxyComplete)
	return nil
}

func (t *Transaction) restartForAuth() {
	t.connection.Release(false)
	t.resetStateForRestart()
	t.setNext(stateInitConnection)
}

func (t *Transaction) resetStateForRestart() {
	t.headerBuf = nil
	t.headerBufLen = 0
	t.headerBufBodyOffset = -1
	t.headerBufHTTPOffset = -1
	t.contentLength = -1
	t.contentRead = 0
	t.readBuf = nil
	t.requestHeaders = nil
	t.requestHeadersSent = 0
	t.requestBodySent = 0
	t.chunked = nil
	t.establishingTunnel = false
	t.response.Headers = nil
	t.response.AuthChallenge = nil
	t.response.VaryData = nil
}

func originOf(u *url.URL) string {
	host := u.Hostname()
	if u.Port() != "" && u.Port() != strconv.Itoa(defaultPort(u.Scheme)) {
		host = net.JoinHostPort(host, u.Port())
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return u.Scheme + "://" + host
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func effectivePort(u *url.URL) int {
	if p, err := strconv.Atoi(u.Port()); err == nil {
		return p
	}
	return defaultPort(u.Scheme)
}
