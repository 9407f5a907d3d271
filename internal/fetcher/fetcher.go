// Package fetcher drives one request through the cache-backed transaction
// stack: Start, certificate overrides, authentication challenges and body
// streaming.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/neterr"
)

// maxAuthAttempts 限制同一次抓取里回应认证质询的次数，避免凭据错误时无限重试。
const maxAuthAttempts = 3

// CredentialSource 按质询身份与 realm 查找凭据，*config.Config 即实现了它。
type CredentialSource interface {
	FindCredential(identity, realm string) (config.CredentialConfig, bool)
}

// Options 构造 Fetcher。
type Options struct {
	// Factory 通常是 *httpcache.HttpCache，测试中可替换。
	Factory     httpbase.Factory
	Credentials CredentialSource
	Logger      logrus.FieldLogger
	UserAgent   string
	// Timeout 为 0 时不设置整体超时。
	Timeout time.Duration
}

// Fetcher 对外提供一次性抓取接口。
type Fetcher struct {
	factory   httpbase.Factory
	creds     CredentialSource
	logger    logrus.FieldLogger
	userAgent string
	timeout   time.Duration
}

// Request 描述一次抓取。
type Request struct {
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	LoadFlags httpbase.LoadFlags
	// IgnoreCertErrors 遇到证书错误时调用 RestartIgnoringLastError 继续。
	IgnoreCertErrors bool
	RequestID        string
}

// Response 是抓取结果；Body 必须关闭，关闭时释放底层事务与缓存条目。
type Response struct {
	Info *httpbase.ResponseInfo
	Body io.ReadCloser
	// AuthAttempts 为本次自动回应认证质询的次数。
	AuthAttempts int
}

// StatusCode 返回响应状态码；只有证书错误信息而没有响应头时返回 0。
func (r *Response) StatusCode() int {
	if r == nil || r.Info == nil || r.Info.Headers == nil {
		return 0
	}
	return r.Info.Headers.Code()
}

// Header 返回响应头的 http.Header 视图。
func (r *Response) Header() http.Header {
	if r == nil || r.Info == nil || r.Info.Headers == nil {
		return http.Header{}
	}
	return r.Info.Headers.Header()
}

// New 创建 Fetcher。
func New(opts Options) (*Fetcher, error) {
	if opts.Factory == nil {
		return nil, errors.New("transaction factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		factory:   opts.Factory,
		creds:     opts.Credentials,
		logger:    logger,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
	}, nil
}

// Fetch 启动事务并处理可自动恢复的中间状态，返回时响应头已就绪。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	info, err := f.requestInfo(req)
	if err != nil {
		return nil, err
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := f.logger.WithFields(logging.TransactionFields(requestID, info.Method, info.URL.Redacted()))

	var cancel context.CancelFunc = func() {}
	if f.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
	}

	txn, err := f.factory.CreateTransaction()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("创建事务失败: %w", err)
	}

	err = txn.Start(ctx, info)
	if err != nil && req.IgnoreCertErrors && neterr.IsCertificateError(neterr.Code(err)) {
		logger.WithField("code", string(neterr.Code(err))).Warn("fetch_ignore_cert_error")
		err = txn.RestartIgnoringLastError(ctx)
	}

	attempts := 0
	tried := map[string]struct{}{}
	for err == nil {
		resp := txn.ResponseInfo()
		if resp == nil || resp.AuthChallenge == nil || attempts >= maxAuthAttempts {
			break
		}
		challenge := resp.AuthChallenge
		cred, ok := f.lookupCredential(challenge)
		key := challengeKey(challenge)
		if !ok {
			break
		}
		if _, seen := tried[key]; seen {
			logger.WithFields(logrus.Fields{"auth_host": challenge.Host, "realm": challenge.Realm}).Warn("fetch_auth_rejected")
			break
		}
		tried[key] = struct{}{}
		attempts++
		logger.WithFields(logrus.Fields{
			"auth_host":  challenge.Host,
			"auth_proxy": challenge.IsProxy,
			"scheme":     challenge.Scheme,
			"realm":      challenge.Realm,
		}).Debug("fetch_auth_retry")
		err = txn.RestartWithAuth(ctx, cred.Username, cred.Password)
	}

	if err != nil {
		_ = txn.Close()
		cancel()
		logger.WithField("code", string(neterr.Code(err))).Warn("fetch_failed")
		return nil, err
	}

	return &Response{
		Info:         txn.ResponseInfo(),
		Body:         &body{ctx: ctx, txn: txn, cancel: cancel},
		AuthAttempts: attempts,
	}, nil
}

func (f *Fetcher) requestInfo(req Request) (*httpbase.RequestInfo, error) {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, neterr.Wrap(err, neterr.CodeInvalidArgument)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, neterr.New(neterr.CodeInvalidArgument)
	}
	if target.Host == "" {
		return nil, neterr.New(neterr.CodeInvalidArgument)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	ua := header.Get("User-Agent")
	header.Del("User-Agent")
	if ua == "" {
		ua = f.userAgent
	}
	return &httpbase.RequestInfo{
		URL:          target,
		Method:       method,
		ExtraHeaders: header,
		LoadFlags:    req.LoadFlags,
		UserAgent:    ua,
		UploadData:   req.Body,
	}, nil
}

func (f *Fetcher) lookupCredential(challenge *httpbase.AuthChallengeInfo) (config.CredentialConfig, bool) {
	if f.creds == nil {
		return config.CredentialConfig{}, false
	}
	return f.creds.FindCredential(challenge.Host, challenge.Realm)
}

func challengeKey(c *httpbase.AuthChallengeInfo) string {
	return fmt.Sprintf("%t|%s|%s", c.IsProxy, c.Host, c.Realm)
}

// body 把事务的 ctx 版 Read 适配为 io.ReadCloser。
type body struct {
	ctx    context.Context
	txn    httpbase.Transaction
	cancel context.CancelFunc
	closed bool
}

func (b *body) Read(p []byte) (int, error) {
	if b.closed {
		return 0, io.EOF
	}
	return b.txn.Read(b.ctx, p)
}

func (b *body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.txn.Close()
	b.cancel()
	return err
}
