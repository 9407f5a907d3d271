package network

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/any-hub/any-fetch/internal/auth"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/neterr"
)

func (t *Transaction) requestTarget() string {
	if t.usingProxy {
		u := *t.request.URL
		u.Fragment = ""
		u.RawFragment = ""
		u.User = nil
		return u.String()
	}
	return t.request.URL.RequestURI()
}

func (t *Transaction) buildRequestHeaders() []byte {
	req := t.request
	var b strings.Builder

	target := t.requestTarget()
	b.WriteString(req.Method + " " + target + " HTTP/1.1\r\n")
	b.WriteString("Host: " + hostHeader(req.URL) + "\r\n")

	// 明文代理需要 Proxy-Connection 才会保持连接。
	if t.usingProxy {
		b.WriteString("Proxy-Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: keep-alive\r\n")
	}
	if req.UserAgent != "" {
		b.WriteString("User-Agent: " + req.UserAgent + "\r\n")
	}
	if req.Referrer != "" {
		b.WriteString("Referer: " + req.Referrer + "\r\n")
	}

	if req.UploadData != nil {
		b.WriteString("Content-Length: " + strconv.Itoa(len(req.UploadData)) + "\r\n")
	} else if req.Method == "POST" || req.Method == "PUT" || req.Method == "HEAD" {
		b.WriteString("Content-Length: 0\r\n")
	}

	if req.LoadFlags.Has(httpbase.LoadBypassCache) {
		b.WriteString("Pragma: no-cache\r\nCache-Control: no-cache\r\n")
	} else if req.LoadFlags.Has(httpbase.LoadValidateCache) {
		b.WriteString("Cache-Control: max-age=0\r\n")
	}

	if t.usingProxy {
		t.applyAuth(&b, auth.TargetProxy, req.Method, target)
	}
	t.applyAuth(&b, auth.TargetServer, req.Method, target)

	names := make([]string, 0, len(req.ExtraHeaders))
	for name := range req.ExtraHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range req.ExtraHeaders[name] {
			b.WriteString(name + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (t *Transaction) buildTunnelRequest() []byte {
	req := t.request
	hostPort := net.JoinHostPort(req.URL.Hostname(), strconv.Itoa(effectivePort(req.URL)))

	var b strings.Builder
	b.WriteString("CONNECT " + hostPort + " HTTP/1.1\r\n")
	b.WriteString("Host: " + hostPort + "\r\n")
	if req.UserAgent != "" {
		b.WriteString("User-Agent: " + req.UserAgent + "\r\n")
	}
	t.applyAuth(&b, auth.TargetProxy, "CONNECT", hostPort)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (t *Transaction) applyAuth(b *strings.Builder, target auth.Target, method, uri string) {
	data := t.authData[target]
	handler := t.authHandler[target]
	if data == nil || handler == nil || data.State != auth.StateHaveCredentials {
		return
	}
	value := handler.GenerateCredentials(data.Username, data.Password, method, uri)
	b.WriteString(target.AuthorizationHeader() + ": " + value + "\r\n")
	t.session.AuthCache.Add(t.authCacheKey[target], *data)
}

// authIdentity is the origin credentials are scoped to: the proxy server or
// the request origin.
func (t *Transaction) authIdentity(target auth.Target) string {
	if target == auth.TargetProxy {
		return t.proxyInfo.ProxyServer()
	}
	return originOf(t.request.URL)
}

func (t *Transaction) needAuth(target auth.Target) bool {
	data := t.authData[target]
	return data != nil && data.State == auth.StateNeedCredentials
}

// populateAuthChallenge 处理 401/407。返回 true 表示已从凭据缓存中取到身份，需要自动重发一次请求。
func (t *Transaction) populateAuthChallenge() (bool, error) {
	headers := t.response.Headers
	var target auth.Target
	switch headers.Code() {
	case 407:
		if !t.usingProxy && !t.establishingTunnel {
			return false, neterr.New(neterr.CodeUnexpectedProxyAuth)
		}
		target = auth.TargetProxy
	case 401:
		target = auth.TargetServer
	default:
		return false, nil
	}

	if data := t.authData[target]; data != nil && data.State == auth.StateHaveCredentials {
		// 上一次提交的凭据被拒绝。
		t.session.AuthCache.Remove(t.authCacheKey[target])
	}

	handler := auth.ChooseBestChallenge(headers, target)
	t.authHandler[target] = handler
	if handler == nil {
		t.authData[target] = nil
		return false, nil
	}

	identity := t.authIdentity(target)
	t.authCacheKey[target] = auth.Key(identity, handler.Realm(), handler.Scheme())
	t.authData[target] = &auth.Data{
		State:  auth.StateNeedCredentials,
		Scheme: handler.Scheme(),
		Realm:  handler.Realm(),
	}

	if !t.authAutoTry[target] {
		t.authAutoTry[target] = true
		if cached, ok := t.session.AuthCache.Lookup(t.authCacheKey[target]); ok {
			data := t.authData[target]
			data.Username = cached.Username
			data.Password = cached.Password
			data.State = auth.StateHaveCredentials
			t.logger.WithField("auth_target", target.String()).Debug("retrying with cached credentials")
			t.session.Metrics.Restart("cached_credentials")
			return true, nil
		}
	}

	t.response.AuthChallenge = &httpbase.AuthChallengeInfo{
		IsProxy: target == auth.TargetProxy,
		Host:    identity,
		Scheme:  handler.Scheme(),
		Realm:   handler.Realm(),
	}
	return false, nil
}

func hostHeader(u *url.URL) string {
	if u.Port() != "" && u.Port() != strconv.Itoa(defaultPort(u.Scheme)) {
		return u.Host
	}
	return u.Hostname()
}
