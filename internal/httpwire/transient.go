package httpwire

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHopHeaders 定义 RFC 7230 中只对单跳连接有效的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// 写入缓存时额外丢弃的头部：鉴权挑战与 Cookie 只对当次响应有意义。
var challengeAndCookieHeaders = []string{
	"www-authenticate",
	"proxy-authenticate",
	"set-cookie",
	"set-cookie2",
}

// IsHopByHopHeader reports whether the header must not be forwarded past one
// connection.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段以及
// Connection 中声明的字段。
func CopyHeaders(dst http.Header, src *ResponseHeaders) {
	listed := map[string]struct{}{}
	for _, token := range src.EnumerateValues("connection") {
		listed[strings.ToLower(token)] = struct{}{}
	}
	src.Each(func(name, value string) {
		if IsHopByHopHeader(name) {
			return
		}
		if _, ok := listed[strings.ToLower(name)]; ok {
			return
		}
		dst.Add(name, value)
	})
}

// transientHeaders 返回持久化时需要丢弃的头部集合（小写）。
func (h *ResponseHeaders) transientHeaders() map[string]struct{} {
	out := make(map[string]struct{}, len(hopByHopHeaders)+len(challengeAndCookieHeaders))
	for name := range hopByHopHeaders {
		out[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range challengeAndCookieHeaders {
		out[name] = struct{}{}
	}
	for _, token := range h.EnumerateValues("connection") {
		out[strings.ToLower(token)] = struct{}{}
	}
	return out
}
