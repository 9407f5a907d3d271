package server

import (
	"net/http"
	"net/textproto"

	"github.com/gofiber/fiber/v3"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
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

// 这些头由事务层自行生成，不从客户端透传。
var managedRequestHeaders = map[string]struct{}{
	"Host":           {},
	"Content-Length": {},
	"X-Request-Id":   {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}

// forwardedRequestHeaders 收集客户端请求头，去掉 hop-by-hop 与事务层自管的字段。
func forwardedRequestHeaders(c fiber.Ctx) http.Header {
	raw := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		raw.Add(string(key), string(value))
	})
	out := http.Header{}
	CopyHeaders(out, raw)
	for key := range managedRequestHeaders {
		out.Del(key)
	}
	return out
}

// copyResponseHeaders 写回上游响应头；长度由 fiber 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if isHopByHopHeader(key) || textproto.CanonicalMIMEHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
