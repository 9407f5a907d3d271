package httpwire

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(raw string) *ResponseHeaders {
	return ParseResponseHeaders([]byte(strings.ReplaceAll(raw, "\n", "\r\n")))
}

func TestParseResponseHeaders(t *testing.T) {
	h := parse("HTTP/1.1 404 Not Found\nContent-Type: text/html\nX-Long: a\n  b\nbogus line\nSet-Cookie: a=1\nSet-Cookie: b=2\n\n")

	assert.Equal(t, Version{1, 1}, h.Version())
	assert.Equal(t, 404, h.Code())
	assert.Equal(t, "Not Found", h.Reason())
	assert.Equal(t, "HTTP/1.1 404 Not Found", h.StatusLine())
	assert.Equal(t, "text/html", h.Get("content-type"))
	assert.Equal(t, "a b", h.Get("X-Long"))
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("set-cookie"))
	assert.False(t, h.Has("bogus line"))
}

func TestParseLenientStatusLine(t *testing.T) {
	h := parse("HTTP/1.0\n\n")
	assert.Equal(t, Version{1, 0}, h.Version())
	assert.Equal(t, 200, h.Code())

	h = parse("http/1.1 302\nLocation: /next\n\n")
	assert.Equal(t, 302, h.Code())
	location, ok := h.IsRedirect()
	assert.True(t, ok)
	assert.Equal(t, "/next", location)

	h = NewHTTP09Headers()
	assert.Equal(t, "HTTP/0.9 200 OK", h.StatusLine())
	assert.False(t, h.IsKeepAlive())
}

func TestHasHeaderValue(t *testing.T) {
	h := parse("HTTP/1.1 200 OK\nCache-Control: private, No-Store\nCache-Control: max-age=60\n\n")
	assert.True(t, h.HasHeaderValue("cache-control", "no-store"))
	assert.True(t, h.HasHeaderValue("Cache-Control", "private"))
	assert.False(t, h.HasHeaderValue("cache-control", "no-cache"))

	maxAge, ok := h.MaxAge()
	require.True(t, ok)
	assert.Equal(t, time.Minute, maxAge)
}

func TestContentLengthAndFraming(t *testing.T) {
	h := parse("HTTP/1.1 200 OK\nContent-Length: 42\n\n")
	assert.EqualValues(t, 42, h.ContentLength())
	assert.False(t, h.IsChunkEncoded())

	h = parse("HTTP/1.1 200 OK\nContent-Length: nope\nTransfer-Encoding: chunked\n\n")
	assert.EqualValues(t, -1, h.ContentLength())
	assert.True(t, h.IsChunkEncoded())

	h = parse("HTTP/1.0 200 OK\nTransfer-Encoding: chunked\n\n")
	assert.False(t, h.IsChunkEncoded())
}

func TestIsKeepAlive(t *testing.T) {
	cases := map[string]bool{
		"HTTP/1.1 200 OK\n\n":                          true,
		"HTTP/1.1 200 OK\nConnection: close\n\n":       false,
		"HTTP/1.1 200 OK\nProxy-Connection: close\n\n": false,
		"HTTP/1.0 200 OK\n\n":                          false,
		"HTTP/1.0 200 OK\nConnection: keep-alive\n\n":  true,
	}
	for raw, want := range cases {
		assert.Equal(t, want, parse(raw).IsKeepAlive(), raw)
	}
}

func TestUpdateMerges304Headers(t *testing.T) {
	stored := parse("HTTP/1.1 200 OK\nETag: \"v1\"\nCache-Control: max-age=10\nContent-Length: 5\nX-Old: 1\n\n")
	fresh := parse("HTTP/1.1 304 Not Modified\nETag: \"v2\"\nCache-Control: max-age=100\nCache-Control: public\nContent-Length: 0\nConnection: close\n\n")

	stored.Update(fresh)

	assert.Equal(t, 200, stored.Code())
	assert.Equal(t, `"v1"`, stored.Get("etag"))
	assert.Equal(t, []string{"max-age=100", "public"}, stored.Values("cache-control"))
	assert.EqualValues(t, 5, stored.ContentLength())
	assert.Equal(t, "1", stored.Get("x-old"))
	assert.False(t, stored.Has("connection"))
}

func TestPersistDropsTransientHeaders(t *testing.T) {
	h := parse("HTTP/1.1 200 OK\nConnection: X-Secret\nX-Secret: 1\nKeep-Alive: timeout=5\nSet-Cookie: a=1\nWWW-Authenticate: Basic realm=\"r\"\nContent-Type: text/plain\n\n")

	persisted := h.Persist(true)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n", persisted)

	full := ParseResponseHeaders([]byte(h.Persist(false)))
	assert.Equal(t, "1", full.Get("x-secret"))
	assert.Equal(t, h.RawHeaders(), full.RawHeaders())
}

func TestCopyHeaders(t *testing.T) {
	h := parse("HTTP/1.1 200 OK\nConnection: close, X-Hop\nX-Hop: 1\nTransfer-Encoding: chunked\nContent-Type: text/plain\n\n")
	dst := http.Header{}
	CopyHeaders(dst, h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, dst)
	assert.True(t, IsHopByHopHeader("proxy-connection"))
}

func TestLocateStartOfStatusLine(t *testing.T) {
	assert.Equal(t, 0, LocateStartOfStatusLine([]byte("HTTP/1.1 200 OK")))
	assert.Equal(t, 2, LocateStartOfStatusLine([]byte("\r\nHTTP/1.1 200 OK")))
	assert.Equal(t, -1, LocateStartOfStatusLine([]byte("garbage HTTP/1.1")))
	assert.Equal(t, -1, LocateStartOfStatusLine([]byte("HT")))
}

func TestLocateEndOfHeaders(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nA: b\r\n\r\nbody")
	assert.Equal(t, 25, LocateEndOfHeaders(buf, 0))
	assert.Equal(t, 10, LocateEndOfHeaders([]byte("HTTP/1.1\n\nbody"), 0))
	assert.Equal(t, -1, LocateEndOfHeaders([]byte("HTTP/1.1 200 OK\r\nA: b\r\n"), 0))
}
