package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/fetcher"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/httpwire"
	"github.com/any-hub/any-fetch/internal/neterr"
)

func TestRouterFetchesTarget(t *testing.T) {
	rec := &fetchRecorder{reply: fetchReply("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nConnection: keep-alive\r\nX-Upstream: yes\r\n\r\n", "hello", true)}
	app := newTestApp(t, rec)

	req := httptest.NewRequest("GET", "http://fetch.local/fetch?url=http%3A%2F%2Fexample.com%2Fa&cache=prefer", nil)
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Connection", "keep-alive")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "hello" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, string(body))
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("upstream headers should be copied")
	}
	if resp.Header.Get("X-Any-Fetch-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit header, got %q", resp.Header.Get("X-Any-Fetch-Cache-Hit"))
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" || reqID != rec.last.RequestID {
		t.Fatalf("request id should be generated and forwarded: %q vs %q", reqID, rec.last.RequestID)
	}

	got := rec.last
	if got.URL != "http://example.com/a" || got.Method != http.MethodGet {
		t.Fatalf("unexpected fetch request: %+v", got)
	}
	if got.LoadFlags != httpbase.LoadPreferringCache {
		t.Fatalf("cache=prefer should map to prefer-cache flag, got %v", got.LoadFlags)
	}
	if got.Header.Get("Accept") != "text/plain" {
		t.Fatalf("client headers should be forwarded")
	}
	if got.Header.Get("Connection") != "" || got.Header.Get("Host") != "" {
		t.Fatalf("hop-by-hop and host headers must not be forwarded: %v", got.Header)
	}
	if !rec.closed {
		t.Fatalf("response body should be closed")
	}
}

func TestRouterKeepsClientRequestID(t *testing.T) {
	rec := &fetchRecorder{reply: fetchReply("HTTP/1.1 204 No Content\r\n\r\n", "", false)}
	app := newTestApp(t, rec)

	req := httptest.NewRequest("GET", "http://fetch.local/fetch?url=http://example.com/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get("X-Request-ID") != "abc-123" || rec.last.RequestID != "abc-123" {
		t.Fatalf("client request id should be reused")
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestRouterForwardsPostBody(t *testing.T) {
	rec := &fetchRecorder{reply: fetchReply("HTTP/1.1 201 Created\r\n\r\n", "made", false)}
	app := newTestApp(t, rec)

	req := httptest.NewRequest("POST", "http://fetch.local/fetch?url=http://example.com/items", strings.NewReader("payload"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if rec.last.Method != http.MethodPost || string(rec.last.Body) != "payload" {
		t.Fatalf("post body not forwarded: %+v", rec.last)
	}
}

func TestRouterRejectsBadQuery(t *testing.T) {
	cases := map[string]string{
		"/fetch": `"url_required"`,
		"/fetch?url=http://example.com/&cache=bad": `"invalid_cache_mode"`,
	}
	for path, want := range cases {
		app := newTestApp(t, &fetchRecorder{})
		resp, err := app.Test(httptest.NewRequest("GET", "http://fetch.local"+path, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("%s: expected %s, got %s", path, want, string(body))
		}
	}
}

func TestRouterMapsFetchErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{neterr.New(neterr.CodeCacheMiss), fiber.StatusGatewayTimeout, "CACHE_MISS"},
		{neterr.New(neterr.CodeInvalidArgument), fiber.StatusBadRequest, "INVALID_ARGUMENT"},
		{neterr.New(neterr.CodeCertAuthorityInvalid), fiber.StatusBadGateway, "CERT_AUTHORITY_INVALID"},
		{neterr.New(neterr.CodeConnectionRefused), fiber.StatusBadGateway, "CONNECTION_REFUSED"},
		{neterr.New(neterr.CodeTimedOut), fiber.StatusGatewayTimeout, "TIMED_OUT"},
	}
	for _, tc := range cases {
		app := newTestApp(t, &fetchRecorder{err: tc.err})
		resp, err := app.Test(httptest.NewRequest("GET", "http://fetch.local/fetch?url=http://example.com/", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.status, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte(tc.code)) {
			t.Fatalf("expected error code %s in %s", tc.code, string(body))
		}
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Fetcher: &fetchRecorder{}, ListenPort: 1}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 1}); err == nil {
		t.Fatalf("missing fetcher should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Fetcher: &fetchRecorder{}}); err == nil {
		t.Fatalf("invalid port should fail")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	dst := http.Header{}
	CopyHeaders(dst, http.Header{
		"Keep-Alive":   {"timeout=5"},
		"Content-Type": {"text/html"},
		"Set-Cookie":   {"a=1", "b=2"},
	})
	if dst.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop header copied")
	}
	if len(dst.Values("Set-Cookie")) != 2 || dst.Get("Content-Type") != "text/html" {
		t.Fatalf("end-to-end headers lost: %v", dst)
	}
}

func newTestApp(t *testing.T, rec *fetchRecorder) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Fetcher:    rec,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

type scriptedReply struct {
	raw      string
	body     string
	wasCache bool
}

func fetchReply(raw, body string, wasCached bool) *scriptedReply {
	return &scriptedReply{raw: raw, body: body, wasCache: wasCached}
}

// fetchRecorder 记录最近一次抓取请求并返回脚本化响应。
type fetchRecorder struct {
	reply  *scriptedReply
	err    error
	last   fetcher.Request
	closed bool
}

func (f *fetchRecorder) Fetch(_ context.Context, req fetcher.Request) (*fetcher.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &fetcher.Response{
		Info: &httpbase.ResponseInfo{
			Headers:   httpwire.ParseResponseHeaders([]byte(f.reply.raw)),
			WasCached: f.reply.wasCache,
		},
		Body: &recordingBody{Reader: strings.NewReader(f.reply.body), onClose: func() { f.closed = true }},
	}, nil
}

type recordingBody struct {
	io.Reader
	onClose func()
}

func (b *recordingBody) Close() error {
	b.onClose()
	return nil
}
