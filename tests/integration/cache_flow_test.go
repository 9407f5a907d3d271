package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
)

// validatingOrigin 按 Last-Modified 回答条件请求，body 可在测试中更新。
type validatingOrigin struct {
	*httptest.Server
	mu           sync.Mutex
	body         string
	lastModified time.Time
	hits         atomic.Int32
	conditional  atomic.Int32
}

func newValidatingOrigin(t *testing.T) *validatingOrigin {
	t.Helper()
	o := &validatingOrigin{body: "v1", lastModified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		o.mu.Lock()
		body, modified := o.body, o.lastModified
		o.mu.Unlock()

		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Header().Set("Cache-Control", "no-cache")
		if since := r.Header.Get("If-Modified-Since"); since != "" {
			o.conditional.Add(1)
			if ts, err := http.ParseTime(since); err == nil && !modified.After(ts) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		fmt.Fprint(w, body)
	}))
	return o
}

func (o *validatingOrigin) update(body string) {
	o.mu.Lock()
	o.body = body
	o.lastModified = o.lastModified.Add(time.Hour)
	o.mu.Unlock()
}

func TestCacheFlowWithConditionalRequest(t *testing.T) {
	origin := newValidatingOrigin(t)
	defer origin.Close()
	svc := newTestService(t, baseConfig())
	target := origin.URL + "/doc"

	// Miss -> origin fetch
	resp, body := svc.fetch(t, "GET", target, "")
	if resp.StatusCode != fiber.StatusOK || body != "v1" {
		t.Fatalf("unexpected first response %d %q", resp.StatusCode, body)
	}
	if hit := resp.Header.Get("X-Any-Fetch-Cache-Hit"); hit != "false" {
		t.Fatalf("expected cache miss header, got %s", hit)
	}

	// no-cache -> conditional request, 304 -> served from cache
	resp, body = svc.fetch(t, "GET", target, "")
	if resp.StatusCode != fiber.StatusOK || body != "v1" {
		t.Fatalf("unexpected revalidated response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Any-Fetch-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit after 304")
	}
	if origin.conditional.Load() != 1 {
		t.Fatalf("expected one conditional request, got %d", origin.conditional.Load())
	}

	// origin changes -> 200 replaces the entry
	origin.update("v2")
	resp, body = svc.fetch(t, "GET", target, "")
	if body != "v2" || resp.Header.Get("X-Any-Fetch-Cache-Hit") != "false" {
		t.Fatalf("expected refresh when origin changes, got %q", body)
	}

	// prefer-cache serves the stored copy without contacting the origin
	before := origin.hits.Load()
	resp, body = svc.fetch(t, "GET", target, "cache=prefer")
	if body != "v2" || resp.Header.Get("X-Any-Fetch-Cache-Hit") != "true" {
		t.Fatalf("prefer-cache should use the entry, got %q", body)
	}
	if origin.hits.Load() != before {
		t.Fatalf("prefer-cache must not reach the origin")
	}
}

func TestOnlyFromCacheMiss(t *testing.T) {
	svc := newTestService(t, baseConfig())
	resp, body := svc.fetch(t, "GET", "http://127.0.0.1:1/never", "cache=only")
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504 for only-from-cache miss, got %d (%s)", resp.StatusCode, body)
	}
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Cache-Control", "max-age=600")
		io.WriteString(w, "shared")
	}))
	defer origin.Close()
	svc := newTestService(t, baseConfig())
	target := origin.URL + "/shared"

	const workers = 4
	var wg sync.WaitGroup
	bodies := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest("GET", "http://any-fetch.local/fetch?url="+url.QueryEscape(target), nil)
			resp, err := svc.app.Test(req, fiber.TestConfig{Timeout: 15 * time.Second})
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			bodies[i] = string(data)
		}(i)
	}

	// 等待其余请求排在写者之后。
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries := svc.stack.Cache.Entries()
		if len(entries) == 1 && entries[0].HasWriter && entries[0].Pending == workers-1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("requests never queued behind the writer: %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, body := range bodies {
		if body != "shared" {
			t.Fatalf("worker %d got %q", i, body)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected single origin fetch, got %d", hits.Load())
	}
}

func TestCacheDiagnosticsRoutes(t *testing.T) {
	origin := newValidatingOrigin(t)
	defer origin.Close()
	svc := newTestService(t, baseConfig())
	target := origin.URL + "/doc"
	svc.fetch(t, "GET", target, "")

	req := httptest.NewRequest("GET", "http://any-fetch.local/-/cache/entries", nil)
	resp, err := svc.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	var payload struct {
		Mode  string `json:"mode"`
		Count int    `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	resp.Body.Close()
	if payload.Mode != "normal" || payload.Count != 0 {
		t.Fatalf("idle cache should report no active entries: %+v", payload)
	}

	// 作废后 prefer-cache 也必须回源。
	req = httptest.NewRequest("POST", "http://any-fetch.local/-/cache/doom", stringsReader(fmt.Sprintf(`{"url":%q}`, target)))
	req.Header.Set("Content-Type", "application/json")
	if resp, err = svc.app.Test(req); err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("doom failed: %v", err)
	}
	before := origin.hits.Load()
	svc.fetch(t, "GET", target, "cache=prefer")
	if origin.hits.Load() != before+1 {
		t.Fatalf("doomed entry should force an origin fetch")
	}

	resp, err = svc.app.Test(httptest.NewRequest("GET", "http://any-fetch.local/metrics", nil))
	if err != nil {
		t.Fatalf("metrics error: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !containsAll(string(metricsBody), "anyfetch_cache_lookups_total", "anyfetch_network_transactions_total") {
		t.Fatalf("metrics missing cache/network series")
	}
}
