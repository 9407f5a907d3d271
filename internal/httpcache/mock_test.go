package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-fetch/internal/diskcache"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/httpwire"
	"github.com/any-hub/any-fetch/internal/neterr"
)

const testURL = "http://www.google.com/"

// mockReply is what the mock network answers for one request.
type mockReply struct {
	status     string
	headers    string
	body       string
	certStatus httpbase.CertStatus
}

var (
	simpleGET = mockReply{
		status:  "HTTP/1.1 200 OK",
		headers: "Cache-Control: max-age=10000\n",
		body:    "<html><body>Google Blah Blah</body></html>",
	}
	typicalGET = mockReply{
		status: "HTTP/1.1 200 OK",
		headers: "Date: Wed, 28 Nov 2007 09:40:09 GMT\n" +
			"Last-Modified: Wed, 28 Nov 2007 00:40:09 GMT\n",
		body: "<html><body>Google Blah Blah</body></html>",
	}
	etagGET = mockReply{
		status:  "HTTP/1.1 200 OK",
		headers: "Cache-Control: max-age=10000\nEtag: foopy\n",
		body:    "<html><body>Google Blah Blah</body></html>",
	}
)

// mockNetwork 记录收到的每个请求，按 handler 返回脚本化响应。gate 非空时 Start 会阻塞到 gate 关闭。
type mockNetwork struct {
	mu       sync.Mutex
	handler  func(req *httpbase.RequestInfo) mockReply
	requests []*httpbase.RequestInfo
	gate     chan struct{}
}

func (n *mockNetwork) CreateTransaction() (httpbase.Transaction, error) {
	return &mockNetworkTransaction{network: n}, nil
}

func (n *mockNetwork) setHandler(fn func(req *httpbase.RequestInfo) mockReply) {
	n.mu.Lock()
	n.handler = fn
	n.mu.Unlock()
}

func (n *mockNetwork) reply(r mockReply) {
	n.setHandler(func(*httpbase.RequestInfo) mockReply { return r })
}

func (n *mockNetwork) transactionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func (n *mockNetwork) lastRequest() *httpbase.RequestInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.requests) == 0 {
		return nil
	}
	return n.requests[len(n.requests)-1]
}

func (n *mockNetwork) record(req *httpbase.RequestInfo) (func(*httpbase.RequestInfo) mockReply, chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	handler := n.handler
	if handler == nil {
		handler = func(*httpbase.RequestInfo) mockReply { return simpleGET }
	}
	return handler, n.gate
}

type mockNetworkTransaction struct {
	network *mockNetwork
	request *httpbase.RequestInfo
	info    *httpbase.ResponseInfo
	body    []byte
	offset  int
}

func (m *mockNetworkTransaction) Start(ctx context.Context, req *httpbase.RequestInfo) error {
	m.request = req
	handler, gate := m.network.record(req)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return neterr.Wrap(ctx.Err(), neterr.CodeAborted)
		}
	}
	return m.respond(handler(req))
}

func (m *mockNetworkTransaction) respond(r mockReply) error {
	now := time.Now()
	m.info = &httpbase.ResponseInfo{
		Headers:      httpwire.ParseResponseHeaders([]byte(r.status + "\n" + r.headers)),
		RequestTime:  now,
		ResponseTime: now,
		SSLInfo:      httpbase.SSLInfo{CertStatus: r.certStatus},
	}
	m.body = []byte(r.body)
	if m.request.Method == http.MethodHead {
		m.body = nil
	}
	m.offset = 0
	return nil
}

func (m *mockNetworkTransaction) RestartIgnoringLastError(context.Context) error { return nil }

func (m *mockNetworkTransaction) RestartWithAuth(_ context.Context, username, password string) error {
	req := *m.request
	req.ExtraHeaders = make(http.Header)
	for k, v := range m.request.ExtraHeaders {
		req.ExtraHeaders[k] = v
	}
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth(username, password)
	req.ExtraHeaders.Set("Authorization", r.Header.Get("Authorization"))
	m.request = &req
	handler, _ := m.network.record(&req)
	return m.respond(handler(&req))
}

func (m *mockNetworkTransaction) Read(_ context.Context, p []byte) (int, error) {
	if m.offset >= len(m.body) {
		return 0, io.EOF
	}
	n := copy(p, m.body[m.offset:])
	m.offset += n
	return n, nil
}

func (m *mockNetworkTransaction) ResponseInfo() *httpbase.ResponseInfo { return m.info }

func (m *mockNetworkTransaction) LoadState() httpbase.LoadState {
	return httpbase.LoadStateReadingResponse
}

func (m *mockNetworkTransaction) Close() error { return nil }

// countingBackend 统计成功的 open/create 次数；fail 为 true 时所有请求都失败。
// gates 中登记的 key 在 OpenEntry 时阻塞到对应通道关闭。
type countingBackend struct {
	diskcache.Backend

	mu      sync.Mutex
	opens   int
	creates int
	fail    bool
	gates   map[string]chan struct{}
	blocked int
	// bodyErr 非空时，之后打开的条目读取正文都返回它。
	bodyErr error
}

type brokenBodyEntry struct {
	diskcache.Entry
	err error
}

func (e brokenBodyEntry) ReadData(ctx context.Context, stream int, offset int64, p []byte) (int, error) {
	if stream == diskcache.StreamBody {
		return 0, e.err
	}
	return e.Entry.ReadData(ctx, stream, offset, p)
}

func (b *countingBackend) gate(key string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gates == nil {
		b.gates = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	b.gates[key] = ch
	return ch
}

func (b *countingBackend) blockedOpens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

var errDiskFailure = errors.New("disk failure")

func (b *countingBackend) OpenEntry(ctx context.Context, key string) (diskcache.Entry, error) {
	if b.fail {
		return nil, errDiskFailure
	}
	b.mu.Lock()
	gate := b.gates[key]
	if gate != nil {
		b.blocked++
	}
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	e, err := b.Backend.OpenEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.opens++
	bodyErr := b.bodyErr
	b.mu.Unlock()
	if bodyErr != nil {
		return brokenBodyEntry{Entry: e, err: bodyErr}, nil
	}
	return e, nil
}

func (b *countingBackend) CreateEntry(ctx context.Context, key string) (diskcache.Entry, error) {
	if b.fail {
		return nil, errDiskFailure
	}
	e, err := b.Backend.CreateEntry(ctx, key)
	if err == nil {
		b.mu.Lock()
		b.creates++
		b.mu.Unlock()
	}
	return e, err
}

func (b *countingBackend) counts() (opens, creates int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens, b.creates
}

type harness struct {
	cache   *HttpCache
	network *mockNetwork
	disk    *countingBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		network: &mockNetwork{},
		disk:    &countingBackend{Backend: diskcache.NewMemoryBackend()},
	}
	c, err := New(Options{Network: h.network, Backend: h.disk, Logger: logger})
	require.NoError(t, err)
	h.cache = c
	return h
}

// expectCounts checks network transactions, successful opens and creates.
func (h *harness) expectCounts(t *testing.T, network, opens, creates int) {
	t.Helper()
	gotOpens, gotCreates := h.disk.counts()
	require.Equal(t, network, h.network.transactionCount(), "network transactions")
	require.Equal(t, opens, gotOpens, "disk opens")
	require.Equal(t, creates, gotCreates, "disk creates")
}

// run performs a full Start/Read/Close cycle and returns the response and body.
func (h *harness) run(t *testing.T, req *httpbase.RequestInfo) (*httpbase.ResponseInfo, string) {
	t.Helper()
	txn, err := h.cache.CreateTransaction()
	require.NoError(t, err)
	defer txn.Close()

	require.NoError(t, txn.Start(context.Background(), req))
	info := txn.ResponseInfo()
	require.NotNil(t, info)
	return info, readBody(t, txn)
}

func (h *harness) start(t *testing.T, req *httpbase.RequestInfo) (httpbase.Transaction, error) {
	t.Helper()
	txn, err := h.cache.CreateTransaction()
	require.NoError(t, err)
	t.Cleanup(func() { _ = txn.Close() })
	return txn, txn.Start(context.Background(), req)
}

func readBody(t *testing.T, txn httpbase.Transaction) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 7)
	for {
		n, err := txn.Read(context.Background(), buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return string(out)
		}
		require.NoError(t, err)
	}
}

func getRequest(t *testing.T, rawURL string) *httpbase.RequestInfo {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &httpbase.RequestInfo{URL: u, Method: http.MethodGet}
}

func withHeader(req *httpbase.RequestInfo, name, value string) *httpbase.RequestInfo {
	dup := *req
	dup.ExtraHeaders = make(http.Header)
	for k, v := range req.ExtraHeaders {
		dup.ExtraHeaders[k] = v
	}
	dup.ExtraHeaders.Set(name, value)
	return &dup
}

func withFlags(req *httpbase.RequestInfo, flags httpbase.LoadFlags) *httpbase.RequestInfo {
	dup := *req
	dup.LoadFlags |= flags
	return &dup
}
