package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/diskcache"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/neterr"
)

// txnMode 是事务对条目的访问方式，按位组合。
type txnMode int

const (
	modeNone      txnMode = 0
	modeRead      txnMode = 1 << 0
	modeWrite     txnMode = 1 << 1
	modeReadWrite         = modeRead | modeWrite
)

func (m txnMode) String() string {
	switch m {
	case modeRead:
		return "read"
	case modeWrite:
		return "write"
	case modeReadWrite:
		return "read_write"
	}
	return "none"
}

// passThroughHeaders 出现时请求语义超出缓存能力，直接交给网络。
var passThroughHeaders = []string{
	"Range",
	"If-Modified-Since",
	"If-None-Match",
	"If-Unmodified-Since",
	"If-Match",
	"If-Range",
}

// Transaction is a cache-aware httpbase.Transaction. It is driven by one
// goroutine; LoadState may be called from any goroutine.
type Transaction struct {
	cache  *HttpCache
	id     string
	logger logrus.FieldLogger

	// original is the caller's request, request is what goes to the network
	// and may carry validators added by the cache.
	original *httpbase.RequestInfo
	request  *httpbase.RequestInfo

	flags     httpbase.LoadFlags
	cacheMode Mode
	cacheKey  string

	// mode, entry and pendingIn change under cache.mu while the transaction
	// waits; wake hands them back to the transaction's goroutine.
	mode      txnMode
	entry     *activeEntry
	pendingIn *activeEntry
	wake      chan error
	waiting   atomic.Bool

	netMu   sync.Mutex
	network httpbase.Transaction

	response     *httpbase.ResponseInfo
	authResponse *httpbase.ResponseInfo

	readOffset  int64
	writeOffset int64
	closed      bool
}

func newTransaction(c *HttpCache) *Transaction {
	return &Transaction{
		cache: c,
		id:    uuid.NewString(),
		wake:  make(chan error, 1),
	}
}

// Start looks req up in the cache and, when needed, fetches it from the
// network. It may block waiting for another transaction that is writing the
// same entry.
func (t *Transaction) Start(ctx context.Context, req *httpbase.RequestInfo) error {
	if req == nil || req.URL == nil {
		return neterr.New(neterr.CodeInvalidArgument)
	}
	if req.Method == "" {
		dup := *req
		dup.Method = http.MethodGet
		req = &dup
	}
	c := t.cache
	t.original = req
	t.request = req
	t.logger = c.logger.WithFields(logging.TransactionFields(t.id, req.Method, req.URL.Redacted()))

	t.cacheMode = c.Mode()
	t.flags = effectiveLoadFlags(req, t.cacheMode)

	if t.shouldPassThrough() {
		if t.flags.Has(httpbase.LoadOnlyFromCache) {
			return errCacheMiss()
		}
		t.logger.Debug("request bypasses the cache")
		return t.beginNetworkRequest(ctx)
	}

	t.cacheKey = c.GenerateCacheKey(req)
	switch {
	case t.flags.Has(httpbase.LoadOnlyFromCache):
		t.mode = modeRead
	case t.flags.Has(httpbase.LoadBypassCache):
		t.mode = modeWrite
	default:
		t.mode = modeReadWrite
	}

	for {
		waiting, err := c.addToEntry(ctx, t)
		if err != nil {
			return err
		}
		if !waiting {
			break
		}
		err = t.waitForEntry(ctx)
		if errors.Is(err, errRetryAdmission) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	t.logger = t.logger.WithFields(logging.CacheFields(t.cacheKey, t.cacheMode.String(), t.mode.String()))
	return t.entryAvailable(ctx)
}

// effectiveLoadFlags folds the cache mode and the request headers into the
// caller's load flags.
func effectiveLoadFlags(req *httpbase.RequestInfo, mode Mode) httpbase.LoadFlags {
	flags := req.LoadFlags
	switch mode {
	case ModePlayback:
		return flags | httpbase.LoadOnlyFromCache
	case ModeRecord:
		return flags | httpbase.LoadBypassCache
	}
	if req.ExtraHeaders == nil {
		return flags
	}
	for _, name := range passThroughHeaders {
		if req.ExtraHeaders.Get(name) != "" {
			flags |= httpbase.LoadDisableCache
			break
		}
	}
	if headerHasToken(req.ExtraHeaders, "Pragma", "no-cache") ||
		headerHasToken(req.ExtraHeaders, "Cache-Control", "no-cache") ||
		headerHasToken(req.ExtraHeaders, "Cache-Control", "max-age=0") {
		flags |= httpbase.LoadValidateCache
	}
	return flags
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (t *Transaction) shouldPassThrough() bool {
	if t.cache.backend == nil {
		return true
	}
	if t.cacheMode != ModeNormal {
		return false
	}
	return t.flags.Has(httpbase.LoadDisableCache) || t.original.Method != http.MethodGet
}

func (t *Transaction) waitForEntry(ctx context.Context) error {
	c := t.cache
	t.waiting.Store(true)
	defer t.waiting.Store(false)
	t.logger.Debug("waiting for cache entry")

	select {
	case err := <-t.wake:
		return err
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removePendingTransactionLocked(t) {
		// 已被放行但还没来得及处理唤醒，撤销这次准入。
		if err := <-t.wake; err == nil && t.entry != nil {
			c.doneWithEntryLocked(t.entry, t)
			t.entry = nil
		}
	}
	t.mode = modeNone
	return neterr.Wrap(ctx.Err(), neterr.CodeAborted)
}

func (t *Transaction) entryAvailable(ctx context.Context) error {
	if t.entry == nil {
		// 创建条目失败，退化为直连网络。
		return t.beginNetworkRequest(ctx)
	}
	switch t.mode {
	case modeRead:
		return t.beginCacheRead(ctx)
	case modeWrite:
		return t.beginNetworkRequest(ctx)
	case modeReadWrite:
		return t.beginCacheValidation(ctx)
	}
	return neterr.New(neterr.CodeUnexpected)
}

func (t *Transaction) beginCacheRead(ctx context.Context) error {
	if err := t.readResponseInfo(ctx); err != nil {
		t.logger.WithError(err).Warn("read cached response info failed")
		return neterr.Wrap(err, neterr.CodeCacheReadFailure)
	}
	t.response.WasCached = true
	t.logger.Debug("serving from cache")
	return nil
}

func (t *Transaction) beginCacheValidation(ctx context.Context) error {
	if err := t.readResponseInfo(ctx); err != nil {
		t.logger.WithError(err).Warn("cached response info unreadable, refetching")
		t.mode = modeWrite
		return t.beginNetworkRequest(ctx)
	}

	if t.flags.Has(httpbase.LoadPreferringCache) || !t.requiresValidation(t.response) {
		t.mode = modeRead
		t.response.WasCached = true
		c := t.cache
		c.mu.Lock()
		c.convertWriterToReaderLocked(t.entry)
		c.mu.Unlock()
		t.logger.Debug("cached response is fresh")
		return nil
	}

	if !t.conditionalizeRequest() {
		t.mode = modeWrite
	}
	return t.beginNetworkRequest(ctx)
}

// requiresValidation reports whether info may not be served to this
// transaction without asking the server first.
func (t *Transaction) requiresValidation(info *httpbase.ResponseInfo) bool {
	if t.cacheMode == ModePlayback {
		return false
	}
	if t.flags.Has(httpbase.LoadValidateCache) {
		return true
	}
	if info.Headers.RequiresValidation(info.RequestTime, info.ResponseTime, t.cache.now()) {
		return true
	}
	return !httpbase.VaryMatches(t.original, info.Headers, info.VaryData)
}

// conditionalizeRequest 依据缓存响应的校验器构造条件请求。没有可用校验器时返回 false，此时只能整体重取。
func (t *Transaction) conditionalizeRequest() bool {
	if t.request.Method != http.MethodGet {
		return false
	}
	etag := t.response.Headers.Get("etag")
	lastModified := t.response.Headers.Get("last-modified")
	if etag == "" && lastModified == "" {
		return false
	}

	req := *t.request
	if req.ExtraHeaders != nil {
		req.ExtraHeaders = req.ExtraHeaders.Clone()
	} else {
		req.ExtraHeaders = make(http.Header)
	}
	if etag != "" {
		req.ExtraHeaders.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.ExtraHeaders.Set("If-Modified-Since", lastModified)
	}
	t.request = &req
	return true
}

func (t *Transaction) readResponseInfo(ctx context.Context) error {
	info, err := ReadResponseInfo(ctx, t.entry.disk)
	if err != nil {
		return err
	}
	t.response = info
	c := t.cache
	c.mu.Lock()
	t.entry.info = info.Clone()
	c.mu.Unlock()
	return nil
}

func (t *Transaction) beginNetworkRequest(ctx context.Context) error {
	nt, err := t.cache.network.CreateTransaction()
	if err != nil {
		return err
	}
	t.setNetwork(nt)
	return t.onNetworkInfoAvailable(ctx, nt.Start(ctx, t.request))
}

func (t *Transaction) setNetwork(nt httpbase.Transaction) {
	t.netMu.Lock()
	t.network = nt
	t.netMu.Unlock()
}

func (t *Transaction) currentNetwork() httpbase.Transaction {
	t.netMu.Lock()
	defer t.netMu.Unlock()
	return t.network
}

func (t *Transaction) closeNetwork() {
	t.netMu.Lock()
	nt := t.network
	t.network = nil
	t.netMu.Unlock()
	if nt != nil {
		_ = nt.Close()
	}
}

// onNetworkInfoAvailable 在网络事务产生结果后决定条目的去向：304 刷新旧条目，其他响应覆盖条目，
// 认证质询暂不写入。
func (t *Transaction) onNetworkInfoAvailable(ctx context.Context, result error) error {
	nt := t.currentNetwork()
	if result != nil {
		if neterr.IsCertificateError(neterr.Code(result)) {
			if info := nt.ResponseInfo(); info != nil {
				t.response = &httpbase.ResponseInfo{SSLInfo: info.SSLInfo}
			}
		}
		if t.entry != nil && t.mode&modeWrite != 0 {
			// 校验失败时保留旧条目。
			t.doneWritingToEntry(t.mode == modeReadWrite)
		}
		return result
	}

	fresh := nt.ResponseInfo()
	if fresh == nil || fresh.Headers == nil {
		return neterr.New(neterr.CodeUnexpected)
	}
	code := fresh.Headers.Code()
	if code == http.StatusUnauthorized || code == http.StatusProxyAuthRequired {
		t.authResponse = fresh.Clone()
		return nil
	}
	t.authResponse = nil

	if t.mode == modeReadWrite && code == http.StatusNotModified {
		return t.applyNotModified(ctx, fresh)
	}
	if t.mode == modeReadWrite {
		t.mode = modeWrite
	}

	if t.mode&modeRead == 0 {
		t.response = fresh.Clone()
		if t.mode == modeWrite && t.entry != nil {
			if err := t.commitNetworkResponse(ctx); err != nil {
				return err
			}
		}
	}

	if isUnsafeMethod(t.original.Method) && code < 400 && t.cacheMode == ModeNormal {
		t.cache.InvalidateURL(ctx, t.original.URL)
	}
	return nil
}

func (t *Transaction) applyNotModified(ctx context.Context, fresh *httpbase.ResponseInfo) error {
	t.response.Headers.Update(fresh.Headers)
	t.response.RequestTime = fresh.RequestTime
	t.response.ResponseTime = fresh.ResponseTime
	t.response.WasCached = true

	c := t.cache
	if t.cacheMode == ModeNormal && t.response.Headers.HasHeaderValue("cache-control", "no-store") {
		c.DoomEntry(ctx, t.cacheKey)
	} else if err := t.writeResponseInfo(ctx); err != nil {
		t.logger.WithError(err).Warn("update cached response info failed")
	}

	c.mu.Lock()
	if t.entry != nil {
		c.convertWriterToReaderLocked(t.entry)
	}
	c.mu.Unlock()
	t.mode = modeRead
	t.closeNetwork()
	t.logger.Debug("cached response revalidated")
	return nil
}

// commitNetworkResponse 写入新响应的元数据并清空旧正文。重定向没有需要缓存的正文，立即结束写入。
func (t *Transaction) commitNetworkResponse(ctx context.Context) error {
	t.response.VaryData = httpbase.ComputeVaryData(t.original, t.response.Headers)
	if !t.writeResponseInfoToEntry(ctx) {
		return nil
	}
	if _, err := t.entry.disk.WriteData(ctx, diskcache.StreamBody, 0, nil, true); err != nil {
		t.logger.WithError(err).Warn("truncate cached body failed")
		t.doneWritingToEntry(false)
		return nil
	}
	t.writeOffset = 0
	if _, ok := t.response.Headers.IsRedirect(); ok {
		t.doneWritingToEntry(true)
	}
	return nil
}

// writeResponseInfoToEntry reports whether the transaction still writes the
// entry afterwards.
func (t *Transaction) writeResponseInfoToEntry(ctx context.Context) bool {
	if t.response.SSLInfo.CertStatus.IsError() {
		t.doneWritingToEntry(false)
		return false
	}
	if t.cacheMode == ModeNormal && t.response.Headers.HasHeaderValue("cache-control", "no-store") {
		// 已在等待的事务仍会读到这份响应，之后的请求不会再命中。
		t.cache.DoomEntry(ctx, t.cacheKey)
	}
	if err := t.writeResponseInfo(ctx); err != nil {
		t.logger.WithError(err).Warn("write cached response info failed")
		t.doneWritingToEntry(false)
		return false
	}
	return true
}

func (t *Transaction) writeResponseInfo(ctx context.Context) error {
	if t.entry == nil {
		return nil
	}
	skipTransient := t.cacheMode != ModeRecord
	if err := WriteResponseInfo(ctx, t.entry.disk, t.response, skipTransient); err != nil {
		return err
	}
	c := t.cache
	c.mu.Lock()
	t.entry.info = t.response.Clone()
	c.mu.Unlock()
	return nil
}

func (t *Transaction) doneWritingToEntry(success bool) {
	c := t.cache
	c.mu.Lock()
	if t.entry != nil {
		c.doneWritingToEntryLocked(t.entry, success)
		t.entry = nil
	}
	c.mu.Unlock()
	t.mode = modeNone
}

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// RestartIgnoringLastError retries after a certificate error, accepting the
// certificate.
func (t *Transaction) RestartIgnoringLastError(ctx context.Context) error {
	nt := t.currentNetwork()
	if nt == nil {
		return neterr.New(neterr.CodeUnexpected)
	}
	return t.onNetworkInfoAvailable(ctx, nt.RestartIgnoringLastError(ctx))
}

// RestartWithAuth answers the pending auth challenge.
func (t *Transaction) RestartWithAuth(ctx context.Context, username, password string) error {
	nt := t.currentNetwork()
	if nt == nil {
		return neterr.New(neterr.CodeUnexpected)
	}
	t.authResponse = nil
	return t.onNetworkInfoAvailable(ctx, nt.RestartWithAuth(ctx, username, password))
}

// Read returns body bytes from the cache or the network. Network bytes are
// appended to the entry while writing.
func (t *Transaction) Read(ctx context.Context, p []byte) (int, error) {
	if t.authResponse != nil && t.mode != modeNone {
		// 调用方放弃认证，直接读取质询正文，条目不再写入。
		t.doneWritingToEntry(t.mode == modeReadWrite)
	}

	switch t.mode {
	case modeRead:
		return t.readFromEntry(ctx, p)
	case modeNone, modeWrite:
		nt := t.currentNetwork()
		if nt == nil {
			return 0, neterr.New(neterr.CodeUnexpected)
		}
		n, err := nt.Read(ctx, p)
		if t.mode == modeWrite {
			t.appendResponseData(ctx, p[:n], err)
		}
		return n, err
	}
	return 0, neterr.New(neterr.CodeUnexpected)
}

func (t *Transaction) readFromEntry(ctx context.Context, p []byte) (int, error) {
	if t.entry == nil {
		return 0, neterr.New(neterr.CodeUnexpected)
	}
	n, err := t.entry.disk.ReadData(ctx, diskcache.StreamBody, t.readOffset, p)
	if err != nil {
		return 0, neterr.Wrap(err, neterr.CodeCacheReadFailure)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	t.readOffset += int64(n)
	return n, nil
}

func (t *Transaction) appendResponseData(ctx context.Context, data []byte, readErr error) {
	if t.entry == nil {
		return
	}
	if len(data) > 0 {
		n, err := t.entry.disk.WriteData(ctx, diskcache.StreamBody, t.writeOffset, data, false)
		if err == nil && n != len(data) {
			err = io.ErrShortWrite
		}
		if err != nil {
			t.logger.WithError(err).Warn("append cached body failed")
			t.doneWritingToEntry(false)
			return
		}
		t.writeOffset += int64(n)
	}
	switch {
	case errors.Is(readErr, io.EOF):
		t.doneWritingToEntry(true)
		t.logger.WithField("bytes", t.writeOffset).Debug("cache entry written")
	case readErr != nil:
		t.doneWritingToEntry(false)
	}
}

// ResponseInfo returns the pending auth challenge response if any, otherwise
// the response being served.
func (t *Transaction) ResponseInfo() *httpbase.ResponseInfo {
	if t.authResponse != nil {
		return t.authResponse
	}
	if t.response != nil && (t.response.Headers != nil || t.response.SSLInfo.IsValid()) {
		return t.response
	}
	return nil
}

// LoadState implements httpbase.Transaction.
func (t *Transaction) LoadState() httpbase.LoadState {
	if t.waiting.Load() {
		return httpbase.LoadStateWaitingForCache
	}
	if nt := t.currentNetwork(); nt != nil {
		return nt.LoadState()
	}
	return httpbase.LoadStateIdle
}

// Close releases the network transaction and the transaction's hold on its
// entry. An unfinished write dooms the entry.
func (t *Transaction) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeNetwork()

	c := t.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.entry != nil {
		c.doneWithEntryLocked(t.entry, t)
		t.entry = nil
	} else {
		c.removePendingTransactionLocked(t)
	}
	return nil
}

// errRetryAdmission 唤醒等待者重新走准入：它等待的写者失败了。
var errRetryAdmission = errors.New("httpcache: retry admission")

func errCacheMiss() error {
	return neterr.New(neterr.CodeCacheMiss)
}
