// Package httpcache coordinates concurrent transactions over a shared entry
// store. For every cache key at most one transaction writes while others read
// the committed response or wait in a FIFO queue; network work is delegated to
// an httpbase.Factory.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/auth"
	"github.com/any-hub/any-fetch/internal/diskcache"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/neterr"
)

// Mode is the cache's mode of operation.
type Mode int

const (
	// ModeNormal behaves like a standard web cache.
	ModeNormal Mode = iota
	// ModeRecord caches everything for later offline playback.
	ModeRecord
	// ModePlayback replays from the cache without considering invalidation.
	ModePlayback
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModePlayback:
		return "playback"
	}
	return "normal"
}

// ParseMode accepts normal, record and playback.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return ModeNormal, nil
	case "record":
		return ModeRecord, nil
	case "playback":
		return ModePlayback, nil
	}
	return ModeNormal, fmt.Errorf("unknown cache mode %q", s)
}

// Options configure a HttpCache.
type Options struct {
	// Network creates the transactions used for fetches. Required.
	Network httpbase.Factory
	// Backend stores entries. Nil disables caching; every request goes to
	// the network.
	Backend diskcache.Backend
	Mode    Mode
	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// HttpCache is a httpbase.Factory whose transactions consult the cache
// before the network.
type HttpCache struct {
	network httpbase.Factory
	backend diskcache.Backend
	logger  logrus.FieldLogger
	metrics *metrics.Collector
	now     func() time.Time

	mu            sync.Mutex
	mode          Mode
	activeEntries map[string]*activeEntry
	doomedEntries map[*activeEntry]struct{}
	generations   map[string]int
	// busy 记录正在锁外访问后端的 key；同一 key 的后来者等通道关闭后重新判断。
	busy map[string]chan struct{}
}

// activeEntry 是某个缓存键在内存中的协调记录：至多一个写者，若干读者，以及按到达顺序等待的事务。
// 所有字段由 HttpCache.mu 保护。
type activeEntry struct {
	key     string
	disk    diskcache.Entry
	writer  *Transaction
	readers []*Transaction
	pending []*Transaction
	// info 是已提交的响应元数据，供后来者判断能否直接作为读者加入。
	info *httpbase.ResponseInfo

	processingPending bool
	doomed            bool
}

// New builds a cache over opts.Network.
func New(opts Options) (*HttpCache, error) {
	if opts.Network == nil {
		return nil, errors.New("httpcache: network factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HttpCache{
		network:       opts.Network,
		backend:       opts.Backend,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
		mode:          opts.Mode,
		activeEntries: make(map[string]*activeEntry),
		doomedEntries: make(map[*activeEntry]struct{}),
		busy:          make(map[string]chan struct{}),
	}, nil
}

// CreateTransaction implements httpbase.Factory.
func (c *HttpCache) CreateTransaction() (httpbase.Transaction, error) {
	return newTransaction(c), nil
}

// Mode returns the current mode.
func (c *HttpCache) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the mode for transactions started afterwards. Changing
// the mode restarts the per-URL generation counters, so a playback session
// replays a recording from its first request.
func (c *HttpCache) SetMode(m Mode) {
	c.mu.Lock()
	if c.mode != m {
		c.generations = nil
	}
	c.mode = m
	c.mu.Unlock()
}

// Backend returns the entry store, nil when caching is disabled.
func (c *HttpCache) Backend() diskcache.Backend { return c.backend }

// Suspend forwards to the network factory when it supports suspension.
func (c *HttpCache) Suspend(suspend bool) {
	if s, ok := c.network.(interface{ Suspend(bool) }); ok {
		s.Suspend(suspend)
	}
}

// AuthCache returns the network factory's credentials cache, if any.
func (c *HttpCache) AuthCache() *auth.Cache {
	if a, ok := c.network.(interface{ AuthCache() *auth.Cache }); ok {
		return a.AuthCache()
	}
	return nil
}

// urlKey strips the fragment; it is the key of a GET in normal mode.
func urlKey(u *url.URL) string {
	dup := *u
	dup.Fragment = ""
	dup.RawFragment = ""
	return dup.String()
}

// GenerateCacheKey returns the key for req. In record and playback mode every
// call for the same method and URL yields the next generation, so repeated
// fetches of one URL replay in order.
func (c *HttpCache) GenerateCacheKey(req *httpbase.RequestInfo) string {
	key := urlKey(req.URL)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeNormal {
		return key
	}
	if c.generations == nil {
		c.generations = make(map[string]int)
	}
	generation := c.generations[key]
	c.generations[key] = generation + 1
	return strconv.Itoa(generation) + req.Method + key
}

// DoomEntry makes key unreachable. Transactions already attached to the
// entry keep using their handles.
func (c *HttpCache) DoomEntry(ctx context.Context, key string) {
	// 写者在自身 ctx 结束后仍需作废条目。
	ctx = context.WithoutCancel(ctx)
	if err := c.lockKey(ctx, key, nil); err != nil {
		return
	}
	if e := c.activeEntries[key]; e != nil {
		c.doomActiveEntryLocked(e)
		c.mu.Unlock()
		return
	}
	if c.backend == nil {
		c.mu.Unlock()
		return
	}
	release := c.markBusyLocked(key)
	c.mu.Unlock()

	c.doomStoredEntry(ctx, key)

	c.mu.Lock()
	release()
	c.mu.Unlock()
}

// InvalidateURL dooms the cached GET response for u.
func (c *HttpCache) InvalidateURL(ctx context.Context, u *url.URL) {
	c.DoomEntry(ctx, urlKey(u))
}

// EntryStats describes one active or doomed entry.
type EntryStats struct {
	Key       string `json:"key"`
	Doomed    bool   `json:"doomed"`
	HasWriter bool   `json:"has_writer"`
	Readers   int    `json:"readers"`
	Pending   int    `json:"pending"`
}

// Entries lists the entries currently held by transactions, active ones
// first, each group sorted by key.
func (c *HttpCache) Entries() []EntryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryStats, 0, len(c.activeEntries)+len(c.doomedEntries))
	for _, e := range c.activeEntries {
		out = append(out, e.stats())
	}
	for e := range c.doomedEntries {
		out = append(out, e.stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Doomed != out[j].Doomed {
			return !out[i].Doomed
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (e *activeEntry) stats() EntryStats {
	return EntryStats{
		Key:       e.key,
		Doomed:    e.doomed,
		HasWriter: e.writer != nil,
		Readers:   len(e.readers),
		Pending:   len(e.pending),
	}
}

// doomActiveEntryLocked 从查找表中摘除 e，新的请求会创建新条目；仍持有 e 的事务继续使用原句柄。
func (c *HttpCache) doomActiveEntryLocked(e *activeEntry) {
	delete(c.activeEntries, e.key)
	e.disk.Doom()
	e.doomed = true
	c.doomedEntries[e] = struct{}{}
	c.metrics.CacheDoom()
	c.updateActiveGauge()
}

// doomStoredEntry 作废存储中未被激活的条目。调用方须已把 key 标记为 busy。
func (c *HttpCache) doomStoredEntry(ctx context.Context, key string) {
	if err := c.backend.DoomEntry(ctx, key); err != nil && !errors.Is(err, diskcache.ErrNotFound) {
		c.logger.WithFields(logrus.Fields{"cache_key": key, "error": err}).Warn("doom cache entry failed")
	}
	c.metrics.CacheDoom()
}

// lockKey 获取 c.mu，并等到 key 上没有进行中的后端操作。返回 nil 时调用方持有锁。
// t 非空时，等待期间它的 LoadState 报告 WaitingForCache。
func (c *HttpCache) lockKey(ctx context.Context, key string, t *Transaction) error {
	c.mu.Lock()
	for {
		busy, ok := c.busy[key]
		if !ok {
			return nil
		}
		c.mu.Unlock()
		if t != nil {
			t.waiting.Store(true)
		}
		select {
		case <-busy:
		case <-ctx.Done():
			if t != nil {
				t.waiting.Store(false)
			}
			return ctx.Err()
		}
		if t != nil {
			t.waiting.Store(false)
		}
		c.mu.Lock()
	}
}

// markBusyLocked 标记 key 正在访问后端。返回的 release 必须在持锁时调用。
func (c *HttpCache) markBusyLocked(key string) (release func()) {
	done := make(chan struct{})
	c.busy[key] = done
	return func() {
		delete(c.busy, key)
		close(done)
	}
}

func (c *HttpCache) finalizeDoomedEntryLocked(e *activeEntry) {
	delete(c.doomedEntries, e)
	c.closeDisk(e)
}

func (c *HttpCache) activateEntryLocked(key string, disk diskcache.Entry) *activeEntry {
	e := &activeEntry{key: key, disk: disk}
	c.activeEntries[key] = e
	c.updateActiveGauge()
	return e
}

func (c *HttpCache) deactivateEntryLocked(e *activeEntry) {
	if c.activeEntries[e.key] == e {
		delete(c.activeEntries, e.key)
	}
	c.closeDisk(e)
	c.updateActiveGauge()
}

func (c *HttpCache) destroyEntryLocked(e *activeEntry) {
	if e.doomed {
		c.finalizeDoomedEntryLocked(e)
	} else {
		c.deactivateEntryLocked(e)
	}
}

func (c *HttpCache) closeDisk(e *activeEntry) {
	if err := e.disk.Close(); err != nil {
		c.logger.WithFields(logrus.Fields{"cache_key": e.key, "error": err}).Warn("close cache entry failed")
	}
}

func (c *HttpCache) updateActiveGauge() {
	c.metrics.SetActiveEntries(len(c.activeEntries))
}

// addToEntry runs admission for t. It reports whether t was queued and must
// wait for its wake signal. Otherwise t is attached to an entry, set to pass
// through to the network (entry nil, mode none), or err is a terminal
// failure. Backend lookups run without c.mu; the key is marked busy
// meanwhile so a key is never opened or created twice at once.
func (c *HttpCache) addToEntry(ctx context.Context, t *Transaction) (waiting bool, err error) {
	key := t.cacheKey
	if err := c.lockKey(ctx, key, t); err != nil {
		return false, neterr.Wrap(err, neterr.CodeAborted)
	}
	doomStored := false
	if e := c.activeEntries[key]; e != nil {
		if t.mode != modeWrite {
			waiting = !c.addTransactionToEntryLocked(e, t)
			c.mu.Unlock()
			return waiting, nil
		}
		c.doomActiveEntryLocked(e)
	} else {
		doomStored = t.mode == modeWrite
	}
	release := c.markBusyLocked(key)
	c.mu.Unlock()

	disk, err := c.openOrCreate(ctx, t, doomStored)

	c.mu.Lock()
	defer c.mu.Unlock()
	release()
	if err != nil {
		return false, err
	}
	if disk == nil {
		t.mode = modeNone
		return false, nil
	}
	e := c.activateEntryLocked(key, disk)
	return !c.addTransactionToEntryLocked(e, t), nil
}

// openOrCreate 打开已有条目，未命中时按 t 的模式创建新条目。存储故障返回 nil 条目，
// 调用方据此回退到网络；只读事务未命中返回 CACHE_MISS。
func (c *HttpCache) openOrCreate(ctx context.Context, t *Transaction, doomStored bool) (diskcache.Entry, error) {
	key := t.cacheKey
	if doomStored {
		c.doomStoredEntry(ctx, key)
	}
	if t.mode != modeWrite {
		disk, err := c.backend.OpenEntry(ctx, key)
		if err == nil {
			c.metrics.CacheLookup("hit")
			return disk, nil
		}
		if !errors.Is(err, diskcache.ErrNotFound) {
			c.logger.WithFields(logrus.Fields{"cache_key": key, "error": err}).Warn("open cache entry failed")
		}
		c.metrics.CacheLookup("miss")
		if t.mode&modeWrite == 0 {
			return nil, errCacheMiss()
		}
		t.mode = modeWrite
	}
	disk, err := c.backend.CreateEntry(ctx, key)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"cache_key": key, "error": err}).Warn("create cache entry failed, bypassing cache")
		return nil, nil
	}
	return disk, nil
}

// addTransactionToEntryLocked attaches t to e, or queues it. It reports
// whether t was attached.
func (c *HttpCache) addTransactionToEntryLocked(e *activeEntry, t *Transaction) bool {
	mustWait := e.writer != nil || len(e.pending) > 0 ||
		(t.mode&modeWrite != 0 && len(e.readers) > 0 && !c.joinsAsReaderLocked(e, t))
	if mustWait {
		e.pending = append(e.pending, t)
		t.pendingIn = e
		c.metrics.PendingWait()
		return false
	}
	c.attachLocked(e, t)
	return true
}

// joinsAsReaderLocked 判断读写事务能否直接加入现有读者：条目已提交的响应新鲜且无需校验。
func (c *HttpCache) joinsAsReaderLocked(e *activeEntry, t *Transaction) bool {
	if t.mode != modeReadWrite || e.info == nil {
		return false
	}
	return !t.requiresValidation(e.info)
}

func (c *HttpCache) attachLocked(e *activeEntry, t *Transaction) {
	if t.mode&modeWrite != 0 && len(e.readers) == 0 {
		e.writer = t
	} else {
		// 读写事务只有在响应新鲜时才会走到这里，直接按只读处理。
		t.mode = modeRead
		e.readers = append(e.readers, t)
	}
	t.entry = e
}

// doneWritingToEntryLocked 结束写者身份。成功时唤醒等待队列；失败时作废条目，
// 等待中的事务各自用自己的 ctx 重新走准入流程，最先完成的成为新条目的写者。
func (c *HttpCache) doneWritingToEntryLocked(e *activeEntry, success bool) {
	e.writer = nil
	if success {
		c.processPendingQueueLocked(e)
		return
	}

	pending := e.pending
	e.pending = nil
	e.disk.Doom()
	c.destroyEntryLocked(e)
	for _, p := range pending {
		p.pendingIn = nil
		p.wake <- errRetryAdmission
	}
}

func (c *HttpCache) doneReadingFromEntryLocked(e *activeEntry, t *Transaction) {
	for i, r := range e.readers {
		if r == t {
			e.readers = append(e.readers[:i], e.readers[i+1:]...)
			break
		}
	}
	c.processPendingQueueLocked(e)
}

// doneWithEntryLocked detaches t whatever its role. A writer leaving early
// is treated as a failed write.
func (c *HttpCache) doneWithEntryLocked(e *activeEntry, t *Transaction) {
	if e.writer == t {
		c.doneWritingToEntryLocked(e, false)
	} else {
		c.doneReadingFromEntryLocked(e, t)
	}
}

func (c *HttpCache) convertWriterToReaderLocked(e *activeEntry) {
	t := e.writer
	e.writer = nil
	e.readers = append(e.readers, t)
	c.processPendingQueueLocked(e)
}

func (c *HttpCache) removePendingTransactionLocked(t *Transaction) bool {
	e := t.pendingIn
	if e == nil {
		return false
	}
	for i, p := range e.pending {
		if p == t {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	t.pendingIn = nil
	return true
}

// processPendingQueueLocked 按到达顺序提升等待中的事务。写者仍在或队首需要独占时停止；
// 条目无人使用时销毁。
func (c *HttpCache) processPendingQueueLocked(e *activeEntry) {
	if e.processingPending {
		return
	}
	e.processingPending = true
	defer func() { e.processingPending = false }()

	for {
		if e.writer != nil {
			return
		}
		if len(e.pending) == 0 {
			if len(e.readers) == 0 {
				c.destroyEntryLocked(e)
			}
			return
		}
		next := e.pending[0]
		if next.mode&modeWrite != 0 && len(e.readers) > 0 && !c.joinsAsReaderLocked(e, next) {
			return
		}
		e.pending = e.pending[1:]
		next.pendingIn = nil
		c.attachLocked(e, next)
		next.wake <- nil
	}
}
