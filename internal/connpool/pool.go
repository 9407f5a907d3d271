package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/any-hub/any-fetch/internal/neterr"
)

// Pool keeps idle sockets per connection group and limits how many sockets a
// group may have in use at once. Waiters are served in arrival order.
type Pool struct {
	maxPerGroup int
	idleTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	groups map[string]*group
	stats  Stats
}

// Stats counts pool activity since creation.
type Stats struct {
	Reused    int64
	Discarded int64
	Waited    int64
}

type group struct {
	idle    []idleSocket
	active  int
	waiters []chan struct{}
}

type idleSocket struct {
	socket ClientSocket
	since  time.Time
}

// NewPool creates a pool. maxPerGroup <= 0 means 6; idleTimeout <= 0 means
// 60 seconds.
func NewPool(maxPerGroup int, idleTimeout time.Duration) *Pool {
	if maxPerGroup <= 0 {
		maxPerGroup = 6
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Pool{
		maxPerGroup: maxPerGroup,
		idleTimeout: idleTimeout,
		now:         time.Now,
		groups:      make(map[string]*group),
	}
}

func (p *Pool) groupLocked(name string) *group {
	g := p.groups[name]
	if g == nil {
		g = &group{}
		p.groups[name] = g
	}
	return g
}

// acquire 获取组内的一个使用名额；名额不足时按 FIFO 排队，释放时直接移交给队首等待者。
func (p *Pool) acquire(ctx context.Context, name string) error {
	p.mu.Lock()
	g := p.groupLocked(name)
	if g.active < p.maxPerGroup {
		g.active++
		p.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	p.stats.Waited++
	p.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	for i, w := range g.waiters {
		if w == ready {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			p.mu.Unlock()
			return neterr.FromNetError(ctx.Err())
		}
	}
	p.mu.Unlock()
	// 名额已经移交过来，需要归还。
	p.releaseSlot(name)
	return neterr.FromNetError(ctx.Err())
}

func (p *Pool) releaseSlot(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.groups[name]
	if g == nil {
		return
	}
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(next)
		return
	}
	g.active--
	p.maybeDropGroupLocked(name, g)
}

func (p *Pool) maybeDropGroupLocked(name string, g *group) {
	if g.active == 0 && len(g.idle) == 0 && len(g.waiters) == 0 {
		delete(p.groups, name)
	}
}

// takeIdle pops the most recently used live idle socket of the group.
func (p *Pool) takeIdle(name string) ClientSocket {
	p.mu.Lock()
	g := p.groups[name]
	if g == nil {
		p.mu.Unlock()
		return nil
	}
	var candidates []idleSocket
	now := p.now()
	for len(g.idle) > 0 {
		last := g.idle[len(g.idle)-1]
		g.idle = g.idle[:len(g.idle)-1]
		if now.Sub(last.since) > p.idleTimeout {
			p.stats.Discarded++
			candidates = append(candidates, idleSocket{socket: last.socket})
			continue
		}
		p.mu.Unlock()
		if last.socket.IsConnectedAndIdle() {
			p.mu.Lock()
			p.stats.Reused++
			p.mu.Unlock()
			closeAll(candidates)
			return last.socket
		}
		_ = last.socket.Close()
		p.mu.Lock()
		p.stats.Discarded++
	}
	p.mu.Unlock()
	closeAll(candidates)
	return nil
}

func closeAll(sockets []idleSocket) {
	for _, s := range sockets {
		_ = s.socket.Close()
	}
}

func (p *Pool) putIdle(name string, socket ClientSocket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.groupLocked(name)
	if len(g.idle) >= p.maxPerGroup {
		_ = g.idle[0].socket.Close()
		g.idle = g.idle[1:]
		p.stats.Discarded++
	}
	g.idle = append(g.idle, idleSocket{socket: socket, since: p.now()})
}

// CloseIdleSockets closes every idle socket.
func (p *Pool) CloseIdleSockets() {
	p.mu.Lock()
	var victims []idleSocket
	for name, g := range p.groups {
		victims = append(victims, g.idle...)
		g.idle = nil
		p.maybeDropGroupLocked(name, g)
	}
	p.mu.Unlock()
	closeAll(victims)
}

// IdleSocketCount reports idle sockets in group.
func (p *Pool) IdleSocketCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g := p.groups[name]; g != nil {
		return len(g.idle)
	}
	return 0
}

// ActiveCount reports sockets of group currently leased.
func (p *Pool) ActiveCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g := p.groups[name]; g != nil {
		return g.active
	}
	return 0
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Handle is one transaction's lease on a group slot and, once connected, a
// socket.
type Handle struct {
	pool   *Pool
	group  string
	socket ClientSocket
	reused bool
}

// Init leases a slot of group, reusing an idle socket when one is alive.
// Reused reports whether that happened; otherwise the caller connects a new
// socket and installs it with SetSocket.
func (h *Handle) Init(ctx context.Context, pool *Pool, group string) error {
	if h.pool != nil {
		h.Release(false)
	}
	if err := pool.acquire(ctx, group); err != nil {
		return err
	}
	h.pool = pool
	h.group = group
	h.socket = pool.takeIdle(group)
	h.reused = h.socket != nil
	return nil
}

// IsInitialized reports whether the handle holds a slot.
func (h *Handle) IsInitialized() bool { return h.pool != nil }

// Socket returns the leased socket, if any.
func (h *Handle) Socket() ClientSocket { return h.socket }

// SetSocket installs a freshly created socket.
func (h *Handle) SetSocket(s ClientSocket) { h.socket = s }

// IsReused reports whether the socket came from the idle list.
func (h *Handle) IsReused() bool { return h.reused }

// Group returns the connection group name.
func (h *Handle) Group() string { return h.group }

// Release returns the slot. With keepAlive the socket goes back to the idle
// list, otherwise it is closed.
func (h *Handle) Release(keepAlive bool) {
	if h.pool == nil {
		if h.socket != nil {
			_ = h.socket.Close()
			h.socket = nil
		}
		return
	}
	if h.socket != nil {
		if keepAlive && h.socket.IsConnected() {
			h.pool.putIdle(h.group, h.socket)
		} else {
			_ = h.socket.Close()
		}
	}
	h.pool.releaseSlot(h.group)
	h.pool = nil
	h.socket = nil
	h.reused = false
	h.group = ""
}
