// Package proxyconfig decides which proxy (if any) carries a request and
// remembers proxies that recently failed so fallback skips them.
package proxyconfig

import (
	"strings"
	"time"
)

// Direct is the list entry meaning "no proxy".
const Direct = "DIRECT"

// Info is the ordered proxy list for one request plus the position the
// transaction is currently trying.
type Info struct {
	servers []string
	index   int
}

// UseDirect resets the list to a single direct connection.
func (i *Info) UseDirect() {
	i.servers = []string{Direct}
	i.index = 0
}

// UseNamedProxy resets the list to a single proxy host:port.
func (i *Info) UseNamedProxy(server string) {
	i.servers = []string{server}
	i.index = 0
}

// UseList replaces the list. Entries are host:port or DIRECT.
func (i *Info) UseList(servers []string) {
	i.servers = append([]string(nil), servers...)
	i.index = 0
	if len(i.servers) == 0 {
		i.UseDirect()
	}
}

// IsDirect reports whether the current entry is a direct connection.
func (i *Info) IsDirect() bool {
	return len(i.servers) == 0 || i.index >= len(i.servers) || i.servers[i.index] == Direct
}

// ProxyServer returns the current proxy host:port, or "" when direct.
func (i *Info) ProxyServer() string {
	if i.IsDirect() {
		return ""
	}
	return i.servers[i.index]
}

// String renders the remaining list in PAC style.
func (i *Info) String() string {
	if i.IsDirect() && len(i.servers) <= 1 {
		return Direct
	}
	parts := make([]string, 0, len(i.servers)-i.index)
	for _, s := range i.servers[i.index:] {
		if s == Direct {
			parts = append(parts, Direct)
			continue
		}
		parts = append(parts, "PROXY "+s)
	}
	return strings.Join(parts, "; ")
}

// Fallback 把当前代理标记为失败并前进到下一个未被标记的条目；没有可用条目时返回 false。
func (i *Info) Fallback(bad *RetryInfo) bool {
	if i.index < len(i.servers) {
		if current := i.servers[i.index]; current != Direct {
			bad.MarkBad(current)
		}
	}
	for i.index++; i.index < len(i.servers); i.index++ {
		candidate := i.servers[i.index]
		if candidate == Direct || !bad.IsBad(candidate) {
			return true
		}
	}
	return false
}

// RemoveBadProxies drops proxies that failed recently, keeping them only when
// nothing else remains.
func (i *Info) RemoveBadProxies(bad *RetryInfo) {
	var good, stale []string
	for _, s := range i.servers {
		if s != Direct && bad.IsBad(s) {
			stale = append(stale, s)
			continue
		}
		good = append(good, s)
	}
	if len(good) == 0 {
		good = stale
	}
	i.servers = good
	i.index = 0
}

// RetryInfo remembers proxies that failed and when they may be tried again.
type RetryInfo struct {
	delay time.Duration
	now   func() time.Time
	until map[string]time.Time
}

// NewRetryInfo creates an empty table. delay <= 0 uses five minutes.
func NewRetryInfo(delay time.Duration) *RetryInfo {
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	return &RetryInfo{delay: delay, now: time.Now, until: make(map[string]time.Time)}
}

// MarkBad records a failure of server.
func (r *RetryInfo) MarkBad(server string) {
	r.until[server] = r.now().Add(r.delay)
}

// IsBad reports whether server is still inside its retry delay.
func (r *RetryInfo) IsBad(server string) bool {
	deadline, ok := r.until[server]
	if !ok {
		return false
	}
	if r.now().After(deadline) {
		delete(r.until, server)
		return false
	}
	return true
}

// ParseList parses "PROXY a:1; PROXY b:2; DIRECT" (or a bare "a:1,b:2").
func ParseList(raw string) []string {
	var out []string
	for _, field := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		parts := strings.Fields(field)
		switch {
		case strings.EqualFold(parts[0], Direct):
			out = append(out, Direct)
		case len(parts) == 2 && (strings.EqualFold(parts[0], "PROXY") || strings.EqualFold(parts[0], "HTTP")):
			out = append(out, parts[1])
		case len(parts) == 1:
			out = append(out, parts[0])
		}
	}
	return out
}
