package auth

import (
	"strings"
	"sync"
)

// State tracks the authentication progress of one target within a
// transaction.
type State int

const (
	StateNone State = iota
	StateNeedCredentials
	StateHaveCredentials
)

func (s State) String() string {
	switch s {
	case StateNeedCredentials:
		return "need-credentials"
	case StateHaveCredentials:
		return "have-credentials"
	}
	return "none"
}

// Data is the identity used (or to be used) for one target.
type Data struct {
	State    State
	Scheme   string
	Realm    string
	Username string
	Password string
}

// Key builds the cache key of a target origin ("https://host:443" or the
// proxy "host:port"), realm and scheme.
func Key(target, realm, scheme string) string {
	return strings.ToLower(target) + "|" + strings.ToLower(scheme) + "|" + realm
}

// Cache 保存进程内已验证的凭据，按 (目标, realm, scheme) 索引，便于后续请求直接复用。
// 通过构造函数注入，测试可以使用独立实例。
type Cache struct {
	mu      sync.Mutex
	entries map[string]Data
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Data)}
}

// Lookup returns the cached identity for key.
func (c *Cache) Lookup(key string) (Data, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[key]
	return d, ok
}

// Add stores (or replaces) the identity for key.
func (c *Cache) Add(key string, d Data) {
	c.mu.Lock()
	c.entries[key] = d
	c.mu.Unlock()
}

// Remove evicts key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports how many identities are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
