// Package network implements the HTTP/1.1 network transaction: proxy
// selection, connection reuse, CONNECT tunnels, TLS, request/response framing,
// authentication challenges and transparent retries.
package network

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/auth"
	"github.com/any-hub/any-fetch/internal/connpool"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/proxyconfig"
)

const (
	headerBufInitialSize = 4096
	// DefaultMaxHeaderBytes caps the response header block.
	DefaultMaxHeaderBytes = 32 * 1024
)

// ErrSuspended is returned by CreateTransaction while the layer is suspended.
var ErrSuspended = errors.New("network layer suspended")

// Session holds the state shared by every transaction of a layer. Nil fields
// get defaults in NewLayer.
type Session struct {
	ProxyService  *proxyconfig.Service
	Pool          *connpool.Pool
	HostResolver  connpool.HostResolver
	SocketFactory connpool.SocketFactory
	AuthCache     *auth.Cache
	SSLConfig     connpool.SSLConfig

	// MaxHeaderBytes caps the response header block; 0 means 32 KiB.
	MaxHeaderBytes int

	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
	Now     func() time.Time
}

func (s *Session) applyDefaults() {
	if s.ProxyService == nil {
		s.ProxyService = proxyconfig.NewDirectService()
	}
	if s.Pool == nil {
		s.Pool = connpool.NewPool(0, 0)
	}
	if s.HostResolver == nil {
		s.HostResolver = connpool.NewHostResolver(0)
	}
	if s.SocketFactory == nil {
		s.SocketFactory = connpool.NewSocketFactory(0)
	}
	if s.AuthCache == nil {
		s.AuthCache = auth.NewCache()
	}
	if s.MaxHeaderBytes <= 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if s.Logger == nil {
		s.Logger = logrus.StandardLogger()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
}

// Layer creates network transactions over one Session.
type Layer struct {
	session *Session

	mu        sync.Mutex
	suspended bool
}

// NewLayer fills the session defaults and returns a factory.
func NewLayer(session *Session) *Layer {
	if session == nil {
		session = &Session{}
	}
	session.applyDefaults()
	return &Layer{session: session}
}

// CreateTransaction implements httpbase.Factory.
func (l *Layer) CreateTransaction() (httpbase.Transaction, error) {
	l.mu.Lock()
	suspended := l.suspended
	l.mu.Unlock()
	if suspended {
		return nil, ErrSuspended
	}
	return newTransaction(l.session), nil
}

// Suspend stops handing out transactions; suspending also closes idle
// sockets.
func (l *Layer) Suspend(suspend bool) {
	l.mu.Lock()
	l.suspended = suspend
	l.mu.Unlock()
	if suspend {
		l.session.Pool.CloseIdleSockets()
	}
}

// Session returns the shared session.
func (l *Layer) Session() *Session { return l.session }

// AuthCache returns the credentials cache shared by the layer's transactions.
func (l *Layer) AuthCache() *auth.Cache { return l.session.AuthCache }
