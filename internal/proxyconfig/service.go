package proxyconfig

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpproxy"

	"github.com/any-hub/any-fetch/internal/neterr"
)

// Resolver returns the proxy list for a URL, in preference order. An empty
// list means direct.
type Resolver interface {
	ProxiesForURL(ctx context.Context, u *url.URL) ([]string, error)
}

// FixedResolver applies the same list to every URL.
type FixedResolver []string

// ProxiesForURL implements Resolver.
func (f FixedResolver) ProxiesForURL(context.Context, *url.URL) ([]string, error) {
	return append([]string(nil), f...), nil
}

// EnvResolver reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY.
type EnvResolver struct {
	proxyFunc func(*url.URL) (*url.URL, error)
}

// NewEnvResolver snapshots the proxy environment variables.
func NewEnvResolver() *EnvResolver {
	return NewEnvResolverFromConfig(httpproxy.FromEnvironment())
}

// NewEnvResolverFromConfig builds a resolver from an explicit httpproxy
// config.
func NewEnvResolverFromConfig(cfg *httpproxy.Config) *EnvResolver {
	return &EnvResolver{proxyFunc: cfg.ProxyFunc()}
}

// ProxiesForURL implements Resolver.
func (e *EnvResolver) ProxiesForURL(_ context.Context, u *url.URL) ([]string, error) {
	proxyURL, err := e.proxyFunc(u)
	if err != nil {
		return nil, err
	}
	if proxyURL == nil {
		return nil, nil
	}
	host := proxyURL.Host
	if proxyURL.Port() == "" {
		port := "80"
		if proxyURL.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(proxyURL.Hostname(), port)
	}
	return []string{host}, nil
}

// Service resolves proxies and tracks the ones that failed.
type Service struct {
	resolver Resolver
	logger   logrus.FieldLogger

	mu    sync.Mutex
	retry *RetryInfo
}

// NewService wraps resolver. A nil resolver always answers direct.
func NewService(resolver Resolver, logger logrus.FieldLogger, retryDelay time.Duration) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		resolver: resolver,
		logger:   logger,
		retry:    NewRetryInfo(retryDelay),
	}
}

// NewDirectService never uses a proxy.
func NewDirectService() *Service {
	return NewService(nil, nil, 0)
}

// ResolveProxy fills info for u. A resolver failure degrades to direct.
func (s *Service) ResolveProxy(ctx context.Context, u *url.URL, info *Info) error {
	if err := ctx.Err(); err != nil {
		return neterr.FromNetError(err)
	}
	if s.resolver == nil {
		info.UseDirect()
		return nil
	}

	list, err := s.resolver.ProxiesForURL(ctx, u)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": "resolve_proxy",
			"url":    u.Redacted(),
		}).Warnf("proxy resolution failed, going direct: %v", err)
		info.UseDirect()
		return nil
	}
	info.UseList(list)

	s.mu.Lock()
	info.RemoveBadProxies(s.retry)
	s.mu.Unlock()
	return nil
}

// ReconsiderProxyAfterError marks the current proxy bad and advances info to
// the next candidate. It fails when info was already direct or the list is
// exhausted.
func (s *Service) ReconsiderProxyAfterError(ctx context.Context, u *url.URL, info *Info) error {
	if err := ctx.Err(); err != nil {
		return neterr.FromNetError(err)
	}
	if info.IsDirect() {
		return neterr.New(neterr.CodeFailed)
	}

	failed := info.ProxyServer()
	s.mu.Lock()
	ok := info.Fallback(s.retry)
	s.mu.Unlock()

	fields := logrus.Fields{
		"action":       "reconsider_proxy",
		"url":          u.Redacted(),
		"failed_proxy": failed,
	}
	if !ok {
		s.logger.WithFields(fields).Debug("no proxy left to try")
		return neterr.New(neterr.CodeFailed)
	}
	fields["next"] = info.String()
	s.logger.WithFields(fields).Debug("falling back to next proxy")
	return nil
}

// BadProxies lists proxies currently inside their retry delay.
func (s *Service) BadProxies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for server := range s.retry.until {
		if s.retry.IsBad(server) {
			out = append(out, server)
		}
	}
	return out
}
