package connpool

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/any-fetch/internal/neterr"
)

// DefaultFactory dials real TCP connections and wraps them with crypto/tls.
type DefaultFactory struct {
	dialer *net.Dialer
}

// NewSocketFactory creates a factory whose dials time out after
// connectTimeout (30s when zero).
func NewSocketFactory(connectTimeout time.Duration) *DefaultFactory {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &DefaultFactory{dialer: &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}}
}

// CreateTCPClientSocket implements SocketFactory.
func (f *DefaultFactory) CreateTCPClientSocket(addrs []string) ClientSocket {
	return &tcpSocket{addrs: addrs, dialer: f.dialer}
}

// CreateSSLClientSocket implements SocketFactory.
func (f *DefaultFactory) CreateSSLClientSocket(transport ClientSocket, hostname string, cfg SSLConfig) SSLClientSocket {
	return &sslSocket{transport: transport, hostname: hostname, cfg: cfg}
}

// HostResolver turns a host name into dialable host:port addresses.
type HostResolver interface {
	Resolve(ctx context.Context, host string, port int) ([]string, error)
}

type hostResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	group    singleflight.Group
}

// NewHostResolver returns a resolver that collapses concurrent lookups of the
// same host into one query.
func NewHostResolver(timeout time.Duration) HostResolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &hostResolver{resolver: net.DefaultResolver, timeout: timeout}
}

func (r *hostResolver) Resolve(ctx context.Context, host string, port int) ([]string, error) {
	portText := strconv.Itoa(port)
	if ip := net.ParseIP(host); ip != nil {
		return []string{net.JoinHostPort(host, portText)}, nil
	}

	// 共享查询不跟随单个调用方的取消，只受自身超时约束。
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(host, func() (interface{}, error) {
		c, cancel := context.WithTimeout(lookupCtx, r.timeout)
		defer cancel()
		return r.resolver.LookupHost(c, host)
	})

	select {
	case <-ctx.Done():
		return nil, neterr.FromNetError(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, neterr.FromNetError(res.Err)
		}
		hosts := res.Val.([]string)
		if len(hosts) == 0 {
			return nil, neterr.New(neterr.CodeNameNotResolved)
		}
		addrs := make([]string, len(hosts))
		for i, h := range hosts {
			addrs[i] = net.JoinHostPort(h, portText)
		}
		return addrs, nil
	}
}
