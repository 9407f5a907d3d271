package fetcher

import (
	"crypto/tls"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/connpool"
	"github.com/any-hub/any-fetch/internal/diskcache"
	"github.com/any-hub/any-fetch/internal/httpcache"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/network"
	"github.com/any-hub/any-fetch/internal/proxyconfig"
)

// Stack 持有按配置组装好的网络层、缓存层与存储后端，进程内共享一份。
type Stack struct {
	Cache   *httpcache.HttpCache
	Network *network.Layer
	Backend diskcache.Backend
	Metrics *metrics.Collector
}

// BuildStack 按 “存储后端 → 代理服务 → 连接池 → 网络层 → 缓存层” 的顺序组装。
// collector 可以为 nil。
func BuildStack(cfg *config.Config, logger logrus.FieldLogger, collector *metrics.Collector) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	g := cfg.Global

	backend, err := openBackend(g)
	if err != nil {
		return nil, err
	}

	mode, err := httpcache.ParseMode(g.CacheMode)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	session := &network.Session{
		ProxyService:   proxyService(g, logger),
		Pool:           connpool.NewPool(g.MaxSocketsPerGroup, g.IdleSocketTimeout.DurationValue()),
		HostResolver:   connpool.NewHostResolver(g.ConnectTimeout.DurationValue()),
		SocketFactory:  connpool.NewSocketFactory(g.ConnectTimeout.DurationValue()),
		SSLConfig:      connpool.SSLConfig{MinVersion: tls.VersionTLS12, VersionFallback: g.TLSFallback},
		MaxHeaderBytes: g.MaxHeaderBytes,
		Logger:         logger,
		Metrics:        collector,
	}
	layer := network.NewLayer(session)

	cache, err := httpcache.New(httpcache.Options{
		Network: layer,
		Backend: backend,
		Mode:    mode,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &Stack{Cache: cache, Network: layer, Backend: backend, Metrics: collector}, nil
}

// Close 释放空闲连接并关闭存储后端。
func (s *Stack) Close() error {
	if s == nil {
		return nil
	}
	s.Network.Session().Pool.CloseIdleSockets()
	if s.Backend != nil {
		return s.Backend.Close()
	}
	return nil
}

func openBackend(g config.GlobalConfig) (diskcache.Backend, error) {
	switch g.CacheBackend {
	case config.BackendMemory:
		return diskcache.NewMemoryBackend(), nil
	case config.BackendRedis:
		client := diskcache.NewRedisClient(g.RedisAddr)
		backend, err := diskcache.NewRedisBackend(diskcache.RedisOptions{
			Client:       client,
			ClientCloser: client,
			Prefix:       g.RedisPrefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("初始化 redis 缓存失败: %w", err)
		}
		return backend, nil
	default:
		backend, err := diskcache.NewDiskBackend(g.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return backend, nil
	}
}

func proxyService(g config.GlobalConfig, logger logrus.FieldLogger) *proxyconfig.Service {
	switch {
	case g.ProxyFromEnvironment:
		return proxyconfig.NewService(proxyconfig.NewEnvResolver(), logger, g.ProxyRetryDelay.DurationValue())
	case g.ProxyServer != "":
		return proxyconfig.NewService(proxyconfig.FixedResolver(g.ProxyServers()), logger, g.ProxyRetryDelay.DurationValue())
	default:
		return proxyconfig.NewDirectService()
	}
}
