package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/fetcher"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
)

// testService 组装一套与 main 相同的 “缓存栈 → Fetcher → Fiber” 服务。
type testService struct {
	app   *fiber.App
	stack *fetcher.Stack
}

func baseConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			CacheBackend:       config.BackendMemory,
			CacheMode:          "normal",
			UserAgent:          "any-fetch-integration",
			ConnectTimeout:     config.Duration(5 * time.Second),
			IdleSocketTimeout:  config.Duration(30 * time.Second),
			MaxSocketsPerGroup: 6,
			FetchTimeout:       config.Duration(10 * time.Second),
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) *testService {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := metrics.NewRegistry()
	stack, err := fetcher.BuildStack(cfg, logger, metrics.NewCollector(reg))
	if err != nil {
		t.Fatalf("stack error: %v", err)
	}
	t.Cleanup(func() { _ = stack.Close() })

	f, err := fetcher.New(fetcher.Options{
		Factory:     stack.Cache,
		Credentials: cfg,
		Logger:      logger,
		UserAgent:   cfg.Global.UserAgent,
		Timeout:     cfg.Global.FetchTimeout.DurationValue(),
	})
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Fetcher:    f,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterCacheRoutes(app, stack.Cache, metrics.Handler(reg))

	return &testService{app: app, stack: stack}
}

func (s *testService) fetch(t *testing.T, method, target, query string) (*http.Response, string) {
	t.Helper()
	path := "/fetch?url=" + url.QueryEscape(target)
	if query != "" {
		path += "&" + query
	}
	req := httptest.NewRequest(method, "http://any-fetch.local"+path, nil)
	resp, err := s.app.Test(req, fiber.TestConfig{Timeout: 15 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}
