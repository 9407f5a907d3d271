package routes

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/any-fetch/internal/httpcache"
)

// CacheAdmin 是诊断接口依赖的缓存能力，*httpcache.HttpCache 即实现了它。
type CacheAdmin interface {
	Entries() []httpcache.EntryStats
	DoomEntry(ctx context.Context, key string)
	InvalidateURL(ctx context.Context, u *url.URL)
	Mode() httpcache.Mode
	SetMode(m httpcache.Mode)
}

type doomRequest struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// RegisterCacheRoutes 暴露 /-/cache/* 诊断接口，供 SRE 查看活跃条目、手动作废条目与切换缓存模式。
// metrics 非空时同时挂载 /metrics。
func RegisterCacheRoutes(app *fiber.App, cache CacheAdmin, metrics http.Handler) {
	if app == nil || cache == nil {
		return
	}

	app.Get("/-/cache/entries", func(c fiber.Ctx) error {
		entries := cache.Entries()
		return c.JSON(fiber.Map{
			"mode":    cache.Mode().String(),
			"count":   len(entries),
			"entries": entries,
		})
	})

	app.Post("/-/cache/doom", func(c fiber.Ctx) error {
		var req doomRequest
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		req.Key = strings.TrimSpace(req.Key)
		req.URL = strings.TrimSpace(req.URL)
		switch {
		case req.Key != "":
			cache.DoomEntry(c.Context(), req.Key)
			return c.JSON(fiber.Map{"doomed": req.Key})
		case req.URL != "":
			u, err := url.Parse(req.URL)
			if err != nil || u.Host == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
			}
			cache.InvalidateURL(c.Context(), u)
			return c.JSON(fiber.Map{"invalidated": u.String()})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_or_url_required"})
	})

	app.Get("/-/cache/mode", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"mode": cache.Mode().String()})
	})

	app.Put("/-/cache/mode", func(c fiber.Ctx) error {
		var req modeRequest
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		mode, err := httpcache.ParseMode(req.Mode)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_mode"})
		}
		cache.SetMode(mode)
		return c.JSON(fiber.Map{"mode": mode.String()})
	})

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}
}
