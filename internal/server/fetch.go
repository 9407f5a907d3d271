package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/fetcher"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/neterr"
)

// cacheModeFlags 把 ?cache= 参数映射为 load flags。
var cacheModeFlags = map[string]httpbase.LoadFlags{
	"":         httpbase.LoadNormal,
	"normal":   httpbase.LoadNormal,
	"validate": httpbase.LoadValidateCache,
	"bypass":   httpbase.LoadBypassCache,
	"prefer":   httpbase.LoadPreferringCache,
	"only":     httpbase.LoadOnlyFromCache,
	"disable":  httpbase.LoadDisableCache,
}

// fetchHandler 处理 /fetch?url=...，把客户端请求交给 Fetcher 并原样回写上游响应。
type fetchHandler struct {
	fetcher Fetcher
	logger  *logrus.Logger
}

func (h *fetchHandler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)
	target := strings.TrimSpace(c.Query("url"))
	if target == "" {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}
	flags, ok := cacheModeFlags[strings.ToLower(c.Query("cache"))]
	if !ok {
		return writeError(c, fiber.StatusBadRequest, "invalid_cache_mode")
	}
	insecure, _ := strconv.ParseBool(c.Query("insecure"))

	req := fetcher.Request{
		URL:              target,
		Method:           c.Method(),
		Header:           forwardedRequestHeaders(c),
		LoadFlags:        flags,
		IgnoreCertErrors: insecure,
		RequestID:        requestID,
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	resp, err := h.fetcher.Fetch(c.Context(), req)
	if err != nil {
		status, code := statusForError(err)
		h.logResult(c, target, requestID, 0, false, started, err)
		return writeError(c, status, code)
	}
	defer resp.Body.Close()

	cacheHit := resp.Info != nil && resp.Info.WasCached
	copyResponseHeaders(c, resp.Header())
	c.Set("X-Any-Fetch-Cache-Hit", strconv.FormatBool(cacheHit))
	if resp.AuthAttempts > 0 {
		c.Set("X-Any-Fetch-Auth-Attempts", strconv.Itoa(resp.AuthAttempts))
	}
	if status := resp.StatusCode(); status > 0 {
		c.Status(status)
	}

	if c.Method() == http.MethodHead {
		h.logResult(c, target, requestID, resp.StatusCode(), cacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, target, requestID, resp.StatusCode(), cacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("fetch stream failed: %v", err))
	}
	return nil
}

// statusForError 把网络错误码映射为对外的 HTTP 状态码。
func statusForError(err error) (int, string) {
	code := neterr.Code(err)
	switch {
	case code == neterr.CodeInvalidArgument:
		return fiber.StatusBadRequest, string(code)
	case code == neterr.CodeCacheMiss:
		// 与 Cache-Control: only-if-cached 未命中的语义一致。
		return fiber.StatusGatewayTimeout, string(code)
	case code == neterr.CodeTimedOut || code == neterr.CodeAborted:
		return fiber.StatusGatewayTimeout, string(code)
	case neterr.IsCertificateError(code):
		return fiber.StatusBadGateway, string(code)
	}
	return fiber.StatusBadGateway, string(code)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *fetchHandler) logResult(c fiber.Ctx, target, requestID string, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.RequestFields(requestID, target, c.IP(), cacheHit)
	fields["action"] = "fetch"
	fields["method"] = c.Method()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}
