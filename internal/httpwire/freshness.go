package httpwire

import (
	"math"
	"time"
)

// Forever is the freshness lifetime of implicitly fresh responses.
const Forever = time.Duration(math.MaxInt64)

// FreshnessLifetime 计算响应的新鲜期。顺序：no-cache/no-store/Pragma/Vary:* 直接视为不新鲜，
// 其次 max-age，再次 Expires - Date，最后对 200/203/206 采用 Last-Modified 启发式，
// 300/301/410 默认永久新鲜。
func (h *ResponseHeaders) FreshnessLifetime(responseTime time.Time) time.Duration {
	if h.HasHeaderValue("cache-control", "no-cache") ||
		h.HasHeaderValue("cache-control", "no-store") ||
		h.HasHeaderValue("pragma", "no-cache") ||
		h.HasHeaderValue("vary", "*") {
		return 0
	}

	if maxAge, ok := h.MaxAge(); ok {
		return maxAge
	}

	date, ok := h.Date()
	if !ok {
		date = responseTime
	}

	if expires, ok := h.Expires(); ok {
		if expires.After(date) {
			return expires.Sub(date)
		}
		return 0
	}

	if (h.code == 200 || h.code == 203 || h.code == 206) &&
		!h.HasHeaderValue("cache-control", "must-revalidate") {
		if lastModified, ok := h.LastModified(); ok && !lastModified.After(date) {
			return date.Sub(lastModified) / 10
		}
	}

	switch h.code {
	case 300, 301, 410:
		return Forever
	}
	return 0
}

// CurrentAge follows the age calculation of RFC 2616 section 13.2.3.
func (h *ResponseHeaders) CurrentAge(requestTime, responseTime, now time.Time) time.Duration {
	date, ok := h.Date()
	if !ok {
		date = responseTime
	}
	age, _ := h.AgeValue()

	apparentAge := responseTime.Sub(date)
	if apparentAge < 0 {
		apparentAge = 0
	}
	correctedReceivedAge := apparentAge
	if age > correctedReceivedAge {
		correctedReceivedAge = age
	}
	responseDelay := responseTime.Sub(requestTime)
	correctedInitialAge := correctedReceivedAge + responseDelay
	residentTime := now.Sub(responseTime)
	return correctedInitialAge + residentTime
}

// RequiresValidation reports whether a stored response must be revalidated
// before it can be served at now.
func (h *ResponseHeaders) RequiresValidation(requestTime, responseTime, now time.Time) bool {
	lifetime := h.FreshnessLifetime(responseTime)
	if lifetime == 0 {
		return true
	}
	return lifetime <= h.CurrentAge(requestTime, responseTime, now)
}
