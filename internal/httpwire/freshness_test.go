package httpwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreshnessLifetime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{"max-age", "HTTP/1.1 200 OK\nCache-Control: max-age=10000\n\n", 10000 * time.Second},
		{"no-cache", "HTTP/1.1 200 OK\nCache-Control: no-cache, max-age=10\n\n", 0},
		{"pragma", "HTTP/1.1 200 OK\nPragma: no-cache\n\n", 0},
		{"vary-star", "HTTP/1.1 200 OK\nVary: *\nCache-Control: max-age=10\n\n", 0},
		{"expires", "HTTP/1.1 200 OK\nDate: Fri, 01 Mar 2024 12:00:00 GMT\nExpires: Fri, 01 Mar 2024 13:00:00 GMT\n\n", time.Hour},
		{"expired", "HTTP/1.1 200 OK\nDate: Fri, 01 Mar 2024 12:00:00 GMT\nExpires: Fri, 01 Mar 2024 11:00:00 GMT\n\n", 0},
		{"bad-expires", "HTTP/1.1 200 OK\nExpires: 0\n\n", 0},
		{"heuristic", "HTTP/1.1 200 OK\nDate: Fri, 01 Mar 2024 12:00:00 GMT\nLast-Modified: Fri, 01 Mar 2024 02:00:00 GMT\n\n", time.Hour},
		{"must-revalidate", "HTTP/1.1 200 OK\nCache-Control: must-revalidate\nDate: Fri, 01 Mar 2024 12:00:00 GMT\nLast-Modified: Fri, 01 Mar 2024 02:00:00 GMT\n\n", 0},
		{"permanent", "HTTP/1.1 301 Moved\nLocation: /x\n\n", Forever},
		{"none", "HTTP/1.1 200 OK\n\n", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parse(tc.raw).FreshnessLifetime(now))
		})
	}
}

func TestCurrentAge(t *testing.T) {
	h := parse("HTTP/1.1 200 OK\nDate: Fri, 01 Mar 2024 12:00:00 GMT\nAge: 30\n\n")
	requestTime := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	responseTime := requestTime.Add(2 * time.Second)
	now := responseTime.Add(time.Minute)

	// apparent age 7s < Age 30s, +2s delay, +60s resident.
	assert.Equal(t, 92*time.Second, h.CurrentAge(requestTime, responseTime, now))
}

func TestRequiresValidation(t *testing.T) {
	now := time.Now()
	fresh := parse("HTTP/1.1 200 OK\nCache-Control: max-age=10000\n\n")
	assert.False(t, fresh.RequiresValidation(now, now, now))
	assert.True(t, fresh.RequiresValidation(now, now, now.Add(3*time.Hour)))

	stale := parse("HTTP/1.1 200 OK\nDate: Wed, 28 Nov 2007 09:40:09 GMT\nLast-Modified: Wed, 28 Nov 2007 00:40:09 GMT\n\n")
	assert.True(t, stale.RequiresValidation(now, now, now))

	assert.True(t, parse("HTTP/1.1 200 OK\n\n").RequiresValidation(now, now, now))
}
