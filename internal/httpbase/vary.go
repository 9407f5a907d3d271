package httpbase

import (
	"net/textproto"
	"strings"

	"github.com/any-hub/any-fetch/internal/httpwire"
)

// RequestHeaderValue returns the value req sends for name, including the
// headers the transaction synthesizes from dedicated fields.
func RequestHeaderValue(req *RequestInfo, name string) string {
	switch strings.ToLower(name) {
	case "user-agent":
		if req.UserAgent != "" {
			return req.UserAgent
		}
	case "referer":
		if req.Referrer != "" {
			return req.Referrer
		}
	}
	if req.ExtraHeaders == nil {
		return ""
	}
	return strings.Join(req.ExtraHeaders.Values(textproto.CanonicalMIMEHeaderKey(name)), ", ")
}

// ComputeVaryData records the request values of every header named by the
// response's Vary header. It returns nil when the response does not vary or
// varies on "*".
func ComputeVaryData(req *RequestInfo, headers *httpwire.ResponseHeaders) map[string]string {
	if req == nil || headers == nil {
		return nil
	}
	names := headers.EnumerateValues("vary")
	if len(names) == 0 {
		return nil
	}
	data := make(map[string]string, len(names))
	for _, name := range names {
		if name == "*" {
			return nil
		}
		data[strings.ToLower(name)] = RequestHeaderValue(req, name)
	}
	return data
}

// VaryMatches reports whether req would send the same values as the request
// that produced a response with the given vary data.
func VaryMatches(req *RequestInfo, headers *httpwire.ResponseHeaders, data map[string]string) bool {
	if headers == nil || !headers.Has("vary") {
		return true
	}
	if headers.HasHeaderValue("vary", "*") {
		return false
	}
	current := ComputeVaryData(req, headers)
	if len(current) != len(data) {
		return false
	}
	for name, value := range current {
		if stored, ok := data[name]; !ok || stored != value {
			return false
		}
	}
	return true
}
