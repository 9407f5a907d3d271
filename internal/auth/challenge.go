package auth

import (
	"strings"
)

// Challenge is one parsed WWW-Authenticate / Proxy-Authenticate value.
type Challenge struct {
	Scheme string
	Params map[string]string
}

// Param returns a parameter value by case-insensitive name.
func (c Challenge) Param(name string) string {
	return c.Params[strings.ToLower(name)]
}

// ParseChallenge 解析形如 `Digest realm="a, b", nonce="x"` 的挑战串。引号内的逗号与转义字符按原样保留。
func ParseChallenge(raw string) (Challenge, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Challenge{}, false
	}

	schemeEnd := strings.IndexAny(raw, " \t")
	scheme := raw
	rest := ""
	if schemeEnd >= 0 {
		scheme = raw[:schemeEnd]
		rest = raw[schemeEnd:]
	}
	if scheme == "" || strings.ContainsAny(scheme, "=,\"") {
		return Challenge{}, false
	}

	c := Challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
	for _, pair := range splitParams(rest) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		c.Params[name] = unquote(strings.TrimSpace(value))
	}
	return c, true
}

func splitParams(s string) []string {
	var (
		out     []string
		current strings.Builder
		quoted  bool
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && quoted:
			escaped = true
		case ch == '"':
			quoted = !quoted
		case ch == ',' && !quoted:
			if part := strings.TrimSpace(current.String()); part != "" {
				out = append(out, part)
			}
			current.Reset()
			continue
		}
		current.WriteByte(ch)
	}
	if part := strings.TrimSpace(current.String()); part != "" {
		out = append(out, part)
	}
	return out
}

func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	v = v[1 : len(v)-1]
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
