// Package auth chooses and answers HTTP authentication challenges for the
// network transaction. Credentials outlive a single transaction through
// Cache, an injectable service keyed by (target, realm, scheme).
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/any-hub/any-fetch/internal/httpwire"
)

// Target distinguishes proxy authentication from origin authentication.
type Target int

const (
	TargetProxy Target = iota
	TargetServer
)

func (t Target) String() string {
	if t == TargetProxy {
		return "proxy"
	}
	return "server"
}

// ChallengeHeader is the response header carrying challenges for t.
func (t Target) ChallengeHeader() string {
	if t == TargetProxy {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

// AuthorizationHeader is the request header carrying credentials for t.
func (t Target) AuthorizationHeader() string {
	if t == TargetProxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// Handler answers one challenge.
type Handler interface {
	Scheme() string
	Realm() string
	// Score ranks handlers; the strongest scheme wins.
	Score() int
	// GenerateCredentials returns the authorization header value for a
	// request with the given method and request-uri.
	GenerateCredentials(username, password, method, uri string) string
}

// CreateHandler returns a handler for the challenge or nil when the scheme is
// not supported.
func CreateHandler(raw string) Handler {
	c, ok := ParseChallenge(raw)
	if !ok {
		return nil
	}
	switch c.Scheme {
	case "basic":
		return &basicHandler{realm: c.Param("realm")}
	case "digest":
		return newDigestHandler(c)
	}
	return nil
}

// ChooseBestChallenge picks the highest scoring supported challenge of the
// response for target.
func ChooseBestChallenge(headers *httpwire.ResponseHeaders, target Target) Handler {
	if headers == nil {
		return nil
	}
	var best Handler
	for _, raw := range headers.Values(target.ChallengeHeader()) {
		h := CreateHandler(raw)
		if h == nil {
			continue
		}
		if best == nil || h.Score() > best.Score() {
			best = h
		}
	}
	return best
}

type basicHandler struct {
	realm string
}

func (h *basicHandler) Scheme() string { return "basic" }
func (h *basicHandler) Realm() string  { return h.realm }
func (h *basicHandler) Score() int     { return 1 }

func (h *basicHandler) GenerateCredentials(username, password, _, _ string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token
}

// cnonceSource 生成客户端随机数，测试中可替换为固定值。
var cnonceSource = func() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "0a4f113b"
	}
	return hex.EncodeToString(buf)
}

type digestHandler struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qopAuth   bool

	mu         sync.Mutex
	nonceCount int
}

func newDigestHandler(c Challenge) Handler {
	h := &digestHandler{
		realm:     c.Param("realm"),
		nonce:     c.Param("nonce"),
		opaque:    c.Param("opaque"),
		algorithm: strings.ToUpper(c.Param("algorithm")),
	}
	if h.nonce == "" {
		return nil
	}
	switch h.algorithm {
	case "", "MD5", "MD5-SESS":
	default:
		return nil
	}
	if qop := c.Param("qop"); qop != "" {
		for _, option := range strings.Split(qop, ",") {
			if strings.EqualFold(strings.TrimSpace(option), "auth") {
				h.qopAuth = true
			}
		}
		// 只提供 auth-int 时无法应答。
		if !h.qopAuth {
			return nil
		}
	}
	return h
}

func (h *digestHandler) Scheme() string { return "digest" }
func (h *digestHandler) Realm() string  { return h.realm }
func (h *digestHandler) Score() int     { return 2 }

func (h *digestHandler) GenerateCredentials(username, password, method, uri string) string {
	h.mu.Lock()
	h.nonceCount++
	nc := fmt.Sprintf("%08x", h.nonceCount)
	h.mu.Unlock()

	cnonce := cnonceSource()
	ha1 := md5Hex(username + ":" + h.realm + ":" + password)
	if h.algorithm == "MD5-SESS" {
		ha1 = md5Hex(ha1 + ":" + h.nonce + ":" + cnonce)
	}
	ha2 := md5Hex(method + ":" + uri)

	var response string
	if h.qopAuth {
		response = md5Hex(strings.Join([]string{ha1, h.nonce, nc, cnonce, "auth", ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + h.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`,
		escapeQuoted(username), escapeQuoted(h.realm), h.nonce, uri)
	if h.algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", h.algorithm)
	}
	fmt.Fprintf(&b, `, response="%s"`, response)
	if h.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, h.opaque)
	}
	if h.qopAuth {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func escapeQuoted(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
