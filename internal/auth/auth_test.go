package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-fetch/internal/httpwire"
)

func TestParseChallenge(t *testing.T) {
	c, ok := ParseChallenge(`Digest realm="a, b", nonce="n\"1", qop="auth,auth-int", stale=false`)
	require.True(t, ok)
	assert.Equal(t, "digest", c.Scheme)
	assert.Equal(t, "a, b", c.Param("Realm"))
	assert.Equal(t, `n"1`, c.Param("nonce"))
	assert.Equal(t, "auth,auth-int", c.Param("qop"))
	assert.Equal(t, "false", c.Param("stale"))

	c, ok = ParseChallenge("Basic")
	require.True(t, ok)
	assert.Equal(t, "basic", c.Scheme)
	assert.Empty(t, c.Param("realm"))

	_, ok = ParseChallenge("  ")
	assert.False(t, ok)
}

func TestBasicCredentials(t *testing.T) {
	h := CreateHandler(`Basic realm="MyRealm"`)
	require.NotNil(t, h)
	assert.Equal(t, "basic", h.Scheme())
	assert.Equal(t, "MyRealm", h.Realm())
	assert.Equal(t, "Basic Zm9vOmJhcg==", h.GenerateCredentials("foo", "bar", "GET", "/"))
}

func TestDigestCredentialsRFC2617(t *testing.T) {
	prev := cnonceSource
	cnonceSource = func() string { return "0a4f113b" }
	t.Cleanup(func() { cnonceSource = prev })

	h := CreateHandler(`Digest realm="testrealm@host.com", qop="auth,auth-int", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`)
	require.NotNil(t, h)

	got := h.GenerateCredentials("Mufasa", "Circle Of Life", "GET", "/dir/index.html")
	assert.Contains(t, got, `response="6629fae49393a05397450978507c4ef1"`)
	assert.Contains(t, got, `nc=00000001`)
	assert.Contains(t, got, `opaque="5ccc069c403ebaf9f0171e9517f40e41"`)

	got = h.GenerateCredentials("Mufasa", "Circle Of Life", "GET", "/dir/index.html")
	assert.Contains(t, got, `nc=00000002`)
}

func TestUnsupportedChallenges(t *testing.T) {
	assert.Nil(t, CreateHandler("NTLM"))
	assert.Nil(t, CreateHandler(`Digest realm="r"`))
	assert.Nil(t, CreateHandler(`Digest realm="r", nonce="n", qop="auth-int"`))
	assert.Nil(t, CreateHandler(`Digest realm="r", nonce="n", algorithm=SHA-512`))
}

func TestChooseBestChallenge(t *testing.T) {
	headers := httpwire.ParseResponseHeaders([]byte("HTTP/1.1 401 Unauthorized\r\n" +
		"WWW-Authenticate: NTLM\r\n" +
		"WWW-Authenticate: Basic realm=\"basic\"\r\n" +
		"WWW-Authenticate: Digest realm=\"digest\", nonce=\"abc\"\r\n\r\n"))

	best := ChooseBestChallenge(headers, TargetServer)
	require.NotNil(t, best)
	assert.Equal(t, "digest", best.Scheme())
	assert.Equal(t, "digest", best.Realm())

	assert.Nil(t, ChooseBestChallenge(headers, TargetProxy))
}

func TestCache(t *testing.T) {
	c := NewCache()
	key := Key("http://Example.com:80", "realm", "Basic")
	assert.Equal(t, Key("http://example.com:80", "realm", "basic"), key)
	assert.NotEqual(t, Key("http://example.com:80", "Realm", "basic"), key)

	_, ok := c.Lookup(key)
	assert.False(t, ok)

	c.Add(key, Data{State: StateHaveCredentials, Scheme: "basic", Username: "u", Password: "p"})
	d, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "u", d.Username)
	assert.Equal(t, 1, c.Len())

	c.Remove(key)
	assert.Zero(t, c.Len())
}

func TestTargetHeaders(t *testing.T) {
	assert.Equal(t, "Proxy-Authenticate", TargetProxy.ChallengeHeader())
	assert.Equal(t, "Authorization", TargetServer.AuthorizationHeader())
	assert.Equal(t, "need-credentials", StateNeedCredentials.String())
}
