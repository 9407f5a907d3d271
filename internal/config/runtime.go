package config

import (
	"net"
	"net/url"
	"strings"

	"github.com/any-hub/any-fetch/internal/proxyconfig"
)

// FindCredential 按质询身份查找预置凭据。identity 可以是源站 origin（scheme://host[:port]）
// 或代理的 host:port；条目 Host 允许写成 origin、host:port 或单独的 hostname。
// Realm 精确匹配优先，其次是 Realm 为空的通配条目。
func (c *Config) FindCredential(identity, realm string) (CredentialConfig, bool) {
	if c == nil || len(c.Credentials) == 0 {
		return CredentialConfig{}, false
	}
	candidates := identityForms(identity)

	var wildcard *CredentialConfig
	for i := range c.Credentials {
		cred := &c.Credentials[i]
		if !matchesAny(cred.Host, candidates) {
			continue
		}
		if cred.Realm == realm {
			return *cred, true
		}
		if cred.Realm == "" && wildcard == nil {
			wildcard = cred
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return CredentialConfig{}, false
}

// identityForms 展开质询身份的几种等价写法，全部小写。
func identityForms(identity string) []string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	forms := []string{identity}

	hostport := identity
	if strings.Contains(identity, "://") {
		if u, err := url.Parse(identity); err == nil && u.Host != "" {
			hostport = u.Host
			forms = append(forms, hostport)
		}
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		forms = append(forms, host)
	}
	return forms
}

func matchesAny(host string, forms []string) bool {
	host = strings.TrimSuffix(host, "/")
	for _, f := range forms {
		if host == f {
			return true
		}
	}
	return false
}

// ProxyServers 返回显式配置的代理列表，格式同 PAC 结果（"PROXY a:1; DIRECT"）。
func (g GlobalConfig) ProxyServers() []string {
	return proxyconfig.ParseList(g.ProxyServer)
}
