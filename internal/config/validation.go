package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/proxyconfig"
)

const minHeaderBytes = 4096

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError(globalField("LogLevel"), "无法识别的日志级别")
		}
	}

	switch g.CacheBackend {
	case BackendDisk:
		if g.StoragePath == "" {
			return newFieldError(globalField("StoragePath"), "disk 后端不能为空")
		}
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError(globalField("RedisAddr"), "redis 后端不能为空")
		}
	default:
		return newFieldError(globalField("CacheBackend"), "仅支持 disk|memory|redis")
	}
	switch g.CacheMode {
	case "", "normal", "record", "playback":
	default:
		return newFieldError(globalField("CacheMode"), "仅支持 normal|record|playback")
	}

	if g.ProxyServer != "" && len(proxyconfig.ParseList(g.ProxyServer)) == 0 {
		return newFieldError(globalField("ProxyServer"), "无法解析代理列表")
	}
	if g.ProxyServer != "" && g.ProxyFromEnvironment {
		return newFieldError(globalField("ProxyServer"), "不能与 ProxyFromEnvironment 同时启用")
	}
	if g.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("ConnectTimeout"), "必须大于 0")
	}
	if g.IdleSocketTimeout.DurationValue() < 0 {
		return newFieldError(globalField("IdleSocketTimeout"), "不能为负数")
	}
	if g.MaxSocketsPerGroup < 0 {
		return newFieldError(globalField("MaxSocketsPerGroup"), "不能为负数")
	}
	if g.MaxHeaderBytes != 0 && g.MaxHeaderBytes < minHeaderBytes {
		return newFieldError(globalField("MaxHeaderBytes"), fmt.Sprintf("不能小于 %d", minHeaderBytes))
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("FetchTimeout"), "必须大于 0")
	}

	seen := map[string]struct{}{}
	for i := range c.Credentials {
		cred := &c.Credentials[i]
		if err := validateCredentialHost(cred.Host); err != nil {
			return fmt.Errorf("%s: %w", credentialField(cred.Host, "Host"), err)
		}
		key := cred.Host + "|" + cred.Realm
		if _, exists := seen[key]; exists {
			return newFieldError(credentialField(cred.Host, "Realm"), "重复")
		}
		seen[key] = struct{}{}
		if !cred.HasCredentials() {
			return newFieldError(credentialField(cred.Host, "Username/Password"), "必须同时提供")
		}
	}

	return nil
}

// validateCredentialHost 接受 host、host:port 或 http(s)://host[:port] 三种写法。
func validateCredentialHost(host string) error {
	if host == "" {
		return errors.New("Host 不能为空")
	}
	if strings.ContainsAny(host, " \t") {
		return errors.New("Host 不允许包含空格")
	}
	if !strings.Contains(host, "://") {
		if strings.Contains(host, "/") {
			return errors.New("Host 不允许包含路径")
		}
		return nil
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", host)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", host)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return errors.New("Host 不允许包含路径")
	}
	return nil
}
