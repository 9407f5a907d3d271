package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端类型。
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// GlobalConfig 描述进程级运行参数：日志、缓存存储、网络栈与代理。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	CacheBackend string `mapstructure:"CacheBackend"`
	StoragePath  string `mapstructure:"StoragePath"`
	RedisAddr    string `mapstructure:"RedisAddr"`
	RedisPrefix  string `mapstructure:"RedisPrefix"`
	CacheMode    string `mapstructure:"CacheMode"`

	UserAgent            string   `mapstructure:"UserAgent"`
	ProxyServer          string   `mapstructure:"ProxyServer"`
	ProxyFromEnvironment bool     `mapstructure:"ProxyFromEnvironment"`
	ProxyRetryDelay      Duration `mapstructure:"ProxyRetryDelay"`
	ConnectTimeout       Duration `mapstructure:"ConnectTimeout"`
	IdleSocketTimeout    Duration `mapstructure:"IdleSocketTimeout"`
	MaxSocketsPerGroup   int      `mapstructure:"MaxSocketsPerGroup"`
	MaxHeaderBytes       int      `mapstructure:"MaxHeaderBytes"`
	TLSFallback          bool     `mapstructure:"TLSFallback"`
	FetchTimeout         Duration `mapstructure:"FetchTimeout"`
}

// CredentialConfig 为某个源站（或代理）的认证质询预置凭据。Realm 为空时匹配任意 realm。
type CredentialConfig struct {
	Host     string `mapstructure:"Host"`
	Realm    string `mapstructure:"Realm"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global      GlobalConfig       `mapstructure:",squash"`
	Credentials []CredentialConfig `mapstructure:"Credential"`
}

// HasCredentials 表示该条目是否提供了完整的用户名与密码。
func (c CredentialConfig) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (c CredentialConfig) AuthMode() string {
	if c.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有凭据条目的摘要，例如 example.com:credentialed，不包含密码。
func CredentialModes(creds []CredentialConfig) []string {
	if len(creds) == 0 {
		return nil
	}
	result := make([]string, len(creds))
	for i, cred := range creds {
		result[i] = fmt.Sprintf("%s:%s", cred.Host, cred.AuthMode())
	}
	return result
}
