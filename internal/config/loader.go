package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectInlineCredentialURLs(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Credentials {
		applyCredentialDefaults(&cfg.Credentials[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.CacheBackend == BackendDisk {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheBackend", BackendDisk)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RedisPrefix", "any-fetch:")
	v.SetDefault("CacheMode", "normal")
	v.SetDefault("UserAgent", "any-fetch")
	v.SetDefault("ProxyRetryDelay", "5m")
	v.SetDefault("ConnectTimeout", "30s")
	v.SetDefault("IdleSocketTimeout", "90s")
	v.SetDefault("MaxSocketsPerGroup", 6)
	v.SetDefault("MaxHeaderBytes", 32*1024)
	v.SetDefault("TLSFallback", true)
	v.SetDefault("FetchTimeout", "60s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = BackendDisk
	}
	g.CacheMode = strings.ToLower(strings.TrimSpace(g.CacheMode))
	if g.ProxyRetryDelay.DurationValue() == 0 {
		g.ProxyRetryDelay = Duration(5 * time.Minute)
	}
	if g.ConnectTimeout.DurationValue() == 0 {
		g.ConnectTimeout = Duration(30 * time.Second)
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(60 * time.Second)
	}
}

func applyCredentialDefaults(c *CredentialConfig) {
	c.Host = strings.ToLower(strings.TrimSpace(c.Host))
	c.Realm = strings.TrimSpace(c.Realm)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectInlineCredentialURLs 拒绝把凭据写进 Host 的 URL 形式（user:pass@host），密码只能出现在 Password 字段。
func rejectInlineCredentialURLs(v *viper.Viper) error {
	raw := v.Get("Credential")
	creds, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range creds {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		host, _ := m["Host"].(string)
		if strings.Contains(host, "@") {
			return newFieldError(credentialField(fmt.Sprintf("#%d", idx), "Host"), "不允许内嵌用户名密码，请使用 Username/Password")
		}
	}

	return nil
}
