package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// ByteSize 接受整数字节数或 "8MiB"、"200GB" 这类可读写法。
type ByteSize int64

// UnmarshalText 解析人类可读的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*b = ByteSize(intVal)
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	if b <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Hub 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// ChunkSize 是缓存与回源合并的最小单位。
	ChunkSize ByteSize `mapstructure:"ChunkSize"`
	// CacheCapacity 为 0 时不限制缓存总量。
	CacheCapacity ByteSize `mapstructure:"CacheCapacity"`
	// MetadataTTL 控制已解析文件描述符的复用时长。
	MetadataTTL     Duration `mapstructure:"MetadataTTL"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxBackoff      Duration `mapstructure:"MaxBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// FetchTimeout 是单个下载任务（含重试）的总时限。
	FetchTimeout Duration `mapstructure:"FetchTimeout"`
	// OfflineFallback 允许上游不可用时使用已缓存的描述符。
	OfflineFallback bool `mapstructure:"OfflineFallback"`
}

// HubConfig 决定单个镜像实例如何与下游/上游交互。
type HubConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Token    string `mapstructure:"Token"`
	// Default 的 Hub 接收 Host 未匹配的请求。
	Default bool `mapstructure:"Default"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Hubs   []HubConfig  `mapstructure:"Hub"`
}

// HasToken 表示当前 Hub 是否配置了上游访问令牌。
func (h HubConfig) HasToken() bool {
	return h.Token != ""
}

// AuthMode 输出 `token` 或 `anonymous`，供日志字段使用。
func (h HubConfig) AuthMode() string {
	if h.HasToken() {
		return "token"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Hub 的鉴权模式摘要，例如 hf:token。
func CredentialModes(hubs []HubConfig) []string {
	if len(hubs) == 0 {
		return nil
	}
	result := make([]string, len(hubs))
	for i, hub := range hubs {
		result[i] = fmt.Sprintf("%s:%s", hub.Name, hub.AuthMode())
	}
	return result
}

// DefaultHub 返回标记为 Default 的 Hub；只配置一个 Hub 时它即为默认。
func (c *Config) DefaultHub() (*HubConfig, bool) {
	for i := range c.Hubs {
		if c.Hubs[i].Default {
			return &c.Hubs[i], true
		}
	}
	if len(c.Hubs) == 1 {
		return &c.Hubs[0], true
	}
	return nil, false
}
