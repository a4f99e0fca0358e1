package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "HUB_MIRROR"

// envOverrides 映射 HUB_MIRROR_* 环境变量，非空值覆盖配置文件。
type envOverrides struct {
	Config        string `envconfig:"CONFIG"`
	Upstream      string `envconfig:"UPSTREAM"`
	Token         string `envconfig:"TOKEN"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	ListenPort    int    `envconfig:"LISTEN_PORT"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	CacheCapacity string `envconfig:"CACHE_CAPACITY"`
}

func readEnv() (envOverrides, error) {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return envOverrides{}, fmt.Errorf("读取环境变量失败: %w", err)
	}
	return env, nil
}

// apply 叠加环境变量。HUB_MIRROR_UPSTREAM 替换默认 Hub 的上游，未配置任何 Hub 时创建名为 default 的 Hub。
func (e envOverrides) apply(cfg *Config) error {
	if e.StoragePath != "" {
		cfg.Global.StoragePath = e.StoragePath
	}
	if e.ListenPort != 0 {
		cfg.Global.ListenPort = e.ListenPort
	}
	if e.LogLevel != "" {
		cfg.Global.LogLevel = e.LogLevel
	}
	if e.CacheCapacity != "" {
		var capacity ByteSize
		if err := capacity.UnmarshalText([]byte(e.CacheCapacity)); err != nil {
			return newFieldError(EnvPrefix+"_CACHE_CAPACITY", err.Error())
		}
		cfg.Global.CacheCapacity = capacity
	}

	if e.Upstream == "" && e.Token == "" {
		return nil
	}
	hub, ok := cfg.DefaultHub()
	if !ok {
		if len(cfg.Hubs) > 0 || e.Upstream == "" {
			return newFieldError(EnvPrefix+"_UPSTREAM", "存在多个 Hub 时需要将其中一个标记为 Default")
		}
		cfg.Hubs = append(cfg.Hubs, HubConfig{Name: "default", Domain: "localhost", Default: true})
		hub = &cfg.Hubs[0]
	}
	if e.Upstream != "" {
		hub.Upstream = e.Upstream
	}
	if e.Token != "" {
		hub.Token = e.Token
	}
	return nil
}
