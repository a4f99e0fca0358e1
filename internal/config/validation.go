package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别 "+g.LogLevel)
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.ChunkSize <= 0 {
		return newFieldError("Global.ChunkSize", "必须大于 0")
	}
	if g.CacheCapacity < 0 {
		return newFieldError("Global.CacheCapacity", "不能为负数")
	}
	if g.MetadataTTL.DurationValue() < 0 {
		return newFieldError("Global.MetadataTTL", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", "不能小于 InitialBackoff")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() < 0 {
		return newFieldError("Global.FetchTimeout", "不能为负数")
	}

	if len(c.Hubs) == 0 {
		return newFieldError("Hub", "至少需要配置一个 Hub")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	defaults := 0
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		hub.Name = strings.TrimSpace(hub.Name)
		if hub.Name == "" {
			return newFieldError("Hub[].Name", "不能为空")
		}
		if strings.ContainsAny(hub.Name, `/\`) || hub.Name == "." || hub.Name == ".." {
			return newFieldError(hubField(hub.Name, "Name"), "不能包含路径分隔符")
		}
		if _, exists := seenNames[hub.Name]; exists {
			return newFieldError(hubField(hub.Name, "Name"), "重复")
		}
		seenNames[hub.Name] = struct{}{}

		if err := validateDomain(hub.Domain); err != nil {
			return wrapFieldError(hubField(hub.Name, "Domain"), err)
		}
		domain := strings.ToLower(hub.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(hubField(hub.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(hub.Upstream); err != nil {
			return wrapFieldError(hubField(hub.Name, "Upstream"), err)
		}
		if hub.Proxy != "" {
			if err := validateUpstream(hub.Proxy); err != nil {
				return wrapFieldError(hubField(hub.Name, "Proxy"), err)
			}
		}
		if hub.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return newFieldError("Hub[].Default", "最多只能有一个默认 Hub")
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
