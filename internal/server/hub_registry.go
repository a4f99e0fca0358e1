package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/any-hub/hub-mirror/internal/config"
)

// HubRoute 是单个 Hub 在运行期的视图：配置副本加上预解析的 URL。
type HubRoute struct {
	Config config.HubConfig
	// ListenPort 用于 X-Forwarded-Port 与诊断输出。
	ListenPort  int
	UpstreamURL *url.URL
	ProxyURL    *url.URL
}

// Authorization 返回访问上游时附带的 Authorization 值，未配置令牌时为空。
func (r *HubRoute) Authorization() string {
	if r == nil || !r.Config.HasToken() {
		return ""
	}
	return "Bearer " + r.Config.Token
}

// HubRegistry 把请求 Host 映射到 HubRoute。所有 Hub 共享一个监听端口，
// Host 未命中时交给默认 Hub，这样客户端只需把 HF_ENDPOINT 指向镜像地址。
type HubRegistry struct {
	byDomain map[string]*HubRoute
	byName   map[string]*HubRoute
	ordered  []*HubRoute
	fallback *HubRoute
}

// NewHubRegistry 在启动阶段构建一次，之后只读。
func NewHubRegistry(cfg *config.Config) (*HubRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &HubRegistry{
		byDomain: make(map[string]*HubRoute, len(cfg.Hubs)),
		byName:   make(map[string]*HubRoute, len(cfg.Hubs)),
	}
	for _, hub := range cfg.Hubs {
		domain := normalizeHost(hub.Domain)
		if domain == "" {
			return nil, fmt.Errorf("invalid domain for hub %s", hub.Name)
		}
		if _, exists := registry.byDomain[domain]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", domain)
		}
		if _, exists := registry.byName[hub.Name]; exists {
			return nil, fmt.Errorf("duplicate hub name %s", hub.Name)
		}

		route, err := newHubRoute(hub, cfg.Global.ListenPort)
		if err != nil {
			return nil, err
		}
		registry.byDomain[domain] = route
		registry.byName[hub.Name] = route
		registry.ordered = append(registry.ordered, route)
		if hub.Default {
			registry.fallback = route
		}
	}
	if registry.fallback == nil && len(registry.ordered) == 1 {
		registry.fallback = registry.ordered[0]
	}
	return registry, nil
}

// Lookup 按 Host（忽略端口、大小写与结尾的点）查找 HubRoute，未命中时返回默认 Hub。
func (r *HubRegistry) Lookup(host string) (*HubRoute, bool) {
	if r == nil {
		return nil, false
	}
	if route, ok := r.byDomain[normalizeHost(host)]; ok {
		return route, true
	}
	return r.fallback, r.fallback != nil
}

// Get 按名称返回 HubRoute。
func (r *HubRegistry) Get(name string) (*HubRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// Default 返回接收未匹配 Host 的 Hub。
func (r *HubRegistry) Default() (*HubRoute, bool) {
	if r == nil {
		return nil, false
	}
	return r.fallback, r.fallback != nil
}

// List 按配置顺序返回 HubRoute 副本。
func (r *HubRegistry) List() []HubRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]HubRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func newHubRoute(hub config.HubConfig, listenPort int) (*HubRoute, error) {
	upstreamURL, err := url.Parse(hub.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for hub %s: %w", hub.Name, err)
	}
	route := &HubRoute{
		Config:      hub,
		ListenPort:  listenPort,
		UpstreamURL: upstreamURL,
	}
	if hub.Proxy != "" {
		if route.ProxyURL, err = url.Parse(hub.Proxy); err != nil {
			return nil, fmt.Errorf("invalid proxy for hub %s: %w", hub.Name, err)
		}
	}
	return route, nil
}

// normalizeHost 去掉端口、结尾的点并转为小写；IPv6 字面量保留方括号内的地址。
func normalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
