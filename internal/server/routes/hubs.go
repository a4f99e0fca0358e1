package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/hub-mirror/internal/server"
)

// RegisterHubRoutes 暴露 /-/hubs 诊断接口，列出 Host 与上游 Hub 的绑定关系。
func RegisterHubRoutes(app *fiber.App, registry *server.HubRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/hubs", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"hubs": encodeHubBindings(registry.List()),
		})
	})
}

type hubBindingPayload struct {
	HubName  string `json:"hub_name"`
	Domain   string `json:"domain"`
	Port     int    `json:"port"`
	Upstream string `json:"upstream"`
	Proxy    string `json:"proxy,omitempty"`
	AuthMode string `json:"auth_mode"`
	Default  bool   `json:"default"`
}

func encodeHubBindings(routes []server.HubRoute) []hubBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]hubBindingPayload, 0, len(routes))
	for _, route := range routes {
		item := hubBindingPayload{
			HubName:  route.Config.Name,
			Domain:   route.Config.Domain,
			Port:     route.ListenPort,
			AuthMode: route.Config.AuthMode(),
			Default:  route.Config.Default,
		}
		if route.UpstreamURL != nil {
			item.Upstream = route.UpstreamURL.String()
		}
		if route.ProxyURL != nil {
			// 代理地址可能内嵌凭据，只输出主机部分。
			item.Proxy = route.ProxyURL.Scheme + "://" + route.ProxyURL.Host
		}
		result = append(result, item)
	}
	return result
}
