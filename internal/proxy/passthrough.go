package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/hub-mirror/internal/server"
)

// passthrough 把非文件请求（/api/...、HEAD 以外的方法等）原样转发到 Hub 上游，不写缓存。
func (h *Handler) passthrough(c fiber.Ctx, route *server.HubRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	h.counters.RecordPassthrough()

	target := resolveUpstreamURL(route.UpstreamURL, c)
	req, err := h.buildUpstreamRequest(c, target, route)
	if err != nil {
		h.logPassthrough(route, target.String(), requestID, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.clientFor(route).Do(req)
	if err != nil {
		h.logPassthrough(route, target.String(), requestID, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerUpstream, target.String())
	c.Set(headerCacheHit, "false")
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		h.logPassthrough(route, target.String(), requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logPassthrough(route, target.String(), requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, target *url.URL, route *server.HubRoute) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))

	if auth := route.Authorization(); auth != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

// clientFor 返回带 Hub 代理配置的客户端，按 hub 缓存。
func (h *Handler) clientFor(route *server.HubRoute) *http.Client {
	if route.ProxyURL == nil {
		return h.client
	}
	if cached, ok := h.clients.Load(route.Config.Name); ok {
		return cached.(*http.Client)
	}
	client := server.WithProxy(h.client, route.ProxyURL)
	actual, _ := h.clients.LoadOrStore(route.Config.Name, client)
	return actual.(*http.Client)
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	rawPath := string(uri.PathOriginal())
	if rawPath == "" {
		rawPath = "/"
	}
	relative := &url.URL{}
	if parsed, err := url.ParseRequestURI(rawPath); err == nil {
		relative.Path = parsed.Path
		relative.RawPath = parsed.RawPath
	} else {
		relative.Path = string(uri.Path())
	}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func (h *Handler) logPassthrough(route *server.HubRoute, target, requestID string, status int, started time.Time, err error) {
	fields := h.routeFields(route, requestID)
	fields["action"] = "passthrough"
	fields["upstream"] = target
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
