package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 负责把已经确定 Hub 的请求交给缓存/透传流程，测试中可注入假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx, *HubRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *HubRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *HubRoute) error {
	return f(c, route)
}

// RequestObserver 接收每个请求的最终状态码、耗时与响应字节数，*cachestats.Counters 实现该接口。
type RequestObserver interface {
	ObserveRequest(status int, elapsed time.Duration, bytes int64)
}

// AppOptions 汇总 NewApp 的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *HubRegistry
	Proxy      ProxyHandler
	ListenPort int
	// Observer 可为空。
	Observer RequestObserver
}

const (
	localsRoute     = "_hubmirror_route"
	localsRequestID = "_hubmirror_request_id"

	headerRequestID = "X-Request-ID"
	headerHost      = "X-Hub-Mirror-Host"

	// diagnosticsPrefix 下的路径由 routes 包注册，不参与 Host 路由。
	diagnosticsPrefix = "/-/"
	maxRequestIDLen   = 128
)

// NewApp 构造共享监听端口的 Fiber 应用：请求 ID 与 Host 路由中间件在前，
// 兜底路由把文件/透传请求交给 Proxy。/-/ 诊断路由由调用方在返回后注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("hub registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		AppName:       "hub-mirror",
		CaseSensitive: true,
		// Hub 令牌与长签名 URL 会让请求头超出 fasthttp 默认的 4KiB。
		ReadBufferSize: 16 << 10,
		ErrorHandler:   jsonErrorHandler(opts.Logger),
	})

	if opts.Observer != nil {
		app.Use(requestTimingMiddleware(opts.Observer))
	}
	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(hostRoutingMiddleware(opts))

	app.Get(diagnosticsPrefix+"healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"hubs":   len(opts.Registry.List()),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		route, ok := RouteFromContext(c)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, hostHeader(c), opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestTimingMiddleware 位于最外层，panic 已被内层 recover 转成错误。
// 错误尚未经过 ErrorHandler，状态码按 fiber.Error 推断。
func requestTimingMiddleware(observer RequestObserver) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		observer.ObserveRequest(status, time.Since(started), responseSize(c))
		return err
	}
}

// responseSize 不读取流式响应体，改用声明的 Content-Length。
func responseSize(c fiber.Ctx) int64 {
	if c.Method() == fiber.MethodHead {
		return 0
	}
	resp := c.Response()
	if resp.IsBodyStream() {
		if n := resp.Header.ContentLength(); n > 0 {
			return int64(n)
		}
		return 0
	}
	return int64(len(resp.Body()))
}

// requestIDMiddleware 沿用客户端传入的 X-Request-ID，缺失或过长时生成新的 UUID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get(headerRequestID))
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		c.Locals(localsRequestID, reqID)
		c.Set(headerRequestID, reqID)
		return c.Next()
	}
}

// hostRoutingMiddleware 根据 Host 选择 Hub，并把 HubRoute 存入 Locals。
func hostRoutingMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		host := hostHeader(c)
		route, ok := opts.Registry.Lookup(host)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, host, opts.ListenPort)
		}
		c.Locals(localsRoute, route)
		return c.Next()
	}
}

// jsonErrorHandler 让框架层错误（404 路由、panic 恢复等）也以 {"error": ...} 返回。
func jsonErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "request",
				"path":       string(c.Request().URI().Path()),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_error")
		}
		code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
		if code == "" {
			code = "internal_error"
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host_unmapped")

	if host != "" {
		c.Set(headerHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(c.Hostname())
}

func isDiagnosticsPath(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), diagnosticsPrefix)
}

// RouteFromContext 返回路由中间件选中的 HubRoute。
func RouteFromContext(c fiber.Ctx) (*HubRoute, bool) {
	route, ok := c.Locals(localsRoute).(*HubRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localsRequestID).(string)
	return reqID
}
