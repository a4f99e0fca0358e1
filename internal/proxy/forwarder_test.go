package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/hub-mirror/internal/config"
	"github.com/any-hub/hub-mirror/internal/server"
)

const requestIDKey = "_hubmirror_request_id"

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, logger)

	if err := forwarder.Handle(ctx, testRoute()); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_missing") {
		t.Fatalf("expected error body to mention proxy_handler_missing, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(server.ProxyHandlerFunc(func(fiber.Ctx, *server.HubRoute) error {
		panic("boom")
	}), logger)

	if err := forwarder.Handle(ctx, testRoute()); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "proxy_handler_panic") {
		t.Fatalf("expected error body to mention proxy_handler_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "panic: boom") {
		t.Fatalf("expected log to include panic value, got %s", logBuf.String())
	}
}

func TestForwarderDelegates(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	called := false
	forwarder := NewForwarder(server.ProxyHandlerFunc(func(c fiber.Ctx, route *server.HubRoute) error {
		called = route.Config.Name == "hf"
		return c.SendStatus(fiber.StatusNoContent)
	}), logrus.New())

	if err := forwarder.Handle(ctx, testRoute()); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if !called || ctx.Response().StatusCode() != fiber.StatusNoContent {
		t.Fatalf("expected delegate handler to run")
	}
}

func testRoute() *server.HubRoute {
	return &server.HubRoute{
		Config: config.HubConfig{
			Name:   "hf",
			Domain: "hf.mirror.local",
		},
	}
}
