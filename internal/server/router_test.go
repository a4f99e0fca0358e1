package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hub-mirror/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000, false)

	req := httptest.NewRequest("GET", "http://hf.mirror.local/api/models/gpt2", nil)
	req.Host = "hf.mirror.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Hub-Mirror-Host"))
	}

	if app.storage.routeName != "hf" {
		t.Fatalf("expected hf route, got %s", app.storage.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterKeepsClientRequestID(t *testing.T) {
	app := newTestApp(t, 5000, false)

	req := httptest.NewRequest("GET", "http://hf.mirror.local/gpt2/resolve/main/config.json", nil)
	req.Host = "hf.mirror.local"
	req.Header.Set("X-Request-ID", "trace-42")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "trace-42" {
		t.Fatalf("expected client request id to be echoed, got %q", got)
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000, false)

	req := httptest.NewRequest("GET", "http://unknown.local/api/models", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
}

func TestRouterFallsBackToDefaultHub(t *testing.T) {
	app := newTestApp(t, 5000, true)

	req := httptest.NewRequest("GET", "http://127.0.0.1:5000/gpt2/resolve/main/config.json", nil)
	req.Host = "127.0.0.1:5000"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected default hub to serve request, got %d", resp.StatusCode)
	}
	if app.storage.routeName != "hf" {
		t.Fatalf("expected default hf route, got %s", app.storage.routeName)
	}
}

func TestRouterLeavesDiagnosticsToLaterRoutes(t *testing.T) {
	app := newTestApp(t, 5000, false)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("expected diagnostics route, got %d %s", resp.StatusCode, string(body))
	}
	if app.storage.lastRoute != nil {
		t.Fatalf("proxy handler should not run for diagnostics paths")
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int, withDefault bool) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort: port,
		},
		Hubs: []config.HubConfig{
			{
				Name:     "hf",
				Domain:   "hf.mirror.local",
				Upstream: "https://huggingface.co",
				Default:  withDefault,
			},
			{
				Name:     "modelscope",
				Domain:   "ms.mirror.local",
				Upstream: "https://modelscope.cn",
			},
		},
	}

	registry, err := NewHubRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	lastRoute *HubRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *HubRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}

func TestRouterHealthz(t *testing.T) {
	app := newTestApp(t, 5000, false)

	req := httptest.NewRequest("GET", "http://unknown.local/-/healthz", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte(`"hubs":2`)) {
		t.Fatalf("unexpected healthz response %d %s", resp.StatusCode, string(body))
	}
}

func TestRouterUnknownDiagnosticsPathReturnsJSON404(t *testing.T) {
	app := newTestApp(t, 5000, false)

	req := httptest.NewRequest("GET", "http://hf.mirror.local/-/nope", nil)
	req.Host = "hf.mirror.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusNotFound || !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, string(body))
	}
}

func TestRouterReplacesOversizedRequestID(t *testing.T) {
	app := newTestApp(t, 5000, false)

	req := httptest.NewRequest("GET", "http://hf.mirror.local/api/models", nil)
	req.Host = "hf.mirror.local"
	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
}

type observedRequest struct {
	status int
	bytes  int64
}

type requestLog struct {
	mu   sync.Mutex
	seen []observedRequest
}

func (r *requestLog) ObserveRequest(status int, elapsed time.Duration, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, observedRequest{status: status, bytes: bytes})
}

func TestRouterReportsRequestTimings(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Hubs: []config.HubConfig{{
			Name:     "hf",
			Domain:   "hf.mirror.local",
			Upstream: "https://huggingface.co",
		}},
	}
	registry, err := NewHubRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	observed := &requestLog{}
	app, err := NewApp(AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: ProxyHandlerFunc(func(c fiber.Ctx, route *HubRoute) error {
			switch c.Path() {
			case "/boom":
				panic("boom")
			case "/down":
				return fiber.NewError(fiber.StatusServiceUnavailable, "down")
			}
			return c.SendString("hello")
		}),
		ListenPort: 5000,
		Observer:   observed,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	for _, target := range []string{"/ok", "/down", "/boom"} {
		req := httptest.NewRequest("GET", "http://hf.mirror.local"+target, nil)
		req.Host = "hf.mirror.local"
		if _, err := app.Test(req); err != nil {
			t.Fatalf("app.Test %s failed: %v", target, err)
		}
	}
	unknown := httptest.NewRequest("GET", "http://unknown.local/x", nil)
	unknown.Host = "unknown.local"
	if _, err := app.Test(unknown); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	want := []observedRequest{
		{status: fiber.StatusOK, bytes: 5},
		{status: fiber.StatusServiceUnavailable},
		{status: fiber.StatusInternalServerError},
		{status: fiber.StatusNotFound, bytes: int64(len(`{"error":"host_unmapped"}`))},
	}
	observed.mu.Lock()
	defer observed.mu.Unlock()
	if len(observed.seen) != len(want) {
		t.Fatalf("expected %d observations, got %+v", len(want), observed.seen)
	}
	for i, w := range want {
		if observed.seen[i] != w {
			t.Fatalf("observation %d: expected %+v, got %+v", i, w, observed.seen[i])
		}
	}
}
