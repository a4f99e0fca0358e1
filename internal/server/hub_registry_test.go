package server

import (
	"testing"

	"github.com/any-hub/hub-mirror/internal/config"
)

func TestHubRegistryLookupByHost(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Hubs: []config.HubConfig{
			{
				Name:     "hf",
				Domain:   "hf.mirror.local",
				Upstream: "https://huggingface.co",
				Token:    "hf_xxx",
			},
			{
				Name:     "modelscope",
				Domain:   "ms.mirror.local",
				Upstream: "https://modelscope.cn",
				Proxy:    "http://127.0.0.1:7890",
			},
		},
	}

	registry, err := NewHubRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("HF.Mirror.Local.")
	if !ok {
		t.Fatalf("expected hf route")
	}
	if route.Config.Name != "hf" {
		t.Errorf("wrong hub returned: %s", route.Config.Name)
	}
	if route.UpstreamURL.String() != "https://huggingface.co" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ProxyURL != nil {
		t.Errorf("expected nil proxy")
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	ms, ok := registry.Get("modelscope")
	if !ok || ms.ProxyURL == nil || ms.ProxyURL.Host != "127.0.0.1:7890" {
		t.Fatalf("expected modelscope proxy to be parsed, got %+v", ms)
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
	if _, ok := registry.Lookup("other.local"); ok {
		t.Fatalf("expected miss without default hub")
	}
}

func TestHubRegistryParsesHostHeaderPort(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Hubs: []config.HubConfig{
			{Name: "hf", Domain: "hf.mirror.local", Upstream: "https://huggingface.co"},
			{Name: "ms", Domain: "ms.mirror.local", Upstream: "https://modelscope.cn"},
		},
	}

	registry, err := NewHubRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("ms.mirror.local:6000")
	if !ok || route.Config.Name != "ms" {
		t.Fatalf("expected lookup to ignore host header port")
	}
}

func TestHubRegistryDefaultFallback(t *testing.T) {
	single := &config.Config{
		Hubs: []config.HubConfig{
			{Name: "hf", Domain: "hf.mirror.local", Upstream: "https://huggingface.co"},
		},
	}
	registry, err := NewHubRegistry(single)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route, ok := registry.Lookup("localhost:8090"); !ok || route.Config.Name != "hf" {
		t.Fatalf("single hub should serve every host")
	}

	multi := &config.Config{
		Hubs: []config.HubConfig{
			{Name: "hf", Domain: "hf.mirror.local", Upstream: "https://huggingface.co"},
			{Name: "ms", Domain: "ms.mirror.local", Upstream: "https://modelscope.cn", Default: true},
		},
	}
	registry, err = NewHubRegistry(multi)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route, ok := registry.Lookup(""); !ok || route.Config.Name != "ms" {
		t.Fatalf("expected default hub for empty host")
	}
	if route, ok := registry.Lookup("hf.mirror.local"); !ok || route.Config.Name != "hf" {
		t.Fatalf("exact host must win over default hub")
	}
}

func TestHubRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := &config.Config{
		Hubs: []config.HubConfig{
			{Name: "hf", Domain: "hf.mirror.local", Upstream: "https://huggingface.co"},
			{Name: "hf-alt", Domain: "hf.mirror.local", Upstream: "https://hf-mirror.com"},
		},
	}

	if _, err := NewHubRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestHubRegistryDefaultAndAuthorization(t *testing.T) {
	cfg := &config.Config{
		Hubs: []config.HubConfig{
			{Name: "hf", Domain: "hf.mirror.local", Upstream: "https://huggingface.co", Token: "hf_xxx"},
			{Name: "ms", Domain: "ms.mirror.local", Upstream: "https://modelscope.cn"},
		},
	}
	registry, err := NewHubRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Default(); ok {
		t.Fatalf("no default hub expected with two unflagged hubs")
	}

	hf, _ := registry.Get("hf")
	if got := hf.Authorization(); got != "Bearer hf_xxx" {
		t.Fatalf("unexpected authorization %q", got)
	}
	ms, _ := registry.Get("ms")
	if got := ms.Authorization(); got != "" {
		t.Fatalf("anonymous hub should not send authorization, got %q", got)
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"HF.Mirror.Local.":   "hf.mirror.local",
		"hf.mirror.local:80": "hf.mirror.local",
		"[::1]:8090":         "::1",
		"[::1]":              "::1",
		"  ":                 "",
	}
	for in, want := range cases {
		if got := normalizeHost(in); got != want {
			t.Errorf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}
