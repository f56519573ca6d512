package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/enginecache"
	"github.com/hyperifyio/talven/internal/results"
)

func testConfig(t *testing.T, engines ...engine.Config) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Engines = engines
	cfg.EngineCache.Path = filepath.Join(t.TempDir(), "engines.db")
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func getPayload(t *testing.T, h http.Handler, target string) results.Payload {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d body %s", target, rr.Code, rr.Body.String())
	}
	var p results.Payload
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return p
}

func TestNew_SearchesConfiguredEngines(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Go","url":"https://go.dev/","content":"The Go language"},
			{"title":"Tour","url":"https://go.dev/tour/","content":"A tour"}],
			"suggestions":["golang"]}`))
	}))
	defer upstream.Close()

	local := writeFile(t, "local.json", `[{"title":"Go home","url":"https://go.dev","snippet":"go"}]`)
	cfg := testConfig(t,
		engine.Config{Name: "upstream", Type: engine.TypeSearxNG, BaseURL: upstream.URL},
		engine.Config{Name: "local", Type: engine.TypeFile, Path: local, Weight: 2},
	)
	a := newTestApp(t, cfg)

	p := getPayload(t, a.Handler(), "/search?q=go&format=json")
	if len(p.Results) != 2 {
		t.Fatalf("want 2 merged results, got %+v", p.Results)
	}
	top := p.Results[0]
	if top.URL != "https://go.dev/" && top.URL != "https://go.dev" {
		t.Fatalf("top result=%+v", top)
	}
	if len(top.Engines) != 2 {
		t.Fatalf("top result should be merged from both engines: %+v", top.Engines)
	}
	if len(p.Suggestions) != 1 || p.Suggestions[0] != "golang" {
		t.Fatalf("suggestions=%v", p.Suggestions)
	}
	if len(p.Unresponsive) != 0 {
		t.Fatalf("unresponsive=%+v", p.Unresponsive)
	}
}

func TestNew_RateLimitedEngineIsSuspended(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	cfg := testConfig(t, engine.Config{Name: "limited", Type: engine.TypeSearxNG, BaseURL: upstream.URL})
	cfg.Outgoing.Retry = false
	a := newTestApp(t, cfg)

	p := getPayload(t, a.Handler(), "/search?q=x")
	if len(p.Unresponsive) != 1 || p.Unresponsive[0].Reason != "too_many_requests" {
		t.Fatalf("unresponsive=%+v", p.Unresponsive)
	}
	rec, ok := a.Suspensions().Get("limited")
	if !ok || !rec.Active {
		t.Fatalf("engine should be suspended: %+v", rec)
	}

	p = getPayload(t, a.Handler(), "/search?q=x")
	if hits.Load() != 1 {
		t.Fatalf("suspended engine was queried again: %d hits", hits.Load())
	}
	if len(p.Unresponsive) != 1 || p.Unresponsive[0].Reason != "suspended" {
		t.Fatalf("unresponsive=%+v", p.Unresponsive)
	}
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	cases := map[string]Config{
		"no engines":   testConfig(t),
		"unknown type": testConfig(t, engine.Config{Name: "x", Type: "gopher"}),
		"duplicate": testConfig(t,
			engine.Config{Name: "a", Type: engine.TypeFile, Path: "a.json"},
			engine.Config{Name: "a", Type: engine.TypeFile, Path: "b.json"}),
	}
	policy := testConfig(t, engine.Config{Name: "a", Type: engine.TypeFile, Path: "a.json"})
	policy.Preferences.AllowedEngines = []string{"missing"}
	cases["unknown policy engine"] = policy

	for name, cfg := range cases {
		_, err := New(context.Background(), cfg)
		var se *engine.SettingsError
		if !errors.As(err, &se) {
			t.Fatalf("%s: want *engine.SettingsError, got %v", name, err)
		}
	}
}

func TestNew_SecretEnablesCookiesAndTokens(t *testing.T) {
	var token atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token.Store(r.Header.Get(engine.TokenHeader))
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t, engine.Config{Name: "up", Type: engine.TypeSearxNG, BaseURL: upstream.URL, ForwardToken: true})
	cfg.Server.SecretKey = "0123456789abcdef0123456789abcdef"
	cfg.BotDetection.Enabled = true
	a := newTestApp(t, cfg)
	if a.server.Cookies == nil || a.server.Tokens == nil {
		t.Fatalf("cookies and tokens should be configured")
	}

	getPayload(t, a.Handler(), "/search?q=x")
	if v, _ := token.Load().(string); len(v) != 32 {
		t.Fatalf("upstream should receive a link token, got %q", v)
	}
}

func TestBuildPipeline_LLMOnlyWhenConfigured(t *testing.T) {
	p, err := buildPipeline(context.Background(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	for _, info := range p.Infos() {
		if info.ID == "llm_answer" {
			t.Fatalf("llm_answer registered without an endpoint")
		}
	}
	if len(p.Infos()) != 4 {
		t.Fatalf("want 4 built-in plugins, got %d", len(p.Infos()))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
}

// A write by another process (enginelib) reaches the running server.
func TestRun_ReloadsEngineCacheWrittenElsewhere(t *testing.T) {
	local := writeFile(t, "local.json", `[]`)
	cfg := testConfig(t, engine.Config{Name: "local", Type: engine.TypeFile, Path: local})
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.EngineCache.ReloadInterval = 20 * time.Millisecond
	a := newTestApp(t, cfg)
	runApp(t, a)

	other, err := enginecache.Open(cfg.EngineCache.Path, 0)
	if err != nil {
		t.Fatalf("second open while serving: %v", err)
	}
	if err := other.Put("local", engine.Traits{Languages: map[string]string{"en": "en"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	waitFor(t, "reloaded traits", func() bool {
		_, ok := a.EngineCache().Get("local")
		return ok
	})
}

func TestRun_ScheduledMaintenance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"locales":{"en":"English"}}`))
	}))
	defer upstream.Close()
	cfg := testConfig(t, engine.Config{Name: "up", Type: engine.TypeSearxNG, BaseURL: upstream.URL})
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.EngineCache.MaintenanceInterval = 20 * time.Millisecond
	a := newTestApp(t, cfg)
	runApp(t, a)

	waitFor(t, "refreshed traits", func() bool {
		tr, ok := a.EngineCache().Get("up")
		return ok && len(tr.Languages) == 1
	})
}

func TestOpenEngineCache_BadPathIsSettingsError(t *testing.T) {
	cfg := testConfig(t)
	if _, err := OpenEngineCache(cfg); err != nil {
		t.Fatalf("open: %v", err)
	}
	cfg.EngineCache.Path = t.TempDir()
	_, err := OpenEngineCache(cfg)
	var se *engine.SettingsError
	if !errors.As(err, &se) {
		t.Fatalf("a directory path is a settings problem, got %v", err)
	}
}
