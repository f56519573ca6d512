package webapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/hyperifyio/talven/internal/botdetect"
	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/enginecache"
	"github.com/hyperifyio/talven/internal/plugin"
	"github.com/hyperifyio/talven/internal/preferences"
	"github.com/hyperifyio/talven/internal/search"
	"github.com/hyperifyio/talven/internal/suspend"
)

type stubEngine struct {
	calls atomic.Int32
	last  atomic.Value
	panic bool
}

func (s *stubEngine) ID() string { return "stub" }

func (s *stubEngine) Search(_ context.Context, q engine.Query, _ engine.Traits) (engine.Response, error) {
	s.calls.Add(1)
	s.last.Store(q)
	return engine.Response{Results: []engine.Result{{URL: "https://go.dev/?utm_source=x", Title: "Go", Snippet: "gopher", Rank: 1, Category: "general"}}}, nil
}

func newServer(t *testing.T) (*Server, *stubEngine) {
	t.Helper()
	stub := &stubEngine{}
	reg := &engine.Registry{}
	if err := reg.Register(engine.Descriptor{ID: "stub", Name: "Stub", Categories: []string{"general"}, Weight: 1, Timeout: time.Second, Params: []string{engine.ParamPaging}}, stub); err != nil {
		t.Fatalf("register: %v", err)
	}
	plugins := []plugin.Plugin{plugin.Hash{}, plugin.TrackerURLRemover{}}
	pipe, _ := plugin.New(plugins...)
	infos := pipe.Infos()
	mgr := suspend.New(suspend.Durations{})
	s := &Server{
		Searcher: &search.Searcher{
			Resolver:   &preferences.Resolver{Engines: reg.Descriptors(), Plugins: infos},
			Pipeline:   pipe,
			Dispatcher: &search.Dispatcher{Engines: reg, Suspensions: mgr},
		},
		Engines:     reg.Descriptors(),
		Categories:  reg.Categories(),
		Plugins:     infos,
		Suspensions: mgr,
		Locales:     []language.Tag{language.English, language.German, language.Finnish},
		Headers:     map[string]string{"X-Content-Type-Options": "nosniff"},
		Version:     "test",
	}
	return s, stub
}

func do(t *testing.T, h http.Handler, method, target string, body url.Values, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIndexAndHealth(t *testing.T) {
	s, _ := newServer(t)
	h := s.Handler()
	rec := do(t, h, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"test"`) {
		t.Fatalf("unexpected index: %d %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("default headers not applied")
	}
	rec = do(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health: %d %q", rec.Code, rec.Body)
	}
}

func TestSearch_MissingQueryIs400(t *testing.T) {
	s, stub := newServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/search?q=", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] == "" {
		t.Fatalf("expected error message, got %s", rec.Body)
	}
	if stub.calls.Load() != 0 {
		t.Fatalf("no engine may be contacted")
	}
}

func TestSearch_ParameterErrors(t *testing.T) {
	s, _ := newServer(t)
	h := s.Handler()
	for _, target := range []string{
		"/search?q=x&pageno=zero",
		"/search?q=x&time_range=decade",
		"/search?q=x&format=rss",
		"/search?q=x&engines=missing",
	} {
		rec := do(t, h, http.MethodGet, target, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", target, rec.Code, rec.Body)
		}
	}
}

func TestSearch_ReturnsPayload(t *testing.T) {
	s, stub := newServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/search", url.Values{"q": {"golang"}, "pageno": {"2"}}, map[string]string{"Accept-Language": "de-DE,de;q=0.9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id")
	}
	var payload struct {
		Query   string `json:"query"`
		Results []struct {
			URL     string   `json:"url"`
			Engines []string `json:"engines"`
		} `json:"results"`
		Unresponsive []any `json:"unresponsive_engines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Query != "golang" || len(payload.Results) != 1 || payload.Results[0].URL != "https://go.dev/" {
		t.Fatalf("unexpected payload %s", rec.Body)
	}
	q := stub.last.Load().(engine.Query)
	if q.PageNo != 2 || q.Language() != "de" {
		t.Fatalf("unexpected query sent to engine: %+v", q)
	}
}

func TestSearch_PluginAnswerSkipsEngines(t *testing.T) {
	s, stub := newServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/search?q=md5+hello", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "5d41402abc4b2a76b9719d911017c592") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body)
	}
	if stub.calls.Load() != 0 {
		t.Fatalf("engine contacted despite plugin answer")
	}
}

func TestConfig(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/config", nil, nil)
	var doc struct {
		Engines []struct {
			Shortcut string `json:"shortcut"`
		} `json:"engines"`
		Plugins []plugin.Info `json:"plugins"`
		Locales []string      `json:"locales"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Engines) != 1 || doc.Engines[0].Shortcut != "stub" || len(doc.Plugins) != 2 || len(doc.Locales) != 3 {
		t.Fatalf("unexpected config %s", rec.Body)
	}
}

func TestLocaleNegotiation(t *testing.T) {
	s, _ := newServer(t)
	s.Handler()
	cases := []struct{ requested, accept, want string }{
		{"fi", "", "fi"},
		{"auto", "de-AT", "de"},
		{"", "", "en"},
		{"xx", "", "en"},
		{"all", "de", ""},
	}
	for _, tc := range cases {
		if got := s.locale(tc.requested, tc.accept); got != tc.want {
			t.Fatalf("locale(%q, %q)=%q, want %q", tc.requested, tc.accept, got, tc.want)
		}
	}
}

func TestPreferences_CookieAppliesToSearch(t *testing.T) {
	s, stub := newServer(t)
	codec, err := preferences.NewCodec([]byte("0123456789abcdef0123456789abcdef"), nil, false)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	s.Cookies = codec
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/preferences", url.Values{"engines": {"stub"}, "safesearch": {"2"}, "language": {"fi"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rec.Code, rec.Body)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != preferences.CookieName || !cookies[0].HttpOnly {
		t.Fatalf("expected one http-only preferences cookie, got %+v", cookies)
	}
	cookie := cookies[0].Name + "=" + cookies[0].Value

	rec = do(t, h, http.MethodGet, "/preferences", nil, map[string]string{"Cookie": cookie})
	if !strings.Contains(rec.Body.String(), `"safesearch":2`) {
		t.Fatalf("stored preferences not returned: %s", rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/search?q=go", nil, map[string]string{"Cookie": cookie})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body)
	}
	q := stub.last.Load().(engine.Query)
	if q.SafeSearch != 2 || q.Language() != "fi" {
		t.Fatalf("cookie preferences not applied: %+v", q)
	}

	rec = do(t, h, http.MethodGet, "/search?q=go", nil, map[string]string{"Cookie": preferences.CookieName + "=forged"})
	if rec.Code != http.StatusOK {
		t.Fatalf("forged cookie should be ignored, got %d", rec.Code)
	}
	if q := stub.last.Load().(engine.Query); q.SafeSearch != 0 {
		t.Fatalf("forged cookie must not apply: %+v", q)
	}
}

func TestPreferences_RejectsUnknownNames(t *testing.T) {
	s, _ := newServer(t)
	s.Cookies, _ = preferences.NewCodec([]byte("0123456789abcdef0123456789abcdef"), nil, false)
	h := s.Handler()
	for _, form := range []url.Values{
		{"engines": {"missing"}},
		{"disabled_plugins": {"nope"}},
		{"safesearch": {"7"}},
	} {
		rec := do(t, h, http.MethodPost, "/preferences", form, nil)
		if rec.Code != http.StatusBadRequest || len(rec.Result().Cookies()) != 0 {
			t.Fatalf("%v: expected 400 without cookie, got %d", form, rec.Code)
		}
	}
}

func TestPreferences_DisabledWithoutCodec(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/preferences", url.Values{"engines": {"stub"}}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSearch_LinkTokenIsReusedWhileValid(t *testing.T) {
	s, stub := newServer(t)
	tokens, err := botdetect.New([]byte("0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	s.Tokens = tokens
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/search?q=go", nil, map[string]string{"User-Agent": "ua"})
	issued := rec.Header().Get(engine.TokenHeader)
	if len(issued) != 32 || stub.last.Load().(engine.Query).Token != issued {
		t.Fatalf("token not issued or forwarded: %q", issued)
	}

	rec = do(t, h, http.MethodGet, "/search?q=go", nil, map[string]string{"User-Agent": "ua", engine.TokenHeader: issued})
	if got := rec.Header().Get(engine.TokenHeader); got != issued {
		t.Fatalf("valid token should be kept, got %q", got)
	}

	rec = do(t, h, http.MethodGet, "/search?q=go", nil, map[string]string{"User-Agent": "ua", engine.TokenHeader: "deadbeef"})
	if got := rec.Header().Get(engine.TokenHeader); got != issued {
		t.Fatalf("forged token should be replaced, got %q", got)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	s, _ := newServer(t)
	if rec := do(t, s.Handler(), http.MethodGet, "/admin/suspensions", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("admin routes must not exist without a token, got %d", rec.Code)
	}
	s.AdminToken = "s3cret"
	h := s.Handler()
	for _, auth := range []string{"", "Bearer wrong", "s3cret"} {
		rec := do(t, h, http.MethodGet, "/admin/suspensions", nil, map[string]string{"Authorization": auth})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", auth, rec.Code)
		}
	}
}

func TestAdmin_ListAndResetSuspensions(t *testing.T) {
	s, stub := newServer(t)
	s.AdminToken = "s3cret"
	auth := map[string]string{"Authorization": "Bearer s3cret"}
	h := s.Handler()
	s.Suspensions.Suspend("stub", engine.KindCaptcha, 0, "captcha page")

	rec := do(t, h, http.MethodGet, "/admin/suspensions", nil, auth)
	var recs []suspend.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || !recs[0].Active || recs[0].Reason != "captcha" {
		t.Fatalf("unexpected suspensions %s", rec.Body)
	}
	do(t, h, http.MethodGet, "/search?q=go", nil, nil)
	if stub.calls.Load() != 0 {
		t.Fatalf("suspended engine was contacted")
	}

	if rec := do(t, h, http.MethodDelete, "/admin/suspensions/missing", nil, auth); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown engine: expected 404, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/admin/suspensions/stub", nil, auth)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), `"suspended":true`) {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body)
	}
	do(t, h, http.MethodGet, "/search?q=go", nil, nil)
	if stub.calls.Load() != 1 {
		t.Fatalf("engine should be back in rotation after reset")
	}

	s.Suspensions.Suspend("stub", engine.KindAccessDenied, 0, "")
	rec = do(t, h, http.MethodDelete, "/admin/suspensions", nil, auth)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("reset all: %d %s", rec.Code, rec.Body)
	}
}

type traitsFunc func(context.Context) (engine.Traits, error)

func (f traitsFunc) FetchTraits(ctx context.Context) (engine.Traits, error) { return f(ctx) }

func TestAdmin_EngineCacheMaintenance(t *testing.T) {
	s, _ := newServer(t)
	s.AdminToken = "s3cret"
	cache, err := enginecache.Open("", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.EngineCache = cache
	s.Fetchers = map[string]engine.TraitsFetcher{
		"stub": traitsFunc(func(context.Context) (engine.Traits, error) {
			return engine.Traits{Languages: map[string]string{"en": "en"}}, nil
		}),
	}
	auth := map[string]string{"Authorization": "Bearer s3cret"}
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/admin/enginecache/maintenance", nil, auth)
	var rep enginecache.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("maintenance: %d %s", rec.Code, rec.Body)
	}
	if len(rep.Refreshed) != 1 || rep.Refreshed[0] != "stub" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, ok := cache.Get("stub"); !ok {
		t.Fatalf("live cache should hold the refreshed traits")
	}

	rec = do(t, h, http.MethodGet, "/admin/enginecache", nil, auth)
	var st enginecache.State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || len(st.Entries) != 1 {
		t.Fatalf("state: %d %s", rec.Code, rec.Body)
	}
}
