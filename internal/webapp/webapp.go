// Package webapp is the JSON HTTP front end.
package webapp

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"github.com/hyperifyio/talven/internal/botdetect"
	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/enginecache"
	"github.com/hyperifyio/talven/internal/plugin"
	"github.com/hyperifyio/talven/internal/preferences"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/search"
	"github.com/hyperifyio/talven/internal/suspend"
)

// Server holds everything the handlers need. All fields are set once at
// startup.
type Server struct {
	Searcher    *search.Searcher
	Engines     []engine.Descriptor
	Categories  []string
	Plugins     []plugin.Info
	Suspensions *suspend.Manager
	// Cookies may be nil, in which case the preferences cookie is ignored.
	Cookies *preferences.Codec
	// Tokens may be nil, in which case no link token is issued.
	Tokens *botdetect.Tokens
	// Locales are the supported search locales; the first is the default.
	Locales    []language.Tag
	SafeSearch int
	Headers    map[string]string
	Version    string

	// AdminToken enables the /admin routes. Requests must send it as a
	// bearer token.
	AdminToken  string
	EngineCache *enginecache.Cache
	Fetchers    map[string]engine.TraitsFetcher

	matcher language.Matcher
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	if len(s.Locales) == 0 {
		s.Locales = []language.Tag{language.English}
	}
	s.matcher = language.NewMatcher(s.Locales)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(defaultHeaders(s.Headers))
	r.Use(middleware.Recoverer)

	r.Get("/", s.index)
	r.Get("/healthz", health)
	r.Get("/search", s.search)
	r.Post("/search", s.search)
	r.Get("/config", s.config)
	r.Get("/preferences", s.showPreferences)
	r.Post("/preferences", s.savePreferences)
	if s.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(bearerAuth(s.AdminToken))
			r.Get("/suspensions", s.listSuspensions)
			r.Delete("/suspensions", s.resetSuspensions)
			r.Delete("/suspensions/{engine}", s.resetSuspension)
			r.Get("/enginecache", s.cacheState)
			r.Post("/enginecache/maintenance", s.cacheMaintenance)
		})
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	return r
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "Talven API",
		"version": s.Version,
		"message": "Pure RESTful API backend. Use /search endpoint.",
	})
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form")
		return
	}
	text := strings.TrimSpace(r.Form.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "No query provided")
		return
	}
	if f := r.Form.Get("format"); f != "" && f != "json" {
		s.fail(w, &engine.ParameterError{Name: "format", Value: f})
		return
	}

	prefs := preferences.FromForm(r, s.cookiePreferences(r))

	q, err := s.parseQuery(r, text, prefs)
	if err != nil {
		s.fail(w, err)
		return
	}

	rc := request.New(clientIP(r), r.UserAgent())
	if s.Tokens != nil {
		// Tokens from the previous window are still accepted.
		tok := r.Header.Get(engine.TokenHeader)
		if tok == "" || !s.Tokens.Verify(tok, rc.RemoteAddr, rc.UserAgent) {
			tok = s.Tokens.Token(rc.RemoteAddr, rc.UserAgent)
		}
		rc.Token = tok
		w.Header().Set(engine.TokenHeader, tok)
		q = q.WithToken(tok)
	}
	w.Header().Set("X-Request-Id", rc.ID)

	c, q, err := s.Searcher.Search(r.Context(), rc, q, prefs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Payload(q.Text))
}

func (s *Server) cookiePreferences(r *http.Request) preferences.Client {
	if s.Cookies == nil {
		return preferences.Unset()
	}
	p, err := s.Cookies.Read(r)
	if err != nil {
		log.Debug().Err(err).Msg("ignoring invalid preferences cookie")
	}
	return p
}

func (s *Server) showPreferences(w http.ResponseWriter, r *http.Request) {
	if s.Cookies == nil {
		writeError(w, http.StatusNotFound, "Preferences are disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.cookiePreferences(r))
}

// savePreferences merges the submitted form into the current cookie and
// issues the result as a new signed cookie.
func (s *Server) savePreferences(w http.ResponseWriter, r *http.Request) {
	if s.Cookies == nil {
		writeError(w, http.StatusNotFound, "Preferences are disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form")
		return
	}
	prefs := preferences.FromForm(r, s.cookiePreferences(r))
	if err := s.checkPreferences(prefs); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Cookies.Write(w, prefs); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) checkPreferences(p preferences.Client) error {
	if p.SafeSearch < -1 || p.SafeSearch > 2 {
		return &engine.ParameterError{Name: "safesearch", Value: strconv.Itoa(p.SafeSearch)}
	}
	engines := make(map[string]bool, len(s.Engines))
	for _, d := range s.Engines {
		engines[d.ID] = true
	}
	for _, id := range append(append([]string(nil), p.Engines...), p.DisabledEngines...) {
		if !engines[id] {
			return &engine.ParameterError{Name: "engines", Value: id}
		}
	}
	plugins := make(map[string]bool, len(s.Plugins))
	for _, info := range s.Plugins {
		plugins[info.ID] = true
	}
	for _, id := range append(append([]string(nil), p.EnabledPlugins...), p.DisabledPlugins...) {
		if !plugins[id] {
			return &engine.ParameterError{Name: "plugins", Value: id}
		}
	}
	return nil
}

func (s *Server) parseQuery(r *http.Request, text string, prefs preferences.Client) (engine.Query, error) {
	pageNo := 1
	if v := r.Form.Get("pageno"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return engine.Query{}, &engine.ParameterError{Name: "pageno", Value: v}
		}
		pageNo = n
	}
	safe := s.SafeSearch
	if prefs.SafeSearch >= 0 {
		safe = prefs.SafeSearch
	}
	if v := r.Form.Get("safesearch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return engine.Query{}, &engine.ParameterError{Name: "safesearch", Value: v}
		}
		safe = n
	}
	return engine.NewQuery(
		text,
		engine.SplitList(r.Form.Get("categories")),
		engine.SplitList(strings.ToLower(r.Form.Get("engines"))),
		s.locale(prefs.Language, r.Header.Get("Accept-Language")),
		safe,
		pageNo,
		r.Form.Get("time_range"),
	)
}

// locale picks the best supported locale for the requested language, falling
// back to Accept-Language; "auto" or empty means negotiate.
func (s *Server) locale(requested, acceptLanguage string) string {
	if requested == "all" {
		return ""
	}
	var prefs []string
	if requested != "" && requested != "auto" {
		prefs = append(prefs, requested)
	}
	prefs = append(prefs, acceptLanguage)
	_, idx := language.MatchStrings(s.matcher, prefs...)
	return s.Locales[idx].String()
}

func (s *Server) config(w http.ResponseWriter, _ *http.Request) {
	type engineInfo struct {
		Name       string   `json:"name"`
		Shortcut   string   `json:"shortcut"`
		Categories []string `json:"categories"`
		Weight     float64  `json:"weight"`
		Timeout    float64  `json:"timeout"`
		Params     []string `json:"supported_params"`
		Enabled    bool     `json:"enabled"`
		Suspended  bool     `json:"suspended"`
	}
	engines := make([]engineInfo, 0, len(s.Engines))
	for _, d := range s.Engines {
		info := engineInfo{
			Name:       d.Name,
			Shortcut:   d.ID,
			Categories: d.Categories,
			Weight:     d.Weight,
			Timeout:    d.Timeout.Seconds(),
			Params:     d.Params,
			Enabled:    !d.Disabled,
		}
		if s.Suspensions != nil {
			rec, _ := s.Suspensions.Get(d.ID)
			info.Suspended = rec.Active
		}
		engines = append(engines, info)
	}
	locales := make([]string, 0, len(s.Locales))
	for _, t := range s.Locales {
		locales = append(locales, t.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.Version,
		"categories":  s.Categories,
		"engines":     engines,
		"plugins":     s.Plugins,
		"locales":     locales,
		"safe_search": s.SafeSearch,
	})
}

// fail maps err to a response. Parameter problems are the client's fault and
// are echoed; anything else is logged and hidden behind a generic message.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var pe *engine.ParameterError
	if errors.As(err, &pe) {
		log.Debug().Err(err).Msg("search parameter error")
		writeError(w, http.StatusBadRequest, pe.Error())
		return
	}
	log.Error().Err(err).Msg("search failed")
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func defaultHeaders(h map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range h {
				if w.Header().Get(k) == "" {
					w.Header().Set(k, v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("remote", clientIP(r)).
			Msg("http request")
	})
}
