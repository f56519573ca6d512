package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/language"

	"github.com/hyperifyio/talven/internal/botdetect"
	"github.com/hyperifyio/talven/internal/cache"
	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/enginecache"
	"github.com/hyperifyio/talven/internal/fetch"
	"github.com/hyperifyio/talven/internal/llm"
	"github.com/hyperifyio/talven/internal/plugin"
	"github.com/hyperifyio/talven/internal/preferences"
	"github.com/hyperifyio/talven/internal/results"
	"github.com/hyperifyio/talven/internal/search"
	"github.com/hyperifyio/talven/internal/suspend"
	"github.com/hyperifyio/talven/internal/webapp"
)

// App owns every long-lived component. Build it with New and release it
// with Close.
type App struct {
	cfg         Config
	registry    *engine.Registry
	suspensions *suspend.Manager
	cache       *enginecache.Cache
	pipeline    *plugin.Pipeline
	searcher    *search.Searcher
	server      *webapp.Server
}

// New validates cfg and wires the service. Settings problems come back as
// *engine.SettingsError; startup must not continue past them.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	hc, fc := newFetchClient(cfg.Outgoing)
	registry, err := buildRegistry(cfg, fc)
	if err != nil {
		return nil, err
	}
	traits, err := OpenEngineCache(cfg)
	if err != nil {
		return nil, err
	}

	pipeline, err := buildPipeline(ctx, cfg, hc)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		registry:    registry,
		suspensions: suspend.New(cfg.Search.SuspendedTimes),
		cache:       traits,
		pipeline:    pipeline,
	}
	policy := results.Policy{Exponent: cfg.Search.RankExponent, MaxPerCategory: cfg.Search.MaxPerCategory}
	a.searcher = &search.Searcher{
		Resolver: &preferences.Resolver{
			Engines: registry.Descriptors(),
			Plugins: pipeline.Infos(),
			Policy:  cfg.Preferences,
		},
		Pipeline: pipeline,
		Dispatcher: &search.Dispatcher{
			Engines:     registry,
			Suspensions: a.suspensions,
			Traits:      traits,
			Workers:     cfg.Search.Workers,
			Deadline:    cfg.Search.Deadline,
		},
		Policy: policy,
	}

	a.server = &webapp.Server{
		Searcher:    a.searcher,
		Engines:     registry.Descriptors(),
		Categories:  registry.Categories(),
		Plugins:     pipeline.Infos(),
		Suspensions: a.suspensions,
		SafeSearch:  cfg.Search.SafeSearch,
		Headers:     cfg.Server.Headers,
		Version:     Version(),
		AdminToken:  cfg.Server.AdminToken,
		EngineCache: traits,
		Fetchers:    registry.Fetchers(),
	}
	for _, l := range cfg.Search.Locales {
		a.server.Locales = append(a.server.Locales, language.Make(l))
	}
	if secret := cfg.Server.SecretKey; secret != "" {
		hashKey := blake2b.Sum512([]byte("talven/cookie-hash\x00" + secret))
		blockKey := blake2b.Sum256([]byte("talven/cookie-block\x00" + secret))
		codec, err := preferences.NewCodec(hashKey[:], blockKey[:], cfg.Server.CookieSecure)
		if err != nil {
			return nil, &engine.SettingsError{Message: "server.secret_key", Err: err}
		}
		a.server.Cookies = codec
		if cfg.BotDetection.Enabled {
			tokenKey := blake2b.Sum256([]byte("talven/link-token\x00" + secret))
			tokens, err := botdetect.New(tokenKey[:], cfg.BotDetection.Window)
			if err != nil {
				return nil, &engine.SettingsError{Message: "botdetection", Err: err}
			}
			a.server.Tokens = tokens
		}
	} else {
		log.Warn().Msg("server.secret_key is empty; preferences cookie disabled")
	}

	log.Info().
		Int("engines", len(registry.Descriptors())).
		Int("plugins", len(pipeline.Infos())).
		Str("enginecache", cfg.EngineCache.Path).
		Bool("admin", cfg.Server.AdminToken != "").
		Msg("service ready")
	return a, nil
}

func newFetchClient(o OutgoingConfig) (*http.Client, *fetch.Client) {
	hc := newOutgoingHTTPClient(o)
	attempts := 1
	if o.Retry {
		attempts = 2
	}
	return hc, &fetch.Client{
		HTTPClient:    hc,
		UserAgent:     o.UserAgent,
		MaxAttempts:   attempts,
		MaxConcurrent: o.MaxConcurrent,
	}
}

// NewRegistry builds the configured engines without the rest of the
// service. Settings problems come back as *engine.SettingsError.
func NewRegistry(cfg Config) (*engine.Registry, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	_, fc := newFetchClient(cfg.Outgoing)
	return buildRegistry(cfg, fc)
}

func buildRegistry(cfg Config, fc *fetch.Client) (*engine.Registry, error) {
	registry, err := engine.NewRegistry(cfg.Engines, fc)
	if err != nil {
		return nil, err
	}
	if err := checkPolicy(cfg.Preferences, registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// OpenEngineCache opens the traits store. A file held by another process past
// the lock timeout is reported as enginecache.ErrLocked; any other failure is
// a *engine.SettingsError.
func OpenEngineCache(cfg Config) (*enginecache.Cache, error) {
	c, err := enginecache.Open(cfg.EngineCache.Path, cfg.EngineCache.MaxAge)
	if errors.Is(err, enginecache.ErrLocked) {
		return nil, err
	}
	if err != nil {
		return nil, &engine.SettingsError{File: cfg.EngineCache.Path, Message: "cannot open engine cache", Err: err}
	}
	return c, nil
}

// buildPipeline registers the built-in plugins in hook order. The answer
// plugin is only offered when an LLM endpoint is configured.
func buildPipeline(ctx context.Context, cfg Config, hc *http.Client) (*plugin.Pipeline, error) {
	ps := []plugin.Plugin{
		plugin.Hash{},
		plugin.SelfInfo{},
		plugin.TrackerURLRemover{},
		&plugin.Hostnames{Settings: cfg.Plugins.Hostnames},
	}
	if cfg.LLM.Configured() {
		client := llm.New(cfg.LLM, hc)
		preflightLLM(ctx, client)
		la := &plugin.LLMAnswer{
			Client:     client,
			Model:      cfg.LLM.Model,
			Timeout:    cfg.Plugins.LLMAnswer.Timeout,
			MaxResults: cfg.Plugins.LLMAnswer.MaxResults,
		}
		if dir := cfg.Plugins.LLMAnswer.CacheDir; dir != "" {
			answers := &cache.Answers{Dir: dir, MaxAge: cfg.Plugins.LLMAnswer.CacheMaxAge, StrictPerms: true}
			if n, err := answers.Purge(); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("answer cache purge failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("purged expired answers")
			}
			la.Cache = answers
		}
		ps = append(ps, la)
	}
	p, err := plugin.New(ps...)
	if err != nil {
		return nil, &engine.SettingsError{Message: "plugins", Err: err}
	}
	return p, nil
}

// preflightLLM lists models once so a misconfigured endpoint shows up in the
// startup log. It never fails startup.
func preflightLLM(ctx context.Context, client *openai.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	models, err := client.ListModels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("LLM model list failed; continuing")
		return
	}
	if len(models.Models) == 0 {
		log.Warn().Msg("LLM returned zero models")
		return
	}
	log.Info().Int("count", len(models.Models)).Msg("LLM models available")
}

// checkPolicy rejects preference settings naming engines that do not exist.
func checkPolicy(p preferences.Policy, r *engine.Registry) error {
	lists := map[string][]string{
		"preferences.allowed_engines":  p.AllowedEngines,
		"preferences.disabled_engines": p.DisabledEngines,
	}
	for key, ids := range lists {
		for _, id := range ids {
			if _, ok := r.Get(id); !ok {
				return &engine.SettingsError{Message: fmt.Sprintf("%s: unknown engine %q", key, id)}
			}
		}
	}
	return nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// EngineCache exposes the traits store for maintenance commands.
func (a *App) EngineCache() *enginecache.Cache { return a.cache }

// Suspensions exposes the suspension manager.
func (a *App) Suspensions() *suspend.Manager { return a.suspensions }

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go a.maintainCache(loopCtx)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("listen", srv.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// maintainCache reloads the traits mirror and runs scheduled maintenance
// until ctx ends.
func (a *App) maintainCache(ctx context.Context) {
	var reload, maint <-chan time.Time
	if d := a.cfg.EngineCache.ReloadInterval; d > 0 && a.cfg.EngineCache.Path != "" {
		t := time.NewTicker(d)
		defer t.Stop()
		reload = t.C
	}
	if d := a.cfg.EngineCache.MaintenanceInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		maint = t.C
	}
	if reload == nil && maint == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			if err := a.cache.Reload(); err != nil {
				log.Warn().Err(err).Msg("engine cache reload failed")
			}
		case <-maint:
			rep, err := a.cache.Maintenance(ctx, a.registry.Fetchers())
			if err != nil {
				log.Warn().Err(err).Msg("scheduled engine cache maintenance failed")
				continue
			}
			log.Info().
				Int("removed", len(rep.Removed)).
				Int("refreshed", len(rep.Refreshed)).
				Int("failed", len(rep.Failed)).
				Msg("scheduled engine cache maintenance done")
		}
	}
}
