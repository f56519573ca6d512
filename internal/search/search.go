package search

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/plugin"
	"github.com/hyperifyio/talven/internal/preferences"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

// Searcher is the full search path: resolve preferences, run pre-search
// hooks, dispatch, run post-search hooks.
type Searcher struct {
	Resolver   *preferences.Resolver
	Pipeline   *plugin.Pipeline
	Dispatcher *Dispatcher
	Policy     results.Policy
}

// Search returns the populated container and the query as rewritten by the
// plugins. Input problems are returned as *engine.ParameterError; anything
// else is an internal failure.
func (s *Searcher) Search(ctx context.Context, rc *request.Context, q engine.Query, prefs preferences.Client) (c *results.Container, out engine.Query, err error) {
	eff, err := s.Resolver.Resolve(q, prefs)
	if err != nil {
		return nil, q, err
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("request", rc.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("search crashed")
			c, err = nil, fmt.Errorf("search: %v", r)
		}
	}()

	c = results.New(s.Policy)
	plugins := eff.PluginSet()
	q, stop := s.Pipeline.Pre(ctx, rc, q, c, plugins)
	if !stop {
		s.Dispatcher.Dispatch(ctx, rc, q, eff.Engines, c)
	}
	s.Pipeline.Post(ctx, rc, q, c, plugins)
	ev := log.Info().
		Str("request", rc.ID).
		Strs("engines", eff.EngineIDs()).
		Int("results", c.Len()).
		Dur("took", rc.Elapsed()).
		Interface("timings", rc.Timings())
	if errs := rc.Errors(); len(errs) > 0 {
		ev = ev.Interface("errors", errs)
	}
	ev.Msg("search done")
	return c, q, nil
}
