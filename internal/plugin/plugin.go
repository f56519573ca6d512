// Package plugin runs request-scoped hooks before engines are contacted and
// after their results are merged.
package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

// Info describes a plugin. HasPre and HasPost declare which hooks the
// pipeline calls; hooks not declared are never invoked.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	HasPre      bool   `json:"pre_search"`
	HasPost     bool   `json:"post_search"`
	DefaultOn   bool   `json:"default_on"`
}

// Plugin is implemented by every hook. PreSearch may return a rewritten query
// and stop=true to answer the request without contacting any engine.
type Plugin interface {
	Info() Info
	PreSearch(ctx context.Context, rc *request.Context, q engine.Query, c *results.Container) (out engine.Query, stop bool, err error)
	PostSearch(ctx context.Context, rc *request.Context, q engine.Query, c *results.Container) error
}

// Base provides no-op hooks for plugins implementing only one side.
type Base struct{}

func (Base) PreSearch(_ context.Context, _ *request.Context, q engine.Query, _ *results.Container) (engine.Query, bool, error) {
	return q, false, nil
}

func (Base) PostSearch(context.Context, *request.Context, engine.Query, *results.Container) error {
	return nil
}

// Pipeline holds plugins in registration order.
type Pipeline struct {
	plugins []Plugin
}

// New validates ids and builds a pipeline.
func New(ps ...Plugin) (*Pipeline, error) {
	seen := map[string]struct{}{}
	for _, p := range ps {
		id := p.Info().ID
		if id == "" {
			return nil, fmt.Errorf("plugin without id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate plugin %q", id)
		}
		seen[id] = struct{}{}
	}
	return &Pipeline{plugins: ps}, nil
}

// Infos lists the registered plugins in order.
func (p *Pipeline) Infos() []Info {
	out := make([]Info, 0, len(p.plugins))
	for _, pl := range p.plugins {
		out = append(out, pl.Info())
	}
	return out
}

// Pre runs the enabled pre-search hooks in order. A failing hook is logged,
// recorded on rc and skipped; the query it was given flows on unchanged.
func (p *Pipeline) Pre(ctx context.Context, rc *request.Context, q engine.Query, c *results.Container, enabled map[string]bool) (engine.Query, bool) {
	for _, pl := range p.plugins {
		info := pl.Info()
		if !info.HasPre || !enabled[info.ID] {
			continue
		}
		out, stop, err := runPre(ctx, pl, rc, q, c)
		if err != nil {
			log.Error().Err(err).Str("plugin", info.ID).Str("request", rc.ID).Msg("pre-search hook failed")
			rc.RecordError(info.ID, err)
			continue
		}
		q = out
		if stop {
			log.Debug().Str("plugin", info.ID).Str("request", rc.ID).Msg("search answered by plugin")
			return q, true
		}
	}
	return q, false
}

// Post runs the enabled post-search hooks in order.
func (p *Pipeline) Post(ctx context.Context, rc *request.Context, q engine.Query, c *results.Container, enabled map[string]bool) {
	for _, pl := range p.plugins {
		info := pl.Info()
		if !info.HasPost || !enabled[info.ID] {
			continue
		}
		start := time.Now()
		if err := runPost(ctx, pl, rc, q, c); err != nil {
			log.Error().Err(err).Str("plugin", info.ID).Str("request", rc.ID).Msg("post-search hook failed")
			rc.RecordError(info.ID, err)
		}
		rc.RecordTiming("plugin."+info.ID, time.Since(start))
	}
}

func runPre(ctx context.Context, pl Plugin, rc *request.Context, q engine.Query, c *results.Container) (out engine.Query, stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Bytes("stack", debug.Stack()).Msg("plugin panic")
			out, stop, err = q, false, fmt.Errorf("panic: %v", r)
		}
	}()
	return pl.PreSearch(ctx, rc, q, c)
}

func runPost(ctx context.Context, pl Plugin, rc *request.Context, q engine.Query, c *results.Container) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Bytes("stack", debug.Stack()).Msg("plugin panic")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return pl.PostSearch(ctx, rc, q, c)
}
