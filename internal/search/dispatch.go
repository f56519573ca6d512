// Package search fans a query out to the effective engines and runs the
// plugin pipeline around it.
package search

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
	"github.com/hyperifyio/talven/internal/suspend"
)

// TraitsSource provides cached engine traits. *enginecache.Cache satisfies it.
type TraitsSource interface {
	Get(id string) (engine.Traits, bool)
}

// Lookup resolves an engine id to its adapter. *engine.Registry satisfies it.
type Lookup interface {
	Get(id string) (engine.Entry, bool)
}

// Dispatcher queries engines concurrently. It never retries and never fails
// the search because of a single engine.
type Dispatcher struct {
	Engines     Lookup
	Suspensions *suspend.Manager
	Traits      TraitsSource
	// Workers bounds concurrent engine calls; zero means 16.
	Workers int
	// Deadline bounds the whole dispatch; zero means 5s.
	Deadline time.Duration
}

type outcome struct {
	resp engine.Response
	err  error
}

// Dispatch runs every eligible engine and merges what arrives before the
// deadline into c. It returns once every unit answered, failed or was cut
// off, even when c stays empty.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *request.Context, q engine.Query, engines []engine.Descriptor, c *results.Container) {
	deadline := d.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 16
	}
	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(workers)
	for _, desc := range engines {
		if !accepts(desc, q) {
			log.Debug().Str("engine", desc.ID).Str("request", rc.ID).Msg("engine does not support query parameters")
			continue
		}
		if !d.Suspensions.Eligible(desc.ID) {
			c.AddUnresponsive(desc.ID, "suspended")
			continue
		}
		entry, ok := d.Engines.Get(desc.ID)
		if !ok {
			log.Warn().Str("engine", desc.ID).Msg("engine not registered")
			continue
		}
		g.Go(func() error {
			d.unit(sctx, rc, q, desc, entry.Engine, c)
			return nil
		})
	}
	_ = g.Wait()
}

func accepts(desc engine.Descriptor, q engine.Query) bool {
	if q.PageNo > 1 && !desc.Supports(engine.ParamPaging) {
		return false
	}
	if q.TimeRange != "" && !desc.Supports(engine.ParamTimeRange) {
		return false
	}
	return true
}

func (d *Dispatcher) unit(ctx context.Context, rc *request.Context, q engine.Query, desc engine.Descriptor, e engine.Engine, c *results.Container) {
	id := desc.ID
	if err := ctx.Err(); err != nil {
		d.fail(rc, id, err, c)
		return
	}
	// Another request may have suspended the engine while this one waited
	// for a worker slot.
	if !d.Suspensions.Eligible(id) {
		c.AddUnresponsive(id, "suspended")
		return
	}
	var traits engine.Traits
	if d.Traits != nil {
		traits, _ = d.Traits.Get(id)
	}
	uctx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("engine", id).Str("request", rc.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("engine panicked")
				done <- outcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		resp, err := e.Search(uctx, q, traits)
		done <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-uctx.Done():
		out = outcome{err: uctx.Err()}
	}
	took := time.Since(start)
	rc.RecordTiming("engine."+id, took)
	if out.err != nil {
		d.fail(rc, id, out.err, c)
		return
	}
	d.Suspensions.RecordSuccess(id)
	c.Add(id, desc.Weight, out.resp.Results)
	for _, a := range out.resp.Answers {
		c.AddAnswer(a)
	}
	c.AddSuggestions(out.resp.Suggestions...)
	c.AddCorrections(out.resp.Corrections...)
	for _, ib := range out.resp.Infoboxes {
		ib.Engine = id
		c.AddInfobox(ib)
	}
	c.AddEstimate(out.resp.Estimate)
	log.Debug().Str("engine", id).Str("request", rc.ID).Int("results", len(out.resp.Results)).Dur("took", took).Msg("engine answered")
}

func (d *Dispatcher) fail(rc *request.Context, id string, err error, c *results.Container) {
	kind := engine.Classify(err)
	rc.RecordError(id, err)
	switch {
	case kind.Blocking():
		d.Suspensions.Suspend(id, kind, engine.SuspendDuration(err), err.Error())
	case kind == engine.KindExtraction:
		log.Error().Err(err).Str("engine", id).Str("request", rc.ID).Msg("engine extraction rule is broken")
	case kind == engine.KindTimeout:
		log.Info().Str("engine", id).Str("request", rc.ID).Msg("engine timed out")
	case kind == engine.KindUnknown:
		log.Error().Err(err).Str("engine", id).Str("request", rc.ID).Msg("engine failed")
	default:
		log.Warn().Err(err).Str("engine", id).Str("request", rc.ID).Str("kind", kind.String()).Msg("engine failed")
	}
	c.AddUnresponsive(id, kind.String())
}
