package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/plugin"
	"github.com/hyperifyio/talven/internal/preferences"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
	"github.com/hyperifyio/talven/internal/suspend"
)

type fakeEngine struct {
	id     string
	calls  atomic.Int32
	search func(ctx context.Context, q engine.Query) (engine.Response, error)
}

func (f *fakeEngine) ID() string { return f.id }

func (f *fakeEngine) Search(ctx context.Context, q engine.Query, _ engine.Traits) (engine.Response, error) {
	f.calls.Add(1)
	return f.search(ctx, q)
}

func answering(id string, urls ...string) *fakeEngine {
	return &fakeEngine{id: id, search: func(context.Context, engine.Query) (engine.Response, error) {
		var r engine.Response
		for i, u := range urls {
			r.Results = append(r.Results, engine.Result{URL: u, Title: id + " title", Rank: i + 1, Engine: id, Category: "general"})
		}
		return r, nil
	}}
}

func failing(id string, err error) *fakeEngine {
	return &fakeEngine{id: id, search: func(context.Context, engine.Query) (engine.Response, error) { return engine.Response{}, err }}
}

func hanging(id string) *fakeEngine {
	return &fakeEngine{id: id, search: func(ctx context.Context, _ engine.Query) (engine.Response, error) {
		<-ctx.Done()
		return engine.Response{}, ctx.Err()
	}}
}

type fixture struct {
	reg      *engine.Registry
	descs    []engine.Descriptor
	manager  *suspend.Manager
	clock    time.Time
	searcher *Searcher
}

func newFixture(t *testing.T, engines map[*fakeEngine]float64, plugins ...plugin.Plugin) *fixture {
	t.Helper()
	f := &fixture{reg: &engine.Registry{}, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.manager = suspend.New(suspend.Durations{})
	f.manager.SetClock(func() time.Time { return f.clock })
	for e, w := range engines {
		d := engine.Descriptor{ID: e.id, Categories: []string{"general"}, Weight: w, Timeout: 200 * time.Millisecond}
		if err := f.reg.Register(d, e); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.descs = f.reg.Descriptors()
	infos := make([]plugin.Info, 0, len(plugins))
	for _, p := range plugins {
		infos = append(infos, p.Info())
	}
	pipe, err := plugin.New(plugins...)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	f.searcher = &Searcher{
		Resolver:   &preferences.Resolver{Engines: f.descs, Plugins: infos},
		Pipeline:   pipe,
		Dispatcher: &Dispatcher{Engines: f.reg, Suspensions: f.manager, Workers: 4, Deadline: time.Second},
	}
	return f
}

func (f *fixture) search(t *testing.T, text string) (*results.Container, *request.Context) {
	t.Helper()
	rc := request.New("127.0.0.1", "test")
	c, _, err := f.searcher.Search(context.Background(), rc, engine.Query{Text: text, PageNo: 1}, preferences.Unset())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	return c, rc
}

func TestSearch_MergesWeightedEngines(t *testing.T) {
	a := answering("a", "https://same.example/")
	b := answering("b", "https://SAME.example/#x")
	f := newFixture(t, map[*fakeEngine]float64{a: 1.0, b: 0.5})
	c, _ := f.search(t, "go")
	got := c.Ordered()
	if len(got) != 1 || got[0].Score != 1.5 || len(got[0].Engines) != 2 {
		t.Fatalf("unexpected merge %+v", got)
	}
}

func TestSearch_EmptyQueryContactsNoEngine(t *testing.T) {
	a := answering("a", "https://x.example/")
	f := newFixture(t, map[*fakeEngine]float64{a: 1})
	_, _, err := f.searcher.Search(context.Background(), request.New("", ""), engine.Query{Text: ""}, preferences.Unset())
	var pe *engine.ParameterError
	if !errors.As(err, &pe) {
		t.Fatalf("expected parameter error, got %v", err)
	}
	if a.calls.Load() != 0 {
		t.Fatalf("no engine may be contacted")
	}
}

func TestSearch_RateLimitSuspendsWithDefault(t *testing.T) {
	c := failing("c", engine.TooManyRequests(0))
	ok := answering("ok", "https://ok.example/")
	f := newFixture(t, map[*fakeEngine]float64{c: 1, ok: 1})

	f.search(t, "first")
	rec, _ := f.manager.Get("c")
	if !rec.Active || !rec.Until.Equal(f.clock.Add(3660*time.Second)) {
		t.Fatalf("unexpected record %+v", rec)
	}

	f.clock = f.clock.Add(time.Hour)
	cont, _ := f.search(t, "second")
	if c.calls.Load() != 1 {
		t.Fatalf("suspended engine was contacted again")
	}
	if u := cont.Unresponsive(); len(u) != 1 || u[0].Reason != "suspended" {
		t.Fatalf("unexpected unresponsive list %+v", u)
	}

	f.clock = f.clock.Add(60 * time.Second)
	f.search(t, "third")
	if c.calls.Load() != 2 {
		t.Fatalf("engine must be eligible once the window passed")
	}
}

func TestSearch_ExplicitSuspensionWindow(t *testing.T) {
	d := failing("d", engine.AccessDenied(30*time.Second, ""))
	f := newFixture(t, map[*fakeEngine]float64{d: 1})
	f.search(t, "x")
	f.clock = f.clock.Add(29 * time.Second)
	f.search(t, "x")
	if d.calls.Load() != 1 {
		t.Fatalf("engine contacted inside its suspension window")
	}
	f.clock = f.clock.Add(time.Second)
	f.search(t, "x")
	if d.calls.Load() != 2 {
		t.Fatalf("engine not contacted at t0+T")
	}
}

func TestSearch_TimeoutIsNotSuspended(t *testing.T) {
	slow := hanging("slow")
	f := newFixture(t, map[*fakeEngine]float64{slow: 1})
	c, rc := f.search(t, "x")
	if c.Len() != 0 {
		t.Fatalf("expected empty results")
	}
	if u := c.Unresponsive(); len(u) != 1 || u[0].Reason != "timeout" {
		t.Fatalf("unexpected unresponsive %+v", u)
	}
	if len(rc.Errors()) != 1 {
		t.Fatalf("timeout should be recorded on the request")
	}
	if !f.manager.Eligible("slow") {
		t.Fatalf("timed out engine must stay eligible")
	}
	f.search(t, "x")
	if slow.calls.Load() != 2 {
		t.Fatalf("timed out engine should be retried on the next request")
	}
}

func TestSearch_AllEnginesUnavailableIsNotAnError(t *testing.T) {
	blocked := failing("blocked", engine.Captcha(0))
	slow := hanging("slow")
	f := newFixture(t, map[*fakeEngine]float64{blocked: 1, slow: 1})
	f.search(t, "x")
	c, _ := f.search(t, "x")
	if c.Len() != 0 || len(c.Payload("x").Results) != 0 {
		t.Fatalf("expected zero results")
	}
}

func TestSearch_NonBlockingFailuresOnlySkip(t *testing.T) {
	for _, err := range []error{
		engine.ResponseError("bad json", nil),
		engine.APIError("quota"),
		engine.ExtractionError("div[", "invalid", nil),
		errors.New("unclassified"),
	} {
		e := failing("e", err)
		f := newFixture(t, map[*fakeEngine]float64{e: 1})
		f.search(t, "x")
		if !f.manager.Eligible("e") {
			t.Fatalf("%v must not suspend the engine", err)
		}
	}
}

func TestSearch_PanickingEngineIsContained(t *testing.T) {
	boom := &fakeEngine{id: "boom", search: func(context.Context, engine.Query) (engine.Response, error) { panic("adapter bug") }}
	ok := answering("ok", "https://ok.example/")
	f := newFixture(t, map[*fakeEngine]float64{boom: 1, ok: 1})
	c, _ := f.search(t, "x")
	if c.Len() != 1 {
		t.Fatalf("healthy engine results must survive a panicking peer")
	}
	if !f.manager.Eligible("boom") {
		t.Fatalf("panics are unclassified and must not suspend")
	}
}

type stopper struct{ plugin.Base }

func (stopper) Info() plugin.Info { return plugin.Info{ID: "stop", HasPre: true, DefaultOn: true} }

func (stopper) PreSearch(_ context.Context, _ *request.Context, q engine.Query, c *results.Container) (engine.Query, bool, error) {
	c.AddAnswer("answered")
	return q, true, nil
}

type brokenPost struct{ plugin.Base }

func (brokenPost) Info() plugin.Info { return plugin.Info{ID: "broken", HasPost: true, DefaultOn: true} }

func (brokenPost) PostSearch(context.Context, *request.Context, engine.Query, *results.Container) error {
	return errors.New("post failed")
}

func TestSearch_PluginShortCircuit(t *testing.T) {
	a := answering("a", "https://x.example/")
	f := newFixture(t, map[*fakeEngine]float64{a: 1}, stopper{})
	c, _ := f.search(t, "x")
	if a.calls.Load() != 0 || len(c.Answers()) != 1 {
		t.Fatalf("stopping plugin must prevent dispatch")
	}
}

func TestSearch_PluginFailureDoesNotAbort(t *testing.T) {
	a := answering("a", "https://x.example/")
	f := newFixture(t, map[*fakeEngine]float64{a: 1}, brokenPost{}, plugin.TrackerURLRemover{})
	c, rc := f.search(t, "x")
	if c.Len() != 1 || len(rc.Errors()) != 1 {
		t.Fatalf("search should complete with the plugin error recorded: %d %v", c.Len(), rc.Errors())
	}
}

func TestDispatch_SkipsUnsupportedParameters(t *testing.T) {
	a := answering("a", "https://x.example/")
	reg := &engine.Registry{}
	_ = reg.Register(engine.Descriptor{ID: "a", Weight: 1, Timeout: time.Second}, a)
	d := &Dispatcher{Engines: reg, Suspensions: suspend.New(suspend.Durations{})}
	c := results.New(results.Policy{})
	d.Dispatch(context.Background(), request.New("", ""), engine.Query{Text: "x", PageNo: 2}, reg.Descriptors(), c)
	if a.calls.Load() != 0 {
		t.Fatalf("engine without paging must not be asked for page 2")
	}
}

func TestDispatch_RespectsOverallDeadline(t *testing.T) {
	slow := hanging("slow")
	reg := &engine.Registry{}
	_ = reg.Register(engine.Descriptor{ID: "slow", Weight: 1, Timeout: time.Minute}, slow)
	d := &Dispatcher{Engines: reg, Suspensions: suspend.New(suspend.Durations{}), Deadline: 50 * time.Millisecond}
	start := time.Now()
	d.Dispatch(context.Background(), request.New("", ""), engine.Query{Text: "x", PageNo: 1}, reg.Descriptors(), results.New(results.Policy{}))
	if took := time.Since(start); took > time.Second {
		t.Fatalf("dispatch ignored the overall deadline: %v", took)
	}
}

func TestDispatch_RespectsWorkerLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	engines := map[*fakeEngine]float64{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("e%d", i)
		engines[&fakeEngine{id: id, search: func(context.Context, engine.Query) (engine.Response, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return engine.Response{Results: []engine.Result{{URL: "https://" + id + ".example/", Title: id, Rank: 1}}}, nil
		}}] = 1
	}
	f := newFixture(t, engines)
	f.searcher.Dispatcher.Workers = 2
	c, _ := f.search(t, "go")
	if c.Len() != 10 {
		t.Fatalf("expected every engine to answer, got %d results", c.Len())
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrency=%d, want 2", got)
	}
}

func TestSearch_LogsTimingsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	ok := answering("ok", "https://x.example/")
	bad := failing("bad", engine.APIError("quota"))
	f := newFixture(t, map[*fakeEngine]float64{ok: 1, bad: 1})
	f.search(t, "go")

	var line string
	for _, l := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if bytes.Contains(l, []byte(`"search done"`)) {
			line = string(l)
		}
	}
	if line == "" {
		t.Fatalf("no search done line in %s", buf.String())
	}
	for _, want := range []string{`"source":"engine.ok"`, `"source":"engine.bad"`, `"errors":[{"source":"bad"`} {
		if !bytes.Contains([]byte(line), []byte(want)) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
}
