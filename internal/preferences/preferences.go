// Package preferences derives the per-request engine and plugin set from
// what the client asked for and what the server allows.
package preferences

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/plugin"
)

// Client holds preferences submitted by the client, either in the request
// form or in the signed preferences cookie.
type Client struct {
	Engines         []string `json:"engines,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	DisabledEngines []string `json:"disabled_engines,omitempty"`
	EnabledPlugins  []string `json:"enabled_plugins,omitempty"`
	DisabledPlugins []string `json:"disabled_plugins,omitempty"`
	Language        string   `json:"language,omitempty"`
	// SafeSearch is -1 when unset.
	SafeSearch int `json:"safesearch"`
}

// Unset returns an empty Client with SafeSearch marked unset.
func Unset() Client { return Client{SafeSearch: -1} }

// FromForm overlays the preference fields present in r's form on base.
// Fields absent from the form keep the base (cookie) value.
func FromForm(r *http.Request, base Client) Client {
	_ = r.ParseForm()
	out := base
	if vs, ok := r.Form["engines"]; ok {
		out.Engines = splitAll(vs)
	}
	if vs, ok := r.Form["categories"]; ok {
		out.Categories = splitAll(vs)
	}
	if vs, ok := r.Form["disabled_engines"]; ok {
		out.DisabledEngines = splitAll(vs)
	}
	if vs, ok := r.Form["enabled_plugins"]; ok {
		out.EnabledPlugins = splitAll(vs)
	}
	if vs, ok := r.Form["disabled_plugins"]; ok {
		out.DisabledPlugins = splitAll(vs)
	}
	if v := strings.TrimSpace(r.Form.Get("language")); v != "" {
		out.Language = v
	}
	if v := strings.TrimSpace(r.Form.Get("safesearch")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.SafeSearch = n
		}
	}
	return out
}

func splitAll(vs []string) []string {
	var out []string
	for _, v := range vs {
		out = append(out, engine.SplitList(strings.ToLower(v))...)
	}
	return out
}

// Policy is the server side of preference resolution.
type Policy struct {
	// AllowedEngines limits which engines clients may use; empty allows all.
	AllowedEngines []string `yaml:"allowed_engines" json:"allowed_engines"`
	// DisabledEngines are never used regardless of client input.
	DisabledEngines []string `yaml:"disabled_engines" json:"disabled_engines"`
	// DisabledPlugins are off unless a client re-enables them.
	DisabledPlugins []string `yaml:"disabled_plugins" json:"disabled_plugins"`
	// LockedPlugins cannot be toggled by clients.
	LockedPlugins     []string `yaml:"locked_plugins" json:"locked_plugins"`
	DefaultCategories []string `yaml:"default_categories" json:"default_categories"`
}

// Effective is the resolved view for one request.
type Effective struct {
	Engines []engine.Descriptor
	Plugins []string
}

// PluginSet returns Plugins as a lookup set.
func (e Effective) PluginSet() map[string]bool {
	m := make(map[string]bool, len(e.Plugins))
	for _, id := range e.Plugins {
		m[id] = true
	}
	return m
}

// EngineIDs returns the ids of the effective engines.
func (e Effective) EngineIDs() []string {
	out := make([]string, 0, len(e.Engines))
	for _, d := range e.Engines {
		out = append(out, d.ID)
	}
	return out
}

// Resolver combines the registry view with the server policy. It is built
// once at startup and only read afterwards.
type Resolver struct {
	Engines []engine.Descriptor
	Plugins []plugin.Info
	Policy  Policy
}

// Resolve computes the effective engines and plugins. It reports a
// *engine.ParameterError when the query text is blank or no engine is left.
func (r *Resolver) Resolve(q engine.Query, c Client) (Effective, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Effective{}, &engine.ParameterError{Name: "q", Value: ""}
	}

	requested := q.Engines
	if len(requested) == 0 {
		requested = c.Engines
	}
	categories := q.Categories
	if len(categories) == 0 {
		categories = c.Categories
	}
	if len(categories) == 0 {
		categories = r.Policy.DefaultCategories
	}
	if len(categories) == 0 {
		categories = []string{"general"}
	}

	named := set(requested)
	clientOff := set(c.DisabledEngines)
	allowed := set(r.Policy.AllowedEngines)
	policyOff := set(r.Policy.DisabledEngines)

	var out Effective
	for _, d := range r.Engines {
		if len(named) > 0 {
			if !named[d.ID] {
				continue
			}
		} else if !inAny(d, categories) {
			continue
		}
		if clientOff[d.ID] {
			continue
		}
		if len(allowed) > 0 && !allowed[d.ID] {
			continue
		}
		if d.Disabled || policyOff[d.ID] {
			continue
		}
		out.Engines = append(out.Engines, d)
	}
	if len(out.Engines) == 0 {
		return Effective{}, &engine.ParameterError{Name: "engines", Value: ""}
	}
	out.Plugins = r.plugins(c)
	return out, nil
}

// plugins applies the enablement rule in registration order. A locked plugin
// keeps its server default; otherwise it is on when it is on by default and
// nobody disabled it, or when the client explicitly enabled it.
func (r *Resolver) plugins(c Client) []string {
	serverOff := set(r.Policy.DisabledPlugins)
	locked := set(r.Policy.LockedPlugins)
	clientOn := set(c.EnabledPlugins)
	clientOff := set(c.DisabledPlugins)
	var out []string
	for _, p := range r.Plugins {
		byDefault := p.DefaultOn && !serverOff[p.ID]
		var on bool
		if locked[p.ID] {
			on = byDefault
		} else {
			on = (byDefault && !clientOff[p.ID]) || clientOn[p.ID]
		}
		if on {
			out = append(out, p.ID)
		}
	}
	return out
}

func inAny(d engine.Descriptor, categories []string) bool {
	for _, c := range categories {
		if d.InCategory(c) {
			return true
		}
	}
	return false
}

func set(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			m[v] = true
		}
	}
	return m
}
