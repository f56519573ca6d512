package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hyperifyio/talven/internal/fetch"
)

// Engine types known to the registry.
const (
	TypeSearxNG = "searxng"
	TypeHTML    = "html"
	TypeFile    = "file"
)

// Config is one entry of the `engines` settings list.
type Config struct {
	Name         string        `yaml:"name" json:"name"`
	DisplayName  string        `yaml:"display_name" json:"display_name"`
	Type         string        `yaml:"type" json:"type"`
	Categories   []string      `yaml:"categories" json:"categories"`
	Weight       float64       `yaml:"weight" json:"weight"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Params       []string      `yaml:"params" json:"params"`
	Disabled     bool          `yaml:"disabled" json:"disabled"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	APIKey       string        `yaml:"api_key" json:"api_key"`
	SearchURL    string        `yaml:"search_url" json:"search_url"`
	Selectors    Selectors     `yaml:"selectors" json:"selectors"`
	URLAttr      string        `yaml:"url_attr" json:"url_attr"`
	PageSize     int           `yaml:"page_size" json:"page_size"`
	Path         string        `yaml:"path" json:"path"`
	ForwardToken bool          `yaml:"forward_token" json:"forward_token"`
}

// Entry pairs an engine's descriptor with its adapter.
type Entry struct {
	Descriptor Descriptor
	Engine     Engine
}

// Registry holds the configured engines keyed by id, in configuration order.
// It is built once at startup and read concurrently afterwards.
type Registry struct {
	byID  map[string]Entry
	order []string
}

var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9 _.-]*$`)

var knownParams = map[string]struct{}{
	ParamLanguage: {}, ParamSafeSearch: {}, ParamTimeRange: {}, ParamPaging: {},
}

// NewRegistry validates the engine settings and builds the adapters. Every
// problem is reported as a *SettingsError so startup can refuse to continue.
func NewRegistry(cfgs []Config, client *fetch.Client) (*Registry, error) {
	r := &Registry{byID: make(map[string]Entry, len(cfgs))}
	if len(cfgs) == 0 {
		return nil, &SettingsError{Message: "no engines configured"}
	}
	for i, c := range cfgs {
		d, err := descriptorFrom(c)
		if err != nil {
			return nil, &SettingsError{Message: fmt.Sprintf("engines[%d]", i), Err: err}
		}
		e, err := adapterFrom(c, d, client)
		if err != nil {
			return nil, &SettingsError{Message: fmt.Sprintf("engine %q", d.ID), Err: err}
		}
		if err := r.Register(d, e); err != nil {
			return nil, &SettingsError{Message: fmt.Sprintf("engine %q", d.ID), Err: err}
		}
	}
	return r, nil
}

func descriptorFrom(c Config) (Descriptor, error) {
	id := strings.ToLower(strings.TrimSpace(c.Name))
	if id == "" || !idRe.MatchString(id) {
		return Descriptor{}, fmt.Errorf("invalid engine name %q", c.Name)
	}
	weight := c.Weight
	if weight == 0 {
		weight = 1
	}
	if weight < 0 {
		return Descriptor{}, fmt.Errorf("weight must be positive, got %v", c.Weight)
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	if timeout < 0 {
		return Descriptor{}, fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	for _, p := range c.Params {
		if _, ok := knownParams[p]; !ok {
			return Descriptor{}, fmt.Errorf("unknown parameter %q", p)
		}
	}
	cats := cleanList(c.Categories)
	if len(cats) == 0 {
		cats = []string{"general"}
	}
	name := c.DisplayName
	if name == "" {
		name = c.Name
	}
	return Descriptor{
		ID:         id,
		Name:       name,
		Categories: cats,
		Weight:     weight,
		Timeout:    timeout,
		Params:     cleanList(c.Params),
		Disabled:   c.Disabled,
	}, nil
}

func adapterFrom(c Config, d Descriptor, client *fetch.Client) (Engine, error) {
	switch c.Type {
	case TypeSearxNG:
		if strings.TrimSpace(c.BaseURL) == "" {
			return nil, fmt.Errorf("base_url is required")
		}
		return &SearxNG{EngineID: d.ID, BaseURL: c.BaseURL, APIKey: c.APIKey, Category: d.PrimaryCategory(), Client: client, ForwardToken: c.ForwardToken}, nil
	case TypeHTML:
		if strings.TrimSpace(c.SearchURL) == "" {
			return nil, fmt.Errorf("search_url is required")
		}
		if !strings.Contains(c.SearchURL, "{query}") {
			return nil, fmt.Errorf("search_url must contain {query}")
		}
		return &HTML{
			EngineID:     d.ID,
			Category:     d.PrimaryCategory(),
			SearchURL:    c.SearchURL,
			Selectors:    c.Selectors,
			URLAttr:      c.URLAttr,
			PageSize:     c.PageSize,
			Client:       client,
			ForwardToken: c.ForwardToken,
		}, nil
	case TypeFile:
		if strings.TrimSpace(c.Path) == "" {
			return nil, fmt.Errorf("path is required")
		}
		return &File{EngineID: d.ID, Path: c.Path, Category: d.PrimaryCategory(), Limit: c.PageSize}, nil
	default:
		return nil, fmt.Errorf("unknown engine type %q", c.Type)
	}
}

// Register adds an engine. Ids are unique.
func (r *Registry) Register(d Descriptor, e Engine) error {
	if e == nil {
		return fmt.Errorf("engine %q has no adapter", d.ID)
	}
	if d.Weight <= 0 || d.Timeout <= 0 {
		return fmt.Errorf("engine %q needs a positive weight and timeout", d.ID)
	}
	if r.byID == nil {
		r.byID = make(map[string]Entry)
	}
	if _, dup := r.byID[d.ID]; dup {
		return fmt.Errorf("duplicate engine %q", d.ID)
	}
	r.byID[d.ID] = Entry{Descriptor: d, Engine: e}
	r.order = append(r.order, d.ID)
	return nil
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// Descriptors returns all descriptors in configuration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Descriptor)
	}
	return out
}

// Categories returns the sorted set of categories used by any engine.
func (r *Registry) Categories() []string {
	seen := map[string]struct{}{}
	for _, e := range r.byID {
		for _, c := range e.Descriptor.Categories {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Fetchers returns the engines able to refresh their traits, keyed by id.
func (r *Registry) Fetchers() map[string]TraitsFetcher {
	out := map[string]TraitsFetcher{}
	for id, e := range r.byID {
		if f, ok := e.Engine.(TraitsFetcher); ok {
			out[id] = f
		}
	}
	return out
}
