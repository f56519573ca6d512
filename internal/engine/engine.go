package engine

import (
	"context"
	"time"
)

// Result is a single normalized hit produced by an engine.
type Result struct {
	URL      string
	Title    string
	Snippet  string
	Engine   string
	Rank     int // 1-based position in the engine's answer
	Category string
	Template string
}

// Infobox is a structured side panel some backends return.
type Infobox struct {
	Title   string `json:"infobox"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
	Engine  string `json:"engine"`
}

// Response is everything an engine extracted from one backend answer.
type Response struct {
	Results     []Result
	Suggestions []string
	Answers     []string
	Corrections []string
	Infoboxes   []Infobox
	// Estimate is the backend's own result-count estimate, zero when unknown.
	Estimate int
}

// Traits is cached per-engine metadata, such as the mapping from our locales
// to the backend's language codes.
type Traits struct {
	Languages map[string]string `json:"languages,omitempty"`
	Regions   map[string]string `json:"regions,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// LanguageFor returns the backend code for the query language, falling back
// to the raw language when the traits carry no mapping.
func (t Traits) LanguageFor(q Query) string {
	lang := q.Language()
	if lang == "" {
		return ""
	}
	if v, ok := t.Languages[q.Locale]; ok {
		return v
	}
	if v, ok := t.Languages[lang]; ok {
		return v
	}
	return lang
}

// Engine adapts one third-party backend. Implementations must honor ctx and
// signal failures with *Error values.
type Engine interface {
	ID() string
	Search(ctx context.Context, q Query, traits Traits) (Response, error)
}

// TraitsFetcher is implemented by engines that can refresh their traits from
// the backend. The engine cache maintenance sweep uses it.
type TraitsFetcher interface {
	FetchTraits(ctx context.Context) (Traits, error)
}

// Descriptor is the static, configured description of an engine.
type Descriptor struct {
	ID         string
	Name       string
	Categories []string
	Weight     float64
	Timeout    time.Duration
	Params     []string
	// Disabled marks an engine switched off by server policy.
	Disabled bool
}

// Supports reports whether the engine accepts the named parameter.
func (d Descriptor) Supports(param string) bool {
	for _, p := range d.Params {
		if p == param {
			return true
		}
	}
	return false
}

// InCategory reports whether the engine belongs to category c.
func (d Descriptor) InCategory(c string) bool {
	for _, v := range d.Categories {
		if v == c {
			return true
		}
	}
	return false
}

// PrimaryCategory is the first configured category, "general" when none.
func (d Descriptor) PrimaryCategory() string {
	if len(d.Categories) == 0 {
		return "general"
	}
	return d.Categories[0]
}
