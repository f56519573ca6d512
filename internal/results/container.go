// Package results merges the answers of many engines into one ranked,
// deduplicated result list.
package results

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/engine"
)

// Policy tunes ranking. An engine's contribution for a hit at rank r is
// weight / r^Exponent; MaxPerCategory caps how many items of one category
// Ordered returns (zero means unlimited).
type Policy struct {
	Exponent       float64 `yaml:"rank_exponent" json:"rank_exponent"`
	MaxPerCategory int     `yaml:"max_per_category" json:"max_per_category"`
}

// Item is one merged result.
type Item struct {
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Engine    string   `json:"engine"`
	Engines   []string `json:"engines"`
	Positions []int    `json:"positions"`
	Score     float64  `json:"score"`
	Category  string   `json:"category"`
	Template  string   `json:"template,omitempty"`

	key string
	seq int
	pos int
}

func (it Item) clone() Item {
	it.Engines = append([]string(nil), it.Engines...)
	it.Positions = append([]int(nil), it.Positions...)
	return it
}

// Unresponsive names an engine that did not contribute and why.
type Unresponsive struct {
	Engine string `json:"engine"`
	Reason string `json:"error_type"`
}

// Container accumulates the results of one search. It is safe for concurrent
// use by engine goroutines.
type Container struct {
	mu           sync.Mutex
	policy       Policy
	items        map[string]*Item
	batches      int
	answers      []string
	suggestions  []string
	corrections  []string
	infoboxes    []engine.Infobox
	unresponsive []Unresponsive
	estimates    []int
}

// New returns an empty container.
func New(p Policy) *Container {
	if p.Exponent <= 0 {
		p.Exponent = 1
	}
	return &Container{policy: p, items: make(map[string]*Item)}
}

func (c *Container) contribution(weight float64, rank int) float64 {
	if rank < 1 {
		rank = 1
	}
	return weight / math.Pow(float64(rank), c.policy.Exponent)
}

// Add merges one engine's results. Each call is one batch; batches are
// numbered in arrival order and break score ties.
func (c *Container) Add(engineID string, weight float64, rs []engine.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	seq := c.batches
	for i, r := range rs {
		key, ok := Key(r.URL)
		if !ok {
			log.Debug().Str("engine", engineID).Str("url", r.URL).Msg("dropping result with invalid url")
			continue
		}
		rank := r.Rank
		if rank < 1 {
			rank = i + 1
		}
		add := c.contribution(weight, rank)
		it, hit := c.items[key]
		if !hit {
			category := r.Category
			if category == "" {
				category = "general"
			}
			c.items[key] = &Item{
				URL:       strings.TrimSpace(r.URL),
				Title:     r.Title,
				Content:   r.Snippet,
				Engine:    engineID,
				Engines:   []string{engineID},
				Positions: []int{rank},
				Score:     add,
				Category:  category,
				Template:  r.Template,
				key:       key,
				seq:       seq,
				pos:       i,
			}
			continue
		}
		it.Score += add
		it.Positions = append(it.Positions, rank)
		if !contains(it.Engines, engineID) {
			it.Engines = append(it.Engines, engineID)
		}
		if it.Title == "" {
			it.Title = r.Title
		}
		if len(r.Snippet) > len(it.Content) {
			it.Content = r.Snippet
		}
		if it.Template == "" {
			it.Template = r.Template
		}
	}
}

// Ordered returns the merged items by descending score. Equal scores keep the
// arrival order of the first contributing batch, then the position within it.
// The per-category cap drops the lowest scored items of a category.
func (c *Container) Ordered() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ordered()
}

func (c *Container) ordered() []Item {
	all := c.sorted()
	if c.policy.MaxPerCategory <= 0 {
		return all
	}
	perCat := map[string]int{}
	out := all[:0]
	for _, it := range all {
		if perCat[it.Category] >= c.policy.MaxPerCategory {
			continue
		}
		perCat[it.Category]++
		out = append(out, it)
	}
	return out
}

func (c *Container) sorted() []Item {
	all := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		all = append(all, it.clone())
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.pos < b.pos
	})
	return all
}

// Filter removes every item for which keep returns false.
func (c *Container) Filter(keep func(Item) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, it := range c.items {
		if !keep(it.clone()) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// Update applies fn to every item. Items whose URL changed are re-keyed;
// items that now collide are merged, keeping the earlier batch's position and
// the sum of both scores.
func (c *Container) Update(fn func(*Item)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]*Item, len(c.items))
	for _, old := range c.sorted() {
		it := old
		fn(&it)
		key, ok := Key(it.URL)
		if !ok {
			continue
		}
		it.key = key
		prev, hit := next[key]
		if !hit {
			next[key] = &it
			continue
		}
		prev.Score += it.Score
		prev.Positions = append(prev.Positions, it.Positions...)
		for _, e := range it.Engines {
			if !contains(prev.Engines, e) {
				prev.Engines = append(prev.Engines, e)
			}
		}
		if it.seq < prev.seq || it.seq == prev.seq && it.pos < prev.pos {
			prev.seq, prev.pos = it.seq, it.pos
		}
		if prev.Title == "" {
			prev.Title = it.Title
		}
		if len(it.Content) > len(prev.Content) {
			prev.Content = it.Content
		}
	}
	c.items = next
}

// Len is the number of merged items before the category cap.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// AddAnswer adds a direct answer; duplicates are ignored.
func (c *Container) AddAnswer(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.answers, text) {
		c.answers = append(c.answers, text)
	}
}

// AddSuggestions adds related query suggestions, keeping first-seen order.
func (c *Container) AddSuggestions(s ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suggestions = appendUnique(c.suggestions, s)
}

// AddCorrections adds spelling corrections, keeping first-seen order.
func (c *Container) AddCorrections(s ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrections = appendUnique(c.corrections, s)
}

// AddInfobox adds an infobox. Boxes with the same id (or title when no id is
// set) are merged, the longer content wins.
func (c *Container) AddInfobox(box engine.Infobox) {
	if box.Title == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := box.ID
	if id == "" {
		id = strings.ToLower(box.Title)
	}
	for i, b := range c.infoboxes {
		bid := b.ID
		if bid == "" {
			bid = strings.ToLower(b.Title)
		}
		if bid != id {
			continue
		}
		if len(box.Content) > len(b.Content) {
			c.infoboxes[i].Content = box.Content
		}
		if b.URL == "" {
			c.infoboxes[i].URL = box.URL
		}
		return
	}
	c.infoboxes = append(c.infoboxes, box)
}

// AddUnresponsive records that an engine did not contribute.
func (c *Container) AddUnresponsive(engineID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.unresponsive {
		if u.Engine == engineID {
			return
		}
	}
	c.unresponsive = append(c.unresponsive, Unresponsive{Engine: engineID, Reason: reason})
}

// AddEstimate records an engine's own total-result estimate.
func (c *Container) AddEstimate(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimates = append(c.estimates, n)
}

// NumberOfResults is the mean of the engine estimates, or the number of
// merged items when that is larger.
func (c *Container) NumberOfResults() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	if len(c.estimates) == 0 {
		return n
	}
	sum := 0
	for _, e := range c.estimates {
		sum += e
	}
	if avg := sum / len(c.estimates); avg > n {
		return avg
	}
	return n
}

// Answers returns a copy of the collected answers.
func (c *Container) Answers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.answers...)
}

// Unresponsive returns a copy of the unresponsive engine list.
func (c *Container) Unresponsive() []Unresponsive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Unresponsive(nil), c.unresponsive...)
}

// Payload is the JSON document returned by the search endpoint.
type Payload struct {
	Query           string           `json:"query"`
	NumberOfResults int              `json:"number_of_results"`
	Results         []Item           `json:"results"`
	Answers         []string         `json:"answers"`
	Corrections     []string         `json:"corrections"`
	Infoboxes       []engine.Infobox `json:"infoboxes"`
	Suggestions     []string         `json:"suggestions"`
	Unresponsive    []Unresponsive   `json:"unresponsive_engines"`
}

// Payload snapshots the container for query. Slices are never nil so the
// JSON form always carries arrays.
func (c *Container) Payload(query string) Payload {
	n := c.NumberOfResults()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Payload{
		Query:           query,
		NumberOfResults: n,
		Results:         nonNil(c.ordered()),
		Answers:         nonNil(append([]string(nil), c.answers...)),
		Corrections:     nonNil(append([]string(nil), c.corrections...)),
		Infoboxes:       nonNil(append([]engine.Infobox(nil), c.infoboxes...)),
		Suggestions:     nonNil(append([]string(nil), c.suggestions...)),
		Unresponsive:    nonNil(append([]Unresponsive(nil), c.unresponsive...)),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func appendUnique(dst, src []string) []string {
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s != "" && !contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}
