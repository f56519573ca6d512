// Package request carries per-request state through the search: identity of
// the caller, the link token, and what went wrong along the way.
package request

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context is created once per incoming search and passed explicitly to the
// plugin pipeline and the dispatcher.
type Context struct {
	ID         string
	Start      time.Time
	RemoteAddr string
	UserAgent  string
	Token      string

	mu      sync.Mutex
	errors  []Failure
	timings map[string]time.Duration
}

// Failure is a non-fatal problem recorded during the request.
type Failure struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// New returns a Context with a fresh random id.
func New(remoteAddr, userAgent string) *Context {
	return &Context{
		ID:         uuid.NewString(),
		Start:      time.Now(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		timings:    make(map[string]time.Duration),
	}
}

// RecordError notes a failure from source (a plugin or engine id).
func (c *Context) RecordError(source string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, Failure{Source: source, Message: err.Error()})
}

// Errors returns the recorded failures in order.
func (c *Context) Errors() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Failure(nil), c.errors...)
}

// RecordTiming stores how long source took.
func (c *Context) RecordTiming(source string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timings == nil {
		c.timings = make(map[string]time.Duration)
	}
	c.timings[source] = d
}

// Timing is one entry of Timings.
type Timing struct {
	Source string        `json:"source"`
	Took   time.Duration `json:"took"`
}

// Timings returns recorded durations sorted by source.
func (c *Context) Timings() []Timing {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Timing, 0, len(c.timings))
	for k, v := range c.timings {
		out = append(out, Timing{Source: k, Took: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Elapsed is the time since the request started.
func (c *Context) Elapsed() time.Duration { return time.Since(c.Start) }
