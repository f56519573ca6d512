// Package suspend tracks which engines are temporarily removed from rotation
// after a backend blocked or rate-limited us.
package suspend

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/engine"
)

// Durations are the default suspension lengths per blocking kind. They apply
// whenever the failure itself carries no explicit duration.
type Durations struct {
	AccessDenied    time.Duration `yaml:"access_denied" json:"access_denied"`
	Captcha         time.Duration `yaml:"captcha" json:"captcha"`
	TooManyRequests time.Duration `yaml:"too_many_requests" json:"too_many_requests"`
}

// DefaultDurations returns the stock suspension lengths.
func DefaultDurations() Durations {
	return Durations{
		AccessDenied:    86400 * time.Second,
		Captcha:         86400 * time.Second,
		TooManyRequests: 3660 * time.Second,
	}
}

func (d Durations) forKind(k engine.Kind) time.Duration {
	def := DefaultDurations()
	switch k {
	case engine.KindAccessDenied:
		if d.AccessDenied > 0 {
			return d.AccessDenied
		}
		return def.AccessDenied
	case engine.KindCaptcha:
		if d.Captcha > 0 {
			return d.Captcha
		}
		return def.Captcha
	case engine.KindTooManyRequests:
		if d.TooManyRequests > 0 {
			return d.TooManyRequests
		}
		return def.TooManyRequests
	}
	return 0
}

// Record is the suspension state of one engine.
type Record struct {
	Engine   string      `json:"engine"`
	Active   bool        `json:"suspended"`
	Kind     engine.Kind `json:"-"`
	Reason   string      `json:"reason,omitempty"`
	Until    time.Time   `json:"until,omitempty"`
	Failures int         `json:"continuous_errors"`
	Message  string      `json:"message,omitempty"`
}

// Manager owns every Record. All reads and writes go through its mutex so a
// burst of concurrent failures for the same engine is serialized.
type Manager struct {
	mu       sync.Mutex
	records  map[string]*Record
	defaults Durations
	now      func() time.Time
}

// New returns a Manager using the given default durations; zero fields fall
// back to DefaultDurations.
func New(defaults Durations) *Manager {
	return &Manager{records: make(map[string]*Record), defaults: defaults, now: time.Now}
}

// SetClock replaces the time source. Tests use it to step through windows.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Eligible reports whether id may be contacted now. An expired suspension is
// cleared here, on first observation.
func (m *Manager) Eligible(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !r.Active {
		return true
	}
	if !m.now().Before(r.Until) {
		r.Active = false
		log.Info().Str("engine", id).Msg("engine suspension expired")
		return true
	}
	return false
}

// Suspend records a blocking failure. A positive override wins over the
// configured default for kind. When the engine is already suspended the later
// deadline is kept.
func (m *Manager) Suspend(id string, kind engine.Kind, override time.Duration, msg string) Record {
	d := override
	if d <= 0 {
		d = m.defaults.forKind(kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(id)
	now := m.now()
	until := now.Add(d)
	if r.Active && r.Until.After(until) {
		until = r.Until
	}
	r.Active = d > 0 || r.Active
	r.Kind = kind
	r.Reason = kind.String()
	r.Until = until
	r.Failures++
	r.Message = msg
	log.Warn().Str("engine", id).Str("reason", r.Reason).Time("until", until).Int("failures", r.Failures).Msg("engine suspended")
	return *r
}

// RecordSuccess resets the consecutive failure counter. It does not lift an
// active suspension.
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.Failures = 0
	}
}

// Reset clears the state of one engine.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// ResetAll clears every engine.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record)
}

// Get returns a copy of the record for id. Expired suspensions are reported
// as inactive without being cleared.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{Engine: id}, false
	}
	out := *r
	if out.Active && !m.now().Before(out.Until) {
		out.Active = false
	}
	return out, true
}

// Snapshot returns copies of all records sorted by engine id.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		c := *r
		if c.Active && !now.Before(c.Until) {
			c.Active = false
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

func (m *Manager) record(id string) *Record {
	r, ok := m.records[id]
	if !ok {
		r = &Record{Engine: id}
		m.records[id] = r
	}
	return r
}
