// Package enginecache stores per-engine traits (language and region maps)
// fetched from the backends, so the search path only ever reads them.
package enginecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/talven/internal/engine"
)

var bucketName = []byte("traits")

// ErrLocked is returned when another process holds the cache file for longer
// than the lock timeout.
var ErrLocked = errors.New("engine cache is locked by another process")

const lockTimeout = 5 * time.Second

// Cache mirrors a bbolt bucket in memory. Reads never touch the database.
// The file is only opened for the length of one transaction, so a server and
// the enginelib command can share it. With an empty path the cache lives only
// in memory.
type Cache struct {
	path   string
	maxAge time.Duration

	// dbMu serializes file access within this process.
	dbMu sync.Mutex

	mu  sync.RWMutex
	mem map[string]engine.Traits
	now func() time.Time
}

// Open creates the cache file if needed and loads every entry. maxAge is the
// age after which Maintenance discards an entry; zero keeps entries forever.
func Open(path string, maxAge time.Duration) (*Cache, error) {
	c := &Cache{path: path, maxAge: maxAge, mem: make(map[string]engine.Traits), now: time.Now}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	err := c.withDB(false, func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) withDB(readOnly bool, fn func(*bolt.DB) error) error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()
	db, err := bolt.Open(c.path, 0o600, &bolt.Options{Timeout: lockTimeout, ReadOnly: readOnly})
	if errors.Is(err, berrors.ErrTimeout) {
		return fmt.Errorf("%w: %s", ErrLocked, c.path)
	}
	if err != nil {
		return fmt.Errorf("open engine cache: %w", err)
	}
	err = fn(db)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close engine cache: %w", cerr)
	}
	return err
}

// Reload replaces the in-memory mirror with the file contents, picking up
// writes made by other processes.
func (c *Cache) Reload() error {
	if c.path == "" {
		return nil
	}
	mem := make(map[string]engine.Traits)
	err := c.withDB(true, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName)
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				var t engine.Traits
				if err := json.Unmarshal(v, &t); err != nil {
					log.Warn().Err(err).Str("engine", string(k)).Msg("skipping malformed cache entry")
					return nil
				}
				mem[string(k)] = t
				return nil
			})
		})
	})
	if err != nil {
		return fmt.Errorf("load engine cache: %w", err)
	}
	c.mu.Lock()
	c.mem = mem
	c.mu.Unlock()
	return nil
}

// Get returns the traits of engine id.
func (c *Cache) Get(id string) (engine.Traits, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.mem[id]
	return t, ok
}

// Put stores traits for engine id. Readers are only blocked while the mirror
// is updated, not during the write to disk.
func (c *Cache) Put(id string, t engine.Traits) error {
	if t.FetchedAt.IsZero() {
		t.FetchedAt = c.now().UTC()
	}
	if c.path != "" {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		err = c.withDB(false, func(db *bolt.DB) error {
			return db.Update(func(tx *bolt.Tx) error {
				bk, err := tx.CreateBucketIfNotExists(bucketName)
				if err != nil {
					return err
				}
				return bk.Put([]byte(id), b)
			})
		})
		if err != nil {
			return fmt.Errorf("store traits %s: %w", id, err)
		}
	}
	c.mu.Lock()
	c.mem[id] = t
	c.mu.Unlock()
	return nil
}

// EntryState describes one cached engine.
type EntryState struct {
	Engine    string    `json:"engine"`
	FetchedAt time.Time `json:"fetched_at"`
	Age       string    `json:"age"`
	Expired   bool      `json:"expired"`
	Languages int       `json:"languages"`
	Regions   int       `json:"regions"`
	Custom    int       `json:"custom"`
}

// State is a read-only diagnostic snapshot of the cache.
type State struct {
	Path    string       `json:"path,omitempty"`
	MaxAge  string       `json:"max_age,omitempty"`
	Entries []EntryState `json:"entries"`
}

// State reports every entry, sorted by engine id.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	s := State{Path: c.path, Entries: make([]EntryState, 0, len(c.mem))}
	if c.maxAge > 0 {
		s.MaxAge = c.maxAge.String()
	}
	for id, t := range c.mem {
		age := now.Sub(t.FetchedAt)
		s.Entries = append(s.Entries, EntryState{
			Engine:    id,
			FetchedAt: t.FetchedAt,
			Age:       age.Round(time.Second).String(),
			Expired:   c.expired(t, now),
			Languages: len(t.Languages),
			Regions:   len(t.Regions),
			Custom:    len(t.Custom),
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Engine < s.Entries[j].Engine })
	return s
}

func (c *Cache) expired(t engine.Traits, now time.Time) bool {
	return c.maxAge > 0 && now.Sub(t.FetchedAt) > c.maxAge
}

// Report summarizes one maintenance run.
type Report struct {
	Removed   []string          `json:"removed"`
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Maintenance drops expired entries, then refreshes the traits of every
// fetcher concurrently. A failed refresh keeps the previous entry and is
// listed in the report; only storage errors and cancellation are returned.
func (c *Cache) Maintenance(ctx context.Context, fetchers map[string]engine.TraitsFetcher) (Report, error) {
	rep := Report{Removed: []string{}, Refreshed: []string{}}
	removed, err := c.sweep()
	if err != nil {
		return rep, err
	}
	rep.Removed = append(rep.Removed, removed...)

	ids := make([]string, 0, len(fetchers))
	for id := range fetchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		f := fetchers[id]
		g.Go(func() error {
			start := time.Now()
			t, err := f.FetchTraits(gctx)
			if err == nil {
				err = c.Put(id, t)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("engine", id).Msg("traits refresh failed")
				if rep.Failed == nil {
					rep.Failed = map[string]string{}
				}
				rep.Failed[id] = err.Error()
				return nil
			}
			log.Debug().Str("engine", id).Dur("took", time.Since(start)).Msg("traits refreshed")
			rep.Refreshed = append(rep.Refreshed, id)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(rep.Refreshed)
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (c *Cache) sweep() ([]string, error) {
	c.mu.RLock()
	now := c.now()
	var ids []string
	for id, t := range c.mem {
		if c.expired(t, now) {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	if c.path != "" {
		err := c.withDB(false, func(db *bolt.DB) error {
			return db.Update(func(tx *bolt.Tx) error {
				b := tx.Bucket(bucketName)
				if b == nil {
					return nil
				}
				for _, id := range ids {
					if err := b.Delete([]byte(id)); err != nil {
						return err
					}
				}
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("sweep engine cache: %w", err)
		}
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.mem, id)
	}
	c.mu.Unlock()
	return ids, nil
}
