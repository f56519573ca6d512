// Package cache keeps generated answers on disk so repeated queries do not
// call the language model again.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Answers stores one file per key under Dir. Entries older than MaxAge
// (by modification time) are misses and are removed by Purge.
type Answers struct {
	Dir    string
	MaxAge time.Duration
	// StrictPerms enforces 0700 on the directory and 0600 on files.
	StrictPerms bool

	now func() time.Time
}

// KeyFrom builds a cache key from the model name and the full prompt.
func KeyFrom(model, prompt string) string {
	h := sha256.Sum256([]byte(model + "\n\n" + prompt))
	return hex.EncodeToString(h[:])
}

func (c *Answers) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Answers) ensureDir() error {
	if c == nil || strings.TrimSpace(c.Dir) == "" {
		return errors.New("answer cache dir not configured")
	}
	perm := os.FileMode(0o755)
	if c.StrictPerms {
		perm = 0o700
	}
	if err := os.MkdirAll(c.Dir, perm); err != nil {
		return err
	}
	if c.StrictPerms {
		if info, err := os.Stat(c.Dir); err == nil && info.Mode().Perm() != 0o700 {
			_ = os.Chmod(c.Dir, 0o700)
		}
	}
	return nil
}

func (c *Answers) pathFor(key string) string {
	return filepath.Join(c.Dir, key+".txt")
}

// Get returns the cached answer for key. Unreadable and expired entries are
// misses.
func (c *Answers) Get(key string) (string, bool) {
	if c == nil || c.Dir == "" {
		return "", false
	}
	p := c.pathFor(key)
	info, err := os.Stat(p)
	if err != nil {
		return "", false
	}
	if c.MaxAge > 0 && c.clock().Sub(info.ModTime()) > c.MaxAge {
		return "", false
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Save writes the answer for key, replacing any previous entry.
func (c *Answers) Save(key, answer string) error {
	if err := c.ensureDir(); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if c.StrictPerms {
		mode = 0o600
	}
	tmp, err := os.CreateTemp(c.Dir, key+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(answer); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, c.pathFor(key))
}

// Purge removes entries older than MaxAge and returns how many went.
func (c *Answers) Purge() (int, error) {
	if c == nil || c.Dir == "" || c.MaxAge <= 0 {
		return 0, nil
	}
	now := c.clock()
	removed := 0
	err := filepath.WalkDir(c.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) > c.MaxAge && os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	return removed, err
}
