package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/search"
)

// File serves results from a local JSON file for offline/testing use.
// The JSON file format is an array of objects: {"title": "...", "url": "...", "snippet": "..."}.
type File struct {
	EngineID string
	Path     string
	Category string
	Limit    int
}

func (f *File) ID() string { return f.EngineID }

type fileEntry struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (f *File) Search(ctx context.Context, q Query, _ Traits) (Response, error) {
	if strings.TrimSpace(f.Path) == "" {
		return Response{}, errors.New("file engine path is empty")
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return Response{}, err
	}
	var raw []fileEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return Response{}, ResponseError("invalid json", err)
	}
	category := f.Category
	if category == "" {
		category = "general"
	}
	terms := strings.Fields(q.Text)
	m := search.New(language.English, search.IgnoreCase, search.IgnoreDiacritics)
	var out Response
	for _, r := range raw {
		if r.URL == "" || r.Title == "" {
			continue
		}
		if !matchesAll(m, r.Title+" "+r.Snippet, terms) {
			continue
		}
		out.Results = append(out.Results, Result{
			Title:    r.Title,
			URL:      r.URL,
			Snippet:  r.Snippet,
			Engine:   f.EngineID,
			Rank:     len(out.Results) + 1,
			Category: category,
		})
		if f.Limit > 0 && len(out.Results) >= f.Limit {
			break
		}
	}
	return out, nil
}

// matchesAll reports whether every term occurs in haystack, ignoring case
// and diacritics so "cafe" finds "Café".
func matchesAll(m *search.Matcher, haystack string, terms []string) bool {
	for _, t := range terms {
		if start, _ := m.IndexString(haystack, t); start < 0 {
			return false
		}
	}
	return true
}
