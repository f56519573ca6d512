package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperifyio/talven/internal/fetch"
	"github.com/hyperifyio/talven/internal/htmltext"
)

var defaultClient = &fetch.Client{MaxAttempts: 2}

// TokenHeader carries the bot-detection link token to upstreams that want it.
const TokenHeader = "X-Link-Token"

// SearxNG implements Engine against an upstream SearxNG instance's /search
// JSON endpoint.
type SearxNG struct {
	EngineID string
	BaseURL  string
	APIKey   string // optional
	Category string
	Client   *fetch.Client
	// ForwardToken sends the request's link token upstream.
	ForwardToken bool

	now func() time.Time
}

func (s *SearxNG) ID() string { return s.EngineID }

func (s *SearxNG) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *SearxNG) httpClient() *fetch.Client {
	if s.Client == nil {
		return defaultClient
	}
	return s.Client
}

func (s *SearxNG) endpoint(path string) (*url.URL, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("missing searxng base url")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(strings.TrimSuffix(u.Path, "/search"), "/") + path
	return u, nil
}

func (s *SearxNG) Search(ctx context.Context, q Query, traits Traits) (Response, error) {
	u, err := s.endpoint("/search")
	if err != nil {
		return Response{}, err
	}
	v := u.Query()
	v.Set("q", q.Text)
	v.Set("format", "json")
	if lang := traits.LanguageFor(q); lang != "" {
		v.Set("language", lang)
	} else {
		v.Set("language", "auto")
	}
	v.Set("safesearch", strconv.Itoa(q.SafeSearch))
	v.Set("pageno", strconv.Itoa(q.PageNo))
	if q.TimeRange != "" {
		v.Set("time_range", q.TimeRange)
	}
	category := s.Category
	if category == "" {
		category = "general"
	}
	v.Set("categories", category)
	if s.APIKey != "" {
		v.Set("apikey", s.APIKey)
	}
	u.RawQuery = v.Encode()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if s.ForwardToken && q.Token != "" {
		header.Set(TokenHeader, q.Token)
	}
	resp, err := s.httpClient().Get(ctx, u.String(), header)
	if err != nil {
		return Response{}, err
	}
	if err := CheckStatus(resp, s.clock()); err != nil {
		return Response{}, err
	}

	var sr searxResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return Response{}, ResponseError("invalid json", err)
	}
	if sr.Error != "" {
		return Response{}, APIError(sr.Error)
	}

	out := Response{
		Suggestions: sr.Suggestions,
		Corrections: sr.Corrections,
		Estimate:    int(sr.NumberOfResults),
	}
	for _, a := range sr.Answers {
		if text := answerText(a); text != "" {
			out.Answers = append(out.Answers, text)
		}
	}
	for _, ib := range sr.Infoboxes {
		if ib.Infobox == "" {
			continue
		}
		box := Infobox{Title: ib.Infobox, ID: ib.ID, Content: htmltext.Text(ib.Content), Engine: s.EngineID}
		if len(ib.URLs) > 0 {
			box.URL = ib.URLs[0].URL
		}
		out.Infoboxes = append(out.Infoboxes, box)
	}
	rank := 0
	for _, r := range sr.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		rank++
		cat := r.Category
		if cat == "" {
			cat = category
		}
		out.Results = append(out.Results, Result{
			Title:    htmltext.Text(r.Title),
			URL:      strings.TrimSpace(r.URL),
			Snippet:  htmltext.Text(r.Content),
			Engine:   s.EngineID,
			Rank:     rank,
			Category: cat,
			Template: r.Template,
		})
	}
	return out, nil
}

// FetchTraits reads the upstream /config endpoint and maps its locales.
func (s *SearxNG) FetchTraits(ctx context.Context) (Traits, error) {
	u, err := s.endpoint("/config")
	if err != nil {
		return Traits{}, err
	}
	resp, err := s.httpClient().Get(ctx, u.String(), http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return Traits{}, err
	}
	if err := CheckStatus(resp, s.clock()); err != nil {
		return Traits{}, err
	}
	var cfg struct {
		Locales map[string]string `json:"locales"`
	}
	if err := json.Unmarshal(resp.Body, &cfg); err != nil {
		return Traits{}, ResponseError("invalid config json", err)
	}
	t := Traits{Languages: make(map[string]string, len(cfg.Locales)), FetchedAt: s.clock().UTC()}
	for code := range cfg.Locales {
		t.Languages[code] = code
	}
	return t, nil
}

// answerText accepts both the legacy string answers and the newer
// {"answer": "..."} objects.
func answerText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Answer)
	}
	return ""
}

type searxResponse struct {
	Error   string `json:"error"`
	Results []struct {
		Title    string `json:"title"`
		URL      string `json:"url"`
		Content  string `json:"content"`
		Category string `json:"category"`
		Template string `json:"template"`
	} `json:"results"`
	Suggestions     []string          `json:"suggestions"`
	Corrections     []string          `json:"corrections"`
	Answers         []json.RawMessage `json:"answers"`
	NumberOfResults float64           `json:"number_of_results"`
	Infoboxes       []struct {
		Infobox string `json:"infobox"`
		ID      string `json:"id"`
		Content string `json:"content"`
		URLs    []struct {
			URL string `json:"url"`
		} `json:"urls"`
	} `json:"infoboxes"`
}
