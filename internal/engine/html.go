package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/hyperifyio/talven/internal/fetch"
	"github.com/hyperifyio/talven/internal/htmltext"
)

// Selectors are the CSS extraction rules of an HTML engine. Results selects
// one node per hit; URL, Title and Content are evaluated inside it.
type Selectors struct {
	Results    string `yaml:"results" json:"results"`
	URL        string `yaml:"url" json:"url"`
	Title      string `yaml:"title" json:"title"`
	Content    string `yaml:"content" json:"content"`
	Suggestion string `yaml:"suggestion" json:"suggestion"`
	// Captcha, when it matches anything, marks the page as a CAPTCHA wall.
	Captcha string `yaml:"captcha" json:"captcha"`
}

// HTML scrapes a backend's HTML result page with CSS selectors.
//
// SearchURL is a template; {query}, {pageno}, {offset}, {lang},
// {safesearch} and {time_range} are substituted per request.
type HTML struct {
	EngineID  string
	Category  string
	SearchURL string
	Selectors Selectors
	// URLAttr is the attribute holding the result link, "href" by default.
	URLAttr  string
	PageSize int
	Client   *fetch.Client
	// ForwardToken sends the request's link token upstream.
	ForwardToken bool

	once     sync.Once
	compiled compiledSelectors
	err      error
	now      func() time.Time
}

type compiledSelectors struct {
	results, url, title, content, suggestion, captcha cascadia.Selector
}

func (h *HTML) ID() string { return h.EngineID }

func (h *HTML) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// compile validates every configured rule once. A broken rule is an adapter
// defect and is reported as an extraction failure on each search.
func (h *HTML) compile() (compiledSelectors, error) {
	h.once.Do(func() {
		rules := []struct {
			name string
			expr string
			dst  *cascadia.Selector
			req  bool
		}{
			{"results", h.Selectors.Results, &h.compiled.results, true},
			{"url", h.Selectors.URL, &h.compiled.url, true},
			{"title", h.Selectors.Title, &h.compiled.title, true},
			{"content", h.Selectors.Content, &h.compiled.content, false},
			{"suggestion", h.Selectors.Suggestion, &h.compiled.suggestion, false},
			{"captcha", h.Selectors.Captcha, &h.compiled.captcha, false},
		}
		for _, r := range rules {
			if strings.TrimSpace(r.expr) == "" {
				if r.req {
					h.err = ExtractionError(r.name, "selector is empty", nil)
					return
				}
				continue
			}
			sel, err := cascadia.Compile(r.expr)
			if err != nil {
				h.err = ExtractionError(r.expr, "invalid "+r.name+" selector", err)
				return
			}
			*r.dst = sel
		}
	})
	return h.compiled, h.err
}

func (h *HTML) buildURL(q Query, traits Traits) string {
	pageSize := h.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	r := strings.NewReplacer(
		"{query}", url.QueryEscape(q.Text),
		"{pageno}", strconv.Itoa(q.PageNo),
		"{offset}", strconv.Itoa((q.PageNo-1)*pageSize),
		"{lang}", url.QueryEscape(traits.LanguageFor(q)),
		"{safesearch}", strconv.Itoa(q.SafeSearch),
		"{time_range}", url.QueryEscape(q.TimeRange),
	)
	return r.Replace(h.SearchURL)
}

func (h *HTML) Search(ctx context.Context, q Query, traits Traits) (Response, error) {
	sels, err := h.compile()
	if err != nil {
		return Response{}, err
	}
	client := h.Client
	if client == nil {
		client = defaultClient
	}
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")
	if h.ForwardToken && q.Token != "" {
		header.Set(TokenHeader, q.Token)
	}
	resp, err := client.Get(ctx, h.buildURL(q, traits), header)
	if err != nil {
		return Response{}, err
	}
	if err := CheckStatus(resp, h.clock()); err != nil {
		return Response{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Response{}, ResponseError("invalid html", err)
	}
	if sels.captcha != nil && doc.FindMatcher(sels.captcha).Length() > 0 {
		return Response{}, Captcha(0)
	}

	base := resp.URL
	attr := h.URLAttr
	if attr == "" {
		attr = "href"
	}
	category := h.Category
	if category == "" {
		category = "general"
	}
	var out Response
	doc.FindMatcher(sels.results).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.FindMatcher(sels.url).First().Attr(attr)
		link := resolve(base, strings.TrimSpace(href))
		title := htmltext.Text(s.FindMatcher(sels.title).First().Text())
		if link == "" || title == "" {
			return
		}
		var snippet string
		if sels.content != nil {
			snippet = htmltext.Text(s.FindMatcher(sels.content).First().Text())
		}
		out.Results = append(out.Results, Result{
			URL:      link,
			Title:    title,
			Snippet:  snippet,
			Engine:   h.EngineID,
			Rank:     len(out.Results) + 1,
			Category: category,
		})
	})
	if sels.suggestion != nil {
		doc.FindMatcher(sels.suggestion).Each(func(_ int, s *goquery.Selection) {
			if t := htmltext.Text(s.Text()); t != "" {
				out.Suggestions = append(out.Suggestions, t)
			}
		})
	}
	return out, nil
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
