package engine

import (
	"strings"
)

// Supported parameter names an engine may declare in its descriptor.
const (
	ParamLanguage   = "language"
	ParamSafeSearch = "safesearch"
	ParamTimeRange  = "time_range"
	ParamPaging     = "paging"
)

// Safe search levels.
const (
	SafeSearchOff      = 0
	SafeSearchModerate = 1
	SafeSearchStrict   = 2
)

var validTimeRanges = map[string]struct{}{"": {}, "day": {}, "week": {}, "month": {}, "year": {}}

// Query is the normalized, per-request search input. It is passed by value;
// hooks that want a different query return a modified copy.
type Query struct {
	Text       string
	Categories []string
	Engines    []string
	Locale     string
	SafeSearch int
	PageNo     int
	TimeRange  string
	// Token is the opaque bot-detection link token for this request.
	Token string
}

// NewQuery validates input and returns a Query. Blank text, page numbers
// below one, unknown time ranges and out-of-range safe search levels are
// reported as *ParameterError.
func NewQuery(text string, categories, engines []string, locale string, safeSearch, pageNo int, timeRange string) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, &ParameterError{Name: "q", Value: ""}
	}
	if pageNo == 0 {
		pageNo = 1
	}
	if pageNo < 1 {
		return Query{}, &ParameterError{Name: "pageno", Value: pageNo}
	}
	if safeSearch < SafeSearchOff || safeSearch > SafeSearchStrict {
		return Query{}, &ParameterError{Name: "safesearch", Value: safeSearch}
	}
	if _, ok := validTimeRanges[timeRange]; !ok {
		return Query{}, &ParameterError{Name: "time_range", Value: timeRange}
	}
	return Query{
		Text:       text,
		Categories: cleanList(categories),
		Engines:    cleanList(engines),
		Locale:     strings.TrimSpace(locale),
		SafeSearch: safeSearch,
		PageNo:     pageNo,
		TimeRange:  timeRange,
	}, nil
}

// WithText returns a copy of q with its text replaced.
func (q Query) WithText(text string) Query {
	c := q.clone()
	c.Text = text
	return c
}

// WithToken returns a copy of q carrying the given link token.
func (q Query) WithToken(token string) Query {
	c := q.clone()
	c.Token = token
	return c
}

func (q Query) clone() Query {
	c := q
	c.Categories = append([]string(nil), q.Categories...)
	c.Engines = append([]string(nil), q.Engines...)
	return c
}

// Language returns the primary language subtag of the locale ("en" for
// "en-US"), or "" when no locale is set.
func (q Query) Language() string {
	l := q.Locale
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	return strings.ToLower(l)
}

// SplitList splits a comma separated form value, dropping blanks.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return cleanList(strings.Split(s, ","))
}

func cleanList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
