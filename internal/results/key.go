package results

import (
	"net"
	"net/url"
	"strings"
)

// TrackingParams are query parameters that identify campaigns rather than
// content. They never take part in deduplication.
var TrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "utm_id",
	"gclid", "dclid", "fbclid", "msclkid", "yclid", "mc_cid", "mc_eid", "_hsenc", "_hsmi", "igshid",
}

// StripTracking removes TrackingParams from v in place.
func StripTracking(v url.Values) {
	for _, p := range TrackingParams {
		v.Del(p)
	}
}

// Key returns the deduplication key of a result URL: scheme, lower-cased host
// without its default port, path and the sorted query without tracking
// parameters. The fragment and user info are dropped. ok is false for URLs
// that are not absolute http(s) links.
func Key(raw string) (key string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	q := u.Query()
	StripTracking(q)
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if enc := q.Encode(); enc != "" {
		b.WriteByte('?')
		b.WriteString(enc)
	}
	return b.String(), true
}

func isDefaultPort(scheme, port string) bool {
	return scheme == "http" && port == "80" || scheme == "https" && port == "443"
}
