package htmltext

import (
	"strings"

	"golang.org/x/net/html"
)

// Text converts an HTML fragment, as found in backend titles and snippets,
// into a single line of plain text. Markup like <b> or <span class="hl"> is
// dropped, entities are decoded, script and style content is skipped and
// whitespace runs collapse to one space.
func Text(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return collapseSpaces(strings.TrimSpace(fragment))
	}
	node, err := html.Parse(strings.NewReader(fragment))
	if err != nil || node == nil {
		return collapseSpaces(strings.TrimSpace(fragment))
	}
	var b strings.Builder
	collectText(&b, node)
	return collapseSpaces(strings.TrimSpace(b.String()))
}

func collectText(b *strings.Builder, n *html.Node) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template":
			return
		case "br", "p", "div", "li":
			b.WriteByte(' ')
		}
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c)
	}
}

// Truncate shortens s to at most max runes, cutting at the last space when
// one is close, and appends an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	cut := string(r[:max])
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\u00a0' {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}
