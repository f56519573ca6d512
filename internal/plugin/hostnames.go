package plugin

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

// HostnamesSettings configure the hostnames plugin. Remove takes precedence
// over Replace.
type HostnamesSettings struct {
	Remove  []string          `yaml:"remove" json:"remove"`
	Replace map[string]string `yaml:"replace" json:"replace"`
}

// Hostnames drops results from denied hosts and rewrites others, e.g. to a
// privacy-respecting frontend. Subdomains match their parent entry.
type Hostnames struct {
	Base
	Settings HostnamesSettings
}

func (*Hostnames) Info() Info {
	return Info{
		ID:          "hostnames",
		Name:        "Hostnames plugin",
		Description: "Rewrite hostnames and remove results based on the hostname",
		HasPost:     true,
	}
}

func (h *Hostnames) PostSearch(_ context.Context, _ *request.Context, _ engine.Query, c *results.Container) error {
	if len(h.Settings.Remove) > 0 {
		c.Filter(func(it results.Item) bool {
			return !matchHost(hostOf(it.URL), h.Settings.Remove)
		})
	}
	if len(h.Settings.Replace) == 0 {
		return nil
	}
	rules := replaceRules(h.Settings.Replace)
	c.Update(func(it *results.Item) {
		u, err := url.Parse(it.URL)
		if err != nil {
			return
		}
		host := strings.ToLower(u.Hostname())
		for _, r := range rules {
			if host == r.from || strings.HasSuffix(host, "."+r.from) {
				host = strings.TrimSuffix(host, r.from) + r.to
				if port := u.Port(); port != "" {
					host = net.JoinHostPort(host, port)
				}
				u.Host = host
				it.URL = u.String()
				return
			}
		}
	})
	return nil
}

type replaceRule struct{ from, to string }

// replaceRules orders the replace map so the most specific host wins.
func replaceRules(m map[string]string) []replaceRule {
	rules := make([]replaceRule, 0, len(m))
	for from, to := range m {
		from = strings.ToLower(strings.TrimSpace(from))
		if from == "" {
			continue
		}
		rules = append(rules, replaceRule{from: from, to: strings.TrimSpace(to)})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].from) != len(rules[j].from) {
			return len(rules[i].from) > len(rules[j].from)
		}
		return rules[i].from < rules[j].from
	})
	return rules
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func matchHost(host string, list []string) bool {
	if host == "" {
		return false
	}
	for _, d := range list {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
