package plugin

import (
	"context"
	"regexp"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

var (
	ipQuery = regexp.MustCompile(`(?i)^\s*(ip|my ip|what is my ip)\s*$`)
	uaQuery = regexp.MustCompile(`(?i)^\s*(my )?user[ -]?agent\s*$`)
)

// SelfInfo answers "ip" and "user agent" with what the server saw.
type SelfInfo struct{ Base }

func (SelfInfo) Info() Info {
	return Info{
		ID:          "self_info",
		Name:        "Self Information",
		Description: `Displays your IP if the query is "ip" and your user agent if the query is "user agent".`,
		HasPre:      true,
		DefaultOn:   true,
	}
}

func (SelfInfo) PreSearch(_ context.Context, rc *request.Context, q engine.Query, c *results.Container) (engine.Query, bool, error) {
	switch {
	case ipQuery.MatchString(q.Text) && rc.RemoteAddr != "":
		c.AddAnswer("Your IP is: " + rc.RemoteAddr)
		return q, true, nil
	case uaQuery.MatchString(q.Text) && rc.UserAgent != "":
		c.AddAnswer("Your user-agent is: " + rc.UserAgent)
		return q, true, nil
	}
	return q, false, nil
}
