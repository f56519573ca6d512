package plugin

import (
	"context"
	"net/url"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

// TrackerURLRemover strips campaign tracking parameters from result links.
type TrackerURLRemover struct{ Base }

func (TrackerURLRemover) Info() Info {
	return Info{
		ID:          "tracker_url_remover",
		Name:        "Tracker URL remover",
		Description: "Remove trackers arguments from the returned URL",
		HasPost:     true,
		DefaultOn:   true,
	}
}

func (TrackerURLRemover) PostSearch(_ context.Context, _ *request.Context, _ engine.Query, c *results.Container) error {
	c.Update(func(it *results.Item) {
		u, err := url.Parse(it.URL)
		if err != nil || u.RawQuery == "" {
			return
		}
		q := u.Query()
		before := len(q)
		results.StripTracking(q)
		if len(q) == before {
			return
		}
		u.RawQuery = q.Encode()
		it.URL = u.String()
	})
	return nil
}
