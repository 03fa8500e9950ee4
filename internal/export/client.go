// Package export is a client for the build-export streaming API. It exposes
// the two feeds build processing is driven by: the long-lived build
// announcement stream and the filtered per-build event stream.
package export

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mattjoyce/buildtap/internal/log"
)

// Client talks to one export server.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a Client for the given server base URL. The underlying
// HTTP client carries no timeout: both feeds are expected to stay open for
// long periods, cancellation is via context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
	}
}

// BuildsURL returns the top-level announcement feed URL for a start marker
// ("now" or epoch milliseconds).
func (c *Client) BuildsURL(marker string) string {
	return fmt.Sprintf("%s/build-export/v1/builds/since/%s?stream", c.baseURL, url.PathEscape(marker))
}

// BuildEventsURL returns the per-build event feed URL filtered to the given
// event types.
func (c *Client) BuildEventsURL(buildID string, eventTypes []string) string {
	return fmt.Sprintf("%s/build-export/v1/build/%s/events?eventTypes=%s",
		c.baseURL, url.PathEscape(buildID), url.QueryEscape(strings.Join(eventTypes, ",")))
}

// BuildsSince subscribes to the announcement feed and invokes fn for each
// Build-typed message until the connection ends. lastEventID, when set,
// resumes the feed after a reconnect.
func (c *Client) BuildsSince(ctx context.Context, marker, lastEventID string, fn func(Message)) Outcome {
	return c.stream(ctx, c.BuildsURL(marker), lastEventID, func(m Message) {
		if m.Event != "" && m.Event != "Build" {
			log.Debug("ignoring non-build message on announcement feed", "event", m.Event)
			return
		}
		fn(m)
	})
}

// BuildEvents subscribes to one build's event feed, filtered to eventTypes,
// and invokes fn for each BuildEvent-typed message until the stream ends.
func (c *Client) BuildEvents(ctx context.Context, buildID string, eventTypes []string, fn func(Message)) Outcome {
	return c.stream(ctx, c.BuildEventsURL(buildID, eventTypes), "", func(m Message) {
		if m.Event != "" && m.Event != "BuildEvent" {
			log.Debug("ignoring non-event message on build feed", "build_id", buildID, "event", m.Event)
			return
		}
		fn(m)
	})
}
