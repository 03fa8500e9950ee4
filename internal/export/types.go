package export

import "encoding/json"

// Build is one announced build on the top-level feed. The announcement
// payload carries at minimum the build identifier; the raw payload is kept
// for handlers that want fields buildtap does not model.
type Build struct {
	ID        string `json:"buildId"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// Raw is the full announcement payload as received.
	Raw json.RawMessage `json:"-"`
}

// EventTypeRef names the concrete type of a build event.
type EventTypeRef struct {
	EventType string `json:"eventType"`
}

// BuildEvent is one typed, timestamped record on a per-build event feed.
type BuildEvent struct {
	Type      EventTypeRef    `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ParseBuild decodes a build announcement payload.
func ParseBuild(data []byte) (Build, error) {
	var b Build
	if err := json.Unmarshal(data, &b); err != nil {
		return Build{}, err
	}
	b.Raw = append(json.RawMessage(nil), data...)
	return b, nil
}

// ParseBuildEvent decodes a per-build event payload.
func ParseBuildEvent(data []byte) (BuildEvent, error) {
	var ev BuildEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return BuildEvent{}, err
	}
	return ev, nil
}
