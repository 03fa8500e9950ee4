package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Message is one decoded frame from a server-sent-event stream.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Outcome reports how a stream ended. The export protocol has no explicit
// close event, so the stream layer is the only place that can tell a clean
// server close apart from a transport failure: a clean EOF is Completed,
// anything else is Failed with the reason attached.
type Outcome struct {
	err error
}

// Completed is the outcome of a stream the server closed cleanly.
func Completed() Outcome { return Outcome{} }

// Failed is the outcome of a stream that ended on a transport error.
func Failed(err error) Outcome { return Outcome{err: err} }

// Err returns the failure reason, or nil for a completed stream.
func (o Outcome) Err() error { return o.err }

// IsCompleted reports whether the stream ended cleanly.
func (o Outcome) IsCompleted() bool { return o.err == nil }

func (o Outcome) String() string {
	if o.err == nil {
		return "completed"
	}
	return fmt.Sprintf("failed: %v", o.err)
}

// maxEventSize caps a single SSE data payload. Build events carry nested
// JSON and can run large.
const maxEventSize = 4 * 1024 * 1024

// stream opens url and invokes fn for every complete frame until the
// connection ends. fn is called sequentially from a single goroutine.
func (c *Client) stream(ctx context.Context, url, lastEventID string, fn func(Message)) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Failed(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Failed(fmt.Errorf("connect: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Failed(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var cur Message
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				cur.Data = []byte(data.String())
				fn(cur)
			}
			cur = Message{}
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		case strings.HasPrefix(line, "id: "):
			cur.ID = line[4:]
		case strings.HasPrefix(line, "event: "):
			cur.Event = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Failed(fmt.Errorf("stream cut short: %w", err))
		}
		return Failed(fmt.Errorf("read stream: %w", err))
	}
	return Completed()
}
