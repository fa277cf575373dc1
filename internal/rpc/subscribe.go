package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// PushKind tags a middleware push event.
type PushKind string

const (
	PushMessage     PushKind = "message"
	PushCallStarted PushKind = "call_started"
	PushCallEnded   PushKind = "call_ended"
)

// PushEvent is one event delivered on the RPC push channel.
type PushEvent struct {
	Kind    PushKind `json:"kind"`
	From    string   `json:"from,omitempty"`
	Group   string   `json:"group,omitempty"`
	Content string   `json:"content,omitempty"`
	CallID  string   `json:"callId,omitempty"`
	Caller  string   `json:"caller,omitempty"`
	Callee  string   `json:"callee,omitempty"`
}

// Subscribe registers the push callback with the middleware (through the
// fallback ladder, like every other call) and then consumes the event
// stream at {base}/events/{user}. The returned channel closes when the
// stream ends or ctx is cancelled; the caller decides whether to
// resubscribe.
func (c *Client) Subscribe(ctx context.Context, userID string) (<-chan PushEvent, error) {
	params := map[string]string{"userId": userID}
	if err := Do(ctx, c, c.identity, "subscribe", params, nil); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/events/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The regular client carries a request timeout that would kill a
	// long-lived stream; ctx governs this one instead.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream: %w: %s", ErrBadStatus, resp.Status)
	}

	ch := make(chan PushEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var evt PushEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &evt); err != nil {
				log.Warnf("bad push event: %v", err)
				continue
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Warnf("event stream closed: %v", err)
		}
	}()
	return ch, nil
}
