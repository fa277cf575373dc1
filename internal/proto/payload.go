package proto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ContentKind tags a chat-message payload. The kind is decided once, at the
// ingestion boundary; downstream code never re-sniffs the raw string.
type ContentKind string

const (
	ContentText    ContentKind = "text"
	ContentFile    ContentKind = "file"
	ContentAudio   ContentKind = "audio"
	ContentCallLog ContentKind = "call_log"
)

// FilePayload is a file attachment carried inline as base64.
type FilePayload struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Data string `json:"data"`
	Size int64  `json:"size,omitempty"`
}

// AudioPayload is a recorded voice message, base64-encoded.
type AudioPayload struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	Duration int64  `json:"duration,omitempty"`
}

// CallLogPayload is the end-of-call entry appended to a conversation.
type CallLogPayload struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

// Content is the tagged variant for a message body. Raw always holds the
// serialized form — equality for deduplication compares Raw, never the
// decoded view.
type Content struct {
	Kind    ContentKind
	Raw     string
	File    *FilePayload
	Audio   *AudioPayload
	CallLog *CallLogPayload
}

// ClassifyContent decides the content kind exactly once. Anything that is
// not a recognised JSON sub-payload is plain text.
func ClassifyContent(raw string) Content {
	c := Content{Kind: ContentText, Raw: raw}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return c
	}
	switch ContentKind(probe.Type) {
	case ContentFile:
		var p FilePayload
		if json.Unmarshal([]byte(raw), &p) == nil {
			c.Kind, c.File = ContentFile, &p
		}
	case ContentAudio:
		var p AudioPayload
		if json.Unmarshal([]byte(raw), &p) == nil {
			c.Kind, c.Audio = ContentAudio, &p
		}
	case ContentCallLog:
		var p CallLogPayload
		if json.Unmarshal([]byte(raw), &p) == nil {
			c.Kind, c.CallLog = ContentCallLog, &p
		}
	}
	return c
}

// NewCallLogContent serializes an end-of-call log entry.
func NewCallLogContent(status string, durationMs int64) string {
	b, _ := json.Marshal(CallLogPayload{Type: string(ContentCallLog), Status: status, DurationMs: durationMs})
	return string(b)
}

// SessionDesc is an opaque WebRTC session description. The core only checks
// presence; the negotiation layer converts it at its boundary.
type SessionDesc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallRequestPayload is the JSON body of CALL_REQUEST signals. From and
// CallID ride only on the RPC/poll copy of the request; the signaling copy
// carries just the offer.
type CallRequestPayload struct {
	Type   string       `json:"type"`
	From   string       `json:"from,omitempty"`
	CallID string       `json:"callId,omitempty"`
	Offer  *SessionDesc `json:"offer"`
}

// ICECandidatePayload is the JSON body of ICE_CANDIDATE signals.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// NewMessageID returns a unique id for outbound RPC requests.
func NewMessageID() string { return uuid.NewString() }
