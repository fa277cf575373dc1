// Package proto defines the wire vocabulary shared by the signaling
// channel, the RPC push path and the HTTP polling fallback: pipe-delimited
// text envelopes, JSON signal payloads and conversation keys.
package proto

import (
	"fmt"
	"strings"
	"time"
)

// Text-frame prefixes on the signaling channel.
const (
	PrefixSignal       = "SIGNAL"
	PrefixIncomingCall = "INCOMING_CALL"
	PrefixError        = "ERROR"
	PrefixStartStream  = "START_STREAM"
	PrefixStopStream   = "STOP_STREAM"
)

// SignalKind is the TYPE slot of a SIGNAL envelope.
type SignalKind string

const (
	SignalCallRequest  SignalKind = "CALL_REQUEST"
	SignalCallAccept   SignalKind = "CALL_ACCEPT"
	SignalCallReject   SignalKind = "CALL_REJECT"
	SignalCallEnd      SignalKind = "CALL_END"
	SignalOffer        SignalKind = "OFFER"
	SignalAnswer       SignalKind = "ANSWER"
	SignalICECandidate SignalKind = "ICE_CANDIDATE"
	SignalMsg          SignalKind = "MSG"
)

// Signal is one SIGNAL|peer|TYPE|payload envelope. Peer is the target on
// outbound frames and the sender on inbound frames.
type Signal struct {
	Peer    string
	Kind    SignalKind
	Payload string
}

// IncomingCall is the server-pushed INCOMING_CALL|caller|callId frame that
// bypasses full negotiation.
type IncomingCall struct {
	Caller string
	CallID string
}

// ServerError is an ERROR|detail frame.
type ServerError struct {
	Detail string
}

// Frame is one parsed text frame from the signaling channel.
// Exactly one of the fields is set.
type Frame struct {
	Signal       *Signal
	IncomingCall *IncomingCall
	ServerError  *ServerError
}

// ParseFrame parses a text frame. Unknown or malformed frames return an
// error; callers log and drop them.
func ParseFrame(raw string) (Frame, error) {
	parts := strings.SplitN(raw, "|", 4)
	switch parts[0] {
	case PrefixSignal:
		if len(parts) < 3 {
			return Frame{}, fmt.Errorf("short SIGNAL frame: %q", raw)
		}
		payload := ""
		if len(parts) > 3 {
			payload = parts[3]
		}
		return Frame{Signal: &Signal{
			Peer:    parts[1],
			Kind:    SignalKind(parts[2]),
			Payload: payload,
		}}, nil
	case PrefixIncomingCall:
		if len(parts) < 3 {
			return Frame{}, fmt.Errorf("short INCOMING_CALL frame: %q", raw)
		}
		return Frame{IncomingCall: &IncomingCall{Caller: parts[1], CallID: parts[2]}}, nil
	case PrefixError:
		detail := ""
		if len(parts) > 1 {
			detail = strings.Join(parts[1:], "|")
		}
		return Frame{ServerError: &ServerError{Detail: detail}}, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame prefix: %q", parts[0])
	}
}

// EncodeSignal renders an outbound SIGNAL envelope for target.
func EncodeSignal(target string, kind SignalKind, payload string) string {
	return PrefixSignal + "|" + target + "|" + string(kind) + "|" + payload
}

// EncodeStartStream brackets the start of a raw-audio streaming session.
func EncodeStartStream(target string) string {
	return PrefixStartStream + "|" + target + "|format=pcm"
}

// EncodeStopStream ends a raw-audio streaming session.
func EncodeStopStream() string {
	return PrefixStopStream
}

// UserKey returns the conversation key for a direct chat with peer.
func UserKey(peer string) string { return "user_" + peer }

// GroupKey returns the conversation key for a group chat.
func GroupKey(name string) string { return "group_" + name }

// PollRecord is one line of the HTTP polling fallback response:
// MSG|from|content or GROUP|groupName|from|content.
type PollRecord struct {
	Key     string // conversation key
	From    string
	Content string
}

// ParsePollRecord parses one pending-message line. Returns false for blank
// or unrecognised lines.
func ParsePollRecord(line string) (PollRecord, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return PollRecord{}, false
	}
	parts := strings.SplitN(line, "|", 4)
	switch parts[0] {
	case "MSG":
		if len(parts) < 3 {
			return PollRecord{}, false
		}
		content := parts[2]
		if len(parts) == 4 {
			// Message content may itself contain pipes; keep the remainder intact.
			content = parts[2] + "|" + parts[3]
		}
		return PollRecord{Key: UserKey(parts[1]), From: parts[1], Content: content}, true
	case "GROUP":
		if len(parts) < 4 {
			return PollRecord{}, false
		}
		return PollRecord{Key: GroupKey(parts[1]), From: parts[2], Content: parts[3]}, true
	default:
		return PollRecord{}, false
	}
}

// NewCallID builds a locally generated call id. Used only when the remote
// party did not supply one; a remote-issued id is authoritative.
func NewCallID(peer, self string) string {
	return fmt.Sprintf("%s_%s_%d", peer, self, time.Now().UnixMilli())
}
