package rpc

import (
	"context"
)

// CallInfo describes one active call as reported by the middleware.
type CallInfo struct {
	CallID string `json:"callId"`
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Active bool   `json:"active"`
}

// HistoryEntry is one stored message returned by getHistory.
type HistoryEntry struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// SendMessage delivers a chat message to a user or group id.
func (c *Client) SendMessage(ctx context.Context, receiver, content string) error {
	params := map[string]string{"receiver": receiver, "content": content}
	return Do(ctx, c, c.identity, "sendMessage", params, nil)
}

// SendAudio delivers a recorded voice message (base64 payload).
func (c *Client) SendAudio(ctx context.Context, receiver, payload string) error {
	params := map[string]string{"receiver": receiver, "payload": payload}
	return Do(ctx, c, c.identity, "sendAudio", params, nil)
}

// StartCall registers a call with the middleware and returns its id.
func (c *Client) StartCall(ctx context.Context, caller, callee string) (CallInfo, error) {
	params := map[string]string{"caller": caller, "callee": callee}
	var info CallInfo
	if err := Do(ctx, c, c.identity, "startCall", params, &info); err != nil {
		return CallInfo{}, err
	}
	return info, nil
}

// EndCall tears down a registered call.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	params := map[string]string{"callId": callID}
	return Do(ctx, c, c.identity, "endCall", params, nil)
}

// GetActiveCalls lists calls the middleware considers active for userID.
func (c *Client) GetActiveCalls(ctx context.Context, userID string) ([]CallInfo, error) {
	params := map[string]string{"userId": userID}
	var calls []CallInfo
	if err := Do(ctx, c, c.identity, "getActiveCalls", params, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// GetHistory fetches the stored log for a user or group id.
func (c *Client) GetHistory(ctx context.Context, userOrGroupID string) ([]HistoryEntry, error) {
	params := map[string]string{"id": userOrGroupID}
	var entries []HistoryEntry
	if err := Do(ctx, c, c.identity, "getHistory", params, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
