// Package rpc is the client surface of the chat middleware. The middleware
// propagates caller identity three different ways — a ?user= query
// parameter on the proxy endpoint, a per-call context map, or an implicit
// connection-wide context — and none of them is reliable on its own, so
// callers go through the fallback ladder in ladder.go rather than invoking
// a proxy directly.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/multichat/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rpc")

// ErrBadStatus is wrapped around non-2xx middleware responses.
var ErrBadStatus = errors.New("middleware error status")

// Proxy invokes one method on the middleware under a fixed addressing
// scheme.
type Proxy interface {
	Invoke(ctx context.Context, method string, params, result any) error
}

// Provider hands out proxies and owns the connection-wide identity context.
// Client implements it; tests substitute fakes to inject per-step faults.
type Provider interface {
	// QueryProxy returns a proxy with the caller identity embedded as a
	// query parameter — the most reliable identity propagation.
	QueryProxy() (Proxy, error)
	// PlainProxy returns a proxy with no identity attached.
	PlainProxy() (Proxy, error)
	// WithCallContext attaches an explicit per-call context map to p.
	WithCallContext(p Proxy, callCtx map[string]string) (Proxy, error)
	// SetImplicitContext installs a connection-wide context applied to
	// every subsequent call.
	SetImplicitContext(callCtx map[string]string) error
}

// Client talks JSON over HTTP to the middleware gateway.
type Client struct {
	baseURL  string
	identity string
	http     *http.Client

	mu       sync.RWMutex
	implicit map[string]string
}

// NewClient creates a middleware client for one logged-in identity.
func NewClient(baseURL, identity string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		identity: identity,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Identity returns the logged-in identity this client was created for.
func (c *Client) Identity() string { return c.identity }

// QueryProxy returns a proxy addressed with ?user=<identity>.
func (c *Client) QueryProxy() (Proxy, error) {
	if c.identity == "" {
		return nil, errors.New("no identity for query proxy")
	}
	q := url.Values{}
	q.Set("user", c.identity)
	return &httpProxy{c: c, query: q}, nil
}

// PlainProxy returns a proxy with no identity addressing.
func (c *Client) PlainProxy() (Proxy, error) {
	return &httpProxy{c: c}, nil
}

// WithCallContext attaches a per-call context map. The map travels as
// X-Chat-Ctx-* headers; keys must be valid header tokens.
func (c *Client) WithCallContext(p Proxy, callCtx map[string]string) (Proxy, error) {
	hp, ok := p.(*httpProxy)
	if !ok {
		return nil, fmt.Errorf("cannot attach context to %T", p)
	}
	for k, v := range callCtx {
		if k == "" || strings.ContainsAny(k, " \t\r\n:") || strings.ContainsAny(v, "\r\n") {
			return nil, fmt.Errorf("invalid context entry %q", k)
		}
	}
	cp := *hp
	cp.callCtx = callCtx
	return &cp, nil
}

// SetImplicitContext installs the connection-wide context.
func (c *Client) SetImplicitContext(callCtx map[string]string) error {
	c.mu.Lock()
	c.implicit = callCtx
	c.mu.Unlock()
	log.Debugf("implicit context set: %v", callCtx)
	return nil
}

// httpProxy is one addressing scheme over the shared client.
type httpProxy struct {
	c       *Client
	query   url.Values
	callCtx map[string]string
}

type rpcRequest struct {
	ID     string `json:"id"`
	Params any    `json:"params,omitempty"`
}

// Invoke posts {base}/rpc/{method} and decodes the JSON response into
// result (which may be nil for void methods).
func (p *httpProxy) Invoke(ctx context.Context, method string, params, result any) error {
	u := p.c.baseURL + "/rpc/" + url.PathEscape(method)
	if len(p.query) > 0 {
		u += "?" + p.query.Encode()
	}

	body, err := json.Marshal(rpcRequest{ID: proto.NewMessageID(), Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.callCtx {
		req.Header.Set("X-Chat-Ctx-"+k, v)
	}
	if len(p.callCtx) == 0 {
		p.c.mu.RLock()
		for k, v := range p.c.implicit {
			req.Header.Set("X-Chat-Ctx-"+k, v)
		}
		p.c.mu.RUnlock()
	}

	resp, err := p.c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %w: %s", method, ErrBadStatus, resp.Status)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
