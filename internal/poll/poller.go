// Package poll drains the HTTP polling fallback endpoint on a fixed
// interval and feeds every record into the shared history cache, where the
// dedup contract collapses copies already delivered by faster transports.
package poll

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/multichat/internal/history"
	"github.com/petervdpas/multichat/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("poll")

// DefaultInterval matches the source behaviour: pending messages are
// fetched every two seconds.
const DefaultInterval = 2 * time.Second

// Poller is the fallback poll loop for one logged-in identity. It is the
// only component that needs explicit teardown on logout — a leaked ticker
// would outlive the session.
type Poller struct {
	baseURL  string
	username string
	interval time.Duration
	cache    *history.Cache
	http     *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a poller against the fallback gateway.
func New(baseURL, username string, interval time.Duration, cache *history.Cache) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		interval: interval,
		cache:    cache,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the loop. Idempotent: a running loop is stopped first.
func (p *Poller) Start() {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx)
	log.Infof("polling pending messages for %s every %s", p.username, p.interval)
}

// Stop tears the loop down. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				log.Warnf("poll tick failed: %v", err)
			}
		}
	}
}

// Drain fetches and ingests all pending records once. Exposed so login can
// flush the backlog immediately instead of waiting a full interval.
func (p *Poller) Drain(ctx context.Context) error {
	u := p.baseURL + "/messages/pending/" + url.PathEscape(p.username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("pending messages: status %s", resp.Status)
	}

	n := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		rec, ok := proto.ParsePollRecord(scanner.Text())
		if !ok {
			continue
		}
		if p.cache.Insert(rec.Key, rec.From, rec.Content, false, time.Now()) {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pending messages: %w", err)
	}
	if n > 0 {
		log.Debugf("ingested %d new polled messages", n)
	}
	return nil
}
