// app.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/multichat/internal/audio"
	"github.com/petervdpas/multichat/internal/config"
	"github.com/petervdpas/multichat/internal/history"
	"github.com/petervdpas/multichat/internal/negotiate"
	"github.com/petervdpas/multichat/internal/offers"
	"github.com/petervdpas/multichat/internal/poll"
	"github.com/petervdpas/multichat/internal/proto"
	"github.com/petervdpas/multichat/internal/rpc"
	"github.com/petervdpas/multichat/internal/session"
	"github.com/petervdpas/multichat/internal/signaling"
	"github.com/petervdpas/multichat/internal/storage"
	"github.com/petervdpas/multichat/internal/util"

	"github.com/pion/webrtc/v4"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("app")

// App owns one client instance: configuration plus, after Login, the wired
// session context. No package-level mutable state.
type App struct {
	cfgPath string

	mu   sync.RWMutex
	cfg  config.Config
	sess *sessionCtx
}

// sessionCtx bundles everything created by Login and torn down by Logout.
type sessionCtx struct {
	username string
	cancel   context.CancelFunc

	rpc       *rpc.Client
	transport *signaling.Transport
	cache     *history.Cache
	offers    *offers.Store
	machine   *session.Machine
	poller    *poll.Poller
	streamer  *audio.Streamer
	archive   *storage.Archive

	sigCancel   func()
	cacheCancel func()
}

// NewApp creates an app around a loaded config.
func NewApp(cfgPath string, cfg config.Config) *App {
	return &App{cfgPath: cfgPath, cfg: cfg}
}

// SetConfig swaps in a new configuration. Already-running sessions keep the
// settings they were built with; the next Login picks up the new values.
func (a *App) SetConfig(cfg config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// ErrLoggedIn rejects a second Login without a Logout in between.
var ErrLoggedIn = errors.New("already logged in")

// ErrNotLoggedIn rejects operations that need an active session.
var ErrNotLoggedIn = errors.New("not logged in")

// Login brings up the full client session for username: local archive,
// signaling channel, RPC client, call machine, push subscription and the
// poll loop. Transports that fail to come up degrade rather than abort —
// only an invalid username or a broken archive is fatal.
func (a *App) Login(ctx context.Context, username string) error {
	username, err := util.ValidateUsername(username)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.sess != nil {
		a.mu.Unlock()
		return ErrLoggedIn
	}
	cfg := a.cfg
	a.mu.Unlock()

	sctx, cancel := context.WithCancel(context.Background())

	sess := &sessionCtx{
		username: username,
		cancel:   cancel,
		cache:    history.NewCache(),
		offers:   offers.NewStore(),
	}

	if cfg.Storage.DBPath != "" {
		dbPath := util.ResolvePath(filepath.Dir(a.cfgPath), cfg.Storage.DBPath)
		archive, err := storage.Open(dbPath)
		if err != nil {
			cancel()
			return fmt.Errorf("open history archive: %w", err)
		}
		sess.archive = archive
		preloadArchive(archive, sess.cache)
		sess.cacheCancel = mirrorToArchive(sess.cache, archive)
	}

	sess.rpc = rpc.NewClient(cfg.Gateway.RPCURL, username)
	if err := sess.rpc.SetImplicitContext(map[string]string{"user": username}); err != nil {
		log.Warnf("implicit context not installed: %v", err)
	}

	sess.transport = signaling.New(cfg.Signaling.URL)
	sess.streamer = audio.NewStreamer(sess.transport)

	send := func(target string, kind proto.SignalKind, payload string) bool {
		return sess.transport.Send(proto.EncodeSignal(target, kind, payload))
	}
	factory := func(peer string, onLink func(session.LinkState)) (session.Negotiator, error) {
		negSend := func(kind proto.SignalKind, payload string) bool {
			return send(peer, kind, payload)
		}
		return negotiate.New(cfg.Call.STUNServers, negSend, func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateConnected:
				onLink(session.LinkUp)
			case webrtc.PeerConnectionStateFailed,
				webrtc.PeerConnectionStateDisconnected,
				webrtc.PeerConnectionStateClosed:
				onLink(session.LinkDown)
			}
		})
	}
	sess.machine = session.NewMachine(username, send, &registryAdapter{sess.rpc}, sess.offers, sess.cache, factory)

	if err := sess.transport.Connect(username); err != nil {
		// Reconnect is already scheduled; the RPC and poll paths carry the
		// session meanwhile.
		log.Warnf("signaling unavailable at login: %v", err)
	}

	sigCh, sigCancel := sess.transport.Subscribe()
	sess.sigCancel = sigCancel
	go a.dispatch(sctx, sess, sigCh)

	go a.pushLoop(sctx, sess)

	if cfg.Gateway.PollURL != "" {
		interval := time.Duration(cfg.Gateway.PollIntervalSec) * time.Second
		sess.poller = poll.New(cfg.Gateway.PollURL, username, interval, sess.cache)
		sess.poller.Start()
		go func() {
			// Flush the backlog immediately instead of waiting a tick.
			if err := sess.poller.Drain(sctx); err != nil {
				log.Debugf("initial drain: %v", err)
			}
		}()
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	log.Infof("logged in as %s", username)
	return nil
}

// Logout tears the session down: active call hung up, poller stopped,
// subscriptions cancelled, channel and archive closed.
func (a *App) Logout(ctx context.Context) {
	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()
	if sess == nil {
		return
	}

	sess.machine.Hangup(ctx)
	if sess.poller != nil {
		sess.poller.Stop()
	}
	sess.cancel()
	sess.sigCancel()
	sess.transport.Close()
	if sess.cacheCancel != nil {
		sess.cacheCancel()
	}
	if sess.archive != nil {
		if err := sess.archive.Close(); err != nil {
			log.Warnf("close archive: %v", err)
		}
	}
	log.Infof("logged out %s", sess.username)
}

func (a *App) session() (*sessionCtx, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sess == nil {
		return nil, ErrNotLoggedIn
	}
	return a.sess, nil
}

// Username returns the logged-in identity, or "".
func (a *App) Username() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sess == nil {
		return ""
	}
	return a.sess.username
}

// ── Messaging

// SendMessage delivers a direct message over both channels: a MSG frame on
// signaling and the RPC sendMessage call. One of the two succeeding is
// enough; the receiver's dedup collapses double delivery.
func (a *App) SendMessage(ctx context.Context, peer, content string) error {
	sess, err := a.session()
	if err != nil {
		return err
	}

	sent := sess.transport.Send(proto.EncodeSignal(peer, proto.SignalMsg, content))
	rpcErr := sess.rpc.SendMessage(ctx, peer, content)
	if !sent && rpcErr != nil {
		return fmt.Errorf("send to %s: %w", peer, rpcErr)
	}

	sess.cache.Insert(proto.UserKey(peer), sess.username, content, true, time.Now())
	return nil
}

// SendGroupMessage delivers a message to a group through the middleware.
func (a *App) SendGroupMessage(ctx context.Context, group, content string) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	if err := sess.rpc.SendMessage(ctx, group, content); err != nil {
		return fmt.Errorf("send to group %s: %w", group, err)
	}
	sess.cache.Insert(proto.GroupKey(group), sess.username, content, true, time.Now())
	return nil
}

// SendVoiceMessage delivers a recorded voice clip (base64 audio payload) as
// a message.
func (a *App) SendVoiceMessage(ctx context.Context, peer, payload string) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	if err := sess.rpc.SendAudio(ctx, peer, payload); err != nil {
		return fmt.Errorf("send voice message to %s: %w", peer, err)
	}
	content, _ := json.Marshal(proto.AudioPayload{Type: string(proto.ContentAudio), Data: payload})
	sess.cache.Insert(proto.UserKey(peer), sess.username, string(content), true, time.Now())
	return nil
}

// LoadHistory pulls the stored middleware log for a user or group id into
// the cache. Entries already present are absorbed by dedup.
func (a *App) LoadHistory(ctx context.Context, id string, group bool) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	entries, err := sess.rpc.GetHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", id, err)
	}
	key := proto.UserKey(id)
	if group {
		key = proto.GroupKey(id)
	}
	for _, e := range entries {
		sess.cache.Insert(key, e.From, e.Content, e.From == sess.username, time.UnixMilli(e.Timestamp))
	}
	return nil
}

// History exposes the session's conversation cache.
func (a *App) History() (*history.Cache, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	return sess.cache, nil
}

// ── Calls

// Calls exposes the session's call machine.
func (a *App) Calls() (*session.Machine, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	return sess.machine, nil
}

// StartCall rings peer.
func (a *App) StartCall(ctx context.Context, peer string) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	return sess.machine.StartCall(ctx, peer)
}

// AcceptCall answers the ringing incoming call.
func (a *App) AcceptCall(ctx context.Context) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	return sess.machine.Accept(ctx)
}

// RejectCall declines the ringing incoming call.
func (a *App) RejectCall(ctx context.Context) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	return sess.machine.Reject(ctx)
}

// Hangup ends the active call.
func (a *App) Hangup(ctx context.Context) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	sess.machine.Hangup(ctx)
	return nil
}

// ActiveCalls lists calls the middleware still considers active for the
// logged-in identity, used to reconcile state after a reconnect.
func (a *App) ActiveCalls(ctx context.Context) ([]rpc.CallInfo, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	return sess.rpc.GetActiveCalls(ctx, sess.username)
}

// ── Raw audio streaming

// Audio exposes the session's raw-audio streamer.
func (a *App) Audio() (*audio.Streamer, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	return sess.streamer, nil
}

// ── Event routing

// dispatch consumes the signaling channel: call-control frames go to the
// machine, MSG frames land in the history cache (audio payloads also feed
// the streamer), binary chunks feed the streamer under the active call peer.
func (a *App) dispatch(ctx context.Context, sess *sessionCtx, events chan signaling.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch {
			case evt.Frame != nil && evt.Frame.Signal != nil:
				a.routeSignal(sess, evt.Frame.Signal)
			case evt.Frame != nil && evt.Frame.IncomingCall != nil:
				sess.machine.HandleIncomingCall(evt.Frame.IncomingCall)
			case evt.Chunk != nil:
				if call, ok := sess.machine.Current(); ok {
					sess.streamer.HandleChunk(call.RemoteUser, evt.Chunk)
				} else {
					log.Debugf("dropping %d audio bytes: no active call", len(evt.Chunk))
				}
			}
		}
	}
}

func (a *App) routeSignal(sess *sessionCtx, sig *proto.Signal) {
	if sig.Kind != proto.SignalMsg {
		sess.machine.HandleSignal(sig)
		return
	}

	content := proto.ClassifyContent(sig.Payload)
	if content.Kind == proto.ContentAudio {
		sess.streamer.HandleAudioMessage(sig.Peer, sig.Payload)
	}
	sess.cache.Insert(proto.UserKey(sig.Peer), sig.Peer, sig.Payload, false, time.Now())
}

// pushLoop keeps one push subscription alive for the session, resubscribing
// after the stream drops.
func (a *App) pushLoop(ctx context.Context, sess *sessionCtx) {
	for {
		events, err := sess.rpc.Subscribe(ctx, sess.username)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("push subscription failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(signaling.ReconnectDelay):
			}
			continue
		}

		for evt := range events {
			a.routePush(sess, evt)
		}
		if ctx.Err() != nil {
			return
		}
		log.Infof("push stream ended, resubscribing")
	}
}

func (a *App) routePush(sess *sessionCtx, evt rpc.PushEvent) {
	switch evt.Kind {
	case rpc.PushMessage:
		key := proto.UserKey(evt.From)
		if evt.Group != "" {
			key = proto.GroupKey(evt.Group)
		}
		sess.cache.Insert(key, evt.From, evt.Content, false, time.Now())
	case rpc.PushCallStarted:
		if evt.Callee == sess.username {
			sess.machine.HandleIncomingCall(&proto.IncomingCall{Caller: evt.Caller, CallID: evt.CallID})
		}
	case rpc.PushCallEnded:
		peer := evt.Caller
		if peer == sess.username {
			peer = evt.Callee
		}
		sess.machine.HandleSignal(&proto.Signal{Peer: peer, Kind: proto.SignalCallEnd})
	default:
		log.Debugf("unhandled push event kind %q", evt.Kind)
	}
}

// ── Archive bridging

func preloadArchive(archive *storage.Archive, cache *history.Cache) {
	keys, err := archive.Keys()
	if err != nil {
		log.Warnf("archive preload: %v", err)
		return
	}
	n := 0
	for _, key := range keys {
		entries, err := archive.Load(key)
		if err != nil {
			log.Warnf("archive preload %s: %v", key, err)
			continue
		}
		for _, e := range entries {
			if cache.Insert(e.Key, e.From, e.Content, e.IsSent, e.Timestamp) {
				n++
			}
		}
	}
	if n > 0 {
		log.Infof("preloaded %d archived messages", n)
	}
}

// mirrorToArchive appends every new cache entry to the archive. A
// synchronous tap, not a subscription: a dropped persistence write would be
// a silent hole in the archive. The archive ignores duplicates, so
// re-mirroring preloaded entries is harmless.
func mirrorToArchive(cache *history.Cache, archive *storage.Archive) (cancel func()) {
	return cache.Tap(func(msg history.Message) {
		if err := archive.Append(msg.Key, msg.From, msg.Content.Raw, msg.IsSent, msg.Timestamp); err != nil {
			log.Warnf("archive append: %v", err)
		}
	})
}

// registryAdapter maps the session machine's registry onto the RPC client.
type registryAdapter struct {
	c *rpc.Client
}

func (r *registryAdapter) StartCall(ctx context.Context, caller, callee string) (string, error) {
	info, err := r.c.StartCall(ctx, caller, callee)
	if err != nil {
		return "", err
	}
	return info.CallID, nil
}

func (r *registryAdapter) EndCall(ctx context.Context, callID string) error {
	return r.c.EndCall(ctx, callID)
}

func (r *registryAdapter) SendFallback(ctx context.Context, peer, content string) error {
	return r.c.SendMessage(ctx, peer, content)
}
