package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/metrics"
	"github.com/AerNos/firefrp-server/internal/store"
)

const (
	// Write/read pacing for the gateway socket.
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	dialTimeout = 10 * time.Second
	callTimeout = 10 * time.Second

	// Outbound frames and inbound events buffer up to these sizes; beyond
	// that they are dropped so a dead gateway cannot stall the rest of the
	// server.
	outboundBuffer = 64
	eventBuffer    = 64

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction perturbs each reconnect delay by up to ±20%.
	jitterFraction = 0.2
)

var (
	// ErrQueueFull means the outbound buffer is saturated, usually because
	// the gateway has been unreachable for a while.
	ErrQueueFull = errors.New("bot: outbound queue full")
	// ErrDisconnected fails pending API calls when their session ends.
	ErrDisconnected = errors.New("bot: gateway disconnected")
	// ErrCallTimeout means the gateway did not answer within callTimeout.
	ErrCallTimeout = errors.New("bot: gateway call timed out")
)

// callResult delivers either the gateway's response or a transport error to
// a waiting CallAPI.
type callResult struct {
	resp apiResponse
	err  error
}

// Options wires a Transport.
type Options struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Transport maintains the outbound WebSocket to the chat gateway: one
// reconnect loop, one reader and one writer per session, and an echo-keyed
// table of in-flight API calls. Messages can be enqueued at any time, also
// while disconnected; they are delivered once a session is up or dropped
// when the buffer overflows.
//
// The zero value is not usable — create instances with NewTransport.
type Transport struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *zap.Logger

	outbound chan []byte
	events   chan Event

	mu      sync.Mutex
	pending map[string]chan callResult
}

// NewTransport creates the transport. Call Run to connect.
func NewTransport(opts Options) *Transport {
	return &Transport{
		cfg:      opts.Config,
		metrics:  opts.Metrics,
		log:      opts.Logger.Named("bot"),
		outbound: make(chan []byte, outboundBuffer),
		events:   make(chan Event, eventBuffer),
		pending:  make(map[string]chan callResult),
	}
}

// Events returns the inbound event stream. The channel closes when Run
// returns.
func (t *Transport) Events() <-chan Event { return t.events }

// Run connects to the gateway and keeps the connection alive until ctx is
// canceled, redialing with capped exponential backoff. The backoff resets on
// every successful connect.
func (t *Transport) Run(ctx context.Context) {
	defer close(t.events)
	defer t.failPending(ErrDisconnected)

	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			t.log.Info("gateway transport stopped")
			return
		}

		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("gateway connect failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			t.metrics.BotReconnects.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		t.log.Info("gateway connected", zap.String("url", t.cfg.Get().Bot.WsURL))
		t.session(ctx, conn)
		t.failPending(ErrDisconnected)

		if ctx.Err() != nil {
			t.log.Info("gateway transport stopped")
			return
		}
		t.metrics.BotReconnects.Inc()
		t.log.Warn("gateway session ended, reconnecting",
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// dial opens one WebSocket connection. The access token travels as a query
// parameter and is scrubbed from any error text.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	b := t.cfg.Get().Bot
	u := b.WsURL
	if b.Token != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "access_token=" + url.QueryEscape(b.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		msg := err.Error()
		if b.Token != "" {
			msg = strings.ReplaceAll(msg, b.Token, "***")
			msg = strings.ReplaceAll(msg, url.QueryEscape(b.Token), "***")
		}
		return nil, errors.New("dial " + b.WsURL + ": " + msg)
	}
	return conn, nil
}

// session runs one connection until it dies or ctx is canceled.
func (t *Transport) session(ctx context.Context, conn *websocket.Conn) {
	quit := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		t.writePump(ctx, conn, quit)
		// Unblocks the reader when the writer leaves first (cancel or write
		// error).
		conn.Close()
	}()

	t.readPump(conn)
	close(quit)
	<-writerDone
	conn.Close()
}

// readPump consumes frames until the connection fails. Liveness comes from
// the pong deadline: the writer pings every pingPeriod and a missing pong
// times the read out.
func (t *Transport) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Warn("gateway read failed", zap.Error(err))
			}
			return
		}
		t.handleFrame(raw)
	}
}

// handleFrame classifies one inbound frame: API responses carry an echo,
// events carry a post_type. Anything else is noise.
func (t *Transport) handleFrame(raw []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		t.log.Debug("undecodable gateway frame", zap.Error(err))
		return
	}

	switch {
	case probe.Echo != "":
		var resp apiResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.log.Debug("undecodable api response", zap.Error(err))
			return
		}
		t.resolve(resp)
	case probe.PostType != "":
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.log.Debug("undecodable event frame", zap.Error(err))
			return
		}
		select {
		case t.events <- ev:
		default:
			t.log.Warn("event queue full, dropping event",
				zap.String("post_type", ev.PostType))
		}
	}
}

// writePump owns the socket's write side: outbound frames plus the periodic
// ping. It returns on write error, session end, or ctx cancellation.
func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn, quit <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-t.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.log.Warn("gateway write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-quit:
			return
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *Transport) enqueue(frame []byte) bool {
	select {
	case t.outbound <- frame:
		return true
	default:
		return false
	}
}

// resolve completes the pending call matching the response's echo. Responses
// to fire-and-forget sends match nothing and fall through.
func (t *Transport) resolve(resp apiResponse) {
	t.mu.Lock()
	ch, ok := t.pending[resp.Echo]
	if ok {
		delete(t.pending, resp.Echo)
	}
	t.mu.Unlock()
	if ok {
		ch <- callResult{resp: resp}
	}
}

// failPending rejects every in-flight call with err.
func (t *Transport) failPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for echo, ch := range t.pending {
		delete(t.pending, echo)
		ch <- callResult{err: err}
	}
}

// CallAPI performs one gateway API call and waits for its response.
func (t *Transport) CallAPI(ctx context.Context, action string, params any) (json.RawMessage, error) {
	echo := uuid.NewString()
	frame, err := json.Marshal(apiCall{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("bot: encode %s call: %w", action, err)
	}

	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.pending[echo] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, echo)
		t.mu.Unlock()
	}()

	if !t.enqueue(frame) {
		return nil, ErrQueueFull
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Status != "ok" {
			return nil, fmt.Errorf("bot: %s rejected by gateway: retcode %d", action, res.resp.Retcode)
		}
		return res.resp.Data, nil
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send enqueues one API call without waiting for the response. Used on paths
// that must never block, like the plugin-handler notifications.
func (t *Transport) send(action string, params any) {
	frame, err := json.Marshal(apiCall{Action: action, Params: params, Echo: uuid.NewString()})
	if err != nil {
		t.log.Error("encode outbound call failed", zap.String("action", action), zap.Error(err))
		return
	}
	if !t.enqueue(frame) {
		t.log.Warn("outbound queue full, dropping message", zap.String("action", action))
	}
}

// SendGroupMessage sends text into a group, at-mentioning userID when it is
// non-empty, and waits for the gateway's acknowledgement.
func (t *Transport) SendGroupMessage(ctx context.Context, groupID, userID, text string) error {
	_, err := t.CallAPI(ctx, "send_group_msg", groupMessageParams(groupID, userID, text))
	return err
}

// Broadcast sends text to each given group, or to the configured broadcast
// groups when none are passed. Per-group failures are logged and skipped.
func (t *Transport) Broadcast(ctx context.Context, text string, groups ...string) {
	if len(groups) == 0 {
		groups = t.cfg.Get().Bot.BroadcastGroups
	}
	for _, g := range groups {
		if err := t.SendGroupMessage(ctx, g, "", text); err != nil {
			t.log.Warn("broadcast failed", zap.String("group_id", g), zap.Error(err))
		}
	}
}

// NotifyTunnelConnected announces an activated tunnel to its origin group.
// Fire and forget.
func (t *Transport) NotifyTunnelConnected(rec *store.AccessKey) {
	game := store.GameByType(rec.GameType)
	addr := net.JoinHostPort(t.cfg.Get().Server.PublicAddr, strconv.Itoa(rec.RemotePort))
	text := fmt.Sprintf("%s 的%s隧道已连接\n编号: %s\n公网地址: %s\n到期时间: %s",
		rec.UserName, game.DisplayName, rec.TunnelID, addr, formatTime(rec.ExpiresAt))
	t.send("send_group_msg", groupMessageParams(rec.GroupID, rec.UserID, text))
}

// NotifyTunnelDisconnected announces a closed tunnel to its origin group.
// Fire and forget.
func (t *Transport) NotifyTunnelDisconnected(rec *store.AccessKey) {
	game := store.GameByType(rec.GameType)
	text := fmt.Sprintf("%s 的%s隧道已断开\n编号: %s",
		rec.UserName, game.DisplayName, rec.TunnelID)
	t.send("send_group_msg", groupMessageParams(rec.GroupID, rec.UserID, text))
}

// groupMessageParams builds the send_group_msg parameter object. With a user
// id the text rides behind an at-mention, separated by one space.
func groupMessageParams(groupID, userID, text string) map[string]any {
	segs := make([]Segment, 0, 2)
	if userID != "" {
		segs = append(segs, atSegment(ID(userID)))
		text = " " + text
	}
	segs = append(segs, textSegment(text))
	return map[string]any{
		"group_id": ID(groupID).param(),
		"message":  segs,
	}
}

func formatTime(ts time.Time) string {
	return ts.Local().Format("2006-01-02 15:04")
}

// nextBackoff returns the next reconnect delay, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter perturbs d by up to ±jitterFraction to spread reconnect storms.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
