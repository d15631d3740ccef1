// Package plugin serves the frps manager callbacks. frps forwards every
// client Login, NewProxy, Ping, and CloseProxy to this endpoint and obeys the
// verdict, which is where access keys actually gate tunnel traffic.
//
// The handler never default-allows: unknown operations, malformed payloads,
// and internal panics all answer reject. frps runs as a local subprocess, so
// requests from non-loopback peers are refused outright with 403.
package plugin

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/credential"
	"github.com/AerNos/firefrp-server/internal/metrics"
	"github.com/AerNos/firefrp-server/internal/store"
)

// Operations frps invokes, as spelled in its httpPlugins ops list.
const (
	OpLogin      = "Login"
	OpNewProxy   = "NewProxy"
	OpPing       = "Ping"
	OpCloseProxy = "CloseProxy"
)

const maxBodyBytes = 1 << 20

// Request is the callback envelope.
type Request struct {
	Version string          `json:"version"`
	Op      string          `json:"op"`
	Content json.RawMessage `json:"content"`
}

// Response is the verdict. Allow carries unchange=true; deny carries the
// reason and omits unchange.
type Response struct {
	Reject       bool   `json:"reject"`
	RejectReason string `json:"reject_reason"`
	Unchange     bool   `json:"unchange,omitempty"`
}

func allow() Response { return Response{Unchange: true} }

func deny(reason string) Response { return Response{Reject: true, RejectReason: reason} }

// Reject reasons not derived from a credential code.
const (
	reasonNoKey     = "No access key provided"
	reasonRejected  = "Access key has been rejected"
	reasonBadProxy  = "Proxy name mismatch"
	reasonBadPort   = "Remote port mismatch"
	reasonNotTCP    = "Only tcp proxies are allowed"
	reasonMalformed = "Malformed plugin request"
	reasonInternal  = "Internal server error"
)

// userInfo is the frps user block carried by proxy-scoped operations.
type userInfo struct {
	User  string            `json:"user"`
	Metas map[string]string `json:"metas"`
	RunID string            `json:"run_id"`
}

type loginContent struct {
	User  string            `json:"user"`
	RunID string            `json:"run_id"`
	Metas map[string]string `json:"metas"`
}

type newProxyContent struct {
	User       userInfo `json:"user"`
	ProxyName  string   `json:"proxy_name"`
	ProxyType  string   `json:"proxy_type"`
	RemotePort int      `json:"remote_port"`
}

type pingContent struct {
	User userInfo `json:"user"`
}

type closeProxyContent struct {
	User      userInfo `json:"user"`
	ProxyName string   `json:"proxy_name"`
}

// Options wires a Handler. The four callbacks decouple the handler from the
// bot transport and the motd prober; nil callbacks are skipped.
type Options struct {
	Credentials *credential.Service
	Rejects     *credential.RejectSet
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// NotifyConnected runs after a successful activation when the key has an
	// originating group. Must not block.
	NotifyConnected func(*store.AccessKey)
	// NotifyDisconnected runs after a CloseProxy disconnect when the key has
	// an originating group. Must not block.
	NotifyDisconnected func(*store.AccessKey)
	// ScheduleProbe runs after a successful activation of a minecraft key.
	ScheduleProbe func(*store.AccessKey)
	// CancelProbe runs on disconnect with the key's tunnel id.
	CancelProbe func(tunnelID string)
}

// Handler answers the frps plugin callbacks.
//
// The zero value is not usable — create instances with New.
type Handler struct {
	creds   *credential.Service
	rejects *credential.RejectSet
	metrics *metrics.Metrics
	log     *zap.Logger

	notifyConnected    func(*store.AccessKey)
	notifyDisconnected func(*store.AccessKey)
	scheduleProbe      func(*store.AccessKey)
	cancelProbe        func(string)

	now func() time.Time
}

// New creates the handler.
func New(opts Options) *Handler {
	h := &Handler{
		creds:              opts.Credentials,
		rejects:            opts.Rejects,
		metrics:            opts.Metrics,
		log:                opts.Logger.Named("plugin"),
		notifyConnected:    opts.NotifyConnected,
		notifyDisconnected: opts.NotifyDisconnected,
		scheduleProbe:      opts.ScheduleProbe,
		cancelProbe:        opts.CancelProbe,
		now:                time.Now,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !loopbackPeer(r.RemoteAddr) {
		h.log.Warn("plugin callback from non-loopback peer",
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req Request
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.write(w, "", deny(reasonMalformed))
		return
	}
	h.write(w, req.Op, h.dispatch(req))
}

func (h *Handler) write(w http.ResponseWriter, op string, resp Response) {
	if op != "" {
		h.metrics.PluginOps.WithLabelValues(op, strconv.FormatBool(!resp.Reject)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("plugin response write failed", zap.String("op", op), zap.Error(err))
	}
}

// dispatch routes one decoded request. A panic anywhere below answers reject
// rather than letting frps interpret a dropped connection as it pleases.
func (h *Handler) dispatch(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("plugin handler panic",
				zap.String("op", req.Op), zap.Any("panic", r))
			resp = deny(reasonInternal)
		}
	}()

	switch req.Op {
	case OpLogin:
		var c loginContent
		if err := json.Unmarshal(req.Content, &c); err != nil {
			return deny(reasonMalformed)
		}
		return h.login(c)
	case OpNewProxy:
		var c newProxyContent
		if err := json.Unmarshal(req.Content, &c); err != nil {
			return deny(reasonMalformed)
		}
		return h.newProxy(c)
	case OpPing:
		var c pingContent
		if err := json.Unmarshal(req.Content, &c); err != nil {
			return deny(reasonMalformed)
		}
		return h.ping(c)
	case OpCloseProxy:
		var c closeProxyContent
		if err := json.Unmarshal(req.Content, &c); err != nil {
			return deny(reasonMalformed)
		}
		return h.closeProxy(c)
	default:
		return deny("Unsupported operation: " + req.Op)
	}
}

// login gates client logins and drives pending keys to active. An already
// active key is an idempotent reconnection of the same client and passes.
func (h *Handler) login(c loginContent) Response {
	key := c.Metas["access_key"]
	if key == "" {
		return deny(reasonNoKey)
	}

	rec := h.creds.GetByKey(key)
	if rec == nil {
		h.log.Info("login rejected, unknown key", zap.String("key", store.KeyPrefix(key)))
		return deny(credential.CodeKeyNotFound.Message())
	}
	if rec.Expired(h.now()) {
		h.rejects.Add(key)
		return h.rejectLogin(rec, credential.CodeKeyExpired.Message())
	}

	switch rec.Status {
	case store.StatusExpired:
		return h.rejectLogin(rec, credential.CodeKeyExpired.Message())
	case store.StatusRevoked:
		return h.rejectLogin(rec, credential.CodeKeyRevoked.Message())
	case store.StatusDisconnected:
		return h.rejectLogin(rec, credential.CodeKeyDisconnected.Message())
	case store.StatusActive:
		// Same credential, fresh control connection.
		return allow()
	}

	act, ok := h.creds.Activate(key, c.RunID)
	if !ok {
		// Raced with a sweep or an admin kick between lookup and activation;
		// classify from the fresh record.
		if cur := h.creds.GetByKey(key); cur != nil {
			return h.rejectLogin(cur, statusReason(cur.Status))
		}
		return deny(credential.CodeKeyNotFound.Message())
	}

	if act.GroupID != "" && h.notifyConnected != nil {
		h.notifyConnected(act)
	}
	if act.GameType == "minecraft" && h.scheduleProbe != nil {
		h.scheduleProbe(act)
	}
	return allow()
}

// rejectLogin denies a login for a known key and leaves an audit row behind.
func (h *Handler) rejectLogin(rec *store.AccessKey, reason string) Response {
	h.creds.Audit(store.EventClientRejected, rec.ID, "login: "+reason)
	h.log.Info("login rejected",
		zap.String("tunnel_id", rec.TunnelID),
		zap.String("status", string(rec.Status)),
		zap.String("reason", reason))
	return deny(reason)
}

// newProxy verifies that the client registers exactly the proxy its key was
// issued for. Login already gated the lifecycle state.
func (h *Handler) newProxy(c newProxyContent) Response {
	key := c.User.Metas["access_key"]
	if key == "" {
		return deny(reasonNoKey)
	}
	rec := h.creds.GetByKey(key)
	if rec == nil {
		return deny(credential.CodeKeyNotFound.Message())
	}
	if c.ProxyName != rec.ProxyName {
		h.log.Warn("proxy name mismatch",
			zap.String("tunnel_id", rec.TunnelID),
			zap.String("got", c.ProxyName),
			zap.String("want", rec.ProxyName))
		return deny(reasonBadProxy)
	}
	if c.RemotePort != rec.RemotePort {
		h.log.Warn("remote port mismatch",
			zap.String("tunnel_id", rec.TunnelID),
			zap.Int("got", c.RemotePort),
			zap.Int("want", rec.RemotePort))
		return deny(reasonBadPort)
	}
	if c.ProxyType != "tcp" {
		return deny(reasonNotTCP)
	}

	h.creds.Audit(store.EventProxyOpened, rec.ID,
		fmt.Sprintf("proxy=%s port=%d", c.ProxyName, c.RemotePort))
	return allow()
}

// ping answers the periodic heartbeat check. The reject set short-circuits
// the common stale-client case; a hit still reads the record once so the
// client learns why it was cut off.
func (h *Handler) ping(c pingContent) Response {
	key := c.User.Metas["access_key"]
	if key == "" {
		// Heartbeats without metas cannot be attributed to a credential.
		return allow()
	}

	if h.rejects.Contains(key) {
		if rec := h.creds.GetByKey(key); rec != nil {
			return deny(statusReason(rec.Status))
		}
		return deny(reasonRejected)
	}

	rec := h.creds.GetByKey(key)
	if rec == nil {
		return deny(credential.CodeKeyNotFound.Message())
	}
	if rec.Status.Terminal() {
		h.rejects.Add(key)
		return deny(statusReason(rec.Status))
	}
	if rec.Expired(h.now()) {
		h.rejects.Add(key)
		return deny(credential.CodeKeyExpired.Message())
	}
	return allow()
}

// closeProxy disconnects the credential behind a closed proxy. The reply is
// always allow: the proxy is already gone and frps ignores a veto here.
func (h *Handler) closeProxy(c closeProxyContent) Response {
	key := c.User.Metas["access_key"]
	if key == "" {
		return allow()
	}

	rec := h.creds.GetByKey(key)
	if rec == nil || rec.Status != store.StatusActive {
		return allow()
	}

	term, err := h.creds.Disconnect(key)
	if err != nil {
		// Lost the race against a sweep or kick; the record is terminal
		// either way.
		h.log.Debug("close-proxy disconnect race",
			zap.String("tunnel_id", rec.TunnelID), zap.Error(err))
		return allow()
	}

	h.creds.Audit(store.EventProxyClosed, term.ID, "proxy="+c.ProxyName)
	if h.cancelProbe != nil {
		h.cancelProbe(term.TunnelID)
	}
	if term.GroupID != "" && h.notifyDisconnected != nil {
		h.notifyDisconnected(term)
	}
	return allow()
}

// statusReason maps a lifecycle state to the client-facing reject reason.
func statusReason(s store.KeyStatus) string {
	switch s {
	case store.StatusExpired:
		return credential.CodeKeyExpired.Message()
	case store.StatusRevoked:
		return credential.CodeKeyRevoked.Message()
	case store.StatusDisconnected:
		return credential.CodeKeyDisconnected.Message()
	default:
		return reasonRejected
	}
}

// loopbackPeer reports whether the socket peer is local. frps always runs on
// the same host, so anything else is a spoof attempt or a misconfiguration.
func loopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
