package api

import (
	"net"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/credential"
	"github.com/AerNos/firefrp-server/internal/metrics"
	"github.com/AerNos/firefrp-server/internal/store"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxKeyLength = 128

// ValidateHandler serves the key-validation endpoint the tunnel client
// calls before connecting to frps.
type ValidateHandler struct {
	creds *credential.Service
	cfg   *config.Config
	mets  *metrics.Metrics
	log   *zap.Logger
}

// NewValidateHandler wires the handler.
func NewValidateHandler(creds *credential.Service, cfg *config.Config, mets *metrics.Metrics, logger *zap.Logger) *ValidateHandler {
	return &ValidateHandler{creds: creds, cfg: cfg, mets: mets, log: logger.Named("api")}
}

type validateRequest struct {
	Key string `json:"key"`
}

// validateData is the success payload: everything the client needs to start
// its frpc session.
type validateData struct {
	FrpsAddr   string `json:"frps_addr"`
	FrpsPort   int    `json:"frps_port"`
	RemotePort int    `json:"remote_port"`
	Token      string `json:"token"`
	ProxyName  string `json:"proxy_name"`
	ExpiresAt  string `json:"expires_at"`
}

// Validate classifies the submitted key and, when it is pending, returns
// the frps connection parameters. No state transition happens here beyond
// the credential service's lazy expiry; activation is driven by the frps
// Login callback.
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		h.mets.ValidateRequests.WithLabelValues(codeInvalidRequest).Inc()
		return
	}
	if req.Key == "" || len(req.Key) > maxKeyLength || !keyPattern.MatchString(req.Key) {
		h.mets.ValidateRequests.WithLabelValues(codeInvalidRequest).Inc()
		ErrInvalidRequest(w, "key must match ^[A-Za-z0-9_-]+$ and be at most 128 characters")
		return
	}

	rec, code := h.creds.Validate(req.Key)
	h.mets.ValidateRequests.WithLabelValues(string(code)).Inc()
	if code != credential.CodeOK {
		h.log.Info("validate rejected",
			zap.String("key_prefix", store.KeyPrefix(req.Key)),
			zap.String("code", string(code)))
		errJSON(w, httpStatus(code), string(code), code.Message())
		return
	}

	frps := h.cfg.Get().Frps
	addr := frps.BindAddr
	if addr == "" || addr == "0.0.0.0" || addr == "::" {
		addr = requestHost(r)
	}

	h.log.Info("validate ok",
		zap.String("tunnel_id", rec.TunnelID),
		zap.Int("remote_port", rec.RemotePort))
	Ok(w, validateData{
		FrpsAddr:   addr,
		FrpsPort:   frps.BindPort,
		RemotePort: rec.RemotePort,
		Token:      frps.AuthToken,
		ProxyName:  rec.ProxyName,
		ExpiresAt:  rec.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// httpStatus maps credential codes to HTTP statuses.
func httpStatus(code credential.Code) int {
	switch code {
	case credential.CodeKeyNotFound:
		return http.StatusNotFound
	case credential.CodeKeyExpired, credential.CodeKeyDisconnected:
		return http.StatusGone
	case credential.CodeKeyAlreadyUsed:
		return http.StatusConflict
	case credential.CodeKeyRevoked:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// requestHost is the Host header without any port, used as the frps address
// when the daemon binds a wildcard.
func requestHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return host
	}
	return r.Host
}
