package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/version"
)

// InfoHandler serves discovery and liveness routes.
type InfoHandler struct {
	cfg *config.Config
	log *zap.Logger
}

// NewInfoHandler wires the handler.
func NewInfoHandler(cfg *config.Config, logger *zap.Logger) *InfoHandler {
	return &InfoHandler{cfg: cfg, log: logger.Named("api")}
}

// serverInfoData is the self-description clients use to pick a server.
type serverInfoData struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PublicAddr    string `json:"public_addr"`
	Description   string `json:"description"`
	ClientVersion string `json:"client_version"`
	UpdateChannel string `json:"update_channel"`
}

// ServerInfo reports the server's identity from config.
func (h *InfoHandler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	c := h.cfg.Get()
	Ok(w, serverInfoData{
		ID:            c.Server.ID,
		Name:          c.Server.Name,
		PublicAddr:    c.Server.PublicAddr,
		Description:   c.Server.Description,
		ClientVersion: version.Version,
		UpdateChannel: c.Updates.Channel,
	})
}

// Health is the liveness probe. It bypasses the envelope: the shape is part
// of the client contract.
func (h *InfoHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
