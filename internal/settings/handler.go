package settings

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mlmledger/internal/httpx"
)

// Handler exposes the program configuration to admins.
type Handler struct {
	store  Store
	logger *zap.Logger
}

func NewHandler(store Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger.Named("settings.http")}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings", h.HandleGet)
	r.Put("/settings", h.HandlePut)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

// HandlePut replaces the configuration. Fields missing from the body keep their current value.
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := httpx.Decode(r, &cfg); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.store.SaveSettings(r.Context(), cfg); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	h.logger.Info("settings updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("max_levels", cfg.MaxLevels),
		zap.Bool("auto_approve", cfg.AutoApprove),
	)
	httpx.WriteJSON(w, http.StatusOK, cfg)
}
