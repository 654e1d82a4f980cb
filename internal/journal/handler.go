package journal

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mlmledger/internal/httpx"
)

// Handler serves a member's ledger history.
type Handler struct {
	reader Reader
	logger *zap.Logger
}

func NewHandler(reader Reader, logger *zap.Logger) *Handler {
	return &Handler{reader: reader, logger: logger.Named("journal.http")}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/members/{id}/ledger", h.HandleLoad)
}

func (h *Handler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	entries, err := h.reader.Load(r.Context(), id, httpx.IntQuery(r, "from_version", 0), httpx.IntQuery(r, "limit", DefaultLimit))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}
