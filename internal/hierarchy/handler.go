// internal/hierarchy/handler.go
package hierarchy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mlmledger/internal/httpx"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger.Named("hierarchy.http")}
}

// Routes mounts the member and sponsor code endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/members", h.HandleRegister)
	r.Get("/members/{id}", h.HandleGetMember)
	r.Get("/members/{id}/upline", h.HandleUpline)
	r.Get("/members/{id}/downline", h.HandleDownline)
	r.Get("/members/{id}/downline/count", h.HandleDownlineCount)
	r.Get("/members/{id}/referral", h.HandleReferralLink)
	r.Post("/members/{id}/sponsor-code", h.HandleIssueSponsorCode)
	r.Post("/members/{id}/attach", h.HandleAttach)
	r.Put("/members/{id}/flags", h.HandleSetFlags)
	r.Get("/sponsor-codes/{code}", h.HandleValidateSponsorCode)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name" validate:"required,max=120"`
		SponsorCode string `json:"sponsor_code"`
		MLMEnabled  *bool  `json:"mlm_enabled"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	enabled := true
	if req.MLMEnabled != nil {
		enabled = *req.MLMEnabled
	}

	member, err := h.service.Register(r.Context(), NewMember{
		Name:        req.Name,
		SponsorCode: req.SponsorCode,
		MLMEnabled:  enabled,
	})
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, member)
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleUpline(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	upline, err := h.service.GetUpline(r.Context(), id, httpx.IntQuery(r, "levels", 5))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, upline)
}

func (h *Handler) HandleDownline(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	nodes, err := h.service.GetDownlineTree(r.Context(), id, httpx.IntQuery(r, "depth", 1))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, nodes)
}

func (h *Handler) HandleDownlineCount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	n, err := h.service.CountTotalDownline(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"total": n})
}

func (h *Handler) HandleReferralLink(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	link, err := h.service.ReferralLink(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, link)
}

func (h *Handler) HandleIssueSponsorCode(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	code, err := h.service.IssueSponsorCode(r.Context(), id, member.Name)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"sponsor_code": code})
}

func (h *Handler) HandleAttach(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req struct {
		SponsorCode string `json:"sponsor_code" validate:"required"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}

	sponsor, err := h.service.ValidateSponsorCode(r.Context(), req.SponsorCode)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	path, err := h.service.Attach(r.Context(), id, sponsor.ID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sponsor_id": sponsor.ID, "path": path})
}

func (h *Handler) HandleSetFlags(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req struct {
		MLMEnabled *bool `json:"mlm_enabled"`
		Active     *bool `json:"active"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if req.MLMEnabled != nil {
		if err := h.service.SetMLMEnabled(r.Context(), id, *req.MLMEnabled); err != nil {
			httpx.WriteError(w, h.logger, err)
			return
		}
	}
	if req.Active != nil {
		if err := h.service.SetActive(r.Context(), id, *req.Active); err != nil {
			httpx.WriteError(w, h.logger, err)
			return
		}
	}
	h.HandleGetMember(w, r)
}

func (h *Handler) HandleValidateSponsorCode(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.ValidateSponsorCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"member_id":    member.ID,
		"name":         member.Name,
		"sponsor_code": member.SponsorCode,
	})
}
