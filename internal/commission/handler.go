// internal/commission/handler.go
package commission

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mlmledger/internal/httpx"
	"mlmledger/internal/settings"
)

type Handler struct {
	service  Service
	settings settings.Provider
	logger   *zap.Logger
}

func NewHandler(service Service, provider settings.Provider, logger *zap.Logger) *Handler {
	return &Handler{service: service, settings: provider, logger: logger.Named("commission.http")}
}

// Routes mounts the commission and rule endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders/{id}/commissions", h.HandleProcessOrder)
	r.Post("/signups", h.HandleSignup)

	r.Get("/commissions", h.HandleList)
	r.Get("/commissions/{id}", h.HandleGet)
	r.Post("/commissions/{id}/approve", h.HandleApprove)
	r.Post("/commissions/{id}/cancel", h.HandleCancel)

	r.Get("/commission-rules", h.HandleListRules)
	r.Post("/commission-rules", h.HandleCreateRule)
	r.Put("/commission-rules/{id}", h.HandleUpdateRule)
	r.Delete("/commission-rules/{id}", h.HandleDeactivateRule)
}

func (h *Handler) HandleProcessOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	cfg, err := h.settings.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	result, err := h.service.ProcessOrderCommissions(r.Context(), cfg, id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID  uuid.UUID `json:"member_id" validate:"required"`
		SponsorID uuid.UUID `json:"sponsor_id" validate:"required"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	cfg, err := h.settings.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	result, err := h.service.ProcessSignupBonus(r.Context(), cfg, req.MemberID, req.SponsorID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	memberID, err := httpx.OptionalUUID(r, "member_id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	orderID, err := httpx.OptionalUUID(r, "order_id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	list, err := h.service.ListCommissions(r.Context(), Filter{
		MemberID: memberID,
		OrderID:  orderID,
		Status:   Status(q.Get("status")),
		Type:     Type(q.Get("type")),
		Page:     httpx.IntQuery(r, "page", 1),
		PageSize: httpx.IntQuery(r, "page_size", 20),
	})
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.GetCommission(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.ApproveCommission(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.CancelCommission(r.Context(), id, req.Reason)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

type ruleRequest struct {
	Type          Type                `json:"type" validate:"required"`
	Level         int                 `json:"level"`
	Percentage    decimal.NullDecimal `json:"percentage"`
	FixedAmount   decimal.NullDecimal `json:"fixed_amount"`
	MinOrderValue decimal.NullDecimal `json:"min_order_value"`
	MaxCommission decimal.NullDecimal `json:"max_commission"`
	Priority      int                 `json:"priority"`
	Active        *bool               `json:"active"`
}

func (req ruleRequest) rule(id uuid.UUID) Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return Rule{
		ID:            id,
		Type:          req.Type,
		Level:         req.Level,
		Percentage:    req.Percentage,
		FixedAmount:   req.FixedAmount,
		MinOrderValue: req.MinOrderValue,
		MaxCommission: req.MaxCommission,
		Priority:      req.Priority,
		Active:        active,
	}
}

func (h *Handler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListRules(r.Context(), Type(r.URL.Query().Get("type")), r.URL.Query().Get("active") == "true")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rules)
}

func (h *Handler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	cfg, err := h.settings.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	rule, err := h.service.CreateRule(r.Context(), cfg, req.rule(uuid.Nil))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rule)
}

func (h *Handler) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	var req ruleRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	cfg, err := h.settings.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	rule, err := h.service.UpdateRule(r.Context(), cfg, req.rule(id))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) HandleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if err := h.service.DeactivateRule(r.Context(), id); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
