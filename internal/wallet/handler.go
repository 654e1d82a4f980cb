// internal/wallet/handler.go
package wallet

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mlmledger/internal/httpx"
	"mlmledger/internal/settings"
)

// memberLimiter throttles withdrawal requests per member. A member idle long enough for
// the bucket to refill completely is dropped from the map.
type memberLimiter struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*limiterEntry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newMemberLimiter(interval time.Duration, burst int) *memberLimiter {
	return &memberLimiter{
		entries: make(map[uuid.UUID]*limiterEntry),
		limit:   rate.Every(interval),
		burst:   burst,
		idle:    interval * time.Duration(burst),
		now:     time.Now,
	}
}

func (l *memberLimiter) allow(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, e := range l.entries {
			if now.Sub(e.seen) >= l.idle {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[id]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[id] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

type Handler struct {
	service  Service
	settings settings.Provider
	limiter  *memberLimiter
	logger   *zap.Logger
}

// NewHandler wires the wallet endpoints. Each member may submit burst withdrawal
// requests, refilled at one per interval.
func NewHandler(service Service, provider settings.Provider, logger *zap.Logger, interval time.Duration, burst int) *Handler {
	return &Handler{
		service:  service,
		settings: provider,
		limiter:  newMemberLimiter(interval, burst),
		logger:   logger.Named("wallet.http"),
	}
}

// Routes mounts the wallet and withdrawal endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/members/{id}/wallet", h.HandleSummary)

	r.Post("/withdrawals", h.HandleRequest)
	r.Get("/withdrawals", h.HandleList)
	r.Get("/withdrawals/{id}", h.HandleGet)
	r.Post("/withdrawals/{id}/approve", h.HandleApprove)
	r.Post("/withdrawals/{id}/pay", h.HandlePay)
	r.Post("/withdrawals/{id}/reject", h.HandleReject)
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	summary, err := h.service.GetSummary(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	if !h.limiter.allow(req.MemberID) {
		httpx.WriteError(w, h.logger, httpx.ErrRateLimited)
		return
	}
	cfg, err := h.settings.LoadSettings(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	withdrawal, err := h.service.RequestWithdrawal(r.Context(), cfg, req)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, withdrawal)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	memberID, err := httpx.OptionalUUID(r, "member_id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	list, err := h.service.ListWithdrawals(r.Context(), Filter{
		MemberID: memberID,
		Status:   Status(r.URL.Query().Get("status")),
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
	withdrawal, err := h.service.GetWithdrawal(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withdrawal)
}

// adminAction parses the withdrawal id and actor header shared by the transition endpoints.
func (h *Handler) adminAction(w http.ResponseWriter, r *http.Request) (id, actor uuid.UUID, ok bool) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return uuid.Nil, uuid.Nil, false
	}
	actor, err = httpx.Actor(r)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return uuid.Nil, uuid.Nil, false
	}
	return id, actor, true
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.adminAction(w, r)
	if !ok {
		return
	}
	withdrawal, err := h.service.ApproveWithdrawal(r.Context(), id, actor)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withdrawal)
}

func (h *Handler) HandlePay(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.adminAction(w, r)
	if !ok {
		return
	}
	withdrawal, err := h.service.MarkPaid(r.Context(), id, actor)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withdrawal)
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.adminAction(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	withdrawal, err := h.service.RejectWithdrawal(r.Context(), id, actor, req.Reason)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withdrawal)
}
