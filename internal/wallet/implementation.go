// internal/wallet/implementation.go
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mlmledger/internal/errs"
	"mlmledger/internal/metrics"
	"mlmledger/internal/settings"
)

var hundred = decimal.NewFromInt(100)

// service implements the Service interface.
type service struct {
	repo     Repository
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a new wallet service instance.
func NewService(repo Repository, logger *zap.Logger, m *metrics.Metrics) Service {
	return &service{
		repo:     repo,
		logger:   logger.Named("wallet"),
		metrics:  m,
		validate: validator.New(),
		now:      time.Now,
	}
}

// GetOrCreateWallet returns the member's wallet, creating a zeroed one on first use.
func (s *service) GetOrCreateWallet(ctx context.Context, memberID uuid.UUID) (*Wallet, error) {
	return s.repo.GetOrCreateWallet(ctx, memberID)
}

// GetSummary combines the wallet with withdrawal aggregates.
func (s *service) GetSummary(ctx context.Context, memberID uuid.UUID) (*Summary, error) {
	w, err := s.repo.GetOrCreateWallet(ctx, memberID)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.WithdrawalTotals(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal totals: %w", err)
	}
	return &Summary{
		MemberID:                memberID,
		Balance:                 w.Balance,
		Pending:                 w.Pending,
		TotalEarned:             w.TotalEarned,
		TotalWithdrawn:          totals.PaidNet,
		PendingWithdrawalAmount: totals.Held,
	}, nil
}

// WithdrawalFee computes the fee charged on amount, rounded to cents.
func WithdrawalFee(amount, feePercent decimal.Decimal) decimal.Decimal {
	return amount.Mul(feePercent).Div(hundred).Round(2)
}

// RequestWithdrawal validates the request and holds the full amount from the balance.
func (s *service) RequestWithdrawal(ctx context.Context, cfg settings.MLM, req WithdrawalRequest) (*Withdrawal, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.Amount.LessThan(cfg.MinWithdrawal) {
		return nil, ErrBelowMinimum
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid withdrawal request", err)
	}

	w, err := s.repo.GetOrCreateWallet(ctx, req.MemberID)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(w.Balance) {
		return nil, ErrInsufficientFunds
	}

	fee := WithdrawalFee(req.Amount, cfg.WithdrawalFeePercent)
	details := make(map[string]string, len(req.Details))
	for k, v := range req.Details {
		details[k] = v
	}
	withdrawal := &Withdrawal{
		ID:        uuid.New(),
		MemberID:  req.MemberID,
		Amount:    req.Amount,
		Fee:       fee,
		NetAmount: req.Amount.Sub(fee),
		Method:    req.Method,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
	}

	// The repository re-checks the balance atomically; the read above only fails fast.
	if err := s.repo.CreateWithdrawal(ctx, withdrawal); err != nil {
		return nil, err
	}

	s.metrics.Withdrawal(string(StatusPending), withdrawal.Amount)
	s.logger.Info("withdrawal requested",
		zap.Stringer("withdrawal_id", withdrawal.ID),
		zap.Stringer("member_id", withdrawal.MemberID),
		zap.Stringer("amount", withdrawal.Amount),
		zap.Stringer("fee", withdrawal.Fee),
	)
	return withdrawal, nil
}

func (s *service) transition(ctx context.Context, id, actorID uuid.UUID, to Status, note string, refund bool) (*Withdrawal, error) {
	w, err := s.repo.TransitionWithdrawal(ctx, Transition{
		ID:      id,
		From:    SourcesFor(to),
		To:      to,
		ActorID: actorID,
		Note:    note,
		Refund:  refund,
		At:      s.now().UTC(),
	})
	if err != nil {
		if errs.Is(err, errs.StateConflict) {
			s.logger.Warn("withdrawal transition refused",
				zap.Stringer("withdrawal_id", id),
				zap.String("to", string(to)),
			)
		}
		return nil, err
	}

	s.metrics.Withdrawal(string(to), w.Amount)
	s.logger.Info("withdrawal transitioned",
		zap.Stringer("withdrawal_id", id),
		zap.String("status", string(to)),
		zap.Stringer("actor_id", actorID),
	)
	return w, nil
}

// ApproveWithdrawal moves a pending withdrawal to approved. Balances are untouched.
func (s *service) ApproveWithdrawal(ctx context.Context, id, actorID uuid.UUID) (*Withdrawal, error) {
	return s.transition(ctx, id, actorID, StatusApproved, "", false)
}

// MarkPaid records the payout. The amount already left the balance at request time.
func (s *service) MarkPaid(ctx context.Context, id, actorID uuid.UUID) (*Withdrawal, error) {
	return s.transition(ctx, id, actorID, StatusPaid, "", false)
}

// RejectWithdrawal refuses the request and returns the held amount to the balance.
func (s *service) RejectWithdrawal(ctx context.Context, id, actorID uuid.UUID, reason string) (*Withdrawal, error) {
	return s.transition(ctx, id, actorID, StatusRejected, reason, true)
}

// GetWithdrawal retrieves a withdrawal by ID.
func (s *service) GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error) {
	return s.repo.GetWithdrawal(ctx, id)
}

// ListWithdrawals returns one page of withdrawals with aggregates over the whole filter.
func (s *service) ListWithdrawals(ctx context.Context, f Filter) (*List, error) {
	f = f.Normalize()
	items, total, summary, err := s.repo.ListWithdrawals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return &List{
		Items:    items,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
		Summary:  summary,
	}, nil
}
