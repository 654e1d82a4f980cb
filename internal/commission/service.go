// internal/commission/service.go
package commission

import (
	"context"

	"github.com/google/uuid"

	"mlmledger/internal/errs"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/settings"
	"mlmledger/internal/wallet"
)

var (
	ErrCommissionNotFound = errs.New(errs.NotFound, "commission not found")
	ErrNotPending         = errs.New(errs.StateConflict, "commission is not pending")
	ErrRuleNotFound       = errs.New(errs.NotFound, "commission rule not found")
	ErrInvalidRule        = errs.New(errs.Validation, "invalid commission rule")
	ErrOrderNotFound      = errs.New(errs.NotFound, "order not found")
	ErrDuplicate          = errs.New(errs.StateConflict, "commission already posted")
	ErrNotReferrer        = errs.New(errs.Validation, "sponsor is not the new member's upline")
)

func invalidRule(msg string) error {
	return errs.Wrap(errs.Validation, msg, ErrInvalidRule)
}

// Service defines the interface for the commission engine.
type Service interface {
	CalculateOrderCommissions(ctx context.Context, cfg settings.MLM, order *Order) ([]Calculation, error)
	CalculateSignupBonus(ctx context.Context, cfg settings.MLM, newMemberID, sponsorID uuid.UUID) ([]Calculation, error)
	ProcessCommissions(ctx context.Context, cfg settings.MLM, calcs []Calculation, orderID, sourceMemberID *uuid.UUID) (*ProcessResult, error)
	ProcessOrderCommissions(ctx context.Context, cfg settings.MLM, orderID uuid.UUID) (*ProcessResult, error)
	ProcessSignupBonus(ctx context.Context, cfg settings.MLM, newMemberID, sponsorID uuid.UUID) (*ProcessResult, error)
	ApproveCommission(ctx context.Context, id uuid.UUID) (*Commission, error)
	CancelCommission(ctx context.Context, id uuid.UUID, reason string) (*Commission, error)
	GetCommission(ctx context.Context, id uuid.UUID) (*Commission, error)
	ListCommissions(ctx context.Context, f Filter) (*List, error)

	CreateRule(ctx context.Context, cfg settings.MLM, r Rule) (*Rule, error)
	UpdateRule(ctx context.Context, cfg settings.MLM, r Rule) (*Rule, error)
	DeactivateRule(ctx context.Context, id uuid.UUID) error
	ListRules(ctx context.Context, typ Type, activeOnly bool) ([]Rule, error)
}

// Repository is the storage the commission engine needs.
type Repository interface {
	ListRules(ctx context.Context, typ Type, activeOnly bool) ([]Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	CreateRule(ctx context.Context, r *Rule) error
	UpdateRule(ctx context.Context, r *Rule) error

	// CreateCommission inserts c and applies delta to the recipient's wallet atomically.
	// A second posting for the same (order, member, type, level), or a second signup bonus
	// for the same (source member, member, level), returns ErrDuplicate.
	CreateCommission(ctx context.Context, c *Commission, delta wallet.Delta) error
	// ResolveCommission moves a PENDING commission to res.To and applies
	// ResolutionDelta to the wallet atomically, or returns ErrNotPending.
	ResolveCommission(ctx context.Context, res Resolution) (*Commission, error)
	HasOrderCommissions(ctx context.Context, orderID uuid.UUID) (bool, error)
	HasSignupBonus(ctx context.Context, newMemberID uuid.UUID) (bool, error)
	GetCommission(ctx context.Context, id uuid.UUID) (*Commission, error)
	ListCommissions(ctx context.Context, f Filter) ([]*Commission, int, Summary, error)
}

// OrderSource reads orders from the order subsystem. Returns ErrOrderNotFound for unknown ids.
type OrderSource interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
}

// Hierarchy is the part of the hierarchy manager the calculator walks.
type Hierarchy interface {
	GetMember(ctx context.Context, id uuid.UUID) (*hierarchy.Member, error)
	GetUpline(ctx context.Context, memberID uuid.UUID, maxLevels int) ([]hierarchy.UplineEntry, error)
}
