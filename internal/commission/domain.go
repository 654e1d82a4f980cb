// internal/commission/domain.go
package commission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmledger/internal/wallet"
)

type Type string

const (
	TypeSale    Type = "SALE"
	TypeSignup  Type = "SIGNUP"
	TypeLevelUp Type = "LEVEL_UP"
	TypeBonus   Type = "BONUS"
)

// Valid reports whether t is a known commission type.
func (t Type) Valid() bool {
	switch t {
	case TypeSale, TypeSignup, TypeLevelUp, TypeBonus:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusCancelled Status = "CANCELLED"
)

// Rule maps an event type and level to a payout formula.
type Rule struct {
	ID            uuid.UUID           `json:"id"`
	Type          Type                `json:"type"`
	Level         int                 `json:"level"`
	Percentage    decimal.NullDecimal `json:"percentage"`
	FixedAmount   decimal.NullDecimal `json:"fixed_amount"`
	MinOrderValue decimal.NullDecimal `json:"min_order_value"`
	MaxCommission decimal.NullDecimal `json:"max_commission"`
	Priority      int                 `json:"priority"`
	Active        bool                `json:"active"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Commission is a ledger entry crediting a member.
type Commission struct {
	ID             uuid.UUID       `json:"id"`
	MemberID       uuid.UUID       `json:"member_id"`
	OrderID        *uuid.UUID      `json:"order_id,omitempty"`
	SourceMemberID *uuid.UUID      `json:"source_member_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Type           Type            `json:"type"`
	Level          int             `json:"level"`
	Status         Status          `json:"status"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// Calculation is a commission that would be paid, before it is posted.
type Calculation struct {
	MemberID    uuid.UUID       `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Level       int             `json:"level"`
	Type        Type            `json:"type"`
	RuleID      *uuid.UUID      `json:"rule_id,omitempty"`
	Description string          `json:"description"`
}

// ItemError reports a calculation that could not be posted.
type ItemError struct {
	Index    int       `json:"index"`
	MemberID uuid.UUID `json:"member_id"`
	Level    int       `json:"level"`
	Err      error     `json:"-"`
	Message  string    `json:"error"`
}

// ProcessResult is the outcome of posting a batch of calculations.
type ProcessResult struct {
	Created     int           `json:"created"`
	Commissions []*Commission `json:"commissions"`
	Errors      []ItemError   `json:"errors,omitempty"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Completed reports whether the order status earns commissions.
func (s OrderStatus) Completed() bool {
	return s == OrderConfirmed || s == OrderShipped || s == OrderDelivered
}

// Order is read from the order subsystem.
type Order struct {
	ID       uuid.UUID       `json:"id"`
	MemberID uuid.UUID       `json:"member_id"`
	Total    decimal.Decimal `json:"total"`
	Status   OrderStatus     `json:"status"`
}

// Filter selects commissions for listings.
type Filter struct {
	MemberID *uuid.UUID
	OrderID  *uuid.UUID
	Status   Status
	Type     Type
	Page     int
	PageSize int
}

// Normalize clamps paging to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// Offset is the number of rows skipped for the page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Summary aggregates amounts over the filtered set.
type Summary struct {
	Count           int             `json:"count"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PendingAmount   decimal.Decimal `json:"pending_amount"`
	ApprovedAmount  decimal.Decimal `json:"approved_amount"`
	CancelledAmount decimal.Decimal `json:"cancelled_amount"`
}

// List is one page of commissions.
type List struct {
	Items    []*Commission `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Summary  Summary       `json:"summary"`
}

// Resolution describes a compare-and-set move out of PENDING.
type Resolution struct {
	ID     uuid.UUID
	To     Status
	Reason string
	At     time.Time
}

// PostingDelta is the wallet change for a newly posted commission.
func PostingDelta(status Status, amount decimal.Decimal) wallet.Delta {
	if status == StatusApproved {
		return wallet.Delta{Balance: amount, TotalEarned: amount}
	}
	return wallet.Delta{Pending: amount, TotalEarned: amount}
}

// ResolutionDelta is the wallet change for a pending commission moving to status.
func ResolutionDelta(to Status, amount decimal.Decimal) wallet.Delta {
	switch to {
	case StatusApproved:
		return wallet.Delta{Pending: amount.Neg(), Balance: amount}
	case StatusCancelled:
		return wallet.Delta{Pending: amount.Neg(), TotalEarned: amount.Neg()}
	}
	return wallet.Delta{}
}

// ResolvedDescription is the description a commission carries after res is applied.
func ResolvedDescription(desc string, res Resolution) string {
	if res.To != StatusCancelled || res.Reason == "" {
		return desc
	}
	if desc == "" {
		return "Cancelled: " + res.Reason
	}
	return desc + " (cancelled: " + res.Reason + ")"
}
