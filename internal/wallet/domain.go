// internal/wallet/domain.go
package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is a member's ledger position.
type Wallet struct {
	MemberID    uuid.UUID       `json:"member_id"`
	Balance     decimal.Decimal `json:"balance"`
	Pending     decimal.Decimal `json:"pending"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Delta is a relative change applied to a wallet in a single statement.
type Delta struct {
	Balance     decimal.Decimal `json:"balance"`
	Pending     decimal.Decimal `json:"pending"`
	TotalEarned decimal.Decimal `json:"total_earned"`
}

// IsZero reports whether applying d changes nothing.
func (d Delta) IsZero() bool {
	return d.Balance.IsZero() && d.Pending.IsZero() && d.TotalEarned.IsZero()
}

// Apply returns w shifted by d. Stores use it to compute the row they write.
func (d Delta) Apply(w Wallet) Wallet {
	w.Balance = w.Balance.Add(d.Balance)
	w.Pending = w.Pending.Add(d.Pending)
	w.TotalEarned = w.TotalEarned.Add(d.TotalEarned)
	return w
}

// Valid reports whether the wallet satisfies balance >= 0 and pending >= 0.
func (w Wallet) Valid() bool {
	return !w.Balance.IsNegative() && !w.Pending.IsNegative()
}

// Summary is the member-facing wallet view.
type Summary struct {
	MemberID                uuid.UUID       `json:"member_id"`
	Balance                 decimal.Decimal `json:"balance"`
	Pending                 decimal.Decimal `json:"pending"`
	TotalEarned             decimal.Decimal `json:"total_earned"`
	TotalWithdrawn          decimal.Decimal `json:"total_withdrawn"`
	PendingWithdrawalAmount decimal.Decimal `json:"pending_withdrawal_amount"`
}

// WithdrawalTotals are the per-member aggregates a summary needs.
type WithdrawalTotals struct {
	PaidNet decimal.Decimal
	Held    decimal.Decimal
}

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusPaid     Status = "PAID"
	StatusRejected Status = "REJECTED"
)

// transitions lists, per target status, the statuses it may be reached from.
var transitions = map[Status][]Status{
	StatusApproved: {StatusPending},
	StatusPaid:     {StatusPending, StatusApproved},
	StatusRejected: {StatusPending, StatusApproved},
}

// SourcesFor returns the statuses from which to is reachable.
func SourcesFor(to Status) []Status {
	return transitions[to]
}

type Method string

const (
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodMobileMoney  Method = "MOBILE_MONEY"
	MethodPayPal       Method = "PAYPAL"
	MethodCrypto       Method = "CRYPTO"
)

// Withdrawal is a member's request to pay out part of the balance.
type Withdrawal struct {
	ID          uuid.UUID         `json:"id"`
	MemberID    uuid.UUID         `json:"member_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Fee         decimal.Decimal   `json:"fee"`
	NetAmount   decimal.Decimal   `json:"net_amount"`
	Method      Method            `json:"method"`
	Details     map[string]string `json:"details,omitempty"`
	Status      Status            `json:"status"`
	Note        string            `json:"note,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	ProcessedBy *uuid.UUID        `json:"processed_by,omitempty"`
}

// WithdrawalRequest is the member's submission.
type WithdrawalRequest struct {
	MemberID uuid.UUID         `json:"member_id" validate:"required"`
	Amount   decimal.Decimal   `json:"amount"`
	Method   Method            `json:"method" validate:"required,oneof=BANK_TRANSFER MOBILE_MONEY PAYPAL CRYPTO"`
	Details  map[string]string `json:"details"`
}

// Transition describes a compare-and-set status change.
type Transition struct {
	ID      uuid.UUID
	From    []Status
	To      Status
	ActorID uuid.UUID
	Note    string
	// Refund returns the held amount to the wallet balance.
	Refund bool
	At     time.Time
}

// Filter selects withdrawals for listings.
type Filter struct {
	MemberID *uuid.UUID
	Status   Status
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

// ListSummary aggregates amounts per status over the filtered set.
type ListSummary struct {
	Count          int             `json:"count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PendingAmount  decimal.Decimal `json:"pending_amount"`
	ApprovedAmount decimal.Decimal `json:"approved_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	RejectedAmount decimal.Decimal `json:"rejected_amount"`
}

// List is one page of withdrawals.
type List struct {
	Items    []*Withdrawal `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Summary  ListSummary   `json:"summary"`
}
