// internal/wallet/service.go
package wallet

import (
	"context"

	"github.com/google/uuid"

	"mlmledger/internal/errs"
	"mlmledger/internal/settings"
)

var (
	ErrInvalidAmount      = errs.New(errs.Validation, "amount must be positive")
	ErrBelowMinimum       = errs.New(errs.Validation, "amount is below the minimum withdrawal")
	ErrInsufficientFunds  = errs.New(errs.InsufficientFunds, "insufficient balance")
	ErrWithdrawalNotFound = errs.New(errs.NotFound, "withdrawal not found")
	ErrStateConflict      = errs.New(errs.StateConflict, "withdrawal is not in a state that allows this action")
	ErrWalletInvariant    = errs.New(errs.IntegrityViolation, "wallet balance or pending would become negative")
)

// Service defines the interface for the wallet ledger.
type Service interface {
	GetOrCreateWallet(ctx context.Context, memberID uuid.UUID) (*Wallet, error)
	GetSummary(ctx context.Context, memberID uuid.UUID) (*Summary, error)
	RequestWithdrawal(ctx context.Context, cfg settings.MLM, req WithdrawalRequest) (*Withdrawal, error)
	ApproveWithdrawal(ctx context.Context, id, actorID uuid.UUID) (*Withdrawal, error)
	MarkPaid(ctx context.Context, id, actorID uuid.UUID) (*Withdrawal, error)
	RejectWithdrawal(ctx context.Context, id, actorID uuid.UUID, reason string) (*Withdrawal, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, f Filter) (*List, error)
}

// Repository is the storage the ledger needs. Every method that touches both a withdrawal
// row and a wallet is a single atomic unit.
type Repository interface {
	GetOrCreateWallet(ctx context.Context, memberID uuid.UUID) (*Wallet, error)
	WithdrawalTotals(ctx context.Context, memberID uuid.UUID) (WithdrawalTotals, error)
	// CreateWithdrawal inserts w and decrements the balance by w.Amount only if the balance
	// covers it; otherwise it returns ErrInsufficientFunds and writes nothing.
	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	// TransitionWithdrawal moves the row from one of t.From to t.To, or returns
	// ErrStateConflict when the current status is not in t.From.
	TransitionWithdrawal(ctx context.Context, t Transition) (*Withdrawal, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, f Filter) ([]*Withdrawal, int, ListSummary, error)
}
