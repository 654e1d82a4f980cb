// Package settings holds the referral program configuration passed into ledger operations.
package settings

import (
	"context"

	"github.com/shopspring/decimal"

	"mlmledger/internal/errs"
)

// MLM is the referral program configuration. Values are read per call, never cached globally.
type MLM struct {
	Enabled              bool            `json:"enabled"`
	MaxLevels            int             `json:"max_levels"`
	MinWithdrawal        decimal.Decimal `json:"min_withdrawal"`
	WithdrawalFeePercent decimal.Decimal `json:"withdrawal_fee_percent"`
	DefaultSignupBonus   decimal.Decimal `json:"default_signup_bonus"`
	AutoApprove          bool            `json:"auto_approve"`
}

// Default returns the out-of-the-box program configuration.
func Default() MLM {
	return MLM{
		Enabled:              true,
		MaxLevels:            5,
		MinWithdrawal:        decimal.NewFromInt(100),
		WithdrawalFeePercent: decimal.NewFromInt(2),
		DefaultSignupBonus:   decimal.NewFromInt(100),
		AutoApprove:          false,
	}
}

// Provider loads the current configuration.
type Provider interface {
	LoadSettings(ctx context.Context) (MLM, error)
}

// Static serves a fixed configuration.
type Static MLM

func (s Static) LoadSettings(context.Context) (MLM, error) {
	return MLM(s), nil
}

// Store persists the configuration an admin edits at runtime.
type Store interface {
	Provider
	SaveSettings(ctx context.Context, cfg MLM) error
}

// Validate checks amounts and percentages that the struct tags cannot express.
func (m MLM) Validate() error {
	switch {
	case m.MaxLevels < 1 || m.MaxLevels > 20:
		return errs.New(errs.Validation, "max levels must be within 1..20")
	case m.MinWithdrawal.IsNegative():
		return errs.New(errs.Validation, "minimum withdrawal must not be negative")
	case m.WithdrawalFeePercent.IsNegative() || m.WithdrawalFeePercent.GreaterThan(decimal.NewFromInt(100)):
		return errs.New(errs.Validation, "withdrawal fee percent must be within 0..100")
	case m.DefaultSignupBonus.IsNegative():
		return errs.New(errs.Validation, "default signup bonus must not be negative")
	}
	return nil
}
