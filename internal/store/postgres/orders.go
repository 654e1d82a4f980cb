package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mlmledger/internal/commission"
	"mlmledger/internal/settings"
)

// GetOrder reads an order from the shared orders table. The ledger never writes to it.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*commission.Order, error) {
	var o commission.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, member_id, total, status FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.MemberID, &o.Total, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

// LoadSettings reads the singleton mlm_settings row, falling back to the configured
// defaults when the row has not been written.
func (s *Store) LoadSettings(ctx context.Context) (settings.MLM, error) {
	cfg := s.defaults
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, max_levels, min_withdrawal, withdrawal_fee_percent, default_signup_bonus, auto_approve
		FROM mlm_settings WHERE id = 1
	`).Scan(&cfg.Enabled, &cfg.MaxLevels, &cfg.MinWithdrawal, &cfg.WithdrawalFeePercent, &cfg.DefaultSignupBonus, &cfg.AutoApprove)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaults, nil
	}
	if err != nil {
		return settings.MLM{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return cfg, nil
}

// SaveSettings upserts the singleton mlm_settings row.
func (s *Store) SaveSettings(ctx context.Context, cfg settings.MLM) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mlm_settings (id, enabled, max_levels, min_withdrawal, withdrawal_fee_percent, default_signup_bonus, auto_approve, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_levels = EXCLUDED.max_levels,
			min_withdrawal = EXCLUDED.min_withdrawal,
			withdrawal_fee_percent = EXCLUDED.withdrawal_fee_percent,
			default_signup_bonus = EXCLUDED.default_signup_bonus,
			auto_approve = EXCLUDED.auto_approve,
			updated_at = EXCLUDED.updated_at
	`, cfg.Enabled, cfg.MaxLevels, cfg.MinWithdrawal, cfg.WithdrawalFeePercent, cfg.DefaultSignupBonus, cfg.AutoApprove, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
