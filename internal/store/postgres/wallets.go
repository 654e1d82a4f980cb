package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mlmledger/internal/hierarchy"
	"mlmledger/internal/wallet"
)

const walletColumns = `member_id, balance, pending, total_earned, created_at, updated_at`

func scanWallet(row rowScanner) (*wallet.Wallet, error) {
	var w wallet.Wallet
	err := row.Scan(&w.MemberID, &w.Balance, &w.Pending, &w.TotalEarned, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureWallet(ctx context.Context, db execer, memberID uuid.UUID, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallets (member_id, balance, pending, total_earned, created_at, updated_at)
		VALUES ($1, 0, 0, 0, $2, $2)
		ON CONFLICT (member_id) DO NOTHING
	`, memberID, now)
	if pqCode(err) == codeFKViolation {
		return hierarchy.ErrMemberNotFound
	}
	return err
}

// applyDelta shifts the wallet by d with a relative update. The CHECK constraints on
// balance and pending turn an overdraw into ErrWalletInvariant.
func applyDelta(ctx context.Context, tx *sql.Tx, memberID uuid.UUID, d wallet.Delta, now time.Time) (*wallet.Wallet, error) {
	if err := ensureWallet(ctx, tx, memberID, now); err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = balance + $2, pending = pending + $3, total_earned = total_earned + $4, updated_at = $5
		WHERE member_id = $1
		RETURNING `+walletColumns,
		memberID, d.Balance, d.Pending, d.TotalEarned, now)
	w, err := scanWallet(row)
	if pqCode(err) == codeCheckViolation {
		return nil, wallet.ErrWalletInvariant
	}
	if err != nil {
		return nil, fmt.Errorf("apply wallet delta: %w", err)
	}
	return w, nil
}

// GetOrCreateWallet returns the member's wallet, creating a zeroed one on first use.
func (s *Store) GetOrCreateWallet(ctx context.Context, memberID uuid.UUID) (*wallet.Wallet, error) {
	if err := ensureWallet(ctx, s.db, memberID, s.now().UTC()); err != nil {
		if errors.Is(err, hierarchy.ErrMemberNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	w, err := scanWallet(s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE member_id = $1`, memberID))
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// WithdrawalTotals sums paid net amounts and held amounts for a member.
func (s *Store) WithdrawalTotals(ctx context.Context, memberID uuid.UUID) (wallet.WithdrawalTotals, error) {
	var t wallet.WithdrawalTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'PAID'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status IN ('PENDING', 'APPROVED')), 0)
		FROM withdrawals
		WHERE member_id = $1
	`, memberID).Scan(&t.PaidNet, &t.Held)
	if err != nil {
		return t, fmt.Errorf("failed to sum withdrawals: %w", err)
	}
	return t, nil
}
