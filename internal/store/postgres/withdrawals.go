package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mlmledger/internal/journal"
	"mlmledger/internal/wallet"
)

const withdrawalColumns = `id, member_id, amount, fee, net_amount, method, details, status, note, created_at, processed_at, processed_by`

var withdrawalEntries = map[wallet.Status]journal.EntryType{
	wallet.StatusApproved: journal.WithdrawalApproved,
	wallet.StatusPaid:     journal.WithdrawalPaid,
	wallet.StatusRejected: journal.WithdrawalRejected,
}

func scanWithdrawal(row rowScanner) (*wallet.Withdrawal, error) {
	var w wallet.Withdrawal
	var details []byte
	var processedAt sql.NullTime
	var processedBy uuid.NullUUID
	err := row.Scan(
		&w.ID,
		&w.MemberID,
		&w.Amount,
		&w.Fee,
		&w.NetAmount,
		&w.Method,
		&details,
		&w.Status,
		&w.Note,
		&w.CreatedAt,
		&processedAt,
		&processedBy,
	)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &w.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	w.ProcessedAt = scanNullTime(processedAt)
	w.ProcessedBy = uuidPtr(processedBy)
	return &w, nil
}

// CreateWithdrawal holds w.Amount from the balance and inserts the request. The
// conditional decrement is the balance check; no row means the balance did not cover it.
func (s *Store) CreateWithdrawal(ctx context.Context, w *wallet.Withdrawal) error {
	details, err := json.Marshal(w.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	if w.Details == nil {
		details = []byte("{}")
	}

	return s.withTx(ctx, "create_withdrawal", func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureWallet(ctx, tx, w.MemberID, w.CreatedAt); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = balance - $2, updated_at = $3
			WHERE member_id = $1 AND balance >= $2
		`, w.MemberID, w.Amount, w.CreatedAt)
		if err != nil {
			return fmt.Errorf("hold balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return wallet.ErrInsufficientFunds
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO withdrawals (`+withdrawalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL)
		`, w.ID, w.MemberID, w.Amount, w.Fee, w.NetAmount, w.Method, details, w.Status, w.Note, w.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}

		return s.journal.Append(ctx, tx, w.MemberID, journal.Entry{
			Type:   journal.WithdrawalRequested,
			RefID:  w.ID,
			Amount: w.Amount,
			Delta:  wallet.Delta{Balance: w.Amount.Neg()},
			Metadata: map[string]string{
				"method": string(w.Method),
				"fee":    w.Fee.String(),
			},
			CreatedAt: w.CreatedAt,
		})
	})
}

// TransitionWithdrawal is a compare-and-set on status. A refund returns the held
// amount to the balance in the same transaction.
func (s *Store) TransitionWithdrawal(ctx context.Context, t wallet.Transition) (*wallet.Withdrawal, error) {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}

	var out *wallet.Withdrawal
	err := s.withTx(ctx, "transition_withdrawal", func(ctx context.Context, tx *sql.Tx) error {
		w, err := scanWithdrawal(tx.QueryRowContext(ctx, `
			UPDATE withdrawals
			SET status = $2, note = CASE WHEN $3 = '' THEN note ELSE $3 END, processed_at = $4, processed_by = $5
			WHERE id = $1 AND status = ANY($6)
			RETURNING `+withdrawalColumns,
			t.ID, t.To, t.Note, t.At, t.ActorID, pq.Array(from)))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check withdrawal: %w", err)
			}
			if !exists {
				return wallet.ErrWithdrawalNotFound
			}
			return wallet.ErrStateConflict
		}
		if err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}

		var delta wallet.Delta
		if t.Refund {
			delta.Balance = w.Amount
		}
		if delta.IsZero() {
			err = lockWallet(ctx, tx, w.MemberID, t.At)
		} else {
			_, err = applyDelta(ctx, tx, w.MemberID, delta, t.At)
		}
		if err != nil {
			return err
		}
		out = w
		return s.journal.Append(ctx, tx, w.MemberID, journal.Entry{
			Type:   withdrawalEntries[t.To],
			RefID:  w.ID,
			Amount: w.Amount,
			Delta:  delta,
			Metadata: map[string]string{
				"actor_id": t.ActorID.String(),
				"note":     t.Note,
			},
			CreatedAt: t.At,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetWithdrawal retrieves a withdrawal by ID.
func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*wallet.Withdrawal, error) {
	w, err := scanWithdrawal(s.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

// ListWithdrawals returns one page plus per-status aggregates over every matching row.
func (s *Store) ListWithdrawals(ctx context.Context, f wallet.Filter) ([]*wallet.Withdrawal, int, wallet.ListSummary, error) {
	var where []string
	var args []any
	if f.MemberID != nil {
		args = append(args, *f.MemberID)
		where = append(where, fmt.Sprintf("member_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var sum wallet.ListSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'APPROVED'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PAID'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'REJECTED'), 0)
		FROM withdrawals`+clause, args...).Scan(
		&sum.Count, &sum.TotalAmount, &sum.PendingAmount, &sum.ApprovedAmount, &sum.PaidAmount, &sum.RejectedAmount)
	if err != nil {
		return nil, 0, sum, fmt.Errorf("summarize withdrawals: %w", err)
	}

	pageArgs := append(args, f.PageSize, f.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+withdrawalColumns+` FROM withdrawals%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, clause, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, sum, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()

	items := make([]*wallet.Withdrawal, 0, f.PageSize)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, sum, fmt.Errorf("scan withdrawal: %w", err)
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, sum, fmt.Errorf("iterate withdrawals: %w", err)
	}
	return items, sum.Count, sum, nil
}
