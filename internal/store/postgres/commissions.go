package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mlmledger/internal/commission"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
	"mlmledger/internal/wallet"
)

const ruleColumns = `id, type, level, percentage, fixed_amount, min_order_value, max_commission, priority, active, created_at, updated_at`

func scanRule(row rowScanner) (*commission.Rule, error) {
	var r commission.Rule
	err := row.Scan(
		&r.ID,
		&r.Type,
		&r.Level,
		&r.Percentage,
		&r.FixedAmount,
		&r.MinOrderValue,
		&r.MaxCommission,
		&r.Priority,
		&r.Active,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns rules of typ (all types when empty), oldest first.
func (s *Store) ListRules(ctx context.Context, typ commission.Type, activeOnly bool) ([]commission.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM commission_rules
		WHERE ($1 = '' OR type = $1) AND (NOT $2 OR active)
		ORDER BY type, level, priority DESC, created_at ASC
	`, string(typ), activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []commission.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (*commission.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM commission_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// CreateRule inserts a rule.
func (s *Store) CreateRule(ctx context.Context, r *commission.Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.Type, r.Level, r.Percentage, r.FixedAmount, r.MinOrderValue, r.MaxCommission,
		r.Priority, r.Active, r.CreatedAt, r.UpdatedAt)
	return err
}

// UpdateRule replaces every mutable column of a rule.
func (s *Store) UpdateRule(ctx context.Context, r *commission.Rule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commission_rules
		SET type = $2, level = $3, percentage = $4, fixed_amount = $5, min_order_value = $6,
		    max_commission = $7, priority = $8, active = $9, updated_at = $10
		WHERE id = $1
	`, r.ID, r.Type, r.Level, r.Percentage, r.FixedAmount, r.MinOrderValue, r.MaxCommission,
		r.Priority, r.Active, r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commission.ErrRuleNotFound
	}
	return nil
}

const commissionColumns = `id, member_id, order_id, source_member_id, amount, type, level, status, description, created_at, processed_at`

func scanCommission(row rowScanner) (*commission.Commission, error) {
	var c commission.Commission
	var orderID, sourceID uuid.NullUUID
	var processed sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.MemberID,
		&orderID,
		&sourceID,
		&c.Amount,
		&c.Type,
		&c.Level,
		&c.Status,
		&c.Description,
		&c.CreatedAt,
		&processed,
	)
	if err != nil {
		return nil, err
	}
	c.OrderID = uuidPtr(orderID)
	c.SourceMemberID = uuidPtr(sourceID)
	c.ProcessedAt = scanNullTime(processed)
	return &c, nil
}

// CreateCommission inserts c, applies delta and journals the posting in one transaction.
func (s *Store) CreateCommission(ctx context.Context, c *commission.Commission, delta wallet.Delta) error {
	return s.withTx(ctx, "create_commission", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commissions (`+commissionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, c.ID, c.MemberID, nullUUID(c.OrderID), nullUUID(c.SourceMemberID), c.Amount, c.Type, c.Level,
			c.Status, c.Description, c.CreatedAt, c.ProcessedAt)
		if err != nil {
			switch pqCode(err) {
			case codeUniqueViolation:
				return commission.ErrDuplicate
			case codeFKViolation:
				return hierarchy.ErrMemberNotFound
			}
			return fmt.Errorf("insert commission: %w", err)
		}

		if _, err := applyDelta(ctx, tx, c.MemberID, delta, c.CreatedAt); err != nil {
			return err
		}
		return s.journal.Append(ctx, tx, c.MemberID, journal.Entry{
			Type:   journal.CommissionPosted,
			RefID:  c.ID,
			Amount: c.Amount,
			Delta:  delta,
			Metadata: map[string]string{
				"type":   string(c.Type),
				"status": string(c.Status),
				"level":  fmt.Sprint(c.Level),
			},
			CreatedAt: c.CreatedAt,
		})
	})
}

// ResolveCommission locks the row, requires PENDING, then writes the new status and
// moves the amount in the wallet.
func (s *Store) ResolveCommission(ctx context.Context, res commission.Resolution) (*commission.Commission, error) {
	var out *commission.Commission
	err := s.withTx(ctx, "resolve_commission", func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanCommission(tx.QueryRowContext(ctx,
			`SELECT `+commissionColumns+` FROM commissions WHERE id = $1 FOR UPDATE`, res.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return commission.ErrCommissionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock commission: %w", err)
		}
		if c.Status != commission.StatusPending {
			return commission.ErrNotPending
		}

		c.Status = res.To
		c.Description = commission.ResolvedDescription(c.Description, res)
		at := res.At
		c.ProcessedAt = &at
		_, err = tx.ExecContext(ctx, `
			UPDATE commissions SET status = $2, description = $3, processed_at = $4
			WHERE id = $1 AND status = 'PENDING'
		`, c.ID, c.Status, c.Description, at)
		if err != nil {
			return fmt.Errorf("update commission: %w", err)
		}

		delta := commission.ResolutionDelta(res.To, c.Amount)
		if _, err := applyDelta(ctx, tx, c.MemberID, delta, at); err != nil {
			return err
		}
		entryType := journal.CommissionApproved
		if res.To == commission.StatusCancelled {
			entryType = journal.CommissionCancelled
		}
		out = c
		return s.journal.Append(ctx, tx, c.MemberID, journal.Entry{
			Type:      entryType,
			RefID:     c.ID,
			Amount:    c.Amount,
			Delta:     delta,
			Metadata:  map[string]string{"reason": res.Reason},
			CreatedAt: at,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasOrderCommissions reports whether any commission references the order.
func (s *Store) HasOrderCommissions(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM commissions WHERE order_id = $1)`, orderID).Scan(&exists)
	return exists, err
}

// HasSignupBonus reports whether a signup bonus was posted for the new member.
func (s *Store) HasSignupBonus(ctx context.Context, newMemberID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM commissions WHERE source_member_id = $1 AND type = 'SIGNUP')
	`, newMemberID).Scan(&exists)
	return exists, err
}

// GetCommission retrieves a commission by ID.
func (s *Store) GetCommission(ctx context.Context, id uuid.UUID) (*commission.Commission, error) {
	c, err := scanCommission(s.db.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.ErrCommissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	return c, nil
}

// ListCommissions returns one page plus aggregates over every matching row.
func (s *Store) ListCommissions(ctx context.Context, f commission.Filter) ([]*commission.Commission, int, commission.Summary, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.MemberID != nil {
		add("member_id = $%d", *f.MemberID)
	}
	if f.OrderID != nil {
		add("order_id = $%d", *f.OrderID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var sum commission.Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'APPROVED'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'CANCELLED'), 0)
		FROM commissions`+clause, args...).Scan(
		&sum.Count, &sum.TotalAmount, &sum.PendingAmount, &sum.ApprovedAmount, &sum.CancelledAmount)
	if err != nil {
		return nil, 0, sum, fmt.Errorf("summarize commissions: %w", err)
	}

	pageArgs := append(args, f.PageSize, f.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+commissionColumns+` FROM commissions%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, clause, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, sum, fmt.Errorf("query commissions: %w", err)
	}
	defer rows.Close()

	items := make([]*commission.Commission, 0, f.PageSize)
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, 0, sum, fmt.Errorf("scan commission: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, sum, fmt.Errorf("iterate commissions: %w", err)
	}
	return items, sum.Count, sum, nil
}
