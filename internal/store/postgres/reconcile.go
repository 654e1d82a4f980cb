package postgres

import (
	"context"

	"mlmledger/internal/reconcile"
)

// ReconcileChecks returns the ledger invariant checks measured against this database.
func (s *Store) ReconcileChecks() []reconcile.Check {
	return reconcile.LedgerChecks(s)
}

func (s *Store) count(ctx context.Context, query string) (float64, error) {
	ctx, span := s.tracer.Start(ctx, "store.reconcile")
	defer span.End()

	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return float64(n), nil
}

func (s *Store) NegativeWallets(ctx context.Context) (float64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM wallets WHERE balance < 0 OR pending < 0`)
}

func (s *Store) EarnedDrift(ctx context.Context) (float64, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM wallets w
		LEFT JOIN (
			SELECT member_id, SUM(amount) AS earned FROM commissions
			WHERE status <> 'CANCELLED' GROUP BY member_id
		) c ON c.member_id = w.member_id
		WHERE w.total_earned <> COALESCE(c.earned, 0)
	`)
}

func (s *Store) PendingDrift(ctx context.Context) (float64, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM wallets w
		LEFT JOIN (
			SELECT member_id, SUM(amount) AS pending FROM commissions
			WHERE status = 'PENDING' GROUP BY member_id
		) c ON c.member_id = w.member_id
		WHERE w.pending <> COALESCE(c.pending, 0)
	`)
}

func (s *Store) BalanceDrift(ctx context.Context) (float64, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM wallets w
		LEFT JOIN (
			SELECT member_id, SUM(amount) AS approved FROM commissions
			WHERE status = 'APPROVED' GROUP BY member_id
		) c ON c.member_id = w.member_id
		LEFT JOIN (
			SELECT member_id, SUM(amount) AS held FROM withdrawals
			WHERE status <> 'REJECTED' GROUP BY member_id
		) x ON x.member_id = w.member_id
		WHERE w.balance <> COALESCE(c.approved, 0) - COALESCE(x.held, 0)
	`)
}

func (s *Store) SelfInPath(ctx context.Context) (float64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM members WHERE id = ANY(path)`)
}
