package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmledger/internal/commission"
	"mlmledger/internal/reconcile"
	"mlmledger/internal/wallet"
)

// ReconcileChecks returns the ledger invariant checks measured against this store.
func (s *Store) ReconcileChecks() []reconcile.Check {
	return reconcile.LedgerChecks(s)
}

// countWallets counts wallets for which bad reports true. Callers must not hold s.mu.
func (s *Store) countWallets(bad func(w *wallet.Wallet) bool) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.wallets {
		if bad(w) {
			n++
		}
	}
	return float64(n)
}

// commissionSums totals commission amounts per member for the statuses accepted by keep.
// Callers hold s.mu.
func (s *Store) commissionSums(keep func(commission.Status) bool) map[uuid.UUID]decimal.Decimal {
	sums := make(map[uuid.UUID]decimal.Decimal)
	for _, c := range s.commissions {
		if keep(c.Status) {
			sums[c.MemberID] = sums[c.MemberID].Add(c.Amount)
		}
	}
	return sums
}

func (s *Store) NegativeWallets(context.Context) (float64, error) {
	return s.countWallets(func(w *wallet.Wallet) bool { return !w.Valid() }), nil
}

func (s *Store) EarnedDrift(context.Context) (float64, error) {
	s.mu.Lock()
	sums := s.commissionSums(func(st commission.Status) bool { return st != commission.StatusCancelled })
	s.mu.Unlock()
	return s.countWallets(func(w *wallet.Wallet) bool { return !w.TotalEarned.Equal(sums[w.MemberID]) }), nil
}

func (s *Store) PendingDrift(context.Context) (float64, error) {
	s.mu.Lock()
	sums := s.commissionSums(func(st commission.Status) bool { return st == commission.StatusPending })
	s.mu.Unlock()
	return s.countWallets(func(w *wallet.Wallet) bool { return !w.Pending.Equal(sums[w.MemberID]) }), nil
}

func (s *Store) BalanceDrift(context.Context) (float64, error) {
	s.mu.Lock()
	approved := s.commissionSums(func(st commission.Status) bool { return st == commission.StatusApproved })
	held := make(map[uuid.UUID]decimal.Decimal)
	for _, w := range s.withdrawals {
		if w.Status != wallet.StatusRejected {
			held[w.MemberID] = held[w.MemberID].Add(w.Amount)
		}
	}
	s.mu.Unlock()
	return s.countWallets(func(w *wallet.Wallet) bool {
		return !w.Balance.Equal(approved[w.MemberID].Sub(held[w.MemberID]))
	}), nil
}

func (s *Store) SelfInPath(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.members {
		if m.Path.Contains(m.ID) {
			n++
		}
	}
	return float64(n), nil
}
