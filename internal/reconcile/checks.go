package reconcile

import "context"

const (
	CheckNegativeWallets = "negative_wallets"
	CheckEarnedDrift     = "earned_drift"
	CheckPendingDrift    = "pending_drift"
	CheckBalanceDrift    = "balance_drift"
	CheckSelfInPath      = "self_in_path"
)

// Queries measures ledger invariants. Each method returns the number of offending rows.
type Queries interface {
	// NegativeWallets counts wallets with balance < 0 or pending < 0.
	NegativeWallets(ctx context.Context) (float64, error)
	// EarnedDrift counts wallets whose total earned differs from the sum of their
	// non-cancelled commissions.
	EarnedDrift(ctx context.Context) (float64, error)
	// PendingDrift counts wallets whose pending differs from the sum of their PENDING commissions.
	PendingDrift(ctx context.Context) (float64, error)
	// BalanceDrift counts wallets whose balance differs from approved commissions minus
	// the amounts of non-rejected withdrawals.
	BalanceDrift(ctx context.Context) (float64, error)
	// SelfInPath counts members listed in their own hierarchy path.
	SelfInPath(ctx context.Context) (float64, error)
}

// LedgerChecks builds the standard invariant checks over q.
func LedgerChecks(q Queries) []Check {
	zero := Threshold{Operator: "==", Value: 0}
	return []Check{
		{
			Name:       CheckNegativeWallets,
			Hypothesis: "No wallet ever holds a negative balance or pending amount",
			Query:      q.NegativeWallets,
			Threshold:  zero,
		},
		{
			Name:       CheckEarnedDrift,
			Hypothesis: "Total earned equals the sum of non-cancelled commissions",
			Query:      q.EarnedDrift,
			Threshold:  zero,
		},
		{
			Name:       CheckPendingDrift,
			Hypothesis: "Pending equals the sum of pending commissions",
			Query:      q.PendingDrift,
			Threshold:  zero,
		},
		{
			Name:       CheckBalanceDrift,
			Hypothesis: "Balance equals approved commissions less held and paid withdrawals",
			Query:      q.BalanceDrift,
			Threshold:  zero,
		},
		{
			Name:       CheckSelfInPath,
			Hypothesis: "No member appears in its own hierarchy path",
			Query:      q.SelfInPath,
			Threshold:  zero,
		},
	}
}
