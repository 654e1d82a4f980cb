package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSourcesFor(t *testing.T) {
	assert.Equal(t, []Status{StatusPending}, SourcesFor(StatusApproved))
	assert.ElementsMatch(t, []Status{StatusPending, StatusApproved}, SourcesFor(StatusPaid))
	assert.ElementsMatch(t, []Status{StatusPending, StatusApproved}, SourcesFor(StatusRejected))
	assert.Empty(t, SourcesFor(StatusPending))
}

func TestWithdrawalFee(t *testing.T) {
	tests := []struct {
		amount, pct, want string
	}{
		{"1000", "2", "20"},
		{"100", "0", "0"},
		{"333.33", "2.5", "8.33"},
		{"0.10", "5", "0.01"},
	}
	for _, tc := range tests {
		got := WithdrawalFee(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.pct))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "fee(%s, %s) = %s", tc.amount, tc.pct, got)
	}
}

func TestDeltaApply(t *testing.T) {
	w := Wallet{Balance: decimal.NewFromInt(10), Pending: decimal.NewFromInt(5), TotalEarned: decimal.NewFromInt(15)}
	d := Delta{Balance: decimal.NewFromInt(5), Pending: decimal.NewFromInt(-5)}

	got := d.Apply(w)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(15)))
	assert.True(t, got.Pending.IsZero())
	assert.True(t, got.TotalEarned.Equal(decimal.NewFromInt(15)))
	assert.True(t, got.Valid())

	assert.False(t, Delta{Pending: decimal.NewFromInt(-6)}.Apply(w).Valid())
	assert.True(t, Delta{}.IsZero())
	assert.False(t, d.IsZero())
}
