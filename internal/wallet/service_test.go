package wallet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlmledger/internal/commission"
	"mlmledger/internal/errs"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/settings"
	"mlmledger/internal/store/memory"
	"mlmledger/internal/wallet"
)

type fixture struct {
	store  *memory.Store
	wallet wallet.Service
	cfg    settings.MLM
	admin  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(settings.Default())
	return &fixture{
		store:  store,
		wallet: wallet.NewService(store, zap.NewNop(), nil),
		cfg:    settings.Default(),
		admin:  uuid.New(),
	}
}

// member registers a member whose balance holds amount in approved commissions.
func (f *fixture) member(t *testing.T, amount string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	h := hierarchy.NewService(f.store, zap.NewNop(), "")
	m, err := h.Register(ctx, hierarchy.NewMember{Name: "Member", MLMEnabled: true})
	require.NoError(t, err)

	amt := decimal.RequireFromString(amount)
	if amt.IsPositive() {
		c := &commission.Commission{
			ID:        uuid.New(),
			MemberID:  m.ID,
			Amount:    amt,
			Type:      commission.TypeBonus,
			Level:     1,
			Status:    commission.StatusApproved,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, f.store.CreateCommission(ctx, c, commission.PostingDelta(c.Status, c.Amount)))
	}
	return m.ID
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) string {
	t.Helper()
	w, err := f.wallet.GetOrCreateWallet(context.Background(), id)
	require.NoError(t, err)
	return w.Balance.StringFixed(2)
}

func request(member uuid.UUID, amount string) wallet.WithdrawalRequest {
	return wallet.WithdrawalRequest{
		MemberID: member,
		Amount:   decimal.RequireFromString(amount),
		Method:   wallet.MethodBankTransfer,
		Details:  map[string]string{"iban": "DE89370400440532013000"},
	}
}

func TestRequestWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - holds the full amount and charges the fee", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "1500")

		w, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "1000"))
		require.NoError(t, err)
		assert.Equal(t, wallet.StatusPending, w.Status)
		assert.Equal(t, "20.00", w.Fee.StringFixed(2))
		assert.Equal(t, "980.00", w.NetAmount.StringFixed(2))
		assert.Equal(t, "DE89370400440532013000", w.Details["iban"])
		assert.Equal(t, "500.00", f.balance(t, id))

		summary, err := f.wallet.GetSummary(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "1000.00", summary.PendingWithdrawalAmount.StringFixed(2))
		assert.Equal(t, "1500.00", summary.TotalEarned.StringFixed(2))
	})

	t.Run("Success - allowed while the program is disabled", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "200")
		cfg := f.cfg
		cfg.Enabled = false

		_, err := f.wallet.RequestWithdrawal(ctx, cfg, request(id, "150"))
		require.NoError(t, err)
		assert.Equal(t, "50.00", f.balance(t, id))
	})

	t.Run("Failure - insufficient funds leaves the wallet untouched", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "1500")

		_, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "1500.01"))
		assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
		assert.Equal(t, errs.InsufficientFunds, errs.KindOf(err))
		assert.Equal(t, "Insufficient balance", errs.KindOf(err).UserMessage())
		assert.Equal(t, "1500.00", f.balance(t, id))

		list, err := f.wallet.ListWithdrawals(ctx, wallet.Filter{MemberID: &id})
		require.NoError(t, err)
		assert.Zero(t, list.Total)
	})

	t.Run("Failure - amount validation", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "1500")

		_, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "0"))
		assert.ErrorIs(t, err, wallet.ErrInvalidAmount)

		_, err = f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "99.99"))
		assert.ErrorIs(t, err, wallet.ErrBelowMinimum)

		req := request(id, "100")
		req.Method = "CHEQUE"
		_, err = f.wallet.RequestWithdrawal(ctx, f.cfg, req)
		assert.Equal(t, errs.Validation, errs.KindOf(err))

		assert.Equal(t, "1500.00", f.balance(t, id))
	})

	t.Run("Failure - unknown member", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(uuid.New(), "100"))
		assert.ErrorIs(t, err, hierarchy.ErrMemberNotFound)
	})
}

func TestWithdrawalLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - reject restores the pre-request balance", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "1500")
		w, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "1000"))
		require.NoError(t, err)

		_, err = f.wallet.ApproveWithdrawal(ctx, w.ID, f.admin)
		require.NoError(t, err)
		rejected, err := f.wallet.RejectWithdrawal(ctx, w.ID, f.admin, "bank details invalid")
		require.NoError(t, err)

		assert.Equal(t, wallet.StatusRejected, rejected.Status)
		assert.Equal(t, "bank details invalid", rejected.Note)
		require.NotNil(t, rejected.ProcessedBy)
		assert.Equal(t, f.admin, *rejected.ProcessedBy)
		assert.Equal(t, "1500.00", f.balance(t, id))
	})

	t.Run("Success - paid leaves the post-request balance", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "1500")
		w, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "1000"))
		require.NoError(t, err)

		_, err = f.wallet.ApproveWithdrawal(ctx, w.ID, f.admin)
		require.NoError(t, err)
		paid, err := f.wallet.MarkPaid(ctx, w.ID, f.admin)
		require.NoError(t, err)
		assert.Equal(t, wallet.StatusPaid, paid.Status)
		assert.NotNil(t, paid.ProcessedAt)
		assert.Equal(t, "500.00", f.balance(t, id))

		summary, err := f.wallet.GetSummary(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "980.00", summary.TotalWithdrawn.StringFixed(2))
		assert.Equal(t, "0.00", summary.PendingWithdrawalAmount.StringFixed(2))
	})

	t.Run("Success - pending can be paid directly", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "300")
		w, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "300"))
		require.NoError(t, err)

		_, err = f.wallet.MarkPaid(ctx, w.ID, f.admin)
		require.NoError(t, err)
	})

	t.Run("Failure - terminal and repeated transitions conflict", func(t *testing.T) {
		f := newFixture(t)
		id := f.member(t, "1500")
		paid, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "500"))
		require.NoError(t, err)
		rejected, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "500"))
		require.NoError(t, err)

		_, err = f.wallet.ApproveWithdrawal(ctx, paid.ID, f.admin)
		require.NoError(t, err)
		_, err = f.wallet.ApproveWithdrawal(ctx, paid.ID, f.admin)
		assert.ErrorIs(t, err, wallet.ErrStateConflict)
		_, err = f.wallet.MarkPaid(ctx, paid.ID, f.admin)
		require.NoError(t, err)
		_, err = f.wallet.RejectWithdrawal(ctx, paid.ID, f.admin, "")
		assert.ErrorIs(t, err, wallet.ErrStateConflict)

		_, err = f.wallet.RejectWithdrawal(ctx, rejected.ID, f.admin, "")
		require.NoError(t, err)
		_, err = f.wallet.RejectWithdrawal(ctx, rejected.ID, f.admin, "")
		assert.ErrorIs(t, err, wallet.ErrStateConflict)
		_, err = f.wallet.MarkPaid(ctx, rejected.ID, f.admin)
		assert.Equal(t, errs.StateConflict, errs.KindOf(err))

		// 1500 - 500 paid; the rejected 500 came back exactly once.
		assert.Equal(t, "1000.00", f.balance(t, id))
	})

	t.Run("Failure - unknown withdrawal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.wallet.ApproveWithdrawal(ctx, uuid.New(), f.admin)
		assert.ErrorIs(t, err, wallet.ErrWithdrawalNotFound)
	})
}

func TestConcurrentWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.member(t, "1000")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "200"))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, "0.00", f.balance(t, id))
}

func TestListWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.member(t, "1000")
	b := f.member(t, "1000")

	for _, id := range []uuid.UUID{a, a, b} {
		_, err := f.wallet.RequestWithdrawal(ctx, f.cfg, request(id, "200"))
		require.NoError(t, err)
	}

	list, err := f.wallet.ListWithdrawals(ctx, wallet.Filter{MemberID: &a})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, "400.00", list.Summary.PendingAmount.StringFixed(2))

	list, err = f.wallet.ListWithdrawals(ctx, wallet.Filter{Status: wallet.StatusPending, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Items, 1)
}
