package memory_test

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
	"pgregory.net/rapid"

	"mlmledger/internal/commission"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
	"mlmledger/internal/reconcile"
	"mlmledger/internal/settings"
	"mlmledger/internal/store/memory"
	"mlmledger/internal/wallet"
)

func addMember(t require.TestingT, s *memory.Store) uuid.UUID {
	id := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, s.CreateMember(context.Background(), &hierarchy.Member{
		ID:         id,
		Name:       "Member",
		MLMEnabled: true,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	return id
}

func post(ctx context.Context, s *memory.Store, member uuid.UUID, amount decimal.Decimal, status commission.Status) (*commission.Commission, error) {
	c := &commission.Commission{
		ID:        uuid.New(),
		MemberID:  member,
		Amount:    amount,
		Type:      commission.TypeBonus,
		Level:     1,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	return c, s.CreateCommission(ctx, c, commission.PostingDelta(status, amount))
}

func withdraw(ctx context.Context, s *memory.Store, member uuid.UUID, amount decimal.Decimal) (*wallet.Withdrawal, error) {
	fee := wallet.WithdrawalFee(amount, decimal.NewFromInt(2))
	w := &wallet.Withdrawal{
		ID:        uuid.New(),
		MemberID:  member,
		Amount:    amount,
		Fee:       fee,
		NetAmount: amount.Sub(fee),
		Method:    wallet.MethodPayPal,
		Status:    wallet.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	return w, s.CreateWithdrawal(ctx, w)
}

func assertConsistent(t require.TestingT, s *memory.Store) {
	engine := reconcile.NewEngine(zap.NewNop(), nil)
	engine.Register(s.ReconcileChecks()...)
	report := engine.Run(context.Background())
	require.Empty(t, report.ErrorEvents)
	require.Empty(t, report.Violations, "observations: %v", report.Observations)
	require.True(t, report.Healthy)
}

func TestLedgerInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s := memory.New(settings.Default())
		members := []uuid.UUID{addMember(rt, s), addMember(rt, s), addMember(rt, s)}

		var (
			pending     []uuid.UUID
			withdrawals []uuid.UUID
		)
		cents := func(label string) decimal.Decimal {
			return decimal.New(rapid.Int64Range(1, 50000).Draw(rt, label), -2)
		}

		rt.Repeat(map[string]func(*rapid.T){
			"post": func(rt *rapid.T) {
				member := rapid.SampledFrom(members).Draw(rt, "member")
				status := rapid.SampledFrom([]commission.Status{commission.StatusPending, commission.StatusApproved}).Draw(rt, "status")
				c, err := post(ctx, s, member, cents("amount"), status)
				require.NoError(rt, err)
				if status == commission.StatusPending {
					pending = append(pending, c.ID)
				}
			},
			"resolve": func(rt *rapid.T) {
				if len(pending) == 0 {
					rt.Skip("nothing pending")
				}
				i := rapid.IntRange(0, len(pending)-1).Draw(rt, "index")
				to := rapid.SampledFrom([]commission.Status{commission.StatusApproved, commission.StatusCancelled}).Draw(rt, "to")
				_, err := s.ResolveCommission(ctx, commission.Resolution{ID: pending[i], To: to, Reason: "test", At: time.Now().UTC()})
				require.NoError(rt, err)
				pending = append(pending[:i], pending[i+1:]...)
			},
			"withdraw": func(rt *rapid.T) {
				member := rapid.SampledFrom(members).Draw(rt, "member")
				w, err := withdraw(ctx, s, member, cents("amount"))
				if err != nil {
					require.ErrorIs(rt, err, wallet.ErrInsufficientFunds)
					return
				}
				withdrawals = append(withdrawals, w.ID)
			},
			"transition": func(rt *rapid.T) {
				if len(withdrawals) == 0 {
					rt.Skip("no withdrawals")
				}
				id := rapid.SampledFrom(withdrawals).Draw(rt, "withdrawal")
				to := rapid.SampledFrom([]wallet.Status{wallet.StatusApproved, wallet.StatusPaid, wallet.StatusRejected}).Draw(rt, "to")
				_, err := s.TransitionWithdrawal(ctx, wallet.Transition{
					ID:      id,
					From:    wallet.SourcesFor(to),
					To:      to,
					ActorID: uuid.New(),
					Refund:  to == wallet.StatusRejected,
					At:      time.Now().UTC(),
				})
				if err != nil {
					require.ErrorIs(rt, err, wallet.ErrStateConflict)
				}
			},
			"": func(rt *rapid.T) {
				assertConsistent(rt, s)
			},
		})
	})
}

func TestConcurrentLedgerWrites(t *testing.T) {
	ctx := context.Background()
	s := memory.New(settings.Default())
	member := addMember(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c, err := post(ctx, s, member, decimal.NewFromInt(10), commission.StatusPending)
			assert.NoError(t, err)
			_, err = s.ResolveCommission(ctx, commission.Resolution{ID: c.ID, To: commission.StatusApproved, At: time.Now().UTC()})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := withdraw(ctx, s, member, decimal.NewFromInt(5))
			if err != nil {
				assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assertConsistent(t, s)

	// Every journal version for the member is contiguous from 1.
	entries, err := s.Load(ctx, member, 0, 1000)
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Version)
	}
}

func TestCreateCommission(t *testing.T) {
	ctx := context.Background()
	s := memory.New(settings.Default())
	member := addMember(t, s)
	orderID := uuid.New()

	c := &commission.Commission{
		ID:        uuid.New(),
		OrderID:   &orderID,
		MemberID:  member,
		Amount:    decimal.NewFromInt(100),
		Type:      commission.TypeSale,
		Level:     1,
		Status:    commission.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateCommission(ctx, c, commission.PostingDelta(c.Status, c.Amount)))

	t.Run("Failure - duplicate order, member, type and level", func(t *testing.T) {
		dup := *c
		dup.ID = uuid.New()
		err := s.CreateCommission(ctx, &dup, commission.PostingDelta(dup.Status, dup.Amount))
		assert.ErrorIs(t, err, commission.ErrDuplicate)
	})

	t.Run("Failure - unknown member", func(t *testing.T) {
		_, err := post(ctx, s, uuid.New(), decimal.NewFromInt(1), commission.StatusApproved)
		assert.ErrorIs(t, err, hierarchy.ErrMemberNotFound)
	})

	t.Run("Failure - resolving twice", func(t *testing.T) {
		_, err := s.ResolveCommission(ctx, commission.Resolution{ID: c.ID, To: commission.StatusCancelled, Reason: "refund", At: time.Now().UTC()})
		require.NoError(t, err)
		_, err = s.ResolveCommission(ctx, commission.Resolution{ID: c.ID, To: commission.StatusApproved, At: time.Now().UTC()})
		assert.ErrorIs(t, err, commission.ErrNotPending)
	})

	w, err := s.GetOrCreateWallet(ctx, member)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.True(t, w.Pending.IsZero())
	assert.True(t, w.TotalEarned.IsZero())

	entries, err := s.Load(ctx, member, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.CommissionPosted, entries[0].Type)
	assert.Equal(t, journal.CommissionCancelled, entries[1].Type)
	assert.Equal(t, "refund", entries[1].Metadata["reason"])

	got, err := s.GetCommission(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled: refund", got.Description)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := memory.New(settings.Default())

	cfg, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.Default().MaxLevels, cfg.MaxLevels)

	cfg.MaxLevels = 3
	require.NoError(t, s.SaveSettings(ctx, cfg))
	cfg, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxLevels)
}
