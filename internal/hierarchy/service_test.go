package hierarchy_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"mlmledger/internal/commission"
	"mlmledger/internal/errs"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/settings"
	"mlmledger/internal/store/memory"
)

func newService(t testing.TB) (hierarchy.Service, *memory.Store) {
	t.Helper()
	store := memory.New(settings.Default())
	return hierarchy.NewService(store, zap.NewNop(), "https://shop.example.com/register"), store
}

func orderFor(memberID uuid.UUID, total, status string) commission.Order {
	return commission.Order{
		ID:       uuid.New(),
		MemberID: memberID,
		Total:    decimal.RequireFromString(total),
		Status:   commission.OrderStatus(status),
	}
}

// chain registers members named after names, each sponsored by the previous one.
func chain(t *testing.T, svc hierarchy.Service, names ...string) []*hierarchy.Member {
	t.Helper()
	ctx := context.Background()
	var out []*hierarchy.Member
	code := ""
	for _, name := range names {
		m, err := svc.Register(ctx, hierarchy.NewMember{Name: name, SponsorCode: code, MLMEnabled: true})
		require.NoError(t, err)
		out = append(out, m)
		code = m.SponsorCode
	}
	return out
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - root member gets an empty path and a code", func(t *testing.T) {
		svc, _ := newService(t)
		m, err := svc.Register(ctx, hierarchy.NewMember{Name: "Alice Smith", MLMEnabled: true})
		require.NoError(t, err)

		assert.Empty(t, m.Path)
		assert.Equal(t, 0, m.Level)
		assert.Nil(t, m.UplineID)
		assert.True(t, strings.HasPrefix(m.SponsorCode, "ALI"))
		assert.True(t, hierarchy.ValidSponsorCode(m.SponsorCode))
	})

	t.Run("Success - sponsored member extends the sponsor path", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice", "Bob", "Carol")

		assert.Equal(t, hierarchy.Path{ms[0].ID, ms[1].ID}, ms[2].Path)
		assert.Equal(t, 2, ms[2].Level)
		require.NotNil(t, ms[2].UplineID)
		assert.Equal(t, ms[1].ID, *ms[2].UplineID)
	})

	t.Run("Success - sponsor code is matched case-insensitively", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice")
		m, err := svc.Register(ctx, hierarchy.NewMember{
			Name:        "Bob",
			SponsorCode: "  " + strings.ToLower(ms[0].SponsorCode) + " ",
			MLMEnabled:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, hierarchy.Path{ms[0].ID}, m.Path)
	})

	t.Run("Success - member outside the program gets no code", func(t *testing.T) {
		svc, _ := newService(t)
		m, err := svc.Register(ctx, hierarchy.NewMember{Name: "Dan"})
		require.NoError(t, err)
		assert.Empty(t, m.SponsorCode)

		_, err = svc.ReferralLink(ctx, m.ID)
		assert.ErrorIs(t, err, hierarchy.ErrNotEnrolled)
	})

	t.Run("Failure - unknown and malformed codes", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Register(ctx, hierarchy.NewMember{Name: "Bob", SponsorCode: "NOPE12345"})
		assert.ErrorIs(t, err, hierarchy.ErrSponsorNotFound)
		assert.Equal(t, errs.NotFound, errs.KindOf(err))

		_, err = svc.Register(ctx, hierarchy.NewMember{Name: "Bob", SponsorCode: "a-b"})
		assert.ErrorIs(t, err, hierarchy.ErrInvalidSponsorCode)
	})

	t.Run("Failure - inactive or withdrawn sponsors are refused", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice", "Bob")

		require.NoError(t, svc.SetActive(ctx, ms[0].ID, false))
		_, err := svc.ValidateSponsorCode(ctx, ms[0].SponsorCode)
		assert.ErrorIs(t, err, hierarchy.ErrSponsorInactive)

		require.NoError(t, svc.SetMLMEnabled(ctx, ms[1].ID, false))
		_, err = svc.Register(ctx, hierarchy.NewMember{Name: "Carol", SponsorCode: ms[1].SponsorCode})
		assert.ErrorIs(t, err, hierarchy.ErrSponsorMLMDisabled)
		assert.Equal(t, errs.Disabled, errs.KindOf(err))
	})

	t.Run("Failure - missing name", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Register(ctx, hierarchy.NewMember{})
		assert.Equal(t, errs.Validation, errs.KindOf(err))
	})
}

func TestIssueSponsorCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	m, err := svc.Register(ctx, hierarchy.NewMember{Name: "Zoe"})
	require.NoError(t, err)

	code, err := svc.IssueSponsorCode(ctx, m.ID, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "ZOE"))

	again, err := svc.IssueSponsorCode(ctx, m.ID, "Someone Else")
	require.NoError(t, err)
	assert.Equal(t, code, again)

	_, err = svc.IssueSponsorCode(ctx, uuid.New(), "x")
	assert.ErrorIs(t, err, hierarchy.ErrMemberNotFound)
}

func TestAttach(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - path is sponsor path plus sponsor", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice", "Bob")
		loner, err := svc.Register(ctx, hierarchy.NewMember{Name: "Eve", MLMEnabled: true})
		require.NoError(t, err)

		path, err := svc.Attach(ctx, loner.ID, ms[1].ID)
		require.NoError(t, err)
		assert.Equal(t, hierarchy.Path{ms[0].ID, ms[1].ID}, path)

		got, err := svc.GetMember(ctx, loner.ID)
		require.NoError(t, err)
		assert.Equal(t, path, got.Path)
		assert.Equal(t, 2, got.Level)
	})

	t.Run("Failure - sponsor inside the member's downline", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice", "Bob", "Carol")

		_, err := svc.Attach(ctx, ms[0].ID, ms[2].ID)
		assert.ErrorIs(t, err, hierarchy.ErrCycle)
		assert.Equal(t, errs.IntegrityViolation, errs.KindOf(err))

		_, err = svc.Attach(ctx, ms[1].ID, ms[1].ID)
		assert.ErrorIs(t, err, hierarchy.ErrCycle)
	})

	t.Run("Failure - unknown member", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice")
		_, err := svc.Attach(ctx, uuid.New(), ms[0].ID)
		assert.ErrorIs(t, err, hierarchy.ErrMemberNotFound)

		_, err = svc.Attach(ctx, ms[0].ID, uuid.New())
		assert.ErrorIs(t, err, hierarchy.ErrMemberNotFound)
	})

	t.Run("Success - descendants follow a re-parented member", func(t *testing.T) {
		svc, _ := newService(t)
		ms := chain(t, svc, "Alice", "Bob", "Carol", "Dan")
		xavier, err := svc.Register(ctx, hierarchy.NewMember{Name: "Xavier", MLMEnabled: true})
		require.NoError(t, err)

		_, err = svc.Attach(ctx, ms[1].ID, xavier.ID)
		require.NoError(t, err)

		carol, err := svc.GetMember(ctx, ms[2].ID)
		require.NoError(t, err)
		assert.Equal(t, hierarchy.Path{xavier.ID, ms[1].ID}, carol.Path)
		assert.Equal(t, 2, carol.Level)

		dan, err := svc.GetMember(ctx, ms[3].ID)
		require.NoError(t, err)
		assert.Equal(t, hierarchy.Path{xavier.ID, ms[1].ID, ms[2].ID}, dan.Path)

		n, err := svc.CountTotalDownline(ctx, ms[0].ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Failure - sponsor in the downline after an earlier move", func(t *testing.T) {
		svc, _ := newService(t)
		yara := chain(t, svc, "Yara", "Carl", "Gina")
		mona, err := svc.Register(ctx, hierarchy.NewMember{Name: "Mona", MLMEnabled: true})
		require.NoError(t, err)

		_, err = svc.Attach(ctx, yara[0].ID, mona.ID)
		require.NoError(t, err)

		_, err = svc.Attach(ctx, mona.ID, yara[2].ID)
		assert.ErrorIs(t, err, hierarchy.ErrCycle)

		got, err := svc.GetMember(ctx, mona.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Path)
		assert.Nil(t, got.UplineID)

		n, err := svc.RebuildAllPaths(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Success - opposing concurrent attaches leave no cycle", func(t *testing.T) {
		svc, _ := newService(t)
		a, err := svc.Register(ctx, hierarchy.NewMember{Name: "Ann", MLMEnabled: true})
		require.NoError(t, err)
		b, err := svc.Register(ctx, hierarchy.NewMember{Name: "Ben", MLMEnabled: true})
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, pair := range [][2]uuid.UUID{{a.ID, b.ID}, {b.ID, a.ID}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = svc.Attach(ctx, pair[0], pair[1])
			}()
		}
		wg.Wait()

		failed := 0
		for _, err := range results {
			if err != nil {
				assert.ErrorIs(t, err, hierarchy.ErrCycle)
				failed++
			}
		}
		assert.Equal(t, 1, failed)

		_, err = svc.RebuildAllPaths(ctx)
		assert.NoError(t, err)
	})
}

func TestGetUpline(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	ms := chain(t, svc, "Alice", "Bob", "Carol", "Dave")

	t.Run("Success - nearest first with chain levels", func(t *testing.T) {
		upline, err := svc.GetUpline(ctx, ms[3].ID, 5)
		require.NoError(t, err)
		require.Len(t, upline, 3)
		assert.Equal(t, ms[2].ID, upline[0].Member.ID)
		assert.Equal(t, 1, upline[0].Level)
		assert.Equal(t, ms[0].ID, upline[2].Member.ID)
		assert.Equal(t, 3, upline[2].Level)
	})

	t.Run("Success - capped at max levels", func(t *testing.T) {
		upline, err := svc.GetUpline(ctx, ms[3].ID, 2)
		require.NoError(t, err)
		require.Len(t, upline, 2)
		assert.Equal(t, ms[1].ID, upline[1].Member.ID)
	})

	t.Run("Success - ineligible ancestors keep their level empty", func(t *testing.T) {
		require.NoError(t, svc.SetMLMEnabled(ctx, ms[1].ID, false))
		defer func() { require.NoError(t, svc.SetMLMEnabled(ctx, ms[1].ID, true)) }()

		upline, err := svc.GetUpline(ctx, ms[3].ID, 5)
		require.NoError(t, err)
		require.Len(t, upline, 2)
		assert.Equal(t, 1, upline[0].Level)
		assert.Equal(t, 3, upline[1].Level)
		assert.Equal(t, ms[0].ID, upline[1].Member.ID)
	})

	t.Run("Success - root has no upline", func(t *testing.T) {
		upline, err := svc.GetUpline(ctx, ms[0].ID, 5)
		require.NoError(t, err)
		assert.Empty(t, upline)
	})
}

func TestDownline(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	ms := chain(t, svc, "Alice", "Bob", "Carol")
	sibling, err := svc.Register(ctx, hierarchy.NewMember{Name: "Bea", SponsorCode: ms[0].SponsorCode, MLMEnabled: true})
	require.NoError(t, err)

	t.Run("Success - direct downline only", func(t *testing.T) {
		nodes, err := svc.GetDirectDownline(ctx, ms[0].ID)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		for _, n := range nodes {
			assert.Equal(t, 1, n.Depth)
			assert.Empty(t, n.Children)
		}
	})

	t.Run("Success - tree nests grandchildren", func(t *testing.T) {
		nodes, err := svc.GetDownlineTree(ctx, ms[0].ID, 3)
		require.NoError(t, err)
		require.Len(t, nodes, 2)

		var bob *hierarchy.DownlineNode
		for _, n := range nodes {
			if n.ID == ms[1].ID {
				bob = n
			}
		}
		require.NotNil(t, bob)
		assert.Equal(t, 1, bob.DirectCount)
		require.Len(t, bob.Children, 1)
		assert.Equal(t, ms[2].ID, bob.Children[0].ID)
		assert.Equal(t, 2, bob.Children[0].Depth)
	})

	t.Run("Success - sales totals count completed orders", func(t *testing.T) {
		store.PutOrder(orderFor(sibling.ID, "250.00", "DELIVERED"))
		store.PutOrder(orderFor(sibling.ID, "999.00", "CANCELLED"))

		nodes, err := svc.GetDirectDownline(ctx, ms[0].ID)
		require.NoError(t, err)
		for _, n := range nodes {
			if n.ID == sibling.ID {
				assert.True(t, n.TotalSales.Equal(decimal.NewFromInt(250)), n.TotalSales.String())
			}
		}
	})

	t.Run("Success - total downline count", func(t *testing.T) {
		n, err := svc.CountTotalDownline(ctx, ms[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("Failure - depth must be positive", func(t *testing.T) {
		_, err := svc.GetDownlineTree(ctx, ms[0].ID, 0)
		assert.ErrorIs(t, err, hierarchy.ErrInvalidDepth)
	})
}

func TestRebuildAllPaths(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	ms := chain(t, svc, "Alice", "Bob", "Carol")

	// Corrupt a stored path directly; the upline links stay intact.
	require.NoError(t, store.UpdatePaths(ctx, []hierarchy.PathUpdate{{MemberID: ms[2].ID, Path: hierarchy.Path{}}}))

	n, err := svc.RebuildAllPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh, err := svc.GetMember(ctx, ms[2].ID)
	require.NoError(t, err)
	assert.Equal(t, hierarchy.Path{ms[0].ID, ms[1].ID}, fresh.Path)
	assert.Equal(t, 2, fresh.Level)

	n, err = svc.RebuildAllPaths(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReferralLink(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	ms := chain(t, svc, "Alice")

	link, err := svc.ReferralLink(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ms[0].SponsorCode, link.SponsorCode)
	assert.Equal(t, "https://shop.example.com/register?ref="+ms[0].SponsorCode, link.URL)
}

func TestAttachNeverCreatesCycles(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		svc, _ := newService(t)

		n := rapid.IntRange(2, 8).Draw(rt, "members")
		ids := make([]uuid.UUID, n)
		for i := range ids {
			m, err := svc.Register(ctx, hierarchy.NewMember{Name: "Member", MLMEnabled: true})
			require.NoError(rt, err)
			ids[i] = m.ID
		}

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			member := ids[rapid.IntRange(0, n-1).Draw(rt, "member")]
			sponsor := ids[rapid.IntRange(0, n-1).Draw(rt, "sponsor")]
			if _, err := svc.Attach(ctx, member, sponsor); err != nil {
				require.ErrorIs(rt, err, hierarchy.ErrCycle)
			}
		}

		// Stored paths already match the upline links: nothing to rebuild, no cycle found.
		rebuilt, err := svc.RebuildAllPaths(ctx)
		require.NoError(rt, err)
		require.Zero(rt, rebuilt)

		for _, id := range ids {
			m, err := svc.GetMember(ctx, id)
			require.NoError(rt, err)
			require.False(rt, m.Path.Contains(m.ID), "member %s is its own ancestor", m.ID)
		}
	})
}
