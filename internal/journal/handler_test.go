package journal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlmledger/internal/commission"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
	"mlmledger/internal/settings"
	"mlmledger/internal/store/memory"
)

func TestHandlerLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.New(settings.Default())
	svc := hierarchy.NewService(store, zap.NewNop(), "")
	member, err := svc.Register(ctx, hierarchy.NewMember{Name: "Alice", MLMEnabled: true})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		c := &commission.Commission{
			ID:        uuid.New(),
			MemberID:  member.ID,
			Amount:    decimal.NewFromInt(int64(i * 10)),
			Type:      commission.TypeBonus,
			Level:     1,
			Status:    commission.StatusApproved,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.CreateCommission(ctx, c, commission.PostingDelta(c.Status, c.Amount)))
	}

	r := chi.NewRouter()
	journal.NewHandler(store, zap.NewNop()).Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	load := func(t *testing.T, query string) (int, []journal.Entry) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/members/" + member.ID.String() + "/ledger" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var entries []journal.Entry
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		}
		return resp.StatusCode, entries
	}

	t.Run("Success - full history in version order", func(t *testing.T) {
		status, entries := load(t, "")
		require.Equal(t, http.StatusOK, status)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, i+1, e.Version)
			assert.Equal(t, journal.CommissionPosted, e.Type)
		}
		assert.Equal(t, "30", entries[2].Delta.Balance.String())
	})

	t.Run("Success - from version with limit", func(t *testing.T) {
		status, entries := load(t, "?from_version=2&limit=1")
		require.Equal(t, http.StatusOK, status)
		require.Len(t, entries, 1)
		assert.Equal(t, 2, entries[0].Version)
	})

	t.Run("Success - past the end is an empty list", func(t *testing.T) {
		status, entries := load(t, "?from_version=10")
		require.Equal(t, http.StatusOK, status)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
	})

	t.Run("Failure - negative version", func(t *testing.T) {
		status, _ := load(t, "?from_version=-1")
		assert.Equal(t, http.StatusBadRequest, status)
	})
}
