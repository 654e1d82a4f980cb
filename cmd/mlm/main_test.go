package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlmledger/internal/commission"
	"mlmledger/internal/config"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/httpx"
	"mlmledger/internal/journal"
	"mlmledger/internal/reconcile"
	"mlmledger/internal/settings"
	"mlmledger/internal/store/memory"
	"mlmledger/internal/wallet"
)

type testSuite struct {
	srv   *httptest.Server
	store *memory.Store
	admin uuid.UUID
}

func setupTestSuite(t *testing.T) *testSuite {
	t.Helper()
	cfg := &config.Config{
		ReferralBaseURL:         "https://shop.example.com/register",
		WithdrawalRatePerMinute: 60,
		WithdrawalBurst:         20,
		MLM:                     settings.Default(),
	}
	store := memory.New(cfg.MLM)
	a := newApp(cfg, store, store, prometheus.NewRegistry(), zap.NewNop(), nil)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)
	return &testSuite{srv: srv, store: store, admin: uuid.New()}
}

// call sends body as JSON to the API and decodes the response into out when non-nil.
func (ts *testSuite) call(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+"/api/v1"+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.ActorHeader, ts.admin.String())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testSuite) register(t *testing.T, name, sponsorCode string) *hierarchy.Member {
	t.Helper()
	m := &hierarchy.Member{}
	status := ts.call(t, http.MethodPost, "/members", map[string]string{"name": name, "sponsor_code": sponsorCode}, m)
	require.Equal(t, http.StatusCreated, status)
	return m
}

// completeOrder records a delivered order and posts and approves its commissions.
func (ts *testSuite) completeOrder(t *testing.T, buyer uuid.UUID, total string) *commission.ProcessResult {
	t.Helper()
	orderID := uuid.New()
	ts.store.PutOrder(commission.Order{
		ID:       orderID,
		MemberID: buyer,
		Total:    decimal.RequireFromString(total),
		Status:   commission.OrderDelivered,
	})

	res := &commission.ProcessResult{}
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodPost, "/orders/"+orderID.String()+"/commissions", nil, res))
	for _, c := range res.Commissions {
		require.Equal(t, http.StatusOK, ts.call(t, http.MethodPost, "/commissions/"+c.ID.String()+"/approve", nil, nil))
	}
	return res
}

func TestCommissionToPayoutFlow(t *testing.T) {
	ts := setupTestSuite(t)

	alice := ts.register(t, "Alice", "")
	bob := ts.register(t, "Bob", alice.SponsorCode)
	carol := ts.register(t, "Carol", bob.SponsorCode)
	assert.Equal(t, hierarchy.Path{alice.ID, bob.ID}, carol.Path)

	// Carol buys; Bob earns level 1 and Alice level 2.
	res := ts.completeOrder(t, carol.ID, "2000")
	require.Equal(t, 2, res.Created)

	var summary wallet.Summary
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/members/"+bob.ID.String()+"/wallet", nil, &summary))
	assert.Equal(t, "200", summary.Balance.String())
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/members/"+alice.ID.String()+"/wallet", nil, &summary))
	assert.Equal(t, "100", summary.Balance.String())

	// Bob withdraws 150 and is paid out.
	var w wallet.Withdrawal
	status := ts.call(t, http.MethodPost, "/withdrawals", map[string]any{
		"member_id": bob.ID,
		"amount":    "150",
		"method":    "BANK_TRANSFER",
	}, &w)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "3", w.Fee.String())
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodPost, "/withdrawals/"+w.ID.String()+"/approve", nil, nil))
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodPost, "/withdrawals/"+w.ID.String()+"/pay", nil, nil))

	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/members/"+bob.ID.String()+"/wallet", nil, &summary))
	assert.Equal(t, "50", summary.Balance.String())
	assert.Equal(t, "147", summary.TotalWithdrawn.String())
	assert.Equal(t, "200", summary.TotalEarned.String())

	// The ledger tells the same story.
	var entries []journal.Entry
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/members/"+bob.ID.String()+"/ledger", nil, &entries))
	types := make([]journal.EntryType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []journal.EntryType{
		journal.MemberAttached,
		journal.CommissionPosted,
		journal.CommissionApproved,
		journal.WithdrawalRequested,
		journal.WithdrawalApproved,
		journal.WithdrawalPaid,
	}, types)

	var report reconcile.Report
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/reconcile", nil, &report))
	assert.True(t, report.Healthy, "violations: %+v", report.Violations)

	var cached reconcile.Report
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/reconcile?cached=true", nil, &cached))
	assert.True(t, cached.StartTime.Equal(report.StartTime), "cached report should be the last run")

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mlm_commissions_posted_total")
	assert.Contains(t, string(body), `path="/api/v1/withdrawals"`)
}

func TestConcurrentWithdrawalsPreventOverdraft(t *testing.T) {
	ts := setupTestSuite(t)

	alice := ts.register(t, "Alice", "")
	bob := ts.register(t, "Bob", alice.SponsorCode)
	ts.completeOrder(t, bob.ID, "10000")

	var wg sync.WaitGroup
	successCount := 0
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{
				"member_id": alice.ID,
				"amount":    "200",
				"method":    "PAYPAL",
			})
			resp, err := http.Post(ts.srv.URL+"/api/v1/withdrawals", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusCreated {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successCount, "Only five 200 withdrawals fit in a 1000 balance")

	var summary wallet.Summary
	require.Equal(t, http.StatusOK, ts.call(t, http.MethodGet, "/members/"+alice.ID.String()+"/wallet", nil, &summary))
	assert.True(t, summary.Balance.IsZero())
	assert.Equal(t, "1000", summary.PendingWithdrawalAmount.String())
}
