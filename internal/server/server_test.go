package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/money"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		RPCURL:            config.DefaultRPCURL,
		Currency:          "USD",
		PlatformFeeBps:    250,
		ReferralBps:       100,
		DisputeFeeBps:     200,
		MinIncrementBps:   500,
		IncrementFloor:    "0.01",
		AntiSnipeWindow:   15 * time.Minute,
		AutoFinalizeGrace: 72 * time.Hour,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
	}
}

func newTestServer(t *testing.T) (*Server, *chain.MemLedger) {
	t.Helper()
	ledger := chain.NewMemLedger("USD")
	srv, err := New(testConfig(),
		WithLedger(ledger),
		WithLogger(slog.New(slog.NewTextHandler(discard{}, nil))),
	)
	require.NoError(t, err)
	return srv, ledger
}

func doJSON(t *testing.T, srv *Server, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func registerPrincipal(t *testing.T, srv *Server, principal string) string {
	t.Helper()
	w := doJSON(t, srv, "POST", "/v1/principals", "", map[string]string{"principal": principal})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.APIKey, "sk_"))
	return resp.APIKey
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only after Run starts.
	w = doJSON(t, srv, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsAndInfoEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "GET", "/api", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Gavel")
}

func TestMarketPage(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/ws")
}

func TestCreateListingRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/listings", "", map[string]interface{}{
		"mode":            "auction",
		"startPrice":      "10",
		"durationSeconds": 3600,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetListingNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/v1/listings/lst_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuctionFlowOverHTTP(t *testing.T) {
	srv, ledger := newTestServer(t)

	sellerKey := registerPrincipal(t, srv, "seller-co")
	bidderKey := registerPrincipal(t, srv, "bidder-1")

	// Seller creates and opens an auction.
	w := doJSON(t, srv, "POST", "/v1/listings", sellerKey, map[string]interface{}{
		"mode":            "auction",
		"startPrice":      "10",
		"durationSeconds": 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "draft", created.Status)

	w = doJSON(t, srv, "POST", "/v1/listings/"+created.ID+"/open", sellerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var opened struct {
		Status        string `json:"status"`
		EscrowAccount string `json:"escrowAccount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, "active", opened.Status)
	require.NotEmpty(t, opened.EscrowAccount)

	// Bidder deposits into escrow, then bids with the transfer ref.
	ref := ledger.RecordDeposit("bidder-1", opened.EscrowAccount, money.MustParse("10", "USD"))
	w = doJSON(t, srv, "POST", fmt.Sprintf("/v1/listings/%s/bids", created.ID), bidderKey, map[string]string{
		"amount":      "10",
		"transferRef": ref,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The bid ledger is public.
	w = doJSON(t, srv, "GET", "/v1/listings/"+created.ID+"/bids", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var bids struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bids))
	assert.Equal(t, 1, bids.Count)
}

func TestBidWithoutDepositRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	sellerKey := registerPrincipal(t, srv, "seller-co")
	bidderKey := registerPrincipal(t, srv, "bidder-1")

	w := doJSON(t, srv, "POST", "/v1/listings", sellerKey, map[string]interface{}{
		"mode":            "auction",
		"startPrice":      "10",
		"durationSeconds": 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, srv, "POST", "/v1/listings/"+created.ID+"/open", sellerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "POST", "/v1/listings/"+created.ID+"/bids", bidderKey, map[string]string{
		"amount":      "10",
		"transferRef": "xfer_bogus",
	})
	// No verifiable deposit behind the reference.
	assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
}

func TestResolverRouteForbiddenForRegularKey(t *testing.T) {
	srv, _ := newTestServer(t)

	key := registerPrincipal(t, srv, "someone")
	w := doJSON(t, srv, "GET", "/v1/disputes", key, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminSweepDemoMode(t *testing.T) {
	// Without ADMIN_SECRET any authenticated principal may trigger a
	// sweep; the sweep itself is idempotent.
	srv, _ := newTestServer(t)

	key := registerPrincipal(t, srv, "operator")
	w := doJSON(t, srv, "POST", "/v1/admin/sweep", key, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, "POST", "/v1/admin/sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminReconcileReport(t *testing.T) {
	srv, _ := newTestServer(t)

	key := registerPrincipal(t, srv, "operator")
	w := doJSON(t, srv, "GET", "/v1/admin/reconcile", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestWebhookRoutesRequireOwnership(t *testing.T) {
	srv, _ := newTestServer(t)

	aliceKey := registerPrincipal(t, srv, "alice")
	_ = registerPrincipal(t, srv, "bob")

	w := doJSON(t, srv, "POST", "/v1/principals/alice/webhooks", aliceKey, map[string]interface{}{
		"url":    "https://203.0.113.10/hook",
		"events": []string{"bid.placed"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Alice cannot manage Bob's webhooks.
	w = doJSON(t, srv, "GET", "/v1/principals/bob/webhooks", aliceKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookEndpointMustBePublic(t *testing.T) {
	srv, _ := newTestServer(t)

	key := registerPrincipal(t, srv, "alice")
	w := doJSON(t, srv, "POST", "/v1/principals/alice/webhooks", key, map[string]interface{}{
		"url":    "http://127.0.0.1:9090/hook",
		"events": []string{"bid.placed"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "invalid_url")
}

func TestStatsEndpointPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/v1/principals/nobody/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sales":0`)
}
