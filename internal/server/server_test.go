package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrapay/fraud-engine/internal/config"
	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "8080",
		Env:             "test",
		LogLevel:        "error",
		DecisionBudget:  200 * time.Millisecond,
		FeatureTimeout:  50 * time.Millisecond,
		DetectorTimeout: 120 * time.Millisecond,
		RateLimitRPM:    10000,
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := New(testConfig(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.recorder.Start(ctx)

	return s
}

func decideBody(txID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"transactionId": txID,
		"cardToken":     "card-1",
		"deviceId":      "dev-1",
		"ip":            "198.51.100.7",
		"accountId":     "acct-1",
		"amount":        50,
		"currency":      "USD",
		"type":          "purchase",
		"ipCountry":     "US",
		"cardCountry":   "US",
	})
	return body
}

func postDecide(s *Server, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/decide", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	return w
}

func TestDecideEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := postDecide(s, decideBody("tx-api-1"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TransactionID   string  `json:"transaction_id"`
		Tier            string  `json:"tier"`
		RiskScore       float64 `json:"risk_score"`
		PolicyVersionID string  `json:"policy_version_id"`
		Degraded        bool    `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tx-api-1", resp.TransactionID)
	assert.Equal(t, "ALLOW", resp.Tier)
	assert.Equal(t, s.policyEngine.Active().ID, resp.PolicyVersionID)
	assert.False(t, resp.Degraded)
}

func TestDecideMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	w := postDecide(s, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecideRejectsEventWithoutEntities(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"transactionId": "tx-no-entity",
		"amount":        10,
	})
	w := postDecide(s, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_event")
}

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) GetSnapshot(context.Context, event.Keys) (*features.Snapshot, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) Increment(context.Context, *event.TransactionEvent) error {
	return errors.New("connection refused")
}
func (brokenStore) RecordDecision(context.Context, string, event.Keys, string) error {
	return errors.New("connection refused")
}

func TestDecideStoreFaultIsNever5xx(t *testing.T) {
	s := newTestServer(t, WithFeatureStore(brokenStore{}))

	w := postDecide(s, decideBody("tx-store-down"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tier            string   `json:"tier"`
		Degraded        bool     `json:"degraded"`
		DegradedReasons []string `json:"degraded_reasons"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedReasons, "feature_store")
	assert.NotEqual(t, "BLOCK", resp.Tier)
}

func TestDecisionLookup(t *testing.T) {
	s := newTestServer(t)

	w := postDecide(s, decideBody("tx-lookup"))
	require.Equal(t, http.StatusOK, w.Code)

	// Evidence lands asynchronously.
	deadline := time.After(3 * time.Second)
	for {
		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/decisions/tx-lookup", nil)
		s.Router().ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("decision never appeared, last status %d", w.Code)
		case <-time.After(20 * time.Millisecond):
		}
	}

	var resp struct {
		TransactionID string            `json:"transaction_id"`
		Count         int               `json:"count"`
		Decisions     []json.RawMessage `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tx-lookup", resp.TransactionID)
	assert.Equal(t, 1, resp.Count)
}

func TestDecisionLookupNotFound(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/decisions/tx-missing", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, s.policyEngine.Active().ID, resp.PolicyVersion)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started serving.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fraudengine_")
}

func TestPolicyRoutesWired(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/policy", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDecideConcurrentRequests(t *testing.T) {
	s := newTestServer(t)

	const n = 20
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			w := postDecide(s, decideBody(fmt.Sprintf("tx-conc-%d", i)))
			done <- w.Code
		}(i)
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, <-done)
	}
}
