package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/engine"
	"gridbot/internal/mock"
	"gridbot/internal/orchestrator"
	"gridbot/internal/state"
	"gridbot/internal/validator"
	"gridbot/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *state.Store) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := &core.GridConfig{
		Lower:        decimal.NewFromInt(100),
		Upper:        decimal.NewFromInt(200),
		NLevels:      5,
		Spacing:      core.SpacingArithmetic,
		SizePerLevel: decimal.RequireFromString("0.01"),
		Mode:         core.ModeLive,
		Venue:        "mock",
		Symbol:       "USD_BTC",
	}

	ex := mock.NewMockExchange("mock", decimal.NewFromInt(150))
	store := state.NewStore()
	eng, err := engine.NewEngine(cfg, ex, validator.New(), store, logger, engine.WithInterval(20*time.Millisecond))
	require.NoError(t, err)

	orch := orchestrator.New(eng, store, validator.New(), logger)
	api := NewAPIServer(":0", orch, store, logger)

	ts := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		if eng.IsRunning() {
			_ = eng.Stop(t.Context())
		}
		ts.Close()
	})
	return ts, store
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, orchestrator.Result) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var res orchestrator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func getJSON(t *testing.T, url string) (*http.Response, orchestrator.Result) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res orchestrator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func TestStatusRoute(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, res := getJSON(t, ts.URL+"/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Success)
}

func TestStartWithoutConfirmRejected(t *testing.T) {
	ts, store := newTestServer(t)
	resp, res := postJSON(t, ts.URL+"/api/start", map[string]bool{"confirm": false})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, res.Success)
	assert.Equal(t, core.StateStopped, store.BotState())
}

func TestStartStopRoundTrip(t *testing.T) {
	ts, store := newTestServer(t)

	resp, res := postJSON(t, ts.URL+"/api/start", map[string]bool{"confirm": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, core.StateRunning, store.BotState())

	resp, res = postJSON(t, ts.URL+"/api/stop", map[string]bool{"confirm": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, core.StateStopped, store.BotState())
}

func TestZoneToggleUnknownZone(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, res := postJSON(t, ts.URL+"/api/zones/99/disable", struct{}{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, res.Success)
}

func TestManualSyncValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/sync/manual", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, res := postJSON(t, ts.URL+"/api/sync/manual", map[string]interface{}{
		"orders": []map[string]interface{}{
			{"id": "x1", "side": "buy", "price": "101", "amount": "0.01"},
		},
	})
	assert.True(t, res.Success, res.Message)
}

func TestMinimumRequirementsRoute(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, res := getJSON(t, ts.URL+"/api/minimum-requirements/binance/BTCUSDT")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.Success)

	data, ok := res.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", data["Symbol"])
}

func TestLevelsRoute(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, res := getJSON(t, ts.URL+"/api/levels")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.Success)

	views, ok := res.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, views, 5)
}

func TestHealthReflectsErrorState(t *testing.T) {
	ts, store := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store.SetError("venue key revoked")
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "venue key revoked", body["last_error"])
}

func TestCancelLevelBadIndex(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/orders/level/abc/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
