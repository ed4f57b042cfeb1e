package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/internal/valuation"
	"github.com/seenimoa/openvalue/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Test Helpers
// ════════════════════════════════════════════════════════════════════

type fakeValuer struct {
	mu          sync.Mutex
	res         *models.FinalResult
	err         error
	calls       []valuation.Options
	tickers     []string
	invalidated []string
}

func (f *fakeValuer) Value(_ context.Context, ticker string, opts valuation.Options) (*models.FinalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	f.tickers = append(f.tickers, ticker)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func (f *fakeValuer) Invalidate(_ context.Context, ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, ticker)
	return f.err
}

func (f *fakeValuer) lastOptions(t *testing.T) valuation.Options {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		LLM:       config.LLMConfig{Primary: "anthropic", AnthropicKey: "sk-ant-secret-value-123"},
		Valuation: config.ValuationConfig{DefaultPreference: "auto", Explain: true},
	}
}

func testResult() *models.FinalResult {
	return &models.FinalResult{
		RequestID:    "req-1",
		Ticker:       "AAPL",
		CompanyName:  "Apple Inc.",
		CurrentPrice: 514,
		IndividualValuations: []models.IndividualValuation{
			{Model: models.ThreeStage, PricePerShare: 256.15},
			{Model: models.HModel, PricePerShare: 187.38},
		},
		ConsensusValuation: models.ConsensusValuation{WeightedFairValue: 221.77, UpsideToWeighted: -56.85},
		Confidence:         models.ConfidenceScore{Score: 0.55, Level: models.ConfidenceMedium},
		Recommendation:     models.StrongSell,
		Timestamp:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testServer(t *testing.T, v Valuer) *Server {
	t.Helper()
	srv := NewServer(testConfig(), v, WithVersion("test"))
	go srv.Hub().Run()
	t.Cleanup(srv.Hub().Close)
	return srv
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	return do(t, srv, http.MethodGet, path)
}

func do(t *testing.T, srv *Server, method, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp APIResponse
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&resp))
	return rec, resp
}

// ════════════════════════════════════════════════════════════════════
// Health
// ════════════════════════════════════════════════════════════════════

func TestHandleHealth(t *testing.T) {
	srv := testServer(t, &fakeValuer{})
	for _, path := range []string{"/health", "/api/v1/health"} {
		rec, resp := get(t, srv, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.True(t, resp.Success)

		data := resp.Data.(map[string]any)
		assert.Equal(t, "ok", data["status"])
		assert.Equal(t, "test", data["version"])
	}
}

// ════════════════════════════════════════════════════════════════════
// Valuation
// ════════════════════════════════════════════════════════════════════

func TestHandleValuation(t *testing.T) {
	fv := &fakeValuer{res: testResult()}
	srv := testServer(t, fv)

	rec, resp := get(t, srv, "/api/v1/valuation/aapl?model=all&fresh=true&explain=false")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var got models.FinalResult
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "AAPL", got.Ticker)
	assert.InDelta(t, 221.77, got.ConsensusValuation.WeightedFairValue, 1e-9)
	assert.Equal(t, models.StrongSell, got.Recommendation)

	assert.Equal(t, []string{"aapl"}, fv.tickers)
	assert.Equal(t, valuation.Options{Model: "all", Fresh: true, Explain: false}, fv.lastOptions(t))
}

func TestHandleValuationDefaults(t *testing.T) {
	fv := &fakeValuer{res: testResult()}
	srv := testServer(t, fv)

	rec, _ := get(t, srv, "/api/v1/valuation/AAPL")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, valuation.Options{Model: "auto", Fresh: false, Explain: true}, fv.lastOptions(t))
}

func TestHandleValuationBadFlag(t *testing.T) {
	fv := &fakeValuer{res: testResult()}
	srv := testServer(t, fv)

	for _, q := range []string{"fresh=maybe", "explain=2"} {
		rec, resp := get(t, srv, "/api/v1/valuation/AAPL?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	}
	assert.Empty(t, fv.calls)
}

func TestHandleValuationErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", &valuation.Error{Kind: valuation.ErrInvalidInput, Ticker: "??", Err: errors.New("malformed ticker")}, http.StatusBadRequest},
		{"upstream", &valuation.Error{Kind: valuation.ErrUpstreamUnavailable, Ticker: "AAPL", Err: errors.New("503")}, http.StatusServiceUnavailable},
		{"total failure", &valuation.Error{Kind: valuation.ErrTotalModelFailure, Ticker: "AAPL"}, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, &fakeValuer{err: tt.err})
			rec, resp := get(t, srv, "/api/v1/valuation/AAPL")
			assert.Equal(t, tt.want, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestHandleInvalidate(t *testing.T) {
	fv := &fakeValuer{}
	srv := testServer(t, fv)

	rec, resp := do(t, srv, http.MethodDelete, "/api/v1/valuation/MSFT")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"MSFT"}, fv.invalidated)
}

// ════════════════════════════════════════════════════════════════════
// Config
// ════════════════════════════════════════════════════════════════════

func TestHandleGetConfigHidesKeys(t *testing.T) {
	srv := testServer(t, &fakeValuer{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-ant-secret-value-123")
	assert.Contains(t, rec.Body.String(), `"primary":"anthropic"`)
}

func TestHandleGetConfigKeys(t *testing.T) {
	srv := testServer(t, &fakeValuer{})
	rec, resp := get(t, srv, "/api/v1/config/keys")
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]any)
	keys := data["keys"].([]any)
	require.Len(t, keys, 3)
	anthropic := keys[1].(map[string]any)
	assert.Equal(t, true, anthropic["is_set"])
	assert.Equal(t, "sk-...123", anthropic["masked"])
	assert.Equal(t, "primary", anthropic["role"])
	assert.Equal(t, []any{"model_selection", "gap_narrative"}, anthropic["enables"])
	assert.NotContains(t, rec.Body.String(), "secret")

	ai := data["ai"].(map[string]any)
	assert.Equal(t, "ai", ai["selection"])
	assert.Equal(t, true, ai["narrative"])
	assert.Equal(t, []any{"anthropic"}, ai["chain"])
}

// ════════════════════════════════════════════════════════════════════
// CORS
// ════════════════════════════════════════════════════════════════════

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t, &fakeValuer{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/valuation/AAPL", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// ════════════════════════════════════════════════════════════════════
// WebSocket
// ════════════════════════════════════════════════════════════════════

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

type wireMessage struct {
	Type   string          `json:"type"`
	Ticker string          `json:"ticker"`
	Data   json.RawMessage `json:"data"`
}

func readWS(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketValuationComplete(t *testing.T) {
	srv := testServer(t, &fakeValuer{})
	conn := dialWS(t, srv)

	srv.Hub().NotifyValuation(testResult())

	msg := readWS(t, conn)
	assert.Equal(t, MsgValuationComplete, msg.Type)
	assert.Equal(t, "AAPL", msg.Ticker)

	var ev ValuationEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "req-1", ev.RequestID)
	assert.InDelta(t, 221.77, ev.WeightedFairValue, 1e-9)
	assert.Equal(t, models.ConfidenceMedium, ev.Confidence)
	assert.Equal(t, []models.ModelID{models.ThreeStage, models.HModel}, ev.Models)
}

func TestWebSocketPingAndSubscribe(t *testing.T) {
	srv := testServer(t, &fakeValuer{})
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, MsgPong, readWS(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]any{"tickers": []string{" msft ", "not a ticker!"}},
	}))
	ack := readWS(t, conn)
	assert.Equal(t, MsgSubscribed, ack.Type)
	assert.JSONEq(t, `{"tickers":["MSFT"]}`, string(ack.Data))

	aapl := testResult()
	msft := testResult()
	msft.Ticker = "MSFT"
	srv.Hub().NotifyValuation(aapl)
	srv.Hub().NotifyValuation(msft)

	// AAPL is filtered out.
	msg := readWS(t, conn)
	assert.Equal(t, MsgValuationComplete, msg.Type)
	assert.Equal(t, "MSFT", msg.Ticker)
}

func TestHubClientFilter(t *testing.T) {
	h := NewWSHub(nil)
	c := NewWSClient(h, 1)
	assert.True(t, c.wants("AAPL"))

	assert.Equal(t, []string{"AAPL", "BRK-B"}, c.subscribe([]string{"brk.b", "aapl"}, true))
	assert.True(t, c.wants("AAPL"))
	assert.False(t, c.wants("MSFT"))
	assert.True(t, c.wants(""))

	assert.Equal(t, []string{"BRK-B"}, c.subscribe([]string{"AAPL"}, false))
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewWSHub(nil)
	go h.Run()
	defer h.Close()

	c := NewWSClient(h, 1)
	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(WSMessage{Type: "a"})
	h.Broadcast(WSMessage{Type: "b"})
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	first, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, "a", first.Type)
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestHubNotifyNil(t *testing.T) {
	h := NewWSHub(nil)
	h.NotifyValuation(nil)
	assert.Empty(t, h.broadcast)
}
