package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/debate"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/supervisor"
)

type fakeDebater struct {
	sig    *signal.Signal
	err    error
	symbol string
}

func (f *fakeDebater) RunDebate(ctx context.Context, symbol, trigger string) (*signal.Signal, error) {
	f.symbol = symbol
	if f.err != nil {
		return nil, f.err
	}
	return f.sig, nil
}

type fakeSignalReader struct {
	recent []*signal.Signal
	err    error
}

func (f *fakeSignalReader) Recent(ctx context.Context, symbol string, limit int) ([]*signal.Signal, error) {
	return f.recent, f.err
}

func (f *fakeSignalReader) Get(ctx context.Context, id int64) (*signal.Signal, error) {
	for _, s := range f.recent {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, assert.AnError
}

type fakePositions struct {
	events []*supervisor.PositionEvent
}

func (f *fakePositions) Snapshot(markOf func(string) float64) []*supervisor.PositionEvent {
	return f.events
}

func testServer(deps Deps) *Server {
	return NewServer(config.APIConfig{Host: "127.0.0.1", Port: 0}, deps)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := testServer(Deps{})
	rec := doRequest(t, s, http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(Deps{})
	rec := doRequest(t, s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDebate_ManualTrigger(t *testing.T) {
	debater := &fakeDebater{sig: &signal.Signal{ID: 41, Symbol: "BTCUSDT", Signal: signal.DirectionBuy, Confidence: 72, Reason: "ok"}}
	s := testServer(Deps{Debater: debater})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/debate/btc")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", debater.symbol, "symbol is normalized to raw form")
	var sig signal.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	assert.Equal(t, signal.DirectionBuy, sig.Signal)
}

func TestDebate_QuotaMapsTo429(t *testing.T) {
	s := testServer(Deps{Debater: &fakeDebater{err: debate.ErrQuotaExhausted}})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/debate/BTCUSDT")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestDebate_SnapshotFailureMapsTo502(t *testing.T) {
	s := testServer(Deps{Debater: &fakeDebater{err: debate.ErrSnapshotUnavailable}})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/debate/BTCUSDT")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSignals_Recent(t *testing.T) {
	reader := &fakeSignalReader{recent: []*signal.Signal{
		{ID: 41, Symbol: "BTCUSDT", Signal: signal.DirectionBuy},
		{ID: 42, Symbol: "BTCUSDT", Signal: signal.DirectionHold},
	}}
	s := testServer(Deps{Signals: reader})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/signals?symbol=BTCUSDT&limit=10")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count   int              `json:"count"`
		Signals []*signal.Signal `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestSignal_ByID(t *testing.T) {
	reader := &fakeSignalReader{recent: []*signal.Signal{{ID: 41, Symbol: "BTCUSDT"}}}
	s := testServer(Deps{Signals: reader})

	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/api/v1/signals/41").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, s, http.MethodGet, "/api/v1/signals/99").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/v1/signals/abc").Code)
}

func TestPositions_EmptyIsArray(t *testing.T) {
	s := testServer(Deps{Positions: &fakePositions{}})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/positions")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[],"count":0}`, rec.Body.String())
}
