package race

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/internal/logger"
)

// bankServer simulates a top-up backend. With dedupe enabled it commits only
// the first transaction and rejects the rest, the way a correctly locked
// backend behaves; without it every accepted request credits the balance.
type bankServer struct {
	mu        sync.Mutex
	balance   float64
	amount    float64
	dedupe    bool
	committed bool
	txnSeq    int
}

func (b *bankServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		fmt.Fprintf(w, `{"balance": %.2f}`, b.balance)
	})
	mux.HandleFunc("/pay", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.dedupe && b.committed {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error": "duplicate transaction"}`))
			return
		}
		b.committed = true
		b.balance += b.amount
		b.txnSeq++
		fmt.Fprintf(w, `{"status": "ok", "transaction_id": "txn-%d"}`, b.txnSeq)
	})
	return mux
}

func quietLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func runConfig(srv *httptest.Server) *config.RaceConfig {
	return &config.RaceConfig{
		TargetURL:     srv.URL + "/pay",
		BalanceURL:    srv.URL + "/balance",
		Amount:        100,
		Concurrency:   5,
		Attempts:      2,
		Timeout:       5 * time.Second,
		BalanceSettle: 50 * time.Millisecond,
	}
}

func TestEngineDetectsVulnerableTarget(t *testing.T) {
	bank := &bankServer{balance: 1000, amount: 100}
	srv := httptest.NewServer(bank.handler())
	defer srv.Close()

	e, err := New(runConfig(srv), quietLogger(t), nil)
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Len(t, report.Outcomes, 10)
	require.NotNil(t, report.Before)
	require.NotNil(t, report.After)
	assert.Equal(t, 1000.0, report.Before.Balance)
	assert.Equal(t, 2000.0, report.After.Balance)

	v := report.Verdict
	require.True(t, v.RaceDetected)
	assert.Equal(t, SeverityCritical, v.Severity)
	assert.Equal(t, ConfidenceConfirmed, v.Confidence)
	assert.Equal(t, 10, v.SuccessfulRequests)
	require.NotNil(t, v.Balance)
	assert.Equal(t, 10, v.Balance.ExploitedCount)
}

func TestEngineClearsSafeTarget(t *testing.T) {
	bank := &bankServer{balance: 1000, amount: 100, dedupe: true}
	srv := httptest.NewServer(bank.handler())
	defer srv.Close()

	e, err := New(runConfig(srv), quietLogger(t), nil)
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	v := report.Verdict
	assert.False(t, v.RaceDetected)
	assert.Equal(t, SeverityNone, v.Severity)
	assert.Equal(t, ConfidenceConfirmed, v.Confidence)
	assert.Equal(t, 1, v.SuccessfulRequests)
	assert.Equal(t, 1100.0, report.After.Balance)
}

func TestEngineOutcomeOrdering(t *testing.T) {
	bank := &bankServer{balance: 10000, amount: 100}
	srv := httptest.NewServer(bank.handler())
	defer srv.Close()

	cfg := runConfig(srv)
	cfg.Attempts = 3
	cfg.Concurrency = 4
	// Jitter shuffles completion order; the sequence must still come back
	// in dispatch order.
	cfg.JitterMax = 20 * time.Millisecond

	e, err := New(cfg, quietLogger(t), nil)
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 12)
	for k, out := range report.Outcomes {
		assert.Equal(t, k+1, out.ID, "slot %d", k)
		assert.Equal(t, k/4+1, out.Attempt, "slot %d", k)
	}
}

func TestEngineBurstIsSimultaneous(t *testing.T) {
	var mu sync.Mutex
	var inFlight, peak int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	cfg := &config.RaceConfig{
		TargetURL:   srv.URL,
		Amount:      100,
		Concurrency: 20,
		Attempts:    1,
		Timeout:     5 * time.Second,
	}
	e, err := New(cfg, quietLogger(t), nil)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, peak, 15, "barrier release should land requests together, peak was %d", peak)
}

func TestEngineSpreadsEndpoints(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			paths[r.URL.Path]++
			mu.Unlock()
		}
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	cfg := &config.RaceConfig{
		TargetURL:   srv.URL + "/pay",
		Amount:      100,
		Concurrency: 6,
		Attempts:    1,
		Timeout:     5 * time.Second,
		Endpoints: []config.Endpoint{
			{Method: http.MethodPost, URL: srv.URL + "/pay"},
			{Method: http.MethodPost, URL: srv.URL + "/transfer"},
		},
	}
	e, err := New(cfg, quietLogger(t), nil)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, paths["/pay"])
	assert.Equal(t, 3, paths["/transfer"])
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.RaceConfig{TargetURL: "http://example.com", Concurrency: 0, Attempts: 1}, quietLogger(t), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfig))
}

func TestEngineDegradesWhenSnapshotFails(t *testing.T) {
	// A dead balance endpoint must not abort the run; the verdict falls
	// back to the count-based path with unconfirmed confidence.
	mux := http.NewServeMux()
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/pay", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := runConfig(srv)
	cfg.VerifyBalance = true

	e, err := New(cfg, quietLogger(t), nil)
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Nil(t, report.Before)
	assert.Nil(t, report.After)

	v := report.Verdict
	require.True(t, v.RaceDetected)
	assert.Equal(t, ConfidenceUnconfirmed, v.Confidence)
	assert.Nil(t, v.Balance)
}

func TestEngineReportSerializes(t *testing.T) {
	bank := &bankServer{balance: 500, amount: 100, dedupe: true}
	srv := httptest.NewServer(bank.handler())
	defer srv.Close()

	cfg := runConfig(srv)
	cfg.Attempts = 1

	e, err := New(cfg, quietLogger(t), nil)
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, report.RunID, decoded["run_id"])
	assert.NotNil(t, decoded["verdict"])
}
