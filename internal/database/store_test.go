package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/internal/logger"
	"github.com/collidesec/collide/pkg/race"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := NewStore(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "collide.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleReport(runID string) *race.RunReport {
	return &race.RunReport{
		RunID:       runID,
		Target:      "http://target.test/pay",
		StartedAt:   time.Now().Add(-time.Minute).UTC(),
		FinishedAt:  time.Now().UTC(),
		Concurrency: 10,
		Attempts:    1,
		Amount:      100,
		Outcomes: []race.RequestOutcome{
			{ID: 1, Attempt: 1, Endpoint: "http://target.test/pay", StatusCode: 200, Success: true, Elapsed: 30 * time.Millisecond, TransactionID: "txn-1"},
			{ID: 2, Attempt: 1, Endpoint: "http://target.test/pay", StatusCode: 409, Elapsed: 25 * time.Millisecond},
		},
		Verdict: race.Verdict{
			RaceDetected:       false,
			Severity:           race.SeverityNone,
			Confidence:         race.ConfidenceLow,
			TotalRequests:      2,
			SuccessfulRequests: 1,
		},
	}
}

func TestSaveAndGetReport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	report := sampleReport("run-1")
	require.NoError(t, store.SaveReport(ctx, report))

	got, err := store.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, report.RunID, got.RunID)
	assert.Equal(t, report.Target, got.Target)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, "txn-1", got.Outcomes[0].TransactionID)
}

func TestGetReportMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetReport(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSaveReportDuplicateRunID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveReport(ctx, sampleReport("run-dup")))
	assert.Error(t, store.SaveReport(ctx, sampleReport("run-dup")))
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := sampleReport("run-old")
	older.StartedAt = time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, store.SaveReport(ctx, older))

	newer := sampleReport("run-new")
	newer.Verdict.RaceDetected = true
	newer.Verdict.Severity = race.SeverityHigh
	require.NoError(t, store.SaveReport(ctx, newer))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].RunID, "newest first")
	assert.True(t, runs[0].RaceDetected)
	assert.Equal(t, race.SeverityHigh, runs[0].Severity)
	assert.Equal(t, "run-old", runs[1].RunID)
}
