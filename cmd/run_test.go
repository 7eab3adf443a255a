package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collidesec/collide/pkg/race"
)

func TestInitConfigDefaults(t *testing.T) {
	require.NoError(t, initConfig())

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Logger.Level)
	assert.NotEmpty(t, cfg.Logger.Format)
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	report := &race.RunReport{
		RunID:  "run-42",
		Target: "http://target.test/pay",
		Verdict: race.Verdict{
			RaceDetected: true,
			Severity:     race.SeverityCritical,
			Confidence:   race.ConfidenceConfirmed,
		},
	}

	require.NoError(t, writeReport(path, report))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded race.RunReport
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "run-42", decoded.RunID)
	assert.True(t, decoded.Verdict.RaceDetected)
}

func TestSeverityColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = prev })

	for _, severity := range []string{
		race.SeverityCritical, race.SeverityHigh, race.SeverityMedium,
		race.SeverityLow, race.SeverityNone,
	} {
		require.NotNil(t, severityColor(severity), severity)
	}
	assert.NotEqual(t,
		severityColor(race.SeverityCritical).Sprint("x"),
		severityColor(race.SeverityNone).Sprint("x"))
}
