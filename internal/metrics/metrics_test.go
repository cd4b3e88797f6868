package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/ui-scenarios/internal/scenario"
)

func TestObserveRun(t *testing.T) {
	r := New()
	r.ObserveRun(scenario.Result{Scenario: "a", Outcome: scenario.OutcomePassed, Duration: 2 * time.Second, StartedAt: time.Unix(1700000000, 0)})
	r.ObserveRun(scenario.Result{
		Scenario: "a",
		Outcome:  scenario.OutcomeFailed,
		Duration: time.Second,
		Ignored: []scenario.IgnoredError{
			{Step: 2, Kind: "frame", Err: "timeout"},
			{Step: 3, Kind: "wait-for-state", Err: "timeout"},
			{Step: 5, Kind: "frame", Err: "timeout"},
		},
		TeardownErr: errors.New("close session: gone"),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("a", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("a", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ignored.WithLabelValues("a", "frame")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ignored.WithLabelValues("a", "wait-for-state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.teardown))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastRunTS.WithLabelValues("a")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveRun(scenario.Result{Scenario: "CrossDeviceRendering/desktop", Outcome: scenario.OutcomePassed, Duration: time.Second})

	path := filepath.Join(t.TempDir(), "ui_scenarios.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `ui_scenario_runs_total{outcome="passed",scenario="CrossDeviceRendering/desktop"} 1`)
	assert.Contains(t, text, "# TYPE ui_scenario_duration_seconds histogram")
	assert.Contains(t, text, "ui_scenario_teardown_errors_total 0")
}

func TestWriteTextfile_BadDirectory(t *testing.T) {
	r := New()
	err := r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "out.prom"))
	assert.Error(t, err)
}
