package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordActivityLifecycle(t *testing.T) {
	startedBefore := testutil.ToFloat64(ActivitiesStartedTotal.WithLabelValues("backup"))
	failedBefore := testutil.ToFloat64(ActivitiesEndedTotal.WithLabelValues("backup", "error"))

	RecordActivityStarted("backup")
	assert.Equal(t, startedBefore+1, testutil.ToFloat64(ActivitiesStartedTotal.WithLabelValues("backup")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ActivityRunning))

	SetObservers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ActivityObservers))

	RecordActivityEnded("backup", time.Now().Add(-2*time.Second), true)
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(ActivitiesEndedTotal.WithLabelValues("backup", "error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ActivityRunning))
	assert.Equal(t, float64(0), testutil.ToFloat64(ActivityObservers))
}

func TestRecordCounters(t *testing.T) {
	conflicts := testutil.ToFloat64(ActivityStartConflictsTotal)
	lines := testutil.ToFloat64(ActivityOutputLinesTotal)
	timeouts := testutil.ToFloat64(SudoRequestsTotal.WithLabelValues("timeout"))

	RecordStartConflict()
	RecordOutput(4)
	RecordSudoRequest("timeout")
	SetSessions(2)

	assert.Equal(t, conflicts+1, testutil.ToFloat64(ActivityStartConflictsTotal))
	assert.Equal(t, lines+4, testutil.ToFloat64(ActivityOutputLinesTotal))
	assert.Equal(t, timeouts+1, testutil.ToFloat64(SudoRequestsTotal.WithLabelValues("timeout")))
	assert.Equal(t, float64(2), testutil.ToFloat64(SessionsConnected))
}
