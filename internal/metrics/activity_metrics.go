package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Activity lifecycle metrics
	ActivitiesStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostdeck_activities_started_total",
			Help: "Total number of activities started by type",
		},
		[]string{"type"},
	)

	ActivitiesEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostdeck_activities_ended_total",
			Help: "Total number of activities ended by type and outcome",
		},
		[]string{"type", "outcome"}, // success, error
	)

	ActivityStartConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostdeck_activity_start_conflicts_total",
			Help: "Total number of start requests rejected because an activity was running",
		},
	)

	ActivityRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostdeck_activity_running",
			Help: "1 while an activity is running",
		},
	)

	ActivityDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostdeck_activity_duration_seconds",
			Help:    "Duration of activities from start to end",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}, // 1s to 1h
		},
		[]string{"type"},
	)

	ActivityOutputLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostdeck_activity_output_lines_total",
			Help: "Total number of output lines appended to activities",
		},
	)

	ActivityOutputDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostdeck_activity_output_dropped_total",
			Help: "Total number of output batches dropped for a stale activity id",
		},
	)

	ActivityObservers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostdeck_activity_observers",
			Help: "Number of observers attached to the running activity",
		},
	)

	ObserversEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostdeck_activity_observers_evicted_total",
			Help: "Total number of observers disconnected for falling behind",
		},
	)

	// Session and credential relay metrics
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostdeck_sessions_connected",
			Help: "Number of connected browser sessions",
		},
	)

	SudoRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostdeck_sudo_requests_total",
			Help: "Total number of credential relay requests by outcome",
		},
		[]string{"outcome"}, // answered, timeout, declined, session_gone, cancelled
	)
)

// RecordActivityStarted records a granted start
func RecordActivityStarted(activityType string) {
	ActivitiesStartedTotal.WithLabelValues(activityType).Inc()
	ActivityRunning.Set(1)
}

// RecordActivityEnded records the end of an activity
func RecordActivityEnded(activityType string, startedAt time.Time, failed bool) {
	outcome := "success"
	if failed {
		outcome = "error"
	}
	ActivitiesEndedTotal.WithLabelValues(activityType, outcome).Inc()
	ActivityDurationSeconds.WithLabelValues(activityType).Observe(time.Since(startedAt).Seconds())
	ActivityRunning.Set(0)
	ActivityObservers.Set(0)
}

// RecordStartConflict records a start rejected by the singleton gate
func RecordStartConflict() {
	ActivityStartConflictsTotal.Inc()
}

// RecordOutput records appended output lines
func RecordOutput(lines int) {
	ActivityOutputLinesTotal.Add(float64(lines))
}

// RecordOutputDropped records output routed to an activity that is not running
func RecordOutputDropped() {
	ActivityOutputDroppedTotal.Inc()
}

// SetObservers sets the attached observer count
func SetObservers(n int) {
	ActivityObservers.Set(float64(n))
}

// RecordObserverEvicted records a slow observer being cut off
func RecordObserverEvicted() {
	ObserversEvictedTotal.Inc()
}

// SetSessions sets the connected session count
func SetSessions(n int) {
	SessionsConnected.Set(float64(n))
}

// RecordSudoRequest records the outcome of one credential relay round-trip
func RecordSudoRequest(outcome string) {
	SudoRequestsTotal.WithLabelValues(outcome).Inc()
}
