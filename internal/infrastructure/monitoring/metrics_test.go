package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordLaunchUpdatesSnapshot(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordLaunch("app", "success")
	m.RecordLaunch("app", "bad_code_bank")
	m.RecordLaunch("worker", "success")

	snap := m.GetSnapshot()
	assert.Equal(t, int64(3), snap.Launches)
	assert.Equal(t, int64(1), snap.LaunchFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LaunchesTotal.WithLabelValues("app", "bad_code_bank")))
}

func TestRecordHTTPRequestCountsErrors(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordHTTPRequest("GET", "/api/status", "200", 10*time.Millisecond)
	m.RecordHTTPRequest("POST", "/api/apps/:id/launch", "404", 5*time.Millisecond)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalErrors)
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetricsWith(prometheus.NewRegistry())
		NewMetricsWith(prometheus.NewRegistry())
	})
}

func TestProcessGauges(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.SetProcessActive("app", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProcessesActive.WithLabelValues("app")))
	m.SetProcessActive("app", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProcessesActive.WithLabelValues("app")))

	m.RecordSwitch(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SwitchesTotal.WithLabelValues("forced")))
}
