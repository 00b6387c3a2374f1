package fleet

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.FrameProcessed("associated")
	m.FrameProcessed("associated")
	m.ObserveAssociation(1.25, 2*time.Millisecond)
	m.MissingDetections(2)
	m.MissingDetections(0)
	m.CalibrationProgress(12, PhaseAccumulating)
	m.CalibrationStalled()
	m.DegenerateDetections(3)
	m.SetCondition(ConditionEmergencyStop)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Frames.WithLabelValues("associated")))
	assert.Equal(t, 1.25, testutil.ToFloat64(m.AssociationCost))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MissingTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.CalibrationSamples))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CalibrationPhase))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CalibrationStalls))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DegenerateTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Condition))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AssociationDuration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameProcessed("x")
		m.ObserveAssociation(1, time.Second)
		m.MissingDetections(1)
		m.CalibrationProgress(1, PhaseDone)
		m.CalibrationStalled()
		m.DegenerateDetections(1)
		m.SetCondition(ConditionRunning)
	})
}

func TestMetrics_ReRegisterReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.FrameProcessed("baseline")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.Frames.WithLabelValues("baseline")))
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.FrameProcessed("associated")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), `puppeteer_frames_total{outcome="associated"} 1`))
}
