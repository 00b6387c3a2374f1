package fleet

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the coordinator's Prometheus metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Frames              *prometheus.CounterVec
	AssociationCost     prometheus.Gauge
	AssociationDuration prometheus.Histogram
	MissingTotal        prometheus.Counter
	CalibrationSamples  prometheus.Gauge
	CalibrationPhase    prometheus.Gauge
	CalibrationStalls   prometheus.Counter
	DegenerateTotal     prometheus.Counter
	Condition           prometheus.Gauge
}

// NewMetrics registers the metrics against reg, defaulting to the global
// registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "puppeteer_frames_total",
		Help: "Detection frames handled, labeled by outcome.",
	}, []string{"outcome"}), "puppeteer_frames_total")
	if err != nil {
		return nil, err
	}

	cost, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puppeteer_association_cost",
		Help: "Total displacement of the last chosen assignment, including sentinel padding.",
	}), "puppeteer_association_cost")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "puppeteer_association_duration_seconds",
		Help:    "Time spent searching for the best assignment.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.033, 0.1},
	}), "puppeteer_association_duration_seconds")
	if err != nil {
		return nil, err
	}

	missing, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puppeteer_missing_detections_total",
		Help: "Detections missing from frames, summed over frames.",
	}), "puppeteer_missing_detections_total")
	if err != nil {
		return nil, err
	}

	samples, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puppeteer_calibration_samples",
		Help: "Full-visibility frames accumulated in the current calibration run.",
	}), "puppeteer_calibration_samples")
	if err != nil {
		return nil, err
	}

	phase, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puppeteer_calibration_phase",
		Help: "Calibration phase: 0 idle, 1 accumulating, 2 done.",
	}), "puppeteer_calibration_phase")
	if err != nil {
		return nil, err
	}

	stalls, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puppeteer_calibration_stalls_total",
		Help: "Stalled calibration reports.",
	}), "puppeteer_calibration_stalls_total")
	if err != nil {
		return nil, err
	}

	degenerate, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puppeteer_degenerate_detections_total",
		Help: "Detections dropped or left unadjusted because of degenerate geometry.",
	}), "puppeteer_degenerate_detections_total")
	if err != nil {
		return nil, err
	}

	condition, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puppeteer_operating_condition",
		Help: "Current operating condition code (0 idle .. 4 emergency stop).",
	}), "puppeteer_operating_condition")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:            gatherer,
		Frames:              frames,
		AssociationCost:     cost,
		AssociationDuration: duration,
		MissingTotal:        missing,
		CalibrationSamples:  samples,
		CalibrationPhase:    phase,
		CalibrationStalls:   stalls,
		DegenerateTotal:     degenerate,
		Condition:           condition,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameProcessed(outcome string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAssociation(cost float64, d time.Duration) {
	if m == nil {
		return
	}
	m.AssociationCost.Set(cost)
	m.AssociationDuration.Observe(d.Seconds())
}

func (m *Metrics) MissingDetections(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MissingTotal.Add(float64(n))
}

func (m *Metrics) CalibrationProgress(samples int, phase CalibrationPhase) {
	if m == nil {
		return
	}
	m.CalibrationSamples.Set(float64(samples))
	m.CalibrationPhase.Set(float64(phase))
}

func (m *Metrics) CalibrationStalled() {
	if m == nil {
		return
	}
	m.CalibrationStalls.Inc()
}

func (m *Metrics) DegenerateDetections(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DegenerateTotal.Add(float64(n))
}

func (m *Metrics) SetCondition(c OperatingCondition) {
	if m == nil {
		return
	}
	m.Condition.Set(float64(c))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
