package fleet

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DefaultCalibrationSamples is the number of full-visibility frames
	// averaged into one offset.
	DefaultCalibrationSamples = 30
	// DefaultStallLimit is the number of consecutive partial frames after
	// which calibration is reported as stalled (about 5s at 30Hz).
	DefaultStallLimit = 150
)

// Reference is what calibration measures against: the reference order and
// the configured start position of every slot (index slot-1).
type Reference struct {
	Order  ReferenceOrder
	Starts []r3.Vec
}

// CalibrationStep reports the outcome of one Accumulate call.
type CalibrationStep struct {
	Phase   CalibrationPhase
	Samples int
	// Accepted is set when the frame was added to the running sums.
	Accepted bool
	// Completed is set only on the call that moved the phase to Done.
	Completed bool
	// Sorted holds the accepted frame arranged by slot.
	Sorted []r3.Vec
	Offset r3.Vec
}

// CalibrationAccumulator averages full-visibility frames against the
// configured start poses to estimate one rigid sensor-to-reference
// translation. It is not safe for concurrent use; the Coordinator owns it.
type CalibrationAccumulator struct {
	slots      []RobotSlot
	budget     int
	stallLimit int
	log        logrus.FieldLogger

	phase    CalibrationPhase
	runID    string
	starts   []r3.Vec
	sums     []r3.Vec
	samples  int
	rejected int
	offset   r3.Vec
}

// NewCalibrationAccumulator creates an idle accumulator. A stallLimit of 0
// disables stall reporting.
func NewCalibrationAccumulator(slots []RobotSlot, budget, stallLimit int, log logrus.FieldLogger) *CalibrationAccumulator {
	if budget <= 0 {
		budget = DefaultCalibrationSamples
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CalibrationAccumulator{
		slots:      slots,
		budget:     budget,
		stallLimit: stallLimit,
		log:        log.WithField("component", "calibration"),
	}
}

// Phase returns the current phase.
func (c *CalibrationAccumulator) Phase() CalibrationPhase { return c.phase }

// Samples returns the number of frames summed so far.
func (c *CalibrationAccumulator) Samples() int { return c.samples }

// Budget returns the number of samples needed to finish.
func (c *CalibrationAccumulator) Budget() int { return c.budget }

// RunID identifies the current calibration run. Empty while idle.
func (c *CalibrationAccumulator) RunID() string { return c.runID }

// Offset returns the computed offset; ok is false until Done.
func (c *CalibrationAccumulator) Offset() (r3.Vec, bool) {
	return c.offset, c.phase == PhaseDone
}

// Accumulate feeds one frame into the state machine. The first frame while
// idle snapshots the reference and starts a run without being summed. Once
// accumulating, only frames with exactly N detections are summed. The
// returned error wraps ErrStalledCalibration every stallLimit consecutive
// partial frames; the step is still valid.
func (c *CalibrationAccumulator) Accumulate(frame DetectionFrame, ref Reference) (CalibrationStep, error) {
	n := len(c.slots)

	switch c.phase {
	case PhaseDone:
		return c.step(), nil

	case PhaseIdle:
		if len(ref.Order) != n || len(ref.Starts) != n {
			return c.step(), fmt.Errorf("%w: reference covers %d/%d slots", ErrNotReady, len(ref.Starts), n)
		}
		c.starts = append([]r3.Vec(nil), ref.Starts...)
		c.sums = make([]r3.Vec, n)
		c.samples = 0
		c.rejected = 0
		c.offset = r3.Vec{}
		c.runID = uuid.NewString()
		c.phase = PhaseAccumulating
		c.log.WithFields(logrus.Fields{"run": c.runID, "budget": c.budget}).Info("calibration started")
		return c.step(), nil
	}

	if len(frame.Detections) != n {
		c.rejected++
		c.log.WithFields(logrus.Fields{
			"detections": len(frame.Detections),
			"expected":   n,
			"rejected":   c.rejected,
		}).Debug("partial frame ignored")
		if c.stallLimit > 0 && c.rejected%c.stallLimit == 0 {
			return c.step(), fmt.Errorf("%w: %d consecutive frames without all %d robots visible (%d/%d samples)",
				ErrStalledCalibration, c.rejected, n, c.samples, c.budget)
		}
		return c.step(), nil
	}

	sorted, err := SortByReferenceOrder(frame.Detections, ref.Order)
	if err != nil {
		return c.step(), err
	}
	for j, p := range sorted {
		adjusted, err := AdjustForRadius(p, c.slots[j].Radius)
		if err != nil {
			c.log.WithField("slot", j+1).Warnf("using unadjusted point: %v", err)
		}
		c.sums[j] = r3.Add(c.sums[j], adjusted)
	}
	c.samples++
	c.rejected = 0

	step := c.step()
	step.Accepted = true
	step.Sorted = sorted

	if c.samples >= c.budget {
		c.finish()
		step = c.step()
		step.Accepted = true
		step.Completed = true
		step.Sorted = sorted
	}
	return step, nil
}

// finish averages the per-slot offsets into one shared translation.
func (c *CalibrationAccumulator) finish() {
	n := len(c.slots)
	var total r3.Vec
	for j := 0; j < n; j++ {
		mean := r3.Scale(1/float64(c.samples), c.sums[j])
		total = r3.Add(total, r3.Sub(c.starts[j], mean))
	}
	c.offset = r3.Scale(1/float64(n), total)
	c.phase = PhaseDone
	c.log.WithFields(logrus.Fields{
		"run":     c.runID,
		"samples": c.samples,
		"x":       c.offset.X,
		"y":       c.offset.Y,
		"z":       c.offset.Z,
	}).Info("calibration complete")
}

// Reset returns to Idle and clears every accumulated sum.
func (c *CalibrationAccumulator) Reset() {
	if c.phase != PhaseIdle {
		c.log.WithFields(logrus.Fields{"run": c.runID, "phase": c.phase}).Info("calibration reset")
	}
	c.phase = PhaseIdle
	c.runID = ""
	c.starts = nil
	c.sums = nil
	c.samples = 0
	c.rejected = 0
	c.offset = r3.Vec{}
}

func (c *CalibrationAccumulator) step() CalibrationStep {
	return CalibrationStep{Phase: c.phase, Samples: c.samples, Offset: c.offset}
}
