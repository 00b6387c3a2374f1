package fleet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
)

// EventSink receives the coordinator's outputs.
type EventSink interface {
	PublishAssignment(event CanonicalAssignmentEvent) error
	PublishCalibration(offset CalibrationOffset) error
	PublishStatus(status Status) error
}

// Events collects the outputs of one coordinator call. They are produced
// under the coordinator lock and delivered after it is released.
type Events struct {
	Assignment  *CanonicalAssignmentEvent
	Calibration *CalibrationOffset
	Status      *Status
}

// Empty reports whether there is nothing to deliver.
func (e Events) Empty() bool {
	return e.Assignment == nil && e.Calibration == nil && e.Status == nil
}

// Deliver sends every event to sink and joins the errors.
func (e Events) Deliver(sink EventSink) error {
	if sink == nil {
		return nil
	}
	var errs []error
	if e.Status != nil {
		if err := sink.PublishStatus(*e.Status); err != nil {
			errs = append(errs, fmt.Errorf("status: %w", err))
		}
	}
	if e.Calibration != nil {
		if err := sink.PublishCalibration(*e.Calibration); err != nil {
			errs = append(errs, fmt.Errorf("calibration: %w", err))
		}
	}
	if e.Assignment != nil {
		if err := sink.PublishAssignment(*e.Assignment); err != nil {
			errs = append(errs, fmt.Errorf("assignment: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Slots              []RobotSlot
	Starts             []*Vec3 // by slot-1; nil entries may be set later
	Matcher            Matcher
	Arena              *Arena
	CalibrationSamples int
	StallLimit         int
	Sentinel           r3.Vec // padding point; zero means SentinelPoint(DefaultSentinel)
	Metrics            *Metrics
	Logger             logrus.FieldLogger
}

// Coordinator owns the reference order, the calibration state and the
// previous assignment. Every exported method takes one exclusive lock, so
// ticks, detections and condition changes never interleave.
type Coordinator struct {
	mu sync.Mutex

	slots    []RobotSlot
	starts   []*Vec3
	order    ReferenceOrder
	matcher  Matcher
	arena    *Arena
	sentinel r3.Vec
	acc      *CalibrationAccumulator
	metrics  *Metrics
	log      logrus.FieldLogger
	quiet    *throttle
	now      func() time.Time

	condition   OperatingCondition
	calibrated  bool
	calibration CalibrationOffset
	previous    Assignment
	latest      *CanonicalAssignmentEvent
	generation  uint64
}

// NewCoordinator validates the options and creates an idle coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	n := len(opts.Slots)
	if n == 0 {
		return nil, fmt.Errorf("%w: no robots configured", ErrConfig)
	}
	if n > MaxRobots {
		return nil, fmt.Errorf("%w: %d robots configured, at most %d supported", ErrResourceExhausted, n, MaxRobots)
	}
	if opts.Matcher == nil {
		return nil, fmt.Errorf("%w: no matcher configured", ErrConfig)
	}
	if opts.Starts == nil {
		opts.Starts = make([]*Vec3, n)
	}
	if len(opts.Starts) != n {
		return nil, fmt.Errorf("%w: %d start poses for %d robots", ErrConfig, len(opts.Starts), n)
	}
	if opts.Sentinel == (r3.Vec{}) {
		opts.Sentinel = SentinelPoint(DefaultSentinel)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	starts := make([]*Vec3, n)
	for i, s := range opts.Starts {
		if s == nil {
			continue
		}
		if !s.IsFinite() {
			return nil, fmt.Errorf("%w: start pose for robot_%d is not finite", ErrConfig, i+1)
		}
		v := *s
		starts[i] = &v
	}

	c := &Coordinator{
		slots:    append([]RobotSlot(nil), opts.Slots...),
		starts:   starts,
		matcher:  opts.Matcher,
		arena:    opts.Arena,
		sentinel: opts.Sentinel,
		acc:      NewCalibrationAccumulator(opts.Slots, opts.CalibrationSamples, opts.StallLimit, opts.Logger),
		metrics:  opts.Metrics,
		log:      opts.Logger.WithField("component", "coordinator"),
		quiet:    newThrottle(time.Second),
		now:      time.Now,
	}
	c.metrics.SetCondition(c.condition)
	c.metrics.CalibrationProgress(0, PhaseIdle)
	return c, nil
}

// NewCoordinatorFromConfig builds a coordinator from loaded configuration.
func NewCoordinatorFromConfig(cfg *Config, metrics *Metrics, log logrus.FieldLogger) (*Coordinator, error) {
	matcher, _, err := cfg.BuildMatcher()
	if err != nil {
		return nil, err
	}
	arena, err := cfg.BuildArena()
	if err != nil {
		return nil, err
	}
	stall := DefaultStallLimit
	if cfg.Coordinator.StallLimit != nil {
		stall = *cfg.Coordinator.StallLimit
	}
	return NewCoordinator(CoordinatorOptions{
		Slots:              cfg.Slots(),
		Starts:             cfg.Starts(),
		Matcher:            matcher,
		Arena:              arena,
		CalibrationSamples: cfg.Coordinator.CalibrationSamples,
		StallLimit:         stall,
		Sentinel:           cfg.SentinelPoint(),
		Metrics:            metrics,
		Logger:             log,
	})
}

// Slots returns the canonical robot identities.
func (c *Coordinator) Slots() []RobotSlot {
	return append([]RobotSlot(nil), c.slots...)
}

// Tick runs the periodic work: until the reference order exists it retries
// the bootstrap. A missing start pose is not an error here.
func (c *Coordinator) Tick() Events {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.order != nil {
		return Events{}
	}
	if !c.tryBootstrapLocked() {
		return Events{}
	}
	status := c.statusLocked()
	return Events{Status: &status}
}

func (c *Coordinator) tryBootstrapLocked() bool {
	order, err := BootstrapOrder(c.starts)
	if err != nil {
		if c.quiet.Allow("order") {
			c.log.WithError(err).Info("waiting for start poses")
		}
		return false
	}
	c.order = order
	c.log.WithField("order", []int(order)).Info("reference order fixed")
	return true
}

// HandleFrame processes one sensor message. The returned error is
// informational (stalled calibration, degenerate input); the coordinator
// state stays consistent either way.
func (c *Coordinator) HandleFrame(event PositionUpdateEvent) (Events, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.slots)
	frame, report := SanitizeFrame(event.Frame(), n, c.arena)
	if report.Dropped() > 0 {
		c.metrics.DegenerateDetections(report.NonFinite)
		if c.quiet.Allow("sanitize") {
			c.log.WithFields(logrus.Fields{
				"nonFinite":    report.NonFinite,
				"outsideArena": report.OutsideArena,
				"surplus":      report.Surplus,
			}).Warn("dropped detections")
		}
	}
	c.metrics.MissingDetections(n - len(frame.Detections))

	if c.order == nil {
		c.previous = BaselineAssignment(frame, n, c.sentinel)
		c.metrics.FrameProcessed("baseline")
		return Events{}, nil
	}

	if !c.condition.Active() {
		if c.quiet.Allow("inactive") {
			c.log.WithField("condition", c.condition).Debug("frame ignored while not active")
		}
		if len(c.previous.Slots) == 0 {
			c.previous = BaselineAssignment(frame, n, c.sentinel)
		}
		c.metrics.FrameProcessed("ignored")
		return Events{}, nil
	}

	if !c.calibrated {
		return c.calibrateLocked(frame)
	}
	return c.associateLocked(frame)
}

func (c *Coordinator) calibrateLocked(frame DetectionFrame) (Events, error) {
	n := len(c.slots)
	ref := Reference{Order: c.order, Starts: make([]r3.Vec, n)}
	for i, s := range c.starts {
		ref.Starts[i] = s.R3()
	}

	before := c.acc.Phase()
	step, err := c.acc.Accumulate(frame, ref)
	c.metrics.CalibrationProgress(step.Samples, step.Phase)

	var events Events
	switch {
	case step.Sorted != nil:
		c.previous = sortedAssignment(frame.Timestamp, step.Sorted)
		c.metrics.FrameProcessed("calibration")
	case before == PhaseIdle:
		if len(c.previous.Slots) == 0 {
			c.previous = BaselineAssignment(frame, n, c.sentinel)
		}
		c.metrics.FrameProcessed("priming")
	case len(c.previous.Slots) == 0:
		c.previous = BaselineAssignment(frame, n, c.sentinel)
		c.metrics.FrameProcessed("baseline")
	default:
		c.metrics.FrameProcessed("partial")
	}

	if before != step.Phase {
		status := c.statusLocked()
		events.Status = &status
	}
	if step.Completed {
		c.calibrated = true
		c.calibration = CalibrationOffset{
			RunID:      c.acc.RunID(),
			Offset:     FromR3(step.Offset),
			Samples:    step.Samples,
			Frames:     CalibrationFrames(step.Offset),
			Timestamp:  frame.Timestamp,
			Generation: c.generation,
		}
		cal := c.calibration
		events.Calibration = &cal
		status := c.statusLocked()
		events.Status = &status
	}

	if err != nil {
		if errors.Is(err, ErrStalledCalibration) {
			c.metrics.CalibrationStalled()
		}
		return events, err
	}
	return events, nil
}

func (c *Coordinator) associateLocked(frame DetectionFrame) (Events, error) {
	n := len(c.slots)
	if len(c.previous.Slots) != n {
		c.previous = BaselineAssignment(frame, n, c.sentinel)
		c.metrics.FrameProcessed("baseline")
		return Events{}, nil
	}

	start := time.Now()
	match, err := c.matcher.FindBestAssignment(c.previous, frame)
	if err != nil {
		if errors.Is(err, ErrAssociationUnavailable) {
			c.previous = BaselineAssignment(frame, n, c.sentinel)
			c.metrics.FrameProcessed("baseline")
			return Events{}, nil
		}
		c.metrics.FrameProcessed("error")
		return Events{}, fmt.Errorf("associating frame: %w", err)
	}
	c.metrics.ObserveAssociation(match.Cost, time.Since(start))
	c.metrics.FrameProcessed("associated")

	c.previous = match.Assignment
	event := c.canonicalLocked(match.Assignment)
	c.latest = &event
	out := event
	return Events{Assignment: &out}, nil
}

// canonicalLocked converts an assignment to the published form: missing
// slots carry no position and present slots are corrected to the robot
// centre.
func (c *Coordinator) canonicalLocked(a Assignment) CanonicalAssignmentEvent {
	event := CanonicalAssignmentEvent{
		Timestamp:  a.Timestamp,
		Slots:      make([]SlotPosition, len(a.Slots)),
		Generation: c.generation,
	}
	for j, s := range a.Slots {
		sp := SlotPosition{Slot: c.slots[j].Slot, ID: c.slots[j].ID, Missing: s.Missing}
		if !s.Missing {
			centre, err := AdjustForRadius(s.Position, c.slots[j].Radius)
			if err != nil {
				c.metrics.DegenerateDetections(1)
				if c.quiet.Allow("radius") {
					c.log.WithField("slot", j+1).Warnf("using unadjusted position: %v", err)
				}
			}
			p := FromR3(centre)
			sp.Position = &p
		}
		event.Slots[j] = sp
	}
	return event
}

func sortedAssignment(ts time.Time, sorted []r3.Vec) Assignment {
	a := Assignment{Timestamp: ts, Slots: make([]SlotState, len(sorted))}
	for j, p := range sorted {
		a.Slots[j] = SlotState{Position: p}
	}
	return a
}

// SetOperatingCondition applies an external condition change. Entering
// idle, stopped or emergency stop discards the calibration.
func (c *Coordinator) SetOperatingCondition(cond OperatingCondition) Events {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cond == c.condition {
		return Events{}
	}
	c.log.WithFields(logrus.Fields{"from": c.condition, "to": cond}).Info("operating condition changed")
	c.condition = cond
	c.metrics.SetCondition(cond)

	if cond.Halted() {
		c.resetCalibrationLocked()
	}
	if cond == ConditionEmergencyStop {
		c.log.Warn("emergency stop")
	}
	status := c.statusLocked()
	return Events{Status: &status}
}

// ResetCalibration discards the calibration and clears the accumulator.
func (c *Coordinator) ResetCalibration() Events {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetCalibrationLocked()
	status := c.statusLocked()
	return Events{Status: &status}
}

func (c *Coordinator) resetCalibrationLocked() {
	c.generation++
	c.calibrated = false
	c.calibration = CalibrationOffset{}
	c.latest = nil
	c.acc.Reset()
	c.metrics.CalibrationProgress(0, PhaseIdle)
}

// SetStartPose records the configured start pose of a slot (1-based). Once
// the reference order is fixed, new poses only affect the next
// calibration run.
func (c *Coordinator) SetStartPose(slot int, pose Vec3) (Events, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot < 1 || slot > len(c.slots) {
		return Events{}, fmt.Errorf("slot %d out of range 1..%d", slot, len(c.slots))
	}
	if !pose.IsFinite() {
		return Events{}, fmt.Errorf("%w: start pose for robot_%d is not finite", ErrDegenerateGeometry, slot)
	}
	p := pose
	c.starts[slot-1] = &p
	c.log.WithFields(logrus.Fields{"slot": slot, "x": p.X, "y": p.Y, "z": p.Z}).Info("start pose updated")

	if c.order != nil {
		return Events{}, nil
	}
	if !c.tryBootstrapLocked() {
		return Events{}, nil
	}
	status := c.statusLocked()
	return Events{Status: &status}, nil
}

// Status returns a snapshot of the state machines.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	s := Status{
		Condition:  c.condition,
		Phase:      c.acc.Phase(),
		Calibrated: c.calibrated,
		OrderReady: c.order != nil,
		Samples:    c.acc.Samples(),
		Timestamp:  c.now(),
		Generation: c.generation,
	}
	if c.order != nil {
		s.ReferenceOrder = append([]int(nil), c.order...)
	}
	return s
}

// Latest returns the most recent published assignment.
func (c *Coordinator) Latest() (CanonicalAssignmentEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return CanonicalAssignmentEvent{}, false
	}
	return *c.latest, true
}

// Calibration returns the offset once calibration is done.
func (c *Coordinator) Calibration() (CalibrationOffset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calibration, c.calibrated
}

// StartPoses returns a copy of the known start poses by slot.
func (c *Coordinator) StartPoses() []*Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Vec3, len(c.starts))
	for i, s := range c.starts {
		if s != nil {
			v := *s
			out[i] = &v
		}
	}
	return out
}
