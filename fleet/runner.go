package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner connects the coordinator to its event sources: the periodic tick
// and the inbound MQTT messages. It implements MessageHandlers.
type Runner struct {
	coord    *Coordinator
	sink     EventSink
	tracker  *StateTracker
	interval time.Duration
	log      logrus.FieldLogger
	quiet    *throttle
	now      func() time.Time
}

// NewRunner creates a runner delivering events to sink. tracker may be
// nil; when set it also mirrors start pose updates.
func NewRunner(coord *Coordinator, sink EventSink, tracker *StateTracker, interval time.Duration, log logrus.FieldLogger) *Runner {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		coord:    coord,
		sink:     sink,
		tracker:  tracker,
		interval: interval,
		log:      log.WithField("component", "runner"),
		quiet:    newThrottle(time.Second),
		now:      time.Now,
	}
}

// Run ticks the coordinator until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one periodic coordinator step.
func (r *Runner) Tick() {
	r.deliver(r.coord.Tick())
}

// HandlePayload decodes and processes one detection message.
func (r *Runner) HandlePayload(payload []byte) {
	event, err := DecodePositionUpdate(payload, r.now())
	if err != nil {
		if r.quiet.Allow("decode") {
			r.log.WithError(err).WithField("size", len(payload)).Warn("dropping undecodable detection payload")
		}
		return
	}
	r.HandleEvent(event)
}

// HandleEvent processes one decoded detection frame.
func (r *Runner) HandleEvent(event PositionUpdateEvent) {
	events, err := r.coord.HandleFrame(event)
	if err != nil {
		entry := r.log.WithError(err)
		switch {
		case errors.Is(err, ErrStalledCalibration):
			entry.Warn("calibration stalled: check that every robot is visible")
		case errors.Is(err, ErrDegenerateGeometry):
			if r.quiet.Allow("degenerate") {
				entry.Warn("degenerate detection frame")
			}
		default:
			entry.Error("processing detection frame")
		}
	}
	r.deliver(events)
}

// HandleCondition applies an operating condition message.
func (r *Runner) HandleCondition(payload []byte) {
	cond, err := DecodeConditionPayload(payload)
	if err != nil {
		r.log.WithError(err).Warn("ignoring operating condition")
		return
	}
	r.SetCondition(cond)
}

// SetCondition applies an operating condition.
func (r *Runner) SetCondition(cond OperatingCondition) {
	r.deliver(r.coord.SetOperatingCondition(cond))
}

// HandleStartPose applies a start pose message: a JSON {x, y, z} object.
func (r *Runner) HandleStartPose(slot int, payload []byte) {
	var pose Vec3
	if err := json.Unmarshal(payload, &pose); err != nil {
		r.log.WithError(err).WithField("slot", slot).Warn("ignoring malformed start pose")
		return
	}
	if err := r.SetStartPose(slot, pose); err != nil {
		r.log.WithError(err).WithField("slot", slot).Warn("rejected start pose")
	}
}

// SetStartPose records a start pose for a slot.
func (r *Runner) SetStartPose(slot int, pose Vec3) error {
	events, err := r.coord.SetStartPose(slot, pose)
	if err != nil {
		return err
	}
	if r.tracker != nil {
		r.tracker.SetStartPose(slot, pose)
	}
	r.deliver(events)
	return nil
}

// HandleConnected republishes the current status. Anything published
// before the broker connection came up was dropped.
func (r *Runner) HandleConnected() {
	status := r.coord.Status()
	r.deliver(Events{Status: &status})
}

// ResetCalibration discards the current calibration.
func (r *Runner) ResetCalibration() {
	r.deliver(r.coord.ResetCalibration())
}

// deliver publishes outside the coordinator lock.
func (r *Runner) deliver(events Events) {
	if events.Empty() {
		return
	}
	if err := events.Deliver(r.sink); err != nil && r.quiet.Allow("publish") {
		r.log.WithError(err).Warn("publishing coordinator events")
	}
}
