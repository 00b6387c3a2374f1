package fleet

import (
	"errors"
	"sync"
)

// Snapshot is a consistent copy of the tracked state for rendering.
type Snapshot struct {
	Slots       []RobotSlot
	Starts      []*Vec3 // by slot-1, nil when unknown
	LastSeen    []*Vec3 // last real position by slot-1, nil when never seen
	Assignment  *CanonicalAssignmentEvent
	Calibration *CalibrationOffset
	Status      Status
	Arena       *Arena
}

// StateTracker is the read model behind the HTTP endpoints. It receives
// the same events as the MQTT publisher and is never touched under the
// coordinator lock.
type StateTracker struct {
	mu          sync.RWMutex
	slots       []RobotSlot
	arena       *Arena
	starts      []*Vec3
	lastSeen    []*Vec3
	assignment  *CanonicalAssignmentEvent
	calibration *CalibrationOffset
	status      Status
	generation  uint64
}

// NewStateTracker creates a tracker for the given slots.
func NewStateTracker(slots []RobotSlot, starts []*Vec3, arena *Arena) *StateTracker {
	st := &StateTracker{
		slots:    append([]RobotSlot(nil), slots...),
		arena:    arena,
		starts:   make([]*Vec3, len(slots)),
		lastSeen: make([]*Vec3, len(slots)),
	}
	for i := range st.starts {
		if i < len(starts) && starts[i] != nil {
			v := *starts[i]
			st.starts[i] = &v
		}
	}
	return st
}

// PublishAssignment records the latest assignment. Assignments built
// before the last calibration reset are dropped.
func (st *StateTracker) PublishAssignment(event CanonicalAssignmentEvent) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.currentLocked(event.Generation) {
		return nil
	}

	e := event
	e.Slots = append([]SlotPosition(nil), event.Slots...)
	st.assignment = &e
	for _, s := range event.Slots {
		if s.Position != nil && s.Slot >= 1 && s.Slot <= len(st.lastSeen) {
			p := *s.Position
			st.lastSeen[s.Slot-1] = &p
		}
	}
	return nil
}

// PublishCalibration records the calibration offset.
func (st *StateTracker) PublishCalibration(offset CalibrationOffset) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.currentLocked(offset.Generation) {
		return nil
	}
	o := offset
	o.Frames = append([]FrameTransform(nil), offset.Frames...)
	st.calibration = &o
	return nil
}

// PublishStatus records the status. Losing calibration clears the offset
// and the assignment derived from it.
func (st *StateTracker) PublishStatus(status Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.currentLocked(status.Generation) {
		return nil
	}
	st.status = status
	if !status.Calibrated {
		st.calibration = nil
		st.assignment = nil
	}
	return nil
}

// currentLocked advances the tracked generation and reports whether an
// event of generation g is still current.
func (st *StateTracker) currentLocked(g uint64) bool {
	if g < st.generation {
		return false
	}
	st.generation = g
	return true
}

// SetStartPose mirrors a start pose update.
func (st *StateTracker) SetStartPose(slot int, pose Vec3) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if slot >= 1 && slot <= len(st.starts) {
		p := pose
		st.starts[slot-1] = &p
	}
}

// Status returns the last recorded status.
func (st *StateTracker) Status() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.status
}

// Assignment returns the latest assignment, if any.
func (st *StateTracker) Assignment() (CanonicalAssignmentEvent, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.assignment == nil {
		return CanonicalAssignmentEvent{}, false
	}
	return *st.assignment, true
}

// Calibration returns the offset, if calibrated.
func (st *StateTracker) Calibration() (CalibrationOffset, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.calibration == nil {
		return CalibrationOffset{}, false
	}
	return *st.calibration, true
}

// Snapshot returns a deep copy of everything the renderers need.
func (st *StateTracker) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snap := Snapshot{
		Slots:    append([]RobotSlot(nil), st.slots...),
		Starts:   copyPoses(st.starts),
		LastSeen: copyPoses(st.lastSeen),
		Status:   st.status,
		Arena:    st.arena,
	}
	if st.assignment != nil {
		a := *st.assignment
		a.Slots = append([]SlotPosition(nil), st.assignment.Slots...)
		snap.Assignment = &a
	}
	if st.calibration != nil {
		c := *st.calibration
		snap.Calibration = &c
	}
	return snap
}

func copyPoses(in []*Vec3) []*Vec3 {
	out := make([]*Vec3, len(in))
	for i, p := range in {
		if p != nil {
			v := *p
			out[i] = &v
		}
	}
	return out
}

// MultiSink fans events out to several sinks, attempting all of them.
type MultiSink []EventSink

func (m MultiSink) PublishAssignment(event CanonicalAssignmentEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishAssignment(event))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishCalibration(offset CalibrationOffset) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishCalibration(offset))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishStatus(status Status) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishStatus(status))
	}
	return errors.Join(errs...)
}
