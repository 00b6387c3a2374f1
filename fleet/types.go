package fleet

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec3 is the wire representation of a 3D point in sensor or reference space.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// R3 converts the wire point to a gonum vector.
func (v Vec3) R3() r3.Vec {
	return r3.Vec{X: v.X, Y: v.Y, Z: v.Z}
}

// IsFinite reports whether every component is a real number.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// FromR3 converts a gonum vector to the wire representation.
func FromR3(p r3.Vec) Vec3 {
	return Vec3{X: p.X, Y: p.Y, Z: p.Z}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// PositionUpdateEvent is one sensor message: an unordered list of raw
// detections with no identity.
type PositionUpdateEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Points    []Vec3    `json:"points"`
}

// DetectionFrame is a sanitised PositionUpdateEvent ready for the
// coordinator. It holds at most N detections.
type DetectionFrame struct {
	Timestamp  time.Time
	Detections []r3.Vec
}

// Frame converts an event to a DetectionFrame without sanitising it.
func (e PositionUpdateEvent) Frame() DetectionFrame {
	f := DetectionFrame{
		Timestamp:  e.Timestamp,
		Detections: make([]r3.Vec, len(e.Points)),
	}
	for i, p := range e.Points {
		f.Detections[i] = p.R3()
	}
	return f
}

// RobotSlot is a canonical robot identity. Slot numbers run 1..N and never
// change for the life of the process.
type RobotSlot struct {
	Slot   int
	ID     string
	Radius float64
	Color  string
}

// SlotState is one entry of an Assignment. Position holds the raw sensor
// detection for the slot, or the last real position when Missing is set
// (the sentinel if the slot has never been seen).
type SlotState struct {
	Position r3.Vec
	Missing  bool
}

// Assignment is the sorted assignment: index j holds slot j+1. It always
// has exactly N entries.
type Assignment struct {
	Timestamp time.Time
	Slots     []SlotState
}

// MissingCount returns how many slots are flagged missing.
func (a Assignment) MissingCount() int {
	n := 0
	for _, s := range a.Slots {
		if s.Missing {
			n++
		}
	}
	return n
}

// SlotPosition is one slot of a CanonicalAssignmentEvent. Position is nil
// when the slot is missing so consumers never see a sentinel.
type SlotPosition struct {
	Slot     int    `json:"slot"`
	ID       string `json:"id"`
	Position *Vec3  `json:"position,omitempty"`
	Missing  bool   `json:"missing"`
}

// CanonicalAssignmentEvent is the externally consumable assignment.
type CanonicalAssignmentEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Slots      []SlotPosition `json:"slots"`
	Generation uint64         `json:"generation"`
}

// FrameTransform is a rigid frame derived from the calibration offset.
// Rotation is a quaternion in (x, y, z, w) order.
type FrameTransform struct {
	Parent      string     `json:"parent"`
	Child       string     `json:"child"`
	Translation Vec3       `json:"translation"`
	Rotation    [4]float64 `json:"rotation"`
}

// CalibrationOffset is the single rigid translation from sensor space into
// the configured reference space: reference = sensor + Offset.
type CalibrationOffset struct {
	RunID      string           `json:"runId"`
	Offset     Vec3             `json:"offset"`
	Samples    int              `json:"samples"`
	Frames     []FrameTransform `json:"frames"`
	Timestamp  time.Time        `json:"timestamp"`
	Generation uint64           `json:"generation"`
}

// Status summarises the coordinator state machines. Generation counts
// calibration resets; sinks drop events from a generation older than the
// newest they have seen, so output built before a stop cannot land after it.
type Status struct {
	Condition      OperatingCondition `json:"condition"`
	Phase          CalibrationPhase   `json:"phase"`
	Calibrated     bool               `json:"calibrated"`
	OrderReady     bool               `json:"orderReady"`
	ReferenceOrder []int              `json:"referenceOrder,omitempty"`
	Samples        int                `json:"samples"`
	Timestamp      time.Time          `json:"timestamp"`
	Generation     uint64             `json:"generation"`
}
