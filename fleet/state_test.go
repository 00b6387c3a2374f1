package fleet

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackerSlots() []RobotSlot {
	return []RobotSlot{{Slot: 1, ID: "red"}, {Slot: 2, ID: "blue"}}
}

func assignmentEvent(ts int64, first, second *Vec3) CanonicalAssignmentEvent {
	return CanonicalAssignmentEvent{
		Timestamp: time.Unix(ts, 0),
		Slots: []SlotPosition{
			{Slot: 1, ID: "red", Position: first, Missing: first == nil},
			{Slot: 2, ID: "blue", Position: second, Missing: second == nil},
		},
	}
}

// ---------------------------------------------------------------------------
// NewStateTracker
// ---------------------------------------------------------------------------

func TestNewStateTracker(t *testing.T) {
	starts := []*Vec3{{X: 1}, nil}
	st := NewStateTracker(trackerSlots(), starts, nil)

	_, ok := st.Assignment()
	assert.False(t, ok)
	_, ok = st.Calibration()
	assert.False(t, ok)

	snap := st.Snapshot()
	require.Len(t, snap.Starts, 2)
	assert.Equal(t, 1.0, snap.Starts[0].X)
	assert.Nil(t, snap.Starts[1])

	// The tracker owns its copy.
	starts[0].X = 42
	assert.Equal(t, 1.0, st.Snapshot().Starts[0].X)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestStateTracker_AssignmentUpdatesLastSeen(t *testing.T) {
	st := NewStateTracker(trackerSlots(), nil, nil)

	require.NoError(t, st.PublishAssignment(assignmentEvent(1, &Vec3{X: 1}, &Vec3{X: 2})))
	require.NoError(t, st.PublishAssignment(assignmentEvent(2, nil, &Vec3{X: 3})))

	got, ok := st.Assignment()
	require.True(t, ok)
	assert.Equal(t, time.Unix(2, 0), got.Timestamp)
	assert.True(t, got.Slots[0].Missing)

	snap := st.Snapshot()
	require.NotNil(t, snap.LastSeen[0])
	assert.Equal(t, 1.0, snap.LastSeen[0].X, "missing slot keeps its last real position")
	assert.Equal(t, 3.0, snap.LastSeen[1].X)
}

func TestStateTracker_LosingCalibrationClearsState(t *testing.T) {
	st := NewStateTracker(trackerSlots(), nil, nil)

	require.NoError(t, st.PublishStatus(Status{Calibrated: true, Phase: PhaseDone}))
	require.NoError(t, st.PublishCalibration(CalibrationOffset{RunID: "run-1", Offset: Vec3{X: 0.5}}))
	require.NoError(t, st.PublishAssignment(assignmentEvent(1, &Vec3{X: 1}, &Vec3{X: 2})))

	cal, ok := st.Calibration()
	require.True(t, ok)
	assert.Equal(t, "run-1", cal.RunID)

	require.NoError(t, st.PublishStatus(Status{Condition: ConditionStopped}))
	_, ok = st.Calibration()
	assert.False(t, ok)
	_, ok = st.Assignment()
	assert.False(t, ok)
	assert.Equal(t, ConditionStopped, st.Status().Condition)

	// Last known positions survive for the live view.
	assert.NotNil(t, st.Snapshot().LastSeen[0])
}

func TestStateTracker_DropsStaleGenerations(t *testing.T) {
	st := NewStateTracker(trackerSlots(), nil, nil)

	require.NoError(t, st.PublishStatus(Status{Calibrated: true, Phase: PhaseDone}))
	require.NoError(t, st.PublishStatus(Status{Condition: ConditionEmergencyStop, Generation: 1}))

	tests := []struct {
		name    string
		publish func() error
	}{
		{"assignment", func() error { return st.PublishAssignment(assignmentEvent(1, &Vec3{X: 1}, &Vec3{X: 2})) }},
		{"calibration", func() error { return st.PublishCalibration(CalibrationOffset{RunID: "old"}) }},
		{"status", func() error { return st.PublishStatus(Status{Calibrated: true, Phase: PhaseDone}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.publish())
			_, ok := st.Assignment()
			assert.False(t, ok)
			_, ok = st.Calibration()
			assert.False(t, ok)
			assert.Equal(t, ConditionEmergencyStop, st.Status().Condition)
		})
	}

	// The current generation is accepted again.
	event := assignmentEvent(2, &Vec3{X: 1}, &Vec3{X: 2})
	event.Generation = 1
	require.NoError(t, st.PublishAssignment(event))
	_, ok := st.Assignment()
	assert.True(t, ok)
}

func TestStateTracker_SetStartPose(t *testing.T) {
	st := NewStateTracker(trackerSlots(), nil, nil)
	st.SetStartPose(2, Vec3{X: -1, Y: 2})
	st.SetStartPose(5, Vec3{X: 9})

	snap := st.Snapshot()
	assert.Nil(t, snap.Starts[0])
	assert.Equal(t, Vec3{X: -1, Y: 2}, *snap.Starts[1])
}

func TestStateTracker_SnapshotIsCopy(t *testing.T) {
	st := NewStateTracker(trackerSlots(), nil, nil)
	require.NoError(t, st.PublishAssignment(assignmentEvent(1, &Vec3{X: 1}, &Vec3{X: 2})))

	snap := st.Snapshot()
	snap.Assignment.Slots[0].ID = "changed"
	snap.LastSeen[0].X = 100

	again := st.Snapshot()
	assert.Equal(t, "red", again.Assignment.Slots[0].ID)
	assert.Equal(t, 1.0, again.LastSeen[0].X)
}

func TestStateTracker_Concurrent(t *testing.T) {
	st := NewStateTracker(trackerSlots(), nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = st.PublishAssignment(assignmentEvent(int64(j), &Vec3{X: float64(i)}, nil))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = st.Snapshot()
			}
		}()
	}
	wg.Wait()
	_, ok := st.Assignment()
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// MultiSink
// ---------------------------------------------------------------------------

func TestMultiSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{fail: errors.New("offline")}
	c := &recordingSink{}
	sink := MultiSink{a, b, c}

	err := sink.PublishStatus(Status{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Equal(t, []string{"status"}, a.order)
	assert.Equal(t, []string{"status"}, c.order, "later sinks still receive the event")

	require.Error(t, sink.PublishCalibration(CalibrationOffset{}))
	require.Error(t, sink.PublishAssignment(CanonicalAssignmentEvent{}))
	assert.NoError(t, MultiSink{a, c}.PublishStatus(Status{}))
}
