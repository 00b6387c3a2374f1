package fleet

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func previousAt(points ...r3.Vec) Assignment {
	a := Assignment{Timestamp: time.Unix(1, 0), Slots: make([]SlotState, len(points))}
	for i, p := range points {
		a.Slots[i] = SlotState{Position: p}
	}
	return a
}

func frameOf(points ...r3.Vec) DetectionFrame {
	return DetectionFrame{Timestamp: time.Unix(2, 0), Detections: points}
}

func matchers(t *testing.T, n int) map[string]Matcher {
	t.Helper()
	table, err := GeneratePermutations(n)
	require.NoError(t, err)
	return map[string]Matcher{
		MatcherExhaustive: NewExhaustiveMatcher(table, DefaultSentinel),
		MatcherHungarian:  NewHungarianMatcher(n, DefaultSentinel),
	}
}

// ---------------------------------------------------------------------------
// Swap recovery
// ---------------------------------------------------------------------------

func TestFindBestAssignment_SwapRecovery(t *testing.T) {
	previous := previousAt(r3.Vec{X: 0}, r3.Vec{X: 10})
	frame := frameOf(r3.Vec{X: 9}, r3.Vec{X: 1})

	for name, m := range matchers(t, 2) {
		t.Run(name, func(t *testing.T) {
			match, err := m.FindBestAssignment(previous, frame)
			require.NoError(t, err)

			want := Assignment{
				Timestamp: frame.Timestamp,
				Slots: []SlotState{
					{Position: r3.Vec{X: 1}},
					{Position: r3.Vec{X: 9}},
				},
			}
			if diff := cmp.Diff(want, match.Assignment); diff != "" {
				t.Errorf("assignment mismatch (-want +got):\n%s", diff)
			}
			assert.InDelta(t, 2.0, match.Cost, 1e-12)
		})
	}
}

// ---------------------------------------------------------------------------
// Missing detections
// ---------------------------------------------------------------------------

func TestFindBestAssignment_MissingDetection(t *testing.T) {
	previous := previousAt(r3.Vec{X: 0}, r3.Vec{X: 5}, r3.Vec{X: 10})
	frame := frameOf(r3.Vec{X: 10.2}, r3.Vec{X: 0.1})

	for name, m := range matchers(t, 3) {
		t.Run(name, func(t *testing.T) {
			match, err := m.FindBestAssignment(previous, frame)
			require.NoError(t, err)

			a := match.Assignment
			require.Len(t, a.Slots, 3)
			assert.Equal(t, 1, a.MissingCount())

			assert.Equal(t, SlotState{Position: r3.Vec{X: 0.1}}, a.Slots[0])
			assert.Equal(t, SlotState{Position: r3.Vec{X: 5}, Missing: true}, a.Slots[1],
				"missing slot keeps its previous position")
			assert.Equal(t, SlotState{Position: r3.Vec{X: 10.2}}, a.Slots[2])

			for _, s := range a.Slots {
				assert.NotEqual(t, SentinelPoint(DefaultSentinel), s.Position)
			}
		})
	}
}

func TestFindBestAssignment_EmptyFrame(t *testing.T) {
	previous := previousAt(r3.Vec{X: 1}, r3.Vec{X: 2})
	for name, m := range matchers(t, 2) {
		t.Run(name, func(t *testing.T) {
			match, err := m.FindBestAssignment(previous, frameOf())
			require.NoError(t, err)
			assert.Equal(t, 2, match.Assignment.MissingCount())
			assert.Equal(t, r3.Vec{X: 1}, match.Assignment.Slots[0].Position)
			assert.Equal(t, r3.Vec{X: 2}, match.Assignment.Slots[1].Position)
		})
	}
}

// ---------------------------------------------------------------------------
// Determinism and agreement
// ---------------------------------------------------------------------------

func TestFindBestAssignment_Deterministic(t *testing.T) {
	previous := previousAt(r3.Vec{X: 0, Y: 1}, r3.Vec{X: 1, Y: 0}, r3.Vec{X: -1, Y: -1}, r3.Vec{X: 2, Y: 2})
	frame := frameOf(r3.Vec{X: 1.1}, r3.Vec{X: 2, Y: 1.9}, r3.Vec{Y: 1.1})

	for name, m := range matchers(t, 4) {
		t.Run(name, func(t *testing.T) {
			first, err := m.FindBestAssignment(previous, frame)
			require.NoError(t, err)
			for i := 0; i < 5; i++ {
				again, err := m.FindBestAssignment(previous, frame)
				require.NoError(t, err)
				if diff := cmp.Diff(first, again); diff != "" {
					t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
				}
			}
		})
	}
}

func TestHungarianMatchesExhaustiveCost(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	point := func() r3.Vec {
		return r3.Vec{X: rng.Float64()*8 - 4, Y: rng.Float64()*8 - 4, Z: rng.Float64()}
	}

	for n := 1; n <= 6; n++ {
		ms := matchers(t, n)
		for trial := 0; trial < 20; trial++ {
			prev := make([]r3.Vec, n)
			for i := range prev {
				prev[i] = point()
			}
			seen := rng.Intn(n + 1)
			dets := make([]r3.Vec, seen)
			for i := range dets {
				dets[i] = point()
			}

			t.Run(fmt.Sprintf("n=%d/trial=%d", n, trial), func(t *testing.T) {
				ex, err := ms[MatcherExhaustive].FindBestAssignment(previousAt(prev...), frameOf(dets...))
				require.NoError(t, err)
				hu, err := ms[MatcherHungarian].FindBestAssignment(previousAt(prev...), frameOf(dets...))
				require.NoError(t, err)
				assert.InDelta(t, ex.Cost, hu.Cost, 1e-6)
				assert.Equal(t, n-seen, hu.Assignment.MissingCount())
			})
		}
	}
}

// ---------------------------------------------------------------------------
// Input errors
// ---------------------------------------------------------------------------

func TestFindBestAssignment_NoBaseline(t *testing.T) {
	for name, m := range matchers(t, 2) {
		t.Run(name, func(t *testing.T) {
			_, err := m.FindBestAssignment(Assignment{}, frameOf(r3.Vec{X: 1}))
			if !errors.Is(err, ErrAssociationUnavailable) {
				t.Errorf("error = %v, want ErrAssociationUnavailable", err)
			}

			_, err = m.FindBestAssignment(previousAt(r3.Vec{}), frameOf())
			assert.ErrorIs(t, err, ErrAssociationUnavailable, "slot count mismatch")
		})
	}
}

func TestFindBestAssignment_TooManyDetections(t *testing.T) {
	for name, m := range matchers(t, 1) {
		t.Run(name, func(t *testing.T) {
			_, err := m.FindBestAssignment(previousAt(r3.Vec{}), frameOf(r3.Vec{X: 1}, r3.Vec{X: 2}))
			assert.Error(t, err)
		})
	}
}

// ---------------------------------------------------------------------------
// BaselineAssignment
// ---------------------------------------------------------------------------

func TestBaselineAssignment(t *testing.T) {
	sentinel := SentinelPoint(DefaultSentinel)
	a := BaselineAssignment(frameOf(r3.Vec{X: 3}, r3.Vec{X: 4}), 3, sentinel)

	assert.Equal(t, time.Unix(2, 0), a.Timestamp)
	assert.Equal(t, []SlotState{
		{Position: r3.Vec{X: 3}},
		{Position: r3.Vec{X: 4}},
		{Position: sentinel, Missing: true},
	}, a.Slots)
}
