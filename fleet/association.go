package fleet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultSentinel is the coordinate used on every axis for padding
// detections. It lies far outside any plausible sensor range.
const DefaultSentinel = 10000.0

// Match is the result of one association.
type Match struct {
	Assignment Assignment
	// Cost is the summed displacement from the previous assignment,
	// including distances to sentinel padding.
	Cost float64
}

// Matcher finds the assignment of a frame's detections to slots that best
// continues the previous assignment.
//
// A slot left without a real detection is flagged Missing and keeps its
// previous position rather than taking the sentinel, so the next frame
// measures displacement from where the robot was last seen. Only slots
// never seen at all (see BaselineAssignment) hold the sentinel.
type Matcher interface {
	FindBestAssignment(previous Assignment, frame DetectionFrame) (Match, error)
}

// SentinelPoint returns the padding point for the given coordinate.
func SentinelPoint(sentinel float64) r3.Vec {
	return r3.Vec{X: sentinel, Y: sentinel, Z: sentinel}
}

// BaselineAssignment adopts a frame as-is, in arrival order, as the
// previous assignment. Slots beyond the detections are missing and hold
// the sentinel.
func BaselineAssignment(frame DetectionFrame, n int, sentinel r3.Vec) Assignment {
	a := Assignment{Timestamp: frame.Timestamp, Slots: make([]SlotState, n)}
	for j := range a.Slots {
		if j < len(frame.Detections) {
			a.Slots[j] = SlotState{Position: frame.Detections[j]}
		} else {
			a.Slots[j] = SlotState{Position: sentinel, Missing: true}
		}
	}
	return a
}

// padded returns the detections extended with sentinels to length n.
func padded(detections []r3.Vec, n int, sentinel r3.Vec) []r3.Vec {
	out := make([]r3.Vec, n)
	copy(out, detections)
	for i := len(detections); i < n; i++ {
		out[i] = sentinel
	}
	return out
}

// displacements returns d[j][i], the distance from slot j's previous
// position to padded detection i. Non-finite distances are clamped to +Inf
// so they never win.
func displacements(previous Assignment, dets []r3.Vec) [][]float64 {
	n := len(previous.Slots)
	d := make([][]float64, n)
	for j := 0; j < n; j++ {
		d[j] = make([]float64, n)
		for i := 0; i < n; i++ {
			dist := r3.Norm(r3.Sub(dets[i], previous.Slots[j].Position))
			if math.IsNaN(dist) {
				dist = math.Inf(1)
			}
			d[j][i] = dist
		}
	}
	return d
}

// buildAssignment applies perm (slot j <- detection perm[j]). Slots that
// received padding are missing and keep their previous position.
func buildAssignment(previous Assignment, frame DetectionFrame, dets []r3.Vec, perm []int) Assignment {
	seen := len(frame.Detections)
	a := Assignment{Timestamp: frame.Timestamp, Slots: make([]SlotState, len(perm))}
	for j, i := range perm {
		if i >= seen {
			a.Slots[j] = SlotState{Position: previous.Slots[j].Position, Missing: true}
			continue
		}
		a.Slots[j] = SlotState{Position: dets[i]}
	}
	return a
}

func checkAssociationInput(previous Assignment, frame DetectionFrame, n int) error {
	if len(previous.Slots) == 0 {
		return ErrAssociationUnavailable
	}
	if len(previous.Slots) != n {
		return fmt.Errorf("%w: previous assignment has %d slots, want %d", ErrAssociationUnavailable, len(previous.Slots), n)
	}
	if len(frame.Detections) > n {
		return fmt.Errorf("frame has %d detections for %d slots", len(frame.Detections), n)
	}
	return nil
}

// ExhaustiveMatcher scores every row of the permutation table and keeps the
// first minimum. Cost is O(N!*N) per frame, which bounds it to MaxRobots.
type ExhaustiveMatcher struct {
	table    *PermutationTable
	sentinel r3.Vec
}

// NewExhaustiveMatcher creates a matcher over a prebuilt table.
func NewExhaustiveMatcher(table *PermutationTable, sentinel float64) *ExhaustiveMatcher {
	return &ExhaustiveMatcher{table: table, sentinel: SentinelPoint(sentinel)}
}

// FindBestAssignment implements Matcher.
func (m *ExhaustiveMatcher) FindBestAssignment(previous Assignment, frame DetectionFrame) (Match, error) {
	n := m.table.N()
	if err := checkAssociationInput(previous, frame, n); err != nil {
		return Match{}, err
	}

	dets := padded(frame.Detections, n, m.sentinel)
	d := displacements(previous, dets)

	best := -1
	bestCost := math.Inf(1)
	for r := 0; r < m.table.Len(); r++ {
		row := m.table.Row(r)
		cost := 0.0
		for j, i := range row {
			cost += d[j][i]
			if cost >= bestCost {
				break
			}
		}
		if cost < bestCost {
			best, bestCost = r, cost
		}
	}
	if best < 0 {
		return Match{}, fmt.Errorf("%w: no permutation has a finite cost", ErrDegenerateGeometry)
	}

	return Match{
		Assignment: buildAssignment(previous, frame, dets, m.table.Row(best)),
		Cost:       bestCost,
	}, nil
}

// HungarianMatcher solves the same minimum-cost assignment in O(N^3) with
// the Kuhn-Munkres algorithm. Ties may resolve differently from the
// exhaustive search.
type HungarianMatcher struct {
	n        int
	sentinel r3.Vec
}

// NewHungarianMatcher creates a polynomial-time matcher for n slots.
func NewHungarianMatcher(n int, sentinel float64) *HungarianMatcher {
	return &HungarianMatcher{n: n, sentinel: SentinelPoint(sentinel)}
}

// FindBestAssignment implements Matcher.
func (m *HungarianMatcher) FindBestAssignment(previous Assignment, frame DetectionFrame) (Match, error) {
	if err := checkAssociationInput(previous, frame, m.n); err != nil {
		return Match{}, err
	}

	dets := padded(frame.Detections, m.n, m.sentinel)
	d := displacements(previous, dets)
	perm := hungarianAssign(d)

	cost := 0.0
	for j, i := range perm {
		if i < 0 {
			return Match{}, fmt.Errorf("%w: slot %d could not be assigned", ErrDegenerateGeometry, j+1)
		}
		cost += d[j][i]
	}

	return Match{
		Assignment: buildAssignment(previous, frame, dets, perm),
		Cost:       cost,
	}, nil
}
