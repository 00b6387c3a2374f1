package fleet

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// ReferenceOrder ranks slots by descending configured x: element k is the
// slot (1-based) expected to produce the k-th largest x detection.
type ReferenceOrder []int

// BootstrapOrder derives the reference order from the configured start
// positions, indexed by slot-1. A nil entry means that slot's start pose is
// not known yet; the result is then ErrNotReady and the caller retries.
func BootstrapOrder(starts []*Vec3) (ReferenceOrder, error) {
	if len(starts) == 0 {
		return nil, fmt.Errorf("%w: no robots configured", ErrConfig)
	}
	for i, s := range starts {
		if s == nil {
			return nil, fmt.Errorf("%w: robot_%d has no start pose", ErrNotReady, i+1)
		}
	}

	order := make(ReferenceOrder, len(starts))
	for i := range order {
		order[i] = i + 1
	}
	sort.SliceStable(order, func(a, b int) bool {
		return starts[order[a]-1].X > starts[order[b]-1].X
	})
	return order, nil
}

// SortByReferenceOrder arranges a fully visible frame by slot: the
// detection with the k-th largest x goes to slot order[k]. It requires
// exactly len(order) detections.
func SortByReferenceOrder(detections []r3.Vec, order ReferenceOrder) ([]r3.Vec, error) {
	if len(detections) != len(order) {
		return nil, fmt.Errorf("cannot arrange %d detections by a %d-slot reference order",
			len(detections), len(order))
	}

	rank := make([]int, len(detections))
	for i := range rank {
		rank[i] = i
	}
	sort.SliceStable(rank, func(a, b int) bool {
		return detections[rank[a]].X > detections[rank[b]].X
	})

	sorted := make([]r3.Vec, len(order))
	for k, slot := range order {
		sorted[slot-1] = detections[rank[k]]
	}
	return sorted, nil
}
