package fleet

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultRadius is the radius of a puppeteer robot in meters, derived from
// its 57.5cm circumference.
const DefaultRadius = 57.5 / math.Pi / 2.0 / 100.0

// AdjustForRadius moves a surface detection to the robot centre by pushing
// it one radius further along the ray from the sensor origin. A point at
// the origin has no ray; it is returned unchanged with ErrDegenerateGeometry.
func AdjustForRadius(p r3.Vec, radius float64) (r3.Vec, error) {
	if radius == 0 {
		return p, nil
	}
	norm := r3.Norm(p)
	if norm == 0 || !isFinite(norm) {
		return p, fmt.Errorf("%w: cannot adjust point (%g, %g, %g) for radius", ErrDegenerateGeometry, p.X, p.Y, p.Z)
	}
	return r3.Add(p, r3.Scale(radius/norm, p)), nil
}

// Arena is the x/y region in which detections are plausible.
type Arena struct {
	polygon orb.Polygon
	bound   orb.Bound
}

// NewArena builds an arena from polygon vertices. The ring is closed
// automatically.
func NewArena(vertices [][2]float64) (*Arena, error) {
	if len(vertices) < 3 {
		return nil, fmt.Errorf("%w: arena needs at least 3 vertices, got %d", ErrConfig, len(vertices))
	}
	ring := make(orb.Ring, 0, len(vertices)+1)
	for i, v := range vertices {
		if !isFinite(v[0]) || !isFinite(v[1]) {
			return nil, fmt.Errorf("%w: arena vertex %d is not finite", ErrConfig, i)
		}
		ring = append(ring, orb.Point{v[0], v[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	poly := orb.Polygon{ring}
	return &Arena{polygon: poly, bound: poly.Bound()}, nil
}

// Contains reports whether the detection's x/y falls inside the arena.
func (a *Arena) Contains(p r3.Vec) bool {
	if a == nil {
		return true
	}
	pt := orb.Point{p.X, p.Y}
	if !a.bound.Contains(pt) {
		return false
	}
	return planar.PolygonContains(a.polygon, pt)
}

// Bound returns the arena's bounding box.
func (a *Arena) Bound() orb.Bound {
	return a.bound
}

// SanitizeReport counts the detections dropped from one frame.
type SanitizeReport struct {
	NonFinite    int
	OutsideArena int
	Surplus      int
}

// Dropped returns the total number of discarded detections.
func (r SanitizeReport) Dropped() int {
	return r.NonFinite + r.OutsideArena + r.Surplus
}

// SanitizeFrame drops non-finite detections and detections outside the
// arena, then keeps at most n of the remainder in their original order.
func SanitizeFrame(frame DetectionFrame, n int, arena *Arena) (DetectionFrame, SanitizeReport) {
	var report SanitizeReport
	out := DetectionFrame{
		Timestamp:  frame.Timestamp,
		Detections: make([]r3.Vec, 0, len(frame.Detections)),
	}
	for _, d := range frame.Detections {
		switch {
		case !isFinite(d.X) || !isFinite(d.Y) || !isFinite(d.Z):
			report.NonFinite++
		case !arena.Contains(d):
			report.OutsideArena++
		default:
			out.Detections = append(out.Detections, d)
		}
	}
	if len(out.Detections) > n {
		report.Surplus = len(out.Detections) - n
		out.Detections = out.Detections[:n]
	}
	return out, report
}

// bounds returns the x/y bounding box of the given points.
func bounds(points []r3.Vec) orb.Bound {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp.Bound()
}
