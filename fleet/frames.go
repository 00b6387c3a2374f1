package fleet

import "gonum.org/v1/gonum/spatial/r3"

// Frame names used by the downstream estimators.
const (
	FrameOrientedOptimization = "oriented_optimization_frame"
	FrameOptimization         = "optimization_frame"
	FrameMap                  = "map"
	FrameRobotOdometry        = "robot_odom_pov"
)

// CalibrationFrames derives the rigid frames published alongside a
// calibration offset. The optimization frame sits at the negated offset;
// the map frame shares its x and z but lies on the floor (y = 0) and is
// rotated -90 degrees about x; the robot odometry frame is the map frame
// flipped about x.
func CalibrationFrames(offset r3.Vec) []FrameTransform {
	origin := r3.Scale(-1, offset)
	return []FrameTransform{
		{
			Parent:      FrameOrientedOptimization,
			Child:       FrameOptimization,
			Translation: FromR3(origin),
			Rotation:    [4]float64{0, 0, 0, 1},
		},
		{
			Parent:      FrameOrientedOptimization,
			Child:       FrameMap,
			Translation: Vec3{X: origin.X, Y: 0, Z: origin.Z},
			Rotation:    [4]float64{0.707107, 0, 0, -0.707107},
		},
		{
			Parent:   FrameMap,
			Child:    FrameRobotOdometry,
			Rotation: [4]float64{1, 0, 0, 0},
		},
	}
}
