package fleet

import "errors"

var (
	// ErrConfig marks invalid configuration. Fatal at startup.
	ErrConfig = errors.New("invalid configuration")
	// ErrResourceExhausted marks a robot count beyond the factorial feasibility bound.
	ErrResourceExhausted = errors.New("robot count exceeds enumeration bound")
	// ErrNotReady is returned while a configured start pose is still unknown.
	ErrNotReady = errors.New("start poses not ready")
	// ErrStalledCalibration is reported when too many consecutive frames
	// lacked full visibility during calibration.
	ErrStalledCalibration = errors.New("calibration stalled")
	// ErrAssociationUnavailable is returned when no previous assignment exists.
	ErrAssociationUnavailable = errors.New("no previous assignment")
	// ErrDegenerateGeometry marks zero-length vectors and non-finite values.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
)
