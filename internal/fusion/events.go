package fusion

import (
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
)

// EventKind identifies an engine state transition.
type EventKind int

const (
	EventGyroBiasCalibrated EventKind = iota
	EventMagStateChanged
	EventOrientationReinitialized
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventGyroBiasCalibrated:
		return "gyro_bias_calibrated"
	case EventMagStateChanged:
		return "mag_state_changed"
	case EventOrientationReinitialized:
		return "orientation_reinitialized"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a transition. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	GyroBias    r3.Vector          // EventGyroBiasCalibrated, deg/s
	From, To    magcal.State       // EventMagStateChanged
	Calibration magcal.Calibration // EventMagStateChanged
}

// Observer is called synchronously from Process on every transition.
type Observer func(Event)
