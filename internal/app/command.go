package app

import (
	"context"
	"fmt"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
)

// Command is a control request for the fusion service, carried over MQTT
// (TOPIC_CONTROL) and accepted from websocket clients.
type Command struct {
	Action    string            `json:"action"`        // reset, recalibrate, set_reference, clear_reference
	IMU       string            `json:"imu,omitempty"` // empty targets every stream
	Reference *geomag.Reference `json:"reference,omitempty"`
}

// validate checks that the action is known and carries what it needs.
func (c Command) validate() error {
	switch c.Action {
	case "reset", "recalibrate", "clear_reference":
		return nil
	case "set_reference":
		if c.Reference == nil || !c.Reference.Valid() {
			return fmt.Errorf("set_reference needs a valid reference")
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
}

// engineFunc returns the engine operation for the command.
func (c Command) engineFunc() func(*fusion.Engine) {
	switch c.Action {
	case "reset":
		return (*fusion.Engine).Reset
	case "recalibrate":
		return (*fusion.Engine).Recalibrate
	case "clear_reference":
		return (*fusion.Engine).ClearReference
	case "set_reference":
		ref := *c.Reference
		return func(e *fusion.Engine) { e.SetReference(ref) }
	}
	return nil
}

// apply runs cmd on the targeted streams.
func applyCommand(ctx context.Context, cmd Command, streams map[string]*stream) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	fn := cmd.engineFunc()
	if cmd.IMU != "" {
		s, ok := streams[cmd.IMU]
		if !ok {
			return fmt.Errorf("unknown imu %q", cmd.IMU)
		}
		return s.do(ctx, fn)
	}
	for _, s := range streams {
		if err := s.do(ctx, fn); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
