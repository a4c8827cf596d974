// Package vehicle describes the facade hermes needs from an aerial vehicle
// SDK and ships an in-process simulator of it.
//
// Implementations must be safe for concurrent use: the frame producer and
// the command controller call into the same facade from different
// goroutines.
package vehicle

import (
	"context"

	"github.com/harshabose/hermes/pkg/frame"
)

// Pilot issues discrete motion commands. Distances are in centimetres,
// rotations in degrees.
type Pilot interface {
	Takeoff() error
	Land() error
	MoveUp(cm int) error
	MoveDown(cm int) error
	MoveLeft(cm int) error
	MoveRight(cm int) error
	MoveForward(cm int) error
	MoveBack(cm int) error
	RotateClockwise(deg int) error
	RotateCounterClockwise(deg int) error
}

// Camera controls and reads the vehicle video feed. Frame blocks until the
// next frame is available or ctx is done.
type Camera interface {
	StreamOn() error
	StreamOff() error
	Frame(ctx context.Context) (frame.Frame, error)
}

// Sensors are the telemetry getters.
type Sensors interface {
	Battery() (int, error)
	FlightTime() (int, error)
	Height() (int, error)
	Barometer() (float64, error)
	Temperature() (float64, error)
	Yaw() (int, error)
	SpeedX() (int, error)
	SpeedY() (int, error)
	SpeedZ() (int, error)
	AccelerationX() (float64, error)
	AccelerationY() (float64, error)
	AccelerationZ() (float64, error)
}

type Vehicle interface {
	Pilot
	Camera
	Sensors

	Connect(ctx context.Context) error
	Close() error
}
