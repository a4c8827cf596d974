// Package telemetry assembles vehicle status into snapshots and fans them
// out to whoever watches the vehicle: the status endpoints, the websocket
// feed and the terminal.
package telemetry

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/harshabose/hermes/pkg/vehicle"
)

// FieldError names the getter that aborted a snapshot.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("telemetry: reading %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Snapshot is the vehicle status at one point in time. JSON names follow
// the field names operators already know from the ground station.
type Snapshot struct {
	Battery      int        `json:"battery"`
	FlightTime   int        `json:"fly_time"`
	Height       int        `json:"drone_height"`
	Pressure     float64    `json:"atmospheric_pressure"`
	Temperature  float64    `json:"temperature"`
	YawVelocity  int        `json:"yaw_velocity"`
	Speed        [3]int     `json:"speed"`
	Acceleration [3]float64 `json:"acceleration"`
	Time         time.Time  `json:"time"`
}

// Field is one named entry of a snapshot.
type Field struct {
	Name  string
	Value any
}

func read[T any](field string, get func() (T, error), dst *T) error {
	v, err := get()
	if err != nil {
		return &FieldError{Field: field, Err: err}
	}

	*dst = v
	return nil
}

// Collect calls every getter of s in a fixed order: battery, flight time,
// height, barometer, temperature, yaw, speed x/y/z, acceleration x/y/z.
// Nothing is cached. The first failing getter aborts the snapshot and is
// returned as a *FieldError; later getters are not called.
func Collect(s vehicle.Sensors) (Snapshot, error) {
	var snap Snapshot

	steps := []func() error{
		func() error { return read("battery", s.Battery, &snap.Battery) },
		func() error { return read("fly_time", s.FlightTime, &snap.FlightTime) },
		func() error { return read("drone_height", s.Height, &snap.Height) },
		func() error { return read("atmospheric_pressure", s.Barometer, &snap.Pressure) },
		func() error { return read("temperature", s.Temperature, &snap.Temperature) },
		func() error { return read("yaw_velocity", s.Yaw, &snap.YawVelocity) },
		func() error { return read("speed_x", s.SpeedX, &snap.Speed[0]) },
		func() error { return read("speed_y", s.SpeedY, &snap.Speed[1]) },
		func() error { return read("speed_z", s.SpeedZ, &snap.Speed[2]) },
		func() error { return read("acceleration_x", s.AccelerationX, &snap.Acceleration[0]) },
		func() error { return read("acceleration_y", s.AccelerationY, &snap.Acceleration[1]) },
		func() error { return read("acceleration_z", s.AccelerationZ, &snap.Acceleration[2]) },
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return Snapshot{}, err
		}
	}

	snap.Time = time.Now()
	return snap, nil
}

// Fields returns the snapshot as ordered name/value pairs. Speed and
// acceleration stay grouped as 3-tuples.
func (s Snapshot) Fields() []Field {
	return []Field{
		{"battery", s.Battery},
		{"fly_time", s.FlightTime},
		{"drone_height", s.Height},
		{"atmospheric_pressure", s.Pressure},
		{"temperature", s.Temperature},
		{"yaw_velocity", s.YawVelocity},
		{"speed", s.Speed},
		{"acceleration", s.Acceleration},
	}
}

// Struct converts the snapshot into a protobuf Struct.
func (s Snapshot) Struct() (*structpb.Struct, error) {
	fields := map[string]any{
		"time": s.Time.UTC().Format(time.RFC3339Nano),
	}

	for _, f := range s.Fields() {
		switch v := f.Value.(type) {
		case [3]int:
			fields[f.Name] = []any{v[0], v[1], v[2]}
		case [3]float64:
			fields[f.Name] = []any{v[0], v[1], v[2]}
		default:
			fields[f.Name] = v
		}
	}

	return structpb.NewStruct(fields)
}

// MarshalProto encodes the snapshot as a binary google.protobuf.Struct.
func (s Snapshot) MarshalProto() ([]byte, error) {
	st, err := s.Struct()
	if err != nil {
		return nil, fmt.Errorf("telemetry: building struct: %w", err)
	}

	return proto.Marshal(st)
}
