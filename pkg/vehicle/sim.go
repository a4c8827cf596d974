package vehicle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harshabose/hermes/pkg/frame"
)

var (
	ErrNotConnected = errors.New("vehicle: not connected")
	ErrStreamOff    = errors.New("vehicle: video stream is off")
	ErrNotFlying    = errors.New("vehicle: not flying")
)

// Command is one call recorded by Sim.
type Command struct {
	Name  string
	Value int
}

func (c Command) String() string {
	if c.Value == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s %d", c.Name, c.Value)
}

type SimConfig struct {
	Height uint32
	Width  uint32
	FPS    int
}

func (c *SimConfig) SetDefaults() {
	if c.Height == 0 {
		c.Height = 720
	}
	if c.Width == 0 {
		c.Width = 960
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
}

// Sim is a software vehicle. It renders moving color bars at FPS, keeps a
// rough flight state for telemetry and records every command. Failures can
// be injected per command name with Fail.
type Sim struct {
	config SimConfig

	connected bool
	streaming bool
	flying    bool
	height    int
	yaw       int
	takeoffAt time.Time
	frames    int

	commands  []Command
	failures  map[string]error
	sensorErr error

	mux sync.Mutex
}

func NewSim(config SimConfig) *Sim {
	config.SetDefaults()

	return &Sim{
		config:   config,
		failures: make(map[string]error),
	}
}

func (s *Sim) Connect(_ context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.connected = true
	return nil
}

func (s *Sim) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.connected = false
	s.streaming = false
	return nil
}

// Fail makes every following call of the named command return err. A nil
// err clears the failure.
func (s *Sim) Fail(name string, err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err == nil {
		delete(s.failures, name)
		return
	}
	s.failures[name] = err
}

// FailSensors makes every telemetry getter return err.
func (s *Sim) FailSensors(err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.sensorErr = err
}

// Commands returns a copy of the recorded command log.
func (s *Sim) Commands() []Command {
	s.mux.Lock()
	defer s.mux.Unlock()

	return append([]Command(nil), s.commands...)
}

func (s *Sim) do(name string, value int, apply func()) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.commands = append(s.commands, Command{Name: name, Value: value})

	if !s.connected {
		return ErrNotConnected
	}

	if err, ok := s.failures[name]; ok {
		return err
	}

	if apply != nil {
		apply()
	}
	return nil
}

func (s *Sim) move(name string, cm int, apply func()) error {
	return s.do(name, cm, func() {
		if !s.flying {
			return
		}
		if apply != nil {
			apply()
		}
	})
}

func (s *Sim) Takeoff() error {
	return s.do("takeoff", 0, func() {
		s.flying = true
		s.height = 80
		s.takeoffAt = time.Now()
	})
}

func (s *Sim) Land() error {
	return s.do("land", 0, func() {
		s.flying = false
		s.height = 0
	})
}

func (s *Sim) MoveUp(cm int) error {
	return s.move("up", cm, func() { s.height += cm })
}

func (s *Sim) MoveDown(cm int) error {
	return s.move("down", cm, func() {
		s.height -= cm
		if s.height < 0 {
			s.height = 0
		}
	})
}

func (s *Sim) MoveLeft(cm int) error    { return s.move("left", cm, nil) }
func (s *Sim) MoveRight(cm int) error   { return s.move("right", cm, nil) }
func (s *Sim) MoveForward(cm int) error { return s.move("forward", cm, nil) }
func (s *Sim) MoveBack(cm int) error    { return s.move("back", cm, nil) }

func (s *Sim) RotateClockwise(deg int) error {
	return s.move("cw", deg, func() { s.yaw = (s.yaw + deg) % 360 })
}

func (s *Sim) RotateCounterClockwise(deg int) error {
	return s.move("ccw", deg, func() { s.yaw = ((s.yaw-deg)%360 + 360) % 360 })
}

func (s *Sim) StreamOn() error {
	return s.do("streamon", 0, func() { s.streaming = true })
}

func (s *Sim) StreamOff() error {
	return s.do("streamoff", 0, func() { s.streaming = false })
}

// Frame waits one frame interval and renders the next test pattern frame.
func (s *Sim) Frame(ctx context.Context) (frame.Frame, error) {
	select {
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case <-time.After(time.Second / time.Duration(s.config.FPS)):
	}

	s.mux.Lock()
	if !s.connected {
		s.mux.Unlock()
		return frame.Frame{}, ErrNotConnected
	}
	if !s.streaming {
		s.mux.Unlock()
		return frame.Frame{}, ErrStreamOff
	}
	if err, ok := s.failures["frame"]; ok {
		s.mux.Unlock()
		return frame.Frame{}, err
	}
	s.frames++
	offset := s.frames * 4
	s.mux.Unlock()

	return frame.ColorBars(s.config.Height, s.config.Width, offset), nil
}

func readSensor[T any](s *Sim, read func() T) (T, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.sensorErr != nil {
		var zero T
		return zero, s.sensorErr
	}

	if !s.connected {
		var zero T
		return zero, ErrNotConnected
	}

	return read(), nil
}

func (s *Sim) Battery() (int, error) {
	return readSensor(s, func() int { return 87 })
}

func (s *Sim) FlightTime() (int, error) {
	return readSensor(s, func() int {
		if !s.flying {
			return 0
		}
		return int(time.Since(s.takeoffAt).Seconds())
	})
}

func (s *Sim) Height() (int, error) {
	return readSensor(s, func() int { return s.height })
}

func (s *Sim) Barometer() (float64, error) {
	return readSensor(s, func() float64 { return 101325 - float64(s.height)*0.12 })
}

func (s *Sim) Temperature() (float64, error) {
	return readSensor(s, func() float64 { return 46.5 })
}

func (s *Sim) Yaw() (int, error) {
	return readSensor(s, func() int { return s.yaw })
}

func (s *Sim) SpeedX() (int, error) { return readSensor(s, func() int { return 0 }) }
func (s *Sim) SpeedY() (int, error) { return readSensor(s, func() int { return 0 }) }
func (s *Sim) SpeedZ() (int, error) { return readSensor(s, func() int { return 0 }) }

func (s *Sim) AccelerationX() (float64, error) { return readSensor(s, func() float64 { return 0 }) }
func (s *Sim) AccelerationY() (float64, error) { return readSensor(s, func() float64 { return 0 }) }

func (s *Sim) AccelerationZ() (float64, error) {
	return readSensor(s, func() float64 { return -1000 })
}
