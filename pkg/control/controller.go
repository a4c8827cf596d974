// Package control turns key presses into vehicle commands. Motion keys only
// reach the vehicle while the controller is armed, and any command the
// vehicle rejects is followed by a land.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
	"github.com/harshabose/hermes/pkg/vehicle"
)

type Config struct {
	// Distance is the step of every translation in centimetres.
	Distance int
	// Degrees is the step of every rotation.
	Degrees int
	KeyMap  KeyMap

	// OnResult, when set, sees the result of every key Run handles.
	OnResult func(Result)

	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Distance == 0 {
		c.Distance = 30
	}

	if c.Degrees == 0 {
		c.Degrees = 30
	}

	if c.KeyMap == nil {
		c.KeyMap = DefaultKeyMap()
	}
}

// Result describes what one key press did.
type Result struct {
	Key    string
	Action Action
	Armed  bool
	// Command is what was sent to the vehicle, empty when nothing was.
	Command string
	Err     error
	// Landed is set when Err triggered the safety land.
	Landed  bool
	LandErr error
}

func (r Result) Dispatched() bool {
	return r.Command != ""
}

func (r Result) OK() bool {
	return r.Err == nil
}

func (r Result) String() string {
	switch {
	case r.Action == ActionNone:
		return fmt.Sprintf("%q: not bound", r.Key)
	case r.Action == ActionToggle && r.Armed:
		return "armed"
	case r.Action == ActionToggle:
		return "disarmed"
	case r.Action == ActionStop:
		return "listener stopped"
	case !r.Dispatched():
		return fmt.Sprintf("%s ignored, disarmed", r.Action)
	case r.Landed && r.LandErr != nil:
		return fmt.Sprintf("%s failed (%v), land failed too: %v", r.Command, r.Err, r.LandErr)
	case r.Landed:
		return fmt.Sprintf("%s failed (%v), landing", r.Command, r.Err)
	default:
		return r.Command
	}
}

// Controller is the armed/disarmed state machine. Presses are handled one
// at a time.
type Controller struct {
	pilot  vehicle.Pilot
	config Config
	log    logging.LeveledLogger

	armed   bool
	lastKey string
	mux     sync.Mutex
}

func New(pilot vehicle.Pilot, config Config) *Controller {
	config.SetDefaults()

	return &Controller{
		pilot:  pilot,
		config: config,
		log:    logs.Scoped(config.LoggerFactory, "control"),
	}
}

func (c *Controller) Armed() bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.armed
}

func (c *Controller) LastKey() string {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.lastKey
}

// Toggle flips the armed state and returns the new one.
func (c *Controller) Toggle() bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.toggle()
}

func (c *Controller) toggle() bool {
	c.armed = !c.armed
	if c.armed {
		c.log.Info("armed")
	} else {
		c.log.Info("disarmed")
	}
	return c.armed
}

// Press handles one key press. While armed, a motion key sends exactly one
// command; if the vehicle rejects it, exactly one land follows. While
// disarmed, motion keys send nothing. Unbound keys do nothing.
func (c *Controller) Press(key string) Result {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.lastKey = key
	action := c.config.KeyMap.Lookup(key)
	r := Result{Key: key, Action: action, Armed: c.armed}

	switch {
	case action == ActionToggle:
		r.Armed = c.toggle()
		return r
	case !action.Motion():
		return r
	case !c.armed:
		c.log.Debugf("%s ignored while disarmed", action)
		return r
	}

	r.Command, r.Err = c.dispatch(action)
	if c.config.Metrics != nil {
		c.config.Metrics.CommandsDispatched.Add(1)
	}

	if r.Err == nil {
		c.log.Debugf("sent %s", r.Command)
		return r
	}

	c.log.Errorf("%s failed: %v, landing", r.Command, r.Err)
	r.Landed = true
	r.LandErr = c.pilot.Land()
	if r.LandErr != nil {
		c.log.Errorf("safety land failed: %v", r.LandErr)
	}

	if c.config.Metrics != nil {
		c.config.Metrics.CommandsFailed.Add(1)
		c.config.Metrics.SafetyLandings.Add(1)
	}

	return r
}

func (c *Controller) dispatch(action Action) (string, error) {
	d, deg := c.config.Distance, c.config.Degrees
	cmd := fmt.Sprintf("%s %d", action, d)

	switch action {
	case ActionTakeoff:
		return action.String(), c.pilot.Takeoff()
	case ActionLand:
		return action.String(), c.pilot.Land()
	case ActionUp:
		return cmd, c.pilot.MoveUp(d)
	case ActionDown:
		return cmd, c.pilot.MoveDown(d)
	case ActionLeft:
		return cmd, c.pilot.MoveLeft(d)
	case ActionRight:
		return cmd, c.pilot.MoveRight(d)
	case ActionForward:
		return cmd, c.pilot.MoveForward(d)
	case ActionBack:
		return cmd, c.pilot.MoveBack(d)
	case ActionRotateClockwise:
		return fmt.Sprintf("%s %d", action, deg), c.pilot.RotateClockwise(deg)
	case ActionRotateCounterClockwise:
		return fmt.Sprintf("%s %d", action, deg), c.pilot.RotateCounterClockwise(deg)
	default:
		return action.String(), fmt.Errorf("control: no command for %s", action)
	}
}

// Run handles keys until the stop key arrives, keys is closed or ctx is
// done. Only the listener stops; the vehicle and the video relay carry on.
func (c *Controller) Run(ctx context.Context, keys <-chan string) {
	c.log.Info("keyboard listener started")
	defer c.log.Info("keyboard listener stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-keys:
			if !ok {
				return
			}

			r := c.Press(key)
			if c.config.OnResult != nil {
				c.config.OnResult(r)
			}

			if r.Action == ActionStop {
				return
			}
		}
	}
}
