package control

// Action is what a key does.
type Action int

const (
	ActionNone Action = iota
	ActionToggle
	ActionStop
	ActionTakeoff
	ActionLand
	ActionUp
	ActionDown
	ActionLeft
	ActionRight
	ActionForward
	ActionBack
	ActionRotateClockwise
	ActionRotateCounterClockwise
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionToggle:
		return "toggle"
	case ActionStop:
		return "stop"
	case ActionTakeoff:
		return "takeoff"
	case ActionLand:
		return "land"
	case ActionUp:
		return "up"
	case ActionDown:
		return "down"
	case ActionLeft:
		return "left"
	case ActionRight:
		return "right"
	case ActionForward:
		return "forward"
	case ActionBack:
		return "back"
	case ActionRotateClockwise:
		return "cw"
	case ActionRotateCounterClockwise:
		return "ccw"
	default:
		return "unknown"
	}
}

// Motion reports whether a is gated by the armed state.
func (a Action) Motion() bool {
	return a >= ActionTakeoff && a <= ActionRotateCounterClockwise
}

// KeyMap maps key names, as the terminal reports them, to actions.
type KeyMap map[string]Action

// DefaultKeyMap is the ground station layout. Terminals cannot tell the two
// shift keys apart, so arming sits on tab and takeoff on t.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		"tab":   ActionToggle,
		"esc":   ActionStop,
		"t":     ActionTakeoff,
		"space": ActionLand,
		"up":    ActionUp,
		"down":  ActionDown,
		"left":  ActionRotateClockwise,
		"right": ActionRotateCounterClockwise,
		"w":     ActionForward,
		"a":     ActionLeft,
		"s":     ActionBack,
		"d":     ActionRight,
	}
}

func (k KeyMap) Lookup(key string) Action {
	if a, ok := k[key]; ok {
		return a
	}
	return ActionNone
}

// Keys returns the key bound to every action, for help text.
func (k KeyMap) Keys() map[Action]string {
	out := make(map[Action]string, len(k))
	for key, a := range k {
		if prev, ok := out[a]; !ok || key < prev {
			out[a] = key
		}
	}
	return out
}
