package tello

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNoState = errors.New("tello: no state received yet")

// State is one status packet of the SDK state stream, e.g.
//
//	pitch:0;roll:0;yaw:-12;vgx:0;vgy:0;vgz:0;templ:60;temph:62;tof:10;h:0;bat:87;baro:210.53;time:0;agx:-3.00;agy:1.00;agz:-999.00;
type State struct {
	Pitch    int
	Roll     int
	Yaw      int
	VGX      int
	VGY      int
	VGZ      int
	TempLow  int
	TempHigh int
	TOF      int
	Height   int
	Battery  int
	Baro     float64
	Time     int
	AGX      float64
	AGY      float64
	AGZ      float64

	Received time.Time
}

// ParseState decodes a state packet. Unknown keys are ignored so newer
// firmware fields (mid, x, y, z, ...) do not break parsing.
func ParseState(packet []byte) (State, error) {
	var st State

	text := strings.TrimSpace(string(packet))
	if text == "" {
		return st, errors.New("tello: empty state packet")
	}

	seen := 0
	for _, pair := range strings.Split(text, ";") {
		if pair == "" {
			continue
		}

		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			return st, fmt.Errorf("tello: malformed state field %q", pair)
		}

		var err error
		switch key {
		case "pitch":
			st.Pitch, err = strconv.Atoi(value)
		case "roll":
			st.Roll, err = strconv.Atoi(value)
		case "yaw":
			st.Yaw, err = strconv.Atoi(value)
		case "vgx":
			st.VGX, err = strconv.Atoi(value)
		case "vgy":
			st.VGY, err = strconv.Atoi(value)
		case "vgz":
			st.VGZ, err = strconv.Atoi(value)
		case "templ":
			st.TempLow, err = strconv.Atoi(value)
		case "temph":
			st.TempHigh, err = strconv.Atoi(value)
		case "tof":
			st.TOF, err = strconv.Atoi(value)
		case "h":
			st.Height, err = strconv.Atoi(value)
		case "bat":
			st.Battery, err = strconv.Atoi(value)
		case "baro":
			st.Baro, err = strconv.ParseFloat(value, 64)
		case "time":
			st.Time, err = strconv.Atoi(value)
		case "agx":
			st.AGX, err = strconv.ParseFloat(value, 64)
		case "agy":
			st.AGY, err = strconv.ParseFloat(value, 64)
		case "agz":
			st.AGZ, err = strconv.ParseFloat(value, 64)
		default:
			continue
		}

		if err != nil {
			return st, fmt.Errorf("tello: state field %s: %w", key, err)
		}
		seen++
	}

	if seen == 0 {
		return st, errors.New("tello: state packet has no known fields")
	}

	st.Received = time.Now()
	return st, nil
}

// Temperature is the mean of the low and high readings in °C.
func (s State) Temperature() float64 {
	return float64(s.TempLow+s.TempHigh) / 2
}

// Pressure is the barometric altitude in centimetres. The SDK reports
// metres.
func (s State) Pressure() float64 {
	return s.Baro * 100
}
