package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
	"github.com/harshabose/hermes/pkg/vehicle"
)

// orderedSensors records the order getters are called in and can fail one
// of them.
type orderedSensors struct {
	calls []string
	fail  string
}

func (o *orderedSensors) get(name string) error {
	o.calls = append(o.calls, name)
	if name == o.fail {
		return errors.New(name + " unavailable")
	}
	return nil
}

func (o *orderedSensors) Battery() (int, error)     { return 80, o.get("battery") }
func (o *orderedSensors) FlightTime() (int, error)  { return 12, o.get("flight_time") }
func (o *orderedSensors) Height() (int, error)      { return 150, o.get("height") }
func (o *orderedSensors) Barometer() (float64, error) {
	return 101200.5, o.get("barometer")
}
func (o *orderedSensors) Temperature() (float64, error) { return 48, o.get("temperature") }
func (o *orderedSensors) Yaw() (int, error)             { return -45, o.get("yaw") }
func (o *orderedSensors) SpeedX() (int, error)          { return 1, o.get("speed_x") }
func (o *orderedSensors) SpeedY() (int, error)          { return 2, o.get("speed_y") }
func (o *orderedSensors) SpeedZ() (int, error)          { return 3, o.get("speed_z") }
func (o *orderedSensors) AccelerationX() (float64, error) {
	return 0.5, o.get("acceleration_x")
}
func (o *orderedSensors) AccelerationY() (float64, error) {
	return -0.5, o.get("acceleration_y")
}
func (o *orderedSensors) AccelerationZ() (float64, error) {
	return -998, o.get("acceleration_z")
}

var getterOrder = []string{
	"battery", "flight_time", "height", "barometer", "temperature", "yaw",
	"speed_x", "speed_y", "speed_z", "acceleration_x", "acceleration_y", "acceleration_z",
}

func TestCollect(t *testing.T) {
	s := &orderedSensors{}

	snap, err := Collect(s)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(s.calls) != len(getterOrder) {
		t.Fatalf("Expected %d getter calls, got %d", len(getterOrder), len(s.calls))
	}
	for i, name := range getterOrder {
		if s.calls[i] != name {
			t.Errorf("Expected getter %d to be %s, got %s", i, name, s.calls[i])
		}
	}

	if snap.Battery != 80 || snap.Height != 150 || snap.YawVelocity != -45 {
		t.Errorf("Expected battery 80, height 150, yaw -45, got %+v", snap)
	}

	if snap.Speed != [3]int{1, 2, 3} {
		t.Errorf("Expected speed (1,2,3), got %v", snap.Speed)
	}

	if snap.Acceleration != [3]float64{0.5, -0.5, -998} {
		t.Errorf("Expected acceleration (0.5,-0.5,-998), got %v", snap.Acceleration)
	}

	if snap.Time.IsZero() {
		t.Error("Expected snapshot time to be set")
	}
}

func TestCollectPropagatesFirstFailure(t *testing.T) {
	s := &orderedSensors{fail: "temperature"}

	_, err := Collect(s)

	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected a FieldError, got %v", err)
	}

	if fe.Field != "temperature" {
		t.Errorf("Expected failing field temperature, got %s", fe.Field)
	}

	if len(s.calls) != 5 {
		t.Errorf("Expected collection to stop after 5 getters, got %d", len(s.calls))
	}
}

func TestCollectIsNotCached(t *testing.T) {
	sim := vehicle.NewSim(vehicle.SimConfig{})
	_ = sim.Connect(context.Background())

	first, err := Collect(sim)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	_ = sim.Takeoff()

	second, err := Collect(sim)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if first.Height == second.Height {
		t.Errorf("Expected height to change after takeoff, got %d both times", first.Height)
	}
}

func TestSnapshotFields(t *testing.T) {
	snap, _ := Collect(&orderedSensors{})

	want := []string{"battery", "fly_time", "drone_height", "atmospheric_pressure", "temperature", "yaw_velocity", "speed", "acceleration"}

	fields := snap.Fields()
	if len(fields) != len(want) {
		t.Fatalf("Expected %d fields, got %d", len(want), len(fields))
	}

	for i, name := range want {
		if fields[i].Name != name {
			t.Errorf("Expected field %d to be %s, got %s", i, name, fields[i].Name)
		}
	}
}

func TestSnapshotJSON(t *testing.T) {
	snap, _ := Collect(&orderedSensors{})

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Expected valid JSON, got %v", err)
	}

	speed, ok := got["speed"].([]any)
	if !ok || len(speed) != 3 {
		t.Errorf("Expected speed as a 3 element array, got %v", got["speed"])
	}

	if got["fly_time"] != float64(12) {
		t.Errorf("Expected fly_time 12, got %v", got["fly_time"])
	}
}

func TestSnapshotProto(t *testing.T) {
	snap, _ := Collect(&orderedSensors{})

	data, err := snap.MarshalProto()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		t.Fatalf("Expected a valid protobuf Struct, got %v", err)
	}

	if v := st.Fields["battery"].GetNumberValue(); v != 80 {
		t.Errorf("Expected battery 80, got %v", v)
	}

	acc := st.Fields["acceleration"].GetListValue()
	if acc == nil || len(acc.Values) != 3 || acc.Values[2].GetNumberValue() != -998 {
		t.Errorf("Expected acceleration list ending in -998, got %v", acc)
	}
}

func TestPollerFanOut(t *testing.T) {
	m := metrics.New()
	p := NewPoller(&orderedSensors{}, PollerConfig{LoggerFactory: logs.Discard(), Metrics: m})

	a, releaseA := p.Subscribe()
	b, releaseB := p.Subscribe()
	defer releaseA()

	if _, ok := p.Latest(); ok {
		t.Error("Expected no latest snapshot before the first poll")
	}

	if _, err := p.Poll(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for _, ch := range []<-chan Snapshot{a, b} {
		select {
		case snap := <-ch:
			if snap.Battery != 80 {
				t.Errorf("Expected battery 80, got %d", snap.Battery)
			}
		case <-time.After(time.Second):
			t.Fatal("Expected a snapshot on every subscriber")
		}
	}

	releaseB()
	releaseB()
	if _, ok := <-b; ok {
		t.Error("Expected released subscription to be closed")
	}

	if _, ok := p.Latest(); !ok {
		t.Error("Expected a latest snapshot after a poll")
	}
}

func TestPollerSlowSubscriberDoesNotBlock(t *testing.T) {
	p := NewPoller(&orderedSensors{}, PollerConfig{Buffer: 1, LoggerFactory: logs.Discard()})

	_, release := p.Subscribe()
	defer release()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, _ = p.Poll()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected polling to continue with a full subscriber")
	}
}

func TestPollerFailure(t *testing.T) {
	m := metrics.New()
	p := NewPoller(&orderedSensors{fail: "battery"}, PollerConfig{LoggerFactory: logs.Discard(), Metrics: m})

	if _, err := p.Poll(); err == nil {
		t.Fatal("Expected a poll error")
	}

	if p.Err() == nil {
		t.Error("Expected Err to report the last failure")
	}

	if m.TelemetryFailures.Load() != 1 {
		t.Errorf("Expected 1 telemetry failure, got %d", m.TelemetryFailures.Load())
	}
}

func TestHandler(t *testing.T) {
	h := Handler(&orderedSensors{}, nil, logs.Discard())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/telemetry", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code 200, got %d", w.Code)
	}

	var snap Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Expected a JSON snapshot, got %v", err)
	}

	if snap.Height != 150 {
		t.Errorf("Expected height 150, got %d", snap.Height)
	}
}

func TestHandlerGetterFailure(t *testing.T) {
	m := metrics.New()
	h := Handler(&orderedSensors{fail: "yaw"}, m, logs.Discard())

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/telemetry", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status code 503, got %d", w.Code)
	}

	if m.TelemetryFailures.Load() != 1 {
		t.Errorf("Expected 1 telemetry failure, got %d", m.TelemetryFailures.Load())
	}
}
