package tello

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/logs"
)

const statePacket = "pitch:1;roll:-2;yaw:-12;vgx:3;vgy:-4;vgz:5;templ:60;temph:62;tof:10;h:90;bat:87;baro:210.53;time:14;agx:-3.00;agy:1.50;agz:-999.00;\r\n"

// fakeTello answers SDK commands on a local UDP socket.
type fakeTello struct {
	conn     net.PacketConn
	replies  map[string]string
	silent   map[string]bool
	commands []string
	mux      sync.Mutex
}

func newFakeTello(t *testing.T) *fakeTello {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	f := &fakeTello{conn: conn, replies: map[string]string{}, silent: map[string]bool{}}
	go f.serve()
	t.Cleanup(func() { _ = conn.Close() })

	return f
}

func (f *fakeTello) serve() {
	buf := make([]byte, 1024)
	for {
		n, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		cmd := string(buf[:n])

		f.mux.Lock()
		f.commands = append(f.commands, cmd)
		reply, ok := f.replies[cmd]
		silent := f.silent[cmd]
		f.mux.Unlock()

		if silent {
			continue
		}
		if !ok {
			reply = "ok"
		}
		_, _ = f.conn.WriteTo([]byte(reply), addr)
	}
}

func (f *fakeTello) Commands() []string {
	f.mux.Lock()
	defer f.mux.Unlock()

	return append([]string(nil), f.commands...)
}

func (f *fakeTello) reply(cmd, reply string) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.replies[cmd] = reply
}

func (f *fakeTello) mute(cmd string) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.silent[cmd] = true
}

func connectClient(t *testing.T, f *fakeTello) *Client {
	t.Helper()

	c := New(context.Background(), Config{
		Addr:           f.conn.LocalAddr().String(),
		StateAddr:      "127.0.0.1:0",
		CommandTimeout: 200 * time.Millisecond,
		LoggerFactory:  logs.Discard(),
	})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	return c
}

func TestParseState(t *testing.T) {
	st, err := ParseState([]byte(statePacket))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if st.Battery != 87 || st.Height != 90 || st.Yaw != -12 || st.Time != 14 {
		t.Errorf("Expected bat 87, h 90, yaw -12, time 14, got %+v", st)
	}

	if st.VGX != 3 || st.VGY != -4 || st.VGZ != 5 {
		t.Errorf("Expected speeds 3,-4,5, got %d,%d,%d", st.VGX, st.VGY, st.VGZ)
	}

	if st.AGZ != -999 {
		t.Errorf("Expected agz -999, got %v", st.AGZ)
	}

	if st.Temperature() != 61 {
		t.Errorf("Expected mean temperature 61, got %v", st.Temperature())
	}

	if math.Abs(st.Pressure()-21053) > 1e-6 {
		t.Errorf("Expected pressure 21053, got %v", st.Pressure())
	}
}

func TestParseStateMalformed(t *testing.T) {
	tests := []string{
		"",
		"bat87;",
		"bat:high;",
		"mid:-1;x:0;",
	}

	for _, packet := range tests {
		if _, err := ParseState([]byte(packet)); err == nil {
			t.Errorf("Expected an error for %q", packet)
		}
	}
}

func TestParseStateIgnoresUnknownFields(t *testing.T) {
	st, err := ParseState([]byte("mid:-1;x:0;bat:50;"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if st.Battery != 50 {
		t.Errorf("Expected bat 50, got %d", st.Battery)
	}
}

func TestConnectEntersSDKMode(t *testing.T) {
	f := newFakeTello(t)
	connectClient(t, f)

	if got := f.Commands(); len(got) != 1 || got[0] != "command" {
		t.Errorf("Expected [command], got %v", got)
	}
}

func TestCommandFormatting(t *testing.T) {
	f := newFakeTello(t)
	c := connectClient(t, f)

	calls := []func() error{
		c.Takeoff,
		func() error { return c.MoveUp(30) },
		func() error { return c.MoveDown(30) },
		func() error { return c.MoveLeft(30) },
		func() error { return c.MoveRight(30) },
		func() error { return c.MoveForward(30) },
		func() error { return c.MoveBack(30) },
		func() error { return c.RotateClockwise(30) },
		func() error { return c.RotateCounterClockwise(30) },
		c.Land,
	}

	for _, call := range calls {
		if err := call(); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	want := []string{"command", "takeoff", "up 30", "down 30", "left 30", "right 30", "forward 30", "back 30", "cw 30", "ccw 30", "land"}
	got := f.Commands()

	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected command %d to be %q, got %q", i, want[i], got[i])
		}
	}
}

func TestCommandRejected(t *testing.T) {
	f := newFakeTello(t)
	c := connectClient(t, f)

	f.reply("forward 30", "error Not joystick")

	if err := c.MoveForward(30); !errors.Is(err, ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	f := newFakeTello(t)
	c := connectClient(t, f)

	f.mute("takeoff")

	if err := c.Takeoff(); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}

	if err := c.Land(); err != nil {
		t.Errorf("Expected the next command to work after a timeout, got %v", err)
	}
}

func TestArgumentRange(t *testing.T) {
	f := newFakeTello(t)
	c := connectClient(t, f)

	if err := c.MoveUp(10); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange for 10 cm, got %v", err)
	}

	if err := c.MoveUp(501); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange for 501 cm, got %v", err)
	}

	if err := c.RotateClockwise(0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange for 0°, got %v", err)
	}

	if got := f.Commands(); len(got) != 1 {
		t.Errorf("Expected out of range commands not to be sent, got %v", got)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c := New(context.Background(), Config{LoggerFactory: logs.Discard()})

	if err := c.Takeoff(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestStateGetters(t *testing.T) {
	f := newFakeTello(t)
	c := connectClient(t, f)

	if _, err := c.Battery(); !errors.Is(err, ErrNoState) {
		t.Errorf("Expected ErrNoState before the first packet, got %v", err)
	}

	sender, err := net.Dial("udp", c.stateLn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer sender.Close()

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := sender.Write([]byte(statePacket)); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		if _, err := c.State(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected a state packet to arrive")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if bat, _ := c.Battery(); bat != 87 {
		t.Errorf("Expected battery 87, got %d", bat)
	}

	if temp, _ := c.Temperature(); temp != 61 {
		t.Errorf("Expected temperature 61, got %v", temp)
	}

	if z, _ := c.AccelerationZ(); z != -999 {
		t.Errorf("Expected acceleration z -999, got %v", z)
	}
}

func TestStateTimeout(t *testing.T) {
	c := New(context.Background(), Config{StateTimeout: time.Millisecond, LoggerFactory: logs.Discard()})

	st, _ := ParseState([]byte(statePacket))
	st.Received = time.Now().Add(-time.Second)
	c.state.Store(&st)

	if _, err := c.Height(); !errors.Is(err, ErrNoState) {
		t.Errorf("Expected ErrNoState for a stale packet, got %v", err)
	}
}

func TestFrameWithStreamOff(t *testing.T) {
	c := New(context.Background(), Config{LoggerFactory: logs.Discard()})

	if _, err := c.Frame(context.Background()); err == nil {
		t.Error("Expected an error while the stream is off")
	}
}

func TestDecoderArgs(t *testing.T) {
	args := decoderArgs("udp://0.0.0.0:11111", 720, 960)

	joined := strings.Join(args, " ")

	for _, want := range []string{"-i udp://0.0.0.0:11111", "-pix_fmt bgr24", "-s 960x720", "-f rawvideo"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %q in %q", want, joined)
		}
	}
}

func TestDecoderConsume(t *testing.T) {
	d := newDecoder(context.Background(), 2, 3, logs.Scoped(logs.Discard(), "tello"))
	defer d.Close()

	pr, pw := io.Pipe()
	go d.consume(pr)

	first := frame.Fill(2, 3, 1, 2, 3)
	if _, err := pw.Write(first.Pix); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got, err := d.Frame(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if got.Height != 2 || got.Width != 3 || !bytes.Equal(got.Pix, first.Pix) {
		t.Errorf("Expected the written frame back, got %dx%d %v", got.Width, got.Height, got.Pix)
	}

	_ = pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := d.Frame(ctx); !errors.Is(err, ErrVideoClosed) {
		t.Errorf("Expected ErrVideoClosed after the decoder output ended, got %v", err)
	}
}

func TestDecoderKeepsLatest(t *testing.T) {
	d := newDecoder(context.Background(), 1, 1, logs.Scoped(logs.Discard(), "tello"))
	defer d.Close()

	d.offer(frame.Fill(1, 1, 1, 1, 1))
	d.offer(frame.Fill(1, 1, 2, 2, 2))

	got, err := d.Frame(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if got.Pix[0] != 2 {
		t.Errorf("Expected the newest frame, got pixel %d", got.Pix[0])
	}
}
