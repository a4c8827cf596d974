// Package tello drives a DJI Tello over the SDK text protocol: commands on
// UDP 8889, the state stream on UDP 8890 and H.264 video on UDP 11111,
// decoded to BGR frames by an ffmpeg subprocess.
package tello

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/vehicle"
)

var (
	ErrNotConnected = errors.New("tello: not connected")
	ErrRejected     = errors.New("tello: command rejected")
	ErrTimeout      = errors.New("tello: no response")
	ErrOutOfRange   = errors.New("tello: argument out of range")
)

// SDK argument limits.
const (
	MinDistance = 20
	MaxDistance = 500
	MinDegrees  = 1
	MaxDegrees  = 360
)

type Config struct {
	Addr      string
	StateAddr string
	VideoURL  string

	CommandTimeout time.Duration
	// StateTimeout is how old the last state packet may be before getters
	// fail. Zero keeps the last packet forever.
	StateTimeout time.Duration

	FFmpegBinary string
	Height       uint32
	Width        uint32
	// DecoderRestartDelay is the minimum spacing between decoder starts
	// when ffmpeg keeps exiting.
	DecoderRestartDelay time.Duration

	LoggerFactory logging.LoggerFactory
}

func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "192.168.10.1:8889"
	}

	if c.StateAddr == "" {
		c.StateAddr = "0.0.0.0:8890"
	}

	if c.VideoURL == "" {
		c.VideoURL = "udp://0.0.0.0:11111"
	}

	if c.CommandTimeout == 0 {
		c.CommandTimeout = 7 * time.Second
	}

	if c.FFmpegBinary == "" {
		c.FFmpegBinary = "ffmpeg"
	}

	if c.Height == 0 {
		c.Height = 720
	}

	if c.Width == 0 {
		c.Width = 960
	}

	if c.DecoderRestartDelay <= 0 {
		c.DecoderRestartDelay = time.Second
	}
}

var _ vehicle.Vehicle = (*Client)(nil)

// Client implements vehicle.Vehicle. Commands are serialised: the SDK
// answers in order and has no request ids.
type Client struct {
	config Config
	log    logging.LeveledLogger

	conn    *net.UDPConn
	cmdMux  sync.Mutex
	state   atomic.Pointer[State]
	video   *decoder
	vidMux  sync.Mutex
	// streaming is true between StreamOn and StreamOff; a dead decoder is
	// only restarted while it holds.
	streaming    bool
	videoStarted time.Time
	stateWG sync.WaitGroup
	stateLn net.PacketConn

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func New(ctx context.Context, config Config) *Client {
	config.SetDefaults()
	ctx2, cancel := context.WithCancel(ctx)

	return &Client{
		config: config,
		log:    logs.Scoped(config.LoggerFactory, "tello"),
		ctx:    ctx2,
		cancel: cancel,
	}
}

// Connect opens the command socket, starts the state listener and puts the
// vehicle in SDK mode.
func (c *Client) Connect(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", c.config.Addr)
	if err != nil {
		return fmt.Errorf("tello: resolve %s: %w", c.config.Addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("tello: dial %s: %w", c.config.Addr, err)
	}

	var lc net.ListenConfig
	ln, err := lc.ListenPacket(ctx, "udp", c.config.StateAddr)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("tello: listen for state on %s: %w", c.config.StateAddr, err)
	}

	c.cmdMux.Lock()
	c.conn = conn
	c.cmdMux.Unlock()

	c.stateLn = ln
	c.stateWG.Add(1)
	go c.listenState(ln)

	if err := c.control("command"); err != nil {
		return fmt.Errorf("tello: entering sdk mode: %w", err)
	}

	c.log.Infof("connected to %s", c.config.Addr)
	return nil
}

func (c *Client) listenState(ln net.PacketConn) {
	defer c.stateWG.Done()

	buf := make([]byte, 2048)
	for {
		n, _, err := ln.ReadFrom(buf)
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.log.Warnf("state listener: %v", err)
			}
			return
		}

		st, err := ParseState(buf[:n])
		if err != nil {
			c.log.Debugf("dropping state packet: %v", err)
			continue
		}
		c.state.Store(&st)
	}
}

// Send writes one command and waits for its reply.
func (c *Client) Send(command string) (string, error) {
	c.cmdMux.Lock()
	defer c.cmdMux.Unlock()

	if c.conn == nil {
		return "", ErrNotConnected
	}

	// replies to commands that timed out earlier may still be queued
	c.drain()

	if _, err := c.conn.Write([]byte(command)); err != nil {
		return "", fmt.Errorf("tello: send %q: %w", command, err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.CommandTimeout)); err != nil {
		return "", err
	}

	buf := make([]byte, 1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", fmt.Errorf("%w to %q after %v", ErrTimeout, command, c.config.CommandTimeout)
		}
		return "", fmt.Errorf("tello: reading reply to %q: %w", command, err)
	}

	reply := strings.TrimSpace(string(buf[:n]))
	c.log.Tracef("%s -> %s", command, reply)

	return reply, nil
}

func (c *Client) drain() {
	buf := make([]byte, 1024)
	for {
		if err := c.conn.SetReadDeadline(time.Now()); err != nil {
			return
		}
		if _, err := c.conn.Read(buf); err != nil {
			return
		}
	}
}

// control sends a command that must be answered with "ok".
func (c *Client) control(command string) error {
	reply, err := c.Send(command)
	if err != nil {
		return err
	}

	if !strings.EqualFold(reply, "ok") {
		return fmt.Errorf("%w: %s: %s", ErrRejected, command, reply)
	}

	return nil
}

func (c *Client) move(direction string, cm int) error {
	if cm < MinDistance || cm > MaxDistance {
		return fmt.Errorf("%w: %s %d cm, want %d-%d", ErrOutOfRange, direction, cm, MinDistance, MaxDistance)
	}
	return c.control(fmt.Sprintf("%s %d", direction, cm))
}

func (c *Client) rotate(direction string, deg int) error {
	if deg < MinDegrees || deg > MaxDegrees {
		return fmt.Errorf("%w: %s %d°, want %d-%d", ErrOutOfRange, direction, deg, MinDegrees, MaxDegrees)
	}
	return c.control(fmt.Sprintf("%s %d", direction, deg))
}

func (c *Client) Takeoff() error { return c.control("takeoff") }
func (c *Client) Land() error    { return c.control("land") }

func (c *Client) MoveUp(cm int) error      { return c.move("up", cm) }
func (c *Client) MoveDown(cm int) error    { return c.move("down", cm) }
func (c *Client) MoveLeft(cm int) error    { return c.move("left", cm) }
func (c *Client) MoveRight(cm int) error   { return c.move("right", cm) }
func (c *Client) MoveForward(cm int) error { return c.move("forward", cm) }
func (c *Client) MoveBack(cm int) error    { return c.move("back", cm) }

func (c *Client) RotateClockwise(deg int) error        { return c.rotate("cw", deg) }
func (c *Client) RotateCounterClockwise(deg int) error { return c.rotate("ccw", deg) }

// StreamOn asks for video and starts decoding it. A decoder that has
// exited is replaced.
func (c *Client) StreamOn() error {
	if err := c.control("streamon"); err != nil {
		return err
	}

	c.vidMux.Lock()
	defer c.vidMux.Unlock()

	c.streaming = true
	if c.video != nil && c.video.alive() {
		return nil
	}

	if c.video != nil {
		c.video.Close()
		c.video = nil
	}

	return c.startVideo()
}

// startVideo must be called with vidMux held.
func (c *Client) startVideo() error {
	c.videoStarted = time.Now()

	d, err := startDecoder(c.ctx, c.config.FFmpegBinary, c.config.VideoURL, c.config.Height, c.config.Width, c.log)
	if err != nil {
		return err
	}
	c.video = d

	return nil
}

// videoDecoder returns the running decoder, restarting it once
// DecoderRestartDelay has passed since the last start if it has exited.
func (c *Client) videoDecoder(ctx context.Context) (*decoder, error) {
	c.vidMux.Lock()
	defer c.vidMux.Unlock()

	if !c.streaming {
		return nil, vehicle.ErrStreamOff
	}

	if c.video != nil && c.video.alive() {
		return c.video, nil
	}

	if c.video != nil {
		c.log.Warn("video decoder exited, restarting")
		c.video.Close()
		c.video = nil
	}

	if wait := c.config.DecoderRestartDelay - time.Since(c.videoStarted); wait > 0 {
		c.vidMux.Unlock()
		select {
		case <-ctx.Done():
			c.vidMux.Lock()
			return nil, ctx.Err()
		case <-c.ctx.Done():
			c.vidMux.Lock()
			return nil, ErrNotConnected
		case <-time.After(wait):
		}
		c.vidMux.Lock()

		if !c.streaming {
			return nil, vehicle.ErrStreamOff
		}
		if c.video != nil {
			return c.video, nil
		}
	}

	if err := c.startVideo(); err != nil {
		return nil, fmt.Errorf("tello: restart decoder: %w", err)
	}

	return c.video, nil
}

func (c *Client) StreamOff() error {
	c.vidMux.Lock()
	d := c.video
	c.video = nil
	c.streaming = false
	c.vidMux.Unlock()

	if d != nil {
		d.Close()
	}

	return c.control("streamoff")
}

// Frame blocks for the next decoded frame. When the decoder has exited it
// returns ErrVideoClosed once; the following call starts a new one.
func (c *Client) Frame(ctx context.Context) (frame.Frame, error) {
	d, err := c.videoDecoder(ctx)
	if err != nil {
		return frame.Frame{}, err
	}

	return d.Frame(ctx)
}

func (c *Client) State() (State, error) {
	st := c.state.Load()
	if st == nil {
		return State{}, ErrNoState
	}

	if c.config.StateTimeout > 0 && time.Since(st.Received) > c.config.StateTimeout {
		return State{}, fmt.Errorf("%w: last packet %v ago", ErrNoState, time.Since(st.Received).Round(time.Millisecond))
	}

	return *st, nil
}

func stateGetter[T any](c *Client, get func(State) T) (T, error) {
	st, err := c.State()
	if err != nil {
		var zero T
		return zero, err
	}
	return get(st), nil
}

func (c *Client) Battery() (int, error) {
	return stateGetter(c, func(s State) int { return s.Battery })
}

func (c *Client) FlightTime() (int, error) {
	return stateGetter(c, func(s State) int { return s.Time })
}

func (c *Client) Height() (int, error) {
	return stateGetter(c, func(s State) int { return s.Height })
}

func (c *Client) Barometer() (float64, error) {
	return stateGetter(c, State.Pressure)
}

func (c *Client) Temperature() (float64, error) {
	return stateGetter(c, State.Temperature)
}

func (c *Client) Yaw() (int, error) {
	return stateGetter(c, func(s State) int { return s.Yaw })
}

func (c *Client) SpeedX() (int, error) { return stateGetter(c, func(s State) int { return s.VGX }) }
func (c *Client) SpeedY() (int, error) { return stateGetter(c, func(s State) int { return s.VGY }) }
func (c *Client) SpeedZ() (int, error) { return stateGetter(c, func(s State) int { return s.VGZ }) }

func (c *Client) AccelerationX() (float64, error) {
	return stateGetter(c, func(s State) float64 { return s.AGX })
}

func (c *Client) AccelerationY() (float64, error) {
	return stateGetter(c, func(s State) float64 { return s.AGY })
}

func (c *Client) AccelerationZ() (float64, error) {
	return stateGetter(c, func(s State) float64 { return s.AGZ })
}

func (c *Client) Close() error {
	var err error

	c.once.Do(func() {
		c.cancel()

		c.vidMux.Lock()
		c.streaming = false
		if c.video != nil {
			c.video.Close()
			c.video = nil
		}
		c.vidMux.Unlock()

		if c.stateLn != nil {
			_ = c.stateLn.Close()
		}
		c.stateWG.Wait()

		c.cmdMux.Lock()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.cmdMux.Unlock()
	})

	return err
}
