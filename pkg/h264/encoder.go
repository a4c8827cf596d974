package h264

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/logs"
)

var ErrEncoderClosed = errors.New("h264: encoder closed")

// AccessUnit is one encoded picture.
type AccessUnit struct {
	PTS      time.Duration
	NALUs    [][]byte
	KeyFrame bool
}

// Encoder turns raw frames into access units. Access units come out in
// submission order carrying the pts given to Encode.
type Encoder interface {
	Encode(f frame.Frame, pts time.Duration) error
	AccessUnits() <-chan AccessUnit
	Close() error
}

type FFmpegConfig struct {
	Binary string
	Height uint32
	Width  uint32
	FPS    int

	Preset string
	Tune   string
	// GOP is the key frame interval in frames.
	GOP     int
	Bitrate string

	QueueSize     int
	LoggerFactory logging.LoggerFactory
}

func (c *FFmpegConfig) SetDefaults() {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.Width == 0 {
		c.Width = 960
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.Preset == "" {
		c.Preset = "ultrafast"
	}
	if c.Tune == "" {
		c.Tune = "zerolatency"
	}
	if c.GOP == 0 {
		c.GOP = 1
	}
	if c.QueueSize == 0 {
		c.QueueSize = 8
	}
}

// Args is the ffmpeg command line: bgr24 rawvideo in on stdin, Annex-B
// H.264 with access unit delimiters out on stdout.
func (c FFmpegConfig) Args() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", strconv.Itoa(c.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", c.Preset,
		"-tune", c.Tune,
		"-g", strconv.Itoa(c.GOP),
		"-bf", "0",
		"-pix_fmt", "yuv420p",
	}

	if c.Bitrate != "" {
		args = append(args, "-b:v", c.Bitrate)
	}

	return append(args,
		"-bsf:v", "h264_metadata=aud=insert",
		"-flush_packets", "1",
		"-f", "h264", "pipe:1",
	)
}

// FFmpeg runs one ffmpeg/libx264 process per encoder. With zerolatency
// tuning and no B-frames x264 emits exactly one access unit per input frame,
// so pts values are paired with output in FIFO order.
type FFmpeg struct {
	config FFmpegConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    chan AccessUnit
	log    logging.LeveledLogger

	pts    []time.Duration
	ptsMux sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewFFmpeg(ctx context.Context, config FFmpegConfig) (*FFmpeg, error) {
	config.SetDefaults()
	ctx2, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx2, config.Binary, config.Args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	e := &FFmpeg{
		config: config,
		cmd:    cmd,
		stdin:  stdin,
		out:    make(chan AccessUnit, config.QueueSize),
		log:    logs.Scoped(config.LoggerFactory, "h264"),
		ctx:    ctx2,
		cancel: cancel,
	}
	cmd.Stderr = &logWriter{log: e.log}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	e.log.Debugf("ffmpeg started (pid %d): %v", cmd.Process.Pid, config.Args())

	e.wg.Add(1)
	go e.readLoop(stdout)

	return e, nil
}

func (e *FFmpeg) Encode(f frame.Frame, pts time.Duration) error {
	if e.ctx.Err() != nil {
		return ErrEncoderClosed
	}

	if f.Height != e.config.Height || f.Width != e.config.Width {
		return fmt.Errorf("h264: frame %dx%d does not match encoder %dx%d", f.Width, f.Height, e.config.Width, e.config.Height)
	}

	e.ptsMux.Lock()
	e.pts = append(e.pts, pts)
	e.ptsMux.Unlock()

	if _, err := e.stdin.Write(f.Pix); err != nil {
		e.dropLastPTS()
		return fmt.Errorf("write frame to ffmpeg: %w", err)
	}

	return nil
}

func (e *FFmpeg) dropLastPTS() {
	e.ptsMux.Lock()
	defer e.ptsMux.Unlock()

	if len(e.pts) > 0 {
		e.pts = e.pts[:len(e.pts)-1]
	}
}

func (e *FFmpeg) nextPTS() (time.Duration, bool) {
	e.ptsMux.Lock()
	defer e.ptsMux.Unlock()

	if len(e.pts) == 0 {
		return 0, false
	}

	pts := e.pts[0]
	e.pts = e.pts[1:]
	return pts, true
}

func (e *FFmpeg) readLoop(stdout io.Reader) {
	defer e.wg.Done()
	defer close(e.out)

	var splitter Splitter
	buf := make([]byte, 64*1024)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, nalus := range splitter.Write(buf[:n]) {
				if !e.emit(nalus) {
					return
				}
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && e.ctx.Err() == nil {
				e.log.Errorf("reading ffmpeg output: %v", err)
			}
			if nalus := splitter.Flush(); len(nalus) > 0 {
				e.emit(nalus)
			}
			return
		}
	}
}

func (e *FFmpeg) emit(nalus [][]byte) bool {
	pts, ok := e.nextPTS()
	if !ok {
		e.log.Warn("access unit without a pending frame, dropping it")
		return true
	}

	au := AccessUnit{PTS: pts, NALUs: nalus, KeyFrame: IsKeyFrame(nalus)}

	select {
	case e.out <- au:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *FFmpeg) AccessUnits() <-chan AccessUnit {
	return e.out
}

func (e *FFmpeg) Close() error {
	var err error

	e.once.Do(func() {
		if cerr := e.stdin.Close(); cerr != nil {
			err = cerr
		}
		e.cancel()
		e.wg.Wait()

		if werr := e.cmd.Wait(); werr != nil {
			e.log.Debugf("ffmpeg exited: %v", werr)
		}
	})

	return err
}

type logWriter struct {
	log logging.LeveledLogger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Warnf("ffmpeg: %s", p)
	return len(p), nil
}
