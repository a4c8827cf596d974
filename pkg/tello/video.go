package tello

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/frame"
)

var ErrVideoClosed = errors.New("tello: video decoder closed")

// decoderArgs turns the H.264 elementary stream the vehicle sends to
// videoURL into fixed size bgr24 frames on stdout.
func decoderArgs(videoURL string, height, width uint32) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-probesize", "32", "-analyzeduration", "0",
		"-i", videoURL,
		"-an",
		"-f", "rawvideo", "-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"pipe:1",
	}
}

// decoder keeps only the newest decoded frame. Frame waits for one that
// was decoded after the previous call returned.
type decoder struct {
	height uint32
	width  uint32
	log    logging.LeveledLogger

	cmd    *exec.Cmd
	latest chan frame.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newDecoder(ctx context.Context, height, width uint32, log logging.LeveledLogger) *decoder {
	ctx2, cancel := context.WithCancel(ctx)

	return &decoder{
		height: height,
		width:  width,
		log:    log,
		latest: make(chan frame.Frame, 1),
		ctx:    ctx2,
		cancel: cancel,
	}
}

func startDecoder(ctx context.Context, binary, videoURL string, height, width uint32, log logging.LeveledLogger) (*decoder, error) {
	d := newDecoder(ctx, height, width, log)

	d.cmd = exec.CommandContext(d.ctx, binary, decoderArgs(videoURL, height, width)...)

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		d.cancel()
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		d.cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	log.Debugf("video decoder started (pid %d) on %s", d.cmd.Process.Pid, videoURL)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.consume(stdout)
	}()

	return d, nil
}

func (d *decoder) consume(r io.Reader) {
	size := frame.PayloadSize(d.height, d.width)

	for {
		pix := make([]byte, size)
		if _, err := io.ReadFull(r, pix); err != nil {
			if d.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				d.log.Errorf("reading decoded video: %v", err)
			}
			d.cancel()
			return
		}

		d.offer(frame.Frame{Height: d.height, Width: d.width, Pix: pix})
	}
}

// offer replaces whatever frame is waiting with f.
func (d *decoder) offer(f frame.Frame) {
	for {
		select {
		case d.latest <- f:
			return
		default:
		}

		select {
		case <-d.latest:
		default:
		}
	}
}

// alive reports whether the ffmpeg process is still producing output.
func (d *decoder) alive() bool {
	return d.ctx.Err() == nil
}

// Frame hands out a frame decoded before the process exited ahead of
// reporting ErrVideoClosed.
func (d *decoder) Frame(ctx context.Context) (frame.Frame, error) {
	select {
	case f := <-d.latest:
		return f, nil
	default:
	}

	select {
	case f := <-d.latest:
		return f, nil
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	case <-d.ctx.Done():
		return frame.Frame{}, ErrVideoClosed
	}
}

func (d *decoder) Close() {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()

		if d.cmd != nil {
			_ = d.cmd.Wait()
		}
	})
}
