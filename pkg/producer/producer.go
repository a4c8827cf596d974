// Package producer runs the capture loop that feeds the frame store.
package producer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
)

// Source is the part of the vehicle facade the producer reads from.
type Source interface {
	Frame(ctx context.Context) (frame.Frame, error)
}

type Config struct {
	Key    string
	Height uint32
	Width  uint32

	// Resize scales frames whose size differs from Height x Width. When
	// false such frames are rejected.
	Resize bool

	// RetryDelay is the pause after a failed iteration.
	RetryDelay time.Duration

	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Key == "" {
		c.Key = "tello"
	}

	if c.Height == 0 {
		c.Height = 720
	}

	if c.Width == 0 {
		c.Width = 960
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = 10 * time.Millisecond
	}
}

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Producer pulls frames from a Source and publishes them into a Store under
// a fixed key. It is the store's only writer.
type Producer struct {
	source Source
	store  *frame.Store
	config Config
	log    logging.LeveledLogger

	published atomic.Uint64
	failed    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(ctx context.Context, source Source, store *frame.Store, config Config) *Producer {
	config.SetDefaults()
	ctx2, cancel := context.WithCancel(ctx)

	return &Producer{
		source: source,
		store:  store,
		config: config,
		log:    logs.Scoped(config.LoggerFactory, "producer"),
		ctx:    ctx2,
		cancel: cancel,
	}
}

// Start runs the loop in its own goroutine.
func (p *Producer) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run()
	}()
}

// Run blocks until the producer is stopped or its parent context ends. A
// failed iteration is logged and retried, it never ends the loop.
func (p *Producer) Run() {
	p.log.Infof("capture loop started, publishing %dx%d frames under %q", p.config.Width, p.config.Height, p.config.Key)
	defer p.log.Info("capture loop stopped")

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.step(); err != nil {
			if p.ctx.Err() != nil {
				return
			}

			p.failed.Add(1)
			if p.config.Metrics != nil {
				p.config.Metrics.CaptureFailures.Add(1)
			}
			p.log.Warnf("capture failed: %v", err)

			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.config.RetryDelay):
			}
		}
	}
}

func (p *Producer) step() error {
	f, err := p.source.Frame(p.ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}

	if err := f.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	if f.Height != p.config.Height || f.Width != p.config.Width {
		if !p.config.Resize {
			return fmt.Errorf("validate: got %dx%d, want %dx%d", f.Width, f.Height, p.config.Width, p.config.Height)
		}

		if f, err = frame.Resize(f, p.config.Height, p.config.Width); err != nil {
			return fmt.Errorf("resize: %w", err)
		}
	}

	blob, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	p.store.Publish(p.config.Key, blob)
	p.published.Add(1)
	if p.config.Metrics != nil {
		p.config.Metrics.FramesPublished.Add(1)
	}

	return nil
}

func (p *Producer) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stop cancels the loop and waits for a goroutine started with Start.
func (p *Producer) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
