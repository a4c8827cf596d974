package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
	"github.com/harshabose/hermes/pkg/vehicle"
)

type PollerConfig struct {
	Interval time.Duration
	// Buffer is the per subscriber queue length. A subscriber that falls
	// behind loses snapshots, it never slows the poller.
	Buffer int

	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

func (c *PollerConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Second
	}

	if c.Buffer == 0 {
		c.Buffer = 4
	}
}

// Poller collects a snapshot every Interval and hands it to subscribers.
// A failed collection is logged and the tick is skipped.
type Poller struct {
	sensors vehicle.Sensors
	config  PollerConfig
	log     logging.LeveledLogger

	latest    Snapshot
	hasLatest bool
	lastErr   error
	subs      map[chan Snapshot]struct{}
	mux       sync.RWMutex
}

func NewPoller(sensors vehicle.Sensors, config PollerConfig) *Poller {
	config.SetDefaults()

	return &Poller{
		sensors: sensors,
		config:  config,
		log:     logs.Scoped(config.LoggerFactory, "telemetry"),
		subs:    make(map[chan Snapshot]struct{}),
	}
}

// Subscribe returns a channel of snapshots and a function that releases
// it. The channel is closed on release.
func (p *Poller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, p.config.Buffer)

	p.mux.Lock()
	p.subs[ch] = struct{}{}
	p.mux.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mux.Lock()
			delete(p.subs, ch)
			p.mux.Unlock()
			close(ch)
		})
	}
}

// Latest returns the last good snapshot, if any.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	return p.latest, p.hasLatest
}

// Err is the error of the last collection, nil when it succeeded.
func (p *Poller) Err() error {
	p.mux.RLock()
	defer p.mux.RUnlock()

	return p.lastErr
}

// Poll runs one collection and publishes the result.
func (p *Poller) Poll() (Snapshot, error) {
	snap, err := Collect(p.sensors)

	p.mux.Lock()
	defer p.mux.Unlock()

	p.lastErr = err
	if err != nil {
		if p.config.Metrics != nil {
			p.config.Metrics.TelemetryFailures.Add(1)
		}
		return Snapshot{}, err
	}

	p.latest = snap
	p.hasLatest = true

	for ch := range p.subs {
		select {
		case ch <- snap:
		default:
		}
	}

	return snap, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(); err != nil {
			p.log.Warnf("snapshot skipped: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
