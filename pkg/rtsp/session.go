package rtsp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/metrics"
)

// MediaBuffer is a frame stamped for the encode pipeline. PTS and DTS are
// equal: the pipeline never reorders.
type MediaBuffer struct {
	Frame    frame.Frame
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	// Offset is the frame index inside the session.
	Offset uint64
}

// Sink receives the buffers of one session.
type Sink interface {
	Push(buf MediaBuffer) error
}

// Session owns the timeline of one client: a private frame index starting
// at zero and advancing once per buffer the sink accepted. Sessions share
// the Store and nothing else.
type Session struct {
	ID string

	store    *frame.Store
	key      string
	duration time.Duration
	sink     Sink
	log      logging.LeveledLogger
	metrics  *metrics.Metrics

	// frameIndex is written only under tickMux but read lock-free, so a
	// sink blocked inside Push never stalls FrameIndex callers.
	frameIndex atomic.Uint64
	absent     bool
	tickMux    sync.Mutex
}

func NewSession(id string, store *frame.Store, key string, duration time.Duration, sink Sink, log logging.LeveledLogger, m *metrics.Metrics) *Session {
	return &Session{
		ID:       id,
		store:    store,
		key:      key,
		duration: duration,
		sink:     sink,
		log:      log,
		metrics:  m,
	}
}

// Tick runs one fetch, validate, stamp, push cycle. It reports the buffer
// that was pushed, or false when the tick was skipped: nothing published
// yet, a malformed blob, or a sink error. A skipped tick leaves the frame
// index untouched.
func (s *Session) Tick() (MediaBuffer, bool) {
	s.tickMux.Lock()
	defer s.tickMux.Unlock()

	blob, ok := s.store.Fetch(s.key)
	if !ok {
		if !s.absent {
			s.log.Debugf("session %s: no frame under %q yet, skipping", s.ID, s.key)
			s.absent = true
		}
		s.metrics.Skipped(metrics.SkipAbsent)
		return MediaBuffer{}, false
	}
	s.absent = false

	f, err := frame.Decode(blob)
	if err != nil {
		s.log.Warnf("session %s: dropping malformed frame: %v", s.ID, err)
		s.metrics.Skipped(metrics.SkipMalformed)
		return MediaBuffer{}, false
	}

	index := s.frameIndex.Load()
	ts := time.Duration(index) * s.duration
	buf := MediaBuffer{
		Frame:    f,
		PTS:      ts,
		DTS:      ts,
		Duration: s.duration,
		Offset:   index,
	}

	if err := s.sink.Push(buf); err != nil {
		s.log.Warnf("session %s: push at frame %d failed: %v", s.ID, index, err)
		s.metrics.Skipped(metrics.SkipPush)
		return MediaBuffer{}, false
	}

	s.frameIndex.Add(1)
	if s.metrics != nil {
		s.metrics.BuffersDelivered.Add(1)
	}

	return buf, true
}

func (s *Session) FrameIndex() uint64 {
	return s.frameIndex.Load()
}

// Run ticks once immediately and then every frame duration until ctx is
// done. The only wait is on the ticker.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.duration)
	defer ticker.Stop()

	s.Tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
