package rtsp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
)

type recordingSink struct {
	buffers []MediaBuffer
	err     error
	mux     sync.Mutex
}

func (r *recordingSink) Push(buf MediaBuffer) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.err != nil {
		return r.err
	}
	r.buffers = append(r.buffers, buf)
	return nil
}

func (r *recordingSink) Buffers() []MediaBuffer {
	r.mux.Lock()
	defer r.mux.Unlock()

	return append([]MediaBuffer(nil), r.buffers...)
}

func (r *recordingSink) SetErr(err error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.err = err
}

const testDuration = time.Second / 30

func newTestSession(store *frame.Store, sink Sink, m *metrics.Metrics) *Session {
	log := logs.Scoped(logs.Discard(), "rtsp")
	return NewSession("test", store, "tello", testDuration, sink, log, m)
}

func TestSessionTickScenario(t *testing.T) {
	store := frame.NewStore()
	if err := store.PublishFrame("tello", frame.New(720, 960)); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	sink := &recordingSink{}
	s := newTestSession(store, sink, nil)

	buf, ok := s.Tick()
	if !ok {
		t.Fatal("Expected a buffer to be pushed")
	}

	if buf.PTS != 0 || buf.DTS != 0 {
		t.Errorf("Expected pts=dts=0, got %v/%v", buf.PTS, buf.DTS)
	}

	if buf.Duration != testDuration {
		t.Errorf("Expected duration %v, got %v", testDuration, buf.Duration)
	}

	if len(buf.Frame.Pix) != 720*960*3 {
		t.Errorf("Expected payload length %d, got %d", 720*960*3, len(buf.Frame.Pix))
	}

	if !bytes.Equal(buf.Frame.Pix, make([]byte, 720*960*3)) {
		t.Error("Expected an all-zero payload")
	}

	if len(sink.Buffers()) != 1 {
		t.Errorf("Expected one pushed buffer, got %d", len(sink.Buffers()))
	}
}

func TestSessionTickAbsent(t *testing.T) {
	m := metrics.New()
	sink := &recordingSink{}
	s := newTestSession(frame.NewStore(), sink, m)

	for i := 0; i < 3; i++ {
		if _, ok := s.Tick(); ok {
			t.Fatal("Expected no buffer without a published frame")
		}
	}

	if s.FrameIndex() != 0 {
		t.Errorf("Expected frame index to stay 0, got %d", s.FrameIndex())
	}

	if len(sink.Buffers()) != 0 {
		t.Errorf("Expected no pushes, got %d", len(sink.Buffers()))
	}
}

func TestSessionTimestampsIgnoreStoreGaps(t *testing.T) {
	store := frame.NewStore()
	sink := &recordingSink{}
	s := newTestSession(store, sink, nil)

	_ = store.PublishFrame("tello", frame.New(2, 2))

	// several ticks per publish, then several publishes per tick
	for i := 0; i < 10; i++ {
		if i%3 == 0 {
			_ = store.PublishFrame("tello", frame.Fill(2, 2, byte(i), 0, 0))
			_ = store.PublishFrame("tello", frame.Fill(2, 2, byte(i), 1, 0))
		}
		s.Tick()
	}

	bufs := sink.Buffers()
	if len(bufs) != 10 {
		t.Fatalf("Expected 10 buffers, got %d", len(bufs))
	}

	for i, b := range bufs {
		want := time.Duration(i) * testDuration
		if b.PTS != want || b.DTS != want {
			t.Errorf("Expected buffer %d at %v, got pts %v dts %v", i, want, b.PTS, b.DTS)
		}
		if b.Offset != uint64(i) {
			t.Errorf("Expected offset %d, got %d", i, b.Offset)
		}
	}
}

func TestSessionDropsMalformed(t *testing.T) {
	store := frame.NewStore()
	sink := &recordingSink{}
	m := metrics.New()
	s := newTestSession(store, sink, m)

	bad := make([]byte, frame.HeaderSize+10)
	binary.BigEndian.PutUint32(bad[0:4], 720)
	binary.BigEndian.PutUint32(bad[4:8], 960)
	store.Publish("tello", bad)

	if _, ok := s.Tick(); ok {
		t.Fatal("Expected a malformed blob to be dropped")
	}

	store.Publish("tello", []byte{1, 2})
	if _, ok := s.Tick(); ok {
		t.Fatal("Expected a truncated header to be dropped")
	}

	if s.FrameIndex() != 0 {
		t.Errorf("Expected frame index 0 after drops, got %d", s.FrameIndex())
	}

	_ = store.PublishFrame("tello", frame.New(1, 1))
	buf, ok := s.Tick()
	if !ok || buf.PTS != 0 {
		t.Errorf("Expected the next good frame at pts 0, got %v, %v", buf.PTS, ok)
	}
}

func TestSessionPushFailureKeepsIndex(t *testing.T) {
	store := frame.NewStore()
	_ = store.PublishFrame("tello", frame.New(1, 1))

	sink := &recordingSink{}
	s := newTestSession(store, sink, nil)

	s.Tick()
	sink.SetErr(errors.New("encoder gone"))
	s.Tick()
	sink.SetErr(nil)
	s.Tick()

	bufs := sink.Buffers()
	if len(bufs) != 2 {
		t.Fatalf("Expected 2 buffers, got %d", len(bufs))
	}

	if bufs[1].PTS != testDuration {
		t.Errorf("Expected second pushed buffer at %v, got %v", testDuration, bufs[1].PTS)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	store := frame.NewStore()
	_ = store.PublishFrame("tello", frame.New(1, 1))

	a, b := &recordingSink{}, &recordingSink{}
	sa := newTestSession(store, a, nil)
	sb := newTestSession(store, b, nil)

	for i := 0; i < 5; i++ {
		sa.Tick()
	}
	sb.Tick()

	if sa.FrameIndex() != 5 || sb.FrameIndex() != 1 {
		t.Errorf("Expected independent indexes 5 and 1, got %d and %d", sa.FrameIndex(), sb.FrameIndex())
	}

	if b.Buffers()[0].PTS != 0 {
		t.Errorf("Expected a late session to start at pts 0, got %v", b.Buffers()[0].PTS)
	}
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSink) Push(MediaBuffer) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestFrameIndexDuringBlockedPush(t *testing.T) {
	store := frame.NewStore()
	_ = store.PublishFrame("tello", frame.New(1, 1))

	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestSession(store, sink, nil)

	done := make(chan struct{})
	go func() {
		s.Tick()
		close(done)
	}()
	<-sink.entered

	read := make(chan uint64, 1)
	go func() { read <- s.FrameIndex() }()

	select {
	case idx := <-read:
		if idx != 0 {
			t.Errorf("Expected frame index 0 while the first push is pending, got %d", idx)
		}
	case <-time.After(time.Second):
		t.Error("Expected FrameIndex to return while the sink is blocked")
	}

	close(sink.release)
	<-done

	if s.FrameIndex() != 1 {
		t.Errorf("Expected frame index 1 after the push, got %d", s.FrameIndex())
	}
}

func TestSessionRun(t *testing.T) {
	store := frame.NewStore()
	_ = store.PublishFrame("tello", frame.New(1, 1))

	sink := &recordingSink{}
	s := NewSession("run", store, "tello", time.Millisecond, sink, logs.Scoped(logs.Discard(), "rtsp"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Buffers()) < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	bufs := sink.Buffers()
	if len(bufs) < 5 {
		t.Fatalf("Expected at least 5 buffers, got %d", len(bufs))
	}

	for i, b := range bufs {
		if b.PTS != time.Duration(i)*time.Millisecond {
			t.Errorf("Expected buffer %d at %v, got %v", i, time.Duration(i)*time.Millisecond, b.PTS)
		}
	}
}

func TestRTPTimestamp(t *testing.T) {
	// well past the point where k*testDuration drifts a full tick from k/30s
	for _, k := range []int64{0, 1, 29, 30, 999, 16_667, 20_000, 1_000_000, 5_000_000} {
		pts := time.Duration(k) * testDuration
		want := uint32(100 + k*3000)
		if got := rtpTimestamp(100, pts, 30); got != want {
			t.Errorf("Expected frame %d at %d, got %d", k, want, got)
		}
	}
}

func TestRTPTimestampOtherRates(t *testing.T) {
	for _, fps := range []int{24, 25, 60} {
		d := time.Second / time.Duration(fps)
		for _, k := range []int64{1, 100, 1_000_000} {
			want := uint32(k * 90000 / int64(fps))
			if got := rtpTimestamp(0, time.Duration(k)*d, fps); got != want {
				t.Errorf("Expected frame %d at %d fps to be %d, got %d", k, fps, want, got)
			}
		}
	}
}

func TestConfigFPSDefaults(t *testing.T) {
	for _, fps := range []int{0, -1, -30} {
		c := Config{FPS: fps}
		c.SetDefaults()
		if c.FPS != 30 {
			t.Errorf("Expected FPS %d to default to 30, got %d", fps, c.FPS)
		}
		if c.FrameDuration() <= 0 {
			t.Errorf("Expected positive frame duration, got %v", c.FrameDuration())
		}
	}
}

func TestStamp(t *testing.T) {
	pkts := []*rtp.Packet{
		{Header: rtp.Header{Version: 2, Marker: false}, Payload: make([]byte, 100)},
		{Header: rtp.Header{Version: 2, Marker: true}, Payload: make([]byte, 50)},
	}

	size := stamp(pkts, 3000)

	for i, pkt := range pkts {
		if pkt.Timestamp != 3000 {
			t.Errorf("Expected packet %d at 3000, got %d", i, pkt.Timestamp)
		}
	}

	// 12 byte fixed header each
	if size != 12+100+12+50 {
		t.Errorf("Expected %d bytes, got %d", 12+100+12+50, size)
	}
}
