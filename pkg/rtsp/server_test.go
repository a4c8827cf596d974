package rtsp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/liberrors"
	"github.com/pion/rtp"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/h264"
	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/metrics"
)

// fakeEncoder turns every frame into a single IDR access unit carrying the
// pts it was given.
type fakeEncoder struct {
	units  chan h264.AccessUnit
	done   chan struct{}
	closed bool
	once   sync.Once
	mux    sync.Mutex
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		units: make(chan h264.AccessUnit, 64),
		done:  make(chan struct{}),
	}
}

func (e *fakeEncoder) Encode(_ frame.Frame, pts time.Duration) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	if e.closed {
		return h264.ErrEncoderClosed
	}

	select {
	case e.units <- h264.AccessUnit{PTS: pts, NALUs: [][]byte{{0x65, 0x88, 0x84}}, KeyFrame: true}:
		return nil
	case <-e.done:
		return h264.ErrEncoderClosed
	}
}

func (e *fakeEncoder) AccessUnits() <-chan h264.AccessUnit {
	return e.units
}

func (e *fakeEncoder) Close() error {
	e.once.Do(func() {
		close(e.done)

		e.mux.Lock()
		e.closed = true
		close(e.units)
		e.mux.Unlock()
	})
	return nil
}

func fakeEncoders(_ context.Context) (h264.Encoder, error) {
	return newFakeEncoder(), nil
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, config Config) *Server {
	t.Helper()

	store := frame.NewStore()
	if err := store.PublishFrame("tello", frame.New(4, 4)); err != nil {
		t.Fatalf("Failed to publish frame: %v", err)
	}

	config.Port = freePort(t)
	config.LoggerFactory = logs.Discard()

	s := NewServer(context.Background(), store, fakeEncoders, config)
	s.Serve()
	t.Cleanup(func() { _ = s.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for s.Status().State != "UP" {
		if time.Now().After(deadline) {
			t.Fatalf("Expected server to come up, state is %s", s.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// player is an RTSP client recording the timestamps and sequence numbers
// of every packet it receives.
type player struct {
	client     *gortsplib.Client
	timestamps []uint32
	sequences  []uint16
	mux        sync.Mutex
}

func newClient(t *testing.T, s *Server) *gortsplib.Client {
	t.Helper()

	transport := gortsplib.TransportTCP
	c := &gortsplib.Client{Transport: &transport}
	if err := c.Start("rtsp", "127.0.0.1:"+strconv.Itoa(s.config.Port)); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}

	return c
}

func play(t *testing.T, s *Server) *player {
	t.Helper()

	p := &player{client: newClient(t, s)}
	t.Cleanup(p.client.Close)

	u, err := base.ParseURL(s.URL("127.0.0.1"))
	if err != nil {
		t.Fatalf("Failed to parse url: %v", err)
	}

	desc, _, err := p.client.Describe(u)
	if err != nil {
		t.Fatalf("Failed to describe: %v", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		t.Fatal("Expected an H264 media in the description")
	}

	if _, err := p.client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		t.Fatalf("Failed to setup: %v", err)
	}

	p.client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		p.mux.Lock()
		defer p.mux.Unlock()

		p.timestamps = append(p.timestamps, pkt.Timestamp)
		p.sequences = append(p.sequences, pkt.SequenceNumber)
	})

	if _, err := p.client.Play(nil); err != nil {
		t.Fatalf("Failed to play: %v", err)
	}

	return p
}

func (p *player) received() ([]uint32, []uint16) {
	p.mux.Lock()
	defer p.mux.Unlock()

	return append([]uint32(nil), p.timestamps...), append([]uint16(nil), p.sequences...)
}

func (p *player) waitPackets(t *testing.T, n int) ([]uint32, []uint16) {
	t.Helper()

	waitFor(t, strconv.Itoa(n)+" packets", func() bool {
		ts, _ := p.received()
		return len(ts) >= n
	})

	return p.received()
}

func checkSpacing(t *testing.T, name string, ts []uint32, seq []uint16) {
	t.Helper()

	for i := 1; i < len(ts); i++ {
		if d := ts[i] - ts[i-1]; d != 3000 {
			t.Errorf("Expected %s packet %d to be 3000 ticks after the previous, got %d", name, i, d)
		}
		if d := seq[i] - seq[i-1]; d != 1 {
			t.Errorf("Expected %s sequence to advance by 1 at packet %d, got %d", name, i, d)
		}
	}
}

func (s *Server) playingSessions() []*ClientSession {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*ClientSession
	for _, c := range s.clients {
		if c.playing() {
			out = append(out, c)
		}
	}
	return out
}

func TestDescribeUnknownPath(t *testing.T) {
	s := startServer(t, Config{})

	c := newClient(t, s)
	defer c.Close()

	u, err := base.ParseURL("rtsp://127.0.0.1:" + strconv.Itoa(s.config.Port) + "/other")
	if err != nil {
		t.Fatalf("Failed to parse url: %v", err)
	}

	_, _, err = c.Describe(u)

	var bad liberrors.ErrClientBadStatusCode
	if !errors.As(err, &bad) {
		t.Fatalf("Expected a bad status code error, got %v", err)
	}
	if bad.Code != base.StatusNotFound {
		t.Errorf("Expected 404, got %d", bad.Code)
	}
}

func TestPlayTimestampSpacing(t *testing.T) {
	s := startServer(t, Config{})

	p := play(t, s)
	ts, seq := p.waitPackets(t, 10)

	checkSpacing(t, "client", ts, seq)
}

func TestConcurrentClientsHaveOwnTimelines(t *testing.T) {
	m := metrics.New()
	s := startServer(t, Config{Metrics: m})

	first := play(t, s)
	first.waitPackets(t, 10)

	second := play(t, s)
	ts2, seq2 := second.waitPackets(t, 5)
	ts1, seq1 := first.received()

	checkSpacing(t, "first", ts1, seq1)
	checkSpacing(t, "second", ts2, seq2)

	if st := s.Status(); st.PlayingClients != 2 {
		t.Errorf("Expected 2 playing clients, got %d", st.PlayingClients)
	}

	if got := m.ActiveSessions.Load(); got != 2 {
		t.Errorf("Expected 2 active sessions, got %d", got)
	}

	sessions := s.playingSessions()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 playing sessions, got %d", len(sessions))
	}

	a, b := sessions[0], sessions[1]
	if a.ConnTime.After(b.ConnTime) {
		a, b = b, a
	}
	if a.FrameIndex() <= b.FrameIndex() {
		t.Errorf("Expected the earlier client ahead of the later one, got %d and %d", a.FrameIndex(), b.FrameIndex())
	}
}

func TestClientCloseReleasesSession(t *testing.T) {
	m := metrics.New()
	s := startServer(t, Config{Metrics: m})

	p := play(t, s)
	p.waitPackets(t, 3)

	p.client.Close()

	waitFor(t, "session release", func() bool {
		return s.Status().PlayingClients == 0 && m.ActiveSessions.Load() == 0
	})

	waitFor(t, "connection release", func() bool {
		return s.health.Connections() == 0
	})

	if got := m.TotalSessions.Load(); got != 1 {
		t.Errorf("Expected 1 total session, got %d", got)
	}
}

// expectRejected reads until the server hangs up. A read that times out
// means the connection was accepted.
func expectRejected(t *testing.T, conn net.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))

	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Errorf("Expected the server to close the connection, got %v", err)
	}
}

func TestMaxClientsHoldsAfterRejections(t *testing.T) {
	s := startServer(t, Config{MaxClients: 1})
	addr := "127.0.0.1:" + strconv.Itoa(s.config.Port)

	conn1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn1.Close()

	waitFor(t, "first connection", func() bool { return s.health.Connections() == 1 })

	for i := 2; i <= 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Failed to dial connection %d: %v", i, err)
		}
		expectRejected(t, conn)
		conn.Close()

		if got := s.health.Connections(); got != 1 {
			t.Errorf("Expected 1 connection after rejecting connection %d, got %d", i, got)
		}
	}

	conn1.Close()
	waitFor(t, "first connection to close", func() bool { return s.health.Connections() == 0 })

	conn4, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn4.Close()

	waitFor(t, "a freed slot to be reused", func() bool { return s.health.Connections() == 1 })
}
