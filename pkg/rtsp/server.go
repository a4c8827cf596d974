// Package rtsp serves the relayed feed on a single RTSP mount point. Every
// playing client gets its own Session (timeline), encoder and ServerStream,
// all reading the same frame Store.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/frame"
	"github.com/harshabose/hermes/pkg/h264"
	"github.com/harshabose/hermes/pkg/logs"
)

// EncoderFactory builds the encoder of one session. ctx ends with the
// session.
type EncoderFactory func(ctx context.Context) (h264.Encoder, error)

// FFmpegEncoders returns a factory that starts one ffmpeg process per
// session, sized from config.
func FFmpegEncoders(config Config, binary string, bitrate string) EncoderFactory {
	return func(ctx context.Context) (h264.Encoder, error) {
		return h264.NewFFmpeg(ctx, h264.FFmpegConfig{
			Binary:        binary,
			Height:        config.Height,
			Width:         config.Width,
			FPS:           config.FPS,
			GOP:           1,
			Bitrate:       bitrate,
			LoggerFactory: config.LoggerFactory,
		})
	}
}

// ClientSession is one RTSP session and, once it plays, its delivery
// pipeline.
type ClientSession struct {
	ID         string
	Session    *gortsplib.ServerSession
	RemoteAddr string
	IsLocal    bool
	ConnTime   time.Time
	LastActive time.Time

	stream   *gortsplib.ServerStream
	forma    *format.H264
	sink     *streamSink
	timeline *Session
	cancel   context.CancelFunc
	done     chan struct{}
}

func (c *ClientSession) playing() bool {
	return c.timeline != nil
}

// FrameIndex is the number of buffers this client has been sent, or zero
// when it is not playing.
func (c *ClientSession) FrameIndex() uint64 {
	if c.timeline == nil {
		return 0
	}
	return c.timeline.FrameIndex()
}

type Server struct {
	server     *gortsplib.Server
	config     Config
	store      *frame.Store
	newEncoder EncoderFactory

	// describe only answers DESCRIBE; media flows on per-session streams
	describe *gortsplib.ServerStream
	clients  map[*gortsplib.ServerSession]*ClientSession
	// conns holds the connections that passed the client limit; only
	// these are counted out again on close
	conns map[*gortsplib.ServerConn]struct{}
	mux   sync.RWMutex

	// running guards gortsplib.Server.Close, which must not be called on a
	// server that never started
	running   bool
	serverMux sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	health *serverHealth
	log    logging.LeveledLogger
}

func NewServer(ctx context.Context, store *frame.Store, newEncoder EncoderFactory, config Config) *Server {
	config.SetDefaults()
	ctx2, cancel := context.WithCancel(ctx)

	s := &Server{
		config:     config,
		store:      store,
		newEncoder: newEncoder,
		clients:    make(map[*gortsplib.ServerSession]*ClientSession),
		conns:      make(map[*gortsplib.ServerConn]struct{}),
		ctx:        ctx2,
		cancel:     cancel,
		health:     newServerHealth(10),
		log:        logs.Scoped(config.LoggerFactory, "rtsp"),
	}

	s.server = &gortsplib.Server{
		Handler:        s,
		RTSPAddress:    fmt.Sprintf(":%d", config.Port),
		TLSConfig:      config.TLSConfig,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		WriteQueueSize: config.WriteQueueSize,
		UDPRTPAddress:  config.UDPRTPAddress,
		UDPRTCPAddress: config.UDPRTCPAddress,
	}

	return s
}

func (s *Server) Serve() {
	s.wg.Add(3)
	go s.connectionRoutine()
	go s.cleanupRoutine()
	go s.printMetrics()
}

func (s *Server) ServeAndWait() <-chan struct{} {
	s.Serve()

	return s.ctx.Done()
}

// URL is where clients play the feed, for logs.
func (s *Server) URL(host string) string {
	return fmt.Sprintf("rtsp://%s:%d%s", host, s.config.Port, s.config.MountPath)
}

func (s *Server) connectionRoutine() {
	defer s.wg.Done()

	attempt := 0
	currentDelay := s.config.ReServerDelay
	maxAttempts := s.config.ReServeAttempts

	for {
		s.health.SetState(ServerSettingUp)

		select {
		case <-s.ctx.Done():
			s.health.SetState(ServerDownState)
			return
		default:
		}

		s.log.Infof("starting RTSP server on %s", s.URL("0.0.0.0"))

		s.serverMux.Lock()
		if s.ctx.Err() != nil {
			s.serverMux.Unlock()
			s.health.SetState(ServerDownState)
			return
		}
		err := s.server.Start()
		s.running = err == nil
		s.serverMux.Unlock()

		if err == nil {
			s.health.SetState(ServerUpState)
			attempt = 0
			currentDelay = s.config.ReServerDelay

			err = s.server.Wait()
			if s.ctx.Err() != nil {
				s.health.SetState(ServerDownState)
				return
			}
		}

		if err == nil {
			err = errors.New("rtsp server stopped")
		}

		s.health.SetState(ServerErrorState)
		s.health.AddError(err)
		s.log.Errorf("RTSP server failed: %v", err)

		if maxAttempts == 0 {
			s.log.Warn("no retries configured, giving up on the RTSP server")
			s.health.SetState(ServerDownState)
			return
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			s.log.Warnf("maximum retry attempts (%d) reached, giving up", maxAttempts)
			s.health.SetState(ServerDownState)
			return
		}

		s.log.Infof("retrying RTSP server start in %v (attempt %d)", currentDelay, attempt+1)
		select {
		case <-s.ctx.Done():
			s.health.SetState(ServerDownState)
			return
		case <-time.After(currentDelay):
		}

		currentDelay = time.Duration(float64(currentDelay) * 1.5)
		if currentDelay > 30*time.Second {
			currentDelay = 30 * time.Second
		}
		attempt++
	}
}

// cleanupRoutine closes sessions that set up but never started playing.
func (s *Server) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ClientSessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupIdleSessions()
		}
	}
}

func (s *Server) cleanupIdleSessions() {
	now := time.Now()

	s.mux.RLock()
	var idle []*ClientSession
	for _, c := range s.clients {
		if !c.playing() && now.Sub(c.LastActive) > s.config.ClientSessionTimeout {
			idle = append(idle, c)
		}
	}
	s.mux.RUnlock()

	for _, c := range idle {
		s.log.Infof("closing idle session %s from %s", c.ID, c.RemoteAddr)
		c.Session.Close()
	}
}

func (s *Server) printMetrics() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsPrintInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.printDetailedMetrics()
		}
	}
}

func (s *Server) printDetailedMetrics() {
	st := s.Status()

	s.log.Infof("state=%s connections=%d playing=%d uptime=%v", st.State, st.Connections, st.PlayingClients, st.Uptime)

	s.mux.RLock()
	playing := make([]*ClientSession, 0, len(s.clients))
	for _, c := range s.clients {
		if c.playing() {
			playing = append(playing, c)
		}
	}
	s.mux.RUnlock()

	for _, c := range playing {
		written, keyFrames, bytes := c.sink.counts()
		s.log.Infof("  session %s (%s): frame %d, %d access units (%d bytes) sent, %d key frames",
			c.ID, c.RemoteAddr, c.FrameIndex(), written, bytes, keyFrames)
	}

	for i, err := range st.RecentErrors {
		s.log.Infof("  recent error %d: %s", i+1, err)
	}
}

func (s *Server) Status() Status {
	st := s.health.snapshot()
	st.MountPath = s.config.MountPath
	st.Port = s.config.Port

	s.mux.RLock()
	for _, c := range s.clients {
		if c.playing() {
			st.PlayingClients++
		}
	}
	s.mux.RUnlock()

	return st
}

func (s *Server) Close() error {
	s.once.Do(func() {
		s.log.Info("stopping RTSP server")
		s.cancel()

		s.mux.Lock()
		clients := s.clients
		s.clients = make(map[*gortsplib.ServerSession]*ClientSession)
		s.mux.Unlock()

		for _, c := range clients {
			s.release(c)
		}

		s.serverMux.Lock()
		if s.running {
			s.server.Close()
			s.running = false
		}
		s.serverMux.Unlock()

		s.wg.Wait()

		s.mux.Lock()
		if s.describe != nil {
			s.describe.Close()
			s.describe = nil
		}
		s.mux.Unlock()

		s.log.Info("RTSP server stopped")
	})

	return nil
}

func (s *Server) isMountPath(path string) bool {
	return "/"+strings.Trim(path, "/") == s.config.MountPath
}

// validateConnection must be called with s.mux held.
func (s *Server) validateConnection(remoteAddr string) error {
	if s.config.AllowLocalOnly && !isLocalhost(remoteAddr) {
		return errors.New("only localhost connections allowed")
	}

	if len(s.conns) >= s.config.MaxClients {
		return errors.New("maximum client limit reached")
	}

	return nil
}

func (s *Server) client(session *gortsplib.ServerSession) (*ClientSession, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	c, ok := s.clients[session]
	return c, ok
}

// OnConnOpen is called when a client completes the TCP handshake.
// gortsplib still calls OnConnClose for a connection closed here.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	remote := ctx.Conn.NetConn().RemoteAddr().String()

	s.mux.Lock()
	err := s.validateConnection(remote)
	if err == nil {
		s.conns[ctx.Conn] = struct{}{}
	}
	s.mux.Unlock()

	if err != nil {
		s.log.Warnf("connection from %s rejected: %v", remote, err)
		s.health.AddError(err)
		ctx.Conn.Close()
		return
	}

	total := s.health.IncrementConnections()
	s.log.Debugf("connection opened from %s (total: %d)", remote, total)
}

// OnConnClose is called when a client disconnects TCP.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.mux.Lock()
	_, accepted := s.conns[ctx.Conn]
	delete(s.conns, ctx.Conn)
	s.mux.Unlock()

	if !accepted {
		return
	}

	s.health.DecrementConnections()
	s.log.Debugf("connection closed from %s: %v", ctx.Conn.NetConn().RemoteAddr(), ctx.Error)
}

// OnSessionOpen registers the session; it gets a pipeline on PLAY.
func (s *Server) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	remote := ctx.Conn.NetConn().RemoteAddr().String()
	now := time.Now()

	c := &ClientSession{
		ID:         uuid.NewString(),
		Session:    ctx.Session,
		RemoteAddr: remote,
		IsLocal:    isLocalhost(remote),
		ConnTime:   now,
		LastActive: now,
	}

	s.mux.Lock()
	s.clients[ctx.Session] = c
	s.mux.Unlock()

	s.log.Infof("session %s opened from %s", c.ID, remote)
}

// OnSessionClose tears down the session pipeline.
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.mux.Lock()
	c, ok := s.clients[ctx.Session]
	delete(s.clients, ctx.Session)
	s.mux.Unlock()

	if !ok {
		return
	}

	s.release(c)
	s.log.Infof("session %s closed after %d frames: %v", c.ID, c.FrameIndex(), ctx.Error)
}

func (s *Server) release(c *ClientSession) {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			s.log.Debugf("session %s: closing encoder: %v", c.ID, err)
		}
	}

	if c.stream != nil {
		c.stream.Close()
	}

	if c.timeline != nil && s.config.Metrics != nil {
		s.config.Metrics.ActiveSessions.Add(-1)
	}
}

func (s *Server) describeStream() (*gortsplib.ServerStream, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.describe != nil {
		return s.describe, nil
	}

	stream, _, err := newVideoStream(s.server)
	if err != nil {
		return nil, err
	}

	s.describe = stream
	return stream, nil
}

func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !s.isMountPath(ctx.Path) {
		s.log.Debugf("describe for unknown path %s", ctx.Path)
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	stream, err := s.describeStream()
	if err != nil {
		s.health.AddError(err)
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil, nil
	}

	return &base.Response{StatusCode: base.StatusOK}, stream, nil
}

func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !s.isMountPath(ctx.Path) {
		s.log.Debugf("setup for unknown path %s", ctx.Path)
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	c, ok := s.client(ctx.Session)
	if !ok {
		return &base.Response{StatusCode: base.StatusBadRequest}, nil, nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	c.LastActive = time.Now()

	if c.stream == nil {
		stream, forma, err := newVideoStream(s.server)
		if err != nil {
			s.health.AddError(err)
			return &base.Response{StatusCode: base.StatusInternalServerError}, nil, nil
		}
		c.stream = stream
		c.forma = forma
	}

	return &base.Response{StatusCode: base.StatusOK}, c.stream, nil
}

// OnPlay starts the session timeline: frame index 0, one tick per frame
// duration.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	c, ok := s.client(ctx.Session)
	if !ok || c.stream == nil {
		return &base.Response{StatusCode: base.StatusBadRequest}, nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	c.LastActive = time.Now()
	if c.playing() {
		return &base.Response{StatusCode: base.StatusOK}, nil
	}

	sessionCtx, cancel := context.WithCancel(s.ctx)

	encoder, err := s.newEncoder(sessionCtx)
	if err != nil {
		cancel()
		s.health.AddError(err)
		s.log.Errorf("session %s: starting encoder: %v", c.ID, err)
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil
	}

	sink, err := newStreamSink(c.stream, c.forma, encoder, s.config.FPS, s.log)
	if err != nil {
		cancel()
		_ = encoder.Close()
		s.health.AddError(err)
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil
	}

	c.sink = sink
	c.timeline = NewSession(c.ID, s.store, s.config.StoreKey, s.config.FrameDuration(), sink, s.log, s.config.Metrics)
	c.cancel = cancel
	c.done = make(chan struct{})

	if s.config.Metrics != nil {
		s.config.Metrics.ActiveSessions.Add(1)
		s.config.Metrics.TotalSessions.Add(1)
	}

	go func(timeline *Session, done chan struct{}) {
		defer close(done)
		timeline.Run(sessionCtx)
	}(c.timeline, c.done)

	s.log.Infof("session %s playing %s at %d fps", c.ID, s.config.MountPath, s.config.FPS)

	return &base.Response{StatusCode: base.StatusOK}, nil
}
