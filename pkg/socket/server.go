// Package socket streams telemetry snapshots to websocket clients. It
// mounts on the relay's https server rather than owning a listener.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/https"
	"github.com/harshabose/hermes/pkg/logs"
	"github.com/harshabose/hermes/pkg/telemetry"
)

var ErrTooManyClients = errors.New("max clients reached")

const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

type metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ActiveConnections uint64        `json:"active_connections"`
	FailedConnections uint64        `json:"failed_connections"`
	TotalDataSent     int64         `json:"total_data_sent"`
	TotalMessagesSent int64         `json:"total_messages_sent"`
	timeSinceUptime   time.Time
	mux               sync.RWMutex
}

func (m *metrics) active() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.ActiveConnections
}

func (m *metrics) failed() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.FailedConnections
}

// reserve takes a connection slot unless limit are already in use.
func (m *metrics) reserve(limit uint64) bool {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.ActiveConnections >= limit {
		m.FailedConnections++
		return false
	}

	m.ActiveConnections++
	return true
}

func (m *metrics) release() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.ActiveConnections--
}

func (m *metrics) increaseFailedConnections() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.FailedConnections++
}

func (m *metrics) addDataSent(n int) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.TotalDataSent += int64(n)
	m.TotalMessagesSent++
}

func (m *metrics) resetUptime() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.timeSinceUptime = time.Now()
}

type metricsSnapshot struct {
	Uptime            string `json:"uptime"`
	ActiveConnections uint64 `json:"active_connections"`
	FailedConnections uint64 `json:"failed_connections"`
	TotalDataSent     int64  `json:"total_data_sent"`
	TotalMessagesSent int64  `json:"total_messages_sent"`
}

func (m *metrics) snapshot() any {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.Uptime = time.Since(m.timeSinceUptime)

	return metricsSnapshot{
		Uptime:            m.Uptime.Round(time.Second).String(),
		ActiveConnections: m.ActiveConnections,
		FailedConnections: m.FailedConnections,
		TotalDataSent:     m.TotalDataSent,
		TotalMessagesSent: m.TotalMessagesSent,
	}
}

type ServerConfig struct {
	Path             string        `json:"path"`
	TotalConnections uint64        `json:"total_connections"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	// OriginPatterns is handed to the websocket handshake. Nil accepts
	// same-origin requests only.
	OriginPatterns []string `json:"origin_patterns"`

	LoggerFactory logging.LoggerFactory `json:"-"`
}

func DefaultServerConfig() ServerConfig {
	c := ServerConfig{OriginPatterns: []string{"*"}}
	c.SetDefaults()

	return c
}

func (c *ServerConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/ws/telemetry"
	}

	if c.TotalConnections == 0 {
		c.TotalConnections = 100
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Source hands out snapshots. *telemetry.Poller implements it.
type Source interface {
	Subscribe() (<-chan telemetry.Snapshot, func())
	Latest() (telemetry.Snapshot, bool)
}

type Server struct {
	httpServer *https.Server
	source     Source
	config     ServerConfig
	log        logging.LeveledLogger

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics
}

// NewServer registers the feed on httpServer at config.Path and its
// counters under "websocket" in the status document.
func NewServer(ctx context.Context, httpServer *https.Server, source Source, config ServerConfig) *Server {
	config.SetDefaults()
	ctx2, cancel := context.WithCancel(ctx)

	s := &Server{
		httpServer: httpServer,
		source:     source,
		config:     config,
		log:        logs.Scoped(config.LoggerFactory, "socket"),
		metrics:    &metrics{},
		ctx:        ctx2,
		cancel:     cancel,
	}
	s.metrics.resetUptime()

	httpServer.HandlePublic("GET "+config.Path, s.telemetryHandler)
	httpServer.AddStatus("websocket", s.metrics.snapshot)

	return s
}

func (s *Server) UpgradeRequest(w http.ResponseWriter, req *http.Request) (*websocket.Conn, error) {
	if !s.metrics.reserve(s.config.TotalConnections) {
		s.log.Warnf("refusing %s: %d clients connected, max %d", req.RemoteAddr, s.metrics.active(), s.config.TotalConnections)
		return nil, ErrTooManyClients
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: s.config.OriginPatterns})
	if err != nil {
		s.metrics.release()
		s.metrics.increaseFailedConnections()
		return nil, fmt.Errorf("error while upgrading http request to websocket; err: %w", err)
	}

	return conn, nil
}

func encoder(format string) (func(telemetry.Snapshot) ([]byte, error), websocket.MessageType, error) {
	switch format {
	case "", FormatJSON:
		return func(s telemetry.Snapshot) ([]byte, error) { return json.Marshal(s) }, websocket.MessageText, nil
	case FormatProto:
		return telemetry.Snapshot.MarshalProto, websocket.MessageBinary, nil
	default:
		return nil, 0, fmt.Errorf("unknown format %q", format)
	}
}

// GET /ws/telemetry[?format=json|proto]
func (s *Server) telemetryHandler(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	encode, msgType, err := encoder(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.UpgradeRequest(w, r)
	if err != nil {
		if errors.Is(err, ErrTooManyClients) {
			http.Error(w, "Too many clients", http.StatusServiceUnavailable)
			return
		}
		// Accept has already answered the request
		s.log.Debugf("%v", err)
		return
	}
	defer s.metrics.release()

	c := NewConnection(r.Context(), conn, msgType, s.config.WriteTimeout)
	defer c.Close()

	snaps, unsubscribe := s.source.Subscribe()
	defer unsubscribe()

	s.log.Debugf("telemetry client %s connected", r.RemoteAddr)
	defer s.log.Debugf("telemetry client %s gone", r.RemoteAddr)

	if latest, ok := s.source.Latest(); ok {
		if !s.send(c, encode, latest) {
			return
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			c.CloseWith(websocket.StatusGoingAway, "relay shutting down")
			return
		case <-c.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if !s.send(c, encode, snap) {
				return
			}
		}
	}
}

func (s *Server) send(c *Connection, encode func(telemetry.Snapshot) ([]byte, error), snap telemetry.Snapshot) bool {
	payload, err := encode(snap)
	if err != nil {
		s.log.Errorf("encoding snapshot: %v", err)
		s.httpServer.AppendErrors(fmt.Sprintf("encoding snapshot: %s", err.Error()))
		return false
	}

	if err := c.Write(payload); err != nil {
		if websocket.CloseStatus(err) == -1 {
			s.log.Debugf("write to telemetry client: %v", err)
		}
		return false
	}

	s.metrics.addDataSent(len(payload))
	return true
}

// Close disconnects every client. The https server is left running.
func (s *Server) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})

	return nil
}
