package rtsp

import (
	"net"
	"strings"
	"sync"
	"time"
)

type ServerState int

const (
	ServerDownState ServerState = iota
	ServerSettingUp
	ServerUpState
	ServerErrorState
)

func (s ServerState) String() string {
	switch s {
	case ServerDownState:
		return "DOWN"
	case ServerSettingUp:
		return "SETTING_UP"
	case ServerUpState:
		return "UP"
	case ServerErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is a point in time view of the server, served on the status
// endpoint.
type Status struct {
	State          string        `json:"state"`
	MountPath      string        `json:"mount_path"`
	Port           int           `json:"port"`
	Connections    uint64        `json:"connections"`
	PlayingClients int           `json:"playing_clients"`
	RecentErrors   []string      `json:"recent_errors"`
	Uptime         time.Duration `json:"uptime"`
	LastUpdate     time.Time     `json:"last_update"`
}

type serverHealth struct {
	state       ServerState
	connections uint64
	errors      []string
	maxErrors   int
	startedAt   time.Time
	lastUpdate  time.Time
	mux         sync.RWMutex
}

func newServerHealth(maxErrors int) *serverHealth {
	return &serverHealth{maxErrors: maxErrors}
}

func (h *serverHealth) SetState(state ServerState) {
	h.mux.Lock()
	defer h.mux.Unlock()

	h.lastUpdate = time.Now()
	if state == ServerUpState && h.state != ServerUpState {
		h.startedAt = h.lastUpdate
	}
	h.state = state
}

func (h *serverHealth) State() ServerState {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return h.state
}

func (h *serverHealth) IncrementConnections() uint64 {
	h.mux.Lock()
	defer h.mux.Unlock()

	h.lastUpdate = time.Now()
	h.connections++
	return h.connections
}

func (h *serverHealth) DecrementConnections() {
	h.mux.Lock()
	defer h.mux.Unlock()

	h.lastUpdate = time.Now()
	if h.connections == 0 {
		return
	}
	h.connections--
}

func (h *serverHealth) Connections() uint64 {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return h.connections
}

func (h *serverHealth) AddError(err error) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if len(h.errors) >= h.maxErrors {
		h.errors = h.errors[1:]
	}

	h.lastUpdate = time.Now()
	h.errors = append(h.errors, err.Error())
}

func (h *serverHealth) snapshot() Status {
	h.mux.RLock()
	defer h.mux.RUnlock()

	st := Status{
		State:        h.state.String(),
		Connections:  h.connections,
		RecentErrors: append([]string{}, h.errors...),
		LastUpdate:   h.lastUpdate,
	}
	if h.state == ServerUpState {
		st.Uptime = time.Since(h.startedAt).Round(time.Second)
	}

	return st
}

func isLocalhost(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return strings.ToLower(host) == "localhost"
	}

	return ip.IsLoopback()
}
