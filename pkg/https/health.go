package https

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
)

type ServerState string

const (
	ServerDown ServerState = "SERVER_OFFLINE"
	ServerUp   ServerState = "SERVER_ONLINE"
)

// isLoopBack accepts a bare IP or a host:port pair.
func isLoopBack(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return strings.EqualFold(host, "localhost")
	}

	return ip.IsLoopback()
}

// BufferedErrors keeps the last maxSize error messages.
type BufferedErrors struct {
	maxSize int
	errors  []string
	mux     sync.RWMutex
}

func NewBufferedErrors(maxSize int) *BufferedErrors {
	return &BufferedErrors{
		maxSize: maxSize,
		errors:  make([]string, 0, maxSize),
	}
}

func (be *BufferedErrors) Add(err string) {
	be.mux.Lock()
	defer be.mux.Unlock()

	if len(be.errors) >= be.maxSize {
		be.errors = be.errors[1:]
	}

	be.errors = append(be.errors, err)
}

func (be *BufferedErrors) Len() int {
	be.mux.RLock()
	defer be.mux.RUnlock()

	return len(be.errors)
}

func (be *BufferedErrors) MarshalJSON() ([]byte, error) {
	be.mux.RLock()
	defer be.mux.RUnlock()

	return json.Marshal(be.errors)
}

type health struct {
	State        ServerState
	RecentErrors *BufferedErrors
	mux          sync.RWMutex
}

func (h *health) SetState(state ServerState) {
	h.mux.Lock()
	defer h.mux.Unlock()

	h.State = state
}

func (h *health) AddError(err string) {
	h.mux.RLock()
	defer h.mux.RUnlock()

	if h.RecentErrors != nil {
		h.RecentErrors.Add(err)
	}
}
