// Package https is the relay's HTTP side: status, prometheus metrics,
// telemetry and the websocket feed, all behind the same logging, CORS,
// internal-auth and per-client rate limiting middleware.
package https

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/logging"
	"golang.org/x/time/rate"

	"github.com/harshabose/hermes/pkg/logs"
)

// StatusFunc reports the state of one component on /internal/status.
type StatusFunc func() any

type Server struct {
	httpServer *http.Server
	config     Config
	router     *http.ServeMux

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	mux    sync.RWMutex
	wg     sync.WaitGroup

	rateLimiters   *expirable.LRU[string, *rate.Limiter]
	rateLimiterMux sync.RWMutex

	components map[string]StatusFunc
	health     *health
	log        logging.LeveledLogger
}

func NewHTTPSServer(ctx context.Context, config Config) *Server {
	config.SetDefaults()
	ctx2, cancel := context.WithCancel(ctx)
	router := http.NewServeMux()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.Addr, config.Port),
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			Handler:           router,
		},
		config: config,
		health: &health{
			RecentErrors: NewBufferedErrors(10),
		},
		components:   make(map[string]StatusFunc),
		rateLimiters: expirable.NewLRU[string, *rate.Limiter](10_000, nil, time.Hour),
		log:          logs.Scoped(config.LoggerFactory, "https"),
		ctx:          ctx2,
		cancel:       cancel,
	}

	s.HandleInternal("GET /internal/status", s.statusHandler)

	return s
}

func (s *Server) Ctx() context.Context {
	return s.ctx
}

// Handler is the router with every registered route, for tests and for
// mounting under another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddRequestHandler registers handler without any middleware.
func (s *Server) AddRequestHandler(path string, handler http.HandlerFunc) {
	s.router.HandleFunc(path, handler)
}

// HandlePublic registers handler behind logging, CORS and the public rate
// limit.
func (s *Server) HandlePublic(pattern string, handler http.HandlerFunc) {
	s.router.HandleFunc(pattern, s.LoggingMiddleware(s.CorsMiddleware(s.RateLimitMiddleware(handler, true))))
}

// HandleInternal registers handler behind logging, CORS, internal auth and
// the internal rate limit.
func (s *Server) HandleInternal(pattern string, handler http.HandlerFunc) {
	s.router.HandleFunc(pattern, s.LoggingMiddleware(s.CorsMiddleware(s.InternalAuthMiddleware(s.RateLimitMiddleware(handler, false)))))
}

// AddStatus publishes fn under name in the status document.
func (s *Server) AddStatus(name string, fn StatusFunc) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.components[name] = fn
}

func (s *Server) AppendErrors(err ...string) {
	for _, e := range err {
		s.health.AddError(e)
	}
}

func (s *Server) Serve() {
	s.wg.Add(1)
	go s.start()
}

func (s *Server) ServeAndWait() <-chan struct{} {
	s.Serve()
	return s.ctx.Done()
}

func (s *Server) URL() string {
	scheme := "http"
	if s.config.CertPath != "" && s.config.KeyFile != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.httpServer.Addr)
}

func (s *Server) start() {
	defer s.wg.Done()
	defer s.health.SetState(ServerDown)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.health.SetState(ServerUp)
		s.log.Infof("serving on %s", s.URL())

		var err error
		if s.config.CertPath != "" && s.config.KeyFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.config.CertPath, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}

		s.health.SetState(ServerDown)
		errMsg := fmt.Sprintf("error while serving: %s", err.Error())
		s.log.Error(errMsg)
		s.health.AddError(errMsg)

		if !s.config.KeepHosting {
			return
		}

		s.log.Warnf("failed to host server, retrying in %v", s.config.RetryDelay)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.config.RetryDelay):
		}
	}
}

type statusDocument struct {
	State        ServerState     `json:"state"`
	RecentErrors *BufferedErrors `json:"recent_errors"`
	Components   map[string]any  `json:"components,omitempty"`
}

// GET /internal/status
func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	s.mux.RLock()
	fns := make(map[string]StatusFunc, len(s.components))
	for name, fn := range s.components {
		fns[name] = fn
	}
	s.mux.RUnlock()

	s.health.mux.RLock()
	doc := statusDocument{
		State:        s.health.State,
		RecentErrors: s.health.RecentErrors,
		Components:   make(map[string]any, len(fns)),
	}
	s.health.mux.RUnlock()

	for name, fn := range fns {
		doc.Components[name] = fn()
	}

	msg, err := json.Marshal(doc)

	if err != nil {
		errMsg := fmt.Sprintf("failed to marshal health status: %s", err.Error())
		s.health.AddError(errMsg)
		http.Error(w, "Failed to marshal health status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg); err != nil {
		errMsg := fmt.Sprintf("error while sending status response: %s", err.Error())
		s.log.Warn(errMsg)
		s.health.AddError(errMsg)
	}
}

func (s *Server) Close() error {
	var err error

	s.once.Do(func() {
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnf("graceful shutdown not possible, closing forcibly: %v", err)
			if cerr := s.httpServer.Close(); cerr != nil {
				s.log.Errorf("error while closing http server: %v", cerr)
			}
		}

		s.wg.Wait()
	})

	return err
}

// ==========================
// MIDDLEWARE
// ==========================

// InternalAuthMiddleware guards operator endpoints. With an API key
// configured the X-Internal-API-Key header must match it; without one only
// clients from trusted networks get through.
func (s *Server) InternalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.InternalAPIKey != "" {
			apiKey := r.Header.Get("X-Internal-API-Key")
			if apiKey == "" {
				http.Error(w, "Missing internal API key", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.InternalAPIKey)) != 1 {
				http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.getClientIP(r)
		if !s.isInternalIP(clientIP) {
			s.log.Warnf("internal endpoint %s refused for %s", r.URL.Path, clientIP)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// RateLimitMiddleware keeps one token bucket per client IP.
func (s *Server) RateLimitMiddleware(next http.HandlerFunc, isPublic bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := s.getClientIP(r)

		limit := rate.Limit(s.config.InternalRateLimit) / 60
		burst := s.config.BurstSize * 2
		if isPublic {
			limit = rate.Limit(s.config.PublicRateLimit) / 60
			burst = s.config.BurstSize
		}

		s.rateLimiterMux.Lock()
		limiter, exists := s.rateLimiters.Get(clientIP)
		if !exists {
			limiter = rate.NewLimiter(limit, burst)
			s.rateLimiters.Add(clientIP, limiter)
		}
		s.rateLimiterMux.Unlock()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(limit*60)))

		if !limiter.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(limiter.TokensAt(time.Now()), 'f', 0, 64))

		next.ServeHTTP(w, r)
	}
}

func (s *Server) CorsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		originAllowed := s.isOriginAllowed(origin)

		preflight := r.Method == http.MethodOptions
		if preflight && !s.handlePreflight(w, r, originAllowed) {
			return
		}
		if !preflight && !s.handleActualRequest(w, r, originAllowed) {
			return
		}

		s.setCORSHeaders(w, origin, originAllowed)

		if preflight {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}

	if (s.config.AllowedOrigins == nil || slices.Contains(s.config.AllowedOrigins, "*")) && s.config.AllowWildcard {
		return true
	}

	for _, allowed := range s.config.AllowedOrigins {
		if allowed == origin {
			return true
		}

		if domain, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == domain {
				return true
			}
		}
	}

	return false
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request, originAllowed bool) bool {
	if !s.config.StrictMode {
		return true
	}

	switch {
	case !originAllowed:
		s.logCORSViolation("origin not allowed", r)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
	case !s.isMethodAllowed(r.Header.Get("Access-Control-Request-Method")):
		s.logCORSViolation("method not allowed", r)
		http.Error(w, "Method not allowed", http.StatusForbidden)
	case !s.areHeadersAllowed(r.Header.Get("Access-Control-Request-Headers")):
		s.logCORSViolation("headers not allowed", r)
		http.Error(w, "Headers not allowed", http.StatusForbidden)
	default:
		return true
	}

	return false
}

func (s *Server) handleActualRequest(w http.ResponseWriter, r *http.Request, originAllowed bool) bool {
	if !s.config.StrictMode {
		return true
	}

	if !originAllowed {
		s.logCORSViolation("origin not allowed for actual request", r)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return false
	}

	if !s.isMethodAllowed(r.Method) {
		s.logCORSViolation("method not allowed for actual request", r)
		http.Error(w, "Method not allowed by CORS", http.StatusMethodNotAllowed)
		return false
	}

	return true
}

func joinOrWildcard(values []string) string {
	if values == nil {
		return "*"
	}
	return strings.Join(values, ", ")
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, origin string, originAllowed bool) {
	h := w.Header()

	if !originAllowed {
		h.Add("Vary", "Origin")
		return
	}

	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}

	h.Set("Access-Control-Allow-Methods", joinOrWildcard(s.config.AllowedMethods))
	h.Set("Access-Control-Allow-Headers", joinOrWildcard(s.config.AllowedHeaders))

	if s.config.AllowCredentials && origin != "" {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	h.Set("Access-Control-Max-Age", strconv.Itoa(s.config.MaxAge))

	if len(s.config.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(s.config.ExposedHeaders, ", "))
	}

	h.Add("Vary", "Origin")
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
}

func (s *Server) isMethodAllowed(method string) bool {
	if method == "" {
		return false
	}

	if s.config.AllowedMethods == nil {
		return true
	}

	return slices.Contains(s.config.AllowedMethods, method)
}

// CORS safe-listed request headers, always allowed.
var safeHeaders = map[string]bool{
	"accept":           true,
	"accept-language":  true,
	"content-language": true,
	"content-type":     true,
}

func (s *Server) areHeadersAllowed(requestedHeaders string) bool {
	if requestedHeaders == "" || s.config.AllowedHeaders == nil {
		return true
	}

	for _, header := range strings.Split(requestedHeaders, ",") {
		header = strings.TrimSpace(strings.ToLower(header))
		if header == "" || safeHeaders[header] {
			continue
		}

		allowed := slices.ContainsFunc(s.config.AllowedHeaders, func(h string) bool {
			return strings.ToLower(strings.TrimSpace(h)) == header
		})
		if !allowed {
			return false
		}
	}

	return true
}

func (s *Server) logCORSViolation(reason string, r *http.Request) {
	if !s.config.LogViolations {
		return
	}

	s.log.Warnf("CORS violation: %s - Origin: %s, Method: %s, Headers: %s",
		reason,
		r.Header.Get("Origin"),
		r.Header.Get("Access-Control-Request-Method"),
		r.Header.Get("Access-Control-Request-Headers"))
}

func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.Debugf("%s %s %s %d %v %s",
			r.Method,
			r.URL.Path,
			s.getClientIP(r),
			wrapper.statusCode,
			time.Since(start),
			r.UserAgent(),
		)
	}
}

// ==========================
// HELPER FUNCTIONS
// ==========================

func (s *Server) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) isInternalIP(ip string) bool {
	if s.config.TrustedNetworks == nil {
		return true
	}

	if isLoopBack(ip) {
		return true
	}

	parsed := net.ParseIP(ip)
	for _, network := range s.config.TrustedNetworks {
		if _, ipNet, err := net.ParseCIDR(network); err == nil && ipNet.Contains(parsed) {
			return true
		}
	}

	return false
}

// responseWriter records the status code. It passes Hijack and Flush
// through so websocket upgrades work behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("responseWriter does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(data)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
