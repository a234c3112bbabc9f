package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/app"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/ratelimit"
	"github.com/google/uuid"
)

const jsonContentType = "application/json"

const (
	apiV1Prefix   = "/api/v1"
	healthPath    = apiV1Prefix + "/health"
	downloadsPath = apiV1Prefix + "/downloads"
	searchPath    = apiV1Prefix + "/search"
	wsPath        = apiV1Prefix + "/ws"
	metricsPath   = "/metrics"
)

// Handler is an API handler that receives the app.
type Handler func(http.ResponseWriter, *http.Request, *app.App)

// Server runs the REST and push API.
type Server struct {
	app     *app.App
	apiKey  string
	limiter *ratelimit.Limiter
	srv     *http.Server
}

type ServerOption func(*Server)

// WithRateLimiter throttles every route per client address.
func WithRateLimiter(l *ratelimit.Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a new API server. When apiKey is empty, only requests from localhost are accepted.
func NewServer(a *app.App, listenAddr, apiKey string, opts ...ServerOption) *Server {
	s := &Server{app: a, apiKey: apiKey}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, s.chain(Health))
	mux.HandleFunc("GET "+downloadsPath, s.chain(ListDownloads))
	mux.HandleFunc("POST "+downloadsPath, s.chain(StartDownload))
	mux.HandleFunc("GET "+downloadsPath+"/{id}", s.chain(GetDownload))
	mux.HandleFunc("DELETE "+downloadsPath+"/{id}", s.chain(CancelDownload))
	mux.HandleFunc("POST "+downloadsPath+"/{id}/pause", s.chain(PauseDownload))
	mux.HandleFunc("POST "+downloadsPath+"/{id}/resume", s.chain(ResumeDownload))
	mux.HandleFunc("GET "+searchPath, s.chain(Search))
	mux.HandleFunc("GET "+searchPath+"/providers", s.chain(SearchProviders))
	mux.HandleFunc("GET "+wsPath, s.chain(Push))
	if a.Metrics != nil {
		mux.HandleFunc("GET "+metricsPath, s.chain(func(w http.ResponseWriter, r *http.Request, a *app.App) {
			a.Metrics.ServeHTTP(w, r)
		}))
	}

	s.srv = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// isPrivateIP reports whether ip is in 10.0.0.0/8, 172.16.0.0/12, or 192.168.0.0/16.
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 10 ||
			(ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31) ||
			(ip4[0] == 192 && ip4[1] == 168)
	}
	return false
}

// isLocalhostOrAllowedInDocker returns true if the request is from localhost, or from a
// private IP when RUNNING_IN_DOCKER=true (host accessing via port mapping).
func isLocalhostOrAllowedInDocker(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	if host == "127.0.0.1" || host == "::1" {
		return true
	}
	if os.Getenv("RUNNING_IN_DOCKER") != "true" {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && isPrivateIP(ip)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type requestIDKey struct{}

// requestIDFrom returns the id chain attached to the request, or "" outside a request.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// chain runs requestID, the rate limit and auth, then the handler.
func (s *Server) chain(h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(ctx)

		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if s.apiKey != "" {
			token := ""
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				token = strings.TrimSpace(ah[7:])
			}
			if token == "" {
				token = r.Header.Get("X-API-Key")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
				logutils.Log.WithFields(map[string]any{
					"request_id": requestID,
					"path":       r.URL.Path,
				}).Warn("API request unauthorized")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		} else if !isLocalhostOrAllowedInDocker(r) {
			logutils.Log.WithFields(map[string]any{
				"request_id":  requestID,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			}).Warn("API request rejected: non-localhost without API key")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		logutils.Log.WithFields(map[string]any{
			"request_id": requestID,
			"path":       r.URL.Path,
			"method":     r.Method,
		}).Debug("API request")
		h(w, r, s.app)
	}
}

// Start listens and serves. Blocks until Shutdown is called.
func (s *Server) Start() error {
	logutils.Log.WithField("addr", s.srv.Addr).Info("API server starting")
	return s.srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logutils.Log.WithError(err).Warn("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
