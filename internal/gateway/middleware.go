// HTTP middleware.
//
// DESIGN: Outermost first:
//  1. recoverPanics:  500 + stack in the log + panic alert
//  2. guardHosts:     Host allowlist (DNS rebinding)
//  3. limitClients:   per-client token bucket (ratelimit.go)
//  4. traceRequests:  request ID, lifecycle logging, metrics, latency alert
//  5. debugHeaders:   security headers and CORS on /_gateway/ only
//
// Proxied traffic only passes through 1-4, so the host UI keeps its own
// headers.
package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/role-splitter/internal/monitoring"
)

type middleware func(http.Handler) http.Handler

// chain applies mws so that mws[0] is the outermost.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusWriter records the status code and passes through the optional
// interfaces streaming and websockets need.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (g *Gateway) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			stack := string(debug.Stack())
			log.Error().Interface("panic", v).Str("stack", stack).Msg("handler_panic")
			g.alerts.FlagPanic(monitoring.RequestIDFromContext(r.Context()), v, stack)
			g.writeError(w, "internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) guardHosts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.hostAllowed(r.Host) {
			log.Warn().Str("host", r.Host).Msg("host not allowed")
			g.writeError(w, "host not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) limitClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if !g.limiter.allow(client) {
			log.Warn().Str("ip", client).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		r = r.WithContext(monitoring.WithRequestIDContext(r.Context(), id))

		g.requestLogger.LogIncoming(monitoring.NewRequestInfo(r, id, max(int(r.ContentLength), 0)))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		latency := time.Since(start)
		g.requestLogger.LogResponse(&monitoring.ResponseInfo{RequestID: id, StatusCode: sw.status, Latency: latency})
		g.metrics.RecordRequest(sw.status < http.StatusBadRequest, latency)
		g.alerts.FlagHighLatency(id, latency, r.URL.Path)
	})
}

func (g *Gateway) debugHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, DebugPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		if origin := r.Header.Get("Origin"); localOrigin(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderRequestID)
			h.Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func localOrigin(origin string) bool {
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if origin == p || strings.HasPrefix(origin, p+":") {
			return true
		}
	}
	return false
}

func loopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// clientIP is the peer address. Forwarding headers are honoured only when
// the peer is a local reverse proxy.
func clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !loopback(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return peer
}

var defaultAllowedHosts = []string{"localhost", "127.0.0.1", "::1"}

// hostSet builds the Host allowlist. "*" allows any host.
func hostSet(hosts []string) map[string]bool {
	if len(hosts) == 0 {
		hosts = defaultAllowedHosts
	}
	set := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		set[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return set
}

func (g *Gateway) hostAllowed(host string) bool {
	if g.allowedHosts["*"] {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return g.allowedHosts[strings.Trim(strings.ToLower(host), "[]")]
}
