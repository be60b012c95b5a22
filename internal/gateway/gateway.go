// Package gateway serves the role-splitting gateway over HTTP.
//
// DESIGN: The gateway is a reverse proxy in front of the host backend whose
// outbound transport is the interceptor. A tool pointed at the gateway sends
// its usual requests; single-block prompts come out adapted, everything else
// is forwarded untouched.
//
//	client → middleware (middleware.go) → ReverseProxy → interceptor.Transport → upstream
//
// The /_gateway/ prefix is reserved for the diagnostic surface (handlers.go)
// and never forwarded.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/config"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/direct"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/enrich"
	"github.com/compresr/role-splitter/internal/interceptor"
	"github.com/compresr/role-splitter/internal/monitoring"
	"github.com/compresr/role-splitter/internal/prompt"
)

const (
	// HeaderRequestID carries the request ID to the client and upstream.
	HeaderRequestID = interceptor.HeaderRequestID

	// DebugPrefix is the reserved path prefix of the diagnostic surface.
	DebugPrefix = "/_gateway/"

	// DefaultRateLimit is requests per second per client IP.
	DefaultRateLimit = 50

	// MaxRateLimitBuckets bounds the number of tracked client IPs.
	MaxRateLimitBuckets = 10000
)

// Gateway is the HTTP front of the interceptor.
type Gateway struct {
	cfg      *config.Config
	upstream *url.URL
	server   *http.Server
	handler  http.Handler

	store    *endpoint.Store
	recorder *capture.Recorder
	engine   *delivery.Engine

	metrics       *monitoring.MetricsCollector
	alerts        *monitoring.AlertManager
	requestLogger *monitoring.RequestLogger
	tracker       *monitoring.Tracker
	limiter       *clientLimiter
	allowedHosts  map[string]bool
}

// New wires the interception pipeline and the HTTP server from cfg.
func New(cfg *config.Config) (*Gateway, error) {
	upstream, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry tracker: %w", err)
	}

	logger := monitoring.New(cfg.Monitoring.Logger())
	rate := cfg.Server.RateLimit
	if rate == 0 {
		rate = DefaultRateLimit
	}

	g := &Gateway{
		cfg:           cfg,
		upstream:      upstream,
		store:         endpoint.NewStore(cfg.Endpoint),
		recorder:      capture.NewRecorder(cfg.Capture),
		metrics:       monitoring.NewMetricsCollector(),
		alerts:        monitoring.NewAlertManager(logger.Component("alerts"), cfg.Monitoring.Alerts()),
		requestLogger: monitoring.NewRequestLogger(logger.Component("interceptor")),
		tracker:       tracker,
		limiter:       newClientLimiter(rate, MaxRateLimitBuckets),
		allowedHosts:  hostSet(cfg.Server.AllowedHosts),
	}

	base := upstreamTransport(cfg.Upstream.Timeout)
	g.engine = delivery.NewEngine(cfg.Delivery, delivery.Deps{
		Store:      g.store,
		Next:       base,
		Channel:    direct.New(g.store, cfg.Direct, nil),
		Recorder:   g.recorder,
		Metrics:    g.metrics,
		Alerts:     g.alerts,
		RequestLog: g.requestLogger,
	})
	intercept := interceptor.New(base, interceptor.Deps{
		Classifier: prompt.NewClassifier(cfg.Intercept),
		Splitter:   prompt.NewSplitter(cfg.Intercept),
		Enricher:   enrich.New(g.store, cfg.Defaults, cfg.Intercept.CustomSource),
		Engine:     g.engine,
		Metrics:    g.metrics,
		Alerts:     g.alerts,
		RequestLog: g.requestLogger,
		Tracker:    tracker,
	})

	mux := http.NewServeMux()
	g.setupRoutes(mux)
	mux.Handle("/", g.proxy(intercept))

	g.handler = chain(mux,
		g.recoverPanics,
		g.guardHosts,
		g.limitClients,
		g.traceRequests,
		g.debugHeaders,
	)
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g, nil
}

// Handler returns the root handler with the middleware chain applied.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Store returns the endpoint configuration store.
func (g *Gateway) Store() *endpoint.Store { return g.store }

// Recorder returns the capture recorder.
func (g *Gateway) Recorder() *capture.Recorder { return g.recorder }

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *monitoring.MetricsCollector { return g.metrics }

// Start serves until Shutdown is called.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.server.Addr).
		Str("upstream", g.upstream.String()).
		Bool("in_process", g.engine.Config().InProcess).
		Msg("role splitter active")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and flushes telemetry.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if cerr := g.tracker.Close(); err == nil {
		err = cerr
	}
	return err
}

// proxy forwards everything outside the diagnostic surface to the upstream
// through the intercepting transport.
func (g *Gateway) proxy(transport http.RoundTripper) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(g.upstream)
			pr.Out.Host = g.upstream.Host
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().
				Err(err).
				Str("request_id", monitoring.RequestIDFromContext(r.Context())).
				Str("path", r.URL.Path).
				Msg("upstream_error")
			g.writeError(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return rp
}

// upstreamTransport is the raw transport to the host backend.
func upstreamTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		t.ResponseHeaderTimeout = timeout
	}
	t.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	return t
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	g.writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}
