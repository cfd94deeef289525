package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/service/ingest"
	"github.com/splax/rollout/internal/ws"
)

// TelemetryService is the ingestion surface the router depends on.
type TelemetryService interface {
	Ingest(ctx context.Context, body []byte, sourceID string) (ingest.Accepted, error)
	Summary(ctx context.Context) (domain.Summary, error)
	Healthy(ctx context.Context) error
	Hub() *ws.Hub
}

// Options configures a Router. Zero values select the defaults.
type Options struct {
	DashboardToken  string
	RateLimit       int
	RateWindow      time.Duration
	StreamHeartbeat time.Duration
	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For
	// header is honoured. Empty means the peer address is always used.
	TrustedProxies []string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	telemetry       TelemetryService
	upgrader        websocket.Upgrader
	limiter         RateLimiter
	dashboardToken  string
	rateLimit       int
	rateWindow      time.Duration
	streamHeartbeat time.Duration
	trustedProxies  []netip.Prefix

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	samplesTotal       *prometheus.CounterVec
}

const (
	installIDHeader        = "X-Install-ID"
	defaultRateLimit       = 10
	defaultRateWindow      = 5 * time.Minute
	defaultStreamHeartbeat = 15 * time.Second
	maxTelemetryBodyBytes  = 64 << 10
	healthCheckTimeout     = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, telemetry TelemetryService, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		telemetry: telemetry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:         limiter,
		dashboardToken:  strings.TrimSpace(opts.DashboardToken),
		rateLimit:       opts.RateLimit,
		rateWindow:      opts.RateWindow,
		streamHeartbeat: opts.StreamHeartbeat,
		trustedProxies:  parseTrustedProxies(opts.TrustedProxies, logger),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rateLimit == 0 {
		r.rateLimit = defaultRateLimit
	}
	if r.rateWindow <= 0 {
		r.rateWindow = defaultRateWindow
	}
	if r.streamHeartbeat <= 0 {
		r.streamHeartbeat = defaultStreamHeartbeat
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	for _, prefix := range []string{"", "/api"} {
		r.mux.HandleFunc(prefix+"/telemetry", r.audit("/telemetry", r.withRateLimit("/telemetry", r.rateLimit, r.rateWindow, r.rateLimitKeyIP, r.handleTelemetry)))
		r.mux.HandleFunc(prefix+"/telemetry/summary", r.audit("/telemetry/summary", r.requireDashboard(r.handleSummary)))
		r.mux.HandleFunc(prefix+"/telemetry/stream", r.audit("/telemetry/stream", r.requireDashboard(r.handleStream)))
	}
}

func (r *Router) handleTelemetry(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxTelemetryBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	source := strings.TrimSpace(req.Header.Get(installIDHeader))
	if source == "" {
		source = r.rateLimitKeyIP(req)
	}
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(context.WithValue(req.Context(), contextKeyActor, actorInstall))
	}

	accepted, err := r.telemetry.Ingest(req.Context(), body, source)
	if err != nil {
		var invalid *ingest.ValidationError
		if errors.As(err, &invalid) {
			r.recordSample("invalid", "")
			writeError(w, http.StatusBadRequest, invalid.Message)
			return
		}
		r.recordSample("error", "")
		r.logger.Error("telemetry ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store telemetry")
		return
	}
	r.recordSample("accepted", accepted.Sample.Cohort)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Telemetry received",
		"timestamp": accepted.Sample.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"cohort":    accepted.Sample.Cohort,
	})
}

func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.telemetry.Summary(req.Context())
	if err != nil {
		r.logger.Error("telemetry summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleStream serves accepted samples live, over websocket when the client
// asks for an upgrade and as server-sent events otherwise.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	hub := r.telemetry.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream unavailable")
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		r.serveWebsocket(w, req, hub)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "sample", r.logger)
	hub.Register(ingest.StreamChannel, client)
	defer hub.Unregister(ingest.StreamChannel, client)

	ticker := time.NewTicker(r.streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) serveWebsocket(w http.ResponseWriter, req *http.Request, hub *ws.Hub) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(ingest.StreamChannel, client)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(r.streamHeartbeat)
		defer func() {
			ticker.Stop()
			hub.Unregister(ingest.StreamChannel, client)
			client.Close()
		}()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if err := r.telemetry.Healthy(ctx); err != nil {
		status = "degraded"
		components["store"] = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	} else {
		components["store"] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := actorAnonymous
		if a, ok := actorFromContext(ctx); ok {
			actor = a
		}
		fields = append(fields, "actor", actor)
		if actor == actorInstall {
			if id := strings.TrimSpace(req.Header.Get(installIDHeader)); id != "" {
				fields = append(fields, "install_id", id)
			}
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// clientIP returns the peer address. X-Forwarded-For is consulted only when
// the peer is a trusted proxy; the right-most untrusted hop wins.
func (r *Router) clientIP(req *http.Request) string {
	remote := strings.TrimSpace(req.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !r.trustedProxy(remote) {
		return remote
	}
	forwarded := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
	for i := len(forwarded) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(forwarded[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		if !r.trustedProxy(hop) {
			return hop
		}
	}
	return remote
}

func (r *Router) trustedProxy(ip string) bool {
	if len(r.trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range r.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(entries []string, logger *slog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("ignoring invalid trusted proxy", "entry", entry, "error", err)
				continue
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("ignoring invalid trusted proxy", "entry", entry, "error", err)
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
