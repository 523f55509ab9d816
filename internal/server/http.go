package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/consult-capture/internal/config"
	"github.com/skypro1111/consult-capture/internal/consultation"
	"github.com/skypro1111/consult-capture/internal/metrics"
	"github.com/skypro1111/consult-capture/internal/session"
	"github.com/skypro1111/consult-capture/internal/upload"
)

// Session is the controller surface exposed over HTTP
type Session interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	RetryPermission(ctx context.Context) error
	RetryUpload(ctx context.Context) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Playback(ctx context.Context) (session.Playback, error)
}

// UploadStats reports upload client statistics
type UploadStats interface {
	GetStats() upload.ClientStats
}

// HTTPServer provides the local control and monitoring API
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	session Session
	store   *consultation.Store
	uploads UploadStats
	events  *EventHub
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	sess Session, store *consultation.Store, uploads UploadStats, events *EventHub, m *metrics.Metrics) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		config:    appConfig,
		session:   sess,
		store:     store,
		uploads:   uploads,
		events:    events,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Session control
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/session/playback", h.withMetrics("/session/playback", h.handlePlayback))
	mux.HandleFunc("/session/", h.withMetrics("/session/{action}", h.handleSessionAction))

	// Consultation context used by the gate and the upload target
	mux.HandleFunc("/consultation", h.withMetrics("/consultation", h.handleConsultation))

	// Websocket upgrades bypass withMetrics: the wrapper cannot hijack
	if h.events != nil {
		mux.Handle("/events", h.events)
	}

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until Stop. A graceful stop returns nil.
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	if h.events != nil {
		h.events.Close()
	}
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	sessionComponent := map[string]interface{}{"status": "running"}

	snap, err := h.session.Snapshot(r.Context())
	if err != nil {
		status = "degraded"
		sessionComponent["status"] = "stopped"
		sessionComponent["error"] = err.Error()
	} else {
		sessionComponent["state"] = snap.State
		sessionComponent["permission_granted"] = snap.PermissionGranted
	}

	components := map[string]interface{}{
		"session": sessionComponent,
	}
	if h.uploads != nil {
		stats := h.uploads.GetStats()
		components["upload"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}
	if h.events != nil {
		components["events"] = map[string]interface{}{
			"subscribers": h.events.Clients(),
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "consult-capture",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.config == nil {
		writeError(w, http.StatusNotFound, "configuration not available")
		return
	}

	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}

	if snap, err := h.session.Snapshot(r.Context()); err == nil {
		stats["session"] = map[string]interface{}{
			"state":           snap.State,
			"elapsed_seconds": snap.ElapsedSeconds,
			"buffered_chunks": snap.BufferedChunks,
			"buffered_bytes":  snap.BufferedBytes,
		}
	}
	if h.uploads != nil {
		stats["upload"] = h.uploads.GetStats()
	}
	if h.events != nil {
		stats["events"] = map[string]interface{}{
			"subscribers": h.events.Clients(),
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleSession implements GET /session
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := h.session.Snapshot(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSessionAction implements POST /session/{action}
func (h *HTTPServer) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var action func(context.Context) error
	switch name := r.URL.Path[len("/session/"):]; name {
	case "start":
		action = h.session.Start
	case "pause":
		action = h.session.Pause
	case "resume":
		action = h.session.Resume
	case "stop":
		action = h.session.Stop
	case "reset":
		action = h.session.Reset
	case "permission":
		action = h.session.RetryPermission
	case "retry-upload":
		action = h.session.RetryUpload
	default:
		http.NotFound(w, r)
		return
	}

	if err := action(r.Context()); err != nil {
		h.writeSessionError(w, err)
		return
	}

	snap, err := h.session.Snapshot(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// writeSessionError maps controller errors to HTTP statuses
func (h *HTTPServer) writeSessionError(w http.ResponseWriter, err error) {
	var serr *session.Error
	switch {
	case errors.As(err, &serr):
		status := http.StatusInternalServerError
		switch serr.Kind {
		case session.KindValidationBlocked:
			status = http.StatusUnprocessableEntity
		case session.KindPermissionDenied:
			status = http.StatusForbidden
		case session.KindTransportFailure:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": serr.Message, "kind": string(serr.Kind)})
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrNoPlayback):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.Error("Session action failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handlePlayback serves the local copy of the finalized recording
func (h *HTTPServer) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p, err := h.session.Playback(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", p.MimeType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, p.Ref)
}

// handleConsultation implements GET, PUT and DELETE /consultation
func (h *HTTPServer) handleConsultation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.Info())

	case http.MethodPut:
		var c consultation.Context
		dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			writeError(w, http.StatusBadRequest, "invalid consultation payload: "+err.Error())
			return
		}
		if err := h.store.Set(c); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, h.store.Info())

	case http.MethodDelete:
		h.store.Clear()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Consultation Capture Agent",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Agent health check",
			"GET /config":                "Get agent configuration",
			"GET /stats":                 "Get agent statistics",
			"GET /metrics":               "Prometheus metrics",
			"GET /session":               "Current capture session snapshot",
			"POST /session/start":        "Start recording",
			"POST /session/pause":        "Pause recording",
			"POST /session/resume":       "Resume recording",
			"POST /session/stop":         "Stop recording and upload",
			"POST /session/reset":        "Discard the finished recording",
			"POST /session/permission":   "Request microphone access again",
			"POST /session/retry-upload": "Upload the kept recording again",
			"GET /session/playback":      "Download the finished recording",
			"GET /consultation":          "Current consultation context",
			"PUT /consultation":          "Select a patient or describe a new one",
			"DELETE /consultation":       "Clear the consultation context",
			"GET /events":                "Websocket stream of session events",
		},
		"timestamp": time.Now().UTC(),
	})
}
