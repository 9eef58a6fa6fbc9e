// Package server exposes the Dispatcher over HTTP: POST /synthesize,
// GET /health, GET /metrics, and a convenience GET /outputs/{requestId}
// download endpoint, per spec.md §6 and SPEC_FULL §12.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ttsworkerd/internal/dispatcher"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/metrics"
	"github.com/example/ttsworkerd/internal/protocol"
)

// Dispatcher is the subset of *dispatcher.Dispatcher the HTTP surface
// depends on, kept narrow so handlers can be tested against a fake.
type Dispatcher interface {
	Synthesize(ctx context.Context, req dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error)
	GetHealth() dispatcher.HealthSnapshot
	GetMetrics() dispatcher.MetricsSnapshot
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	requestTimeout time.Duration
	logger         *slog.Logger
	recorder       *metrics.Recorder
	outputsDir     string
}

func defaultOptions() options {
	return options{
		requestTimeout: 20 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithRequestTimeout bounds how long a POST /synthesize call waits on the
// Dispatcher before the handler gives up on the caller's behalf. The
// Dispatcher enforces its own RequestDeadline independently; this is a
// belt-and-suspenders HTTP-layer ceiling.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches a Recorder whose registry backs GET /metrics.
// If nil, GET /metrics falls back to the flat text snapshot only.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithOutputsDir sets the directory GET /outputs/{requestId} may serve
// files from. If empty, the endpoint returns 404 for every request.
func WithOutputsDir(dir string) Option {
	return func(o *options) { o.outputsDir = dir }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	dispatcher Dispatcher
	opts       options
	log        *slog.Logger
}

// NewHandler returns an http.Handler serving /health, /metrics,
// /synthesize, and /outputs/{requestId} in front of a Dispatcher.
func NewHandler(d Dispatcher, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		dispatcher: d,
		opts:       opts,
		log:        opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/synthesize", h.handleSynthesize)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/outputs/", h.handleOutputs)

	return mux
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := h.dispatcher.GetHealth()

	status := http.StatusOK
	if snap.ShuttingDown {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, snap)
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") != "text" && h.opts.recorder != nil {
		promhttp.HandlerFor(h.opts.recorder.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := metrics.FormatFlat(w, h.dispatcher.GetHealth(), h.dispatcher.GetMetrics()); err != nil {
		h.log.ErrorContext(r.Context(), "write flat metrics", slog.String("error", err.Error()))
	}
}

// synthesizeRequest is the wire shape of a POST /synthesize body,
// mirroring dispatcher.SynthesisRequest's caller-facing fields.
type synthesizeRequest struct {
	RequestID    string            `json:"requestId,omitempty"`
	Text         string            `json:"text"`
	Voice        string            `json:"voice,omitempty"`
	Speed        float64           `json:"speed,omitempty"`
	Pitch        float64           `json:"pitch,omitempty"`
	OutputFormat string            `json:"outputFormat,omitempty"`
	OutputPath   string            `json:"outputPath,omitempty"`
	Priority     protocol.Priority `json:"priority,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

func (h *handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var body synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text field is required")
		return
	}

	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	req := dispatcher.SynthesisRequest{
		RequestID:    body.RequestID,
		Text:         body.Text,
		Voice:        body.Voice,
		Speed:        body.Speed,
		Pitch:        body.Pitch,
		OutputFormat: body.OutputFormat,
		OutputPath:   body.OutputPath,
		Priority:     body.Priority,
		Metadata:     body.Metadata,
	}

	start := time.Now()
	result, err := h.dispatcher.Synthesize(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		h.log.ErrorContext(r.Context(), "synthesize rejected",
			slog.String("request_id", req.RequestID),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForError(err), err.Error())

		return
	}

	if !result.Success {
		h.log.WarnContext(r.Context(), "synthesize failed",
			slog.String("request_id", req.RequestID),
			slog.Int64("latency_ms", result.LatencyMs),
		)
		writeJSON(w, statusForResult(result), result)

		return
	}

	h.log.InfoContext(r.Context(), "synthesize complete",
		slog.String("request_id", req.RequestID),
		slog.String("worker_id", result.Metadata.WorkerUsed),
		slog.Int64("latency_ms", result.LatencyMs),
	)
	writeJSON(w, http.StatusOK, result)
}

func statusForError(err error) int {
	switch dispatcherrors.KindOf(err) {
	case dispatcherrors.KindInvalidRequest:
		return http.StatusBadRequest
	case dispatcherrors.KindWorkerQueueFull, dispatcherrors.KindCircuitOpen,
		dispatcherrors.KindNoWorkersAvailable, dispatcherrors.KindShutdownInProgress,
		dispatcherrors.KindWorkerNotReady:
		return http.StatusServiceUnavailable
	case dispatcherrors.KindRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func statusForResult(r dispatcher.SynthesisResult) int {
	if r.Error != nil {
		return statusForError(r.Error)
	}
	return http.StatusInternalServerError
}

// handleOutputs serves GET /outputs/{requestId}, a convenience download
// endpoint reading from the configured outputs directory, with the
// response Content-Type sniffed from the file's leading bytes.
func (h *handler) handleOutputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.opts.outputsDir == "" {
		writeError(w, http.StatusNotFound, "outputs directory not configured")
		return
	}

	requestID := strings.TrimPrefix(r.URL.Path, "/outputs/")
	if requestID == "" || strings.ContainsAny(requestID, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	path := filepath.Join(h.opts.outputsDir, requestID)

	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server — wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful
// shutdown, following the teacher's Start(ctx)/ProbeHTTP shape.
type Server struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
}

// New builds a Server around a Dispatcher. listenAddr and the handler
// options are the caller's responsibility, mirroring the teacher's
// config-driven Server construction.
func New(listenAddr string, d Dispatcher, optFns ...Option) *Server {
	return &Server{
		addr:            listenAddr,
		handler:         NewHandler(d, optFns...),
		shutdownTimeout: 30 * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Start runs the HTTP server until ctx is cancelled, then drains
// in-flight requests for up to shutdownTimeout before returning.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks that a server at addr is answering GET /health with
// 200 OK, used by the CLI's health command.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}
