package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcher"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/metrics"
	"github.com/example/ttsworkerd/internal/server"
)

// fakeDispatcher implements server.Dispatcher for handler-level tests,
// avoiding a real child-process fleet.
type fakeDispatcher struct {
	synthesize func(ctx context.Context, req dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error)
	health     dispatcher.HealthSnapshot
	metricsVal dispatcher.MetricsSnapshot
}

func (f *fakeDispatcher) Synthesize(ctx context.Context, req dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error) {
	return f.synthesize(ctx, req)
}

func (f *fakeDispatcher) GetHealth() dispatcher.HealthSnapshot   { return f.health }
func (f *fakeDispatcher) GetMetrics() dispatcher.MetricsSnapshot { return f.metricsVal }

func TestHandleSynthesize_Success(t *testing.T) {
	d := &fakeDispatcher{
		synthesize: func(_ context.Context, req dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error) {
			return dispatcher.SynthesisResult{
				Success:   true,
				RequestID: req.RequestID,
				LatencyMs: 12,
				Metadata:  dispatcher.ResultMetadata{WorkerUsed: "worker-1"},
			}, nil
		},
	}
	h := server.NewHandler(d)

	body := bytes.NewBufferString(`{"text":"hello world","voice":"en-US-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/synthesize", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var result dispatcher.SynthesisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success {
		t.Error("result.Success = false, want true")
	}
	if result.RequestID == "" {
		t.Error("result.RequestID is empty, want a generated id")
	}
}

func TestHandleSynthesize_MissingText(t *testing.T) {
	d := &fakeDispatcher{synthesize: func(context.Context, dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error) {
		t.Fatal("Synthesize should not be called for an invalid request")
		return dispatcher.SynthesisResult{}, nil
	}}
	h := server.NewHandler(d)

	req := httptest.NewRequest(http.MethodPost, "/synthesize", bytes.NewBufferString(`{"voice":"en-US-1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSynthesize_DispatcherError(t *testing.T) {
	d := &fakeDispatcher{
		synthesize: func(context.Context, dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error) {
			return dispatcher.SynthesisResult{}, dispatcherrors.New(dispatcherrors.KindNoWorkersAvailable, "fleet empty")
		},
	}
	h := server.NewHandler(d)

	req := httptest.NewRequest(http.MethodPost, "/synthesize", bytes.NewBufferString(`{"text":"hi"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	d := &fakeDispatcher{
		health: dispatcher.HealthSnapshot{WorkerCount: 2},
	}
	h := server.NewHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap dispatcher.HealthSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", snap.WorkerCount)
	}
}

func TestHandleHealth_ShuttingDown(t *testing.T) {
	d := &fakeDispatcher{health: dispatcher.HealthSnapshot{ShuttingDown: true}}
	h := server.NewHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleMetrics_Prometheus(t *testing.T) {
	d := &fakeDispatcher{}
	rec8 := metrics.New()
	h := server.NewHandler(d, server.WithMetrics(rec8))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("ttsworkerd_requests_total")) {
		t.Errorf("body missing prometheus metric name: %s", rec.Body.String())
	}
}

func TestHandleMetrics_FlatText(t *testing.T) {
	d := &fakeDispatcher{metricsVal: dispatcher.MetricsSnapshot{TotalRequests: 5}}
	h := server.NewHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/metrics?format=text", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("total_requests 5")) {
		t.Errorf("body missing flat metric: %s", rec.Body.String())
	}
}

func TestHandleOutputs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "req-1"), []byte("RIFF....WAVEfmt "), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d := &fakeDispatcher{}
	h := server.NewHandler(d, server.WithOutputsDir(dir))

	req := httptest.NewRequest(http.MethodGet, "/outputs/req-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleOutputs_NotConfigured(t *testing.T) {
	d := &fakeDispatcher{}
	h := server.NewHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/outputs/req-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProbeHTTP(t *testing.T) {
	d := &fakeDispatcher{}
	srv := httptest.NewServer(server.NewHandler(d))
	defer srv.Close()

	if err := server.ProbeHTTP(srv.Listener.Addr().String()); err != nil {
		t.Errorf("ProbeHTTP: %v", err)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	d := &fakeDispatcher{}
	srv := server.New("127.0.0.1:0", d).WithShutdownTimeout(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() = %v, want nil after graceful shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
