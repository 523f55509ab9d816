package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/consult-capture/internal/config"
	"github.com/skypro1111/consult-capture/internal/consultation"
	"github.com/skypro1111/consult-capture/internal/metrics"
	"github.com/skypro1111/consult-capture/internal/session"
	"github.com/skypro1111/consult-capture/internal/upload"
)

// fakeSession records actions and returns canned results
type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	snap     session.Snapshot
	snapErr  error
	playback session.Playback
	playErr  error
}

func (f *fakeSession) act(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeSession) Start(context.Context) error           { return f.act("start") }
func (f *fakeSession) Pause(context.Context) error           { return f.act("pause") }
func (f *fakeSession) Resume(context.Context) error          { return f.act("resume") }
func (f *fakeSession) Stop(context.Context) error            { return f.act("stop") }
func (f *fakeSession) Reset(context.Context) error           { return f.act("reset") }
func (f *fakeSession) RetryPermission(context.Context) error { return f.act("permission") }
func (f *fakeSession) RetryUpload(context.Context) error     { return f.act("retry-upload") }

func (f *fakeSession) Snapshot(context.Context) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.snapErr
}

func (f *fakeSession) Playback(context.Context) (session.Playback, error) {
	return f.playback, f.playErr
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeUploads struct{}

func (fakeUploads) GetStats() upload.ClientStats {
	return upload.ClientStats{TotalRequests: 3, SuccessRequests: 2, FailedRequests: 1}
}

type testServer struct {
	http    *HTTPServer
	sess    *fakeSession
	store   *consultation.Store
	events  *EventHub
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Upload.APIKey = "secret"

	ts := &testServer{
		sess: &fakeSession{
			errs: map[string]error{},
			snap: session.Snapshot{SessionID: "s-1", State: session.StateReady, PermissionGranted: true},
		},
		store:   consultation.NewStore(logger),
		events:  NewEventHub(logger),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	ts.http = NewHTTPServer(cfg.HTTP, logger, cfg, ts.sess, ts.store, fakeUploads{}, ts.events, ts.metrics)
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.http.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRootAndNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode(t, rec)
	assert.Equal(t, "Consultation Capture Agent", doc["service"])
	assert.Contains(t, doc["endpoints"], "POST /session/start")

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodPost, "/", "").Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]any)
	assert.Equal(t, "ready", components["session"].(map[string]any)["state"])
	assert.Equal(t, float64(3), components["upload"].(map[string]any)["total_requests"])

	ts.sess.snapErr = session.ErrClosed
	rec = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestConfigIsSanitized(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	body := decode(t, rec)
	up := body["upload"].(map[string]any)
	assert.Equal(t, "***", up["api_key"])
	assert.Equal(t, "/upload", up["existing_subject_path"])
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ready", body["session"].(map[string]any)["state"])
	assert.Equal(t, float64(2), body["upload"].(map[string]any)["success_requests"])
	assert.Equal(t, float64(0), body["events"].(map[string]any)["subscribers"])
}

func TestSessionActions(t *testing.T) {
	ts := newTestServer(t)

	for _, action := range []string{"start", "pause", "resume", "stop", "reset", "permission", "retry-upload"} {
		rec := ts.do(http.MethodPost, "/session/"+action, "")
		require.Equal(t, http.StatusOK, rec.Code, action)
		assert.Equal(t, "s-1", decode(t, rec)["session_id"])
	}
	assert.Equal(t, []string{"start", "pause", "resume", "stop", "reset", "permission", "retry-upload"}, ts.sess.Calls())

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/session/explode", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodGet, "/session/start", "").Code)

	rec := ts.do(http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["state"])
}

func TestSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantKind string
	}{
		{
			name:     "gate",
			err:      &session.Error{Kind: session.KindValidationBlocked, Message: "Please select a patient before recording"},
			status:   http.StatusUnprocessableEntity,
			wantKind: "validation_blocked",
		},
		{
			name:     "permission",
			err:      &session.Error{Kind: session.KindPermissionDenied, Message: session.MsgPermissionRequired},
			status:   http.StatusForbidden,
			wantKind: "permission_denied",
		},
		{
			name:     "hardware",
			err:      &session.Error{Kind: session.KindHardwareStartFailure, Message: session.MsgStartFailed},
			status:   http.StatusInternalServerError,
			wantKind: "hardware_start_failure",
		},
		{
			name:   "transition",
			err:    fmt.Errorf("%w: cannot start while recording", session.ErrInvalidTransition),
			status: http.StatusConflict,
		},
		{
			name:   "busy",
			err:    session.ErrBusy,
			status: http.StatusConflict,
		},
		{
			name:   "closed",
			err:    session.ErrClosed,
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.sess.errs["start"] = tt.err

			rec := ts.do(http.MethodPost, "/session/start", "")
			assert.Equal(t, tt.status, rec.Code)

			body := decode(t, rec)
			assert.Equal(t, tt.err.Error(), body["error"])
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, body["kind"])
			}
		})
	}
}

func TestPlayback(t *testing.T) {
	ts := newTestServer(t)

	ts.sess.playErr = session.ErrNoPlayback
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/session/playback", "").Code)

	path := filepath.Join(t.TempDir(), "consultation.webm")
	require.NoError(t, os.WriteFile(path, []byte("webm-bytes"), 0o600))
	ts.sess.playErr = nil
	ts.sess.playback = session.Playback{Ref: path, MimeType: "audio/webm;codecs=opus"}

	rec := ts.do(http.MethodGet, "/session/playback", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "webm-bytes", rec.Body.String())
	assert.Equal(t, "audio/webm;codecs=opus", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestConsultationContext(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/consultation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decode(t, rec)["kind"])

	rec = ts.do(http.MethodPut, "/consultation", `{"patient_id":"p-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "existing", decode(t, rec)["kind"])
	assert.NoError(t, ts.store.Check())

	rec = ts.do(http.MethodPut, "/consultation", `{"new_patient":{"first_name":"Ada","last_name":"Lovelace","date_of_birth":"1815-12-10"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "phone_1 is required")

	target, err := ts.store.Target()
	require.NoError(t, err)
	assert.Equal(t, "p-7", target.SubjectID, "rejected context leaves the previous one")

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPut, "/consultation", `{"patient":`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPut, "/consultation", `{"unknown":1}`).Code)

	rec = ts.do(http.MethodDelete, "/consultation", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.ErrorIs(t, ts.store.Check(), consultation.ErrNoPatient)

	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodPost, "/consultation", "").Code)
}

func TestRequestMetrics(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodGet, "/health", "")
	ts.do(http.MethodGet, "/health", "")
	ts.do(http.MethodPost, "/session/explode", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.HTTPRequests.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.HTTPErrors.WithLabelValues("POST", "/session/{action}", "client_error")))
}
