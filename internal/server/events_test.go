package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/consult-capture/internal/session"
	"github.com/skypro1111/consult-capture/internal/upload"
)

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestEventsStreamCallbacks(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.http.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv)
	require.Eventually(t, func() bool { return ts.events.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	cb := ts.events.Callbacks()
	cb.OnStateChange(session.StateReady, session.StateRecording)
	cb.OnUploadStatusChange(upload.StatusInFlight)
	cb.OnUploadProgress(42)
	cb.OnUploadComplete(upload.Result{ID: "c-1"})
	cb.OnError(&session.Error{Kind: session.KindTransportFailure, Message: "Upload failed: Bad Gateway"})

	ev := readEvent(t, conn)
	assert.Equal(t, EventStateChange, ev["type"])
	assert.Equal(t, map[string]any{"from": "ready", "to": "recording"}, ev["data"])

	ev = readEvent(t, conn)
	assert.Equal(t, EventUploadStatus, ev["type"])
	assert.Equal(t, map[string]any{"status": "uploading"}, ev["data"])

	ev = readEvent(t, conn)
	assert.Equal(t, EventUploadProgress, ev["type"])
	assert.Equal(t, map[string]any{"percent": float64(42)}, ev["data"])

	ev = readEvent(t, conn)
	assert.Equal(t, EventUploadComplete, ev["type"])
	assert.Equal(t, "c-1", ev["data"].(map[string]any)["id"])

	ev = readEvent(t, conn)
	assert.Equal(t, EventError, ev["type"])
	assert.Equal(t, map[string]any{"kind": "transport_failure", "message": "Upload failed: Bad Gateway"}, ev["data"])
}

func TestEventsHubClose(t *testing.T) {
	hub := NewEventHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.Clients())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsRejectsPlainHTTP(t *testing.T) {
	hub := NewEventHub(nil)

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, hub.Clients())
}
