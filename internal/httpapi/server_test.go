package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispatch-voice-relay/internal/bridge"
	"github.com/dispatch-voice-relay/internal/pending"
	"github.com/dispatch-voice-relay/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *pending.Store) {
	t.Helper()
	store, err := pending.Open(filepath.Join(t.TempDir(), "pending.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b := bridge.New(store, bridge.NewRegistry(), nil, nil, nil, time.Millisecond)
	t.Cleanup(func() { _ = b.Close() })
	return New(":0", b, nil), store
}

func TestPushWebhookStoresClip(t *testing.T) {
	s, store := newTestServer(t)

	body, err := json.Marshal(wire.PushEvent{Data: wire.PushData{
		Type:       wire.PushTypeWalkieAudio,
		SenderID:   "D1",
		SenderName: "Carlos",
		AudioURL:   "https://relay/clips/1",
		Timestamp:  100,
	}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, pending.RecordID("D1", 100), active[0].ID)
}

// With a session registered on the bridge's registry, a push arriving at
// the webhook is handed straight to the session and never persisted.
func TestPushWebhookHandsOffToOpenSession(t *testing.T) {
	store, err := pending.Open(filepath.Join(t.TempDir(), "pending.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := bridge.NewRegistry()
	ch := make(chan wire.SessionMessage, 1)
	defer reg.Register(ch)()

	b := bridge.New(store, reg, nil, nil, nil, time.Millisecond)
	t.Cleanup(func() { _ = b.Close() })
	s := New(":0", b, nil)

	body, err := json.Marshal(wire.PushEvent{Data: wire.PushData{
		Type:       wire.PushTypeWalkieAudio,
		SenderID:   "D1",
		SenderName: "Carlos",
		AudioURL:   "https://relay/clips/1",
		Timestamp:  100,
	}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case msg := <-ch:
		require.Equal(t, wire.MsgPlayImmediately, msg.Type)
		require.Equal(t, "https://relay/clips/1", msg.AudioURL)
	default:
		t.Fatal("session did not receive the hand-off")
	}

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestPushWebhookRejectsBadPayload(t *testing.T) {
	s, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestPushWebhookMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/push", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
}
