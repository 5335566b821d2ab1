package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync-server/auth"
	"docsync-server/config"
	"docsync-server/domain"
	"docsync-server/hub"
	"docsync-server/persist"
	"docsync-server/protocol"
	"docsync-server/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.JWTProvider) {
	t.Helper()
	cfg := &config.Config{SendQueueSize: 16, MaxMessageSize: 1 << 16}
	identity, err := auth.NewJWTProvider("test-secret", 0)
	require.NoError(t, err)

	store := memory.New()
	bridge := persist.New(store, persist.Config{Debounce: time.Hour})
	registry := hub.New(store, bridge, hub.Config{IdleTimeout: time.Minute})
	handler := protocol.NewHandler(registry, memory.NewPermissions(domain.AccessEdit))

	ts := httptest.NewServer(newRouter(context.Background(), cfg, identity, handler, registry, bridge))
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		registry.Shutdown(ctx)
		bridge.Close(ctx)
	})
	return ts, identity
}

func TestWSHandler_RejectsMissingOrBadToken(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	for _, suffix := range []string{"", "?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(url+suffix, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWSHandler_AcceptsValidToken(t *testing.T) {
	ts, identity := newTestServer(t)
	token, err := identity.Issue("alice", "alice@example.com", time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]string{"type": "join", "docId": "doc1"}))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg domain.Message
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, domain.TypeInit, msg.Type)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats["sessions"])
	assert.Equal(t, 1, stats["subscribers"])
}

func TestHealthHandler(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
