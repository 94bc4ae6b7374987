package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/livesync/internal/snapshot"
)

const waitFor = 2 * time.Second

func newTestRelay(t *testing.T, backend snapshot.Backend, cfg ServerConfig) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(HubOptions{Backend: backend, SaveDelay: time.Hour})
	srv := httptest.NewServer(NewServer(hub, cfg))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return srv, hub
}

func wsURL(srv *httptest.Server, docID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/documents/" + docID + "/ws"
}

func dialPeer(t *testing.T, srv *httptest.Server, docID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, docID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForPeers(t *testing.T, hub *Hub, docID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		r, ok := hub.rooms[docID]
		hub.mu.Unlock()
		return ok && r.peerCount() == n
	}, waitFor, 5*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func receive(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	return string(data)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestRelay(t, nil, ServerConfig{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestRelay(t, nil, ServerConfig{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "livesync_relay_rooms")
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestRelay(t, nil, ServerConfig{})
	resp, err := http.Get(srv.URL + "/v1/workspaces/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateIsBroadcastToOtherPeersOnly(t *testing.T) {
	srv, hub := newTestRelay(t, nil, ServerConfig{})
	alice := dialPeer(t, srv, "notes")
	bob := dialPeer(t, srv, "notes")
	waitForPeers(t, hub, "notes", 2)

	send(t, alice, `{"type":"update","content":"hi bob"}`)
	require.JSONEq(t, `{"type":"update","content":"hi bob"}`, receive(t, bob))

	send(t, bob, `{"type":"update","content":"hi alice"}`)
	require.JSONEq(t, `{"type":"update","content":"hi alice"}`, receive(t, alice))
}

func TestRoomsAreIsolatedByDocument(t *testing.T) {
	srv, hub := newTestRelay(t, nil, ServerConfig{})
	a1 := dialPeer(t, srv, "a")
	a2 := dialPeer(t, srv, "a")
	b1 := dialPeer(t, srv, "b")
	waitForPeers(t, hub, "a", 2)
	waitForPeers(t, hub, "b", 1)

	send(t, a1, `{"type":"update","content":"only a"}`)
	require.JSONEq(t, `{"type":"update","content":"only a"}`, receive(t, a2))

	send(t, b1, `{"type":"update","content":"only b"}`)
	send(t, a1, `{"type":"update","content":"a again"}`)
	require.JSONEq(t, `{"type":"update","content":"a again"}`, receive(t, a2))
}

func TestLateJoinerReceivesLatestContent(t *testing.T) {
	srv, hub := newTestRelay(t, nil, ServerConfig{})
	alice := dialPeer(t, srv, "notes")
	bob := dialPeer(t, srv, "notes")
	waitForPeers(t, hub, "notes", 2)

	send(t, alice, `{"type":"update","content":"v1"}`)
	send(t, alice, `{"type":"update","content":"v2"}`)
	require.JSONEq(t, `{"type":"update","content":"v1"}`, receive(t, bob))
	require.JSONEq(t, `{"type":"update","content":"v2"}`, receive(t, bob))

	carol := dialPeer(t, srv, "notes")
	require.JSONEq(t, `{"type":"update","content":"v2"}`, receive(t, carol))
}

func TestMalformedFramesAreDroppedAndUnknownForwarded(t *testing.T) {
	srv, hub := newTestRelay(t, nil, ServerConfig{})
	alice := dialPeer(t, srv, "notes")
	bob := dialPeer(t, srv, "notes")
	waitForPeers(t, hub, "notes", 2)

	send(t, alice, `{"type":`)
	send(t, alice, `{"type":"update"}`)
	send(t, alice, `{"type":"cursor","offset":4}`)
	send(t, alice, `{"type":"update","content":"valid"}`)

	require.Equal(t, `{"type":"cursor","offset":4}`, receive(t, bob))
	require.JSONEq(t, `{"type":"update","content":"valid"}`, receive(t, bob))
}

func TestRateLimitedFramesAreDropped(t *testing.T) {
	srv, hub := newTestRelay(t, nil, ServerConfig{RateLimit: 0.001, RateBurst: 1})
	alice := dialPeer(t, srv, "notes")
	bob := dialPeer(t, srv, "notes")
	waitForPeers(t, hub, "notes", 2)

	send(t, alice, `{"type":"update","content":"allowed"}`)
	send(t, alice, `{"type":"update","content":"dropped"}`)
	require.JSONEq(t, `{"type":"update","content":"allowed"}`, receive(t, bob))

	send(t, bob, `{"type":"update","content":"bob's own budget"}`)
	require.JSONEq(t, `{"type":"update","content":"bob's own budget"}`, receive(t, alice))

	doc, err := hub.Document("notes")
	require.NoError(t, err)
	require.Equal(t, "bob's own budget", doc.Content)
}

func TestDocumentEndpoint(t *testing.T) {
	backend := snapshot.NewMemoryBackend()
	require.NoError(t, backend.Save(snapshot.Document{ID: "stored", Content: "from disk"}))
	srv, hub := newTestRelay(t, backend, ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/documents/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/documents/stored")
	require.NoError(t, err)
	var doc snapshot.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	require.Equal(t, "stored", doc.ID)
	require.Equal(t, "from disk", doc.Content)

	alice := dialPeer(t, srv, "stored")
	require.JSONEq(t, `{"type":"update","content":"from disk"}`, receive(t, alice))
	waitForPeers(t, hub, "stored", 1)
	send(t, alice, `{"type":"update","content":"live"}`)
	require.Eventually(t, func() bool {
		live, err := hub.Document("stored")
		return err == nil && live != nil && live.Content == "live"
	}, waitFor, 5*time.Millisecond)

	resp, err = http.Get(srv.URL + "/v1/documents/stored")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	require.Equal(t, "live", doc.Content)
}

func TestLastLeaveFlushesSnapshot(t *testing.T) {
	backend := snapshot.NewMemoryBackend()
	srv, hub := newTestRelay(t, backend, ServerConfig{})
	alice := dialPeer(t, srv, "notes")
	waitForPeers(t, hub, "notes", 1)

	send(t, alice, `{"type":"update","content":"persist me"}`)
	require.Eventually(t, func() bool {
		doc, err := hub.Document("notes")
		return err == nil && doc != nil && doc.Content == "persist me"
	}, waitFor, 5*time.Millisecond)

	stored, err := backend.Load("notes")
	require.NoError(t, err)
	require.Nil(t, stored)

	require.NoError(t, alice.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		doc, err := backend.Load("notes")
		return err == nil && doc != nil && doc.Content == "persist me"
	}, waitFor, 5*time.Millisecond)

	hub.mu.Lock()
	_, open := hub.rooms["notes"]
	hub.mu.Unlock()
	require.False(t, open)
}
