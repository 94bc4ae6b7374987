package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/livesync/internal/connection"
	"github.com/agentworkforce/livesync/internal/dispatch"
	"github.com/agentworkforce/livesync/internal/schedule"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type peerConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []string
}

func newPeerConn() *peerConn {
	return &peerConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *peerConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.MessageText, data, nil
	case <-c.done:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *peerConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(p))
	return nil
}

func (c *peerConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *peerConn) sendUpdate(t *testing.T, content string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{"type": "update", "content": content})
	require.NoError(t, err)
	c.inbound <- data
}

// sentContents decodes every written frame into its content field.
func (c *peerConn) sentContents(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, frame := range c.written {
		var env struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal([]byte(frame), &env))
		require.Equal(t, "update", env.Type)
		out = append(out, env.Content)
	}
	return out
}

type harness struct {
	session *Session
	clock   *schedule.Manual
	conn    *peerConn

	mu        sync.Mutex
	snapshots []Snapshot
}

func (h *harness) record(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = append(h.snapshots, s)
}

func (h *harness) changes() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Snapshot, len(h.snapshots))
	copy(out, h.snapshots)
	return out
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{clock: schedule.NewManual(), conn: newPeerConn()}
	opts.Endpoint = "ws://sync.test/doc"
	opts.Scheduler = h.clock
	opts.OnChange = h.record
	opts.Dialer = func(context.Context, string) (connection.Conn, error) { return h.conn, nil }
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Teardown)
	h.session = s
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.session.Start()
	require.Eventually(t, func() bool { return h.session.ConnectionState() == connection.StateOpen }, waitFor, tick)
}

func TestLocalEditsCollapseIntoOneSend(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.session.SubmitEdit("a")
	h.clock.Advance(100 * time.Millisecond)
	h.session.SubmitEdit("ab")
	h.clock.Advance(100 * time.Millisecond)
	h.session.SubmitEdit("abc")
	require.Len(t, h.changes(), 3)
	require.Equal(t, "abc", h.session.Content())

	h.clock.Advance(dispatch.DefaultDelay)
	require.Eventually(t, func() bool { return len(h.conn.sentContents(t)) == 1 }, waitFor, tick)
	require.Equal(t, []string{"abc"}, h.conn.sentContents(t))
}

func TestIdenticalEditIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.session.SubmitEdit("same")
	h.session.SubmitEdit("same")

	require.Len(t, h.changes(), 1)
	require.Equal(t, 1, h.session.Snapshot().UndoDepth)
}

func TestEchoIsSuppressed(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	h.session.SubmitEdit("shared")
	before := h.session.Snapshot()
	notifications := len(h.changes())

	h.conn.sendUpdate(t, "shared")
	h.conn.sendUpdate(t, "marker")
	require.Eventually(t, func() bool { return h.session.Content() == "marker" }, waitFor, tick)

	changes := h.changes()
	require.Len(t, changes, notifications+1)
	require.Equal(t, "marker", changes[len(changes)-1].Content)
	require.Equal(t, before.UndoDepth, h.session.Snapshot().UndoDepth)
}

func TestRemoteUpdateBypassesHistoryAndDebounce(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.conn.sendUpdate(t, "from peer")
	require.Eventually(t, func() bool { return h.session.Content() == "from peer" }, waitFor, tick)

	snap := h.session.Snapshot()
	require.False(t, snap.CanUndo)
	require.False(t, snap.CanRedo)
	require.Zero(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	require.Empty(t, h.conn.sentContents(t))
}

func TestUndoRedoAreForwarded(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.session.SubmitEdit("one")
	h.session.SubmitEdit("two")
	h.clock.Advance(dispatch.DefaultDelay)

	h.session.RequestUndo()
	require.Equal(t, "one", h.session.Content())
	snap := h.session.Snapshot()
	require.True(t, snap.CanRedo)
	h.clock.Advance(dispatch.DefaultDelay)

	h.session.RequestRedo()
	require.Equal(t, "two", h.session.Content())
	h.clock.Advance(dispatch.DefaultDelay)

	require.Eventually(t, func() bool { return len(h.conn.sentContents(t)) == 3 }, waitFor, tick)
	require.Equal(t, []string{"two", "one", "two"}, h.conn.sentContents(t))
}

func TestUndoRedoOnEmptyHistoryDoNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.session.RequestUndo()
	h.session.RequestRedo()
	require.Empty(t, h.changes())
	require.Zero(t, h.clock.Pending())
}

func TestUnknownMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	h.conn.inbound <- []byte(`{"type":"cursor","offset":3}`)
	h.conn.inbound <- []byte(`{"type":"update","content":7}`)
	h.conn.sendUpdate(t, "after")

	require.Eventually(t, func() bool { return h.session.Content() == "after" }, waitFor, tick)
	require.Len(t, h.changes(), 1)
}

func TestDisplayIsTruncated(t *testing.T) {
	h := newHarness(t, Options{})
	long := strings.Repeat("x", 12000)
	h.session.SubmitEdit(long)

	display := h.session.CurrentDisplayContent()
	require.Len(t, display, 10003)
	require.True(t, strings.HasSuffix(display, "..."))
	require.Equal(t, long, h.session.Content())
	require.Equal(t, display, h.changes()[0].Display)
}

func TestSendsWhileDisconnectedAreDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.session.SubmitEdit("offline")
	h.clock.Advance(dispatch.DefaultDelay)

	h.start(t)
	h.clock.Advance(time.Minute)
	require.Empty(t, h.conn.sentContents(t))
	require.Equal(t, "offline", h.session.Content())
}

func TestTeardownCancelsPendingSend(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	h.session.SubmitEdit("never sent")
	require.Equal(t, 1, h.clock.Pending())

	h.session.Teardown()
	h.session.Teardown()
	require.Zero(t, h.clock.Pending())
	h.clock.Advance(time.Minute)
	require.Empty(t, h.conn.sentContents(t))
	require.Equal(t, connection.StateIdle, h.session.ConnectionState())
}

func TestCustomOptions(t *testing.T) {
	h := newHarness(t, Options{DebounceDelay: time.Second, MaxHistory: 2})
	h.start(t)
	for _, v := range []string{"a", "b", "c", "d"} {
		h.session.SubmitEdit(v)
	}
	require.Equal(t, 2, h.session.Snapshot().UndoDepth)

	h.clock.Advance(dispatch.DefaultDelay)
	require.Empty(t, h.conn.sentContents(t))
	h.clock.Advance(dispatch.DefaultDelay)
	require.Eventually(t, func() bool { return len(h.conn.sentContents(t)) == 1 }, waitFor, tick)
	require.Equal(t, []string{"d"}, h.conn.sentContents(t))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New(Options{Endpoint: "not a url"})
	require.Error(t, err)
}
