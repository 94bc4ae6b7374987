package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/livesync/internal/protocol"
	"github.com/agentworkforce/livesync/internal/schedule"
)

const (
	DefaultReconnectDelay = 3000 * time.Millisecond
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSendBuffer     = 16
	DefaultReadLimit      = 1 << 20
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

var (
	attemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_connection_attempts_total",
		Help: "Transport connection attempts",
	})
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_connection_errors_total",
		Help: "Transport errors by stage",
	}, []string{"stage"})
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_frames_received_total",
		Help: "Decoded inbound frames by message type",
	}, []string{"type"})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_frames_dropped_total",
		Help: "Frames dropped without being delivered",
	}, []string{"reason"})
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_frames_sent_total",
		Help: "Outbound frames written to the transport",
	})
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn the manager relies on.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type Dialer func(ctx context.Context, endpoint string) (Conn, error)

func WebsocketDialer(opts *websocket.DialOptions, readLimit int64) Dialer {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	return func(ctx context.Context, endpoint string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, endpoint, opts) //nolint:bodyclose // websocket.Dial closes the response body
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}
		conn.SetReadLimit(readLimit)
		return conn, nil
	}
}

type Options struct {
	Endpoint       string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	ReadLimit      int64
	Dialer         Dialer
	Scheduler      schedule.Scheduler
	OnMessage      func(protocol.Message)
	OnStateChange  func(State)
	Logger         *slog.Logger
}

// Manager owns the single transport connection and the fixed-delay
// reconnect loop. Callbacks run outside the manager's lock but must not
// call back into the manager synchronously.
type Manager struct {
	endpoint       string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	sendBuffer     int
	dialer         Dialer
	sched          schedule.Scheduler
	onMessage      func(protocol.Message)
	onStateChange  func(State)
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	attempt   uint64
	active    *link
	reconnect schedule.Timer
	tornDown  bool

	notifyMu sync.Mutex
}

type link struct {
	id     uint64
	conn   Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(opts Options) (*Manager, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer(nil, opts.ReadLimit)
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedule.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		endpoint:       endpoint,
		reconnectDelay: reconnectDelay,
		dialTimeout:    dialTimeout,
		writeTimeout:   writeTimeout,
		sendBuffer:     sendBuffer,
		dialer:         dialer,
		sched:          sched,
		onMessage:      opts.OnMessage,
		onStateChange:  opts.OnStateChange,
		logger:         logger.With(slog.String("endpoint", endpoint)),
		ctx:            ctx,
		cancel:         cancel,
		state:          StateIdle,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a new connection attempt. It is a no-op while an attempt
// is in flight, while connected, and after Teardown.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.tornDown || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.attempt++
	id := m.attempt
	m.state = StateConnecting
	m.notifyMu.Lock()
	m.mu.Unlock()

	attemptsTotal.Inc()
	m.logger.Debug("connecting", slog.Uint64("attempt", id))
	m.emit(StateConnecting)
	go m.dial(id)
}

// Send queues payload as a text frame. It returns false and drops the
// payload when the connection is not open.
func (m *Manager) Send(payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.active == nil {
		framesDropped.WithLabelValues("disconnected").Inc()
		m.logger.Debug("dropping outbound frame while disconnected", slog.String("state", m.state.String()))
		return false
	}
	select {
	case m.active.out <- payload:
		return true
	default:
		framesDropped.WithLabelValues("backpressure").Inc()
		m.logger.Warn("dropping outbound frame, send buffer full", slog.Int("buffer", m.sendBuffer))
		return false
	}
}

// Teardown closes the active transport and disables reconnects. Safe to
// call more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	active := m.active
	m.active = nil
	previous := m.state
	m.state = StateIdle
	m.notifyMu.Lock()
	m.mu.Unlock()

	m.cancel()
	if active != nil {
		go func() {
			_ = active.conn.Close(websocket.StatusNormalClosure, "teardown")
			active.cancel()
		}()
	}
	m.logger.Info("connection torn down")
	if previous == StateIdle {
		m.notifyMu.Unlock()
		return
	}
	m.emit(StateIdle)
}

func (m *Manager) dial(id uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	conn, err := m.dialer(ctx, m.endpoint)
	cancel()
	if err != nil {
		if m.ctx.Err() == nil {
			m.reportError("dial", err)
		}
		m.handleClose(id)
		return
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	l := &link{
		id:     id,
		conn:   conn,
		out:    make(chan []byte, m.sendBuffer),
		ctx:    linkCtx,
		cancel: linkCancel,
	}
	m.mu.Lock()
	if m.tornDown || m.attempt != id {
		m.mu.Unlock()
		linkCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "teardown")
		return
	}
	m.active = l
	m.state = StateOpen
	m.notifyMu.Lock()
	m.mu.Unlock()

	m.logger.Info("connection open", slog.Uint64("attempt", id))
	m.emit(StateOpen)
	go m.writeLoop(l)
	m.readLoop(l)
}

func (m *Manager) readLoop(l *link) {
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil && !isNormalClosure(err) {
				m.reportError("read", err)
			}
			m.handleClose(l.id)
			l.cancel()
			_ = l.conn.Close(websocket.StatusGoingAway, "")
			return
		}
		if typ != websocket.MessageText {
			framesDropped.WithLabelValues("malformed").Inc()
			m.logger.Warn("dropping non-text frame", slog.String("type", typ.String()))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			framesDropped.WithLabelValues("malformed").Inc()
			m.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		framesReceived.WithLabelValues(typeLabel(msg)).Inc()
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
}

func (m *Manager) writeLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case payload := <-l.out:
			ctx, cancel := context.WithTimeout(l.ctx, m.writeTimeout)
			err := l.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if l.ctx.Err() == nil {
					m.reportError("write", err)
				}
				_ = l.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
			framesSent.Inc()
		}
	}
}

// handleClose moves attempt id to Closed and arms at most one reconnect
// timer. Stale attempts and closes after Teardown are ignored.
func (m *Manager) handleClose(id uint64) {
	m.mu.Lock()
	if m.tornDown || m.attempt != id || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if m.active != nil && m.active.id == id {
		m.active.cancel()
		m.active = nil
	}
	m.state = StateClosed
	if m.reconnect == nil {
		m.reconnect = m.sched.AfterFunc(m.reconnectDelay, m.reconnectNow)
	}
	m.notifyMu.Lock()
	m.mu.Unlock()

	m.logger.Warn("connection closed, reconnecting", slog.Duration("delay", m.reconnectDelay))
	m.emit(StateClosed)
}

func (m *Manager) reconnectNow() {
	m.mu.Lock()
	m.reconnect = nil
	tornDown := m.tornDown
	m.mu.Unlock()
	if tornDown {
		return
	}
	m.Connect()
}

// emit delivers a state change and releases notifyMu, which the caller
// acquired before dropping mu so notifications keep transition order.
func (m *Manager) emit(state State) {
	defer m.notifyMu.Unlock()
	if m.onStateChange != nil {
		m.onStateChange(state)
	}
}

func (m *Manager) reportError(stage string, err error) {
	errorsTotal.WithLabelValues(stage).Inc()
	m.logger.Warn("transport error", slog.String("stage", stage), slog.String("error", err.Error()))
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func typeLabel(msg protocol.Message) string {
	if _, ok := msg.(protocol.Update); ok {
		return protocol.TypeUpdate
	}
	return "unknown"
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidEndpoint)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}
