package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/livesync/internal/connection"
	"github.com/agentworkforce/livesync/internal/dispatch"
	"github.com/agentworkforce/livesync/internal/document"
	"github.com/agentworkforce/livesync/internal/protocol"
	"github.com/agentworkforce/livesync/internal/schedule"
)

// Snapshot is the collaborator-facing view of the session after a change.
type Snapshot struct {
	Content   string
	Display   string
	CanUndo   bool
	CanRedo   bool
	UndoDepth int
	RedoDepth int
}

type Options struct {
	Endpoint       string
	DebounceDelay  time.Duration
	ReconnectDelay time.Duration
	MaxHistory     int
	Dialer         connection.Dialer
	Scheduler      schedule.Scheduler
	Logger         *slog.Logger

	// OnChange runs after every transition that changed the document or
	// its history. It must not call back into the session synchronously.
	OnChange           func(Snapshot)
	OnConnectionChange func(connection.State)
}

// Session wires the document store, the outbound debouncer and the
// connection manager for one document.
type Session struct {
	store      *document.Store
	dispatcher *dispatch.Dispatcher
	conn       *connection.Manager
	logger     *slog.Logger
	onChange   func(Snapshot)

	mu       sync.Mutex
	tornDown bool

	notifyMu sync.Mutex
}

func New(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		store:    document.NewStore(opts.MaxHistory),
		logger:   logger,
		onChange: opts.OnChange,
	}
	s.dispatcher = dispatch.New(s.transmit, dispatch.Options{
		Delay:     opts.DebounceDelay,
		Scheduler: opts.Scheduler,
		Logger:    logger,
	})
	conn, err := connection.NewManager(connection.Options{
		Endpoint:       opts.Endpoint,
		ReconnectDelay: opts.ReconnectDelay,
		Dialer:         opts.Dialer,
		Scheduler:      opts.Scheduler,
		OnMessage:      s.handleMessage,
		OnStateChange:  opts.OnConnectionChange,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *Session) Start() {
	s.conn.Connect()
}

// Teardown drops any pending outbound update and closes the connection
// for good.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.tornDown = true
	s.mu.Unlock()
	s.dispatcher.Cancel()
	s.conn.Teardown()
}

func (s *Session) SubmitEdit(text string) {
	s.mu.Lock()
	content, changed := s.store.ApplyLocalEdit(text)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.dispatcher.Schedule(content)
	s.releaseAndNotify()
}

func (s *Session) RequestUndo() {
	s.mu.Lock()
	content, changed := s.store.Undo()
	if !changed {
		s.mu.Unlock()
		return
	}
	s.dispatcher.Schedule(content)
	s.releaseAndNotify()
}

func (s *Session) RequestRedo() {
	s.mu.Lock()
	content, changed := s.store.Redo()
	if !changed {
		s.mu.Unlock()
		return
	}
	s.dispatcher.Schedule(content)
	s.releaseAndNotify()
}

func (s *Session) CurrentDisplayContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Display()
}

func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Content()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) ConnectionState() connection.State {
	return s.conn.State()
}

func (s *Session) handleMessage(msg protocol.Message) {
	update, ok := msg.(protocol.Update)
	if !ok {
		s.logger.Debug("ignoring message", slog.String("type", protocol.TypeOf(msg)))
		return
	}
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	if update.Content == s.store.Content() {
		s.mu.Unlock()
		s.logger.Debug("ignoring echoed update")
		return
	}
	s.store.ApplyRemoteUpdate(update.Content)
	s.releaseAndNotify()
}

func (s *Session) transmit(content string) {
	payload, err := protocol.EncodeUpdate(content)
	if err != nil {
		s.logger.Warn("encode update failed", slog.String("error", err.Error()))
		return
	}
	if !s.conn.Send(payload) {
		s.logger.Debug("update not sent", slog.String("state", s.conn.State().String()))
	}
}

// releaseAndNotify must be called with mu held. It unlocks mu and
// delivers the snapshot while holding notifyMu so listeners observe
// transitions in order.
func (s *Session) releaseAndNotify() {
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	if s.onChange != nil {
		s.onChange(snap)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Content:   s.store.Content(),
		Display:   s.store.Display(),
		CanUndo:   s.store.CanUndo(),
		CanRedo:   s.store.CanRedo(),
		UndoDepth: s.store.UndoDepth(),
		RedoDepth: s.store.RedoDepth(),
	}
}
