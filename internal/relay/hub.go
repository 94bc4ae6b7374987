package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/livesync/internal/dispatch"
	"github.com/agentworkforce/livesync/internal/protocol"
	"github.com/agentworkforce/livesync/internal/schedule"
	"github.com/agentworkforce/livesync/internal/snapshot"
)

const (
	DefaultSaveDelay  = time.Second
	DefaultSendBuffer = 64
)

var (
	ErrInvalidDocumentID = errors.New("invalid document id")
	ErrHubClosed         = errors.New("relay hub closed")
)

var (
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_relay_rooms",
		Help: "Open document rooms",
	})
	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_relay_peers",
		Help: "Connected peers across all rooms",
	})
	relayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_relay_frames_total",
		Help: "Inbound relay frames by outcome",
	}, []string{"result"})
	snapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_relay_snapshot_saves_total",
		Help: "Snapshot saves by result",
	}, []string{"result"})
)

type HubOptions struct {
	Backend   snapshot.Backend
	Broker    Broker
	SaveDelay time.Duration
	Scheduler schedule.Scheduler
	Logger    *slog.Logger
}

// Hub owns one room per document that has at least one connected peer.
type Hub struct {
	instance  string
	backend   snapshot.Backend
	broker    Broker
	saveDelay time.Duration
	sched     schedule.Scheduler
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	rooms   map[string]*room
	closing map[string]chan struct{}
}

func NewHub(opts HubOptions) *Hub {
	backend := opts.Backend
	if backend == nil {
		backend = snapshot.NewMemoryBackend()
	}
	broker := opts.Broker
	if broker == nil {
		broker = NewMemoryBroker()
	}
	saveDelay := opts.SaveDelay
	if saveDelay <= 0 {
		saveDelay = DefaultSaveDelay
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedule.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := uuid.NewString()
	return &Hub{
		instance:  instance,
		backend:   backend,
		broker:    broker,
		saveDelay: saveDelay,
		sched:     sched,
		logger:    logger.With(slog.String("instance", instance)),
		rooms:     map[string]*room{},
		closing:   map[string]chan struct{}{},
	}
}

type peer struct {
	id      string
	send    chan []byte
	limiter *rate.Limiter
}

func newPeer(buffer int, limit rate.Limit, burst int) *peer {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &peer{
		id:      uuid.NewString(),
		send:    make(chan []byte, buffer),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// enqueue never blocks; a peer that cannot keep up loses frames.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	default:
		relayFrames.WithLabelValues("dropped_slow_peer").Inc()
		return false
	}
}

type room struct {
	id     string
	hub    *Hub
	saver  *dispatch.Dispatcher
	cancel func()
	logger *slog.Logger

	// ready is closed once the snapshot is loaded and the broker
	// subscription is live; openErr is set before that.
	ready   chan struct{}
	openErr error
	// joining counts peers waiting on ready. Guarded by hub.mu.
	joining int

	mu         sync.Mutex
	content    string
	updatedAt  time.Time
	hasContent bool
	peers      map[string]*peer
}

// Join adds p to the room for docID, creating the room from the stored
// snapshot when it is the first peer. The current content is queued to p
// before any broadcast can reach it. Storage and broker calls run outside
// the hub lock, so a slow document does not hold up the others.
func (h *Hub) Join(ctx context.Context, docID string, p *peer) (*room, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, ErrInvalidDocumentID
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	r, ok := h.rooms[docID]
	var previous chan struct{}
	if !ok {
		r = h.newRoom(docID)
		h.rooms[docID] = r
		previous = h.closing[docID]
	}
	r.joining++
	h.mu.Unlock()

	if !ok {
		if previous != nil {
			<-previous
		}
		h.openRoom(ctx, r)
	}
	<-r.ready

	h.mu.Lock()
	defer h.mu.Unlock()
	r.joining--
	if r.openErr != nil {
		return nil, r.openErr
	}
	if h.rooms[docID] != r {
		return nil, ErrHubClosed
	}
	r.mu.Lock()
	r.peers[p.id] = p
	if r.hasContent {
		if frame, err := protocol.EncodeUpdate(r.content); err == nil {
			p.enqueue(frame)
		}
	}
	count := len(r.peers)
	r.mu.Unlock()
	peersGauge.Inc()
	r.logger.Info("peer joined", slog.String("peer", p.id), slog.Int("peers", count))
	return r, nil
}

// Leave removes p and closes the room once it is empty. The final
// snapshot save runs after the hub lock is released; a new room for the
// same document waits for it before loading.
func (h *Hub) Leave(r *room, p *peer) {
	if r == nil || p == nil {
		return
	}
	h.mu.Lock()
	r.mu.Lock()
	if _, ok := r.peers[p.id]; !ok {
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(r.peers, p.id)
	empty := len(r.peers) == 0 && r.joining == 0
	r.mu.Unlock()
	peersGauge.Dec()
	r.logger.Info("peer left", slog.String("peer", p.id))
	if !empty || h.rooms[r.id] != r {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.id)
	done := make(chan struct{})
	h.closing[r.id] = done
	h.mu.Unlock()

	r.close()

	h.mu.Lock()
	if h.closing[r.id] == done {
		delete(h.closing, r.id)
	}
	h.mu.Unlock()
	close(done)
}

// Document returns the live content of an open room, or the stored
// snapshot otherwise.
func (h *Hub) Document(docID string) (*snapshot.Document, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, ErrInvalidDocumentID
	}
	h.mu.Lock()
	r, ok := h.rooms[docID]
	h.mu.Unlock()
	if ok && r.isOpen() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.hasContent {
			return nil, nil
		}
		return &snapshot.Document{ID: r.id, Content: r.content, UpdatedAt: r.updatedAt}, nil
	}
	return h.backend.Load(docID)
}

// Close flushes pending snapshot saves and releases every room. Joins
// after Close fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for id, r := range h.rooms {
		delete(h.rooms, id)
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		<-r.ready
		if r.openErr == nil {
			r.close()
		}
	}
}

func (h *Hub) newRoom(docID string) *room {
	r := &room{
		id:     docID,
		hub:    h,
		logger: h.logger.With(slog.String("doc", docID)),
		ready:  make(chan struct{}),
		peers:  map[string]*peer{},
	}
	r.saver = dispatch.New(r.save, dispatch.Options{
		Delay:     h.saveDelay,
		Scheduler: h.sched,
		Logger:    r.logger,
	})
	return r
}

// openRoom loads the snapshot and subscribes, then releases waiting
// joiners. A failed room is dropped so the next join retries.
func (h *Hub) openRoom(ctx context.Context, r *room) {
	defer close(r.ready)
	doc, err := h.backend.Load(r.id)
	if err == nil {
		if doc != nil {
			r.mu.Lock()
			r.content = doc.Content
			r.updatedAt = doc.UpdatedAt
			r.hasContent = true
			r.mu.Unlock()
		}
		r.cancel, err = h.broker.Subscribe(ctx, r.id, r.deliver)
		if err != nil {
			err = fmt.Errorf("subscribe %s: %w", r.id, err)
		}
	} else {
		err = fmt.Errorf("load snapshot %s: %w", r.id, err)
	}
	if err != nil {
		r.openErr = err
		r.saver.Cancel()
		h.mu.Lock()
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
		}
		h.mu.Unlock()
		r.logger.Warn("room open failed", slog.String("error", err.Error()))
		return
	}
	roomsGauge.Inc()
	r.logger.Info("room opened", slog.Bool("restored", doc != nil))
}

func (r *room) isOpen() bool {
	select {
	case <-r.ready:
		return r.openErr == nil
	default:
		return false
	}
}

// handleFrame applies one inbound frame from p and publishes it.
func (r *room) handleFrame(ctx context.Context, p *peer, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		relayFrames.WithLabelValues("dropped_malformed").Inc()
		r.logger.Warn("dropping malformed frame", slog.String("peer", p.id), slog.String("error", err.Error()))
		return
	}
	if update, ok := msg.(protocol.Update); ok {
		r.setContent(update.Content)
		r.saver.Schedule(update.Content)
	}
	env := Envelope{Origin: r.hub.instance, Sender: p.id, Frame: string(frame)}
	if err := r.hub.broker.Publish(ctx, r.id, env); err != nil {
		relayFrames.WithLabelValues("publish_failed").Inc()
		r.logger.Warn("publish failed", slog.String("error", err.Error()))
		return
	}
	relayFrames.WithLabelValues("published").Inc()
}

// deliver is the broker handler. Updates from other relay instances also
// refresh the room content so late joiners here see them.
func (r *room) deliver(env Envelope) {
	frame := []byte(env.Frame)
	if env.Origin != r.hub.instance {
		if msg, err := protocol.Decode(frame); err == nil {
			if update, ok := msg.(protocol.Update); ok {
				r.setContent(update.Content)
			}
		}
	}
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == env.Sender {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.Unlock()
	for _, p := range targets {
		p.enqueue(frame)
	}
}

func (r *room) setContent(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = content
	r.updatedAt = time.Now().UTC()
	r.hasContent = true
}

func (r *room) save(content string) {
	r.mu.Lock()
	updatedAt := r.updatedAt
	r.mu.Unlock()
	err := r.hub.backend.Save(snapshot.Document{ID: r.id, Content: content, UpdatedAt: updatedAt})
	if err != nil {
		snapshotSaves.WithLabelValues("error").Inc()
		r.logger.Warn("snapshot save failed", slog.String("error", err.Error()))
		return
	}
	snapshotSaves.WithLabelValues("ok").Inc()
}

func (r *room) close() {
	r.saver.Flush()
	r.saver.Cancel()
	if r.cancel != nil {
		r.cancel()
	}
	roomsGauge.Dec()
	r.logger.Info("room closed")
}

func (r *room) peerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
