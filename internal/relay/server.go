package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

type ServerConfig struct {
	MaxMessageBytes int64
	// RateLimit is the sustained inbound frames per second per peer. Zero
	// disables limiting.
	RateLimit    float64
	RateBurst    int
	WriteTimeout time.Duration
	SendBuffer   int
	Logger       *slog.Logger
}

type Server struct {
	hub     *Hub
	cfg     ServerConfig
	logger  *slog.Logger
	metrics http.Handler
}

func NewServer(hub *Hub, cfg ServerConfig) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
		metrics: promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "documents" && r.Method == http.MethodGet:
		s.handleDocument(w, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "documents" && parts[3] == "ws" && r.Method == http.MethodGet:
		s.handleSocket(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, docID string) {
	doc, err := s.hub.Document(docID)
	if errors.Is(err, ErrInvalidDocumentID) {
		writeError(w, http.StatusBadRequest, "bad_request", "document id is required")
		return
	}
	if err != nil {
		s.logger.Warn("document lookup failed", slog.String("doc", docID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load document")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, docID string) {
	if strings.TrimSpace(docID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "document id is required")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	limit := rate.Inf
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	p := newPeer(s.cfg.SendBuffer, limit, s.cfg.RateBurst)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rm, err := s.hub.Join(ctx, docID, p)
	if err != nil {
		s.logger.Warn("join failed", slog.String("doc", docID), slog.String("error", err.Error()))
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return
	}
	defer s.hub.Leave(rm, p)

	go s.writeLoop(ctx, cancel, conn, p)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Debug("peer read ended", slog.String("peer", p.id), slog.String("error", err.Error()))
			}
			break
		}
		if typ != websocket.MessageText {
			relayFrames.WithLabelValues("dropped_malformed").Inc()
			continue
		}
		if !p.limiter.Allow() {
			relayFrames.WithLabelValues("dropped_rate_limited").Inc()
			s.logger.Warn("dropping rate limited frame", slog.String("peer", p.id))
			continue
		}
		rm.handleFrame(ctx, p, data)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, p *peer) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				s.logger.Debug("peer write failed", slog.String("peer", p.id), slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
