package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "livesync:doc:"

var ErrBrokerClosed = errors.New("broker closed")

// Envelope is a frame in transit between relay instances. Origin names the
// relay instance that accepted the frame and Sender the peer that sent it.
type Envelope struct {
	Origin string `json:"origin"`
	Sender string `json:"sender"`
	Frame  string `json:"frame"`
}

// Broker fans envelopes out to every subscriber of a document, including
// subscribers on the publishing instance. Handlers must not block.
type Broker interface {
	Publish(ctx context.Context, docID string, env Envelope) error
	Subscribe(ctx context.Context, docID string, handler func(Envelope)) (func(), error)
	Close() error
}

type MemoryBroker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(Envelope)
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[uint64]func(Envelope){}}
}

func (b *MemoryBroker) Publish(_ context.Context, docID string, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	handlers := make([]func(Envelope), 0, len(b.subs[docID]))
	for _, handler := range b.subs[docID] {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(env)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, docID string, handler func(Envelope)) (func(), error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[docID] == nil {
		b.subs[docID] = map[uint64]func(Envelope){}
	}
	b.subs[docID][id] = handler
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[docID], id)
			if len(b.subs[docID]) == 0 {
				delete(b.subs, docID)
			}
		})
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[string]map[uint64]func(Envelope){}
	return nil
}

// RedisBroker publishes envelopes on one pub/sub channel per document so
// several relay instances can serve the same document.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisBroker(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBroker {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBroker) channel(docID string) string {
	return b.prefix + docID
}

func (b *RedisBroker) Publish(ctx context.Context, docID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(docID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", docID, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, docID string, handler func(Envelope)) (func(), error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	pubsub := b.client.Subscribe(ctx, b.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", docID, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping undecodable envelope", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
				continue
			}
			handler(env)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
