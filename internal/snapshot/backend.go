package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Document is the relay's persisted copy of one shared text.
type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Backend stores the latest content per document id. Load returns nil, nil
// for an unknown id.
type Backend interface {
	Load(id string) (*Document, error)
	Save(doc Document) error
	Close() error
}

type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string]Document{}}
}

func (b *MemoryBackend) Load(id string) (*Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (b *MemoryBackend) Save(doc Document) error {
	doc, err := normalize(doc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[doc.ID] = doc
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

type fileState struct {
	Documents map[string]Document `json:"documents"`
}

// JSONFileBackend keeps every document in a single JSON file that is
// rewritten atomically on each save.
type JSONFileBackend struct {
	Path string

	mu     sync.Mutex
	loaded bool
	docs   map[string]Document
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(id string) (*Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.readLocked(); err != nil {
		return nil, err
	}
	doc, ok := b.docs[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (b *JSONFileBackend) Save(doc Document) error {
	doc, err := normalize(doc)
	if err != nil {
		return err
	}
	if b.Path == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.readLocked(); err != nil {
		return err
	}
	b.docs[doc.ID] = doc
	data, err := json.MarshalIndent(fileState{Documents: b.docs}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) readLocked() error {
	if b.loaded {
		return nil
	}
	b.docs = map[string]Document{}
	if b.Path == "" {
		b.loaded = true
		return nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode snapshot file %s: %w", b.Path, err)
	}
	for id, doc := range state.Documents {
		b.docs[id] = doc
	}
	b.loaded = true
	return nil
}

func normalize(doc Document) (Document, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		return doc, ErrInvalidInput
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
