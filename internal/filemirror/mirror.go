package filemirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 100 * time.Millisecond

var ErrInvalidPath = errors.New("invalid mirror path")

// Editor receives file contents as local edits.
type Editor interface {
	SubmitEdit(text string)
}

type Options struct {
	Path     string
	Debounce time.Duration
	// Seed submits the file's existing content once when Run starts.
	Seed   bool
	Logger *slog.Logger
}

// Mirror keeps a local file and a document in step: edits to the file
// become local edits, and Apply writes document content back.
type Mirror struct {
	path     string
	editor   Editor
	debounce time.Duration
	seed     bool
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string

	done      chan struct{}
	closeOnce sync.Once
}

func New(editor Editor, opts Options) (*Mirror, error) {
	if editor == nil {
		return nil, errors.New("filemirror: editor is required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Mirror{
		path:     abs,
		editor:   editor,
		debounce: debounce,
		seed:     opts.Seed,
		logger:   logger.With(slog.String("file", abs)),
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Run watches the file until ctx is done or Close is called. The parent
// directory is watched so editors that replace the file by rename are
// still observed.
func (m *Mirror) Run(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	select {
	case <-m.done:
		return nil
	default:
	}
	if err := m.watcher.Add(dir); err != nil {
		if errors.Is(err, fsnotify.ErrClosed) {
			return nil
		}
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if m.seed {
		m.syncFromDisk()
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.debounce)
		case <-timerC:
			timer = nil
			timerC = nil
			m.syncFromDisk()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// Apply writes content to the file unless the file already holds it.
func (m *Mirror) Apply(content string) error {
	hash := hashString(content)
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash == m.lastHash {
		return nil
	}
	if err := writeFileAtomic(m.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write mirror: %w", err)
	}
	m.lastHash = hash
	m.logger.Debug("mirrored document to file", slog.Int("bytes", len(content)))
	return nil
}

func (m *Mirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.watcher.Close()
	})
	return err
}

func (m *Mirror) syncFromDisk() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("read mirror failed", slog.String("error", err.Error()))
		}
		return
	}
	hash := hashBytes(data)
	m.mu.Lock()
	if hash == m.lastHash {
		m.mu.Unlock()
		return
	}
	m.lastHash = hash
	m.mu.Unlock()
	m.logger.Debug("file changed, submitting edit", slog.Int("bytes", len(data)))
	m.editor.SubmitEdit(string(data))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
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
