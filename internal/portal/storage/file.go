package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// File is an Area persisted as a JSON object on disk. Separate processes that
// open the same path share the data; Watch reports their writes. Mutations
// hold an advisory lock on a sibling ".lock" file across read and write.
type File struct {
	path   string
	lock   *flock.Flock
	logger *zap.Logger
	mu     sync.Mutex
}

// FileOption customises a File area.
type FileOption func(*File)

// WithFileLogger attaches a logger used for watcher diagnostics.
func WithFileLogger(logger *zap.Logger) FileOption {
	return func(f *File) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFile returns a File area stored at path. The parent directory is created when missing.
func NewFile(path string, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("storage: file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	f := &File{path: abs, lock: flock.New(abs + ".lock"), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Get returns the value stored under key.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

// Set stores value under key. Setting an empty value removes the key.
func (f *File) Set(_ context.Context, key, value string) error {
	return f.mutate(func(values map[string]string) {
		if value == "" {
			delete(values, key)
			return
		}
		values[key] = value
	})
}

// Remove deletes key.
func (f *File) Remove(_ context.Context, key string) error {
	return f.mutate(func(values map[string]string) {
		delete(values, key)
	})
}

// Clear removes every key.
func (f *File) Clear(_ context.Context) error {
	return f.mutate(func(values map[string]string) {
		for key := range values {
			delete(values, key)
		}
	})
}

// Keys returns the stored keys in sorted order.
func (f *File) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch reports every change to the backing file, including writes made by
// other processes, until ctx is cancelled.
func (f *File) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("storage: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("storage: watch %s: %w", filepath.Dir(f.path), err)
	}

	f.mu.Lock()
	last, err := f.load()
	f.mu.Unlock()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan Change, subscriberBuffer)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				f.mu.Lock()
				current, err := f.load()
				f.mu.Unlock()
				if err != nil {
					f.logger.Warn("storage file reload failed", zap.String("path", f.path), zap.Error(err))
					continue
				}
				for _, change := range diff(last, current) {
					select {
					case out <- change:
					case <-ctx.Done():
						return
					}
				}
				last = current
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("storage watcher error", zap.String("path", f.path), zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (f *File) mutate(fn func(map[string]string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("storage: lock %s: %w", f.path, err)
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			f.logger.Warn("storage file unlock failed", zap.String("path", f.path), zap.Error(err))
		}
	}()
	values, err := f.load()
	if err != nil {
		return err
	}
	fn(values)
	return f.store(values)
}

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", f.path, err)
	}
	values := make(map[string]string)
	if len(raw) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", f.path, err)
	}
	return values, nil
}

func (f *File) store(values map[string]string) error {
	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".storage-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("storage: replace %s: %w", f.path, err)
	}
	return nil
}
