// Package kvstore implements the fallback record store over a flat
// key-value namespace with manually maintained secondary indexes.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kimhsiao/medcord/backend/internal/crypto"
	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
)

// ErrKeyNotFound is returned by Backend.Get for absent keys.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Write is one mutation in an atomic batch.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Set returns a write storing value under key.
func Set(key string, value []byte) Write { return Write{Key: key, Value: value} }

// Del returns a write removing key.
func Del(key string) Write { return Write{Key: key, Delete: true} }

// Backend is a flat byte-valued key-value namespace.
// Apply must apply all writes or none.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Apply(ctx context.Context, writes []Write) error
	Size(ctx context.Context) (int64, error)
	Close() error
}

// =====================================================
// Memory Backend
// =====================================================

// MemoryBackend keeps everything in a map. A positive quota makes Apply
// fail with STORAGE_QUOTA_EXCEEDED once the namespace would grow past it.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	quota  int64
	closed bool
}

// NewMemoryBackend creates an empty memory backend. quota <= 0 disables
// the quota check.
func NewMemoryBackend(quota int64) *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte), quota: quota}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, apperrors.StorageError("memory backend is closed", nil)
	}
	v, ok := b.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, apperrors.StorageError("memory backend is closed", nil)
	}
	return matchKeys(b.data, prefix), nil
}

func (b *MemoryBackend) Apply(ctx context.Context, writes []Write) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apperrors.StorageError("memory backend is closed", nil)
	}

	if b.quota > 0 {
		size := mapSize(b.data)
		for _, w := range writes {
			if old, ok := b.data[w.Key]; ok {
				size -= int64(len(w.Key) + len(old))
			}
			if !w.Delete {
				size += int64(len(w.Key) + len(w.Value))
			}
		}
		if size > b.quota {
			return apperrors.QuotaError(fmt.Sprintf("memory backend quota of %d bytes exceeded", b.quota))
		}
	}

	applyWrites(b.data, writes)
	return nil
}

func (b *MemoryBackend) Size(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return mapSize(b.data), nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// =====================================================
// File Backend
// =====================================================

// FileBackend keeps the namespace in memory and persists a JSON snapshot
// after every batch. Snapshots are written to a temp file and renamed.
// With a sealer the snapshot is encrypted at rest.
type FileBackend struct {
	mu     sync.RWMutex
	path   string
	data   map[string][]byte
	sealer *crypto.Sealer
}

// OpenFileBackend loads path if it exists, or starts empty.
func OpenFileBackend(path string) (*FileBackend, error) {
	return OpenSealedFileBackend(path, nil)
}

// OpenSealedFileBackend is OpenFileBackend with snapshots sealed by sealer.
// A nil sealer writes plain JSON. A plain snapshot left by an earlier run
// is read as is and sealed on the next write.
func OpenSealedFileBackend(path string, sealer *crypto.Sealer) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperrors.StorageError("failed to create fallback directory", err)
	}

	b := &FileBackend{path: path, data: make(map[string][]byte), sealer: sealer}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, apperrors.StorageError("failed to read fallback snapshot", err)
	}
	if crypto.IsSealed(raw) {
		if sealer == nil {
			return nil, apperrors.New(apperrors.ErrStorage, "fallback snapshot is encrypted but no key is configured")
		}
		if raw, err = sealer.Open(raw); err != nil {
			return nil, apperrors.StorageError("cannot decrypt fallback snapshot", err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &b.data); err != nil {
			return nil, apperrors.StorageError("fallback snapshot is corrupt", err)
		}
	}
	return b, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *FileBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return matchKeys(b.data, prefix), nil
}

func (b *FileBackend) Apply(ctx context.Context, writes []Write) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string][]byte, len(b.data)+len(writes))
	for k, v := range b.data {
		next[k] = v
	}
	applyWrites(next, writes)

	raw, err := json.Marshal(next)
	if err != nil {
		return apperrors.StorageError("failed to encode fallback snapshot", err)
	}
	if b.sealer != nil {
		if raw, err = b.sealer.Seal(raw); err != nil {
			return apperrors.StorageError("failed to encrypt fallback snapshot", err)
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return apperrors.StorageError("failed to write fallback snapshot", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return apperrors.StorageError("failed to replace fallback snapshot", err)
	}

	b.data = next
	return nil
}

func (b *FileBackend) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.StorageError("failed to stat fallback snapshot", err)
	}
	return info.Size(), nil
}

func (b *FileBackend) Close() error { return nil }

// =====================================================
// Helpers
// =====================================================

func matchKeys(data map[string][]byte, prefix string) []string {
	keys := make([]string, 0)
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func applyWrites(data map[string][]byte, writes []Write) {
	for _, w := range writes {
		if w.Delete {
			delete(data, w.Key)
			continue
		}
		data[w.Key] = append([]byte(nil), w.Value...)
	}
}

func mapSize(data map[string][]byte) int64 {
	var n int64
	for k, v := range data {
		n += int64(len(k) + len(v))
	}
	return n
}
