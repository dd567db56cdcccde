package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidHash      = errors.New("invalid content hash")
	ErrNotFound         = errors.New("content not found")
	ErrIndexUnavailable = errors.New("content index not configured")
)

// Ref is a content-addressed blob reference.
type Ref struct {
	// Hash is the lowercase SHA-256 hex digest of the bytes.
	Hash string `json:"hash"`
	// Payload is the base64 encoding of the bytes, or an external URL the bytes were fetched from.
	Payload string `json:"payload"`
}

// HandleStore persists hash -> library handle.
type HandleStore interface {
	GetContentHandle(ctx context.Context, hash string) (string, bool, error)
	PutContentHandle(ctx context.Context, hash string, handle string) error
}

// Index is the remote document index. Libraries are keyed by a content-hash description.
type Index interface {
	FindLibrary(ctx context.Context, hash string) (string, bool, error)
	CreateLibrary(ctx context.Context, name string, hash string) (string, error)
	UploadDocument(ctx context.Context, handle string, fileName string, data []byte) error
}

type Options struct {
	Logger *slog.Logger
	// Dir holds blob files, sharded by the first two hex digits of the hash.
	Dir     string
	Handles HandleStore
	// Index returns the remote index. It is resolved per creation so credentials can change at runtime.
	Index func() (Index, error)
}

// Store maps content hashes to bytes and to remote library handles.
//
// It is the single source of truth for hash -> handle: two attachments with equal hashes always
// resolve to the same handle once either has been indexed.
type Store struct {
	log     *slog.Logger
	dir     string
	handles HandleStore
	index   func() (Index, error)

	mu    sync.RWMutex
	cache map[string]string

	// creating joins concurrent handle creations for the same hash.
	creating singleflight.Group
}

func Open(opts Options) (*Store, error) {
	dir := filepath.Clean(strings.TrimSpace(opts.Dir))
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("missing Dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	index := opts.Index
	if index == nil {
		index = func() (Index, error) { return nil, ErrIndexUnavailable }
	}
	return &Store{
		log:     logger,
		dir:     dir,
		handles: opts.Handles,
		index:   index,
		cache:   make(map[string]string),
	}, nil
}

// Hash returns the lowercase SHA-256 hex digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// Resolve hashes data, stores the bytes, and returns a Ref whose payload is base64. Resolving equal
// bytes always yields the same hash.
func (s *Store) Resolve(ctx context.Context, data []byte) (Ref, error) {
	if s == nil {
		return Ref{}, errors.New("nil content store")
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	hash := Hash(data)
	if err := s.writeBlob(hash, data); err != nil {
		return Ref{}, fmt.Errorf("store blob %s: %w", hash, err)
	}
	return Ref{Hash: hash, Payload: base64.StdEncoding.EncodeToString(data)}, nil
}

// CachedHandle returns the handle for hash if one is known locally.
func (s *Store) CachedHandle(ctx context.Context, hash string) (string, bool) {
	if s == nil {
		return "", false
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	s.mu.RLock()
	h, ok := s.cache[hash]
	s.mu.RUnlock()
	if ok {
		return h, true
	}
	if s.handles == nil {
		return "", false
	}
	h, ok, err := s.handles.GetContentHandle(ctx, hash)
	if err != nil {
		s.log.Warn("content handle lookup failed", "hash", hash, "error", err)
		return "", false
	}
	if !ok || strings.TrimSpace(h) == "" {
		return "", false
	}
	s.remember(hash, h)
	return h, true
}

func (s *Store) remember(hash string, handle string) {
	s.mu.Lock()
	s.cache[hash] = handle
	s.mu.Unlock()
}

// LookupOrCreateHandle returns the library handle for hash, creating the remote library (and uploading
// data into it) when none exists yet.
//
// Concurrent callers for the same hash join one in-flight creation. A failed creation is returned to
// every joined caller and nothing is cached, so the next reference retries.
func (s *Store) LookupOrCreateHandle(ctx context.Context, hash string, data []byte, displayName string) (string, error) {
	if s == nil {
		return "", errors.New("nil content store")
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !validHash(hash) {
		return "", ErrInvalidHash
	}
	if h, ok := s.CachedHandle(ctx, hash); ok {
		return h, nil
	}

	// The creation outlives any single caller's cancellation; joined callers depend on it.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.creating.DoChan(hash, func() (any, error) {
		if h, ok := s.CachedHandle(flightCtx, hash); ok {
			return h, nil
		}
		return s.createHandle(flightCtx, hash, data, displayName)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Store) createHandle(ctx context.Context, hash string, data []byte, displayName string) (string, error) {
	idx, err := s.index()
	if err != nil {
		return "", err
	}
	if idx == nil {
		return "", ErrIndexUnavailable
	}

	handle, found, err := idx.FindLibrary(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("find library: %w", err)
	}
	if !found {
		name := strings.TrimSpace(displayName)
		if name == "" {
			name = hash[:12]
		}
		handle, err = idx.CreateLibrary(ctx, name, hash)
		if err != nil {
			return "", fmt.Errorf("create library: %w", err)
		}
		if len(data) > 0 {
			if err := idx.UploadDocument(ctx, handle, name, data); err != nil {
				s.log.Warn("library document upload failed", "hash", hash, "library", handle, "error", err)
			}
		}
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", errors.New("index returned empty library handle")
	}

	if s.handles != nil {
		if err := s.handles.PutContentHandle(ctx, hash, handle); err != nil {
			s.log.Warn("persist content handle failed", "hash", hash, "error", err)
		}
	}
	s.remember(hash, handle)
	return handle, nil
}
