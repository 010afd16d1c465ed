// Package archive persists emitted decision records in content-addressed
// object storage. Records are canonicalised before hashing, so the archive
// key is exactly the record's inputs-and-findings digest and writes are
// idempotent.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/canonicalize"
)

// ErrNotFound is returned when no object exists under the given digest.
var ErrNotFound = errors.New("archive: object not found")

const digestPrefix = "sha256:"

// ObjectStore is the content-addressed storage capability. Keys are
// "sha256:<hex>" digests of the stored bytes.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// parseDigest validates and strips the "sha256:" prefix.
func parseDigest(digest string) (string, error) {
	if !strings.HasPrefix(digest, digestPrefix) {
		return "", fmt.Errorf("archive: invalid digest format %q", digest)
	}
	return strings.TrimPrefix(digest, digestPrefix), nil
}

func digestOf(data []byte) string {
	return digestPrefix + canonicalize.HashBytes(data)
}

// MemoryStore is the in-memory ObjectStore for local mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	digest := digestOf(data)
	s.mu.Lock()
	if _, exists := s.objects[digest]; !exists {
		s.objects[digest] = append([]byte(nil), data...)
	}
	s.mu.Unlock()
	return digest, nil
}

func (s *MemoryStore) Get(_ context.Context, digest string) ([]byte, error) {
	if _, err := parseDigest(digest); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, digest string) (bool, error) {
	if _, err := parseDigest(digest); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[digest]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, digest string) error {
	if _, err := parseDigest(digest); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, digest)
	s.mu.Unlock()
	return nil
}

var _ ObjectStore = (*MemoryStore)(nil)

// Archiver stores canonicalised documents in an ObjectStore.
type Archiver struct {
	store ObjectStore
}

// NewArchiver wires the archiver.
func NewArchiver(store ObjectStore) *Archiver {
	return &Archiver{store: store}
}

// Archive canonicalises v and stores it, returning the content digest.
// Archiving the same logical document twice yields the same digest.
func (a *Archiver) Archive(ctx context.Context, v any) (string, error) {
	canonical, err := canonicalize.JCS(v)
	if err != nil {
		return "", fmt.Errorf("archive: canonicalise document: %w", err)
	}
	digest, err := a.store.Put(ctx, canonical)
	if err != nil {
		return "", fmt.Errorf("archive: store document: %w", err)
	}
	return digest, nil
}

// Fetch returns the canonical bytes stored under the digest.
func (a *Archiver) Fetch(ctx context.Context, digest string) ([]byte, error) {
	return a.store.Get(ctx, digest)
}
