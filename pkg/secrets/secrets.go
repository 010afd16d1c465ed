// Package secrets provides the SecretStore capability the oracle consumes for
// the anonymiser salt and the redaction nonces. Secrets are always fetched by
// name; the oracle never accepts secret material inline.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrSecretNotFound is returned when the named secret does not exist.
var ErrSecretNotFound = errors.New("secrets: secret not found")

// Store is the narrow capability set for secret retrieval.
type Store interface {
	// GetSecret fetches the named secret. Returns ErrSecretNotFound if the
	// name is unknown; any other error is a transport fault.
	GetSecret(ctx context.Context, name string) ([]byte, error)
}

// MemoryStore is an in-memory Store for tests and local mode.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

// Put stores a secret under the given name.
func (s *MemoryStore) Put(name string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = append([]byte(nil), value...)
}

// Delete removes a secret.
func (s *MemoryStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}

// GetSecret fetches a secret by name.
func (s *MemoryStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.secrets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return append([]byte(nil), v...), nil
}

// FileStore reads secrets from files under a root directory. Secret names map
// to file paths; path traversal outside the root is rejected.
type FileStore struct {
	root string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// GetSecret reads the named secret file. Trailing whitespace is trimmed so
// hand-edited files with a final newline verify cleanly.
func (s *FileStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("secrets: invalid secret name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return nil, fmt.Errorf("secrets: read %q: %w", name, err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}
