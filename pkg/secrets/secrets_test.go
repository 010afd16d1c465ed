package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	s.Put("oracle/salt", []byte("deadbeef"))

	got, err := s.GetSecret(context.Background(), "oracle/salt")
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef"), got)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestMemoryStore_CopyOnRead(t *testing.T) {
	s := NewMemoryStore()
	s.Put("k", []byte("abc"))

	got, err := s.GetSecret(context.Background(), "k")
	require.NoError(t, err)
	got[0] = 'x'

	again, err := s.GetSecret(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestFileStore_ReadAndTrim(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nonce-v1"), []byte("secretvalue\n"), 0600))

	s := NewFileStore(dir)
	got, err := s.GetSecret(context.Background(), "nonce-v1")
	require.NoError(t, err)
	assert.Equal(t, []byte("secretvalue"), got)
}

func TestFileStore_NotFound(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.GetSecret(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s := NewFileStore(t.TempDir())

	_, err := s.GetSecret(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)

	_, err = s.GetSecret(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}
