package tokenstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetNoToken(t *testing.T) {
	dir := t.TempDir()
	s := NewAt(filepath.Join(dir, ".retunnel.conf"))

	_, err := s.Get()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStoreSetAndGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".retunnel.conf")
	s := NewAt(path)

	require.NoError(t, s.Set("abc123"))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	s := NewAt(filepath.Join(dir, ".retunnel.conf"))

	require.NoError(t, s.Set("abc123"))
	require.NoError(t, s.Clear())

	_, err := s.Get()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStoreCorruptResetsToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".retunnel.conf")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := NewAt(path)
	doc, err := s.Document()
	require.NoError(t, err)
	assert.Equal(t, DefaultDocument(), doc)
}

func TestStorePreservesOtherFieldsOnSetToken(t *testing.T) {
	dir := t.TempDir()
	s := NewAt(filepath.Join(dir, ".retunnel.conf"))

	require.NoError(t, s.SetServerURL("wss://custom.example.com"))
	require.NoError(t, s.Set("tok"))

	doc, err := s.Document()
	require.NoError(t, err)
	assert.Equal(t, "wss://custom.example.com", doc.ServerURL)
	assert.Equal(t, "tok", doc.AuthToken)
}
