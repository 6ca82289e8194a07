package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrove/filegrove/internal/catalog"
)

func TestLocalFetch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "photos"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "photos", "a.jpg"), []byte("jpeg bytes"), 0o644))

	backend, err := NewLocal(root)
	require.NoError(t, err)

	data, err := backend.Fetch(context.Background(), "photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)
}

func TestLocalFetchMissingFile(t *testing.T) {
	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = backend.Fetch(context.Background(), "nope.jpg")
	assert.Error(t, err)
}

func TestLocalFetchRejectsEscape(t *testing.T) {
	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = backend.Fetch(context.Background(), "../outside.txt")
	assert.Error(t, err)
}

func TestNewLocalRequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewLocal(file)
	assert.Error(t, err)

	_, err = NewLocal(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestResolverPicksLocalAndCaches(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(S3Credentials{})
	store := &catalog.FileStore{ID: "store-1", Nickname: "main", BaseURI: root}

	b1, err := r.For(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "local", b1.Type())

	b2, err := r.For(context.Background(), store)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestResolverPrefersLocalBaseURI(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "x.txt"), []byte("here"), 0o644))

	r := NewResolver(S3Credentials{})
	store := &catalog.FileStore{
		ID: "store-2", Nickname: "mounted",
		BaseURI:      "/mnt/remote/export",
		LocalBaseURI: local,
	}

	b, err := r.For(context.Background(), store)
	require.NoError(t, err)

	data, err := b.Fetch(context.Background(), "x.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("here"), data)
}

func TestResolverPicksS3ForScheme(t *testing.T) {
	r := NewResolver(S3Credentials{
		Endpoint: "http://127.0.0.1:9000", Region: "us-east-1",
		AccessKey: "key", SecretKey: "secret",
	})
	store := &catalog.FileStore{ID: "store-3", Nickname: "bucketed", BaseURI: "s3://media/photos"}

	b, err := r.For(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "s3", b.Type())
}
