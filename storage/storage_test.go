package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	require.NoError(t, b.Store(ctx, "journal:event:a:1", []byte("one")))
	require.NoError(t, b.Store(ctx, "journal:event:a:2", []byte("two")))
	require.NoError(t, b.Store(ctx, "cap:token:x", []byte("tok")))

	v, found, err := b.Retrieve(ctx, "journal:event:a:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("one"), v)

	_, found, err = b.Retrieve(ctx, "journal:event:a:3")
	require.NoError(t, err)
	assert.False(t, found)

	keys, err := b.List(ctx, "journal:")
	require.NoError(t, err)
	assert.Equal(t, []string{"journal:event:a:1", "journal:event:a:2"}, keys)

	require.NoError(t, b.Remove(ctx, "journal:event:a:1"))
	_, found, err = b.Retrieve(ctx, "journal:event:a:1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir(), discard())
	require.NoError(t, err)

	require.NoError(t, b.Store(ctx, "fabric:node:abc", []byte{1, 2, 3}))
	require.NoError(t, b.Store(ctx, "fabric:node:def", []byte{4}))

	v, found, err := b.Retrieve(ctx, "fabric:node:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, v)

	keys, err := b.List(ctx, "fabric:node:")
	require.NoError(t, err)
	assert.Equal(t, []string{"fabric:node:abc", "fabric:node:def"}, keys)

	// Overwrite is atomic: the value is either old or new, never partial.
	require.NoError(t, b.Store(ctx, "fabric:node:abc", []byte{9}))
	v, _, err = b.Retrieve(ctx, "fabric:node:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, v)

	require.NoError(t, b.Remove(ctx, "fabric:node:abc"))
	require.NoError(t, b.Remove(ctx, "fabric:node:abc"), "removing a missing key is not an error")
}

func TestMultiBackendRedundancy(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryBackend()
	secondary := NewMemoryBackend()
	m, err := NewMultiBackend([]namedBackend{primary, secondary}, discard())
	require.NoError(t, err)

	require.NoError(t, m.Store(ctx, "meta:k:1", []byte("v")))

	// Both backends hold the record.
	_, found, err := primary.Retrieve(ctx, "meta:k:1")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = secondary.Retrieve(ctx, "meta:k:1")
	require.NoError(t, err)
	assert.True(t, found)

	// Losing the primary copy still answers from the secondary.
	require.NoError(t, primary.Remove(ctx, "meta:k:1"))
	v, found, err := m.Retrieve(ctx, "meta:k:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestFactorySchemes(t *testing.T) {
	f := NewFactory(discard())

	b, err := f.BackendFor("mem://")
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Name())

	b, err = f.BackendFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, b.Name(), "file-")

	_, err = f.BackendFor("ftp://nope")
	assert.Error(t, err)

	m, err := f.MultiBackendFor([]string{"mem://", "bogus://x"})
	require.NoError(t, err)
	assert.Equal(t, "multi", m.Name())
}
