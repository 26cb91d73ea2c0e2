package contents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_ReadWriteMarkers(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))
	l := NewLocal(root)
	ctx := context.Background()

	m, err := l.Read(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", m.Content)
	assert.True(t, m.Writable)

	st, err := l.Stat(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, m.Marker, st.Marker)
	assert.Empty(t, st.Content)

	w, err := l.Write(ctx, "a.txt", "hello")
	require.NoError(t, err)
	assert.NotEqual(t, m.Marker, w.Marker)

	st, err = l.Stat(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, w.Marker, st.Marker)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLocal_Errors(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root)
	ctx := context.Background()

	_, err := l.Read(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(root, "ro.txt"), []byte("x"), 0o444))
	_, err = l.Write(ctx, "ro.txt", "y")
	assert.ErrorIs(t, err, ErrNotWritable)
	m, err := l.Read(ctx, "ro.txt")
	require.NoError(t, err)
	assert.False(t, m.Writable)

	// Traversal is clamped to the root.
	abs, err := l.abs("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc", "passwd"), abs)
}

func TestLocal_WatchReportsWrites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	l := NewLocal(root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan string, 16)
	go func() { _ = l.Watch(ctx, nil, func(p string) { changed <- p }) }()

	// Give the watcher a moment to register directories.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("x"), 0o644))

	select {
	case p := <-changed:
		assert.Equal(t, "sub/b.txt", p)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}
