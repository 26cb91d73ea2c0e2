// Package contents reads and writes the files rooms are backed by.
package contents

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound    = errors.New("contents: path not found")
	ErrNotReadable = errors.New("contents: path not readable")
	ErrNotWritable = errors.New("contents: path not writable")
	ErrOutsideRoot = errors.New("contents: path escapes root")
)

// Marker identifies one version of a file. Two reads of an unchanged file
// yield the same marker.
type Marker string

// Model describes a file. Content is empty for Stat.
type Model struct {
	Path     string
	Content  string
	Marker   Marker
	Writable bool
}

// Manager is the file storage a room syncs with.
type Manager interface {
	Read(ctx context.Context, path string) (Model, error)
	Write(ctx context.Context, path, content string) (Model, error)
	Stat(ctx context.Context, path string) (Model, error)
}

// Local serves files below a root directory.
type Local struct {
	root string
}

var _ Manager = (*Local)(nil)

// NewLocal returns a Manager rooted at root.
func NewLocal(root string) *Local {
	return &Local{root: filepath.Clean(root)}
}

// Root returns the directory files are served from.
func (l *Local) Root() string { return l.root }

// Read implements Manager.
func (l *Local) Read(ctx context.Context, path string) (Model, error) {
	abs, err := l.abs(path)
	if err != nil {
		return Model{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Model{}, classify(path, err)
	}
	if info.IsDir() {
		return Model{}, fmt.Errorf("%w: %s is a directory", ErrNotReadable, path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Model{}, classify(path, err)
	}
	return Model{
		Path:     path,
		Content:  string(data),
		Marker:   markerOf(data),
		Writable: info.Mode().Perm()&0o200 != 0,
	}, nil
}

// Stat implements Manager.
func (l *Local) Stat(ctx context.Context, path string) (Model, error) {
	m, err := l.Read(ctx, path)
	if err != nil {
		return Model{}, err
	}
	m.Content = ""
	return m, nil
}

// Write implements Manager. The file is replaced atomically.
func (l *Local) Write(ctx context.Context, path, content string) (Model, error) {
	abs, err := l.abs(path)
	if err != nil {
		return Model{}, err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.Mode().Perm()&0o200 == 0 {
			return Model{}, fmt.Errorf("%w: %s", ErrNotWritable, path)
		}
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(abs)
	tmp, err := os.CreateTemp(dir, ".collab-*")
	if err != nil {
		return Model{}, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return Model{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Model{}, err
	}
	if err := tmp.Close(); err != nil {
		return Model{}, err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return Model{}, err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return Model{}, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	return Model{Path: path, Marker: markerOf([]byte(content)), Writable: true}, nil
}

func (l *Local) abs(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	abs := filepath.Join(l.root, clean)
	if abs != l.root && !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return abs, nil
}

// rel maps an absolute path below root back to the slash form clients use.
func (l *Local) rel(abs string) (string, bool) {
	r, err := filepath.Rel(l.root, abs)
	if err != nil || strings.HasPrefix(r, "..") {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrNotReadable, path)
	default:
		return err
	}
}

func markerOf(data []byte) Marker {
	sum := blake3.Sum256(data)
	return Marker(fmt.Sprintf("%d-%s", len(data), hex.EncodeToString(sum[:16])))
}
