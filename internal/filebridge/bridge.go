// Package filebridge connects a room's document to the file it is backed
// by: it loads the initial content, writes saves, and polls for edits made
// outside the room.
package filebridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"collabtext/internal/contents"
	"collabtext/internal/docid"
	"collabtext/internal/fileid"
)

var (
	ErrInvalidExtension = errors.New("filebridge: invalid file extension")
	ErrNotWritable      = errors.New("filebridge: file not writable")
	ErrStopped          = errors.New("filebridge: stopped")
	// ErrConflict is returned by Save when the file changed since the last
	// load or save. Reload, merge and save again.
	ErrConflict = errors.New("filebridge: file changed on disk")
)

// NotebookExtension is required for notebook documents.
const NotebookExtension = ".ipynb"

// settleDelay caps the wait before rechecking a file that just changed.
const settleDelay = 100 * time.Millisecond

type checkResult int

const (
	unchanged checkResult = iota
	settling
	changed
)

// Bridge binds one document to its file.
type Bridge struct {
	id       docid.ID
	files    fileid.Resolver
	contents contents.Manager
	poll     time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	last     contents.Marker
	notified contents.Marker
	// pending is a new marker seen once; it counts as a change only when
	// the next check sees it again.
	pending  contents.Marker
	writable bool

	poke     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New validates the document and returns its bridge. Notebooks whose path
// lacks the notebook extension fail with ErrInvalidExtension.
func New(ctx context.Context, id docid.ID, files fileid.Resolver, cm contents.Manager, poll time.Duration, logger *slog.Logger) (*Bridge, error) {
	p, err := files.Path(ctx, id.FileID)
	if err != nil {
		return nil, err
	}
	if err := ValidateExtension(id.Type, p); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Bridge{
		id:       id,
		files:    files,
		contents: cm,
		poll:     poll,
		logger:   logger.With("room", id.String()),
		writable: true,
		poke:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}, nil
}

// ValidateExtension checks that notebook documents live in notebook files.
func ValidateExtension(docType, p string) error {
	if docType == docid.TypeNotebook && path.Ext(p) != NotebookExtension {
		return fmt.Errorf("%w: notebook %q must end in %s", ErrInvalidExtension, p, NotebookExtension)
	}
	return nil
}

// Path returns the current path of the file, following renames.
func (b *Bridge) Path(ctx context.Context) (string, error) {
	return b.files.Path(ctx, b.id.FileID)
}

// Load reads the file and records its marker as the known version.
func (b *Bridge) Load(ctx context.Context) (string, contents.Marker, error) {
	p, err := b.Path(ctx)
	if err != nil {
		return "", "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.contents.Read(ctx, p)
	if err != nil {
		return "", "", err
	}
	b.last = m.Marker
	b.notified = m.Marker
	b.writable = m.Writable
	return m.Content, m.Marker, nil
}

// Changed reports whether the file's marker differs from the one recorded
// at the last load or save.
func (b *Bridge) Changed(ctx context.Context) (bool, error) {
	p, err := b.Path(ctx)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.contents.Stat(ctx, p)
	if err != nil {
		return false, err
	}
	b.writable = m.Writable
	return m.Marker != b.last, nil
}

// Save writes content and records the resulting marker, so the watcher
// does not mistake this write for an external edit.
func (b *Bridge) Save(ctx context.Context, content string) (contents.Marker, error) {
	p, err := b.Path(ctx)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.writable {
		return "", fmt.Errorf("%w: %s", ErrNotWritable, p)
	}
	if b.last != "" {
		cur, err := b.contents.Stat(ctx, p)
		if err != nil {
			return "", err
		}
		if cur.Marker != b.last {
			return "", fmt.Errorf("%w: %s", ErrConflict, p)
		}
	}
	m, err := b.contents.Write(ctx, p, content)
	if err != nil {
		if errors.Is(err, contents.ErrNotWritable) {
			b.writable = false
			return "", fmt.Errorf("%w: %v", ErrNotWritable, err)
		}
		return "", err
	}
	b.last = m.Marker
	b.notified = m.Marker
	return m.Marker, nil
}

// LastMarker returns the marker of the last load or save.
func (b *Bridge) LastMarker() contents.Marker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Writable reports whether saves are allowed.
func (b *Bridge) Writable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writable
}

// Watch checks the file every poll interval and calls onChange once per
// marker this bridge did not produce. A marker must be seen by two
// consecutive checks before it counts, so a write in progress is not
// reported. It returns ErrStopped after Stop.
func (b *Bridge) Watch(ctx context.Context, onChange func()) error {
	select {
	case <-b.stopped:
		return ErrStopped
	default:
	}
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	settle := min(b.poll, settleDelay)
	var recheck <-chan time.Time
	for {
		select {
		case <-b.stopped:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-b.poke:
		case <-recheck:
		}
		recheck = nil
		switch b.check(ctx) {
		case changed:
			onChange()
		case settling:
			recheck = time.After(settle)
		}
	}
}

func (b *Bridge) check(ctx context.Context) checkResult {
	p, err := b.Path(ctx)
	if err != nil {
		b.logger.Debug("file lookup failed", "error", err)
		return unchanged
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.contents.Stat(ctx, p)
	if err != nil {
		b.logger.Debug("file stat failed", "path", p, "error", err)
		return unchanged
	}
	b.writable = m.Writable
	if m.Marker == b.last || m.Marker == b.notified {
		b.pending = ""
		return unchanged
	}
	if m.Marker != b.pending {
		b.pending = m.Marker
		return settling
	}
	b.pending = ""
	b.notified = m.Marker
	b.logger.Info("external file change detected", "path", p)
	return changed
}

// Poke asks the watcher to check now instead of waiting for the next tick.
func (b *Bridge) Poke() {
	select {
	case b.poke <- struct{}{}:
	default:
	}
}

// Stop ends Watch. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}
