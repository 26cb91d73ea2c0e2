// Package updatelog is the durable, append-only record of CRDT updates per
// document. Replaying a key's entries in order rebuilds the document.
package updatelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNotReady is returned by operations issued before Start completed.
	ErrNotReady = errors.New("updatelog: not ready")
	// ErrBusy is returned by Compact while an append or replay holds the key.
	ErrBusy = errors.New("updatelog: key busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("updatelog: closed")
	// ErrCorrupt is returned by Replay when a stored entry cannot be
	// decoded. The log should be rebuilt with Compact.
	ErrCorrupt = errors.New("updatelog: corrupt entry")
)

// Entry is one appended update.
type Entry struct {
	Key        string
	Sequence   uint64
	Payload    []byte
	RecordedAt time.Time
}

// DurableLog appends and replays updates. Operations on one key are
// serialized; different keys proceed independently.
type DurableLog interface {
	// Append stores payload and returns its sequence once it is durable.
	Append(ctx context.Context, key string, payload []byte) (uint64, error)
	// Replay calls fn for every entry of key with a sequence greater than
	// after, in append order.
	Replay(ctx context.Context, key string, after uint64, fn func(Entry) error) error
	// Compact atomically replaces every entry of key with one snapshot.
	Compact(ctx context.Context, key string, snapshot []byte) (uint64, error)
}

// Lifecycle is the two-phase startup of a log: construct, then Start and
// wait on the returned Ready before first use.
type Lifecycle interface {
	Start(ctx context.Context) *Ready
	Close() error
}

// Backend is the storage a Store drives. Implementations need not lock per
// key; Store does that.
type Backend interface {
	Open(ctx context.Context) error
	Append(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error)
	Scan(ctx context.Context, key string, after uint64, fn func(Entry) error) error
	Replace(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error)
	Close() error
}

// Ready is closed once a Store finished starting.
type Ready struct {
	done chan struct{}
	err  error
}

func newReady() *Ready { return &Ready{done: make(chan struct{})} }

func (r *Ready) finish(err error) {
	r.err = err
	close(r.done)
}

// Done is closed when startup finished, successfully or not.
func (r *Ready) Done() <-chan struct{} { return r.done }

// Err reports the startup result. It is nil until Done is closed.
func (r *Ready) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until startup finished or ctx ends.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Options tunes a Store.
type Options struct {
	// StartRetries bounds how often opening the backend is retried.
	StartRetries uint64
	Logger       *slog.Logger
}

// Store composes a Backend with readiness and per-key serialization. It
// implements both DurableLog and Lifecycle.
type Store struct {
	backend Backend
	logger  *slog.Logger
	retries uint64

	startOnce sync.Once
	ready     *Ready

	mu     sync.Mutex
	keys   map[string]*keyLock
	closed bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var (
	_ DurableLog = (*Store)(nil)
	_ Lifecycle  = (*Store)(nil)
)

// New constructs a Store. Nothing touches the backend until Start.
func New(backend Backend, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := opts.StartRetries
	if retries == 0 {
		retries = 5
	}
	return &Store{
		backend: backend,
		logger:  logger,
		retries: retries,
		ready:   newReady(),
		keys:    make(map[string]*keyLock),
	}
}

// Start opens the backend in the background with bounded retries. Calling
// it again returns the same Ready.
func (s *Store) Start(ctx context.Context) *Ready {
	s.startOnce.Do(func() {
		go func() {
			b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
			err := backoff.RetryNotify(func() error {
				return s.backend.Open(ctx)
			}, b, func(err error, wait time.Duration) {
				s.logger.Warn("update log open failed, retrying", "error", err, "wait", wait)
			})
			if err != nil {
				err = fmt.Errorf("updatelog: start: %w", err)
				s.logger.Error("update log unavailable", "error", err)
			} else {
				s.logger.Info("update log ready")
			}
			s.ready.finish(err)
		}()
	})
	return s.ready
}

// Ready returns the readiness handle without starting.
func (s *Store) Ready() *Ready { return s.ready }

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.backend.Close()
}

// Append implements DurableLog.
func (s *Store) Append(ctx context.Context, key string, payload []byte) (uint64, error) {
	release, err := s.lock(key, false)
	if err != nil {
		return 0, err
	}
	defer release()
	seq, err := s.backend.Append(ctx, key, payload, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("updatelog: append %s: %w", key, err)
	}
	return seq, nil
}

// Replay implements DurableLog.
func (s *Store) Replay(ctx context.Context, key string, after uint64, fn func(Entry) error) error {
	release, err := s.lock(key, false)
	if err != nil {
		return err
	}
	defer release()
	if err := s.backend.Scan(ctx, key, after, fn); err != nil {
		return fmt.Errorf("updatelog: replay %s: %w", key, err)
	}
	return nil
}

// Compact implements DurableLog. It fails with ErrBusy instead of waiting
// when the key is in use.
func (s *Store) Compact(ctx context.Context, key string, snapshot []byte) (uint64, error) {
	release, err := s.lock(key, true)
	if err != nil {
		return 0, err
	}
	defer release()
	seq, err := s.backend.Replace(ctx, key, snapshot, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("updatelog: compact %s: %w", key, err)
	}
	return seq, nil
}

func (s *Store) lock(key string, try bool) (func(), error) {
	if err := s.ready.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.ready.Done():
	default:
		return nil, ErrNotReady
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	kl, ok := s.keys[key]
	if !ok {
		kl = &keyLock{}
		s.keys[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	unref := func() {
		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.keys, key)
		}
		s.mu.Unlock()
	}

	if try {
		if !kl.mu.TryLock() {
			unref()
			return nil, ErrBusy
		}
	} else {
		kl.mu.Lock()
	}
	return func() {
		kl.mu.Unlock()
		unref()
	}, nil
}
