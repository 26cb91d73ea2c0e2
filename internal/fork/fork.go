// Package fork branches rooms: a fork starts as a snapshot of its root,
// optionally keeps receiving the root's updates, and can be merged back
// when it is deleted.
package fork

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/crdt"
	"collabtext/internal/events"
	"collabtext/internal/metrics"
	"collabtext/internal/room"
)

var (
	ErrForkNotFound = errors.New("fork: fork not found")
	ErrRootNotFound = errors.New("fork: root room not found")
)

// Fork describes one fork.
type Fork struct {
	ID          string    `json:"forkId"`
	RootID      string    `json:"rootId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	Synchronize bool      `json:"synchronize"`
}

// Rooms is the part of the session registry forks need.
type Rooms interface {
	Room(id string) (*room.Room, bool)
	Register(cfg room.Config) (*room.Room, error)
	OnRelease(fn func(*room.Room))
}

type origin string

const (
	fromRoot origin = "root"
	fromFork origin = "fork"
)

type entry struct {
	Fork
	room        *room.Room
	vector      crdt.StateVector
	unsubscribe func()
}

// Manager tracks the live forks.
type Manager struct {
	rooms  Rooms
	events events.Logger
	logger *slog.Logger

	mu    sync.Mutex
	forks map[string]*entry
}

// New returns a Manager. Forks of a root that is released are deleted
// without merging.
func New(rooms Rooms, ev events.Logger, logger *slog.Logger) *Manager {
	if ev == nil {
		ev = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{rooms: rooms, events: ev, logger: logger, forks: make(map[string]*entry)}
	rooms.OnRelease(m.released)
	return m
}

// CreateFork snapshots the root into a new fork room. With synchronize the
// fork keeps applying the root's updates; the root never sees the fork's.
func (m *Manager) CreateFork(ctx context.Context, rootID string, synchronize bool, title, description string) (Fork, error) {
	root, ok := m.rooms.Room(rootID)
	if !ok {
		return Fork{}, fmt.Errorf("%w: %s", ErrRootNotFound, rootID)
	}
	e := &entry{Fork: Fork{
		ID:          uuid.NewString(),
		RootID:      rootID,
		Title:       title,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Synchronize: synchronize,
	}}
	fr, err := m.rooms.Register(room.Config{ID: e.ID, Kind: room.KindFork, KeepAlive: true})
	if err != nil {
		return Fork{}, err
	}
	e.room = fr
	m.mu.Lock()
	m.forks[e.ID] = e
	m.mu.Unlock()
	metrics.Forks.Inc()

	var (
		snapshot []byte
		encErr   error
	)
	err = root.Do(ctx, func(doc *crdt.Doc) {
		snapshot, encErr = doc.EncodeState()
		vector := doc.StateVector()
		var unsubscribe func()
		if synchronize {
			unsubscribe = root.Subscribe(room.EventUpdate, func(ev room.Event) {
				update := ev.Update
				fr.Post(func(d *crdt.Doc) {
					if err := d.Apply(update, fromRoot); err != nil {
						m.logger.Warn("forward root update failed", "fork", e.ID, "error", err)
					}
				})
			})
		}
		m.mu.Lock()
		e.vector, e.unsubscribe = vector, unsubscribe
		m.mu.Unlock()
	})
	if err == nil {
		err = encErr
	}
	if err == nil {
		err = fr.Apply(ctx, snapshot, fromRoot)
	}
	if err != nil {
		m.drop(e.ID)
		fr.Close(context.WithoutCancel(ctx), room.CloseForkDeleted, "fork failed")
		return Fork{}, fmt.Errorf("fork: create from %s: %w", rootID, err)
	}

	m.logger.Info("fork created", "fork", e.ID, "root", rootID, "synchronize", synchronize)
	m.events.Emit(ctx, events.Event{Room: rootID, Action: events.ActionFork, Msg: e.ID, Time: time.Now().UTC()})
	return e.Fork, nil
}

// ListForks returns the forks of rootID, oldest first.
func (m *Manager) ListForks(rootID string) ([]Fork, error) {
	if _, ok := m.rooms.Room(rootID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, rootID)
	}
	m.mu.Lock()
	out := make([]Fork, 0)
	for _, e := range m.forks {
		if e.RootID == rootID {
			out = append(out, e.Fork)
		}
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Fork) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// DeleteFork closes a fork. With merge, the edits made in the fork since
// it was created are applied to the root first.
func (m *Manager) DeleteFork(ctx context.Context, forkID string, merge bool) error {
	e, ok := m.drop(forkID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrForkNotFound, forkID)
	}
	var mergeErr error
	if merge {
		mergeErr = m.merge(ctx, e)
	}
	if err := e.room.Close(ctx, room.CloseForkDeleted, "fork deleted"); err != nil {
		return err
	}
	m.logger.Info("fork deleted", "fork", forkID, "root", e.RootID, "merge", merge)
	return mergeErr
}

func (m *Manager) merge(ctx context.Context, e *entry) error {
	root, ok := m.rooms.Room(e.RootID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRootNotFound, e.RootID)
	}
	m.mu.Lock()
	vector := e.vector
	m.mu.Unlock()
	var (
		delta  []byte
		encErr error
	)
	if err := e.room.Do(ctx, func(doc *crdt.Doc) {
		delta, encErr = doc.EncodeStateSince(vector)
	}); err != nil {
		return err
	}
	if encErr != nil {
		return encErr
	}
	if err := root.Apply(ctx, delta, fromFork); err != nil {
		return fmt.Errorf("fork: merge into %s: %w", e.RootID, err)
	}
	m.events.Emit(ctx, events.Event{Room: e.RootID, Action: events.ActionMerge, Msg: e.ID, Time: time.Now().UTC()})
	return nil
}

// drop forgets a fork and stops its synchronization.
func (m *Manager) drop(forkID string) (*entry, bool) {
	m.mu.Lock()
	e, ok := m.forks[forkID]
	delete(m.forks, forkID)
	var unsubscribe func()
	if ok {
		unsubscribe = e.unsubscribe
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	metrics.Forks.Dec()
	return e, true
}

// released runs when any room leaves the registry.
func (m *Manager) released(rm *room.Room) {
	id := rm.ID()
	m.mu.Lock()
	var orphans []string
	for fid, e := range m.forks {
		if e.RootID == id {
			orphans = append(orphans, fid)
		}
	}
	self, isFork := m.forks[id]
	m.mu.Unlock()

	if isFork && self.room == rm {
		m.drop(id)
	}
	if len(orphans) == 0 {
		return
	}
	// Closing a fork waits on its own goroutine; keep the root's free.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, fid := range orphans {
			if err := m.DeleteFork(ctx, fid, false); err != nil && !errors.Is(err, ErrForkNotFound) {
				m.logger.Warn("delete orphaned fork failed", "fork", fid, "error", err)
			}
		}
	}()
}
