// Package session maps documents to their live rooms and issues the
// session ids clients attach with.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"collabtext/internal/contents"
	"collabtext/internal/docid"
	"collabtext/internal/events"
	"collabtext/internal/filebridge"
	"collabtext/internal/fileid"
	"collabtext/internal/room"
	"collabtext/internal/updatelog"
)

var (
	ErrPathNotFound     = errors.New("session: path not found")
	ErrNotReadable      = errors.New("session: path not readable")
	ErrInvalidExtension = errors.New("session: invalid file extension")
	ErrSessionExpired   = errors.New("session: session expired")
	ErrRoomNotFound     = errors.New("session: room not found")
	ErrRoomExists       = errors.New("session: room already registered")
	ErrClosed           = errors.New("session: registry closed")
)

// Session is the result of a negotiation.
type Session struct {
	Format    string `json:"format"`
	Type      string `json:"type"`
	FileID    string `json:"fileId"`
	SessionID string `json:"sessionId"`
}

// RoomID returns the id of the room the session attaches to.
func (s Session) RoomID() string {
	return docid.ID{Format: s.Format, Type: s.Type, FileID: s.FileID}.String()
}

// Options configures the rooms a Registry creates.
type Options struct {
	Log      updatelog.DurableLog
	Files    fileid.Resolver
	Contents contents.Manager
	Events   events.Logger
	Logger   *slog.Logger

	// Ready gates document rooms on the update log having started. Nil
	// means the log is ready.
	Ready *updatelog.Ready
	// ReadyTimeout bounds how long opening a room waits for Ready.
	ReadyTimeout time.Duration

	SaveDelay    time.Duration
	PollInterval time.Duration
	CloseGrace   time.Duration
	SaveRetries  uint64
	CompactEvery int

	// SessionTTL is how long a negotiated session id stays valid.
	SessionTTL time.Duration
	// MaxSessions caps the remembered session ids; the oldest go first.
	MaxSessions int
}

// Session defaults applied by New.
const (
	DefaultSessionTTL   = 24 * time.Hour
	DefaultMaxSessions  = 10000
	DefaultReadyTimeout = 30 * time.Second
)

// Registry owns every live room. At most one room is live per id.
type Registry struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	group  singleflight.Group

	// sessions maps session ids to the document id they were issued for.
	// They outlive rooms: a document reopened after its room went idle
	// still accepts them until they expire.
	sessions *expirable.LRU[string, string]

	mu      sync.Mutex
	rooms   map[string]*room.Room
	bridges map[string]*filebridge.Bridge
	hooks   []func(*room.Room)
	closed  bool
}

// New returns a Registry whose rooms live until ctx is cancelled or Close
// is called.
func New(ctx context.Context, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		sessions: expirable.NewLRU[string, string](opts.MaxSessions, nil, opts.SessionTTL),
		rooms:    make(map[string]*room.Room),
		bridges:  make(map[string]*filebridge.Bridge),
	}
}

// NegotiateSession resolves p to its document, makes sure the document's
// room is open and issues a new session id for it.
func (r *Registry) NegotiateSession(ctx context.Context, p, format, docType string) (Session, error) {
	p = cleanPath(p)
	if _, err := r.opts.Contents.Stat(ctx, p); err != nil {
		switch {
		case errors.Is(err, contents.ErrNotFound), errors.Is(err, contents.ErrOutsideRoot):
			return Session{}, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		case errors.Is(err, contents.ErrNotReadable):
			return Session{}, fmt.Errorf("%w: %s", ErrNotReadable, p)
		}
		return Session{}, err
	}
	if err := filebridge.ValidateExtension(docType, p); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidExtension, err)
	}
	fileID, err := r.opts.Files.Index(ctx, p)
	if err != nil {
		return Session{}, fmt.Errorf("session: index %s: %w", p, err)
	}

	s := Session{Format: format, Type: docType, FileID: fileID, SessionID: uuid.NewString()}
	if _, err := r.Open(ctx, s.RoomID()); err != nil {
		return Session{}, err
	}
	r.sessions.Add(s.SessionID, s.RoomID())
	r.logger.Info("session negotiated", "path", p, "room", s.RoomID(), "session", s.SessionID)
	return s, nil
}

// Open returns the live room for id, creating it when needed. Document
// ids get a file-backed room; ids that are neither documents nor
// registered rooms get an awareness-only room.
func (r *Registry) Open(ctx context.Context, id string) (*room.Room, error) {
	if rm, err := r.lookup(id); rm != nil || err != nil {
		return rm, err
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		if rm, err := r.lookup(id); rm != nil || err != nil {
			return rm, err
		}
		return r.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	rm := v.(*room.Room)
	if err := rm.WaitLoaded(ctx); err != nil {
		return nil, err
	}
	return rm, nil
}

// Attach checks the session and attaches c to the room. The session id is
// optional; a given one must have been issued for id and not expired. A
// room that closes while attaching is reopened once.
func (r *Registry) Attach(ctx context.Context, id, sessionID string, c *room.Client) (*room.Room, error) {
	if sessionID != "" {
		if owner, ok := r.sessions.Get(sessionID); !ok || owner != id {
			return nil, ErrSessionExpired
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		rm, err := r.Open(ctx, id)
		if err != nil {
			return nil, err
		}
		err = rm.Attach(ctx, c)
		if !errors.Is(err, room.ErrClosed) {
			return rm, err
		}
		select {
		case <-rm.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, room.ErrClosed
}

// Register starts a room built from cfg and tracks it under cfg.ID. The
// registry chains its own release onto cfg.OnClosed.
func (r *Registry) Register(cfg room.Config) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.rooms[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, cfg.ID)
	}
	rm := r.newRoom(cfg)
	r.rooms[cfg.ID] = rm
	rm.Start(r.ctx)
	return rm, nil
}

// Room returns the registered room for id, if it is live.
func (r *Registry) Room(id string) (*room.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok || rm.State() == room.StateClosed {
		return nil, false
	}
	return rm, true
}

// Rooms returns a snapshot of the registered rooms.
func (r *Registry) Rooms() []*room.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// OnRelease registers fn to run whenever a room leaves the registry.
func (r *Registry) OnRelease(fn func(*room.Room)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// NotifyPathChanged asks the room backed by p, if any, to check its file
// now.
func (r *Registry) NotifyPathChanged(ctx context.Context, p string) {
	p = cleanPath(p)
	r.mu.Lock()
	bridges := make([]*filebridge.Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.Unlock()
	for _, b := range bridges {
		if bp, err := b.Path(ctx); err == nil && bp == p {
			b.Poke()
		}
	}
}

// Close closes every room, saving pending changes, and refuses new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, rm := range rooms {
		g.Go(func() error {
			return rm.Close(ctx, room.CloseRoomClosed, "server shutting down")
		})
	}
	return g.Wait()
}

func (r *Registry) lookup(id string) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if rm, ok := r.rooms[id]; ok {
		return rm, nil
	}
	return nil, nil
}

func (r *Registry) create(ctx context.Context, id string) (*room.Room, error) {
	cfg := room.Config{ID: id, Kind: room.KindAwareness}
	var bridge *filebridge.Bridge
	if did, err := docid.Parse(id); err == nil {
		bridge, err = filebridge.New(ctx, did, r.opts.Files, r.opts.Contents, r.opts.PollInterval, r.logger)
		switch {
		case errors.Is(err, fileid.ErrUnknownID):
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
		case errors.Is(err, filebridge.ErrInvalidExtension):
			return nil, fmt.Errorf("%w: %v", ErrInvalidExtension, err)
		case err != nil:
			return nil, err
		}
		log, err := r.awaitLog(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Log = log
		cfg.Kind = room.KindFile
		if did.Type == docid.TypeNotebook {
			cfg.Kind = room.KindNotebook
		}
		cfg.Bridge = bridge
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	rm := r.newRoom(cfg)
	r.rooms[id] = rm
	if bridge != nil {
		r.bridges[id] = bridge
	}
	rm.Start(r.ctx)
	r.logger.Info("room opened", "room", id, "kind", string(cfg.Kind))
	return rm, nil
}

func (r *Registry) newRoom(cfg room.Config) *room.Room {
	if cfg.Events == nil {
		cfg.Events = r.opts.Events
	}
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	if cfg.SaveDelay == 0 {
		cfg.SaveDelay = r.opts.SaveDelay
	}
	if cfg.CloseGrace == 0 {
		cfg.CloseGrace = r.opts.CloseGrace
	}
	if cfg.SaveRetries == 0 {
		cfg.SaveRetries = r.opts.SaveRetries
	}
	if cfg.CompactEvery == 0 {
		cfg.CompactEvery = r.opts.CompactEvery
	}
	next := cfg.OnClosed
	cfg.OnClosed = func(rm *room.Room) {
		r.release(rm)
		if next != nil {
			next(rm)
		}
	}
	return room.New(cfg)
}

// awaitLog waits, bounded by ReadyTimeout, for the update log to start. A
// log that failed to start is left out: the room then runs on its file
// alone.
func (r *Registry) awaitLog(ctx context.Context) (updatelog.DurableLog, error) {
	if r.opts.Log == nil || r.opts.Ready == nil {
		return r.opts.Log, nil
	}
	wctx, cancel := context.WithTimeout(ctx, r.opts.ReadyTimeout)
	defer cancel()
	select {
	case <-r.opts.Ready.Done():
	case <-wctx.Done():
		return nil, fmt.Errorf("session: waiting for update log: %w", wctx.Err())
	}
	if err := r.opts.Ready.Err(); err != nil {
		r.logger.Error("update log unavailable, rooms will not persist updates", "error", err)
		return nil, nil
	}
	return r.opts.Log, nil
}

// release forgets a closed room. Sessions issued for it stay valid.
func (r *Registry) release(rm *room.Room) {
	id := rm.ID()
	r.mu.Lock()
	if r.rooms[id] == rm {
		delete(r.rooms, id)
		delete(r.bridges, id)
	}
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	r.logger.Info("room released", "room", id)
	for _, fn := range hooks {
		fn(rm)
	}
}

func cleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
