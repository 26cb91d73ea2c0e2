// Package room hosts one shared document: a server-side replica, the
// clients editing it, and the link to its update log and backing file.
//
// Every mutation of a room happens on its run goroutine. Other goroutines
// talk to it through channels, in the manner of a hub: clients register
// and unregister, transports submit jobs, timers and the file watcher post
// signals. Saves run off the loop and route replica access back through it.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"collabtext/internal/crdt"
	"collabtext/internal/events"
	"collabtext/internal/filebridge"
	"collabtext/internal/metrics"
	"collabtext/internal/updatelog"
)

// ErrClosed is returned when a room is closing or closed.
var ErrClosed = errors.New("room: closed")

// Kind is what a room serves.
type Kind string

const (
	KindFile      Kind = "file"
	KindNotebook  Kind = "notebook"
	KindFork      Kind = "fork"
	KindAwareness Kind = "awareness"
)

// State is a room's lifecycle position.
type State int32

const (
	StateLoading State = iota
	StateLive
	StateSaving
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateSaving:
		return "saving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EventKind selects room events for Subscribe.
type EventKind int

const (
	// EventUpdate fires after an update changed the replica.
	EventUpdate EventKind = iota
	// EventSaved fires after the file was written.
	EventSaved
	// EventSaveFailed fires when a flush gave up.
	EventSaveFailed
	// EventClosed fires once, when the room closed.
	EventClosed
)

// Event is passed to subscribers.
type Event struct {
	Kind   EventKind
	Update []byte
	Origin any
	Err    error
	Reason string
}

// Handler receives room events on the room's goroutine. It must not call
// blocking methods of the same room.
type Handler func(Event)

// Defaults applied by New for zero Config fields.
const (
	DefaultSaveDelay     = time.Second
	DefaultCloseGrace    = time.Minute
	DefaultSaveRetries   = 3
	DefaultRetryInterval = 100 * time.Millisecond
)

// Config describes one room.
type Config struct {
	// ID is the room id; it is also the update log key.
	ID   string
	Kind Kind
	// Log records every update. Nil keeps the room in memory only.
	Log updatelog.DurableLog
	// Bridge backs the room with a file. Nil rooms never save.
	Bridge *filebridge.Bridge
	Events events.Logger
	Logger *slog.Logger

	// SaveDelay is the quiet period after the last update before a save.
	// Negative disables autosave; the room then saves only on close.
	SaveDelay time.Duration
	// CloseGrace is how long a room with no clients stays open.
	CloseGrace time.Duration
	// KeepAlive rooms do not close when their last client leaves.
	KeepAlive bool
	// SaveRetries bounds write attempts per flush after the first.
	SaveRetries   uint64
	RetryInterval time.Duration
	// CompactEvery compacts the log after that many appends. Zero compacts
	// only on close.
	CompactEvery int
	// OnClosed runs on the room goroutine after the room closed.
	OnClosed func(*Room)
}

type origin string

const (
	originLog  origin = "log"
	originFile origin = "file"
)

type subscription struct {
	id   int
	kind EventKind
	fn   Handler
}

type flushResult struct {
	state []byte
	err   error
}

// Room is one live document.
type Room struct {
	cfg    Config
	logger *slog.Logger
	doc    *crdt.Doc

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	nclient atomic.Int32

	startOnce  sync.Once
	loaded     chan struct{}
	loadErr    error
	done       chan struct{}
	jobs       chan func()
	unregister chan *Client
	external   chan struct{}
	flushDone  chan flushResult

	subMu   sync.Mutex
	subs    []subscription
	nextSub int

	// Owned by the run goroutine.
	clients      map[*Client]bool
	awareness    map[*Client][]byte
	dispose      func()
	live         bool
	base         *baseline
	dirty        bool
	saving       bool
	reloading    bool
	flushAgain   bool
	closing      bool
	finalFlushed bool
	closeCode    int
	closeReason  string
	appended     int
	saveTimer    *time.Timer
	saveC        <-chan time.Time
	graceTimer   *time.Timer
	graceC       <-chan time.Time
}

// New returns a room in the Loading state. Nothing happens until Start.
func New(cfg Config) *Room {
	if cfg.Kind == "" {
		cfg.Kind = KindFile
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SaveDelay == 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.SaveRetries == 0 {
		cfg.SaveRetries = DefaultSaveRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	r := &Room{
		cfg:        cfg,
		logger:     cfg.Logger.With("room", cfg.ID, "kind", string(cfg.Kind)),
		doc:        crdt.NewDoc("server-" + uuid.NewString()),
		loaded:     make(chan struct{}),
		done:       make(chan struct{}),
		jobs:       make(chan func(), 256),
		unregister: make(chan *Client, 16),
		external:   make(chan struct{}, 1),
		flushDone:  make(chan flushResult, 1),
		clients:    make(map[*Client]bool),
		awareness:  make(map[*Client][]byte),
		closeCode:  CloseRoomClosed,
	}
	r.state.Store(int32(StateLoading))
	return r
}

// Start loads the room and runs it until it closes. The room outlives ctx
// only long enough to save and compact: cancelling ctx closes the room.
func (r *Room) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.parent = ctx
		r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
		go r.run()
	})
}

// ID returns the room id.
func (r *Room) ID() string { return r.cfg.ID }

// Kind returns what the room serves.
func (r *Room) Kind() Kind { return r.cfg.Kind }

// State returns the current lifecycle state.
func (r *Room) State() State { return State(r.state.Load()) }

// Clients returns the number of attached clients.
func (r *Room) Clients() int { return int(r.nclient.Load()) }

// Done is closed once the room is Closed.
func (r *Room) Done() <-chan struct{} { return r.done }

// WaitLoaded blocks until the initial load finished and returns its error.
func (r *Room) WaitLoaded(ctx context.Context) error {
	select {
	case <-r.loaded:
		return r.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the room goroutine and waits for it to return.
func (r *Room) Do(ctx context.Context, fn func(doc *crdt.Doc)) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn(r.doc)
	}
	select {
	case r.jobs <- job:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn to run on the room goroutine without waiting for it to
// run. It blocks while the job queue is full and returns without running
// fn once the room has closed. A room may post to another room only if
// that room never waits on it; it must not post to itself.
func (r *Room) Post(fn func(doc *crdt.Doc)) {
	select {
	case r.jobs <- func() { fn(r.doc) }:
	case <-r.done:
	}
}

// Apply merges update into the replica as if origin sent it.
func (r *Room) Apply(ctx context.Context, update []byte, origin any) error {
	var err error
	if derr := r.Do(ctx, func(doc *crdt.Doc) { err = doc.Apply(update, origin) }); derr != nil {
		return derr
	}
	return err
}

// Text returns the replica's current content.
func (r *Room) Text(ctx context.Context) (string, error) {
	var text string
	err := r.Do(ctx, func(doc *crdt.Doc) { text = doc.Text() })
	return text, err
}

// Subscribe registers h for events of kind. The returned function removes
// it.
func (r *Room) Subscribe(kind EventKind, h Handler) (dispose func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs = append(r.subs, subscription{id: id, kind: kind, fn: h})
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Attach adds c to the room. c immediately receives the full state, the
// room's state vector and the current awareness of the other clients.
func (r *Room) Attach(ctx context.Context, c *Client) error {
	var err error
	if derr := r.Do(ctx, func(*crdt.Doc) { err = r.attach(c) }); derr != nil {
		return derr
	}
	return err
}

// Detach removes c. The room starts its close grace period when c was the
// last client.
func (r *Room) Detach(c *Client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

// Receive handles one frame from c.
func (r *Room) Receive(ctx context.Context, c *Client, data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.enqueue(mustEncode(Message{Type: MsgNotice, Notice: &Notice{Kind: NoticeBadMessage, Reason: err.Error()}}))
		return err
	}
	return r.Do(ctx, func(doc *crdt.Doc) { r.handle(doc, c, msg) })
}

// Close disconnects every client with code, saves pending changes and
// waits for the room to reach Closed.
func (r *Room) Close(ctx context.Context, code int, reason string) error {
	err := r.Do(ctx, func(*crdt.Doc) { r.forceClose(code, reason) })
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) run() {
	defer close(r.done)

	if err := r.load(r.ctx); err != nil {
		r.loadErr = err
		r.logger.Error("room failed to load", "error", err)
		close(r.loaded)
		r.closeReason = "load failed"
		r.finalize()
		return
	}
	close(r.loaded)

	r.live = true
	r.dispose = r.doc.Observe(r.onChange)
	r.setState(StateLive)
	metrics.RoomsActive.WithLabelValues(string(r.cfg.Kind)).Inc()
	if b := r.cfg.Bridge; b != nil {
		go func() {
			err := b.Watch(r.ctx, func() {
				select {
				case r.external <- struct{}{}:
				default:
				}
			})
			if err != nil && !errors.Is(err, filebridge.ErrStopped) && !errors.Is(err, context.Canceled) {
				r.logger.Warn("file watch ended", "error", err)
			}
		}()
	}
	r.maybeIdle()

	shutdown := r.parent.Done()
	for {
		select {
		case job := <-r.jobs:
			job()
		case c := <-r.unregister:
			r.detach(c)
		case <-r.saveC:
			r.saveC = nil
			r.startFlush()
		case <-r.graceC:
			r.graceC = nil
			if len(r.clients) == 0 {
				r.beginClose("idle")
			}
			r.settle()
		case <-r.external:
			r.reloadExternal()
		case res := <-r.flushDone:
			r.finishFlush(res)
		case <-shutdown:
			shutdown = nil
			r.forceClose(CloseRoomClosed, "shutdown")
		}
		if r.State() == StateClosed {
			return
		}
	}
}

func (r *Room) setState(s State) { r.state.Store(int32(s)) }

func (r *Room) settle() {
	switch {
	case r.State() == StateClosed:
	case r.closing || r.graceC != nil:
		r.setState(StateClosing)
	case r.saving:
		r.setState(StateSaving)
	default:
		r.setState(StateLive)
	}
}

func (r *Room) attach(c *Client) error {
	if r.closing {
		return ErrClosed
	}
	state, err := r.doc.EncodeState()
	if err != nil {
		r.logger.Error("encode room state failed", "error", err)
		r.forceClose(CloseRoomClosed, "internal error")
		return ErrClosed
	}
	if !c.enqueue(mustEncode(Message{Type: MsgSyncStep2, Update: state})) {
		return fmt.Errorf("room: client %s not accepting frames", c.id)
	}
	c.enqueue(mustEncode(Message{Type: MsgSyncStep1, StateVector: r.doc.StateVector()}))
	for other, payload := range r.awareness {
		c.enqueue(mustEncode(Message{Type: MsgAwareness, Client: other.id, Awareness: payload}))
	}
	r.clients[c] = true
	r.nclient.Add(1)
	metrics.ClientsConnected.Inc()
	r.stopGrace()
	r.settle()
	r.logger.Debug("client attached", "client", c.id, "clients", len(r.clients))
	return nil
}

func (r *Room) detach(c *Client) {
	if !r.remove(c, 1000, "detached") {
		return
	}
	r.logger.Debug("client detached", "client", c.id, "clients", len(r.clients))
	r.maybeIdle()
}

// remove drops c and tells the others it left.
func (r *Room) remove(c *Client, code int, reason string) bool {
	if !r.clients[c] {
		return false
	}
	delete(r.clients, c)
	r.nclient.Add(-1)
	metrics.ClientsConnected.Dec()
	c.close(code, reason)
	if _, ok := r.awareness[c]; ok {
		delete(r.awareness, c)
		r.broadcast(mustEncode(Message{Type: MsgAwareness, Client: c.id}), nil)
	}
	return true
}

func (r *Room) broadcast(msg []byte, except *Client) {
	for c := range r.clients {
		if c == except {
			continue
		}
		if !c.enqueue(msg) {
			r.logger.Warn("dropping slow client", "client", c.id)
			r.remove(c, CloseRoomClosed, "send buffer full")
		}
	}
}

func (r *Room) handle(doc *crdt.Doc, c *Client, msg Message) {
	if !r.clients[c] {
		return
	}
	switch msg.Type {
	case MsgSyncStep1:
		delta, err := doc.EncodeStateSince(msg.StateVector)
		if err != nil {
			r.logger.Error("encode delta failed", "error", err)
			return
		}
		c.enqueue(mustEncode(Message{Type: MsgSyncStep2, Update: delta}))
	case MsgSyncStep2, MsgUpdate:
		if err := doc.Apply(msg.Update, c); err != nil {
			r.logger.Debug("rejected update", "client", c.id, "error", err)
			c.enqueue(mustEncode(Message{Type: MsgNotice, Notice: &Notice{Kind: NoticeBadMessage, Reason: err.Error()}}))
		}
	case MsgAwareness:
		if len(msg.Awareness) == 0 {
			delete(r.awareness, c)
		} else {
			r.awareness[c] = msg.Awareness
		}
		r.broadcast(mustEncode(Message{Type: MsgAwareness, Client: c.id, Awareness: msg.Awareness}), c)
	}
}

// onChange runs for every update that changed the replica.
func (r *Room) onChange(ch crdt.Change) {
	sender, _ := ch.Origin.(*Client)
	source := "local"
	switch {
	case sender != nil:
		source = "client"
	case ch.Origin == originFile:
		source = "file"
	}

	if r.cfg.Log != nil {
		if _, err := r.cfg.Log.Append(r.ctx, r.cfg.ID, ch.Update); err != nil {
			r.logger.Error("append to update log failed", "error", err)
		} else {
			r.appended++
			if r.cfg.CompactEvery > 0 && r.appended >= r.cfg.CompactEvery {
				r.compactOnce()
			}
		}
	}

	r.broadcast(mustEncode(Message{Type: MsgUpdate, Update: ch.Update}), sender)
	if r.cfg.Bridge != nil {
		r.dirty = true
		r.armSave()
	}
	metrics.UpdatesApplied.WithLabelValues(source).Inc()
	r.publish(Event{Kind: EventUpdate, Update: ch.Update, Origin: ch.Origin})
}

func (r *Room) publish(e Event) {
	r.subMu.Lock()
	fns := make([]Handler, 0, len(r.subs))
	for _, s := range r.subs {
		if s.kind == e.Kind {
			fns = append(fns, s.fn)
		}
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (r *Room) emit(action events.Action, level, msg string) {
	e := events.Event{Room: r.cfg.ID, Action: action, Level: level, Msg: msg, Time: time.Now().UTC()}
	if r.cfg.Bridge != nil {
		if p, err := r.cfg.Bridge.Path(r.ctx); err == nil {
			e.Path = p
		}
	}
	r.cfg.Events.Emit(r.ctx, e)
}

func (r *Room) armSave() {
	if r.cfg.SaveDelay < 0 || r.closing {
		return
	}
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.NewTimer(r.cfg.SaveDelay)
	r.saveC = r.saveTimer.C
}

func (r *Room) stopSave() {
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveC = nil
}

func (r *Room) maybeIdle() {
	if len(r.clients) > 0 || r.cfg.KeepAlive || r.closing || r.graceC != nil {
		return
	}
	r.graceTimer = time.NewTimer(r.cfg.CloseGrace)
	r.graceC = r.graceTimer.C
	r.settle()
}

func (r *Room) stopGrace() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.graceC = nil
}

func (r *Room) forceClose(code int, reason string) {
	if r.State() == StateClosed {
		return
	}
	notice := mustEncode(Message{Type: MsgNotice, Notice: &Notice{Kind: NoticeClosing, Code: code, Reason: reason}})
	for c := range r.clients {
		c.enqueue(notice)
		r.remove(c, code, reason)
	}
	r.closeCode = code
	r.beginClose(reason)
}

func (r *Room) beginClose(reason string) {
	if r.closing {
		return
	}
	r.closing = true
	r.closeReason = reason
	r.stopGrace()
	r.stopSave()
	r.settle()
	r.logger.Info("room closing", "reason", reason)
	r.tryFinalize()
}

// tryFinalize closes the room once no save or reload is in flight, running
// one last flush first when there are unsaved changes.
func (r *Room) tryFinalize() {
	if r.saving || r.reloading {
		return
	}
	if r.dirty && r.cfg.Bridge != nil && !r.finalFlushed {
		r.finalFlushed = true
		r.startFlush()
		return
	}
	r.finalize()
}

func (r *Room) finalize() {
	r.stopGrace()
	r.stopSave()
	if r.cfg.Bridge != nil {
		r.cfg.Bridge.Stop()
	}
	if r.live && r.cfg.Log != nil {
		if err := r.compactLog(r.ctx); err != nil {
			r.logger.Warn("update log compaction failed", "error", err)
		} else {
			r.emit(events.ActionClean, "info", "update log compacted")
		}
	}
	for c := range r.clients {
		r.remove(c, r.closeCode, r.closeReason)
	}
	if r.dispose != nil {
		r.dispose()
	}
	r.setState(StateClosed)
	if r.live {
		metrics.RoomsActive.WithLabelValues(string(r.cfg.Kind)).Dec()
	}
	r.logger.Info("room closed", "reason", r.closeReason)
	r.publish(Event{Kind: EventClosed, Reason: r.closeReason})
	r.cancel()
	if r.cfg.OnClosed != nil {
		r.cfg.OnClosed(r)
	}
}

func (r *Room) backoffPolicy(ctx context.Context, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// compactLog replaces the log with one snapshot, retrying while the key is
// busy.
func (r *Room) compactLog(ctx context.Context) error {
	snapshot, err := r.doc.EncodeState()
	if err != nil {
		return err
	}
	err = backoff.Retry(func() error {
		_, err := r.cfg.Log.Compact(ctx, r.cfg.ID, snapshot)
		if err != nil && !errors.Is(err, updatelog.ErrBusy) {
			return backoff.Permanent(err)
		}
		return err
	}, r.backoffPolicy(ctx, 3))
	if err == nil {
		r.appended = 0
	}
	return err
}

func (r *Room) compactOnce() {
	snapshot, err := r.doc.EncodeState()
	if err != nil {
		return
	}
	if _, err := r.cfg.Log.Compact(r.ctx, r.cfg.ID, snapshot); err != nil {
		r.logger.Debug("update log compaction skipped", "error", err)
		return
	}
	r.appended = 0
}
