package room

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/contents"
	"collabtext/internal/crdt"
	"collabtext/internal/docid"
	"collabtext/internal/events"
	"collabtext/internal/filebridge"
	"collabtext/internal/fileid"
	"collabtext/internal/updatelog"
)

type peer struct {
	c   *Client
	doc *crdt.Doc
}

func startRoom(t *testing.T, cfg Config) *Room {
	t.Helper()
	r := New(cfg)
	r.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitLoaded(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Close(ctx, CloseRoomClosed, "test done")
	})
	return r
}

func join(t *testing.T, r *Room) *peer {
	t.Helper()
	p := &peer{c: NewClient("", 64), doc: crdt.NewDoc("")}
	require.NoError(t, r.Attach(context.Background(), p.c))
	return p
}

func (p *peer) insert(t *testing.T, r *Room, pos int, text string) {
	t.Helper()
	u, err := p.doc.Insert(pos, text)
	require.NoError(t, err)
	frame, err := EncodeMessage(Message{Type: MsgUpdate, Update: u})
	require.NoError(t, err)
	require.NoError(t, r.Receive(context.Background(), p.c, frame))
}

// next returns the next frame for p, applying document payloads to its
// replica.
func (p *peer) next(t *testing.T, timeout time.Duration) (Message, bool) {
	t.Helper()
	select {
	case frame := <-p.c.Send():
		msg, err := DecodeMessage(frame)
		require.NoError(t, err)
		if msg.Type == MsgSyncStep2 || msg.Type == MsgUpdate {
			require.NoError(t, p.doc.Apply(msg.Update, "remote"))
		}
		return msg, true
	case <-time.After(timeout):
		return Message{}, false
	}
}

func (p *peer) waitText(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for p.doc.Text() != want {
		if _, ok := p.next(t, time.Until(deadline)); !ok {
			t.Fatalf("text = %q, want %q", p.doc.Text(), want)
		}
	}
}

func (p *peer) waitNotice(t *testing.T, kind string) *Notice {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, ok := p.next(t, time.Until(deadline))
		if !ok {
			t.Fatalf("no %s notice", kind)
		}
		if msg.Type == MsgNotice && msg.Notice.Kind == kind {
			return msg.Notice
		}
	}
}

type fileFixture struct {
	root  string
	files *fileid.Index
	cm    *contents.Local
}

func newFileFixture(t *testing.T) *fileFixture {
	t.Helper()
	files, err := fileid.Open(context.Background(), filepath.Join(t.TempDir(), "fileid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })
	root := t.TempDir()
	return &fileFixture{root: root, files: files, cm: contents.NewLocal(root)}
}

func (f *fileFixture) bridge(t *testing.T, name, content string, mode os.FileMode) (docid.ID, *filebridge.Bridge) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name), []byte(content), mode))
	fid, err := f.files.Index(ctx, name)
	require.NoError(t, err)
	id := docid.ID{Format: "text", Type: docid.TypeFile, FileID: fid}
	b, err := filebridge.New(ctx, id, f.files, f.cm, 20*time.Millisecond, nil)
	require.NoError(t, err)
	return id, b
}

func (f *fileFixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, name))
	require.NoError(t, err)
	return string(data)
}

func newStore(t *testing.T) *updatelog.Store {
	t.Helper()
	s := updatelog.New(updatelog.NewSQLite(filepath.Join(t.TempDir(), "updates.db")), updatelog.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx).Wait(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoom_ClientsConverge(t *testing.T) {
	r := startRoom(t, Config{ID: "mem", Kind: KindAwareness, KeepAlive: true})
	a, b := join(t, r), join(t, r)

	a.insert(t, r, 0, "hi")
	b.waitText(t, "hi")

	b.insert(t, r, 2, "!")
	a.insert(t, r, 0, ">")
	a.waitText(t, ">hi!")
	b.waitText(t, ">hi!")

	text, err := r.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ">hi!", text)
}

func TestRoom_PostAppliesBackpressure(t *testing.T) {
	r := startRoom(t, Config{ID: "busy", Kind: KindFork, KeepAlive: true})
	gate := make(chan struct{})
	r.Post(func(*crdt.Doc) { <-gate })
	before := runtime.NumGoroutine()

	const jobs = 1000
	var (
		posted atomic.Int32
		ran    []int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range jobs {
			r.Post(func(*crdt.Doc) { ran = append(ran, i) })
			posted.Add(1)
		}
	}()

	assert.Eventually(t, func() bool { return posted.Load() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Less(t, int(posted.Load()), jobs, "poster blocks while the room is busy")
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)

	close(gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poster never finished")
	}
	var got []int
	require.NoError(t, r.Do(context.Background(), func(*crdt.Doc) { got = append(got, ran...) }))
	require.Len(t, got, jobs)
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran in position %d", v, i)
		}
	}
}

func TestRoom_AttachSendsStateAndAwareness(t *testing.T) {
	r := startRoom(t, Config{ID: "mem", Kind: KindAwareness, KeepAlive: true})
	a := join(t, r)
	a.insert(t, r, 0, "shared")

	frame, err := EncodeMessage(Message{Type: MsgAwareness, Awareness: []byte(`{"cursor":3}`)})
	require.NoError(t, err)
	require.NoError(t, r.Receive(context.Background(), a.c, frame))

	b := join(t, r)
	msg, ok := b.next(t, time.Second)
	require.True(t, ok)
	assert.Equal(t, MsgSyncStep2, msg.Type)
	assert.Equal(t, "shared", b.doc.Text())

	msg, ok = b.next(t, time.Second)
	require.True(t, ok)
	assert.Equal(t, MsgSyncStep1, msg.Type)
	assert.NotEmpty(t, msg.StateVector)

	msg, ok = b.next(t, time.Second)
	require.True(t, ok)
	assert.Equal(t, MsgAwareness, msg.Type)
	assert.Equal(t, a.c.ID(), msg.Client)
	assert.JSONEq(t, `{"cursor":3}`, string(msg.Awareness))

	r.Detach(a.c)
	for {
		msg, ok := b.next(t, time.Second)
		require.True(t, ok, "no leave notification")
		if msg.Type == MsgAwareness {
			assert.Equal(t, a.c.ID(), msg.Client)
			assert.Empty(t, msg.Awareness)
			break
		}
	}
}

func TestRoom_SyncStep1ReturnsMissing(t *testing.T) {
	r := startRoom(t, Config{ID: "mem", Kind: KindAwareness, KeepAlive: true})
	a := join(t, r)
	a.insert(t, r, 0, "abc")

	late := &peer{c: NewClient("", 64), doc: crdt.NewDoc("")}
	require.NoError(t, r.Attach(context.Background(), late.c))
	late.waitText(t, "abc")

	a.insert(t, r, 3, "d")
	sv := late.doc.StateVector()
	frame, err := EncodeMessage(Message{Type: MsgSyncStep1, StateVector: sv})
	require.NoError(t, err)
	require.NoError(t, r.Receive(context.Background(), late.c, frame))
	late.waitText(t, "abcd")
}

func TestRoom_MalformedUpdateKeepsSession(t *testing.T) {
	r := startRoom(t, Config{ID: "mem", Kind: KindAwareness, KeepAlive: true})
	a := join(t, r)
	frame, err := EncodeMessage(Message{Type: MsgUpdate, Update: []byte{0xff, 0x00}})
	require.NoError(t, err)
	require.NoError(t, r.Receive(context.Background(), a.c, frame))
	a.waitNotice(t, NoticeBadMessage)

	assert.Error(t, r.Receive(context.Background(), a.c, []byte("not cbor at all")))
	a.insert(t, r, 0, "still here")
	text, err := r.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still here", text)
}

func TestRoom_DebouncedSave(t *testing.T) {
	f := newFileFixture(t)
	_, b := f.bridge(t, "doc.txt", "", 0o644)
	delay := 150 * time.Millisecond
	r := startRoom(t, Config{ID: "debounce", Bridge: b, SaveDelay: delay})

	saved := make(chan time.Time, 8)
	r.Subscribe(EventSaved, func(Event) { saved <- time.Now() })

	a := join(t, r)
	var last time.Time
	for i := 0; i < 5; i++ {
		last = time.Now()
		a.insert(t, r, i, "x")
		time.Sleep(30 * time.Millisecond)
	}

	select {
	case at := <-saved:
		assert.GreaterOrEqual(t, at.Sub(last), delay)
	case <-time.After(3 * time.Second):
		t.Fatal("no save")
	}
	select {
	case <-saved:
		t.Fatal("burst saved more than once")
	case <-time.After(3 * delay):
	}
	assert.Equal(t, "xxxxx", f.read(t, "doc.txt"))
}

func TestRoom_ExternalChangeIsMerged(t *testing.T) {
	f := newFileFixture(t)
	_, b := f.bridge(t, "ext.txt", "hello", 0o644)
	rec := events.NewRecorder(16)
	r := startRoom(t, Config{ID: "ext", Bridge: b, SaveDelay: -1, Events: rec})

	a := join(t, r)
	a.waitText(t, "hello")
	a.insert(t, r, 5, "!")

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "ext.txt"), []byte("Hello"), 0o644))
	a.waitText(t, "Hello!")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx, CloseRoomClosed, "done"))
	assert.Equal(t, "Hello!", f.read(t, "ext.txt"))

	var actions []events.Action
	for len(rec.Events()) > 0 {
		actions = append(actions, (<-rec.Events()).Action)
	}
	assert.Contains(t, actions, events.ActionInitialize)
	assert.Contains(t, actions, events.ActionOverwrite)
	assert.Contains(t, actions, events.ActionSave)
}

func TestRoom_SaveFailureNotifiesClients(t *testing.T) {
	f := newFileFixture(t)
	_, b := f.bridge(t, "ro.txt", "locked", 0o444)
	r := startRoom(t, Config{ID: "ro", Bridge: b, SaveDelay: 20 * time.Millisecond, SaveRetries: 1, RetryInterval: time.Millisecond})

	failed := make(chan error, 4)
	r.Subscribe(EventSaveFailed, func(e Event) { failed <- e.Err })

	a := join(t, r)
	a.waitText(t, "locked")
	a.insert(t, r, 0, "un")

	n := a.waitNotice(t, NoticeSaveFailed)
	assert.NotEmpty(t, n.Reason)
	select {
	case err := <-failed:
		assert.ErrorIs(t, err, filebridge.ErrNotWritable)
	case <-time.After(time.Second):
		t.Fatal("no save-failed event")
	}

	text, err := r.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unlocked", text, "edit stays live after a failed save")
	assert.Equal(t, "locked", f.read(t, "ro.txt"))
}

func TestRoom_ClosesAfterGrace(t *testing.T) {
	var closed atomic.Bool
	r := startRoom(t, Config{
		ID:         "grace",
		Kind:       KindAwareness,
		CloseGrace: 50 * time.Millisecond,
		OnClosed:   func(*Room) { closed.Store(true) },
	})
	a := join(t, r)
	r.Detach(a.c)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room did not close")
	}
	assert.Equal(t, StateClosed, r.State())
	assert.True(t, closed.Load())
	assert.ErrorIs(t, r.Attach(context.Background(), NewClient("", 4)), ErrClosed)
}

func TestRoom_ReattachCancelsGrace(t *testing.T) {
	r := startRoom(t, Config{ID: "grace", Kind: KindAwareness, CloseGrace: 200 * time.Millisecond})
	a := join(t, r)
	r.Detach(a.c)
	time.Sleep(20 * time.Millisecond)
	join(t, r)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateLive, r.State())
	assert.Equal(t, 1, r.Clients())
}

func TestRoom_CloseSendsCodeAndFlushes(t *testing.T) {
	f := newFileFixture(t)
	_, b := f.bridge(t, "close.txt", "", 0o644)
	r := startRoom(t, Config{ID: "close", Bridge: b, SaveDelay: -1})
	a := join(t, r)
	a.insert(t, r, 0, "pending")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx, CloseForkDeleted, "fork deleted"))

	code, reason := a.c.CloseReason()
	assert.Equal(t, CloseForkDeleted, code)
	assert.Equal(t, "fork deleted", reason)
	assert.Equal(t, "pending", f.read(t, "close.txt"))
}

func TestRoom_ReloadsFromLog(t *testing.T) {
	store := newStore(t)
	first := startRoom(t, Config{ID: "logged", Kind: KindFork, Log: store, KeepAlive: true})
	a := join(t, first)
	a.insert(t, first, 0, "persisted")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Close(ctx, CloseRoomClosed, "restart"))

	var entries int
	require.NoError(t, store.Replay(ctx, "logged", 0, func(updatelog.Entry) error {
		entries++
		return nil
	}))
	assert.Equal(t, 1, entries, "log compacted on close")

	second := startRoom(t, Config{ID: "logged", Kind: KindFork, Log: store, KeepAlive: true})
	text, err := second.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", text)
}

func TestRoom_FileWinsOverLog(t *testing.T) {
	store := newStore(t)
	f := newFileFixture(t)
	id, b := f.bridge(t, "win.txt", "from log", 0o644)
	first := startRoom(t, Config{ID: id.String(), Log: store, Bridge: b, SaveDelay: -1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Close(ctx, CloseRoomClosed, "restart"))

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "win.txt"), []byte("from disk"), 0o644))
	b2, err := filebridge.New(ctx, id, f.files, f.cm, time.Second, nil)
	require.NoError(t, err)
	second := startRoom(t, Config{ID: id.String(), Log: store, Bridge: b2, SaveDelay: -1})
	text, err := second.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from disk", text)
}

func TestRoom_CorruptLogFallsBackToFile(t *testing.T) {
	store := newStore(t)
	f := newFileFixture(t)
	id, b := f.bridge(t, "bad.txt", "intact", 0o644)
	ctx := context.Background()
	_, err := store.Append(ctx, id.String(), []byte("garbage"))
	require.NoError(t, err)

	r := startRoom(t, Config{ID: id.String(), Log: store, Bridge: b, SaveDelay: -1})
	text, err := r.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "intact", text)

	doc := crdt.NewDoc("")
	require.NoError(t, store.Replay(ctx, id.String(), 0, func(e updatelog.Entry) error {
		return doc.Apply(e.Payload, nil)
	}))
	assert.Equal(t, "intact", doc.Text())
}

// corruptLog fails every replay the way a log with an undecodable record
// does and records compactions.
type corruptLog struct {
	compacted atomic.Int32
}

func (l *corruptLog) Append(context.Context, string, []byte) (uint64, error) { return 1, nil }

func (l *corruptLog) Replay(_ context.Context, key string, _ uint64, _ func(updatelog.Entry) error) error {
	return fmt.Errorf("updatelog: replay %s: %w: entry 1: unexpected EOF", key, updatelog.ErrCorrupt)
}

func (l *corruptLog) Compact(context.Context, string, []byte) (uint64, error) {
	l.compacted.Add(1)
	return 1, nil
}

func TestRoom_UndecodableLogRecordIsRebuilt(t *testing.T) {
	log := &corruptLog{}
	f := newFileFixture(t)
	id, b := f.bridge(t, "torn.txt", "from disk", 0o644)

	r := startRoom(t, Config{ID: id.String(), Log: log, Bridge: b, SaveDelay: -1})
	text, err := r.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from disk", text)
	assert.EqualValues(t, 1, log.compacted.Load(), "log rewritten from the file while loading")
}

// mergeFile starts a room replica and a baseline at base, edits the
// replica to ours, then merges the file version theirs into it.
func mergeFile(t *testing.T, base, theirs, ours string) string {
	t.Helper()
	doc := crdt.NewDoc("room")
	_, err := doc.Replace(base)
	require.NoError(t, err)
	state, err := doc.EncodeState()
	require.NoError(t, err)
	bl, err := newBaseline(state)
	require.NoError(t, err)
	require.Equal(t, base, bl.text())

	roomEdit, err := doc.Replace(ours)
	require.NoError(t, err)
	require.NoError(t, bl.merge(doc, theirs, nil))
	merged := doc.Text()

	if theirs != ours {
		require.NoError(t, bl.doc.Apply(roomEdit, nil))
		assert.Equal(t, merged, bl.text(), "both orders converge")
	}
	return merged
}

func TestBaselineMerge(t *testing.T) {
	cases := []struct {
		name, base, theirs, ours, want string
	}{
		{"only theirs", "a", "b", "a", "b"},
		{"only ours", "a", "a", "c", "c"},
		{"same edit", "a", "b", "b", "b"},
		{"disjoint lines", "alpha\nbeta\n", "ALPHA\nbeta\n", "alpha\nbeta\ngamma\n", "ALPHA\nbeta\ngamma\n"},
		{"insert inside a deleted run", "abcdefghij", "abcdeXfghij", "abYYYYYYYYYYij", "abXYYYYYYYYYYij"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mergeFile(t, tc.base, tc.theirs, tc.ours))
		})
	}
}

func TestBaselineMerge_SameLineEditedTwice(t *testing.T) {
	got := mergeFile(t,
		"line one\nline two\nline three\n",
		"line one\nline TWO edited externally\nline three\n",
		"line one\nline 2 edited in room\nline three\n",
	)
	assert.True(t, strings.HasPrefix(got, "line one\n"), "untouched lines survive: %q", got)
	assert.True(t, strings.HasSuffix(got, "line three\n"), "untouched lines survive: %q", got)
	assert.Contains(t, got, "TWO edited externally")
	assert.Contains(t, got, "2 edited in room")
	assert.NotContains(t, got, "two")
}
