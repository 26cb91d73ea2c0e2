package fork

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/contents"
	"collabtext/internal/crdt"
	"collabtext/internal/docid"
	"collabtext/internal/fileid"
	"collabtext/internal/room"
	"collabtext/internal/session"
)

type fixture struct {
	reg  *session.Registry
	mgr  *Manager
	root *room.Room
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.txt"), []byte(content), 0o644))
	files, err := fileid.Open(ctx, filepath.Join(t.TempDir(), "fileid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	reg := session.New(ctx, session.Options{
		Files:     files,
		Contents:  contents.NewLocal(dir),
		SaveDelay: -1,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})
	s, err := reg.NegotiateSession(ctx, "root.txt", "text", docid.TypeFile)
	require.NoError(t, err)
	root, ok := reg.Room(s.RoomID())
	require.True(t, ok)
	return &fixture{reg: reg, mgr: New(reg, nil, nil), root: root}
}

func edit(t *testing.T, rm *room.Room, fn func(doc *crdt.Doc) error) {
	t.Helper()
	var err error
	require.NoError(t, rm.Do(context.Background(), func(doc *crdt.Doc) { err = fn(doc) }))
	require.NoError(t, err)
}

func appendText(s string) func(doc *crdt.Doc) error {
	return func(doc *crdt.Doc) error {
		_, err := doc.Insert(len([]rune(doc.Text())), s)
		return err
	}
}

func prependText(s string) func(doc *crdt.Doc) error {
	return func(doc *crdt.Doc) error {
		_, err := doc.Insert(0, s)
		return err
	}
}

func text(t *testing.T, rm *room.Room) string {
	t.Helper()
	s, err := rm.Text(context.Background())
	require.NoError(t, err)
	return s
}

func (f *fixture) forkRoom(t *testing.T, id string) *room.Room {
	t.Helper()
	rm, ok := f.reg.Room(id)
	require.True(t, ok)
	return rm
}

func TestCreateFork_Synchronized(t *testing.T) {
	f := newFixture(t, "base")
	fk, err := f.mgr.CreateFork(context.Background(), f.root.ID(), true, "t", "d")
	require.NoError(t, err)
	fr := f.forkRoom(t, fk.ID)
	assert.Equal(t, room.KindFork, fr.Kind())
	assert.Equal(t, "base", text(t, fr))

	edit(t, f.root, appendText("!"))
	require.Eventually(t, func() bool {
		s, err := fr.Text(context.Background())
		return err == nil && s == "base!"
	}, 2*time.Second, 10*time.Millisecond)

	edit(t, fr, prependText(">"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "base!", text(t, f.root), "fork edits never flow back on their own")
}

func TestCreateFork_Detached(t *testing.T) {
	f := newFixture(t, "base")
	fk, err := f.mgr.CreateFork(context.Background(), f.root.ID(), false, "", "")
	require.NoError(t, err)
	fr := f.forkRoom(t, fk.ID)

	edit(t, f.root, appendText("!"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "base", text(t, fr))
}

func TestDeleteFork_MergeUnionsEdits(t *testing.T) {
	f := newFixture(t, "base")
	ctx := context.Background()
	fk, err := f.mgr.CreateFork(ctx, f.root.ID(), false, "", "")
	require.NoError(t, err)
	fr := f.forkRoom(t, fk.ID)

	edit(t, f.root, appendText("R"))
	edit(t, fr, prependText("F"))

	require.NoError(t, f.mgr.DeleteFork(ctx, fk.ID, true))
	assert.Equal(t, "FbaseR", text(t, f.root))
	_, ok := f.reg.Room(fk.ID)
	assert.False(t, ok)
}

func TestDeleteFork_MergeAfterSynchronizedEdits(t *testing.T) {
	f := newFixture(t, "base")
	ctx := context.Background()
	fk, err := f.mgr.CreateFork(ctx, f.root.ID(), true, "", "")
	require.NoError(t, err)
	fr := f.forkRoom(t, fk.ID)

	edit(t, f.root, appendText("R"))
	require.Eventually(t, func() bool {
		s, err := fr.Text(ctx)
		return err == nil && s == "baseR"
	}, 2*time.Second, 10*time.Millisecond)
	edit(t, fr, func(doc *crdt.Doc) error {
		_, err := doc.Delete(0, 1)
		return err
	})

	require.NoError(t, f.mgr.DeleteFork(ctx, fk.ID, true))
	assert.Equal(t, "aseR", text(t, f.root))
}

func TestDeleteFork_WithoutMergeLeavesRoot(t *testing.T) {
	f := newFixture(t, "base")
	ctx := context.Background()
	fk, err := f.mgr.CreateFork(ctx, f.root.ID(), false, "", "")
	require.NoError(t, err)
	fr := f.forkRoom(t, fk.ID)

	c := room.NewClient("", 16)
	require.NoError(t, fr.Attach(ctx, c))
	edit(t, fr, prependText("F"))

	require.NoError(t, f.mgr.DeleteFork(ctx, fk.ID, false))
	assert.Equal(t, "base", text(t, f.root))
	code, _ := c.CloseReason()
	assert.Equal(t, room.CloseForkDeleted, code)

	forks, err := f.mgr.ListForks(f.root.ID())
	require.NoError(t, err)
	assert.Empty(t, forks)
	assert.ErrorIs(t, f.mgr.DeleteFork(ctx, fk.ID, false), ErrForkNotFound)
}

func TestListForks(t *testing.T) {
	f := newFixture(t, "base")
	ctx := context.Background()
	a, err := f.mgr.CreateFork(ctx, f.root.ID(), false, "first", "")
	require.NoError(t, err)
	b, err := f.mgr.CreateFork(ctx, f.root.ID(), true, "second", "desc")
	require.NoError(t, err)

	forks, err := f.mgr.ListForks(f.root.ID())
	require.NoError(t, err)
	require.Len(t, forks, 2)
	assert.Equal(t, a.ID, forks[0].ID)
	assert.Equal(t, b.ID, forks[1].ID)
	assert.Equal(t, "desc", forks[1].Description)
	assert.True(t, forks[1].Synchronize)

	_, err = f.mgr.ListForks("text:file:nope")
	assert.ErrorIs(t, err, ErrRootNotFound)
	_, err = f.mgr.CreateFork(ctx, "text:file:nope", false, "", "")
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestRootCloseDeletesForks(t *testing.T) {
	f := newFixture(t, "base")
	ctx := context.Background()
	fk, err := f.mgr.CreateFork(ctx, f.root.ID(), true, "", "")
	require.NoError(t, err)
	fr := f.forkRoom(t, fk.ID)
	c := room.NewClient("", 16)
	require.NoError(t, fr.Attach(ctx, c))

	require.NoError(t, f.root.Close(ctx, room.CloseRoomClosed, "gone"))
	select {
	case <-c.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("fork client not disconnected")
	}
	code, _ := c.CloseReason()
	assert.Equal(t, room.CloseForkDeleted, code)
	require.Eventually(t, func() bool {
		_, ok := f.reg.Room(fk.ID)
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}
