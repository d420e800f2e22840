package watch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/syncer"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

type watchFixture struct {
	fs      *vfs.MemoryFileSystem
	doc     *crdt.WorkspaceDoc
	bodies  *crdt.BodyDocManager
	manager *syncer.SyncManager
	watcher *Watcher
	sent    []*events.Event
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	fs := vfs.NewMemory()
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: "dev-w"}
	doc := crdt.NewWorkspaceDoc(store, dev)
	bodies := crdt.NewBodyDocManager(store, dev, nil)
	handler := syncer.NewSyncHandler(fs, bodies, link.PlainRelative, nil)
	manager := syncer.NewSyncManager(doc, bodies, handler, nil)

	f := &watchFixture{fs: fs, doc: doc, bodies: bodies, manager: manager}
	f.watcher = New("/ws", fs, doc, bodies, manager, nil)
	manager.Subscribe(events.ObserverFunc(func(ev *events.Event) {
		if ev.Kind == events.SendSyncMessage {
			f.sent = append(f.sent, ev)
		}
	}))
	return f
}

// An unmarked write feeds the CRDT and raises both sync frames.
func TestProcessPathCapturesLocalEdit(t *testing.T) {
	ctx := context.Background()
	f := newWatchFixture(t)
	require.NoError(t, f.fs.WriteFile(ctx, "a.md", []byte("---\ntitle: Edited\n---\nnew body\n")))

	require.NoError(t, f.watcher.ProcessPath(ctx, "a.md"))

	md, ok := f.doc.Get("a.md")
	require.True(t, ok)
	assert.Equal(t, "Edited", *md.Title)

	bodyDoc, err := f.bodies.Get("a.md")
	require.NoError(t, err)
	assert.Equal(t, "new body\n", bodyDoc.GetBody())

	require.Len(t, f.sent, 2)
	assert.False(t, f.sent[0].IsBody)
	assert.True(t, f.sent[1].IsBody)
}

// A write under a sync-write marker is the reconciler's own output and
// must not bounce back into the CRDT.
func TestProcessPathSkipsMarkedWrites(t *testing.T) {
	ctx := context.Background()
	f := newWatchFixture(t)
	require.NoError(t, f.fs.WriteFile(ctx, "a.md", []byte("---\ntitle: Remote\n---\n")))

	f.fs.MarkSyncWriteStart("a.md")
	defer f.fs.MarkSyncWriteEnd("a.md")
	require.NoError(t, f.watcher.ProcessPath(ctx, "a.md"))

	_, ok := f.doc.Get("a.md")
	assert.False(t, ok, "marked write never reaches the CRDT")
	assert.Empty(t, f.sent)
}

// A file deleted between the event and processing is ignored.
func TestProcessPathMissingFile(t *testing.T) {
	f := newWatchFixture(t)
	require.NoError(t, f.watcher.ProcessPath(context.Background(), "gone.md"))
	assert.Empty(t, f.sent)
}
