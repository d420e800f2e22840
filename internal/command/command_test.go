package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/syncer"
	"github.com/diaryx/diaryx-go/internal/vfs"
	"github.com/diaryx/diaryx-go/internal/workspace"
)

func newDispatcher(t *testing.T) (*Dispatcher, *vfs.MemoryFileSystem) {
	t.Helper()
	fs := vfs.NewMemory()
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: "dev-test"}
	doc := crdt.NewWorkspaceDoc(store, dev)
	bodies := crdt.NewBodyDocManager(store, dev, nil)
	handler := syncer.NewSyncHandler(fs, bodies, link.PlainRelative, nil)
	manager := syncer.NewSyncManager(doc, bodies, handler, nil)
	ws := workspace.New(fs, doc, bodies, manager, link.PlainRelative, nil)
	history := crdt.NewHistoryManager(store, dev, nil)
	return NewDispatcher(ws, history, manager, store, nil), fs
}

func seedEntry(t *testing.T, fs *vfs.MemoryFileSystem, path, content string) {
	t.Helper()
	require.NoError(t, fs.WriteFile(context.Background(), path, []byte(content)))
}

func TestGetAndSaveEntry(t *testing.T) {
	ctx := context.Background()
	d, fs := newDispatcher(t)
	seedEntry(t, fs, "a.md", "---\ntitle: A\n---\nhello\n")

	resp, err := d.Execute(ctx, &Request{Op: OpGetEntry, Path: "a.md"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", resp.Body)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, "A", *resp.Metadata.Title)

	_, err = d.Execute(ctx, &Request{Op: OpSaveEntry, Path: "a.md", Body: "rewritten"})
	require.NoError(t, err)
	resp, err = d.Execute(ctx, &Request{Op: OpGetEntry, Path: "a.md"})
	require.NoError(t, err)
	assert.Equal(t, "rewritten", resp.Body)
}

func TestGetEntryNotFound(t *testing.T) {
	d, _ := newDispatcher(t)
	_, err := d.Execute(context.Background(), &Request{Op: OpGetEntry, Path: "missing.md"})
	assert.ErrorIs(t, err, workspace.ErrNotFound)
}

func TestUnknownOp(t *testing.T) {
	d, _ := newDispatcher(t)
	_, err := d.Execute(context.Background(), &Request{Op: "nonsense"})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestCreateAttachDeleteFlow(t *testing.T) {
	ctx := context.Background()
	d, fs := newDispatcher(t)
	seedEntry(t, fs, "README.md", "---\ntitle: Root\ncontents: []\n---\n")

	created, err := d.Execute(ctx, &Request{Op: OpCreateEntry, Parent: "README.md"})
	require.NoError(t, err)
	assert.Equal(t, "new-entry.md", created.Path)

	_, err = d.Execute(ctx, &Request{Op: OpDeleteEntry, Path: created.Path})
	require.NoError(t, err)
	exists, err := fs.Exists(ctx, created.Path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncCommandsWithoutManagerAreUnsupported(t *testing.T) {
	fs := vfs.NewMemory()
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: "dev-test"}
	doc := crdt.NewWorkspaceDoc(store, dev)
	bodies := crdt.NewBodyDocManager(store, dev, nil)
	ws := workspace.New(fs, doc, bodies, nil, link.PlainRelative, nil)
	history := crdt.NewHistoryManager(store, dev, nil)
	d := NewDispatcher(ws, history, nil, store, nil)

	_, err := d.Execute(context.Background(), &Request{Op: OpHandleWorkspaceMsg})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = d.Execute(context.Background(), &Request{Op: OpCreateSyncStep1})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHandleWorkspaceSyncMessage(t *testing.T) {
	ctx := context.Background()
	local, _ := newDispatcher(t)
	remote, remoteFS := newDispatcher(t)
	seedEntry(t, remoteFS, "README.md", "---\ntitle: Root\ncontents: []\n---\n")

	// The remote creates a child; its workspace state reaches us framed
	// as a sync update.
	_, err := remote.Execute(ctx, &Request{Op: OpCreateEntry, Parent: "README.md"})
	require.NoError(t, err)
	frame, err := remote.sync.CreateWorkspaceUpdate(nil)
	require.NoError(t, err)

	resp, err := local.Execute(ctx, &Request{Op: OpHandleWorkspaceMsg, Payload: frame, Write: true})
	require.NoError(t, err)
	assert.True(t, resp.SyncComplete)
	assert.NotEmpty(t, resp.ChangedPaths)
}

func TestUploadAndMoveAttachment(t *testing.T) {
	ctx := context.Background()
	d, fs := newDispatcher(t)
	seedEntry(t, fs, "a.md", "---\ntitle: A\n---\n")

	_, err := d.Execute(ctx, &Request{
		Op: OpUploadAttachment, Path: "a.md", ToPath: "assets/pic.png", Payload: []byte{1, 2, 3},
	})
	require.NoError(t, err)

	resp, err := d.Execute(ctx, &Request{Op: OpGetAttachments, Path: "a.md"})
	require.NoError(t, err)
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "assets/pic.png", resp.Attachments[0].Path)

	_, err = d.Execute(ctx, &Request{Op: OpMoveAttachment, Path: "assets/pic.png", ToPath: "assets/photo.png"})
	require.NoError(t, err)
	resp, err = d.Execute(ctx, &Request{Op: OpGetAttachments, Path: "a.md"})
	require.NoError(t, err)
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "assets/photo.png", resp.Attachments[0].Path)
}

func TestRestoreVersionCommand(t *testing.T) {
	ctx := context.Background()
	d, fs := newDispatcher(t)
	seedEntry(t, fs, "a.md", "---\ntitle: v1\n---\n")
	require.NoError(t, d.ws.SaveEntry(ctx, "a.md", "body"))
	checkpoint, err := d.ws.Doc().GetLatestUpdateID()
	require.NoError(t, err)

	md, _ := d.ws.Doc().Get("a.md")
	title := "v2"
	md.Title = &title
	require.NoError(t, d.ws.Doc().Set("a.md", md))

	_, err = d.Execute(ctx, &Request{Op: OpRestoreVersion, FromID: checkpoint})
	require.NoError(t, err)

	restored, ok := d.ws.Doc().Get("a.md")
	require.True(t, ok)
	assert.Equal(t, "v1", *restored.Title)
}
