package syncer

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// countingFS wraps the memory filesystem and counts writes and removes,
// for zero-disk-write assertions.
type countingFS struct {
	*vfs.MemoryFileSystem
	writes  atomic.Int64
	removes atomic.Int64
}

func (c *countingFS) WriteFile(ctx context.Context, path string, data []byte) error {
	c.writes.Add(1)
	return c.MemoryFileSystem.WriteFile(ctx, path, data)
}

func (c *countingFS) Remove(ctx context.Context, path string) error {
	c.removes.Add(1)
	return c.MemoryFileSystem.Remove(ctx, path)
}

type fixture struct {
	fs      *countingFS
	doc     *crdt.WorkspaceDoc
	bodies  *crdt.BodyDocManager
	handler *SyncHandler
	manager *SyncManager
	events  []*events.Event
}

func newFixture(t *testing.T, deviceID string) *fixture {
	t.Helper()
	fs := &countingFS{MemoryFileSystem: vfs.NewMemory()}
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: deviceID, Name: deviceID}
	doc := crdt.NewWorkspaceDoc(store, dev)
	bodies := crdt.NewBodyDocManager(store, dev, nil)
	handler := NewSyncHandler(fs, bodies, link.PlainRelative, nil)
	manager := NewSyncManager(doc, bodies, handler, nil)

	f := &fixture{fs: fs, doc: doc, bodies: bodies, handler: handler, manager: manager}
	handler.Subscribe(events.ObserverFunc(func(ev *events.Event) { f.events = append(f.events, ev) }))
	return f
}

func (f *fixture) eventKinds() []events.Kind {
	var out []events.Kind
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func strPtr(s string) *string { return &s }

// --- merge rule ---

func TestMergeMetadataCRDTWins(t *testing.T) {
	crdtMD := &model.FileMetadata{
		Filename: "a.md",
		Title:    strPtr("crdt title"),
		Deleted:  false,
	}
	diskMD := &model.FileMetadata{
		Filename:    "a.md",
		Title:       strPtr("disk title"),
		Description: strPtr("disk description"),
	}
	merged := MergeMetadata(crdtMD, diskMD)
	assert.Equal(t, "crdt title", *merged.Title, "crdt wins where set")
	assert.Equal(t, "disk description", *merged.Description, "disk fills unset fields")
}

// An explicitly empty contents list is a clear, never replaced by disk.
func TestMergeMetadataEmptyContentsIsExplicitClear(t *testing.T) {
	empty := []string{}
	crdtMD := &model.FileMetadata{Filename: "a.md", Contents: &empty}
	diskContents := []string{"a.md", "b.md"}
	diskMD := &model.FileMetadata{Filename: "a.md", Contents: &diskContents}

	merged := MergeMetadata(crdtMD, diskMD)
	require.NotNil(t, merged.Contents)
	assert.Empty(t, *merged.Contents)

	// Unset contents falls back to disk.
	crdtMD.Contents = nil
	merged = MergeMetadata(crdtMD, diskMD)
	require.NotNil(t, merged.Contents)
	assert.Equal(t, diskContents, *merged.Contents)
}

func TestMergeMetadataNilDisk(t *testing.T) {
	crdtMD := &model.FileMetadata{Filename: "a.md", Title: strPtr("t")}
	merged := MergeMetadata(crdtMD, nil)
	assert.Equal(t, "t", *merged.Title)
}

// --- guest path prefixing ---

func TestGuestPathPrefixing(t *testing.T) {
	f := newFixture(t, "dev-a")
	assert.Equal(t, "a.md", f.handler.StoragePath("a.md"), "host mode is identity")

	f.handler.ConfigureGuest(&GuestConfig{JoinCode: "xyz", UsesOPFS: true})
	assert.True(t, f.handler.IsGuest())
	assert.Equal(t, "guest/xyz/notes/a.md", f.handler.StoragePath("notes/a.md"))
	assert.Equal(t, "notes/a.md", f.handler.CanonicalPath("guest/xyz/notes/a.md"))

	f.handler.ConfigureGuest(&GuestConfig{JoinCode: "xyz", UsesOPFS: false})
	assert.Equal(t, "notes/a.md", f.handler.StoragePath("notes/a.md"), "memory guests use unprefixed paths")
}

// --- workspace message handling ---

func TestWorkspaceSyncWritesThroughToDisk(t *testing.T) {
	ctx := context.Background()
	remote := newFixture(t, "dev-remote")
	local := newFixture(t, "dev-local")

	require.NoError(t, remote.doc.Set("note.md", model.FileMetadata{
		FileID: "f1", Filename: "note.md", Title: strPtr("Remote Note"),
	}))
	frame, err := remote.manager.CreateWorkspaceUpdate(nil)
	require.NoError(t, err)

	result, err := local.manager.HandleWorkspaceMessage(ctx, frame, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"note.md"}, result.ChangedPaths)
	assert.True(t, result.SyncComplete)
	assert.True(t, local.manager.IsSyncComplete())

	raw, err := local.fs.ReadFile(ctx, "note.md")
	require.NoError(t, err)
	doc, err := frontmatter.Parse(string(raw))
	require.NoError(t, err)
	title, _ := doc.Get("title")
	assert.Equal(t, "Remote Note", title.Str)

	assert.Equal(t, []events.Kind{events.FileCreated}, local.eventKinds())
}

func TestWorkspaceSyncStep1ProducesStep2Reply(t *testing.T) {
	ctx := context.Background()
	remote := newFixture(t, "dev-remote")
	local := newFixture(t, "dev-local")
	require.NoError(t, local.doc.Set("mine.md", model.FileMetadata{FileID: "f1", Filename: "mine.md"}))

	step1 := remote.manager.CreateWorkspaceSyncStep1()
	result, err := local.manager.HandleWorkspaceMessage(ctx, step1, false)
	require.NoError(t, err)
	require.NotEmpty(t, result.Reply)

	// Feeding the reply to the remote completes its copy.
	_, err = remote.manager.HandleWorkspaceMessage(ctx, result.Reply, false)
	require.NoError(t, err)
	_, ok := remote.doc.Get("mine.md")
	assert.True(t, ok)
}

// A looped-back metadata update matching a tracked local write must not
// touch the disk again.
func TestMetadataEchoSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "dev-a")

	md := model.FileMetadata{FileID: "f1", Filename: "a.md", Title: strPtr("Mine")}
	require.NoError(t, f.doc.Set("a.md", md))
	f.manager.TrackMetadata("a.md", &md)

	frame, err := f.manager.CreateWorkspaceUpdate(nil)
	require.NoError(t, err)
	writesBefore := f.fs.writes.Load()

	_, err = f.manager.HandleWorkspaceMessage(ctx, frame, true)
	require.NoError(t, err)
	assert.Equal(t, writesBefore, f.fs.writes.Load(), "echo performs zero disk writes")
}

// --- body message handling ---

func TestBodyUpdateRoundTripAndEcho(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "dev-a")
	docName := crdt.BodyDocName("a.md")

	frame, err := f.manager.CreateBodyUpdate(docName, "local content")
	require.NoError(t, err)

	writesBefore := f.fs.writes.Load()
	result, err := f.manager.HandleBodyMessage(ctx, docName, frame, true)
	require.NoError(t, err)
	assert.True(t, result.IsEcho, "our own update loops back as an echo")
	assert.Equal(t, writesBefore, f.fs.writes.Load(), "echo performs zero disk writes")
}

func TestBodyUpdateFromPeerWritesDisk(t *testing.T) {
	ctx := context.Background()
	remote := newFixture(t, "dev-remote")
	local := newFixture(t, "dev-local")
	docName := crdt.BodyDocName("a.md")

	frame, err := remote.manager.CreateBodyUpdate(docName, "peer content")
	require.NoError(t, err)

	result, err := local.manager.HandleBodyMessage(ctx, docName, frame, true)
	require.NoError(t, err)
	assert.False(t, result.IsEcho)
	require.NotNil(t, result.NewContent)
	assert.Equal(t, "peer content", *result.NewContent)

	raw, err := local.fs.ReadFile(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "peer content", frontmatter.ExtractBody(string(raw)))
}

// --- deletion under races (scenario: delete on one peer, edit on the other) ---

func TestDeleteRaceConvergesToDeleted(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, "dev-a")
	b := newFixture(t, "dev-b")

	// Both peers know the file and have it on disk.
	seed := model.FileMetadata{FileID: "f1", Filename: "p.md", Title: strPtr("P")}
	require.NoError(t, a.doc.Set("p.md", seed))
	frame, err := a.manager.CreateWorkspaceUpdate(nil)
	require.NoError(t, err)
	_, err = b.manager.HandleWorkspaceMessage(ctx, frame, true)
	require.NoError(t, err)
	require.NoError(t, a.fs.WriteFile(ctx, "p.md", []byte("---\ntitle: P\n---\nbody")))

	// A deletes (the local workspace op also removes its disk file);
	// B edits the body.
	require.NoError(t, a.doc.Delete("p.md"))
	require.NoError(t, a.fs.Remove(ctx, "p.md"))
	bodyFrame, err := b.manager.CreateBodyUpdate(crdt.BodyDocName("p.md"), "new")
	require.NoError(t, err)

	// Exchange.
	deleteFrame, err := a.manager.CreateWorkspaceUpdate(nil)
	require.NoError(t, err)
	_, err = b.manager.HandleWorkspaceMessage(ctx, deleteFrame, true)
	require.NoError(t, err)
	_, err = a.manager.HandleBodyMessage(ctx, crdt.BodyDocName("p.md"), bodyFrame, true)
	require.NoError(t, err)
	wsB, err := b.manager.CreateWorkspaceUpdate(nil)
	require.NoError(t, err)
	_, err = a.manager.HandleWorkspaceMessage(ctx, wsB, true)
	require.NoError(t, err)

	for name, f := range map[string]*fixture{"a": a, "b": b} {
		md, ok := f.doc.Get("p.md")
		require.True(t, ok, name)
		assert.True(t, md.Deleted, "peer %s converges to deleted", name)
		exists, err := f.fs.Exists(ctx, "p.md")
		require.NoError(t, err)
		assert.False(t, exists, "peer %s removed the file", name)
	}

	// Both operations survive in history: the tombstone in the workspace
	// log and the edit in the body log.
	wsUpdates, err := a.doc.GetHistory()
	require.NoError(t, err)
	assert.NotEmpty(t, wsUpdates)
	bodyDoc, err := a.bodies.Get("p.md")
	require.NoError(t, err)
	bodyUpdates, err := bodyDoc.GetHistory()
	require.NoError(t, err)
	assert.NotEmpty(t, bodyUpdates)
}

// --- rename reconciliation matrix ---

func renameFixture(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	return newFixture(t, "dev-a"), context.Background()
}

func renameChange(path string) []MetadataChange {
	return []MetadataChange{{
		Path:     path,
		Metadata: model.FileMetadata{FileID: "f1", Filename: link.Base(path), Title: strPtr("T")},
	}}
}

func TestRenameMovesDiskFile(t *testing.T) {
	f, ctx := renameFixture(t)
	require.NoError(t, f.fs.WriteFile(ctx, "old.md", []byte("---\ntitle: T\n---\nkept body")))

	err := f.handler.HandleRemoteMetadataUpdate(ctx, renameChange("new.md"), []crdt.Rename{{Old: "old.md", New: "new.md"}})
	require.NoError(t, err)

	exists, _ := f.fs.Exists(ctx, "old.md")
	assert.False(t, exists)
	raw, err := f.fs.ReadFile(ctx, "new.md")
	require.NoError(t, err)
	assert.Equal(t, "kept body", frontmatter.ExtractBody(string(raw)), "body survives the rename")
	assert.Contains(t, f.eventKinds(), events.FileRenamed)
}

func TestRenameAlreadyDone(t *testing.T) {
	f, ctx := renameFixture(t)
	require.NoError(t, f.fs.WriteFile(ctx, "new.md", []byte("---\ntitle: Old\n---\nbody")))

	err := f.handler.HandleRemoteMetadataUpdate(ctx, renameChange("new.md"), []crdt.Rename{{Old: "old.md", New: "new.md"}})
	require.NoError(t, err)

	raw, err := f.fs.ReadFile(ctx, "new.md")
	require.NoError(t, err)
	doc, err := frontmatter.Parse(string(raw))
	require.NoError(t, err)
	title, _ := doc.Get("title")
	assert.Equal(t, "T", title.Str, "frontmatter still overwritten")
	assert.Contains(t, f.eventKinds(), events.FileRenamed, "event still emitted for UI consistency")
}

func TestRenameConflictBothExist(t *testing.T) {
	f, ctx := renameFixture(t)
	require.NoError(t, f.fs.WriteFile(ctx, "old.md", []byte("old body")))
	require.NoError(t, f.fs.WriteFile(ctx, "new.md", []byte("---\ntitle: N\n---\nnew body")))

	err := f.handler.HandleRemoteMetadataUpdate(ctx, renameChange("new.md"), []crdt.Rename{{Old: "old.md", New: "new.md"}})
	require.NoError(t, err)

	exists, _ := f.fs.Exists(ctx, "old.md")
	assert.False(t, exists, "old side deleted on conflict")
	raw, err := f.fs.ReadFile(ctx, "new.md")
	require.NoError(t, err)
	assert.Equal(t, "new body", frontmatter.ExtractBody(string(raw)), "new side kept")
}

func TestRenameNeitherExistsFallsThroughToCreate(t *testing.T) {
	f, ctx := renameFixture(t)
	err := f.handler.HandleRemoteMetadataUpdate(ctx, renameChange("new.md"), []crdt.Rename{{Old: "old.md", New: "new.md"}})
	require.NoError(t, err)

	exists, _ := f.fs.Exists(ctx, "new.md")
	assert.True(t, exists, "normal create path materializes the new file")
	assert.Contains(t, f.eventKinds(), events.FileCreated)
}

// A delete change for an absent file still emits FileDeleted.
func TestDeleteEmitsEvenWhenAlreadyGone(t *testing.T) {
	f, ctx := renameFixture(t)
	err := f.handler.HandleRemoteMetadataUpdate(ctx, []MetadataChange{{
		Path:     "gone.md",
		Metadata: model.FileMetadata{FileID: "f1", Filename: "gone.md", Deleted: true},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.FileDeleted}, f.eventKinds())
}

// During initial sync an empty CRDT body must not wipe disk content.
func TestEmptyCRDTBodyKeepsDiskBody(t *testing.T) {
	f, ctx := renameFixture(t)
	require.NoError(t, f.fs.WriteFile(ctx, "a.md", []byte("---\ntitle: Old\n---\nprecious disk body")))

	err := f.handler.HandleRemoteMetadataUpdate(ctx, []MetadataChange{{
		Path:     "a.md",
		Metadata: model.FileMetadata{FileID: "f1", Filename: "a.md", Title: strPtr("New")},
	}}, nil)
	require.NoError(t, err)

	raw, err := f.fs.ReadFile(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "precious disk body", frontmatter.ExtractBody(string(raw)))
	doc, err := frontmatter.Parse(string(raw))
	require.NoError(t, err)
	title, _ := doc.Get("title")
	assert.Equal(t, "New", title.Str)
}

// Reconciler writes are bracketed with sync-write markers while they
// happen; the marker is released afterwards.
func TestReconcilerWritesAreMarked(t *testing.T) {
	ctx := context.Background()
	fs := &markerSpyFS{countingFS: countingFS{MemoryFileSystem: vfs.NewMemory()}}
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: "dev-a"}
	bodies := crdt.NewBodyDocManager(store, dev, nil)
	handler := NewSyncHandler(fs, bodies, link.PlainRelative, nil)

	err := handler.HandleRemoteMetadataUpdate(ctx, []MetadataChange{{
		Path:     "a.md",
		Metadata: model.FileMetadata{FileID: "f1", Filename: "a.md"},
	}}, nil)
	require.NoError(t, err)
	assert.True(t, fs.sawMarkedWrite, "write happened under a sync-write marker")
	assert.False(t, fs.InSyncWrite("a.md"), "marker released afterwards")
}

type markerSpyFS struct {
	countingFS
	sawMarkedWrite bool
}

func (m *markerSpyFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if m.InSyncWrite(path) {
		m.sawMarkedWrite = true
	}
	return m.countingFS.WriteFile(ctx, path, data)
}

func TestManagerReset(t *testing.T) {
	f := newFixture(t, "dev-a")
	f.manager.TrackContent("a.md", "x")
	f.manager.TrackMetadata("a.md", &model.FileMetadata{Filename: "a.md"})
	f.manager.InitBodySync("body:a.md")
	f.manager.MarkSyncComplete()

	f.manager.Reset()
	assert.False(t, f.manager.IsSyncComplete())
	assert.False(t, f.manager.IsEcho("a.md", "x"))
	assert.Empty(t, f.manager.GetActiveSyncs())
}
