package crdt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/storage"
)

func newHistoryFixture(t *testing.T) (*WorkspaceDoc, *HistoryManager, storage.Store) {
	t.Helper()
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: "dev-a", Name: "laptop"}
	doc := NewWorkspaceDoc(store, dev)
	return doc, NewHistoryManager(store, dev, nil), store
}

func TestHistoryListsChangedFiles(t *testing.T) {
	doc, history, _ := newHistoryFixture(t)
	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md"}))
	require.NoError(t, doc.Set("b.md", model.FileMetadata{FileID: "f2", Filename: "b.md"}))

	entries, err := history.GetHistory(WorkspaceDocName, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, []string{"b.md"}, entries[0].ChangedFiles)
	assert.Equal(t, []string{"a.md"}, entries[1].ChangedFiles)
	assert.Equal(t, "laptop", entries[0].DeviceName)
}

func TestHistoryBodyDocChangedFileIsPath(t *testing.T) {
	store := storage.NewMemory(nil)
	dev := &storage.Device{ID: "dev-a"}
	body := NewBodyDoc(store, dev, "notes/x.md")
	require.NoError(t, body.SetBody("v1"))

	history := NewHistoryManager(store, dev, nil)
	entries, err := history.GetHistory(BodyDocName("notes/x.md"), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"notes/x.md"}, entries[0].ChangedFiles)
}

func TestGetStateAtReconstructs(t *testing.T) {
	doc, history, _ := newHistoryFixture(t)
	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md", Title: strPtr("v1")}))
	firstID, err := doc.GetLatestUpdateID()
	require.NoError(t, err)
	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md", Title: strPtr("v2")}))

	state, err := history.GetStateAt(WorkspaceDocName, firstID)
	require.NoError(t, err)
	files, err := MaterializeWorkspaceState(state)
	require.NoError(t, err)
	require.Contains(t, files, "a.md")
	assert.Equal(t, "v1", *files["a.md"].Title)
}

// Restoring an old state appends one more update; the intermediate
// history is preserved.
func TestRestoreAfterManyModifications(t *testing.T) {
	doc, history, _ := newHistoryFixture(t)
	require.NoError(t, doc.Set("p.md", model.FileMetadata{FileID: "f1", Filename: "p.md", Title: strPtr("original")}))
	firstID, err := doc.GetLatestUpdateID()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, doc.Set("p.md", model.FileMetadata{
			FileID: "f1", Filename: "p.md", Title: strPtr(fmt.Sprintf("edit-%d", i)),
		}))
	}

	update, err := history.CreateRestoreUpdate(WorkspaceDocName, firstID)
	require.NoError(t, err)
	_, err = doc.ApplyUpdate(update, storage.OriginLocal)
	require.NoError(t, err)

	md, ok := doc.Get("p.md")
	require.True(t, ok)
	assert.Equal(t, "original", *md.Title)

	entries, err := history.GetHistory(WorkspaceDocName, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 52, "1 create + 50 edits + 1 restore")
}

func TestRestoreTombstonesFilesBornLater(t *testing.T) {
	doc, history, _ := newHistoryFixture(t)
	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md"}))
	checkpoint, err := doc.GetLatestUpdateID()
	require.NoError(t, err)
	require.NoError(t, doc.Set("late.md", model.FileMetadata{FileID: "f2", Filename: "late.md"}))

	update, err := history.CreateRestoreUpdate(WorkspaceDocName, checkpoint)
	require.NoError(t, err)
	_, err = doc.ApplyUpdate(update, storage.OriginLocal)
	require.NoError(t, err)

	md, ok := doc.Get("late.md")
	require.True(t, ok)
	assert.True(t, md.Deleted, "file created after the checkpoint becomes a tombstone")
	_, ok = doc.Get("a.md")
	assert.True(t, ok)
}

func TestDiffBetweenStates(t *testing.T) {
	doc, history, _ := newHistoryFixture(t)
	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md", Title: strPtr("A")}))
	state0, err := doc.GetLatestUpdateID()
	require.NoError(t, err)

	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md", Title: strPtr("A2")}))
	require.NoError(t, doc.Set("b.md", model.FileMetadata{FileID: "f2", Filename: "b.md", Title: strPtr("B")}))
	state1, err := doc.GetLatestUpdateID()
	require.NoError(t, err)

	diffs, err := history.Diff(WorkspaceDocName, state0, state1)
	require.NoError(t, err)
	require.Len(t, diffs, 2)

	assert.Equal(t, "a.md", diffs[0].Path)
	assert.Equal(t, ChangeModified, diffs[0].Kind)
	assert.Equal(t, "A", *diffs[0].Old.Title)
	assert.Equal(t, "A2", *diffs[0].New.Title)

	assert.Equal(t, "b.md", diffs[1].Path)
	assert.Equal(t, ChangeAdded, diffs[1].Kind)
	assert.Equal(t, "B", *diffs[1].New.Title)
	assert.Nil(t, diffs[1].Old)
}

func TestDiffReportsDeletedAndRestored(t *testing.T) {
	doc, history, _ := newHistoryFixture(t)
	require.NoError(t, doc.Set("a.md", model.FileMetadata{FileID: "f1", Filename: "a.md"}))
	alive, err := doc.GetLatestUpdateID()
	require.NoError(t, err)
	require.NoError(t, doc.Delete("a.md"))
	dead, err := doc.GetLatestUpdateID()
	require.NoError(t, err)

	diffs, err := history.Diff(WorkspaceDocName, alive, dead)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, ChangeDeleted, diffs[0].Kind)

	diffs, err = history.Diff(WorkspaceDocName, dead, alive)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, ChangeRestored, diffs[0].Kind)
}
