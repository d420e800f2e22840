// Package workspace implements the hierarchy-preserving operations over
// a Diaryx workspace: attach, move, rename, delete, duplicate, index
// conversion, child creation, daily entries, tree building, and
// validation. Every success path keeps the bidirectional part_of ⇄
// contents invariant, and every operation raises exactly one outbound
// workspace sync update.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/syncer"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("workspace: entry not found")

// ErrInvalidPath is returned for operations that would corrupt the
// hierarchy: deleting a populated index, moving onto an existing file,
// converting a populated index to a leaf.
var ErrInvalidPath = errors.New("workspace: invalid path")

// ErrWorkspaceNotFound is returned when no root index can be located.
var ErrWorkspaceNotFound = errors.New("workspace: not found")

// ErrWorkspaceExists is returned when initializing over an existing
// workspace.
var ErrWorkspaceExists = errors.New("workspace: already exists")

// maxTraversalDepth caps every hierarchy walk. Cycles are detected by
// visited sets; the depth cap is the backstop for pathological graphs.
const maxTraversalDepth = 100

// Workspace executes hierarchy operations against the filesystem and
// mirrors every change into the workspace CRDT.
type Workspace struct {
	fs     vfs.FileSystem
	doc    *crdt.WorkspaceDoc
	bodies *crdt.BodyDocManager
	sync   *syncer.SyncManager // nil when sync is disabled
	format link.Format
	logger *slog.Logger
}

// New creates a Workspace. sync may be nil for offline use.
func New(fs vfs.FileSystem, doc *crdt.WorkspaceDoc, bodies *crdt.BodyDocManager, sync *syncer.SyncManager, format link.Format, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{fs: fs, doc: doc, bodies: bodies, sync: sync, format: format, logger: logger}
}

// Doc returns the workspace CRDT.
func (w *Workspace) Doc() *crdt.WorkspaceDoc { return w.doc }

// Bodies returns the body document cache.
func (w *Workspace) Bodies() *crdt.BodyDocManager { return w.bodies }

// FS returns the underlying filesystem.
func (w *Workspace) FS() vfs.FileSystem { return w.fs }

// Format returns the workspace link format.
func (w *Workspace) Format() link.Format { return w.format }

// --- entry I/O ---

// readDoc parses the file at canonical path. Missing files map to
// ErrNotFound; unparseable frontmatter degrades to body-only.
func (w *Workspace) readDoc(ctx context.Context, path string) (*frontmatter.Doc, error) {
	raw, err := w.fs.ReadFile(ctx, path)
	if err != nil {
		if vfs.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return frontmatter.ParseOrEmpty(string(raw))
}

// ReadEntry returns the metadata and body of the entry at path.
func (w *Workspace) ReadEntry(ctx context.Context, path string) (model.FileMetadata, string, error) {
	path = link.Normalize(path)
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return model.FileMetadata{}, "", err
	}
	return frontmatter.ToMetadata(doc, path), doc.Body, nil
}

// writeEntry renders and writes the entry, mirrors metadata into the
// CRDT, and tracks the write for echo detection. The write is bracketed
// with sync markers so the write-through watcher stays quiet.
func (w *Workspace) writeEntry(ctx context.Context, path string, prev *frontmatter.Doc, md *model.FileMetadata, body string) error {
	md.Touch()
	content, err := frontmatter.Render(prev, md, body, w.format, path)
	if err != nil {
		return err
	}
	w.fs.MarkSyncWriteStart(path)
	err = w.fs.WriteFile(ctx, path, []byte(content))
	w.fs.MarkSyncWriteEnd(path)
	if err != nil {
		return err
	}
	if err := w.doc.Set(path, *md); err != nil {
		return err
	}
	if w.sync != nil {
		w.sync.TrackMetadata(path, md)
		w.sync.TrackContent(path, body)
	}
	return nil
}

// SaveEntry writes body for an existing entry, keeping its frontmatter,
// and propagates the body into its CRDT document.
func (w *Workspace) SaveEntry(ctx context.Context, path, body string) error {
	path = link.Normalize(path)
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, path)
	w.ensureFileID(&md)
	if err := w.writeEntry(ctx, path, doc, &md, body); err != nil {
		return err
	}
	if w.sync != nil {
		if err := w.sync.EmitBodyUpdate(crdt.BodyDocName(path), body); err != nil {
			return err
		}
	} else if bodyDoc, err := w.bodies.Get(path); err == nil {
		if err := bodyDoc.SetBody(body); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) ensureFileID(md *model.FileMetadata) {
	if md.FileID == "" {
		md.FileID = uuid.NewString()
	}
}

// emitWorkspaceUpdate raises the single outbound sync frame a completed
// operation owes, no matter how many files it rewrote.
func (w *Workspace) emitWorkspaceUpdate() {
	if w.sync != nil {
		w.sync.EmitWorkspaceUpdate()
	}
}

// --- index helpers ---

// IsIndexFile reports whether path carries a contents key.
func (w *Workspace) IsIndexFile(ctx context.Context, path string) bool {
	doc, err := w.readDoc(ctx, link.Normalize(path))
	if err != nil {
		return false
	}
	_, has := doc.Get("contents")
	return has
}

// FindAnyIndexInDir returns the first markdown file in dir whose
// frontmatter carries a contents key, or "" when none does. Treating any
// such file as the directory index is what lets preexisting naming
// conventions coexist.
func (w *Workspace) FindAnyIndexInDir(ctx context.Context, dir string) (string, error) {
	entries, err := w.fs.ReadDir(ctx, dir)
	if err != nil {
		if vfs.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir && strings.HasSuffix(e.Name, ".md") {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		p := link.Join(dir, name)
		if w.IsIndexFile(ctx, p) {
			return p, nil
		}
	}
	return "", nil
}

// FindRootIndexInDir returns the index in dir that has no part_of.
func (w *Workspace) FindRootIndexInDir(ctx context.Context, dir string) (string, error) {
	entries, err := w.fs.ReadDir(ctx, dir)
	if err != nil {
		if vfs.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir && strings.HasSuffix(e.Name, ".md") {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		p := link.Join(dir, name)
		doc, err := w.readDoc(ctx, p)
		if err != nil {
			continue
		}
		if _, isIndex := doc.Get("contents"); !isIndex {
			continue
		}
		if _, hasParent := doc.Get("part_of"); !hasParent {
			return p, nil
		}
	}
	return "", nil
}

// addToIndexContents appends childCanonical to the index's contents if
// not already listed. Converts a leaf to an index if needed.
func (w *Workspace) addToIndexContents(ctx context.Context, indexPath, childCanonical string) error {
	doc, err := w.readDoc(ctx, indexPath)
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, indexPath)
	w.ensureFileID(&md)
	var contents []string
	if md.Contents != nil {
		contents = *md.Contents
	}
	for _, c := range contents {
		if c == childCanonical {
			return nil
		}
	}
	contents = append(contents, childCanonical)
	md.Contents = &contents
	return w.writeEntry(ctx, indexPath, doc, &md, doc.Body)
}

// removeFromIndexContents drops childCanonical from the index's
// contents. Missing entries are tolerated.
func (w *Workspace) removeFromIndexContents(ctx context.Context, indexPath, childCanonical string) error {
	doc, err := w.readDoc(ctx, indexPath)
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, indexPath)
	if md.Contents == nil {
		return nil
	}
	kept := make([]string, 0, len(*md.Contents))
	removed := false
	for _, c := range *md.Contents {
		if c == childCanonical {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	if !removed {
		return nil
	}
	md.Contents = &kept
	w.ensureFileID(&md)
	return w.writeEntry(ctx, indexPath, doc, &md, doc.Body)
}

// setPartOf rewrites an entry's part_of. parent == "" clears it.
func (w *Workspace) setPartOf(ctx context.Context, path, parent string) error {
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, path)
	w.ensureFileID(&md)
	if parent == "" {
		md.PartOf = nil
	} else {
		md.PartOf = &parent
	}
	return w.writeEntry(ctx, path, doc, &md, doc.Body)
}

// --- operations ---

// Attach links entry under parent, converting the parent to an index if
// it is a leaf and moving the entry file into the parent's directory.
// Returns the entry's path after any moves.
func (w *Workspace) Attach(ctx context.Context, entryPath, parentPath string) (string, error) {
	entryPath = link.Normalize(entryPath)
	parentPath = link.Normalize(parentPath)
	if exists, err := w.fs.Exists(ctx, entryPath); err != nil || !exists {
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, entryPath)
	}
	if exists, err := w.fs.Exists(ctx, parentPath); err != nil || !exists {
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, parentPath)
	}

	effectiveParent := parentPath
	if !w.IsIndexFile(ctx, parentPath) {
		converted, err := w.convertToIndexInner(ctx, parentPath)
		if err != nil {
			return "", err
		}
		effectiveParent = converted
	}

	parentDir := link.Dir(effectiveParent)
	newEntryPath := link.Join(parentDir, link.Base(entryPath))
	if entryPath != newEntryPath {
		if err := w.moveInner(ctx, entryPath, newEntryPath); err != nil {
			return "", err
		}
	}

	if err := w.addToIndexContents(ctx, effectiveParent, newEntryPath); err != nil {
		return "", err
	}
	if err := w.setPartOf(ctx, newEntryPath, effectiveParent); err != nil {
		return "", err
	}
	w.emitWorkspaceUpdate()
	w.logger.Info("entry attached", "entry", newEntryPath, "parent", effectiveParent)
	return newEntryPath, nil
}

// Move relocates an entry, maintaining both old and new parent indexes.
func (w *Workspace) Move(ctx context.Context, fromPath, toPath string) error {
	fromPath = link.Normalize(fromPath)
	toPath = link.Normalize(toPath)
	if fromPath == toPath {
		return nil
	}
	if exists, err := w.fs.Exists(ctx, toPath); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: destination %s exists", ErrInvalidPath, toPath)
	}
	if err := w.moveInner(ctx, fromPath, toPath); err != nil {
		return err
	}
	w.emitWorkspaceUpdate()
	return nil
}

// moveInner is Move without the final sync emission, shared by compound
// operations that must emit exactly once.
func (w *Workspace) moveInner(ctx context.Context, fromPath, toPath string) error {
	if err := w.moveOnDisk(ctx, fromPath, toPath); err != nil {
		return err
	}

	oldDir := link.Dir(fromPath)
	if oldIndex, err := w.FindAnyIndexInDir(ctx, oldDir); err == nil && oldIndex != "" {
		if err := w.removeFromIndexContents(ctx, oldIndex, fromPath); err != nil {
			w.logger.Warn("failed removing moved entry from old index", "index", oldIndex, "error", err)
		}
	}
	newDir := link.Dir(toPath)
	if newIndex, err := w.FindAnyIndexInDir(ctx, newDir); err == nil && newIndex != "" && newIndex != toPath {
		if err := w.addToIndexContents(ctx, newIndex, toPath); err != nil {
			return err
		}
		if err := w.setPartOf(ctx, toPath, newIndex); err != nil {
			return err
		}
	}
	return nil
}

// moveOnDisk renames the file with markers and migrates the CRDT entry
// and the body document to the new canonical path.
func (w *Workspace) moveOnDisk(ctx context.Context, fromPath, toPath string) error {
	w.fs.MarkSyncWriteStart(fromPath)
	w.fs.MarkSyncWriteStart(toPath)
	err := w.fs.Rename(ctx, fromPath, toPath)
	w.fs.MarkSyncWriteEnd(fromPath)
	w.fs.MarkSyncWriteEnd(toPath)
	if err != nil {
		if vfs.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, fromPath)
		}
		return err
	}

	if md, ok := w.doc.Get(fromPath); ok {
		moved := md.Clone()
		moved.Filename = link.Base(toPath)
		w.ensureFileID(&moved)
		moved.Deleted = false
		if err := w.doc.Set(toPath, moved); err != nil {
			return err
		}
		if err := w.doc.Delete(fromPath); err != nil {
			return err
		}
	}
	if err := w.bodies.Rename(fromPath, toPath); err != nil {
		w.logger.Warn("body doc rename failed", "from", fromPath, "to", toPath, "error", err)
	}
	return nil
}

// Delete removes an entry: refuse a populated index, unlink from the
// parent index, tombstone the CRDT entry, and delete the disk file.
func (w *Workspace) Delete(ctx context.Context, path string) error {
	path = link.Normalize(path)
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, path)
	if md.Contents != nil && len(*md.Contents) > 0 {
		return fmt.Errorf("%w: cannot delete index with %d children", ErrInvalidPath, len(*md.Contents))
	}

	if parentIndex, err := w.FindAnyIndexInDir(ctx, link.Dir(path)); err == nil && parentIndex != "" && parentIndex != path {
		if err := w.removeFromIndexContents(ctx, parentIndex, path); err != nil {
			w.logger.Warn("failed removing deleted entry from index", "index", parentIndex, "error", err)
		}
	}

	w.fs.MarkSyncWriteStart(path)
	err = w.fs.Remove(ctx, path)
	w.fs.MarkSyncWriteEnd(path)
	if err != nil && !vfs.IsNotExist(err) {
		return err
	}
	if _, ok := w.doc.Get(path); ok {
		if err := w.doc.Delete(path); err != nil {
			return err
		}
	} else {
		// The file never entered the CRDT (fresh workspace); record the
		// tombstone directly so peers learn about the deletion.
		md.Deleted = true
		md.Touch()
		w.ensureFileID(&md)
		if err := w.doc.Set(path, md); err != nil {
			return err
		}
	}
	w.emitWorkspaceUpdate()
	w.logger.Info("entry deleted", "path", path)
	return nil
}

// Rename changes an entry's filename. Renaming an index also renames its
// directory, carries every sibling along, and rewrites each child's
// part_of. Returns the new canonical path.
func (w *Workspace) Rename(ctx context.Context, path, newFilename string) (string, error) {
	path = link.Normalize(path)
	if !strings.HasSuffix(newFilename, ".md") {
		newFilename += ".md"
	}
	if strings.ContainsRune(newFilename, '/') {
		return "", fmt.Errorf("%w: filename %q contains a separator", ErrInvalidPath, newFilename)
	}

	if w.IsIndexFile(ctx, path) {
		return w.renameIndex(ctx, path, newFilename)
	}
	return w.renameLeaf(ctx, path, newFilename)
}

func (w *Workspace) renameLeaf(ctx context.Context, path, newFilename string) (string, error) {
	newPath := link.Join(link.Dir(path), newFilename)
	if newPath == path {
		return path, nil
	}
	if exists, err := w.fs.Exists(ctx, newPath); err != nil {
		return "", err
	} else if exists {
		return "", fmt.Errorf("%w: %s exists", ErrInvalidPath, newPath)
	}
	if err := w.moveOnDisk(ctx, path, newPath); err != nil {
		return "", err
	}
	if parentIndex, err := w.FindAnyIndexInDir(ctx, link.Dir(path)); err == nil && parentIndex != "" {
		if err := w.removeFromIndexContents(ctx, parentIndex, path); err == nil {
			if err := w.addToIndexContents(ctx, parentIndex, newPath); err != nil {
				return "", err
			}
		}
	}
	w.emitWorkspaceUpdate()
	return newPath, nil
}

// renameIndex renames dir/old.md to newdir/new.md where newdir is the
// directory renamed to the new stem, then repoints every child.
func (w *Workspace) renameIndex(ctx context.Context, path, newFilename string) (string, error) {
	oldDir := link.Dir(path)
	grandDir := link.Dir(oldDir)
	newStem := link.Stem(newFilename)
	newDir := link.Join(grandDir, newStem)
	newPath := link.Join(newDir, newFilename)
	if newPath == path {
		return path, nil
	}
	if oldDir == "" {
		// A root-level index file without its own directory renames in
		// place, like a leaf.
		return w.renameLeaf(ctx, path, newFilename)
	}
	if exists, err := w.fs.Exists(ctx, newDir); err != nil {
		return "", err
	} else if exists {
		return "", fmt.Errorf("%w: %s exists", ErrInvalidPath, newDir)
	}

	// List siblings before the directory moves.
	siblings, err := w.fs.ReadDir(ctx, oldDir)
	if err != nil {
		return "", err
	}

	w.fs.MarkSyncWriteStart(oldDir)
	w.fs.MarkSyncWriteStart(newDir)
	err = w.fs.Rename(ctx, oldDir, newDir)
	w.fs.MarkSyncWriteEnd(oldDir)
	w.fs.MarkSyncWriteEnd(newDir)
	if err != nil {
		return "", err
	}

	// The index file itself still carries the old stem inside the new
	// directory; rename it to match.
	movedIndex := link.Join(newDir, link.Base(path))
	if movedIndex != newPath {
		w.fs.MarkSyncWriteStart(movedIndex)
		w.fs.MarkSyncWriteStart(newPath)
		err = w.fs.Rename(ctx, movedIndex, newPath)
		w.fs.MarkSyncWriteEnd(movedIndex)
		w.fs.MarkSyncWriteEnd(newPath)
		if err != nil {
			return "", err
		}
	}

	// Migrate CRDT entries and body docs for the index and every sibling.
	w.migrateEntryTo(path, newPath)
	for _, e := range siblings {
		if e.IsDir || e.Name == link.Base(path) {
			continue
		}
		oldChild := link.Join(oldDir, e.Name)
		newChild := link.Join(newDir, e.Name)
		w.migrateEntryTo(oldChild, newChild)
	}

	// Rewrite contents of the renamed index (children stay in place, so
	// relative names survive; canonical names must be rewritten).
	indexDoc, err := w.readDoc(ctx, newPath)
	if err != nil {
		return "", err
	}
	indexMD := frontmatter.ToMetadata(indexDoc, newPath)
	w.ensureFileID(&indexMD)
	if indexMD.Contents != nil {
		// Relative links already resolve into the renamed directory;
		// canonical links still carry the old prefix and are rewritten.
		rewritten := make([]string, 0, len(*indexMD.Contents))
		for _, c := range *indexMD.Contents {
			if strings.HasPrefix(c, oldDir+"/") {
				c = link.Join(newDir, strings.TrimPrefix(c, oldDir+"/"))
			}
			rewritten = append(rewritten, c)
		}
		indexMD.Contents = &rewritten
	}
	if err := w.writeEntry(ctx, newPath, indexDoc, &indexMD, indexDoc.Body); err != nil {
		return "", err
	}

	// Repoint every child's part_of at the renamed index.
	if indexMD.Contents != nil {
		for _, child := range *indexMD.Contents {
			if err := w.setPartOf(ctx, child, newPath); err != nil {
				w.logger.Warn("failed repointing child part_of", "child", child, "error", err)
			}
		}
	}

	// Update the grandparent index.
	if grandIndex, err := w.FindAnyIndexInDir(ctx, grandDir); err == nil && grandIndex != "" {
		if err := w.removeFromIndexContents(ctx, grandIndex, path); err == nil {
			if err := w.addToIndexContents(ctx, grandIndex, newPath); err != nil {
				return "", err
			}
		}
	}
	w.emitWorkspaceUpdate()
	w.logger.Info("index renamed", "old", path, "new", newPath)
	return newPath, nil
}

// migrateEntryTo re-keys the CRDT entry and body doc for a file carried
// along by a directory rename.
func (w *Workspace) migrateEntryTo(oldPath, newPath string) {
	if md, ok := w.doc.Get(oldPath); ok {
		moved := md.Clone()
		moved.Filename = link.Base(newPath)
		moved.Deleted = false
		w.ensureFileID(&moved)
		if err := w.doc.Set(newPath, moved); err != nil {
			w.logger.Warn("crdt migrate failed", "path", newPath, "error", err)
		}
		if err := w.doc.Delete(oldPath); err != nil {
			w.logger.Warn("crdt tombstone failed", "path", oldPath, "error", err)
		}
	}
	if err := w.bodies.Rename(oldPath, newPath); err != nil {
		w.logger.Warn("body doc rename failed", "from", oldPath, "to", newPath, "error", err)
	}
}

// ConvertToIndex turns a leaf into an index: the file moves into a new
// directory named after its stem and gains an empty contents list.
// Returns the new path.
func (w *Workspace) ConvertToIndex(ctx context.Context, path string) (string, error) {
	path = link.Normalize(path)
	if w.IsIndexFile(ctx, path) {
		return "", fmt.Errorf("%w: %s is already an index", ErrInvalidPath, path)
	}
	newPath, err := w.convertToIndexInner(ctx, path)
	if err != nil {
		return "", err
	}
	w.emitWorkspaceUpdate()
	return newPath, nil
}

func (w *Workspace) convertToIndexInner(ctx context.Context, path string) (string, error) {
	parentDir := link.Dir(path)
	stem := link.Stem(path)
	newDir := link.Join(parentDir, stem)
	newPath := link.Join(newDir, stem+".md")

	if err := w.fs.MkdirAll(ctx, newDir); err != nil {
		return "", err
	}
	if err := w.moveOnDisk(ctx, path, newPath); err != nil {
		return "", err
	}

	doc, err := w.readDoc(ctx, newPath)
	if err != nil {
		return "", err
	}
	md := frontmatter.ToMetadata(doc, newPath)
	w.ensureFileID(&md)
	empty := []string{}
	md.Contents = &empty
	if err := w.writeEntry(ctx, newPath, doc, &md, doc.Body); err != nil {
		return "", err
	}

	if parentIndex, err := w.FindAnyIndexInDir(ctx, parentDir); err == nil && parentIndex != "" {
		if err := w.removeFromIndexContents(ctx, parentIndex, path); err != nil {
			w.logger.Warn("failed removing converted entry from index", "index", parentIndex, "error", err)
		}
		if err := w.addToIndexContents(ctx, parentIndex, newPath); err != nil {
			return "", err
		}
		if err := w.setPartOf(ctx, newPath, parentIndex); err != nil {
			return "", err
		}
	}
	return newPath, nil
}

// ConvertToLeaf reverses ConvertToIndex for an empty index: dir/stem.md
// moves back to parent/dir.md and the directory is removed. Returns the
// new path.
func (w *Workspace) ConvertToLeaf(ctx context.Context, path string) (string, error) {
	path = link.Normalize(path)
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return "", err
	}
	md := frontmatter.ToMetadata(doc, path)
	if md.Contents == nil {
		return "", fmt.Errorf("%w: %s is not an index", ErrInvalidPath, path)
	}
	if len(*md.Contents) > 0 {
		return "", fmt.Errorf("%w: cannot convert index with %d children to leaf", ErrInvalidPath, len(*md.Contents))
	}

	curDir := link.Dir(path)
	if curDir == "" {
		return "", fmt.Errorf("%w: %s has no containing directory", ErrInvalidPath, path)
	}
	grandDir := link.Dir(curDir)
	dirName := link.Base(curDir)
	newPath := link.Join(grandDir, dirName+".md")
	if exists, err := w.fs.Exists(ctx, newPath); err != nil {
		return "", err
	} else if exists {
		return "", fmt.Errorf("%w: %s exists", ErrInvalidPath, newPath)
	}

	if err := w.moveOnDisk(ctx, path, newPath); err != nil {
		return "", err
	}
	if err := w.fs.RemoveAll(ctx, curDir); err != nil {
		w.logger.Warn("failed removing empty index directory", "dir", curDir, "error", err)
	}

	newDoc, err := w.readDoc(ctx, newPath)
	if err != nil {
		return "", err
	}
	newMD := frontmatter.ToMetadata(newDoc, newPath)
	w.ensureFileID(&newMD)
	newMD.Contents = nil
	if err := w.writeEntry(ctx, newPath, newDoc, &newMD, newDoc.Body); err != nil {
		return "", err
	}

	if grandIndex, err := w.FindAnyIndexInDir(ctx, grandDir); err == nil && grandIndex != "" {
		if err := w.removeFromIndexContents(ctx, grandIndex, path); err != nil {
			w.logger.Warn("failed removing old index path", "index", grandIndex, "error", err)
		}
		if err := w.addToIndexContents(ctx, grandIndex, newPath); err != nil {
			return "", err
		}
		if err := w.setPartOf(ctx, newPath, grandIndex); err != nil {
			return "", err
		}
	}
	w.emitWorkspaceUpdate()
	return newPath, nil
}

// GenerateUniqueChildName returns a filename like new-entry.md,
// new-entry-1.md, … that does not collide in dir.
func (w *Workspace) GenerateUniqueChildName(ctx context.Context, dir string) string {
	base := "new-entry"
	for i := 0; ; i++ {
		name := base + ".md"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.md", base, i)
		}
		exists, err := w.fs.Exists(ctx, link.Join(dir, name))
		if err == nil && !exists {
			return name
		}
		if err != nil {
			return name
		}
	}
}

// CreateChild creates a new entry under parent, converting the parent to
// an index if needed. Returns the new entry's path.
func (w *Workspace) CreateChild(ctx context.Context, parentPath string) (string, error) {
	parentPath = link.Normalize(parentPath)
	effectiveParent := parentPath
	if !w.IsIndexFile(ctx, parentPath) {
		converted, err := w.convertToIndexInner(ctx, parentPath)
		if err != nil {
			return "", err
		}
		effectiveParent = converted
	}
	parentDir := link.Dir(effectiveParent)
	name := w.GenerateUniqueChildName(ctx, parentDir)
	childPath := link.Join(parentDir, name)

	title := "New Entry"
	md := model.FileMetadata{
		FileID:   uuid.NewString(),
		Filename: name,
		Title:    &title,
		PartOf:   &effectiveParent,
	}
	body := "\n# " + title + "\n"
	if err := w.writeEntry(ctx, childPath, nil, &md, body); err != nil {
		return "", err
	}
	if err := w.addToIndexContents(ctx, effectiveParent, childPath); err != nil {
		return "", err
	}
	w.emitWorkspaceUpdate()
	w.logger.Info("child entry created", "path", childPath, "parent", effectiveParent)
	return childPath, nil
}

// Duplicate copies an entry under a derived name and links the copy into
// the same parent index. Returns the copy's path.
func (w *Workspace) Duplicate(ctx context.Context, path string) (string, error) {
	path = link.Normalize(path)
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return "", err
	}
	md := frontmatter.ToMetadata(doc, path)

	dir := link.Dir(path)
	stem := link.Stem(path)
	copyPath := ""
	for i := 1; ; i++ {
		candidate := link.Join(dir, fmt.Sprintf("%s-copy-%d.md", stem, i))
		if i == 1 {
			candidate = link.Join(dir, stem+"-copy.md")
		}
		exists, err := w.fs.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			copyPath = candidate
			break
		}
	}

	copyMD := md.Clone()
	copyMD.FileID = uuid.NewString()
	copyMD.Filename = link.Base(copyPath)
	copyMD.Contents = nil // a duplicate never inherits children
	if err := w.writeEntry(ctx, copyPath, doc, &copyMD, doc.Body); err != nil {
		return "", err
	}

	if copyMD.PartOf != nil {
		if err := w.addToIndexContents(ctx, *copyMD.PartOf, copyPath); err != nil {
			w.logger.Warn("failed linking duplicate into parent", "parent", *copyMD.PartOf, "error", err)
		}
	} else if parentIndex, err := w.FindAnyIndexInDir(ctx, dir); err == nil && parentIndex != "" && parentIndex != copyPath {
		if err := w.addToIndexContents(ctx, parentIndex, copyPath); err != nil {
			w.logger.Warn("failed linking duplicate into index", "index", parentIndex, "error", err)
		}
	}
	w.emitWorkspaceUpdate()
	return copyPath, nil
}
