// Package syncer joins CRDT authority with disk authority: the
// SyncHandler reconciles remote metadata and body changes onto the
// filesystem, and the SyncManager dispatches wire frames to the right
// document, detects echoes of local writes, and raises outbound frames.
package syncer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// GuestConfig isolates a guest session under its own path prefix. Guest
// storage paths live under guest/<join code>/ while canonical paths in
// the CRDT stay unprefixed.
type GuestConfig struct {
	JoinCode string
	UsesOPFS bool
}

// MetadataChange pairs a canonical path with the metadata the CRDT now
// holds for it.
type MetadataChange struct {
	Path     string
	Metadata model.FileMetadata
}

// SyncHandler writes merged CRDT + disk state back to the filesystem.
// Every write is bracketed with sync-write markers so the write-through
// hook does not feed the change back into the CRDT.
type SyncHandler struct {
	fs     vfs.FileSystem
	bodies *crdt.BodyDocManager
	format link.Format
	logger *slog.Logger

	mu      sync.RWMutex
	guest   *GuestConfig
	emitter events.Emitter
}

// NewSyncHandler creates a handler writing through fs, formatting links
// per format.
func NewSyncHandler(fs vfs.FileSystem, bodies *crdt.BodyDocManager, format link.Format, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{fs: fs, bodies: bodies, format: format, logger: logger}
}

// Subscribe registers an observer for reconciliation events.
func (h *SyncHandler) Subscribe(o events.Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitter.Subscribe(o)
}

// ConfigureGuest sets or clears guest isolation.
func (h *SyncHandler) ConfigureGuest(cfg *GuestConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guest = cfg
}

// IsGuest reports whether guest isolation is active.
func (h *SyncHandler) IsGuest() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.guest != nil
}

// StoragePath converts a canonical path to the path used on the backing
// filesystem. Host mode is the identity; guest mode prefixes.
func (h *SyncHandler) StoragePath(canonical string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.guest != nil && h.guest.UsesOPFS {
		return "guest/" + h.guest.JoinCode + "/" + canonical
	}
	return canonical
}

// CanonicalPath inverts StoragePath.
func (h *SyncHandler) CanonicalPath(storagePath string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.guest != nil && h.guest.UsesOPFS {
		prefix := "guest/" + h.guest.JoinCode + "/"
		if len(storagePath) > len(prefix) && storagePath[:len(prefix)] == prefix {
			return storagePath[len(prefix):]
		}
	}
	return storagePath
}

func (h *SyncHandler) emit(ev *events.Event) {
	h.mu.RLock()
	emitter := h.emitter
	h.mu.RUnlock()
	emitter.Emit(ev)
}

// HandleRemoteMetadataUpdate reconciles a batch of changed entries and
// detected renames from a remote workspace update onto disk. Renames are
// processed first so content moves instead of being rewritten; the
// remaining changes create, delete, or rewrite files per the merge rule.
func (h *SyncHandler) HandleRemoteMetadataUpdate(ctx context.Context, changes []MetadataChange, renames []crdt.Rename) error {
	renamedOld := make(map[string]bool)
	for _, rn := range renames {
		done, err := h.applyRename(ctx, rn, changes)
		if err != nil {
			return err
		}
		if done {
			renamedOld[rn.Old] = true
		}
	}

	for _, change := range changes {
		if renamedOld[change.Path] {
			continue
		}
		if isRenameTarget(change.Path, renames, renamedOld) {
			continue
		}
		if err := h.applyChange(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

func isRenameTarget(path string, renames []crdt.Rename, done map[string]bool) bool {
	for _, rn := range renames {
		if rn.New == path && done[rn.Old] {
			return true
		}
	}
	return false
}

// applyRename moves the file on disk per the four-way existence matrix.
// It reports whether the rename was handled; a rename with neither side
// on disk falls through to the normal create path.
func (h *SyncHandler) applyRename(ctx context.Context, rn crdt.Rename, changes []MetadataChange) (bool, error) {
	oldStorage := h.StoragePath(rn.Old)
	newStorage := h.StoragePath(rn.New)

	oldExists, err := h.fs.Exists(ctx, oldStorage)
	if err != nil {
		return false, err
	}
	newExists, err := h.fs.Exists(ctx, newStorage)
	if err != nil {
		return false, err
	}

	var md *model.FileMetadata
	for i := range changes {
		if changes[i].Path == rn.New {
			md = &changes[i].Metadata
			break
		}
	}

	switch {
	case oldExists && !newExists:
		h.fs.MarkSyncWriteStart(oldStorage)
		h.fs.MarkSyncWriteStart(newStorage)
		defer h.fs.MarkSyncWriteEnd(oldStorage)
		defer h.fs.MarkSyncWriteEnd(newStorage)
		if dir := link.Dir(newStorage); dir != "" {
			if err := h.fs.MkdirAll(ctx, dir); err != nil {
				return false, err
			}
		}
		if err := h.fs.Rename(ctx, oldStorage, newStorage); err != nil {
			return false, err
		}
	case !oldExists && newExists:
		// Another device already performed the move; only the metadata
		// write-through below is still needed.
	case oldExists && newExists:
		h.fs.MarkSyncWriteStart(oldStorage)
		defer h.fs.MarkSyncWriteEnd(oldStorage)
		if err := h.fs.Remove(ctx, oldStorage); err != nil {
			return false, err
		}
	default:
		return false, nil
	}

	if md != nil {
		if err := h.overwriteFrontmatter(ctx, rn.New, md); err != nil {
			return false, err
		}
	}
	h.emit(&events.Event{Kind: events.FileRenamed, OldPath: rn.Old, Path: rn.New})
	h.logger.Debug("rename reconciled", "old", rn.Old, "new", rn.New)
	return true, nil
}

// overwriteFrontmatter rewrites a file's frontmatter with merged
// metadata while preserving its existing body.
func (h *SyncHandler) overwriteFrontmatter(ctx context.Context, canonical string, md *model.FileMetadata) error {
	storagePath := h.StoragePath(canonical)
	var prev *frontmatter.Doc
	body := ""
	if raw, err := h.fs.ReadFile(ctx, storagePath); err == nil {
		if doc, err := frontmatter.ParseOrEmpty(string(raw)); err == nil {
			prev = doc
			body = doc.Body
		}
	}
	diskMD := diskMetadata(prev, canonical)
	merged := MergeMetadata(md, diskMD)
	content, err := frontmatter.Render(prev, &merged, body, h.format, canonical)
	if err != nil {
		return err
	}
	return h.writeMarked(ctx, storagePath, content)
}

func diskMetadata(doc *frontmatter.Doc, canonical string) *model.FileMetadata {
	if doc == nil || len(doc.Fields) == 0 {
		return nil
	}
	md := frontmatter.ToMetadata(doc, canonical)
	return &md
}

func (h *SyncHandler) writeMarked(ctx context.Context, storagePath, content string) error {
	h.fs.MarkSyncWriteStart(storagePath)
	defer h.fs.MarkSyncWriteEnd(storagePath)
	return h.fs.WriteFile(ctx, storagePath, []byte(content))
}

// applyChange reconciles one non-rename entry change.
func (h *SyncHandler) applyChange(ctx context.Context, change MetadataChange) error {
	storagePath := h.StoragePath(change.Path)

	if change.Metadata.Deleted {
		exists, err := h.fs.Exists(ctx, storagePath)
		if err != nil {
			return err
		}
		if exists {
			h.fs.MarkSyncWriteStart(storagePath)
			err = h.fs.Remove(ctx, storagePath)
			h.fs.MarkSyncWriteEnd(storagePath)
			if err != nil {
				return err
			}
		}
		// Emitted even when the file was already gone: another peer may
		// have removed it and the UI still needs to hear about it.
		h.emit(&events.Event{Kind: events.FileDeleted, Path: change.Path})
		return nil
	}

	body := ""
	if doc, ok := h.bodies.Peek(change.Path); ok {
		body = doc.GetBody()
	}

	existed, err := h.fs.Exists(ctx, storagePath)
	if err != nil {
		return err
	}
	var prev *frontmatter.Doc
	if existed {
		if raw, err := h.fs.ReadFile(ctx, storagePath); err == nil {
			if doc, err := frontmatter.ParseOrEmpty(string(raw)); err == nil {
				prev = doc
				// During initial sync body docs are not yet populated;
				// an empty CRDT body must not wipe real disk content.
				if body == "" && prev.Body != "" {
					body = prev.Body
				}
			}
		}
	}

	merged := MergeMetadata(&change.Metadata, diskMetadata(prev, change.Path))
	content, err := frontmatter.Render(prev, &merged, body, h.format, change.Path)
	if err != nil {
		return err
	}
	if err := h.writeMarked(ctx, storagePath, content); err != nil {
		return err
	}

	if !existed {
		h.emit(&events.Event{Kind: events.FileCreated, Path: change.Path, Metadata: &merged, Content: body})
	} else {
		h.emit(&events.Event{Kind: events.MetadataChanged, Path: change.Path, Metadata: &merged})
	}
	return nil
}

// HandleRemoteBodyUpdate writes a remotely changed body through to disk,
// keeping the file's current frontmatter (merged with CRDT metadata when
// provided).
func (h *SyncHandler) HandleRemoteBodyUpdate(ctx context.Context, canonical, content string, md *model.FileMetadata) error {
	storagePath := h.StoragePath(canonical)
	var prev *frontmatter.Doc
	if raw, err := h.fs.ReadFile(ctx, storagePath); err == nil {
		if doc, err := frontmatter.ParseOrEmpty(string(raw)); err == nil {
			prev = doc
		}
	}
	merged := model.FileMetadata{Filename: link.Base(canonical)}
	if disk := diskMetadata(prev, canonical); disk != nil {
		merged = *disk
	}
	if md != nil {
		merged = MergeMetadata(md, diskMetadata(prev, canonical))
	}
	rendered, err := frontmatter.Render(prev, &merged, content, h.format, canonical)
	if err != nil {
		return err
	}
	if err := h.writeMarked(ctx, storagePath, rendered); err != nil {
		return err
	}
	h.emit(&events.Event{Kind: events.ContentsChanged, Path: canonical, Content: content})
	return nil
}

// MergeMetadata merges CRDT and disk metadata: the CRDT wins wherever it
// has an opinion, disk fills fields the CRDT left unset. A set-but-empty
// contents or audience is an explicit clear and is never replaced by the
// disk value.
func MergeMetadata(crdtMD, diskMD *model.FileMetadata) model.FileMetadata {
	out := crdtMD.Clone()
	if diskMD == nil {
		return out
	}
	if out.Filename == "" {
		out.Filename = diskMD.Filename
	}
	if out.Title == nil {
		out.Title = diskMD.Title
	}
	if out.PartOf == nil {
		out.PartOf = diskMD.PartOf
	}
	if out.Description == nil {
		out.Description = diskMD.Description
	}
	if out.Contents == nil {
		out.Contents = diskMD.Contents
	}
	if out.Audience == nil {
		out.Audience = diskMD.Audience
	}
	if len(out.Attachments) == 0 {
		out.Attachments = diskMD.Attachments
	}
	if len(out.Extra) == 0 {
		out.Extra = diskMD.Extra
	}
	if out.FileID == "" {
		out.FileID = diskMD.FileID
	}
	return out
}
