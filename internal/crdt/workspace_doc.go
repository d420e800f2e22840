package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/storage"
)

// WorkspaceDocName is the storage document name of the workspace CRDT.
const WorkspaceDocName = "workspace"

// UpdateObserver receives every update applied to a document, local or
// remote, after the document lock is released.
type UpdateObserver func(update []byte, origin storage.Origin)

// FileObserver receives the canonical paths whose entries changed.
type FileObserver func(paths []string)

// Rename pairs the old and new canonical path of a detected rename.
type Rename struct {
	Old string
	New string
}

// WorkspaceDoc is the workspace-scope CRDT: a convergent map of canonical
// path → FileMetadata built from per-field last-writer-wins registers.
// Concurrent edits to different fields of the same entry merge cleanly;
// same-field conflicts resolve deterministically on every replica.
type WorkspaceDoc struct {
	mu      sync.RWMutex
	core    *docCore
	store   storage.Store
	device  *storage.Device
	docName string

	updateObservers []UpdateObserver
	fileObservers   []FileObserver
}

// NewWorkspaceDoc creates an empty workspace document bound to store.
func NewWorkspaceDoc(store storage.Store, device *storage.Device) *WorkspaceDoc {
	deviceID := ""
	if device != nil {
		deviceID = device.ID
	}
	return &WorkspaceDoc{
		core:    newDocCore(deviceID, false),
		store:   store,
		device:  device,
		docName: WorkspaceDocName,
	}
}

// LoadWorkspaceDoc reconstructs the document from its snapshot plus the
// logged updates. Updates that fail to decode are skipped; merge is
// associative over the valid subset.
func LoadWorkspaceDoc(store storage.Store, device *storage.Device) (*WorkspaceDoc, error) {
	d := NewWorkspaceDoc(store, device)
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// DocName returns the storage document name.
func (d *WorkspaceDoc) DocName() string { return d.docName }

// Store returns the backing storage.
func (d *WorkspaceDoc) Store() storage.Store { return d.store }

// ObserveUpdates registers an update observer.
func (d *WorkspaceDoc) ObserveUpdates(cb UpdateObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateObservers = append(d.updateObservers, cb)
}

// ObserveFiles registers a changed-paths observer.
func (d *WorkspaceDoc) ObserveFiles(cb FileObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileObservers = append(d.fileObservers, cb)
}

// Get returns the entry at path, or false when absent.
func (d *WorkspaceDoc) Get(path string) (model.FileMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(path)
}

func (d *WorkspaceDoc) getLocked(path string) (model.FileMetadata, bool) {
	md := model.FileMetadata{}
	found := false
	for _, field := range metadataFields {
		reg, ok := d.core.registers[registerKey(path, field)]
		if !ok || reg.removed {
			continue
		}
		if err := decodeField(&md, field, reg.value); err != nil {
			continue
		}
		found = true
	}
	return md, found
}

// Set writes metadata for path, emitting register ops only for fields
// that actually changed. The incremental update is appended to storage
// with local origin and handed to observers.
func (d *WorkspaceDoc) Set(path string, md model.FileMetadata) error {
	d.mu.Lock()
	old, exists := d.getLocked(path)
	var oldPtr *model.FileMetadata
	if exists {
		oldPtr = &old
	}
	fields := changedFields(oldPtr, &md)
	if len(fields) == 0 {
		d.mu.Unlock()
		return nil
	}
	ops := make([]codec.Op, 0, len(fields))
	for _, field := range fields {
		op := codec.Op{
			Kind:  codec.OpMapSet,
			Clock: d.core.nextClock(1),
			Key:   registerKey(path, field),
			Value: encodeField(&md, field),
		}
		d.core.applyRegister(&op)
		ops = append(ops, op)
	}
	update := codec.EncodeOps(ops)
	d.mu.Unlock()

	return d.commitLocal(update, []string{path})
}

// Delete soft-deletes path: the entry becomes a tombstone that every
// replica converges on. Disk removal is the reconciler's concern.
func (d *WorkspaceDoc) Delete(path string) error {
	d.mu.Lock()
	md, ok := d.getLocked(path)
	if !ok {
		d.mu.Unlock()
		return nil
	}
	if md.Deleted {
		d.mu.Unlock()
		return nil
	}
	md.Deleted = true
	md.Touch()
	ops := make([]codec.Op, 0, 2)
	for _, field := range []string{fieldDeleted, fieldModifiedAt} {
		op := codec.Op{
			Kind:  codec.OpMapSet,
			Clock: d.core.nextClock(1),
			Key:   registerKey(path, field),
			Value: encodeField(&md, field),
		}
		d.core.applyRegister(&op)
		ops = append(ops, op)
	}
	update := codec.EncodeOps(ops)
	d.mu.Unlock()

	return d.commitLocal(update, []string{path})
}

// Remove hard-removes every register of path. Discouraged: a removed
// entry can resurrect if a slower replica still holds writes for it.
// Delete is the convergent way to retire an entry.
func (d *WorkspaceDoc) Remove(path string) error {
	d.mu.Lock()
	var ops []codec.Op
	for _, field := range metadataFields {
		key := registerKey(path, field)
		if _, ok := d.core.registers[key]; !ok {
			continue
		}
		op := codec.Op{Kind: codec.OpMapDel, Clock: d.core.nextClock(1), Key: key}
		d.core.applyRegister(&op)
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		d.mu.Unlock()
		return nil
	}
	update := codec.EncodeOps(ops)
	d.mu.Unlock()

	return d.commitLocal(update, []string{path})
}

// ListAll returns every entry including tombstones, keyed by canonical
// path. The result is a map and carries no order.
func (d *WorkspaceDoc) ListAll() map[string]model.FileMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked()
}

func (d *WorkspaceDoc) listLocked() map[string]model.FileMetadata {
	paths := make(map[string]bool)
	for key, reg := range d.core.registers {
		if reg.removed {
			continue
		}
		if path, _, ok := splitRegisterKey(key); ok {
			paths[path] = true
		}
	}
	out := make(map[string]model.FileMetadata, len(paths))
	for path := range paths {
		if md, ok := d.getLocked(path); ok {
			out[path] = md
		}
	}
	return out
}

// ListActive returns live entries (tombstones filtered), keyed by
// canonical path. The result is a map and carries no order.
func (d *WorkspaceDoc) ListActive() map[string]model.FileMetadata {
	all := d.ListAll()
	for path, md := range all {
		if md.Deleted {
			delete(all, path)
		}
	}
	return all
}

// Paths returns sorted canonical paths of live entries.
func (d *WorkspaceDoc) Paths() []string {
	active := d.ListActive()
	paths := make([]string, 0, len(active))
	for p := range active {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// EncodeStateVector returns the replica's state vector.
func (d *WorkspaceDoc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.core.encodeStateVector()
}

// EncodeStateAsUpdate returns the full state as one update blob.
func (d *WorkspaceDoc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.core.encodeState()
}

// EncodeDiff returns the ops a replica holding remoteSV is missing.
func (d *WorkspaceDoc) EncodeDiff(remoteSV []byte) ([]byte, error) {
	sv, err := codec.DecodeStateVector(remoteSV)
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrBadUpdate, err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return codec.EncodeOps(d.core.diffOps(sv)), nil
}

// ApplyUpdate decodes and applies update bytes, appends them to storage
// with the given origin, and returns the assigned log id.
func (d *WorkspaceDoc) ApplyUpdate(update []byte, origin storage.Origin) (int64, error) {
	id, _, _, err := d.ApplyUpdateTrackingChanges(update, origin)
	return id, err
}

// ApplyUpdateTrackingChanges applies update bytes and reports which paths
// changed and which (old, new) pairs form renames. A rename is a tombstone
// appearing at one path while an entry with the same stable file id
// appears, or resurfaces, at another path within the same update.
func (d *WorkspaceDoc) ApplyUpdateTrackingChanges(update []byte, origin storage.Origin) (int64, []string, []Rename, error) {
	ops, err := codec.DecodeOps(update)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}

	d.mu.Lock()
	touched := make(map[string]bool)
	for i := range ops {
		if path, _, ok := splitRegisterKey(ops[i].Key); ok {
			touched[path] = true
		}
	}
	before := make(map[string]model.FileMetadata, len(touched))
	beforeExists := make(map[string]bool, len(touched))
	for path := range touched {
		md, ok := d.getLocked(path)
		before[path] = md
		beforeExists[path] = ok
	}

	changedKeys := d.core.apply(ops)

	changedPaths := make(map[string]bool)
	for _, key := range changedKeys {
		if path, _, ok := splitRegisterKey(key); ok {
			changedPaths[path] = true
		}
	}
	var renames []Rename
	var deadIDs []struct{ path, fileID string }
	var bornIDs []struct{ path, fileID string }
	for path := range changedPaths {
		after, ok := d.getLocked(path)
		if !ok {
			continue
		}
		wasDeleted := beforeExists[path] && before[path].Deleted
		if after.Deleted && !wasDeleted && after.FileID != "" {
			deadIDs = append(deadIDs, struct{ path, fileID string }{path, after.FileID})
		}
		isNew := !beforeExists[path]
		resurfaced := wasDeleted && !after.Deleted
		if (isNew || resurfaced) && !after.Deleted && after.FileID != "" {
			bornIDs = append(bornIDs, struct{ path, fileID string }{path, after.FileID})
		}
	}
	for _, dead := range deadIDs {
		for _, born := range bornIDs {
			if dead.fileID == born.fileID && dead.path != born.path {
				renames = append(renames, Rename{Old: dead.path, New: born.path})
			}
		}
	}
	d.mu.Unlock()

	paths := make([]string, 0, len(changedPaths))
	for p := range changedPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	id, err := d.append(update, origin)
	if err != nil {
		return 0, paths, renames, err
	}
	d.notify(update, origin, paths)
	return id, paths, renames, nil
}

// commitLocal appends a locally produced update and fires observers.
func (d *WorkspaceDoc) commitLocal(update []byte, paths []string) error {
	if _, err := d.append(update, storage.OriginLocal); err != nil {
		return err
	}
	d.notify(update, storage.OriginLocal, paths)
	return nil
}

func (d *WorkspaceDoc) append(update []byte, origin storage.Origin) (int64, error) {
	id, err := d.store.AppendUpdate(d.docName, update, origin, d.device)
	if err != nil {
		return 0, fmt.Errorf("append workspace update: %w", err)
	}
	return id, nil
}

func (d *WorkspaceDoc) notify(update []byte, origin storage.Origin, paths []string) {
	d.mu.RLock()
	updateObs := append([]UpdateObserver(nil), d.updateObservers...)
	fileObs := append([]FileObserver(nil), d.fileObservers...)
	d.mu.RUnlock()
	for _, cb := range updateObs {
		cb(update, origin)
	}
	if len(paths) > 0 {
		for _, cb := range fileObs {
			cb(paths)
		}
	}
}

// Save writes the current full state as the document snapshot.
func (d *WorkspaceDoc) Save() error {
	state := d.EncodeStateAsUpdate()
	if err := d.store.SaveDoc(d.docName, state); err != nil {
		return fmt.Errorf("save workspace doc: %w", err)
	}
	return nil
}

// Reload rebuilds the replica from the snapshot and the update log,
// discarding in-memory state. Undecodable updates are skipped.
func (d *WorkspaceDoc) Reload() error {
	snap, err := d.store.LoadDoc(d.docName)
	if err != nil {
		return err
	}
	updates, err := d.store.GetAllUpdates(d.docName)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.core = newDocCore(d.core.device, false)
	if len(snap) > 0 {
		if ops, err := codec.DecodeOps(snap); err == nil {
			d.core.apply(ops)
		}
	}
	for _, u := range updates {
		ops, err := codec.DecodeOps(u.Data)
		if err != nil {
			continue
		}
		d.core.apply(ops)
	}
	return nil
}

// GetHistory returns the full update log.
func (d *WorkspaceDoc) GetHistory() ([]storage.Update, error) {
	return d.store.GetAllUpdates(d.docName)
}

// GetUpdatesSince returns log entries with id greater than sinceID.
func (d *WorkspaceDoc) GetUpdatesSince(sinceID int64) ([]storage.Update, error) {
	return d.store.GetUpdatesSince(d.docName, sinceID)
}

// GetLatestUpdateID returns the highest assigned log id.
func (d *WorkspaceDoc) GetLatestUpdateID() (int64, error) {
	return d.store.GetLatestUpdateID(d.docName)
}

// MaterializeWorkspaceState decodes an encoded workspace state blob into
// a path → metadata map. Used by history reconstruction and diffing.
func MaterializeWorkspaceState(state []byte) (map[string]model.FileMetadata, error) {
	if len(state) == 0 {
		return map[string]model.FileMetadata{}, nil
	}
	ops, err := codec.DecodeOps(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	core := newDocCore("", false)
	core.apply(ops)

	paths := make(map[string]bool)
	for key, reg := range core.registers {
		if reg.removed {
			continue
		}
		if path, _, ok := splitRegisterKey(key); ok {
			paths[path] = true
		}
	}
	out := make(map[string]model.FileMetadata, len(paths))
	for path := range paths {
		md := model.FileMetadata{}
		found := false
		for _, field := range metadataFields {
			reg, ok := core.registers[registerKey(path, field)]
			if !ok || reg.removed {
				continue
			}
			if err := decodeField(&md, field, reg.value); err != nil {
				continue
			}
			found = true
		}
		if found {
			out[path] = md
		}
	}
	return out, nil
}

// entryFingerprint is a stable content hash of one entry, used by history
// diffing to detect modification without field-by-field comparison.
func entryFingerprint(md *model.FileMetadata) string {
	var b strings.Builder
	for _, field := range metadataFields {
		b.Write(encodeField(md, field))
		b.WriteByte(0)
	}
	return b.String()
}
