package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/storage"
)

// bodyDocPrefix namespaces body documents in storage, keeping them apart
// from the workspace document.
const bodyDocPrefix = "body:"

// BodyDocName returns the storage document name for a file's body CRDT.
func BodyDocName(canonicalPath string) string { return bodyDocPrefix + canonicalPath }

// PathFromBodyDocName inverts BodyDocName; ok is false for other docs.
func PathFromBodyDocName(docName string) (string, bool) {
	if !strings.HasPrefix(docName, bodyDocPrefix) {
		return "", false
	}
	return strings.TrimPrefix(docName, bodyDocPrefix), true
}

// fmKeyPrefix namespaces frontmatter registers within a body document.
const fmKeyPrefix = "fm" + keySep

// BodyDoc is the per-file CRDT: one text sequence holding the markdown
// body and a register map for frontmatter keys. Body edits are always
// expressed as insert/delete ranges, never whole-document replacement;
// SetBody reduces a full-string write to the minimal range edit.
type BodyDoc struct {
	mu      sync.RWMutex
	core    *docCore
	store   storage.Store
	device  *storage.Device
	path    string // canonical path
	docName string

	eventCallback func(*events.Event)
}

// NewBodyDoc creates an empty body document for the file at canonicalPath.
func NewBodyDoc(store storage.Store, device *storage.Device, canonicalPath string) *BodyDoc {
	deviceID := ""
	if device != nil {
		deviceID = device.ID
	}
	return &BodyDoc{
		core:    newDocCore(deviceID, true),
		store:   store,
		device:  device,
		path:    canonicalPath,
		docName: BodyDocName(canonicalPath),
	}
}

// LoadBodyDoc reconstructs the body document from storage.
func LoadBodyDoc(store storage.Store, device *storage.Device, canonicalPath string) (*BodyDoc, error) {
	d := NewBodyDoc(store, device, canonicalPath)
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// DocName returns the storage document name.
func (d *BodyDoc) DocName() string { return d.docName }

// Path returns the canonical path the document belongs to.
func (d *BodyDoc) Path() string { return d.path }

// SetEventCallback wires the document to the core event stream; remote
// body updates are announced as ContentsChanged through it.
func (d *BodyDoc) SetEventCallback(cb func(*events.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventCallback = cb
}

// GetBody returns the visible body text.
func (d *BodyDoc) GetBody() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.core.seq.text()
}

// BodyLen returns the visible rune count.
func (d *BodyDoc) BodyLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.core.seq.visibleLength()
}

// SetBody replaces the body with content using the minimal edit: the
// common prefix and suffix are untouched, the differing middle becomes at
// most one delete and one insert. Equal content emits nothing, which is
// what keeps convergence intact when several replicas write the same
// string.
func (d *BodyDoc) SetBody(content string) error {
	d.mu.Lock()
	current := d.core.seq.text()
	if current == content {
		d.mu.Unlock()
		return nil
	}
	start, deleteCount, insert := diffStrings(current, content)
	var ops []codec.Op
	if deleteCount > 0 {
		ops = append(ops, d.deleteRangeLocked(start, deleteCount))
	}
	if insert != "" {
		ops = append(ops, d.insertAtLocked(start, insert))
	}
	update := codec.EncodeOps(ops)
	d.mu.Unlock()

	return d.commitLocal(update)
}

// InsertAt inserts text before visible rune index. Index past the end
// appends.
func (d *BodyDoc) InsertAt(index int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	op := d.insertAtLocked(index, text)
	update := codec.EncodeOps([]codec.Op{op})
	d.mu.Unlock()
	return d.commitLocal(update)
}

// DeleteRange removes length visible runes starting at index.
func (d *BodyDoc) DeleteRange(index, length int) error {
	if length <= 0 {
		return nil
	}
	d.mu.Lock()
	op := d.deleteRangeLocked(index, length)
	update := codec.EncodeOps([]codec.Op{op})
	d.mu.Unlock()
	return d.commitLocal(update)
}

func (d *BodyDoc) insertAtLocked(index int, text string) codec.Op {
	var left codec.ItemID
	if index > 0 {
		if item := d.core.seq.itemAtVisible(index - 1); item != nil {
			left = item.id
		} else if n := d.core.seq.visibleLength(); n > 0 {
			if item := d.core.seq.itemAtVisible(n - 1); item != nil {
				left = item.id
			}
		}
	}
	runes := []rune(text)
	op := codec.Op{
		Kind:  codec.OpInsert,
		Clock: d.core.nextClock(uint64(len(runes))),
		Left:  left,
		Text:  text,
	}
	d.core.apply([]codec.Op{op})
	return op
}

func (d *BodyDoc) deleteRangeLocked(index, length int) codec.Op {
	ids := d.core.seq.visibleRange(index, length)
	op := codec.Op{
		Kind:   codec.OpDelete,
		Clock:  d.core.nextClock(1),
		Ranges: coalesceRanges(ids),
	}
	d.core.apply([]codec.Op{op})
	return op
}

// GetFrontmatter returns the raw string value of a frontmatter key.
func (d *BodyDoc) GetFrontmatter(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.core.registers[fmKeyPrefix+key]
	if !ok || reg.removed {
		return "", false
	}
	s, err := decodeString(reg.value)
	if err != nil {
		return "", false
	}
	return s, true
}

// SetFrontmatter writes a frontmatter key.
func (d *BodyDoc) SetFrontmatter(key, value string) error {
	d.mu.Lock()
	op := codec.Op{
		Kind:  codec.OpMapSet,
		Clock: d.core.nextClock(1),
		Key:   fmKeyPrefix + key,
		Value: encodeString(value),
	}
	d.core.applyRegister(&op)
	update := codec.EncodeOps([]codec.Op{op})
	d.mu.Unlock()
	return d.commitLocal(update)
}

// RemoveFrontmatter drops a frontmatter key.
func (d *BodyDoc) RemoveFrontmatter(key string) error {
	d.mu.Lock()
	op := codec.Op{
		Kind:  codec.OpMapDel,
		Clock: d.core.nextClock(1),
		Key:   fmKeyPrefix + key,
	}
	d.core.applyRegister(&op)
	update := codec.EncodeOps([]codec.Op{op})
	d.mu.Unlock()
	return d.commitLocal(update)
}

// FrontmatterKeys returns the live frontmatter keys, sorted.
func (d *BodyDoc) FrontmatterKeys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for key, reg := range d.core.registers {
		if reg.removed || !strings.HasPrefix(key, fmKeyPrefix) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(key, fmKeyPrefix))
	}
	sort.Strings(keys)
	return keys
}

// EncodeStateVector returns the replica's state vector.
func (d *BodyDoc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.core.encodeStateVector()
}

// EncodeStateAsUpdate returns the full state as one update blob.
func (d *BodyDoc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.core.encodeState()
}

// EncodeDiff returns the ops a replica holding remoteSV is missing.
func (d *BodyDoc) EncodeDiff(remoteSV []byte) ([]byte, error) {
	sv, err := codec.DecodeStateVector(remoteSV)
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrBadUpdate, err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return codec.EncodeOps(d.core.diffOps(sv)), nil
}

// ApplyUpdate applies update bytes and appends them to storage. For any
// origin other than local the new body is announced as a
// ContentsChanged event so the reconciler can write the file through.
func (d *BodyDoc) ApplyUpdate(update []byte, origin storage.Origin) (int64, error) {
	ops, err := codec.DecodeOps(update)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}

	d.mu.Lock()
	before := d.core.seq.text()
	d.core.apply(ops)
	after := d.core.seq.text()
	cb := d.eventCallback
	d.mu.Unlock()

	id, err := d.append(update, origin)
	if err != nil {
		return 0, err
	}
	if origin != storage.OriginLocal && before != after && cb != nil {
		cb(&events.Event{Kind: events.ContentsChanged, Path: d.path, Content: after})
	}
	return id, nil
}

func (d *BodyDoc) commitLocal(update []byte) error {
	if _, err := d.append(update, storage.OriginLocal); err != nil {
		return err
	}
	return nil
}

func (d *BodyDoc) append(update []byte, origin storage.Origin) (int64, error) {
	id, err := d.store.AppendUpdate(d.docName, update, origin, d.device)
	if err != nil {
		return 0, fmt.Errorf("append body update %s: %w", d.path, err)
	}
	return id, nil
}

// Save writes the current full state as the document snapshot.
func (d *BodyDoc) Save() error {
	state := d.EncodeStateAsUpdate()
	if err := d.store.SaveDoc(d.docName, state); err != nil {
		return fmt.Errorf("save body doc %s: %w", d.path, err)
	}
	return nil
}

// Reload rebuilds the replica from the snapshot plus the update log.
// Undecodable updates are skipped, never fatal.
func (d *BodyDoc) Reload() error {
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
	d.core = newDocCore(d.core.device, true)
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
func (d *BodyDoc) GetHistory() ([]storage.Update, error) {
	return d.store.GetAllUpdates(d.docName)
}

// GetUpdatesSince returns log entries with id greater than sinceID.
func (d *BodyDoc) GetUpdatesSince(sinceID int64) ([]storage.Update, error) {
	return d.store.GetUpdatesSince(d.docName, sinceID)
}
