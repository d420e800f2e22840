package crdt

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/storage"
)

// ChangeKind classifies one file's transition between two states.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRestored ChangeKind = "restored"
)

// HistoryEntry describes one update of a document's log together with
// the files it changed.
type HistoryEntry struct {
	UpdateID     int64
	Timestamp    int64
	Origin       storage.Origin
	DeviceID     string
	DeviceName   string
	ChangedFiles []string
}

// FileDiff is one file's difference between two historical states.
type FileDiff struct {
	Path string
	Kind ChangeKind
	Old  *model.FileMetadata
	New  *model.FileMetadata
}

// Snapshot cache tuning: a reconstruction that replayed at least
// snapshotInterval updates past its base is cached at the requested
// update id, and at most maxCachedSnapshots states are kept per document.
const (
	snapshotInterval   = 20
	maxCachedSnapshots = 8
)

type cachedState struct {
	updateID int64
	state    []byte
}

// HistoryManager reconstructs historical document states from the
// storage update log, diffs them, and builds restore updates. Restoring
// is itself a CRDT operation: it appends, never rewrites history.
type HistoryManager struct {
	store  storage.Store
	device *storage.Device
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]cachedState
}

// NewHistoryManager creates a manager over store. The device attributes
// restore updates it creates.
func NewHistoryManager(store storage.Store, device *storage.Device, logger *slog.Logger) *HistoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryManager{
		store:  store,
		device: device,
		logger: logger,
		cache:  make(map[string][]cachedState),
	}
}

// GetHistory lists the document's updates newest-first, each annotated
// with the files it changed. For the workspace document the changed set
// is computed by diffing materialized state before and after each
// update; for a body document the changed file is the document itself.
// limit ≤ 0 means no limit.
func (h *HistoryManager) GetHistory(docName string, limit int) ([]HistoryEntry, error) {
	updates, err := h.store.GetAllUpdates(docName)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(updates))
	if path, isBody := PathFromBodyDocName(docName); isBody {
		for _, u := range updates {
			entries = append(entries, historyEntry(u, []string{path}))
		}
	} else {
		snap, err := h.store.LoadDoc(docName)
		if err != nil {
			return nil, err
		}
		core := newDocCore("", false)
		if len(snap) > 0 {
			if ops, err := codec.DecodeOps(snap); err == nil {
				core.apply(ops)
			}
		}
		prev := fingerprints(core)
		for _, u := range updates {
			ops, err := codec.DecodeOps(u.Data)
			if err != nil {
				// A corrupt update changes nothing; it is skipped the same
				// way reconstruction skips it.
				entries = append(entries, historyEntry(u, nil))
				continue
			}
			core.apply(ops)
			next := fingerprints(core)
			entries = append(entries, historyEntry(u, changedPaths(prev, next)))
			prev = next
		}
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func historyEntry(u storage.Update, changed []string) HistoryEntry {
	return HistoryEntry{
		UpdateID:     u.ID,
		Timestamp:    u.Timestamp,
		Origin:       u.Origin,
		DeviceID:     u.DeviceID,
		DeviceName:   u.DeviceName,
		ChangedFiles: changed,
	}
}

func fingerprints(core *docCore) map[string]string {
	out := make(map[string]string)
	paths := make(map[string]bool)
	for key, reg := range core.registers {
		if reg.removed {
			continue
		}
		if path, _, ok := splitRegisterKey(key); ok {
			paths[path] = true
		}
	}
	for path := range paths {
		md := model.FileMetadata{}
		for _, field := range metadataFields {
			if reg, ok := core.registers[registerKey(path, field)]; ok && !reg.removed {
				_ = decodeField(&md, field, reg.value)
			}
		}
		out[path] = entryFingerprint(&md)
	}
	return out
}

func changedPaths(before, after map[string]string) []string {
	seen := make(map[string]bool)
	for p, fp := range after {
		if before[p] != fp {
			seen[p] = true
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			seen[p] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// GetStateAt reconstructs the document state at updateID, consulting the
// bounded per-document snapshot cache before replaying the log.
func (h *HistoryManager) GetStateAt(docName string, updateID int64) ([]byte, error) {
	h.mu.Lock()
	var base *cachedState
	for i := range h.cache[docName] {
		c := &h.cache[docName][i]
		if c.updateID <= updateID && (base == nil || c.updateID > base.updateID) {
			base = c
		}
	}
	h.mu.Unlock()

	var blobs [][]byte
	sinceID := int64(0)
	if base != nil {
		blobs = append(blobs, base.state)
		sinceID = base.updateID
	} else {
		snap, err := h.store.LoadDoc(docName)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			blobs = append(blobs, snap)
		}
	}
	updates, err := h.store.GetUpdatesSince(docName, sinceID)
	if err != nil {
		return nil, err
	}
	applied := 0
	for _, u := range updates {
		if u.ID > updateID {
			break
		}
		if _, err := codec.DecodeOps(u.Data); err != nil {
			h.logger.Warn("skipping undecodable update", "doc", docName, "update_id", u.ID, "error", err)
		}
		blobs = append(blobs, u.Data)
		applied++
	}
	if len(blobs) == 0 {
		return nil, nil
	}
	state := codec.MergeUpdates(blobs...)

	if applied >= snapshotInterval {
		h.cacheState(docName, updateID, state)
	}
	return state, nil
}

func (h *HistoryManager) cacheState(docName string, updateID int64, state []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cached := h.cache[docName]
	for _, c := range cached {
		if c.updateID == updateID {
			return
		}
	}
	cached = append(cached, cachedState{updateID: updateID, state: state})
	if len(cached) > maxCachedSnapshots {
		cached = cached[len(cached)-maxCachedSnapshots:]
	}
	h.cache[docName] = cached
}

// ClearCache drops cached states for a document.
func (h *HistoryManager) ClearCache(docName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cache, docName)
}

// Diff compares the workspace states at two update ids and returns one
// entry per file that differs.
func (h *HistoryManager) Diff(docName string, fromID, toID int64) ([]FileDiff, error) {
	fromState, err := h.GetStateAt(docName, fromID)
	if err != nil {
		return nil, err
	}
	toState, err := h.GetStateAt(docName, toID)
	if err != nil {
		return nil, err
	}
	from, err := MaterializeWorkspaceState(fromState)
	if err != nil {
		return nil, err
	}
	to, err := MaterializeWorkspaceState(toState)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]bool)
	for p := range from {
		paths[p] = true
	}
	for p := range to {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var diffs []FileDiff
	for _, p := range sorted {
		oldMD, hadOld := from[p]
		newMD, hasNew := to[p]
		switch {
		case !hadOld && hasNew:
			if newMD.Deleted {
				continue
			}
			n := newMD.Clone()
			diffs = append(diffs, FileDiff{Path: p, Kind: ChangeAdded, New: &n})
		case hadOld && !hasNew:
			o := oldMD.Clone()
			diffs = append(diffs, FileDiff{Path: p, Kind: ChangeDeleted, Old: &o})
		default:
			if entryFingerprint(&oldMD) == entryFingerprint(&newMD) {
				continue
			}
			o, n := oldMD.Clone(), newMD.Clone()
			kind := ChangeModified
			if !oldMD.Deleted && newMD.Deleted {
				kind = ChangeDeleted
			} else if oldMD.Deleted && !newMD.Deleted {
				kind = ChangeRestored
			}
			diffs = append(diffs, FileDiff{Path: p, Kind: kind, Old: &o, New: &n})
		}
	}
	return diffs, nil
}

// CreateRestoreUpdate builds an update that, once applied, reverts the
// workspace document to its state at updateID. The update carries fresh
// clocks, so restoration wins over everything it reverts without
// touching the log that led there.
func (h *HistoryManager) CreateRestoreUpdate(docName string, updateID int64) ([]byte, error) {
	targetState, err := h.GetStateAt(docName, updateID)
	if err != nil {
		return nil, err
	}
	latestID, err := h.store.GetLatestUpdateID(docName)
	if err != nil {
		return nil, err
	}
	currentState, err := h.GetStateAt(docName, latestID)
	if err != nil {
		return nil, err
	}

	target, err := MaterializeWorkspaceState(targetState)
	if err != nil {
		return nil, err
	}
	current, err := MaterializeWorkspaceState(currentState)
	if err != nil {
		return nil, err
	}

	// Fresh clocks must dominate every clock in the current state.
	counter := maxCounter(currentState)
	deviceID := ""
	if h.device != nil {
		deviceID = h.device.ID
	}
	core := newDocCore(deviceID, false)
	core.counter = counter

	var ops []codec.Op
	emit := func(path string, md *model.FileMetadata, fields []string) {
		for _, field := range fields {
			ops = append(ops, codec.Op{
				Kind:  codec.OpMapSet,
				Clock: core.nextClock(1),
				Key:   registerKey(path, field),
				Value: encodeField(md, field),
			})
		}
	}

	for path, targetMD := range target {
		currentMD, exists := current[path]
		if !exists {
			md := targetMD
			emit(path, &md, changedFields(nil, &md))
			continue
		}
		md := targetMD
		cur := currentMD
		if fields := changedFields(&cur, &md); len(fields) > 0 {
			emit(path, &md, fields)
		}
	}
	// Files born after the restore point become tombstones.
	for path, currentMD := range current {
		if _, exists := target[path]; exists || currentMD.Deleted {
			continue
		}
		md := currentMD
		md.Deleted = true
		md.Touch()
		emit(path, &md, []string{fieldDeleted, fieldModifiedAt})
	}

	if len(ops) == 0 {
		return codec.EncodeOps(nil), nil
	}
	h.logger.Debug("restore update created", "doc", docName, "target_id", updateID, "ops", len(ops))
	return codec.EncodeOps(ops), nil
}

// maxCounter scans an encoded state for the highest counter of any device.
func maxCounter(state []byte) uint64 {
	ops, err := codec.DecodeOps(state)
	if err != nil {
		return 0
	}
	var max uint64
	for i := range ops {
		if c := ops[i].MaxCounter(); c > max {
			max = c
		}
	}
	return max
}
