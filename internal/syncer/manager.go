package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/syncproto"
)

// WorkspaceResult is the outcome of handling one inbound workspace buffer.
type WorkspaceResult struct {
	// Reply holds framed response messages, nil when none are owed.
	Reply []byte
	// ChangedPaths lists canonical paths whose entries changed.
	ChangedPaths []string
	// SyncComplete is true once the first inbound workspace frame has
	// been processed successfully.
	SyncComplete bool
}

// BodyResult is the outcome of handling one inbound body buffer.
type BodyResult struct {
	Reply []byte
	// NewContent is non-nil when the document's visible body changed.
	NewContent *string
	// IsEcho is true when the resulting content matches the last locally
	// tracked write for the path; disk is left untouched in that case.
	IsEcho bool
}

// SyncManager is the single per-process entry point for sync traffic. It
// dispatches inbound frames to the workspace document or a body
// document, hands resulting changes to the SyncHandler, tracks per-path
// last-known content and metadata for echo detection, and raises
// outbound SendSyncMessage events after local mutations.
type SyncManager struct {
	workspace *crdt.WorkspaceDoc
	bodies    *crdt.BodyDocManager
	handler   *SyncHandler
	logger    *slog.Logger

	mu           sync.Mutex
	syncComplete bool
	activeBodies map[string]bool
	lastContent  map[string]string
	lastMetadata map[string]model.FileMetadata
	emitter      events.Emitter
}

// NewSyncManager wires the manager to its documents and reconciler.
func NewSyncManager(workspace *crdt.WorkspaceDoc, bodies *crdt.BodyDocManager, handler *SyncHandler, logger *slog.Logger) *SyncManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncManager{
		workspace:    workspace,
		bodies:       bodies,
		handler:      handler,
		logger:       logger,
		activeBodies: make(map[string]bool),
		lastContent:  make(map[string]string),
		lastMetadata: make(map[string]model.FileMetadata),
	}
}

// Handler returns the reconciler the manager writes through.
func (m *SyncManager) Handler() *SyncHandler { return m.handler }

// Subscribe registers an observer for SendSyncMessage events.
func (m *SyncManager) Subscribe(o events.Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitter.Subscribe(o)
}

func (m *SyncManager) emit(ev *events.Event) {
	m.mu.Lock()
	emitter := m.emitter
	m.mu.Unlock()
	emitter.Emit(ev)
}

// HandleWorkspaceMessage decodes every framed message in buf, applies
// sync payloads to the workspace document, and — when writeToDisk is set
// — reconciles the deduplicated changed paths (minus metadata echoes)
// onto the filesystem.
func (m *SyncManager) HandleWorkspaceMessage(ctx context.Context, buf []byte, writeToDisk bool) (WorkspaceResult, error) {
	msgs, err := syncproto.Decode(buf)
	if err != nil {
		return WorkspaceResult{}, err
	}

	var reply []byte
	changed := make(map[string]bool)
	var renames []crdt.Rename
	for i := range msgs {
		msg := &msgs[i]
		if !msg.IsSync() {
			continue
		}
		switch msg.Type {
		case syncproto.TypeSyncStep1:
			r, err := syncproto.HandleStep1(m.workspace, msg.Payload)
			if err != nil {
				return WorkspaceResult{}, err
			}
			reply = append(reply, r...)
		case syncproto.TypeSyncStep2, syncproto.TypeUpdate:
			origin := storage.OriginSync
			if msg.Type == syncproto.TypeUpdate {
				origin = storage.OriginRemote
			}
			if len(msg.Payload) == 0 {
				continue
			}
			_, paths, rns, err := m.workspace.ApplyUpdateTrackingChanges(msg.Payload, origin)
			if err != nil {
				return WorkspaceResult{}, err
			}
			for _, p := range paths {
				changed[p] = true
			}
			renames = append(renames, rns...)
		}
	}

	changedPaths := make([]string, 0, len(changed))
	for p := range changed {
		changedPaths = append(changedPaths, p)
	}
	sort.Strings(changedPaths)

	if writeToDisk && len(changedPaths) > 0 {
		var toWrite []MetadataChange
		for _, p := range changedPaths {
			md, ok := m.workspace.Get(p)
			if !ok {
				continue
			}
			if m.IsMetadataEcho(p, &md) {
				m.logger.Debug("metadata echo suppressed", "path", p)
				continue
			}
			toWrite = append(toWrite, MetadataChange{Path: p, Metadata: md})
		}
		if len(toWrite) > 0 || len(renames) > 0 {
			if err := m.handler.HandleRemoteMetadataUpdate(ctx, toWrite, renames); err != nil {
				return WorkspaceResult{}, err
			}
		}
	}

	m.mu.Lock()
	m.syncComplete = true
	m.mu.Unlock()

	return WorkspaceResult{Reply: reply, ChangedPaths: changedPaths, SyncComplete: true}, nil
}

// HandleBodyMessage decodes every framed message for one body document.
// When the resulting body equals the tracked last-known content for the
// path the message is an echo of our own write and disk is not touched.
func (m *SyncManager) HandleBodyMessage(ctx context.Context, docName string, buf []byte, writeToDisk bool) (BodyResult, error) {
	path, ok := crdt.PathFromBodyDocName(docName)
	if !ok {
		path = docName
	}
	doc, err := m.bodies.Get(path)
	if err != nil {
		return BodyResult{}, err
	}
	msgs, err := syncproto.Decode(buf)
	if err != nil {
		return BodyResult{}, err
	}

	before := doc.GetBody()
	var reply []byte
	for i := range msgs {
		msg := &msgs[i]
		if !msg.IsSync() {
			continue
		}
		switch msg.Type {
		case syncproto.TypeSyncStep1:
			r, err := syncproto.HandleStep1(doc, msg.Payload)
			if err != nil {
				return BodyResult{}, err
			}
			reply = append(reply, r...)
		case syncproto.TypeSyncStep2, syncproto.TypeUpdate:
			origin := storage.OriginSync
			if msg.Type == syncproto.TypeUpdate {
				origin = storage.OriginRemote
			}
			if len(msg.Payload) == 0 {
				continue
			}
			if _, err := doc.ApplyUpdate(msg.Payload, origin); err != nil {
				return BodyResult{}, err
			}
		}
	}

	after := doc.GetBody()
	result := BodyResult{Reply: reply}
	if after == before {
		// A loopback of our own update changes nothing; report it as the
		// echo it is so callers skip their disk path too.
		result.IsEcho = m.IsEcho(path, after)
		return result, nil
	}
	result.NewContent = &after

	if m.IsEcho(path, after) {
		result.IsEcho = true
		m.logger.Debug("body echo suppressed", "path", path)
		return result, nil
	}
	if writeToDisk {
		var md *model.FileMetadata
		if wsMD, ok := m.workspace.Get(path); ok {
			if wsMD.Deleted {
				// The entry is tombstoned; writing the body would
				// resurrect the file a peer just deleted.
				return result, nil
			}
			md = &wsMD
		}
		if err := m.handler.HandleRemoteBodyUpdate(ctx, path, after, md); err != nil {
			return result, err
		}
	}
	return result, nil
}

// CreateWorkspaceSyncStep1 frames the workspace state vector to open a
// handshake.
func (m *SyncManager) CreateWorkspaceSyncStep1() []byte {
	return syncproto.EncodeSyncStep1(m.workspace.EncodeStateVector())
}

// CreateWorkspaceUpdate frames the workspace state as an Update: the full
// state, or the diff against sinceSV when given.
func (m *SyncManager) CreateWorkspaceUpdate(sinceSV []byte) ([]byte, error) {
	if sinceSV == nil {
		return syncproto.EncodeUpdate(m.workspace.EncodeStateAsUpdate()), nil
	}
	diff, err := m.workspace.EncodeDiff(sinceSV)
	if err != nil {
		return nil, err
	}
	return syncproto.EncodeUpdate(diff), nil
}

// CreateBodySyncStep1 frames a body document's state vector.
func (m *SyncManager) CreateBodySyncStep1(docName string) ([]byte, error) {
	path, ok := crdt.PathFromBodyDocName(docName)
	if !ok {
		path = docName
	}
	doc, err := m.bodies.Get(path)
	if err != nil {
		return nil, err
	}
	return syncproto.EncodeSyncStep1(doc.EncodeStateVector()), nil
}

// CreateBodyUpdate sets a body document to content (tracking it for echo
// detection) and frames the resulting state as an Update.
func (m *SyncManager) CreateBodyUpdate(docName, content string) ([]byte, error) {
	path, ok := crdt.PathFromBodyDocName(docName)
	if !ok {
		path = docName
	}
	doc, err := m.bodies.Get(path)
	if err != nil {
		return nil, err
	}
	if err := doc.SetBody(content); err != nil {
		return nil, err
	}
	m.TrackContent(path, content)
	return syncproto.EncodeUpdate(doc.EncodeStateAsUpdate()), nil
}

// EmitWorkspaceUpdate raises a SendSyncMessage event carrying the
// workspace state for the transport to deliver. Called after local
// workspace mutations.
func (m *SyncManager) EmitWorkspaceUpdate() {
	frame := syncproto.EncodeUpdate(m.workspace.EncodeStateAsUpdate())
	m.emit(&events.Event{
		Kind:    events.SendSyncMessage,
		DocName: crdt.WorkspaceDocName,
		Payload: frame,
	})
}

// EmitBodyUpdate applies a local body write and raises its sync frame.
func (m *SyncManager) EmitBodyUpdate(docName, content string) error {
	frame, err := m.CreateBodyUpdate(docName, content)
	if err != nil {
		return fmt.Errorf("emit body update %s: %w", docName, err)
	}
	m.emit(&events.Event{
		Kind:    events.SendSyncMessage,
		DocName: docName,
		Payload: frame,
		IsBody:  true,
	})
	return nil
}

// InitBodySync marks a per-document body sync session active.
func (m *SyncManager) InitBodySync(docName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeBodies[docName] = true
}

// CloseBodySync ends a body sync session.
func (m *SyncManager) CloseBodySync(docName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeBodies, docName)
}

// GetActiveSyncs lists body documents with active sync sessions.
func (m *SyncManager) GetActiveSyncs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.activeBodies))
	for name := range m.activeBodies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsSyncComplete reports whether the first inbound workspace frame has
// been processed.
func (m *SyncManager) IsSyncComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncComplete
}

// MarkSyncComplete forces the completion latch, for transports that know
// the handshake finished elsewhere.
func (m *SyncManager) MarkSyncComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncComplete = true
}

// TrackContent records a locally written body for echo detection.
func (m *SyncManager) TrackContent(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastContent[path] = content
}

// IsEcho reports whether content matches the last tracked write for path.
func (m *SyncManager) IsEcho(path, content string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastContent[path]
	return ok && last == content
}

// ClearTrackedContent forgets the tracked body for path.
func (m *SyncManager) ClearTrackedContent(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastContent, path)
}

// TrackMetadata records locally written metadata for echo detection.
func (m *SyncManager) TrackMetadata(path string, md *model.FileMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMetadata[path] = md.Clone()
}

// IsMetadataEcho reports whether md matches the last tracked metadata
// write for path in every field except ModifiedAt, which peers bump
// independently.
func (m *SyncManager) IsMetadataEcho(path string, md *model.FileMetadata) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastMetadata[path]
	return ok && last.EqualIgnoringModified(md)
}

// ClearTrackedMetadata forgets the tracked metadata for path.
func (m *SyncManager) ClearTrackedMetadata(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastMetadata, path)
}

// Reset clears every latch and tracking map, for workspace switches.
func (m *SyncManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncComplete = false
	m.activeBodies = make(map[string]bool)
	m.lastContent = make(map[string]string)
	m.lastMetadata = make(map[string]model.FileMetadata)
}
