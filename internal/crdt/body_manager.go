package crdt

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/storage"
)

// BodyDocManager is a lazy cache of body documents keyed by canonical
// path. Documents load from storage on first access and are shared by
// every concurrent reader; per-document locking lives inside BodyDoc.
type BodyDocManager struct {
	mu     sync.Mutex
	docs   map[string]*BodyDoc
	store  storage.Store
	device *storage.Device
	logger *slog.Logger

	eventCallback func(*events.Event)
}

// NewBodyDocManager creates an empty manager over store.
func NewBodyDocManager(store storage.Store, device *storage.Device, logger *slog.Logger) *BodyDocManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BodyDocManager{
		docs:   make(map[string]*BodyDoc),
		store:  store,
		device: device,
		logger: logger,
	}
}

// SetEventCallback propagates the core event stream to every document the
// manager loads, present and future.
func (m *BodyDocManager) SetEventCallback(cb func(*events.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCallback = cb
	for _, doc := range m.docs {
		doc.SetEventCallback(cb)
	}
}

// Get returns the body document for path, loading it on first access.
func (m *BodyDocManager) Get(path string) (*BodyDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[path]; ok {
		return doc, nil
	}
	doc, err := LoadBodyDoc(m.store, m.device, path)
	if err != nil {
		return nil, fmt.Errorf("load body doc %s: %w", path, err)
	}
	if m.eventCallback != nil {
		doc.SetEventCallback(m.eventCallback)
	}
	m.docs[path] = doc
	m.logger.Debug("body doc loaded", "path", path)
	return doc, nil
}

// Peek returns the cached document without loading.
func (m *BodyDocManager) Peek(path string) (*BodyDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	return doc, ok
}

// Rename migrates the storage document to the new path and re-keys the
// cache. The body CRDT state — including its state vector — carries over
// untouched, which is what keeps rename from disturbing convergence.
func (m *BodyDocManager) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RenameDoc(BodyDocName(oldPath), BodyDocName(newPath)); err != nil {
		if err := m.renameMissingOK(err); err != nil {
			return fmt.Errorf("rename body doc %s: %w", oldPath, err)
		}
	}
	delete(m.docs, oldPath)
	doc, err := LoadBodyDoc(m.store, m.device, newPath)
	if err != nil {
		return fmt.Errorf("reload renamed body doc %s: %w", newPath, err)
	}
	if m.eventCallback != nil {
		doc.SetEventCallback(m.eventCallback)
	}
	m.docs[newPath] = doc
	return nil
}

// renameMissingOK tolerates renaming a file that never had body edits.
func (m *BodyDocManager) renameMissingOK(err error) error {
	if storageNotFound(err) {
		return nil
	}
	return err
}

func storageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// Delete drops the cached document and removes it from storage.
func (m *BodyDocManager) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
	if err := m.store.DeleteDoc(BodyDocName(path)); err != nil {
		return fmt.Errorf("delete body doc %s: %w", path, err)
	}
	return nil
}

// SaveOne snapshots the document for path if it is loaded.
func (m *BodyDocManager) SaveOne(path string) error {
	m.mu.Lock()
	doc, ok := m.docs[path]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return doc.Save()
}

// SaveAll snapshots every loaded document concurrently.
func (m *BodyDocManager) SaveAll() error {
	m.mu.Lock()
	docs := make([]*BodyDoc, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, doc := range docs {
		g.Go(doc.Save)
	}
	return g.Wait()
}

// Unload evicts the cached document without touching storage.
func (m *BodyDocManager) Unload(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
}

// ListLoaded returns sorted canonical paths of cached documents.
func (m *BodyDocManager) ListLoaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.docs))
	for p := range m.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
