package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
)

// MemoryStore implements Store in process memory. It backs tests and
// guest sessions whose state must vanish with the process.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string][]byte
	logs   map[string][]Update
	nextID map[string]int64
	logger *slog.Logger
}

// NewMemory returns an empty MemoryStore.
func NewMemory(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		docs:   make(map[string][]byte),
		logs:   make(map[string][]Update),
		nextID: make(map[string]int64),
		logger: logger,
	}
}

// LoadDoc implements Store.
func (s *MemoryStore) LoadDoc(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.docs[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(snap))
	copy(out, snap)
	return out, nil
}

// SaveDoc implements Store.
func (s *MemoryStore) SaveDoc(name string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(state))
	copy(buf, state)
	s.docs[name] = buf
	return nil
}

// DeleteDoc implements Store.
func (s *MemoryStore) DeleteDoc(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, name)
	delete(s.logs, name)
	delete(s.nextID, name)
	return nil
}

// ListDocs implements Store.
func (s *MemoryStore) ListDocs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for name := range s.docs {
		seen[name] = true
	}
	for name := range s.logs {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// AppendUpdate implements Store.
func (s *MemoryStore) AppendUpdate(name string, data []byte, origin Origin, device *Device) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(name, data, origin, device), nil
}

func (s *MemoryStore) appendLocked(name string, data []byte, origin Origin, device *Device) int64 {
	s.nextID[name]++
	id := s.nextID[name]
	u := Update{
		ID:        id,
		DocName:   name,
		Data:      append([]byte(nil), data...),
		Origin:    origin,
		Timestamp: time.Now().UnixMilli(),
	}
	if device != nil {
		u.DeviceID = device.ID
		u.DeviceName = device.Name
	}
	s.logs[name] = append(s.logs[name], u)
	return id
}

// BatchAppendUpdates implements Store. The single mutex makes the batch
// atomic with respect to every other call.
func (s *MemoryStore) BatchAppendUpdates(items []BatchItem, device *Device) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, s.appendLocked(item.DocName, item.Data, item.Origin, device))
	}
	return ids, nil
}

// GetUpdatesSince implements Store.
func (s *MemoryStore) GetUpdatesSince(name string, sinceID int64) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Update
	for _, u := range s.logs[name] {
		if u.ID > sinceID {
			out = append(out, u)
		}
	}
	return out, nil
}

// GetAllUpdates implements Store.
func (s *MemoryStore) GetAllUpdates(name string) ([]Update, error) {
	return s.GetUpdatesSince(name, 0)
}

// GetLatestUpdateID implements Store.
func (s *MemoryStore) GetLatestUpdateID(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[name]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].ID, nil
}

// GetStateAt implements Store.
func (s *MemoryStore) GetStateAt(name string, updateID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, hasSnap := s.docs[name]
	log := s.logs[name]
	if !hasSnap && len(log) == 0 {
		return nil, nil
	}
	blobs := [][]byte{snap}
	for _, u := range log {
		if u.ID <= updateID {
			blobs = append(blobs, u.Data)
		}
	}
	return codec.MergeUpdates(blobs...), nil
}

// Compact implements Store. The mutex makes snapshot-then-trim atomic.
func (s *MemoryStore) Compact(name string, keepUpdates int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[name]
	if len(log) <= keepUpdates {
		return nil
	}
	cut := len(log) - keepUpdates
	blobs := [][]byte{s.docs[name]}
	for _, u := range log[:cut] {
		blobs = append(blobs, u.Data)
	}
	s.docs[name] = codec.MergeUpdates(blobs...)
	s.logs[name] = append([]Update(nil), log[cut:]...)
	s.logger.Debug("compacted document", "doc", name, "dropped", cut, "kept", keepUpdates)
	return nil
}

// RenameDoc implements Store.
func (s *MemoryStore) RenameDoc(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[oldName]; !ok {
		if _, ok := s.logs[oldName]; !ok {
			return fmt.Errorf("rename %s: %w", oldName, ErrNotFound)
		}
	}
	if snap, ok := s.docs[oldName]; ok {
		s.docs[newName] = snap
		delete(s.docs, oldName)
	}
	if log, ok := s.logs[oldName]; ok {
		renamed := make([]Update, len(log))
		for i, u := range log {
			u.DocName = newName
			renamed[i] = u
		}
		s.logs[newName] = renamed
		s.nextID[newName] = s.nextID[oldName]
		delete(s.logs, oldName)
		delete(s.nextID, oldName)
	}
	return nil
}
