// Package watch feeds local file edits into the CRDT layer. An fsnotify
// watcher observes the workspace root; a write that is not bracketed by
// sync-write markers parses the changed file and applies its metadata
// and body to the documents, then raises the outbound sync frames.
// Marked writes — those issued by the reconciler or by workspace
// operations — are skipped, which is what breaks the
// local→CRDT→remote→local feedback loop.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/syncer"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// debounceWindow coalesces editor write bursts (write + chmod + rename
// dances) into one CRDT mutation per path.
const debounceWindow = 250 * time.Millisecond

// FsWatcher abstracts fsnotify so tests can inject events. Satisfied by
// *fsnotify.Watcher through the wrapper below; fsnotify exposes Events
// and Errors as fields, not methods.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Watcher is the write-through hook.
type Watcher struct {
	root    string // host directory the workspace is mounted at
	fs      vfs.FileSystem
	doc     *crdt.WorkspaceDoc
	bodies  *crdt.BodyDocManager
	sync    *syncer.SyncManager
	logger  *slog.Logger
	factory func() (FsWatcher, error)
}

// New creates a watcher for the workspace rooted at root on the host
// filesystem.
func New(root string, fs vfs.FileSystem, doc *crdt.WorkspaceDoc, bodies *crdt.BodyDocManager, sync *syncer.SyncManager, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:   root,
		fs:     fs,
		doc:    doc,
		bodies: bodies,
		sync:   sync,
		logger: logger,
		factory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}
			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// SetWatcherFactory overrides the fsnotify constructor, for tests.
func (w *Watcher) SetWatcherFactory(f func() (FsWatcher, error)) { w.factory = f }

// Run watches until ctx is cancelled. Events are debounced per path and
// handed to ProcessPath.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.factory()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.root); err != nil {
		return err
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events():
			if !ok {
				return errors.New("watch: event channel closed")
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			canonical := link.Normalize(rel)
			if canonical == "" || strings.HasPrefix(canonical, ".diaryx/") || !strings.HasSuffix(canonical, ".md") {
				continue
			}
			pending[canonical] = time.Now()
		case err, ok := <-fw.Errors():
			if !ok {
				return errors.New("watch: error channel closed")
			}
			w.logger.Warn("watch error", "error", err)
		case now := <-ticker.C:
			for path, stamp := range pending {
				if now.Sub(stamp) < debounceWindow {
					continue
				}
				delete(pending, path)
				if err := w.ProcessPath(ctx, path); err != nil {
					w.logger.Warn("write-through failed", "path", path, "error", err)
				}
			}
		}
	}
}

// ProcessPath applies one changed file to the CRDT layer. Paths under a
// sync-write marker are skipped: the change originated from the
// reconciler or a workspace operation, and the CRDT already has it.
func (w *Watcher) ProcessPath(ctx context.Context, path string) error {
	if w.fs.InSyncWrite(path) {
		w.logger.Debug("sync write skipped by watcher", "path", path)
		return nil
	}
	raw, err := w.fs.ReadFile(ctx, path)
	if err != nil {
		if vfs.IsNotExist(err) {
			return nil // deleted between event and processing
		}
		return err
	}
	doc, err := frontmatter.ParseOrEmpty(string(raw))
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, path)

	if err := w.doc.Set(path, md); err != nil {
		return err
	}
	bodyDoc, err := w.bodies.Get(path)
	if err != nil {
		return err
	}
	if err := bodyDoc.SetBody(doc.Body); err != nil {
		return err
	}

	if w.sync != nil {
		w.sync.TrackMetadata(path, &md)
		w.sync.TrackContent(path, doc.Body)
		w.sync.EmitWorkspaceUpdate()
		if err := w.sync.EmitBodyUpdate(crdt.BodyDocName(path), doc.Body); err != nil {
			return err
		}
	}
	w.logger.Debug("local edit captured", "path", path)
	return nil
}
