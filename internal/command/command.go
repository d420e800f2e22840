// Package command defines the typed command set of the Diaryx core and
// the dispatcher that executes it. The dispatcher is the sole public
// surface: the CLI and any embedding host construct Requests and read
// Responses, never the components underneath.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/syncer"
	"github.com/diaryx/diaryx-go/internal/workspace"
)

// Op names one command.
type Op string

const (
	OpGetEntry           Op = "get-entry"
	OpSaveEntry          Op = "save-entry"
	OpCreateEntry        Op = "create-entry"
	OpDeleteEntry        Op = "delete-entry"
	OpMoveEntry          Op = "move-entry"
	OpRenameEntry        Op = "rename-entry"
	OpAttachEntry        Op = "attach-entry-to-parent"
	OpConvertToIndex     Op = "convert-to-index"
	OpConvertToLeaf      Op = "convert-to-leaf"
	OpDuplicateEntry     Op = "duplicate-entry"
	OpEnsureDailyEntry   Op = "ensure-daily-entry"
	OpGetTree            Op = "get-tree"
	OpGetAttachments     Op = "get-attachments"
	OpUploadAttachment   Op = "upload-attachment"
	OpMoveAttachment     Op = "move-attachment"
	OpValidateWorkspace  Op = "validate-workspace"
	OpFixIssue           Op = "fix-issue"
	OpGetHistory         Op = "get-history"
	OpGetDiff            Op = "get-diff"
	OpRestoreVersion     Op = "restore-version"
	OpCompactStorage     Op = "compact-storage"
	OpHandleWorkspaceMsg Op = "handle-workspace-sync-message"
	OpHandleBodyMsg      Op = "handle-body-sync-message"
	OpCreateSyncStep1    Op = "create-sync-step1"
)

// ErrUnsupported is returned for commands whose subsystem is disabled in
// this build (for example sync commands without a sync manager).
var ErrUnsupported = errors.New("command: unsupported in this configuration")

// ErrUnknownOp is returned for an op outside the closed set.
var ErrUnknownOp = errors.New("command: unknown op")

// Request is one typed command. Fields are populated per Op; see each
// handler for which ones it reads.
type Request struct {
	Op Op

	Path    string
	ToPath  string // MoveEntry destination, MoveAttachment destination
	Parent  string // AttachEntry, CreateEntry
	Name    string // RenameEntry new filename
	Body    string // SaveEntry
	Date    time.Time
	Root    string // tree/validation root; EnsureDailyEntry daily root
	Issue   *workspace.Issue
	DocName string // history and sync commands
	Limit   int
	FromID  int64
	ToID    int64
	KeepN   int // CompactStorage
	Payload []byte
	Write   bool // sync handlers: write through to disk
}

// Response carries every result a command can produce; fields are
// populated per Op.
type Response struct {
	Path     string
	Metadata *model.FileMetadata
	Body     string
	Tree     *model.TreeNode
	Report   *workspace.ValidationReport
	Fix      *workspace.FixResult
	History  []crdt.HistoryEntry
	Diffs    []crdt.FileDiff

	Attachments []model.BinaryRef

	Reply        []byte
	ChangedPaths []string
	SyncComplete bool
	IsEcho       bool
}

// Dispatcher routes Requests to the components of one workspace.
type Dispatcher struct {
	ws      *workspace.Workspace
	history *crdt.HistoryManager
	sync    *syncer.SyncManager // nil when sync is disabled
	store   storage.Store
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher. sync may be nil.
func NewDispatcher(ws *workspace.Workspace, history *crdt.HistoryManager, sync *syncer.SyncManager, store storage.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{ws: ws, history: history, sync: sync, store: store, logger: logger}
}

// Execute runs one command. Every handler either fully succeeds or
// returns a typed error; partial effects are confined to the operations
// documented as best-effort (auto-fixes).
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Response, error) {
	switch req.Op {
	case OpGetEntry:
		md, body, err := d.ws.ReadEntry(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Path: link.Normalize(req.Path), Metadata: &md, Body: body}, nil

	case OpSaveEntry:
		if err := d.ws.SaveEntry(ctx, req.Path, req.Body); err != nil {
			return nil, err
		}
		return &Response{Path: link.Normalize(req.Path)}, nil

	case OpCreateEntry:
		path, err := d.ws.CreateChild(ctx, req.Parent)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpDeleteEntry:
		if err := d.ws.Delete(ctx, req.Path); err != nil {
			return nil, err
		}
		return &Response{Path: link.Normalize(req.Path)}, nil

	case OpMoveEntry:
		if err := d.ws.Move(ctx, req.Path, req.ToPath); err != nil {
			return nil, err
		}
		return &Response{Path: link.Normalize(req.ToPath)}, nil

	case OpRenameEntry:
		path, err := d.ws.Rename(ctx, req.Path, req.Name)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpAttachEntry:
		path, err := d.ws.Attach(ctx, req.Path, req.Parent)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpConvertToIndex:
		path, err := d.ws.ConvertToIndex(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpConvertToLeaf:
		path, err := d.ws.ConvertToLeaf(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpDuplicateEntry:
		path, err := d.ws.Duplicate(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpEnsureDailyEntry:
		date := req.Date
		if date.IsZero() {
			date = time.Now()
		}
		path, err := d.ws.EnsureDailyEntry(ctx, req.Root, date)
		if err != nil {
			return nil, err
		}
		return &Response{Path: path}, nil

	case OpGetTree:
		tree, err := d.ws.BuildTree(ctx, req.Root)
		if err != nil {
			return nil, err
		}
		return &Response{Tree: tree}, nil

	case OpGetAttachments:
		md, _, err := d.ws.ReadEntry(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Attachments: md.Attachments}, nil

	case OpUploadAttachment:
		return d.uploadAttachment(ctx, req)

	case OpMoveAttachment:
		return d.moveAttachment(ctx, req)

	case OpValidateWorkspace:
		report, err := d.ws.Validate(ctx, req.Root)
		if err != nil {
			return nil, err
		}
		return &Response{Report: report}, nil

	case OpFixIssue:
		if req.Issue == nil {
			return nil, fmt.Errorf("%w: fix-issue needs an issue", ErrUnknownOp)
		}
		result := d.ws.Fix(ctx, *req.Issue)
		return &Response{Fix: &result}, nil

	case OpGetHistory:
		entries, err := d.history.GetHistory(docNameOrWorkspace(req.DocName), req.Limit)
		if err != nil {
			return nil, err
		}
		return &Response{History: entries}, nil

	case OpGetDiff:
		diffs, err := d.history.Diff(docNameOrWorkspace(req.DocName), req.FromID, req.ToID)
		if err != nil {
			return nil, err
		}
		return &Response{Diffs: diffs}, nil

	case OpRestoreVersion:
		return d.restoreVersion(req)

	case OpCompactStorage:
		keep := req.KeepN
		if keep <= 0 {
			keep = 100
		}
		if err := d.store.Compact(docNameOrWorkspace(req.DocName), keep); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case OpHandleWorkspaceMsg:
		if d.sync == nil {
			return nil, ErrUnsupported
		}
		result, err := d.sync.HandleWorkspaceMessage(ctx, req.Payload, req.Write)
		if err != nil {
			return nil, err
		}
		return &Response{Reply: result.Reply, ChangedPaths: result.ChangedPaths, SyncComplete: result.SyncComplete}, nil

	case OpHandleBodyMsg:
		if d.sync == nil {
			return nil, ErrUnsupported
		}
		result, err := d.sync.HandleBodyMessage(ctx, req.DocName, req.Payload, req.Write)
		if err != nil {
			return nil, err
		}
		resp := &Response{Reply: result.Reply, IsEcho: result.IsEcho}
		if result.NewContent != nil {
			resp.Body = *result.NewContent
		}
		return resp, nil

	case OpCreateSyncStep1:
		if d.sync == nil {
			return nil, ErrUnsupported
		}
		if req.DocName == "" || req.DocName == crdt.WorkspaceDocName {
			return &Response{Reply: d.sync.CreateWorkspaceSyncStep1()}, nil
		}
		reply, err := d.sync.CreateBodySyncStep1(req.DocName)
		if err != nil {
			return nil, err
		}
		return &Response{Reply: reply}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOp, req.Op)
}

func docNameOrWorkspace(name string) string {
	if name == "" {
		return crdt.WorkspaceDocName
	}
	return name
}

// restoreVersion applies a restore update built from the historical
// state. The restore is itself an update: history is extended, never
// rewritten.
func (d *Dispatcher) restoreVersion(req *Request) (*Response, error) {
	docName := docNameOrWorkspace(req.DocName)
	update, err := d.history.CreateRestoreUpdate(docName, req.FromID)
	if err != nil {
		return nil, err
	}
	if _, err := d.ws.Doc().ApplyUpdate(update, storage.OriginLocal); err != nil {
		return nil, err
	}
	if d.sync != nil {
		d.sync.EmitWorkspaceUpdate()
	}
	d.logger.Info("version restored", "doc", docName, "update_id", req.FromID)
	return &Response{}, nil
}

// uploadAttachment writes the binary at req.ToPath with req.Payload and
// records the reference on the entry at req.Path.
func (d *Dispatcher) uploadAttachment(ctx context.Context, req *Request) (*Response, error) {
	target := link.Normalize(req.ToPath)
	if target == "" {
		return nil, fmt.Errorf("%w: attachment path required", workspace.ErrInvalidPath)
	}
	if err := d.ws.FS().WriteFile(ctx, target, req.Payload); err != nil {
		return nil, err
	}
	if err := d.ws.AddAttachment(ctx, req.Path, target); err != nil {
		return nil, err
	}
	return &Response{Path: target}, nil
}

// moveAttachment renames the binary and rewrites the reference on every
// entry that carries it.
func (d *Dispatcher) moveAttachment(ctx context.Context, req *Request) (*Response, error) {
	from := link.Normalize(req.Path)
	to := link.Normalize(req.ToPath)
	if err := d.ws.FS().Rename(ctx, from, to); err != nil {
		return nil, err
	}
	if err := d.ws.RewriteAttachmentRefs(ctx, from, to); err != nil {
		return nil, err
	}
	return &Response{Path: to}, nil
}
