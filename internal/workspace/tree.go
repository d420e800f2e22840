package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
)

// BuildTree renders the hierarchy rooted at an index into a TreeNode
// view. Traversal carries a visited set and cuts off on revisit, so
// cycles introduced by adversarial merges render instead of hanging.
func (w *Workspace) BuildTree(ctx context.Context, rootPath string) (*model.TreeNode, error) {
	rootPath = link.Normalize(rootPath)
	visited := make(map[string]bool)
	return w.buildTreeNode(ctx, rootPath, visited, 0)
}

func (w *Workspace) buildTreeNode(ctx context.Context, path string, visited map[string]bool, depth int) (*model.TreeNode, error) {
	if visited[path] || depth > maxTraversalDepth {
		return nil, nil
	}
	visited[path] = true

	md, _, err := w.ReadEntry(ctx, path)
	if err != nil {
		return nil, err
	}
	node := &model.TreeNode{
		Path:    path,
		Title:   entryTitle(&md, path),
		IsIndex: md.IsIndex(),
	}
	for _, child := range md.ContentsList() {
		childNode, err := w.buildTreeNode(ctx, child, visited, depth+1)
		if err != nil {
			// A broken contents reference is a validation finding, not a
			// traversal failure.
			continue
		}
		if childNode != nil {
			node.Children = append(node.Children, childNode)
		}
	}
	return node, nil
}

func entryTitle(md *model.FileMetadata, path string) string {
	if md.Title != nil && *md.Title != "" {
		return *md.Title
	}
	return link.Stem(path)
}

// FormatTree renders a node as an indented text tree for the CLI.
func (w *Workspace) FormatTree(node *model.TreeNode) string {
	var b strings.Builder
	b.WriteString(node.Title + " (" + node.Path + ")\n")
	w.formatChildren(&b, node.Children, "")
	return b.String()
}

func (w *Workspace) formatChildren(b *strings.Builder, children []*model.TreeNode, prefix string) {
	for i, child := range children {
		connector := "├── "
		childPrefix := prefix + "│   "
		if i == len(children)-1 {
			connector = "└── "
			childPrefix = prefix + "    "
		}
		b.WriteString(prefix + connector + child.Title + " (" + child.Path + ")\n")
		w.formatChildren(b, child.Children, childPrefix)
	}
}

// CollectWorkspaceFiles returns every canonical path reachable from the
// root index, including the root itself, in traversal order.
func (w *Workspace) CollectWorkspaceFiles(ctx context.Context, rootPath string) ([]string, error) {
	rootPath = link.Normalize(rootPath)
	var out []string
	visited := make(map[string]bool)
	var walk func(path string, depth int)
	walk = func(path string, depth int) {
		if visited[path] || depth > maxTraversalDepth {
			return
		}
		visited[path] = true
		md, _, err := w.ReadEntry(ctx, path)
		if err != nil {
			return
		}
		out = append(out, path)
		for _, child := range md.ContentsList() {
			walk(child, depth+1)
		}
	}
	walk(rootPath, 0)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rootPath)
	}
	return out, nil
}

// DetectWorkspace finds the root index governing dir by checking dir and
// walking up toward the filesystem root. Returns "" when no workspace is
// found.
func (w *Workspace) DetectWorkspace(ctx context.Context, dir string) (string, error) {
	dir = link.Normalize(dir)
	for depth := 0; depth <= maxTraversalDepth; depth++ {
		root, err := w.FindRootIndexInDir(ctx, dir)
		if err != nil {
			return "", err
		}
		if root != "" {
			return root, nil
		}
		if dir == "" {
			return "", nil
		}
		dir = link.Dir(dir)
	}
	return "", nil
}

// InitWorkspace creates a fresh workspace root index at dir/README.md.
func (w *Workspace) InitWorkspace(ctx context.Context, dir, title string) (string, error) {
	dir = link.Normalize(dir)
	if existing, err := w.FindRootIndexInDir(ctx, dir); err != nil {
		return "", err
	} else if existing != "" {
		return "", fmt.Errorf("%w: root index %s", ErrWorkspaceExists, existing)
	}
	if title == "" {
		title = "Workspace"
	}
	rootPath := link.Join(dir, "README.md")
	if exists, err := w.fs.Exists(ctx, rootPath); err != nil {
		return "", err
	} else if exists {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceExists, rootPath)
	}

	empty := []string{}
	md := model.FileMetadata{
		FileID:   uuid.NewString(),
		Filename: "README.md",
		Title:    &title,
		Contents: &empty,
	}
	if err := w.writeEntry(ctx, rootPath, nil, &md, "\n# "+title+"\n"); err != nil {
		return "", err
	}
	w.emitWorkspaceUpdate()
	w.logger.Info("workspace initialized", "root", rootPath)
	return rootPath, nil
}

// SyncFromDisk walks the tree rooted at rootPath and mirrors every
// reachable entry into the workspace CRDT. Used when opening an existing
// on-disk workspace whose CRDT state is empty or stale.
func (w *Workspace) SyncFromDisk(ctx context.Context, rootPath string) error {
	paths, err := w.CollectWorkspaceFiles(ctx, rootPath)
	if err != nil {
		return err
	}
	for _, p := range paths {
		doc, err := w.readDoc(ctx, p)
		if err != nil {
			continue
		}
		md := frontmatter.ToMetadata(doc, p)
		w.ensureFileID(&md)
		if md.FileID != "" {
			if prev, ok := w.doc.Get(p); !ok || prev.FileID == "" {
				// Persist the generated id so it stays stable on disk.
				if err := w.writeEntry(ctx, p, doc, &md, doc.Body); err != nil {
					return err
				}
				continue
			}
		}
		if err := w.doc.Set(p, md); err != nil {
			return err
		}
	}
	return nil
}
