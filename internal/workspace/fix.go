package workspace

import (
	"context"
	"fmt"

	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
)

// FixResult reports the outcome of one auto-fix attempt.
type FixResult struct {
	Success bool
	Message string
}

// Fix applies the auto-fix matching the issue's kind. Unknown or
// unfixable kinds return an unsuccessful result, never an error: fixing
// is best-effort by design.
func (w *Workspace) Fix(ctx context.Context, issue Issue) FixResult {
	switch issue.Kind {
	case BrokenPartOf:
		return w.fixBrokenPartOf(ctx, issue)
	case BrokenContentsRef:
		return w.fixBrokenContentsRef(ctx, issue)
	case BrokenAttachment:
		return w.fixBrokenAttachment(ctx, issue)
	case OrphanFile:
		return w.fixOrphanFile(ctx, issue)
	case UnlistedFile:
		return w.fixUnlistedFile(ctx, issue)
	case MissingPartOf:
		return w.fixMissingPartOf(ctx, issue)
	case NonPortablePath:
		return w.fixNonPortablePath(ctx, issue)
	case CircularReference:
		return w.fixCircularReference(ctx, issue)
	case OrphanBinaryFile:
		return w.fixOrphanBinaryFile(ctx, issue)
	}
	return FixResult{Message: fmt.Sprintf("no auto-fix for %s", issue.Kind)}
}

// fixBrokenPartOf strips the dangling part_of reference.
func (w *Workspace) fixBrokenPartOf(ctx context.Context, issue Issue) FixResult {
	if err := w.setPartOf(ctx, issue.Path, ""); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("removed broken part_of %s from %s", issue.Target, issue.Path)}
}

// fixBrokenContentsRef removes the dangling contents entry.
func (w *Workspace) fixBrokenContentsRef(ctx context.Context, issue Issue) FixResult {
	if err := w.removeFromIndexContents(ctx, issue.Path, issue.Target); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("removed broken contents entry %s from %s", issue.Target, issue.Path)}
}

// fixBrokenAttachment drops the dangling attachment reference.
func (w *Workspace) fixBrokenAttachment(ctx context.Context, issue Issue) FixResult {
	doc, err := w.readDoc(ctx, issue.Path)
	if err != nil {
		return FixResult{Message: err.Error()}
	}
	md := frontmatter.ToMetadata(doc, issue.Path)
	kept := make([]model.BinaryRef, 0, len(md.Attachments))
	for _, a := range md.Attachments {
		if a.Path != issue.Target {
			kept = append(kept, a)
		}
	}
	md.Attachments = kept
	w.ensureFileID(&md)
	if err := w.writeEntry(ctx, issue.Path, doc, &md, doc.Body); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("removed broken attachment %s from %s", issue.Target, issue.Path)}
}

// fixOrphanFile links the orphan into the index of its directory, or the
// workspace root when the directory has none.
func (w *Workspace) fixOrphanFile(ctx context.Context, issue Issue) FixResult {
	dir := link.Dir(issue.Path)
	index, err := w.FindAnyIndexInDir(ctx, dir)
	if err != nil {
		return FixResult{Message: err.Error()}
	}
	if index == "" || index == issue.Path {
		root, err := w.DetectWorkspace(ctx, dir)
		if err != nil || root == "" || root == issue.Path {
			return FixResult{Message: fmt.Sprintf("no index found to adopt %s", issue.Path)}
		}
		index = root
	}
	if err := w.addToIndexContents(ctx, index, issue.Path); err != nil {
		return FixResult{Message: err.Error()}
	}
	if err := w.setPartOf(ctx, issue.Path, index); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("linked %s into %s", issue.Path, index)}
}

// fixUnlistedFile adds the file to its declared parent's contents.
func (w *Workspace) fixUnlistedFile(ctx context.Context, issue Issue) FixResult {
	if err := w.addToIndexContents(ctx, issue.Target, issue.Path); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("listed %s in %s", issue.Path, issue.Target)}
}

// fixMissingPartOf points the file at the index of its own directory
// (the first file there carrying a contents key). The index that listed
// the file is not looked up, so a file listed from another directory
// gets that directory's index, or no fix when it has none.
func (w *Workspace) fixMissingPartOf(ctx context.Context, issue Issue) FixResult {
	index, err := w.FindAnyIndexInDir(ctx, link.Dir(issue.Path))
	if err != nil || index == "" || index == issue.Path {
		return FixResult{Message: fmt.Sprintf("no index found for %s", issue.Path)}
	}
	if err := w.setPartOf(ctx, issue.Path, index); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("set part_of of %s to %s", issue.Path, index)}
}

// fixCircularReference breaks the cycle by detaching the entry from its
// part_of parent: the entry is removed from that parent's contents and
// its part_of is cleared.
func (w *Workspace) fixCircularReference(ctx context.Context, issue Issue) FixResult {
	md, _, err := w.ReadEntry(ctx, issue.Path)
	if err != nil {
		return FixResult{Message: err.Error()}
	}
	if md.PartOf == nil {
		return FixResult{Message: fmt.Sprintf("%s has no part_of to cut", issue.Path)}
	}
	parent := *md.PartOf
	if err := w.removeFromIndexContents(ctx, parent, issue.Path); err != nil {
		return FixResult{Message: err.Error()}
	}
	if err := w.setPartOf(ctx, issue.Path, ""); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("detached %s from %s to break the cycle", issue.Path, parent)}
}

// fixOrphanBinaryFile records the binary as an attachment of the index
// governing its directory.
func (w *Workspace) fixOrphanBinaryFile(ctx context.Context, issue Issue) FixResult {
	index, err := w.FindAnyIndexInDir(ctx, link.Dir(issue.Path))
	if err != nil || index == "" {
		root, derr := w.DetectWorkspace(ctx, link.Dir(issue.Path))
		if derr != nil || root == "" {
			return FixResult{Message: fmt.Sprintf("no index found to own %s", issue.Path)}
		}
		index = root
	}
	if err := w.AddAttachment(ctx, index, issue.Path); err != nil {
		return FixResult{Message: err.Error()}
	}
	return FixResult{Success: true, Message: fmt.Sprintf("attached %s to %s", issue.Path, index)}
}

// fixNonPortablePath normalizes the offending reference in place.
func (w *Workspace) fixNonPortablePath(ctx context.Context, issue Issue) FixResult {
	doc, err := w.readDoc(ctx, issue.Path)
	if err != nil {
		return FixResult{Message: err.Error()}
	}
	md := frontmatter.ToMetadata(doc, issue.Path)
	normalized := link.Normalize(issue.Target)
	fixed := false
	if md.PartOf != nil && *md.PartOf == issue.Target {
		md.PartOf = &normalized
		fixed = true
	}
	if md.Contents != nil {
		rewritten := make([]string, len(*md.Contents))
		for i, c := range *md.Contents {
			if c == issue.Target {
				rewritten[i] = normalized
				fixed = true
			} else {
				rewritten[i] = c
			}
		}
		md.Contents = &rewritten
	}
	for i, a := range md.Attachments {
		if a.Path == issue.Target {
			md.Attachments[i].Path = normalized
			fixed = true
		}
	}
	if !fixed {
		return FixResult{Message: fmt.Sprintf("reference %s not found in %s", issue.Target, issue.Path)}
	}
	w.ensureFileID(&md)
	if err := w.writeEntry(ctx, issue.Path, doc, &md, doc.Body); err != nil {
		return FixResult{Message: err.Error()}
	}
	w.emitWorkspaceUpdate()
	return FixResult{Success: true, Message: fmt.Sprintf("normalized %s in %s", issue.Target, issue.Path)}
}
