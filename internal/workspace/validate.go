package workspace

import (
	"context"
	"sort"
	"strings"

	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/vfs"
)

// IssueKind names one class of validation finding.
type IssueKind string

// Errors: a referenced file does not exist.
const (
	BrokenPartOf      IssueKind = "broken-part-of"
	BrokenContentsRef IssueKind = "broken-contents-ref"
	BrokenAttachment  IssueKind = "broken-attachment"
)

// Warnings: the workspace is inconsistent but every reference resolves.
const (
	OrphanFile        IssueKind = "orphan-file"
	UnlistedFile      IssueKind = "unlisted-file"
	MultipleIndexes   IssueKind = "multiple-indexes"
	CircularReference IssueKind = "circular-reference"
	NonPortablePath   IssueKind = "non-portable-path"
	OrphanBinaryFile  IssueKind = "orphan-binary-file"
	MissingPartOf     IssueKind = "missing-part-of"
)

// IsError reports whether the kind is an error (vs. a warning).
func (k IssueKind) IsError() bool {
	switch k {
	case BrokenPartOf, BrokenContentsRef, BrokenAttachment:
		return true
	}
	return false
}

// Issue is one validation finding. Findings are returned as data, never
// raised as errors, so callers can render all of them.
type Issue struct {
	Kind    IssueKind
	Path    string // the file the finding is about
	Target  string // the reference that is broken or missing, if any
	Message string
}

// ValidationReport is the result of a workspace validation pass.
type ValidationReport struct {
	Issues []Issue
}

// Errors returns only error-class findings.
func (r *ValidationReport) Errors() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Kind.IsError() {
			out = append(out, issue)
		}
	}
	return out
}

// Warnings returns only warning-class findings.
func (r *ValidationReport) Warnings() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if !issue.Kind.IsError() {
			out = append(out, issue)
		}
	}
	return out
}

// Validate runs every check over the tree rooted at rootPath.
func (w *Workspace) Validate(ctx context.Context, rootPath string) (*ValidationReport, error) {
	rootPath = link.Normalize(rootPath)
	report := &ValidationReport{}

	reachable := make(map[string]bool)
	onCycle := make(map[string]bool)
	w.walkForValidation(ctx, rootPath, nil, reachable, onCycle, report)

	for path := range onCycle {
		report.Issues = append(report.Issues, Issue{
			Kind:    CircularReference,
			Path:    path,
			Message: "entry participates in a contents cycle",
		})
	}

	if err := w.checkDiskAgainstTree(ctx, rootPath, reachable, report); err != nil {
		return nil, err
	}

	sort.Slice(report.Issues, func(i, j int) bool {
		if report.Issues[i].Path != report.Issues[j].Path {
			return report.Issues[i].Path < report.Issues[j].Path
		}
		return report.Issues[i].Kind < report.Issues[j].Kind
	})
	return report, nil
}

// walkForValidation traverses contents links, recording reachability and
// per-file findings.
func (w *Workspace) walkForValidation(ctx context.Context, path string, trail []string, reachable, onCycle map[string]bool, report *ValidationReport) {
	for _, seen := range trail {
		if seen == path {
			onCycle[path] = true
			return
		}
	}
	if len(trail) > maxTraversalDepth {
		return
	}
	if reachable[path] {
		return
	}
	reachable[path] = true

	md, _, err := w.ReadEntry(ctx, path)
	if err != nil {
		return
	}

	if md.PartOf != nil {
		if !link.IsPortable(*md.PartOf) {
			report.Issues = append(report.Issues, Issue{
				Kind: NonPortablePath, Path: path, Target: *md.PartOf,
				Message: "part_of uses a non-portable path",
			})
		} else if exists, err := w.fs.Exists(ctx, *md.PartOf); err == nil && !exists {
			report.Issues = append(report.Issues, Issue{
				Kind: BrokenPartOf, Path: path, Target: *md.PartOf,
				Message: "part_of target does not exist",
			})
		} else if exists {
			// Bidirectional check: the parent must list this file.
			parentMD, _, err := w.ReadEntry(ctx, *md.PartOf)
			if err == nil && !listsChild(parentMD.ContentsList(), path) {
				report.Issues = append(report.Issues, Issue{
					Kind: UnlistedFile, Path: path, Target: *md.PartOf,
					Message: "file declares part_of but the parent does not list it",
				})
			}
		}
	} else if len(trail) > 0 {
		report.Issues = append(report.Issues, Issue{
			Kind: MissingPartOf, Path: path,
			Message: "file is listed in an index but has no part_of",
		})
	}

	for _, attachment := range md.Attachments {
		if !link.IsPortable(attachment.Path) {
			report.Issues = append(report.Issues, Issue{
				Kind: NonPortablePath, Path: path, Target: attachment.Path,
				Message: "attachment uses a non-portable path",
			})
			continue
		}
		if exists, err := w.fs.Exists(ctx, attachment.Path); err == nil && !exists {
			report.Issues = append(report.Issues, Issue{
				Kind: BrokenAttachment, Path: path, Target: attachment.Path,
				Message: "attachment does not exist",
			})
		}
	}

	for _, child := range md.ContentsList() {
		if !link.IsPortable(child) {
			report.Issues = append(report.Issues, Issue{
				Kind: NonPortablePath, Path: path, Target: child,
				Message: "contents entry uses a non-portable path",
			})
			continue
		}
		if exists, err := w.fs.Exists(ctx, child); err == nil && !exists {
			report.Issues = append(report.Issues, Issue{
				Kind: BrokenContentsRef, Path: path, Target: child,
				Message: "contents entry does not exist",
			})
			continue
		}
		w.walkForValidation(ctx, child, append(trail, path), reachable, onCycle, report)
	}
}

func listsChild(contents []string, child string) bool {
	for _, c := range contents {
		if c == child {
			return true
		}
	}
	return false
}

// checkDiskAgainstTree scans the directory tree under the root for files
// the index graph does not reach: orphan markdown, orphan binaries, and
// directories carrying more than one index.
func (w *Workspace) checkDiskAgainstTree(ctx context.Context, rootPath string, reachable map[string]bool, report *ValidationReport) error {
	attached := make(map[string]bool)
	for path := range reachable {
		md, _, err := w.ReadEntry(ctx, path)
		if err != nil {
			continue
		}
		for _, a := range md.Attachments {
			attached[a.Path] = true
		}
	}

	rootDir := link.Dir(rootPath)
	var scan func(dir string) error
	scan = func(dir string) error {
		entries, err := w.fs.ReadDir(ctx, dir)
		if err != nil {
			if vfs.IsNotExist(err) {
				return nil
			}
			return err
		}
		indexCount := 0
		for _, e := range entries {
			p := link.Join(dir, e.Name)
			if e.IsDir {
				if strings.HasPrefix(e.Name, ".") {
					continue
				}
				if err := scan(p); err != nil {
					return err
				}
				continue
			}
			if strings.HasPrefix(e.Name, ".") {
				continue
			}
			if strings.HasSuffix(e.Name, ".md") {
				if w.IsIndexFile(ctx, p) {
					indexCount++
				}
				if !reachable[p] {
					report.Issues = append(report.Issues, Issue{
						Kind: OrphanFile, Path: p,
						Message: "markdown file is not reachable from the root index",
					})
				}
				continue
			}
			if !attached[p] {
				report.Issues = append(report.Issues, Issue{
					Kind: OrphanBinaryFile, Path: p,
					Message: "binary file is not referenced by any attachment",
				})
			}
		}
		if indexCount > 1 {
			report.Issues = append(report.Issues, Issue{
				Kind: MultipleIndexes, Path: dir,
				Message: "directory contains more than one index file",
			})
		}
		return nil
	}
	return scan(rootDir)
}
