package workspace

import (
	"context"

	"github.com/diaryx/diaryx-go/internal/frontmatter"
	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
)

// AddAttachment records a binary reference on the entry at path.
func (w *Workspace) AddAttachment(ctx context.Context, path, attachmentPath string) error {
	path = link.Normalize(path)
	attachmentPath = link.Normalize(attachmentPath)
	doc, err := w.readDoc(ctx, path)
	if err != nil {
		return err
	}
	md := frontmatter.ToMetadata(doc, path)
	for _, a := range md.Attachments {
		if a.Path == attachmentPath {
			return nil
		}
	}
	md.Attachments = append(md.Attachments, model.BinaryRef{Path: attachmentPath})
	w.ensureFileID(&md)
	if err := w.writeEntry(ctx, path, doc, &md, doc.Body); err != nil {
		return err
	}
	w.emitWorkspaceUpdate()
	return nil
}

// RewriteAttachmentRefs updates every entry referencing from to point at
// to. Used after an attachment file moves on disk.
func (w *Workspace) RewriteAttachmentRefs(ctx context.Context, from, to string) error {
	changed := false
	for path, md := range w.doc.ListActive() {
		touched := false
		for i, a := range md.Attachments {
			if a.Path == from {
				md.Attachments[i].Path = to
				touched = true
			}
		}
		if !touched {
			continue
		}
		doc, err := w.readDoc(ctx, path)
		if err != nil {
			continue
		}
		diskMD := frontmatter.ToMetadata(doc, path)
		for i, a := range diskMD.Attachments {
			if a.Path == from {
				diskMD.Attachments[i].Path = to
			}
		}
		w.ensureFileID(&diskMD)
		if err := w.writeEntry(ctx, path, doc, &diskMD, doc.Body); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		w.emitWorkspaceUpdate()
	}
	return nil
}
