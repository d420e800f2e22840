package frontmatter

import (
	"strings"

	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
)

// Core frontmatter keys. Everything else lands in FileMetadata.Extra.
const (
	keyTitle       = "title"
	keyPartOf      = "part_of"
	keyContents    = "contents"
	keyAudience    = "audience"
	keyDescription = "description"
	keyAttachments = "attachments"
	keyFileID      = "diaryx_id"
)

func isCoreKey(key string) bool {
	switch key {
	case keyTitle, keyPartOf, keyContents, keyAudience, keyDescription, keyAttachments, keyFileID:
		return true
	}
	return false
}

// ToMetadata interprets a parsed doc as FileMetadata for the file at
// canonical path p. Link values in part_of/contents/attachments are
// normalized to canonical paths regardless of which of the four formats
// the file used.
func ToMetadata(doc *Doc, p string) model.FileMetadata {
	dir := link.Dir(p)
	md := model.FileMetadata{Filename: link.Base(p)}
	for _, f := range doc.Fields {
		switch f.Key {
		case keyTitle:
			if f.Value.Kind == model.KindString {
				s := f.Value.Str
				md.Title = &s
			}
		case keyDescription:
			if f.Value.Kind == model.KindString {
				s := f.Value.Str
				md.Description = &s
			}
		case keyPartOf:
			if f.Value.Kind == model.KindString && f.Value.Str != "" {
				parent := link.Parse(f.Value.Str, dir).Path
				md.PartOf = &parent
			}
		case keyContents:
			list := stringList(f.Value)
			resolved := make([]string, 0, len(list))
			for _, raw := range list {
				resolved = append(resolved, link.Parse(raw, dir).Path)
			}
			md.Contents = &resolved
		case keyAudience:
			aud := stringList(f.Value)
			md.Audience = &aud
		case keyAttachments:
			for _, raw := range stringList(f.Value) {
				md.Attachments = append(md.Attachments, model.BinaryRef{Path: link.Parse(raw, dir).Path})
			}
		case keyFileID:
			if f.Value.Kind == model.KindString {
				md.FileID = f.Value.Str
			}
		default:
			if strings.HasPrefix(f.Key, "_") {
				continue
			}
			md.Extra = append(md.Extra, model.ExtraEntry{Key: f.Key, Value: f.Value})
		}
	}
	return md
}

func stringList(v model.Value) []string {
	switch v.Kind {
	case model.KindString:
		if v.Str == "" {
			return []string{}
		}
		return []string{v.Str}
	case model.KindList:
		out := make([]string, 0, len(v.List))
		for _, item := range v.List {
			if item.Kind == model.KindString {
				out = append(out, item.Str)
			}
		}
		return out
	}
	return []string{}
}

// ApplyMetadata writes md into doc, updating core keys in place so that
// existing key order survives a rewrite, and appending keys the file did
// not have yet. Link-valued keys are formatted per the workspace format.
// Unset optional fields remove their keys.
func ApplyMetadata(doc *Doc, md *model.FileMetadata, format link.Format, p string) {
	dir := link.Dir(p)

	setOrRemoveString(doc, keyTitle, md.Title)
	if md.PartOf != nil {
		doc.Set(keyPartOf, model.String(formatRef(*md.PartOf, format, dir)))
	} else {
		doc.Remove(keyPartOf)
	}
	if md.Contents != nil {
		items := make([]model.Value, 0, len(*md.Contents))
		for _, c := range *md.Contents {
			items = append(items, model.String(formatRef(c, format, dir)))
		}
		doc.Set(keyContents, model.Value{Kind: model.KindList, List: items})
	} else {
		doc.Remove(keyContents)
	}
	if md.Audience != nil {
		items := make([]model.Value, 0, len(*md.Audience))
		for _, a := range *md.Audience {
			items = append(items, model.String(a))
		}
		doc.Set(keyAudience, model.Value{Kind: model.KindList, List: items})
	} else {
		doc.Remove(keyAudience)
	}
	setOrRemoveString(doc, keyDescription, md.Description)
	if len(md.Attachments) > 0 {
		items := make([]model.Value, 0, len(md.Attachments))
		for _, a := range md.Attachments {
			items = append(items, model.String(formatRef(a.Path, format, dir)))
		}
		doc.Set(keyAttachments, model.Value{Kind: model.KindList, List: items})
	} else {
		doc.Remove(keyAttachments)
	}
	if md.FileID != "" {
		doc.Set(keyFileID, model.String(md.FileID))
	}

	// Extra keys: update known ones in place, append new ones, drop core
	// schema collisions (the typed fields above are authoritative).
	seen := make(map[string]bool, len(md.Extra))
	for _, e := range md.Extra {
		if isCoreKey(e.Key) || strings.HasPrefix(e.Key, "_") {
			continue
		}
		seen[e.Key] = true
		doc.Set(e.Key, e.Value)
	}
	var kept []Field
	for _, f := range doc.Fields {
		if !isCoreKey(f.Key) && !seen[f.Key] && !strings.HasPrefix(f.Key, "_") {
			continue // stale extra key no longer in metadata
		}
		kept = append(kept, f)
	}
	doc.Fields = kept
}

func formatRef(canonical string, format link.Format, dir string) string {
	return link.FormatLink(link.Link{Path: canonical}, format, dir)
}

func setOrRemoveString(doc *Doc, key string, v *string) {
	if v == nil {
		doc.Remove(key)
		return
	}
	doc.Set(key, model.String(*v))
}

// Render serializes metadata + body to a complete markdown file, starting
// from the file's previous parsed form when available so key order is
// stable across rewrites.
func Render(prev *Doc, md *model.FileMetadata, body string, format link.Format, p string) (string, error) {
	doc := &Doc{}
	if prev != nil {
		doc.Fields = append(doc.Fields, prev.Fields...)
	}
	doc.Body = body
	ApplyMetadata(doc, md, format, p)
	return Serialize(doc)
}
