// Package crdt implements the multi-document CRDT layer: the workspace
// metadata document (a map of canonical path → FileMetadata built from
// last-writer-wins registers), per-file body documents (an RGA text
// sequence plus a frontmatter register map), lazy body caching, and
// history reconstruction over the storage update log.
//
// No Go CRDT library covers this shape; the op model follows the
// hand-rolled CRDTs in the reference corpus (an LWW register map and a
// per-rune RGA with tombstones) with a compact binary encoding defined
// in the codec subpackage.
package crdt

import (
	"fmt"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
	"github.com/diaryx/diaryx-go/internal/model"
)

// Register field names of a workspace entry. The register key on the wire
// is `<canonical path>\x1f<field>`.
const (
	fieldFilename    = "filename"
	fieldTitle       = "title"
	fieldPartOf      = "part_of"
	fieldContents    = "contents"
	fieldAttachments = "attachments"
	fieldAudience    = "audience"
	fieldDescription = "description"
	fieldExtra       = "extra"
	fieldDeleted     = "deleted"
	fieldModifiedAt  = "modified_at"
	fieldFileID      = "file_id"
)

// keySep separates path from field in register keys. Paths are canonical
// and can never contain a control byte.
const keySep = "\x1f"

func registerKey(path, field string) string { return path + keySep + field }

func splitRegisterKey(key string) (path, field string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == keySep[0] {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// --- field value encoding ---
//
// Register values carry a one-byte presence marker for optional fields so
// "unset" and "set to empty" stay distinct through the wire format. That
// distinction carries the leaf/empty-index semantics end to end.

func encodeString(s string) []byte { return codec.AppendString(nil, s) }

func decodeString(b []byte) (string, error) {
	s, _, err := codec.ReadString(b)
	return s, err
}

func encodeOptString(s *string) []byte {
	if s == nil {
		return []byte{0}
	}
	return codec.AppendString([]byte{1}, *s)
}

func decodeOptString(b []byte) (*string, error) {
	if len(b) == 0 {
		return nil, codec.ErrShortBuffer
	}
	if b[0] == 0 {
		return nil, nil
	}
	s, _, err := codec.ReadString(b[1:])
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeStrings(items []string) []byte {
	buf := codec.AppendVarUint(nil, uint64(len(items)))
	for _, item := range items {
		buf = codec.AppendString(buf, item)
	}
	return buf
}

func decodeStrings(b []byte) ([]string, error) {
	n, used, err := codec.ReadVarUint(b)
	if err != nil {
		return nil, err
	}
	b = b[used:]
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, used, err := codec.ReadString(b)
		if err != nil {
			return nil, err
		}
		b = b[used:]
		out = append(out, s)
	}
	return out, nil
}

func encodeOptStrings(items *[]string) []byte {
	if items == nil {
		return []byte{0}
	}
	return append([]byte{1}, encodeStrings(*items)...)
}

func decodeOptStrings(b []byte) (*[]string, error) {
	if len(b) == 0 {
		return nil, codec.ErrShortBuffer
	}
	if b[0] == 0 {
		return nil, nil
	}
	items, err := decodeStrings(b[1:])
	if err != nil {
		return nil, err
	}
	return &items, nil
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) (bool, error) {
	if len(b) == 0 {
		return false, codec.ErrShortBuffer
	}
	return b[0] != 0, nil
}

func encodeInt64(v int64) []byte {
	return codec.AppendVarUint(nil, uint64(v))
}

func decodeInt64(b []byte) (int64, error) {
	n, _, err := codec.ReadVarUint(b)
	return int64(n), err
}

func encodeAttachments(refs []model.BinaryRef) []byte {
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		paths = append(paths, r.Path)
	}
	return encodeStrings(paths)
}

func decodeAttachments(b []byte) ([]model.BinaryRef, error) {
	paths, err := decodeStrings(b)
	if err != nil {
		return nil, err
	}
	var refs []model.BinaryRef
	for _, p := range paths {
		refs = append(refs, model.BinaryRef{Path: p})
	}
	return refs, nil
}

// --- dynamic value encoding (the `extra` field) ---

func encodeValue(buf []byte, v model.Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case model.KindBool:
		buf = append(buf, encodeBool(v.Bool)...)
	case model.KindNumber:
		buf = codec.AppendString(buf, fmt.Sprintf("%g", v.Number))
	case model.KindString:
		buf = codec.AppendString(buf, v.Str)
	case model.KindList:
		buf = codec.AppendVarUint(buf, uint64(len(v.List)))
		for _, item := range v.List {
			buf = encodeValue(buf, item)
		}
	case model.KindMap:
		buf = codec.AppendVarUint(buf, uint64(len(v.Map)))
		for _, e := range v.Map {
			buf = codec.AppendString(buf, e.Key)
			buf = encodeValue(buf, e.Value)
		}
	}
	return buf
}

func decodeValue(b []byte) (model.Value, []byte, error) {
	if len(b) == 0 {
		return model.Value{}, nil, codec.ErrShortBuffer
	}
	kind := model.ValueKind(b[0])
	b = b[1:]
	switch kind {
	case model.KindNull:
		return model.Null(), b, nil
	case model.KindBool:
		if len(b) == 0 {
			return model.Value{}, nil, codec.ErrShortBuffer
		}
		return model.Bool(b[0] != 0), b[1:], nil
	case model.KindNumber:
		s, used, err := codec.ReadString(b)
		if err != nil {
			return model.Value{}, nil, err
		}
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return model.Value{}, nil, fmt.Errorf("crdt: bad number %q: %w", s, err)
		}
		return model.Number(f), b[used:], nil
	case model.KindString:
		s, used, err := codec.ReadString(b)
		if err != nil {
			return model.Value{}, nil, err
		}
		return model.String(s), b[used:], nil
	case model.KindList:
		n, used, err := codec.ReadVarUint(b)
		if err != nil {
			return model.Value{}, nil, err
		}
		b = b[used:]
		list := make([]model.Value, 0, n)
		for i := uint64(0); i < n; i++ {
			var item model.Value
			item, b, err = decodeValue(b)
			if err != nil {
				return model.Value{}, nil, err
			}
			list = append(list, item)
		}
		return model.Value{Kind: model.KindList, List: list}, b, nil
	case model.KindMap:
		n, used, err := codec.ReadVarUint(b)
		if err != nil {
			return model.Value{}, nil, err
		}
		b = b[used:]
		entries := make([]model.MapEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			key, used, err := codec.ReadString(b)
			if err != nil {
				return model.Value{}, nil, err
			}
			b = b[used:]
			var val model.Value
			val, b, err = decodeValue(b)
			if err != nil {
				return model.Value{}, nil, err
			}
			entries = append(entries, model.MapEntry{Key: key, Value: val})
		}
		return model.Value{Kind: model.KindMap, Map: entries}, b, nil
	}
	return model.Value{}, nil, fmt.Errorf("crdt: unknown value kind %d", kind)
}

func encodeExtra(entries []model.ExtraEntry) []byte {
	buf := codec.AppendVarUint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = codec.AppendString(buf, e.Key)
		buf = encodeValue(buf, e.Value)
	}
	return buf
}

func decodeExtra(b []byte) ([]model.ExtraEntry, error) {
	n, used, err := codec.ReadVarUint(b)
	if err != nil {
		return nil, err
	}
	b = b[used:]
	var entries []model.ExtraEntry
	for i := uint64(0); i < n; i++ {
		key, used, err := codec.ReadString(b)
		if err != nil {
			return nil, err
		}
		b = b[used:]
		var val model.Value
		val, b, err = decodeValue(b)
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.ExtraEntry{Key: key, Value: val})
	}
	return entries, nil
}

// encodeField serializes one FileMetadata field into register bytes.
func encodeField(md *model.FileMetadata, field string) []byte {
	switch field {
	case fieldFilename:
		return encodeString(md.Filename)
	case fieldTitle:
		return encodeOptString(md.Title)
	case fieldPartOf:
		return encodeOptString(md.PartOf)
	case fieldContents:
		return encodeOptStrings(md.Contents)
	case fieldAttachments:
		return encodeAttachments(md.Attachments)
	case fieldAudience:
		return encodeOptStrings(md.Audience)
	case fieldDescription:
		return encodeOptString(md.Description)
	case fieldExtra:
		return encodeExtra(md.Extra)
	case fieldDeleted:
		return encodeBool(md.Deleted)
	case fieldModifiedAt:
		return encodeInt64(md.ModifiedAt)
	case fieldFileID:
		return encodeString(md.FileID)
	}
	return nil
}

// decodeField writes one register value into md.
func decodeField(md *model.FileMetadata, field string, b []byte) error {
	var err error
	switch field {
	case fieldFilename:
		md.Filename, err = decodeString(b)
	case fieldTitle:
		md.Title, err = decodeOptString(b)
	case fieldPartOf:
		md.PartOf, err = decodeOptString(b)
	case fieldContents:
		md.Contents, err = decodeOptStrings(b)
	case fieldAttachments:
		md.Attachments, err = decodeAttachments(b)
	case fieldAudience:
		md.Audience, err = decodeOptStrings(b)
	case fieldDescription:
		md.Description, err = decodeOptString(b)
	case fieldExtra:
		md.Extra, err = decodeExtra(b)
	case fieldDeleted:
		md.Deleted, err = decodeBool(b)
	case fieldModifiedAt:
		md.ModifiedAt, err = decodeInt64(b)
	case fieldFileID:
		md.FileID, err = decodeString(b)
	}
	return err
}

// metadataFields is the full register field set, in encode order.
var metadataFields = []string{
	fieldFilename, fieldTitle, fieldPartOf, fieldContents, fieldAttachments,
	fieldAudience, fieldDescription, fieldExtra, fieldDeleted, fieldModifiedAt,
	fieldFileID,
}

// changedFields returns the fields whose value differs between old and new.
// A nil old means every non-zero field of new changed.
func changedFields(old, new *model.FileMetadata) []string {
	var out []string
	for _, field := range metadataFields {
		if old == nil || string(encodeField(old, field)) != string(encodeField(new, field)) {
			out = append(out, field)
		}
	}
	return out
}
