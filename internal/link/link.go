// Package link parses and formats the four workspace link encodings and
// converts between canonical and relative paths. Canonical paths are the
// only shape allowed in CRDT keys; formatting happens at the disk boundary.
package link

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Format selects the on-disk encoding of workspace links. Each workspace
// picks one, persisted in its config.
type Format string

const (
	// MarkdownRoot renders `[Title](/canonical/path.md)`.
	MarkdownRoot Format = "markdown_root"
	// MarkdownRelative renders `[Title](../relative/path.md)`.
	MarkdownRelative Format = "markdown_relative"
	// PlainRelative renders `../relative/path.md`.
	PlainRelative Format = "plain_relative"
	// PlainCanonical renders `/canonical/path.md`.
	PlainCanonical Format = "plain_canonical"
)

// Valid reports whether f is one of the four supported formats.
func (f Format) Valid() bool {
	switch f {
	case MarkdownRoot, MarkdownRelative, PlainRelative, PlainCanonical:
		return true
	}
	return false
}

// Link is the parsed form of any of the four encodings.
type Link struct {
	// Path is canonical: forward-slash, workspace-relative, no leading slash.
	Path string
	// Title is the markdown link text, empty for plain encodings.
	Title string
}

var markdownLinkRe = regexp.MustCompile(`^\[([^\]]*)\]\(([^)]+)\)$`)

// Parse decodes any of the four encodings. fromDir is the canonical
// directory of the file the link appears in; it anchors relative paths.
func Parse(raw, fromDir string) Link {
	raw = strings.TrimSpace(raw)
	if m := markdownLinkRe.FindStringSubmatch(raw); m != nil {
		return Link{Title: m[1], Path: resolve(m[2], fromDir)}
	}
	return Link{Path: resolve(raw, fromDir)}
}

// resolve turns a root-anchored or relative target into a canonical path.
func resolve(target, fromDir string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "/") {
		return Normalize(target)
	}
	if fromDir == "" || fromDir == "." {
		return Normalize(target)
	}
	return Normalize(path.Join(fromDir, target))
}

// FormatLink encodes l in the requested format. fromDir anchors the
// relative encodings. A missing title falls back to the filename stem.
func FormatLink(l Link, f Format, fromDir string) string {
	switch f {
	case MarkdownRoot:
		return fmt.Sprintf("[%s](/%s)", titleOrStem(l), l.Path)
	case MarkdownRelative:
		return fmt.Sprintf("[%s](%s)", titleOrStem(l), Relative(l.Path, fromDir))
	case PlainRelative:
		return Relative(l.Path, fromDir)
	case PlainCanonical:
		return "/" + l.Path
	}
	return l.Path
}

func titleOrStem(l Link) string {
	if l.Title != "" {
		return l.Title
	}
	return Stem(l.Path)
}

// Relative converts a canonical path to a path relative to fromDir.
func Relative(canonical, fromDir string) string {
	canonical = Normalize(canonical)
	fromDir = Normalize(fromDir)
	if fromDir == "" {
		return canonical
	}
	fromParts := strings.Split(fromDir, "/")
	toParts := strings.Split(canonical, "/")
	common := 0
	for common < len(fromParts) && common < len(toParts)-1 && fromParts[common] == toParts[common] {
		common++
	}
	var b strings.Builder
	for i := common; i < len(fromParts); i++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(toParts[common:], "/"))
	return b.String()
}

// Normalize reduces a path to canonical shape: forward slashes, no
// leading `/` or `./`, no internal `.`/`..` segments, NFC-normalized.
// This is a parse-time operation; both forms are never stored.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = norm.NFC.String(p)
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// IsPortable reports whether p is safe to store: no absolute paths, no
// Windows drive letters, no parent escapes.
func IsPortable(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	if len(p) >= 2 && p[1] == ':' {
		return false
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// Stem returns the filename without directory or extension.
func Stem(p string) string {
	base := path.Base(p)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// Dir returns the canonical directory of p, "" for root-level paths.
func Dir(p string) string {
	d := path.Dir(Normalize(p))
	if d == "." {
		return ""
	}
	return d
}

// Base returns the filename component of p.
func Base(p string) string { return path.Base(Normalize(p)) }

// Join joins canonical segments, skipping empties.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return Normalize(path.Join(kept...))
}
