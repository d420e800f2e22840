package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "notes/a.md", "notes/a.md"},
		{"leading slash", "/notes/a.md", "notes/a.md"},
		{"leading dot slash", "./notes/a.md", "notes/a.md"},
		{"backslashes", "notes\\a.md", "notes/a.md"},
		{"internal dots", "notes/./sub/../a.md", "notes/a.md"},
		{"empty", "", ""},
		{"dot", ".", ""},
		{"root file", "a.md", "a.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestParseFourFormats(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		fromDir string
		want    Link
	}{
		{"markdown root", "[Home](/notes/home.md)", "journal", Link{Path: "notes/home.md", Title: "Home"}},
		{"markdown relative", "[Home](../notes/home.md)", "journal", Link{Path: "notes/home.md", Title: "Home"}},
		{"plain relative", "../notes/home.md", "journal", Link{Path: "notes/home.md"}},
		{"plain canonical", "/notes/home.md", "journal", Link{Path: "notes/home.md"}},
		{"sibling relative", "other.md", "journal", Link{Path: "journal/other.md"}},
		{"root dir relative", "a.md", "", Link{Path: "a.md"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.raw, tt.fromDir))
		})
	}
}

// Formatting then reparsing then reformatting must be a fixed point for
// every path and format combination.
func TestFormatParseRoundTrip(t *testing.T) {
	paths := []string{"a.md", "notes/a.md", "deep/nested/dir/entry.md"}
	fromDirs := []string{"", "notes", "deep/nested"}
	formats := []Format{MarkdownRoot, MarkdownRelative, PlainRelative, PlainCanonical}

	for _, p := range paths {
		for _, dir := range fromDirs {
			for _, f := range formats {
				first := FormatLink(Link{Path: p}, f, dir)
				reparsed := Parse(first, dir)
				require.Equal(t, p, reparsed.Path, "path survives %s from %q: %q", f, dir, first)
				second := FormatLink(reparsed, f, dir)
				assert.Equal(t, first, second, "format is a fixed point for %s from %q", f, dir)
			}
		}
	}
}

func TestRelative(t *testing.T) {
	tests := []struct {
		canonical string
		fromDir   string
		want      string
	}{
		{"notes/a.md", "notes", "a.md"},
		{"notes/a.md", "", "notes/a.md"},
		{"a.md", "notes", "../a.md"},
		{"x/y/z.md", "x/q", "../y/z.md"},
		{"x/y/z.md", "x/y", "z.md"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Relative(tt.canonical, tt.fromDir), "%s from %s", tt.canonical, tt.fromDir)
	}
}

func TestIsPortable(t *testing.T) {
	assert.True(t, IsPortable("notes/a.md"))
	assert.True(t, IsPortable("a.md"))
	assert.False(t, IsPortable("/abs/a.md"))
	assert.False(t, IsPortable("C:/notes/a.md"))
	assert.False(t, IsPortable("../outside.md"))
}

func TestStemDirBase(t *testing.T) {
	assert.Equal(t, "entry", Stem("notes/entry.md"))
	assert.Equal(t, "notes", Dir("notes/entry.md"))
	assert.Equal(t, "", Dir("entry.md"))
	assert.Equal(t, "entry.md", Base("./notes/entry.md"))
	assert.Equal(t, "notes/entry.md", Join("notes", "entry.md"))
	assert.Equal(t, "entry.md", Join("", "entry.md"))
}
