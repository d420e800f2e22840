package frontmatter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
)

const sample = `---
title: My Note
part_of: index.md
custom_key: custom value
tags:
  - journal
  - ideas
---
# Body

Some text.
`

func TestParse(t *testing.T) {
	doc, err := Parse(sample)
	require.NoError(t, err)

	require.Len(t, doc.Fields, 4)
	assert.Equal(t, "title", doc.Fields[0].Key)
	assert.Equal(t, "part_of", doc.Fields[1].Key)
	assert.Equal(t, "custom_key", doc.Fields[2].Key)
	assert.Equal(t, "tags", doc.Fields[3].Key)

	title, ok := doc.Get("title")
	require.True(t, ok)
	assert.Equal(t, model.String("My Note"), title)

	tags, ok := doc.Get("tags")
	require.True(t, ok)
	require.Equal(t, model.KindList, tags.Kind)
	assert.Len(t, tags.List, 2)

	assert.Equal(t, "# Body\n\nSome text.\n", doc.Body)
}

func TestParseNoFrontmatter(t *testing.T) {
	_, err := Parse("just a body\n")
	assert.ErrorIs(t, err, ErrNoFrontmatter)

	doc, err := ParseOrEmpty("just a body\n")
	require.NoError(t, err)
	assert.Empty(t, doc.Fields)
	assert.Equal(t, "just a body\n", doc.Body)
}

func TestParseUnterminatedBlock(t *testing.T) {
	content := "---\ntitle: x\nno closing delimiter\n"
	_, err := Parse(content)
	assert.ErrorIs(t, err, ErrNoFrontmatter)

	doc, err := ParseOrEmpty(content)
	require.NoError(t, err)
	assert.Empty(t, doc.Fields)
	assert.Equal(t, content, doc.Body)
}

func TestParseBadYAML(t *testing.T) {
	_, err := Parse("---\n{unclosed\n---\nbody")
	assert.ErrorIs(t, err, ErrParse)
}

// Parse → serialize → parse yields the same keys in the same order with
// the same values, and the body byte-identical.
func TestRoundTrip(t *testing.T) {
	doc, err := Parse(sample)
	require.NoError(t, err)

	out, err := Serialize(doc)
	require.NoError(t, err)

	doc2, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, doc2.Fields, len(doc.Fields))
	for i := range doc.Fields {
		assert.Equal(t, doc.Fields[i].Key, doc2.Fields[i].Key)
		assert.True(t, doc.Fields[i].Value.Equal(doc2.Fields[i].Value), "value of %s", doc.Fields[i].Key)
	}
	assert.Equal(t, doc.Body, doc2.Body)
}

func TestSerializeSkipsReservedKeys(t *testing.T) {
	doc := &Doc{Body: "body\n"}
	doc.Set("title", model.String("x"))
	doc.Set("_internal", model.String("hidden"))

	out, err := Serialize(doc)
	require.NoError(t, err)
	assert.Contains(t, out, "title:")
	assert.NotContains(t, out, "_internal")
}

func TestSerializeBodyOnly(t *testing.T) {
	out, err := Serialize(&Doc{Body: "plain\n"})
	require.NoError(t, err)
	assert.Equal(t, "plain\n", out)
}

func TestExtractBody(t *testing.T) {
	assert.Equal(t, "# Body\n\nSome text.\n", ExtractBody(sample))
	assert.Equal(t, "no front\n", ExtractBody("no front\n"))
}

func TestToMetadata(t *testing.T) {
	content := `---
title: Note
part_of: ../index.md
contents:
  - child-a.md
  - child-b.md
audience: []
rating: 5
---
body
`
	doc, err := Parse(content)
	require.NoError(t, err)
	md := ToMetadata(doc, "sub/note.md")

	assert.Equal(t, "note.md", md.Filename)
	require.NotNil(t, md.Title)
	assert.Equal(t, "Note", *md.Title)
	require.NotNil(t, md.PartOf)
	assert.Equal(t, "index.md", *md.PartOf)
	require.NotNil(t, md.Contents)
	assert.Equal(t, []string{"sub/child-a.md", "sub/child-b.md"}, *md.Contents)
	require.NotNil(t, md.Audience)
	assert.Empty(t, *md.Audience)
	require.Len(t, md.Extra, 1)
	assert.Equal(t, "rating", md.Extra[0].Key)
	assert.Equal(t, model.Number(5), md.Extra[0].Value)
}

// An empty contents list and an absent contents key parse to different
// metadata: explicit empty index vs. leaf.
func TestToMetadataEmptyVsAbsentContents(t *testing.T) {
	withEmpty, err := Parse("---\ncontents: []\n---\n")
	require.NoError(t, err)
	md := ToMetadata(withEmpty, "a.md")
	require.NotNil(t, md.Contents)
	assert.Empty(t, *md.Contents)

	without, err := Parse("---\ntitle: x\n---\n")
	require.NoError(t, err)
	md = ToMetadata(without, "a.md")
	assert.Nil(t, md.Contents)
}

func TestApplyMetadataPreservesKeyOrder(t *testing.T) {
	content := "---\nrating: 5\ntitle: Old\nmood: calm\n---\nbody"
	doc, err := Parse(content)
	require.NoError(t, err)

	md := ToMetadata(doc, "a.md")
	newTitle := "New"
	md.Title = &newTitle

	ApplyMetadata(doc, &md, link.PlainRelative, "a.md")

	keys := make([]string, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		keys = append(keys, f.Key)
	}
	// title keeps its slot between the extra keys.
	assert.Equal(t, []string{"rating", "title", "mood"}, keys)
	v, _ := doc.Get("title")
	assert.Equal(t, "New", v.Str)
}

func TestRenderFormatsLinks(t *testing.T) {
	parent := "index.md"
	contents := []string{"sub/a.md", "sub/b.md"}
	md := model.FileMetadata{
		Filename: "home.md",
		PartOf:   &parent,
		Contents: &contents,
	}
	out, err := Render(nil, &md, "body\n", link.PlainRelative, "sub/home.md")
	require.NoError(t, err)
	assert.Contains(t, out, "part_of: ../index.md")
	assert.Contains(t, out, "- a.md")
	assert.True(t, strings.HasSuffix(out, "---\nbody\n"))

	out, err = Render(nil, &md, "body\n", link.MarkdownRoot, "sub/home.md")
	require.NoError(t, err)
	assert.Contains(t, out, "part_of: '[index](/index.md)'")
}
