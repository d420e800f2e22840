// Package frontmatter parses and serializes markdown files of the form
// `---\n<yaml>\n---\n<body>`. The YAML block is kept as an ordered list of
// key/value pairs so that re-emitting a file never shuffles keys, which
// would be observable (and noisy) in version control.
package frontmatter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/diaryx/diaryx-go/internal/model"
)

// ErrNoFrontmatter is returned by Parse when the content does not start
// with a frontmatter block. Distinct from a YAML parse failure.
var ErrNoFrontmatter = errors.New("frontmatter: no frontmatter block")

// ErrParse is returned when the YAML block exists but fails to decode.
var ErrParse = errors.New("frontmatter: parse error")

// Doc is a parsed markdown file: ordered frontmatter plus body.
type Doc struct {
	Fields []Field
	Body   string
}

// Field is one frontmatter key/value pair in file order.
type Field struct {
	Key   string
	Value model.Value
}

// Get returns the value for key and whether it was present.
func (d *Doc) Get(key string) (model.Value, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return model.Value{}, false
}

// Set replaces key's value in place, preserving its position; a new key
// is appended at the end.
func (d *Doc) Set(key string, v model.Value) {
	for i, f := range d.Fields {
		if f.Key == key {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Key: key, Value: v})
}

// Remove drops key if present and reports whether it was.
func (d *Doc) Remove(key string) bool {
	for i, f := range d.Fields {
		if f.Key == key {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return true
		}
	}
	return false
}

const delimiter = "---\n"

// Parse splits content into frontmatter and body. Content that does not
// open with `---\n` returns ErrNoFrontmatter.
func Parse(content string) (*Doc, error) {
	if !hasOpeningDelimiter(content) {
		return nil, ErrNoFrontmatter
	}
	return parseAfterDelimiter(content)
}

// ParseOrEmpty is the recoverable variant: content without frontmatter,
// or with an unterminated block, yields empty fields and the whole
// content as body.
func ParseOrEmpty(content string) (*Doc, error) {
	if !hasOpeningDelimiter(content) {
		return &Doc{Body: content}, nil
	}
	doc, err := parseAfterDelimiter(content)
	if errors.Is(err, ErrNoFrontmatter) {
		return &Doc{Body: content}, nil
	}
	return doc, err
}

func hasOpeningDelimiter(content string) bool {
	return strings.HasPrefix(content, delimiter) || strings.HasPrefix(content, "---\r\n")
}

func parseAfterDelimiter(content string) (*Doc, error) {
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---\n")
	closeLen := 5
	if end < 0 {
		end = strings.Index(rest, "\n---\r\n")
		closeLen = 6
	}
	if end < 0 {
		// Opening delimiter but no close: not a frontmatter block.
		return nil, ErrNoFrontmatter
	}
	yamlStr := rest[:end]
	body := rest[end+closeLen:]

	fields, err := parseYAML(yamlStr)
	if err != nil {
		return nil, err
	}
	return &Doc{Fields: fields, Body: body}, nil
}

// ExtractBody strips the frontmatter block if any and returns the body.
func ExtractBody(content string) string {
	doc, err := ParseOrEmpty(content)
	if err != nil {
		return content
	}
	return doc.Body
}

func parseYAML(src string) ([]Field, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(src), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: frontmatter is not a mapping", ErrParse)
	}
	fields := make([]Field, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		val, err := fromNode(mapping.Content[i+1])
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Key: key, Value: val})
	}
	return fields, nil
}

// Serialize renders the doc back to markdown. Keys beginning with `_` are
// reserved for in-memory bookkeeping and are never written to disk.
func Serialize(doc *Doc) (string, error) {
	var persisted []Field
	for _, f := range doc.Fields {
		if strings.HasPrefix(f.Key, "_") {
			continue
		}
		persisted = append(persisted, f)
	}
	if len(persisted) == 0 {
		return doc.Body, nil
	}
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, f := range persisted {
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Key},
			toNode(f.Value),
		)
	}
	out, err := yaml.Marshal(mapping)
	if err != nil {
		return "", fmt.Errorf("frontmatter: marshal: %w", err)
	}
	return "---\n" + string(out) + "---\n" + doc.Body, nil
}

func fromNode(n *yaml.Node) (model.Value, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return fromScalar(n), nil
	case yaml.SequenceNode:
		list := make([]model.Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return model.Value{}, err
			}
			list = append(list, v)
		}
		return model.Value{Kind: model.KindList, List: list}, nil
	case yaml.MappingNode:
		entries := make([]model.MapEntry, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return model.Value{}, err
			}
			entries = append(entries, model.MapEntry{Key: n.Content[i].Value, Value: v})
		}
		return model.Value{Kind: model.KindMap, Map: entries}, nil
	case yaml.AliasNode:
		return fromNode(n.Alias)
	}
	return model.Null(), nil
}

func fromScalar(n *yaml.Node) model.Value {
	switch n.Tag {
	case "!!null":
		return model.Null()
	case "!!bool":
		return model.Bool(n.Value == "true" || n.Value == "True" || n.Value == "TRUE")
	case "!!int", "!!float":
		if f, err := strconv.ParseFloat(n.Value, 64); err == nil {
			return model.Number(f)
		}
	}
	return model.String(n.Value)
}

func toNode(v model.Value) *yaml.Node {
	switch v.Kind {
	case model.KindNull:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	case model.KindBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.Bool)}
	case model.KindNumber:
		if v.Number == float64(int64(v.Number)) {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(int64(v.Number), 10)}
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v.Number, 'g', -1, 64)}
	case model.KindString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Str}
	case model.KindList:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v.List {
			n.Content = append(n.Content, toNode(item))
		}
		return n
	case model.KindMap:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, e := range v.Map {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Key},
				toNode(e.Value),
			)
		}
		return n
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}
