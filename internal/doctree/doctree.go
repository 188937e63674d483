// Package doctree builds a hierarchical document tree from the flat element
// stream produced by the upstream PDF structuring step.
//
// Input elements carry a slash-delimited structural path (optionally suffixed
// with bracketed occurrence indices) and a text fragment. Headings and plain
// paragraphs are flat in the stream, so they are nested using a running
// heading context; table, list and inline content carries reliable nesting
// information in its path and is nested by strict ancestor lookup instead,
// synthesizing placeholder nodes for missing intermediate segments.
package doctree

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Element is one entry of the flat input stream.
type Element struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// Document is the wire shape of an input file.
type Document struct {
	Elements []Element `json:"elements"`
}

// Node is a node in the parsed structural tree. Trees are built once and
// read-only afterward.
type Node struct {
	Name     string  `json:"name"`
	Text     string  `json:"text,omitempty"`
	Path     string  `json:"path,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

var (
	headingRe    = regexp.MustCompile(`/H(\d+)(\[\d+\])?$`)
	structuralRe = regexp.MustCompile(`/(TR|TD|TH|LBody|LI|Lbl|Caption|Footnote|Aside)`)
	inlineRe     = regexp.MustCompile(`/(Span|Sub|StyleSpan|ExtraCharSpan)$`)
	topTableRe   = regexp.MustCompile(`^//Document/Table(\[\d+\])?$`)
)

// Decode reads an input document and builds its tree.
func Decode(r io.Reader) (*Node, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return Build(doc.Elements), nil
}

// NormalizePath rewrites a path to the canonical double-slash-prefixed form.
func NormalizePath(path string) string {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return ""
	}
	return "//" + path
}

// headingLevel reports the heading depth encoded in a path. The document
// title is level 0.
func headingLevel(path string) (int, bool) {
	if strings.HasSuffix(path, "/Title") {
		return 0, true
	}
	m := headingRe.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	level := 0
	for _, c := range m[1] {
		level = level*10 + int(c-'0')
	}
	return level, true
}

func parentPath(path string) string {
	if path == "" || path == "//" {
		return ""
	}
	parts := strings.Split(path[2:], "/")
	if len(parts) <= 1 {
		return ""
	}
	return "//" + strings.Join(parts[:len(parts)-1], "/")
}

func lastSegment(path string) string {
	if path == "" {
		return ""
	}
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Build converts the flat element list into a single tree. Elements with a
// malformed or absent path are attached to the current heading context as a
// best effort; the run is never aborted on input shape.
func Build(elements []Element) *Node {
	root := &Node{Name: "Document Root"}
	headingCtx := map[int]*Node{0: root}
	byPath := map[string]*Node{"": root, "//Document": root}

	deepestHeading := func() *Node {
		deepest := 0
		for lvl := range headingCtx {
			if lvl > deepest {
				deepest = lvl
			}
		}
		return headingCtx[deepest]
	}

	// ensure walks the path upward until a known node is found, creating
	// placeholder nodes for any missing intermediate segments.
	var ensure func(target string) *Node
	ensure = func(target string) *Node {
		normalized := NormalizePath(target)
		if normalized == "" || normalized == "//Document" {
			return root
		}
		if n, ok := byPath[normalized]; ok {
			return n
		}
		parent := root
		if pp := parentPath(normalized); pp == "" || pp == "//Document" {
			parent = deepestHeading()
		} else {
			parent = ensure(pp)
		}
		n := &Node{Name: lastSegment(normalized), Path: normalized}
		byPath[normalized] = n
		parent.Children = append(parent.Children, n)
		return n
	}

	for _, el := range elements {
		path := NormalizePath(el.Path)
		name := lastSegment(path)

		// The document root element is implicit, not a content node.
		if name == "Document" && path == "//Document" {
			continue
		}

		node := &Node{Name: name, Text: el.Text, Path: path}
		byPath[path] = node

		switch level, isHeading := headingLevel(path); {
		case isHeading:
			parentLevel := 0
			for lvl := range headingCtx {
				if lvl < level && lvl > parentLevel {
					parentLevel = lvl
				}
			}
			parent := headingCtx[parentLevel]
			parent.Children = append(parent.Children, node)
			headingCtx[level] = node
			for lvl := range headingCtx {
				if lvl > level {
					delete(headingCtx, lvl)
				}
			}

		case topTableRe.MatchString(path):
			// Top-level tables belong to the current heading, not the root.
			parent := deepestHeading()
			parent.Children = append(parent.Children, node)

		case inlineRe.MatchString(path) || structuralRe.MatchString(path):
			parent := ensure(parentPath(path))
			parent.Children = append(parent.Children, node)

		default:
			parent := deepestHeading()
			parent.Children = append(parent.Children, node)
		}
	}

	return root
}

// Walk visits n and every descendant in pre-order (document order), using an
// explicit stack so adversarially deep trees cannot exhaust the call stack.
func (n *Node) Walk(visit func(*Node)) {
	if n == nil {
		return
	}
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(cur)
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

// WalkDepth is Walk with a depth limit; nodes deeper than maxDepth below n
// are not visited. n itself is at depth 0.
func (n *Node) WalkDepth(maxDepth int, visit func(node *Node, depth int)) {
	if n == nil {
		return
	}
	type frame struct {
		node  *Node
		depth int
	}
	stack := []frame{{n, 0}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.depth > maxDepth {
			continue
		}
		visit(cur.node, cur.depth)
		for i := len(cur.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{cur.node.Children[i], cur.depth + 1})
		}
	}
}

// DeepText returns the node's own text, or the first non-empty text found
// depth-first among its descendants. Many structural nodes carry no text of
// their own and hold their content in a nested span.
func (n *Node) DeepText() string {
	if n == nil {
		return ""
	}
	var found string
	n.Walk(func(c *Node) {
		if found != "" {
			return
		}
		if t := strings.TrimSpace(c.Text); t != "" {
			found = t
		}
	})
	return found
}

// FlatText concatenates the text of the node and all descendants in document
// order, collapsing newlines into spaces.
func (n *Node) FlatText() string {
	if n == nil {
		return ""
	}
	var parts []string
	n.Walk(func(c *Node) {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	})
	joined := strings.Join(parts, " ")
	joined = strings.ReplaceAll(joined, "\n", " ")
	joined = strings.ReplaceAll(joined, "\r", " ")
	return strings.TrimSpace(joined)
}

// FindByNamePrefix returns all nodes (including n) whose name starts with
// prefix, in document order.
func (n *Node) FindByNamePrefix(prefix string) []*Node {
	var found []*Node
	n.Walk(func(c *Node) {
		if strings.HasPrefix(c.Name, prefix) {
			found = append(found, c)
		}
	})
	return found
}

// BaseName strips the bracketed occurrence index off a node name, so
// "TD[2]" and "TD" compare equal.
func BaseName(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		return name[:i]
	}
	return name
}

// Count returns the number of nodes in the tree rooted at n.
func (n *Node) Count() int {
	count := 0
	n.Walk(func(*Node) { count++ })
	return count
}
