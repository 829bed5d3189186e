// Package dom holds the typed representation of a page snapshot: the node
// tree, the highlight-index map, and the builder that reconstructs both from
// the in-page extraction payload.
package dom

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-dom/api/schemas"
)

// Node is the closed variant over the two snapshot node kinds. Traversal
// sites switch on the concrete type; no other implementations exist.
type Node interface {
	// node seals the interface to this package.
	node()
	// Visible reports the visibility flag recorded at build time.
	Visible() bool
	// ParentElement returns the non-owning back-reference to the owning
	// element, or nil for the root.
	ParentElement() *ElementNode
}

// TextNode is a leaf carrying text content.
type TextNode struct {
	Text      string
	IsVisible bool

	// parent is a non-owning back-pointer; ownership runs root-down
	// through ElementNode.Children only.
	parent *ElementNode
}

func (t *TextNode) node()                       {}
func (t *TextNode) Visible() bool               { return t.IsVisible }
func (t *TextNode) ParentElement() *ElementNode { return t.parent }

// ElementNode is an element of the snapshot tree. Nodes are created once per
// build and never mutated afterwards, except for the diff pass which may set
// IsNew and reassign HighlightIndex before a state is published.
type ElementNode struct {
	Tag        string
	XPath      string
	Attributes map[string]string
	Children   []Node

	IsVisible     bool
	IsInteractive bool
	IsTopElement  bool
	IsInViewport  bool

	// HighlightIndex is present iff the element is interactive and was
	// selected for indexing during the build traversal.
	HighlightIndex *int

	// ShadowRoot holds a nested shadow-root subtree recorded as a
	// boundary, never flattened into Children.
	ShadowRoot *ElementNode

	// IsNew marks elements that appeared since the cached snapshot this
	// state was diffed against.
	IsNew bool

	Rect *schemas.Rect

	parent *ElementNode
}

func (e *ElementNode) node()                       {}
func (e *ElementNode) Visible() bool               { return e.IsVisible }
func (e *ElementNode) ParentElement() *ElementNode { return e.parent }

// AppendChild attaches a child node and sets its back-pointer. The builder
// and diff pass use this; trees are not restructured after publication.
func (e *ElementNode) AppendChild(child Node) {
	switch v := child.(type) {
	case *ElementNode:
		v.parent = e
	case *TextNode:
		v.parent = e
	}
	e.Children = append(e.Children, child)
}

// Attr returns the named attribute or "".
func (e *ElementNode) Attr(name string) string {
	return e.Attributes[name]
}

// IsIFrame reports whether this element is an iframe boundary the locator
// must enter before resolving descendants.
func (e *ElementNode) IsIFrame() bool {
	return strings.EqualFold(e.Tag, "iframe")
}

// SameTagSiblingCount returns how many children of this element's parent
// share its tag, and whether the count is known. The selector synthesizer
// uses this to translate XPath last() predicates.
func (e *ElementNode) SameTagSiblingCount() (int, bool) {
	if e.parent == nil {
		return 0, false
	}
	count := 0
	for _, child := range e.parent.Children {
		if sib, ok := child.(*ElementNode); ok && strings.EqualFold(sib.Tag, e.Tag) {
			count++
		}
	}
	return count, true
}

// FrameChain returns the iframe ancestors of the node, outermost first. The
// locator enters each frame's content context in this order before
// evaluating the final selector.
func (e *ElementNode) FrameChain() []*ElementNode {
	var chain []*ElementNode
	for p := e.parent; p != nil; p = p.parent {
		if p.IsIFrame() {
			chain = append(chain, p)
		}
	}
	// Collected innermost-first; reverse.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// TextUntilNextClickable aggregates descendant text, stopping at any nested
// element that carries its own highlight index. This yields the label an
// agent sees for the element without duplicating text owned by deeper
// interactive children.
func (e *ElementNode) TextUntilNextClickable() string {
	var sb strings.Builder
	var walk func(n Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *TextNode:
			if sb.Len() > 0 && v.Text != "" {
				sb.WriteString(" ")
			}
			sb.WriteString(v.Text)
		case *ElementNode:
			if v != e && v.HighlightIndex != nil {
				return
			}
			for _, child := range v.Children {
				walk(child)
			}
		}
	}
	walk(e)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Describe renders a short human-readable identity for logs and errors.
func (e *ElementNode) Describe() string {
	var sb strings.Builder
	sb.WriteString("<")
	sb.WriteString(e.Tag)
	if id := e.Attr("id"); id != "" {
		fmt.Fprintf(&sb, " id=%q", id)
	}
	if label := e.Attr("aria-label"); label != "" {
		fmt.Fprintf(&sb, " aria-label=%q", label)
	}
	sb.WriteString(">")
	if e.HighlightIndex != nil {
		fmt.Fprintf(&sb, "[%d]", *e.HighlightIndex)
	}
	return sb.String()
}
