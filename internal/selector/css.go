// Package selector converts recorded XPaths into robust CSS selectors. The
// synthesizer is a pure function of the node: it never performs I/O and never
// fails, degrading to the most specific selector it could build instead.
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-dom/internal/dom"
)

// safeAttributes is the fixed allow-list of stable identifying attributes
// appended to the target segment, in this order.
var safeAttributes = []string{
	"id",
	"name",
	"type",
	"placeholder",
	"aria-label",
	"role",
	"data-testid",
	"data-test-id",
	"data-qa",
	"data-cy",
	"title",
}

var (
	cssIdentRe = regexp.MustCompile(`^-?[_a-zA-Z][_a-zA-Z0-9-]*$`)
	hexClassRe = regexp.MustCompile(`^[0-9a-fA-F]{6,}$`)
	// css-in-js frameworks emit prefixed hash classes like css-1q2w3e.
	hashedClassRe = regexp.MustCompile(`^(?:css|jss|jsx|sc|svelte)-[0-9a-zA-Z]+$`)

	// One XPath step: tag, then optional predicates.
	segmentRe   = regexp.MustCompile(`^([a-zA-Z][-\w:]*|\*)(.*)$`)
	positionRe  = regexp.MustCompile(`^\[(\d+)\]$`)
	lastRe      = regexp.MustCompile(`^\[last\(\)(?:\s*-\s*(\d+))?\]$`)
	attrPredRe  = regexp.MustCompile(`^\[@([-\w]+)='([^']*)'\]$`)
	predicateRe = regexp.MustCompile(`\[[^\]]*\]`)
)

// Synthesize builds a CSS selector for the element from its recorded XPath,
// folded with class and attribute refinement on the target segment. When
// includeDynamic is false, noise-like class tokens (generated hashes) are
// skipped so the selector survives re-renders.
func Synthesize(el *dom.ElementNode, includeDynamic bool) string {
	if el == nil {
		return "*"
	}
	path := strings.TrimPrefix(el.XPath, "/")
	if path == "" {
		return refine(fallbackBase(el), el, includeDynamic)
	}

	rawSegments := strings.Split(path, "/")
	ancestors := ancestorChain(el)

	// Count real steps so ancestor alignment can feed sibling counts into
	// the last() translation; a mismatch just disables that refinement.
	var steps []string
	for _, seg := range rawSegments {
		if seg != "" {
			steps = append(steps, seg)
		}
	}
	aligned := len(ancestors) == len(steps)

	var sb strings.Builder
	descendant := false
	step := 0
	for _, seg := range rawSegments {
		if seg == "" {
			// Empty segment marks an XPath descendant axis.
			descendant = true
			continue
		}
		var node *dom.ElementNode
		if aligned {
			node = ancestors[step]
		}
		css := translateSegment(seg, node)
		if sb.Len() > 0 {
			if descendant {
				sb.WriteString(" ")
			} else {
				sb.WriteString(" > ")
			}
		}
		sb.WriteString(css)
		descendant = false
		step++
	}

	return refine(sb.String(), el, includeDynamic)
}

// ancestorChain returns the element chain from the document root down to el,
// following the non-owning parent pointers.
func ancestorChain(el *dom.ElementNode) []*dom.ElementNode {
	var chain []*dom.ElementNode
	for n := el; n != nil; n = n.ParentElement() {
		chain = append(chain, n)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// translateSegment converts one XPath step into a CSS compound selector.
// node, when non-nil, is the snapshot element this step resolved to and
// supplies sibling counts for last() translation.
func translateSegment(seg string, node *dom.ElementNode) string {
	m := segmentRe.FindStringSubmatch(seg)
	if m == nil {
		// Unrecognized step; keep the position out and fall back to a
		// universal match rather than emitting an invalid selector.
		return "*"
	}
	tag := cssTag(m[1])
	rest := m[2]

	var sb strings.Builder
	sb.WriteString(tag)

	for _, pred := range predicateRe.FindAllString(rest, -1) {
		switch {
		case positionRe.MatchString(pred):
			n, _ := strconv.Atoi(positionRe.FindStringSubmatch(pred)[1])
			// XPath and :nth-of-type share 1-indexing.
			fmt.Fprintf(&sb, ":nth-of-type(%d)", n)
		case lastRe.MatchString(pred):
			offset := 0
			if s := lastRe.FindStringSubmatch(pred)[1]; s != "" {
				offset, _ = strconv.Atoi(s)
			}
			sb.WriteString(translateLast(node, offset))
		case attrPredRe.MatchString(pred):
			am := attrPredRe.FindStringSubmatch(pred)
			if escaped, ok := escapeAttrValue(am[2]); ok {
				fmt.Fprintf(&sb, `[%s="%s"]`, am[1], escaped)
			}
		default:
			// Unsupported predicate (functions, unions); drop it and
			// keep the selector valid.
		}
	}
	return sb.String()
}

// translateLast converts [last()] / [last()-n] using the parent's same-tag
// child count when the snapshot provides it. Without a count there is no
// exact forward position, so it degrades to the reverse structural
// pseudo-class as the best-effort positional fallback.
func translateLast(node *dom.ElementNode, offset int) string {
	if node != nil {
		if count, ok := node.SameTagSiblingCount(); ok {
			pos := count - offset
			if pos >= 1 {
				return fmt.Sprintf(":nth-of-type(%d)", pos)
			}
		}
	}
	if offset == 0 {
		return ":last-of-type"
	}
	return fmt.Sprintf(":nth-last-of-type(%d)", offset+1)
}

// refine appends class tokens and safe attribute clauses for the target
// element to the base selector.
func refine(base string, el *dom.ElementNode, includeDynamic bool) string {
	var sb strings.Builder
	sb.WriteString(base)

	for _, token := range strings.Fields(el.Attr("class")) {
		if !cssIdentRe.MatchString(token) {
			continue
		}
		if !includeDynamic && isNoiseClass(token) {
			continue
		}
		sb.WriteString("." + token)
	}

	for _, attr := range safeAttributes {
		val := el.Attr(attr)
		if val == "" {
			continue
		}
		escaped, ok := escapeAttrValue(val)
		if !ok {
			// Unescapable values are dropped rather than risking an
			// unparsable selector.
			continue
		}
		fmt.Fprintf(&sb, `[%s="%s"]`, attr, escaped)
	}
	return sb.String()
}

// fallbackBase is used for elements recorded without an XPath.
func fallbackBase(el *dom.ElementNode) string {
	if el.Tag == "" {
		return "*"
	}
	return cssTag(el.Tag)
}

func cssTag(tag string) string {
	tag = strings.ToLower(tag)
	if tag == "*" {
		return tag
	}
	// Namespaced tags (svg:use) need the colon escaped in CSS.
	return strings.ReplaceAll(tag, ":", `\:`)
}

// isNoiseClass flags tokens that look machine-generated: raw hex hashes,
// css-in-js prefixed hashes, or long digit-heavy identifiers.
func isNoiseClass(token string) bool {
	if hexClassRe.MatchString(token) || hashedClassRe.MatchString(token) {
		return true
	}
	if len(token) >= 8 {
		digits := 0
		for _, r := range token {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 3 {
			return true
		}
	}
	return false
}

// escapeAttrValue escapes a value for CSS attribute-string syntax. Backslash,
// quote, and "]" get backslash escapes. Control characters make the value
// unescapable.
func escapeAttrValue(val string) (string, bool) {
	var sb strings.Builder
	for _, r := range val {
		switch {
		case r == '\\':
			sb.WriteString(`\\`)
		case r == '"':
			sb.WriteString(`\"`)
		case r == ']':
			sb.WriteString(`\]`)
		case r < 0x20 || r == 0x7f:
			return "", false
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), true
}
