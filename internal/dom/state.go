package dom

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SelectorMap is the highlight-index lookup table for one snapshot. Exactly
// one lives per State; it owns references into that state's tree only.
type SelectorMap map[int]*ElementNode

// Indices returns the assigned highlight indices in ascending order.
func (m SelectorMap) Indices() []int {
	out := make([]int, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// BuildMetrics carries per-stage durations collected when debug mode is on.
type BuildMetrics struct {
	Extract     time.Duration
	Decode      time.Duration
	Reconstruct time.Duration
	Index       time.Duration
}

// State is the authoritative, immutable view of a page's interactive surface
// at one point in time. A new build supersedes it entirely: indices issued
// against an older state may refer to stale nodes.
type State struct {
	Root      *ElementNode
	Selectors SelectorMap

	URL   string
	Title string

	Metrics BuildMetrics
}

// Element returns the node assigned the given highlight index.
func (s *State) Element(index int) (*ElementNode, bool) {
	el, ok := s.Selectors[index]
	return el, ok
}

// FindOptions narrow a text search over the indexed surface.
type FindOptions struct {
	// TagNames restricts matches to the given tags when non-empty.
	TagNames []string
	// ExactMatch requires the aggregated text to equal the query instead
	// of containing it.
	ExactMatch bool
}

// FindByText returns the lowest highlight index whose element text matches.
func (s *State) FindByText(text string, opts FindOptions) (int, bool) {
	for _, idx := range s.Selectors.Indices() {
		el := s.Selectors[idx]
		if len(opts.TagNames) > 0 && !containsFold(opts.TagNames, el.Tag) {
			continue
		}
		elText := el.TextUntilNextClickable()
		if opts.ExactMatch {
			if elText == text {
				return idx, true
			}
		} else if strings.Contains(elText, text) {
			return idx, true
		}
	}
	return 0, false
}

// FindInput returns the lowest highlight index of an <input> matching the
// given type and/or placeholder; empty arguments match anything.
func (s *State) FindInput(inputType, placeholder string) (int, bool) {
	for _, idx := range s.Selectors.Indices() {
		el := s.Selectors[idx]
		if !strings.EqualFold(el.Tag, "input") {
			continue
		}
		if inputType != "" && !strings.EqualFold(el.Attr("type"), inputType) {
			continue
		}
		if placeholder != "" && !strings.Contains(el.Attr("placeholder"), placeholder) {
			continue
		}
		return idx, true
	}
	return 0, false
}

// Render produces the token summary of the indexed surface that upstream
// agents consume: one line per index, new elements prefixed with an
// asterisk. maxElements <= 0 renders everything.
func (s *State) Render(maxElements int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Page: %s\n", s.Title)
	fmt.Fprintf(&sb, "URL: %s\n", s.URL)

	indices := s.Selectors.Indices()
	if maxElements > 0 && len(indices) > maxElements {
		fmt.Fprintf(&sb, "Elements (%d of %d shown):\n", maxElements, len(indices))
		indices = indices[:maxElements]
	} else {
		fmt.Fprintf(&sb, "Elements (%d):\n", len(indices))
	}

	for _, idx := range indices {
		el := s.Selectors[idx]
		prefix := ""
		if el.IsNew {
			prefix = "*"
		}
		fmt.Fprintf(&sb, "%s[%d] %s", prefix, idx, el.Tag)
		if role := el.Attr("role"); role != "" && !strings.EqualFold(role, el.Tag) {
			fmt.Fprintf(&sb, " role=%s", role)
		}
		if text := el.TextUntilNextClickable(); text != "" {
			fmt.Fprintf(&sb, " %q", truncate(text, 50))
		} else if label := el.Attr("aria-label"); label != "" {
			fmt.Fprintf(&sb, " aria=%q", truncate(label, 50))
		} else if ph := el.Attr("placeholder"); ph != "" {
			fmt.Fprintf(&sb, " placeholder=%q", truncate(ph, 50))
		}
		if typ := el.Attr("type"); typ != "" {
			fmt.Fprintf(&sb, " type=%s", typ)
		}
		if href := el.Attr("href"); href != "" {
			fmt.Fprintf(&sb, " href=%q", truncate(href, 80))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
