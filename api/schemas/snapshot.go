package schemas

// -- In-Page Extraction Contract --
//
// The in-page extraction routine is an external collaborator that runs inside
// the browser's JavaScript context. It returns a flat description of the
// page's interactive surface which the snapshot builder reconstructs into a
// tree. The shapes below are the bit-exact contract for that payload; index
// assignment depends on its completeness.

// Rect is a bounding box in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RawNode is one entry of the flat extraction payload. Element nodes carry a
// tag name and attributes; text nodes carry only text. Children are listed in
// document order. ParentID is the back-link used when Children is absent.
type RawNode struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parentId,omitempty"`
	Children   []string          `json:"children,omitempty"`
	TagName    string            `json:"tagName,omitempty"`
	Text       string            `json:"text,omitempty"`
	XPath      string            `json:"xpath,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`

	IsVisible     bool `json:"isVisible"`
	IsInteractive bool `json:"isInteractive,omitempty"`
	IsTopElement  bool `json:"isTopElement,omitempty"`
	IsInViewport  bool `json:"isInViewport,omitempty"`

	// ShadowRootID points at the synthetic id of a nested shadow-root
	// subtree, recorded as a boundary rather than flattened.
	ShadowRootID string `json:"shadowRoot,omitempty"`

	Rect *Rect `json:"rect,omitempty"`
}

// ExtractionPayload is the full result of one in-page extraction call.
type ExtractionPayload struct {
	RootID string              `json:"rootId"`
	Nodes  map[string]*RawNode `json:"map"`
	URL    string              `json:"url,omitempty"`
	Title  string              `json:"title,omitempty"`

	// PerfMetrics holds per-stage timings (milliseconds) reported by the
	// extraction script when debug mode is on.
	PerfMetrics map[string]float64 `json:"perfMetrics,omitempty"`
}

// -- Snapshot Build Options --

// ViewportUnbounded disables the in-viewport restriction entirely.
const ViewportUnbounded = -1

// BuildOptions parameterize one snapshot build. They are forwarded to the
// in-page extraction routine verbatim.
type BuildOptions struct {
	// HighlightElements draws visible markers on interactive elements.
	HighlightElements bool `json:"highlightElements"`
	// ViewportExpansion is the pixel margin beyond the viewport inside
	// which elements still count as "in viewport". ViewportUnbounded (-1)
	// removes the restriction.
	ViewportExpansion int `json:"viewportExpansion"`
	// FocusHighlightIndex restricts highlighting to a single index when >= 0.
	FocusHighlightIndex int `json:"focusHighlightIndex"`
	// DebugMode enables per-stage timing collection.
	DebugMode bool `json:"debugMode"`
}

// DefaultBuildOptions returns the options used when the caller passes none.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		HighlightElements:   true,
		ViewportExpansion:   0,
		FocusHighlightIndex: -1,
	}
}
