package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idx(i int) *int { return &i }

func TestAppendChildSetsParent(t *testing.T) {
	parent := &ElementNode{Tag: "div"}
	child := &ElementNode{Tag: "span"}
	text := &TextNode{Text: "hello", IsVisible: true}

	parent.AppendChild(child)
	parent.AppendChild(text)

	require.Len(t, parent.Children, 2)
	assert.Same(t, parent, child.ParentElement())
	assert.Same(t, parent, text.ParentElement())
	assert.Nil(t, parent.ParentElement())
}

func TestFrameChainOutermostFirst(t *testing.T) {
	body := &ElementNode{Tag: "body"}
	outer := &ElementNode{Tag: "iframe", Attributes: map[string]string{"id": "outer"}}
	inner := &ElementNode{Tag: "IFRAME", Attributes: map[string]string{"id": "inner"}}
	wrapper := &ElementNode{Tag: "div"}
	button := &ElementNode{Tag: "button"}

	body.AppendChild(outer)
	outer.AppendChild(inner)
	inner.AppendChild(wrapper)
	wrapper.AppendChild(button)

	chain := button.FrameChain()
	require.Len(t, chain, 2)
	assert.Equal(t, "outer", chain[0].Attr("id"))
	assert.Equal(t, "inner", chain[1].Attr("id"))

	assert.Empty(t, body.FrameChain())
}

func TestIsIFrameCaseInsensitive(t *testing.T) {
	assert.True(t, (&ElementNode{Tag: "iframe"}).IsIFrame())
	assert.True(t, (&ElementNode{Tag: "IFrame"}).IsIFrame())
	assert.False(t, (&ElementNode{Tag: "frame"}).IsIFrame())
}

func TestSameTagSiblingCount(t *testing.T) {
	ul := &ElementNode{Tag: "ul"}
	var items []*ElementNode
	for i := 0; i < 3; i++ {
		li := &ElementNode{Tag: "li"}
		ul.AppendChild(li)
		items = append(items, li)
	}
	ul.AppendChild(&ElementNode{Tag: "div"})
	ul.AppendChild(&TextNode{Text: "tail"})

	count, known := items[1].SameTagSiblingCount()
	assert.True(t, known)
	assert.Equal(t, 3, count)

	// A detached node has no sibling information.
	_, known = ul.SameTagSiblingCount()
	assert.False(t, known)
}

func TestTextUntilNextClickableStopsAtIndexedDescendants(t *testing.T) {
	card := &ElementNode{Tag: "div", HighlightIndex: idx(0)}
	card.AppendChild(&TextNode{Text: "  Order  \n #42 "})

	span := &ElementNode{Tag: "span"}
	span.AppendChild(&TextNode{Text: "shipped"})
	card.AppendChild(span)

	// Text owned by a nested indexed element is not duplicated upward.
	cancel := &ElementNode{Tag: "button", HighlightIndex: idx(1)}
	cancel.AppendChild(&TextNode{Text: "Cancel"})
	card.AppendChild(cancel)

	assert.Equal(t, "Order #42 shipped", card.TextUntilNextClickable())
	assert.Equal(t, "Cancel", cancel.TextUntilNextClickable())
}

func TestDescribe(t *testing.T) {
	el := &ElementNode{
		Tag:            "button",
		Attributes:     map[string]string{"id": "go", "aria-label": "Submit form"},
		HighlightIndex: idx(7),
	}
	assert.Equal(t, `<button id="go" aria-label="Submit form">[7]`, el.Describe())

	bare := &ElementNode{Tag: "div"}
	assert.Equal(t, "<div>", bare.Describe())
}

func TestHighlightOf(t *testing.T) {
	assert.Equal(t, -1, HighlightOf(nil))
	assert.Equal(t, -1, HighlightOf(&ElementNode{Tag: "div"}))
	assert.Equal(t, 3, HighlightOf(&ElementNode{Tag: "a", HighlightIndex: idx(3)}))
}
