// Package browser defines the contract between the snapshot/locator core and
// the underlying browser-automation driver. The core never touches driver
// internals; everything flows through the Driver interface so that the cdp
// implementation stays swappable in tests.
package browser

import (
	"context"
	"encoding/json"
)

// Frame is an opaque evaluation context. The zero value (nil) means the main
// frame; nested values come from ContentFrame and are only meaningful to the
// driver that produced them.
type Frame any

// Handle is an opaque reference to a live element inside some frame. Handles
// are only meaningful to the driver that produced them and become invalid
// when the element detaches.
type Handle any

// QueryKind selects the selector language for QueryAll.
type QueryKind int

const (
	ByCSS QueryKind = iota
	ByXPath
)

// Driver is the minimal surface the core needs from a browser-automation
// backend. All methods suspend on the calling context; the driver serializes
// commands against a single page, so sub-operations within one build or
// locate call execute in program order.
type Driver interface {
	// Evaluate runs a script in the given frame and returns its
	// JSON-encoded result.
	Evaluate(ctx context.Context, frame Frame, script string) (json.RawMessage, error)

	// QueryAll resolves a selector to all matching attached elements in
	// document order within the given frame.
	QueryAll(ctx context.Context, frame Frame, selector string, kind QueryKind) ([]Handle, error)

	// ContentFrame resolves an iframe element handle to its content
	// evaluation context.
	ContentFrame(ctx context.Context, frame Frame, iframe Handle) (Frame, error)

	// IsAttached reports whether the handle still refers to a connected
	// element.
	IsAttached(ctx context.Context, h Handle) (bool, error)

	// ScrollIntoView brings the element into the viewport. Best effort:
	// callers tolerate failure.
	ScrollIntoView(ctx context.Context, h Handle) error

	// Click dispatches a click on the resolved element.
	Click(ctx context.Context, h Handle) error

	// Type inserts text into the resolved element.
	Type(ctx context.Context, h Handle, text string) error
}

// StampQuerier is an optional driver capability: looking an element up by a
// previously stamped unique attribute via in-page script. The locator only
// uses this strategy when the driver asserts to it.
type StampQuerier interface {
	// QueryStamped returns the single element carrying attr=value in the
	// given frame, or a nil Handle when absent.
	QueryStamped(ctx context.Context, frame Frame, attr, value string) (Handle, error)
}

// Navigator is an optional driver capability used by the CLI and the cache
// prewarmer: drive the page to a URL and wait for load.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}
