// internal/browser/cdp/driver.go
package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/internal/browser"
	"github.com/xkilldash9x/scalpel-dom/internal/config"
)

// Driver implements browser.Driver on top of a chromedp session context.
// Frames and handles are *cdp.Node values; the main frame is nil.
type Driver struct {
	sessionCtx context.Context
	cfg        config.BrowserConfig
	logger     *zap.Logger
}

var (
	_ browser.Driver       = (*Driver)(nil)
	_ browser.StampQuerier = (*Driver)(nil)
	_ browser.Navigator    = (*Driver)(nil)
)

func NewDriver(sessionCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Driver {
	return &Driver{
		sessionCtx: sessionCtx,
		cfg:        cfg,
		logger:     logger.Named("driver"),
	}
}

// run executes chromedp actions against the session's tab, respecting both
// the session lifetime and the caller's deadline.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(d.sessionCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func frameNode(f browser.Frame) *cdp.Node {
	if f == nil {
		return nil
	}
	return f.(*cdp.Node)
}

func elementNode(h browser.Handle) *cdp.Node {
	return h.(*cdp.Node)
}

// Evaluate runs a script in the given frame. For the main frame this is a
// plain runtime evaluation; for iframe documents the script is invoked via
// CallFunctionOn against the document object, which executes it inside the
// frame's own context.
func (d *Driver) Evaluate(ctx context.Context, frame browser.Frame, script string) (json.RawMessage, error) {
	if fn := frameNode(frame); fn != nil {
		return d.evaluateInFrame(ctx, fn, script)
	}

	var res json.RawMessage
	err := d.run(ctx,
		chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return res, nil
}

func (d *Driver) evaluateInFrame(ctx context.Context, frame *cdp.Node, script string) (json.RawMessage, error) {
	var res json.RawMessage
	err := d.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		obj, err := cdpdom.ResolveNode().WithNodeID(frame.NodeID).Do(c)
		if err != nil {
			return fmt.Errorf("resolving frame document: %w", err)
		}
		decl := fmt.Sprintf("function() { return (%s); }", script)
		remote, exc, err := runtime.CallFunctionOn(decl).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			WithSilent(true).
			Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script threw: %s", exc.Text)
		}
		if remote != nil {
			res = json.RawMessage(remote.Value)
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluate in frame failed: %w", err)
	}
	return res, nil
}

// QueryAll resolves a selector within the frame. CSS queries scope to the
// frame's document node. XPath is evaluated inside the frame's own document
// rather than through the page-wide DOM search API, which pierces frame
// boundaries and would let a frame-local path match a node in a different
// document.
func (d *Driver) QueryAll(ctx context.Context, frame browser.Frame, selector string, kind browser.QueryKind) ([]browser.Handle, error) {
	if kind == browser.ByXPath {
		return d.queryXPath(ctx, frame, selector)
	}

	var nodes []*cdp.Node
	opts := []chromedp.QueryOption{chromedp.AtLeast(0), chromedp.ByQueryAll}
	if fn := frameNode(frame); fn != nil {
		opts = append(opts, chromedp.FromNode(fn))
	}

	if err := d.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("query %q failed: %w", selector, err)
	}

	handles := make([]browser.Handle, 0, len(nodes))
	for _, n := range nodes {
		handles = append(handles, n)
	}
	return handles, nil
}

// xpathCountScript and xpathItemScript run document.evaluate against the
// frame's own document, so matches never come from an ancestor or sibling
// document. Snapshot results are fetched item by item in document order.
const (
	xpathCountScript = `(function(xp) {
	return document.evaluate(xp, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotLength;
})(%s)`

	xpathItemScript = `(function(xp, i) {
	return document.evaluate(xp, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotItem(i);
})(%s, %s)`
)

func (d *Driver) queryXPath(ctx context.Context, frame browser.Frame, selector string) ([]browser.Handle, error) {
	fn := frameNode(frame)
	var handles []browser.Handle
	err := d.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		remote, err := d.evaluateToObject(c, fn, fmt.Sprintf(xpathCountScript, jsonEncode(selector)))
		if err != nil {
			return err
		}
		var count int
		if remote != nil && remote.Value != nil {
			if err := json.Unmarshal(remote.Value, &count); err != nil {
				return fmt.Errorf("decoding match count: %w", err)
			}
		}
		for i := 0; i < count; i++ {
			script := fmt.Sprintf(xpathItemScript, jsonEncode(selector), jsonEncode(i))
			item, err := d.evaluateToObject(c, fn, script)
			if err != nil {
				return err
			}
			if item == nil || item.ObjectID == "" {
				continue
			}
			node, err := adoptNode(c, item.ObjectID)
			if err != nil {
				return err
			}
			handles = append(handles, node)
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("query %q failed: %w", selector, err)
	}
	return handles, nil
}

// ContentFrame resolves an iframe element to its content document node. Only
// same-process frames carry a content document over CDP; out-of-process
// frames surface as an error and the element stays unreachable.
func (d *Driver) ContentFrame(ctx context.Context, frame browser.Frame, iframe browser.Handle) (browser.Frame, error) {
	node := elementNode(iframe)
	var content *cdp.Node
	err := d.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		desc, err := cdpdom.DescribeNode().
			WithBackendNodeID(node.BackendNodeID).
			WithPierce(true).
			Do(c)
		if err != nil {
			return err
		}
		if desc.ContentDocument == nil {
			return fmt.Errorf("iframe has no reachable content document")
		}
		content = desc.ContentDocument
		if content.NodeID == 0 {
			// DescribeNode does not push nodes to the frontend, so the
			// content document needs an explicit push before queries
			// can scope to it.
			ids, err := cdpdom.PushNodesByBackendIDsToFrontend(
				[]cdp.BackendNodeID{content.BackendNodeID}).Do(c)
			if err == nil && len(ids) == 1 {
				content.NodeID = ids[0]
			}
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("resolving content frame: %w", err)
	}
	return content, nil
}

// IsAttached reports whether the node still resolves in the page.
func (d *Driver) IsAttached(ctx context.Context, h browser.Handle) (bool, error) {
	node := elementNode(h)
	err := d.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := cdpdom.DescribeNode().WithBackendNodeID(node.BackendNodeID).Do(c)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// ScrollIntoView brings the element into the viewport.
func (d *Driver) ScrollIntoView(ctx context.Context, h browser.Handle) error {
	node := elementNode(h)
	return d.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return cdpdom.ScrollIntoViewIfNeeded().WithBackendNodeID(node.BackendNodeID).Do(c)
	}))
}

// Click dispatches a mouse click on the node.
func (d *Driver) Click(ctx context.Context, h browser.Handle) error {
	return d.run(ctx, chromedp.MouseClickNode(elementNode(h)))
}

// Type focuses the node and sends the text as key events.
func (d *Driver) Type(ctx context.Context, h browser.Handle, text string) error {
	return d.run(ctx, chromedp.KeyEventNode(elementNode(h), text))
}

// stampLookupScript finds the single element carrying attr=value, piercing
// open shadow roots. It returns the element object itself, so the lookup runs
// without returnByValue and the result is adopted as a DOM node.
const stampLookupScript = `(function(attr, value) {
	const find = (root) => {
		const el = root.querySelector('[' + attr + '="' + value + '"]');
		if (el) return el;
		for (const host of root.querySelectorAll('*')) {
			if (host.shadowRoot) {
				const m = find(host.shadowRoot);
				if (m) return m;
			}
		}
		return null;
	};
	return find(document);
})(%s, %s)`

// QueryStamped implements browser.StampQuerier.
func (d *Driver) QueryStamped(ctx context.Context, frame browser.Frame, attr, value string) (browser.Handle, error) {
	script := fmt.Sprintf(stampLookupScript, jsonEncode(attr), jsonEncode(value))

	var handle *cdp.Node
	err := d.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		remote, err := d.evaluateToObject(c, frameNode(frame), script)
		if err != nil {
			return err
		}
		if remote == nil || remote.ObjectID == "" {
			return nil
		}
		node, err := adoptNode(c, remote.ObjectID)
		if err != nil {
			return err
		}
		handle = node
		return nil
	}))
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, nil
	}
	return handle, nil
}

// adoptNode pulls a remote element object into the DOM agent and describes
// it, yielding a node usable as a handle.
func adoptNode(c context.Context, objectID runtime.RemoteObjectID) (*cdp.Node, error) {
	nodeID, err := cdpdom.RequestNode(objectID).Do(c)
	if err != nil {
		return nil, fmt.Errorf("adopting node: %w", err)
	}
	desc, err := cdpdom.DescribeNode().WithNodeID(nodeID).Do(c)
	if err != nil {
		return nil, fmt.Errorf("describing node: %w", err)
	}
	if desc.NodeID == 0 {
		desc.NodeID = nodeID
	}
	return desc, nil
}

// evaluateToObject evaluates script and keeps the result as a remote object
// reference instead of serializing it.
func (d *Driver) evaluateToObject(c context.Context, frame *cdp.Node, script string) (*runtime.RemoteObject, error) {
	if frame == nil {
		remote, exc, err := runtime.Evaluate(script).WithSilent(true).Do(c)
		if err != nil {
			return nil, err
		}
		if exc != nil {
			return nil, fmt.Errorf("script threw: %s", exc.Text)
		}
		return remote, nil
	}

	obj, err := cdpdom.ResolveNode().WithNodeID(frame.NodeID).Do(c)
	if err != nil {
		return nil, fmt.Errorf("resolving frame document: %w", err)
	}
	decl := fmt.Sprintf("function() { return (%s); }", script)
	remote, exc, err := runtime.CallFunctionOn(decl).
		WithObjectID(obj.ObjectID).
		WithSilent(true).
		Do(c)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("script threw: %s", exc.Text)
	}
	return remote, nil
}

// Navigate implements browser.Navigator: drive the tab to the URL and wait
// for the document plus the configured post-load settle.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if d.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, d.cfg.NavigationTimeout)
		defer cancel()
	}

	d.logger.Debug("Navigating.", zap.String("url", url))
	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if d.cfg.PostLoadWait > 0 {
		tasks = append(tasks, chromedp.Sleep(d.cfg.PostLoadWait))
	}
	if err := d.run(navCtx, tasks); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// jsonEncode safely encodes a value (especially strings) for JS injection.
func jsonEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
