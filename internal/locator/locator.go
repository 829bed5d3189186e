// Package locator resolves snapshot elements back to live browser handles.
// Resolution walks the iframe ancestry outermost-first, then runs a fixed
// strategy chain inside the innermost frame: synthesized CSS, recorded XPath,
// and finally the stamped-attribute script lookup when the driver supports it.
package locator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/internal/browser"
	"github.com/xkilldash9x/scalpel-dom/internal/dom"
	"github.com/xkilldash9x/scalpel-dom/internal/selector"
)

// StampAttribute is the unique attribute the extraction script writes onto
// every indexed element; the stamped strategy queries it verbatim.
const StampAttribute = "data-scalpel-stamp"

// StabilizationFunc runs after an element is brought into view and before it
// is returned or acted on. Typical implementations wait out animations or
// layout shifts. A failure aborts the operation.
type StabilizationFunc func(ctx context.Context, frame browser.Frame) error

// Config tunes resolution behavior.
type Config struct {
	// Attempts is how many times the full strategy chain runs for the
	// target element before giving up. Minimum 1.
	Attempts int
	// Backoff is the wait between attempts, doubled each retry.
	Backoff time.Duration
	// IncludeDynamicClasses forwards to the selector synthesizer.
	IncludeDynamicClasses bool
	// Stabilize, when set, runs after scroll-into-view on every resolve.
	Stabilize StabilizationFunc
}

// DefaultConfig returns the tuning used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Backoff:  200 * time.Millisecond,
	}
}

// Locator turns highlight indices from a snapshot into live element handles
// and mediates the interactions that follow.
type Locator struct {
	driver browser.Driver
	logger *zap.Logger
	cfg    Config
}

func New(driver browser.Driver, logger *zap.Logger, cfg Config) *Locator {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Locator{
		driver: driver,
		logger: logger.Named("locator"),
		cfg:    cfg,
	}
}

// Resolved pairs a live handle with the frame it lives in, so follow-up
// script evaluation targets the right context.
type Resolved struct {
	Handle browser.Handle
	Frame  browser.Frame
	Node   *dom.ElementNode
}

// Resolve locates the element carrying the given highlight index and returns
// its live handle. An unreachable iframe ancestor fails immediately; the
// target element itself is retried per the configured budget.
func (l *Locator) Resolve(ctx context.Context, state *dom.State, index int) (*Resolved, error) {
	el, ok := state.Element(index)
	if !ok {
		return nil, &dom.NotFoundError{Index: index, Reason: "index not present in snapshot"}
	}

	frame, err := l.resolveFrameChain(ctx, el)
	if err != nil {
		return nil, err
	}

	handle, strategies, err := l.resolveTarget(ctx, frame, el)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, &dom.NotFoundError{
			Index:      index,
			XPath:      el.XPath,
			Strategies: strategies,
			Reason:     "no strategy matched",
		}
	}

	if err := l.settle(ctx, frame, handle); err != nil {
		return nil, err
	}

	l.logger.Debug("element resolved",
		zap.Int("index", index),
		zap.String("element", el.Describe()),
		zap.Strings("strategies", strategies))
	return &Resolved{Handle: handle, Frame: frame, Node: el}, nil
}

// resolveFrameChain enters each iframe ancestor of el, outermost first, and
// returns the innermost content frame. Any miss along the chain means the
// page structure diverged from the snapshot, so it fails without retry.
func (l *Locator) resolveFrameChain(ctx context.Context, el *dom.ElementNode) (browser.Frame, error) {
	var frame browser.Frame
	for _, iframe := range el.FrameChain() {
		handle, strategies := l.queryChain(ctx, frame, iframe)
		if handle == nil {
			return nil, &dom.NotFoundError{
				Index:      dom.HighlightOf(el),
				XPath:      el.XPath,
				Strategies: strategies,
				Reason:     "iframe ancestor " + iframe.Describe() + " unreachable",
			}
		}
		inner, err := l.driver.ContentFrame(ctx, frame, handle)
		if err != nil {
			return nil, &dom.NotFoundError{
				Index:  dom.HighlightOf(el),
				XPath:  el.XPath,
				Reason: "iframe ancestor " + iframe.Describe() + " has no content frame: " + err.Error(),
			}
		}
		frame = inner
	}
	return frame, nil
}

// resolveTarget runs the strategy chain with the configured retry budget.
func (l *Locator) resolveTarget(ctx context.Context, frame browser.Frame, el *dom.ElementNode) (browser.Handle, []string, error) {
	backoff := l.cfg.Backoff
	var strategies []string
	for attempt := 0; attempt < l.cfg.Attempts; attempt++ {
		if attempt > 0 {
			l.logger.Debug("retrying element resolution",
				zap.Int("attempt", attempt+1),
				zap.String("element", el.Describe()))
			select {
			case <-ctx.Done():
				return nil, strategies, l.wrapCtxErr(ctx, "locate", el)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		handle, tried := l.queryChain(ctx, frame, el)
		strategies = tried
		if handle != nil {
			return handle, strategies, nil
		}
		if ctx.Err() != nil {
			return nil, strategies, l.wrapCtxErr(ctx, "locate", el)
		}
	}
	return nil, strategies, nil
}

// queryChain tries each strategy once, in order, and returns the first match
// in document order plus the names of the strategies attempted. Strategy
// errors are logged and treated as misses.
func (l *Locator) queryChain(ctx context.Context, frame browser.Frame, el *dom.ElementNode) (browser.Handle, []string) {
	var tried []string

	css := selector.Synthesize(el, l.cfg.IncludeDynamicClasses)
	tried = append(tried, "css:"+css)
	if h := l.queryFirst(ctx, frame, css, browser.ByCSS); h != nil {
		return h, tried
	}

	if el.XPath != "" {
		tried = append(tried, "xpath:"+el.XPath)
		if h := l.queryFirst(ctx, frame, el.XPath, browser.ByXPath); h != nil {
			return h, tried
		}
	}

	if sq, ok := l.driver.(browser.StampQuerier); ok {
		if stamp := el.Attr(StampAttribute); stamp != "" {
			tried = append(tried, "stamp:"+stamp)
			h, err := sq.QueryStamped(ctx, frame, StampAttribute, stamp)
			if err != nil {
				l.logger.Debug("stamped lookup failed", zap.Error(err))
			} else if h != nil {
				return h, tried
			}
		}
	}
	return nil, tried
}

func (l *Locator) queryFirst(ctx context.Context, frame browser.Frame, sel string, kind browser.QueryKind) browser.Handle {
	handles, err := l.driver.QueryAll(ctx, frame, sel, kind)
	if err != nil {
		l.logger.Debug("query failed", zap.String("selector", sel), zap.Error(err))
		return nil
	}
	if len(handles) == 0 {
		return nil
	}
	// QueryAll returns document order; ties resolve to the first match.
	return handles[0]
}

// settle scrolls the element into view (best effort) and runs the
// stabilization hook when configured.
func (l *Locator) settle(ctx context.Context, frame browser.Frame, h browser.Handle) error {
	if err := l.driver.ScrollIntoView(ctx, h); err != nil {
		l.logger.Debug("scroll into view failed", zap.Error(err))
	}
	if l.cfg.Stabilize != nil {
		if err := l.cfg.Stabilize(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Click resolves the element and dispatches a click. A handle that detaches
// between resolution and dispatch gets one re-resolution before the stale
// condition is surfaced.
func (l *Locator) Click(ctx context.Context, state *dom.State, index int) error {
	return l.interact(ctx, state, index, func(r *Resolved) error {
		return l.driver.Click(ctx, r.Handle)
	})
}

// Type resolves the element and inserts text into it, with the same single
// stale-retry as Click.
func (l *Locator) Type(ctx context.Context, state *dom.State, index int, text string) error {
	return l.interact(ctx, state, index, func(r *Resolved) error {
		return l.driver.Type(ctx, r.Handle, text)
	})
}

func (l *Locator) interact(ctx context.Context, state *dom.State, index int, act func(*Resolved) error) error {
	r, err := l.Resolve(ctx, state, index)
	if err != nil {
		return err
	}
	actErr := act(r)
	if actErr == nil {
		return nil
	}
	if !l.detached(ctx, r.Handle) {
		return actErr
	}

	l.logger.Debug("handle detached during interaction, re-resolving",
		zap.Int("index", index))
	r, err = l.Resolve(ctx, state, index)
	if err != nil {
		return errors.Join(&dom.StaleElementError{Index: index, XPath: xpathOf(state, index)}, err)
	}
	if err := act(r); err != nil {
		if l.detached(ctx, r.Handle) {
			return &dom.StaleElementError{Index: index, XPath: r.Node.XPath}
		}
		return err
	}
	return nil
}

func (l *Locator) detached(ctx context.Context, h browser.Handle) bool {
	attached, err := l.driver.IsAttached(ctx, h)
	return err == nil && !attached
}

func (l *Locator) wrapCtxErr(ctx context.Context, op string, el *dom.ElementNode) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &dom.TimeoutError{
			Op:    op,
			Index: dom.HighlightOf(el),
			XPath: el.XPath,
			Err:   err,
		}
	}
	return err
}

func xpathOf(state *dom.State, index int) string {
	if el, ok := state.Element(index); ok {
		return el.XPath
	}
	return ""
}
