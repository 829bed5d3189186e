package dom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/api/schemas"
	"github.com/xkilldash9x/scalpel-dom/internal/browser"
)

var payloadJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// BuilderConfig tunes the snapshot builder.
type BuilderConfig struct {
	// ExtractionScript is the in-page extraction routine, a JS function
	// expression taking the build options object. The script itself is an
	// external collaborator; only its payload contract is ours.
	ExtractionScript string
	// ExtractionTimeout is the per-attempt budget for the in-page call.
	ExtractionTimeout time.Duration
	// ExtractionRetries bounds how many times a timed-out extraction is
	// retried before surfacing a TimeoutError.
	ExtractionRetries int
	// RetryBackoff is the base delay between retries, doubled per attempt.
	RetryBackoff time.Duration
}

// DefaultBuilderConfig returns the tuning used when the config layer
// provides none.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		ExtractionTimeout: 15 * time.Second,
		ExtractionRetries: 2,
		RetryBackoff:      250 * time.Millisecond,
	}
}

// Builder drives the in-page extraction routine and reconstructs its flat
// payload into a State. Interactivity classification is the collaborator's
// job; the builder strictly reconstructs and assigns indices.
type Builder struct {
	driver browser.Driver
	logger *zap.Logger
	cfg    BuilderConfig
}

// NewBuilder creates a snapshot builder over the given driver.
func NewBuilder(driver browser.Driver, logger *zap.Logger, cfg BuilderConfig) *Builder {
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = DefaultBuilderConfig().ExtractionTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultBuilderConfig().RetryBackoff
	}
	return &Builder{
		driver: driver,
		logger: logger.Named("builder"),
		cfg:    cfg,
	}
}

// Build invokes the extraction routine once (retrying only on timeout),
// reconstructs the tree, and assigns highlight indices in depth-first
// pre-order. frame selects the evaluation context; nil means the main frame.
func (b *Builder) Build(ctx context.Context, frame browser.Frame, opts schemas.BuildOptions) (*State, error) {
	raw, extractDur, err := b.extract(ctx, frame, opts)
	if err != nil {
		return nil, err
	}

	decodeStart := time.Now()
	var payload schemas.ExtractionPayload
	if err := payloadJSON.Unmarshal(raw, &payload); err != nil {
		return nil, &ExtractionError{Reason: "undecodable payload", Err: err}
	}
	decodeDur := time.Since(decodeStart)

	reconStart := time.Now()
	root, err := reconstruct(&payload)
	if err != nil {
		return nil, err
	}
	reconDur := time.Since(reconStart)

	indexStart := time.Now()
	selectors := assignIndices(root, opts)
	indexDur := time.Since(indexStart)

	state := &State{
		Root:      root,
		Selectors: selectors,
		URL:       payload.URL,
		Title:     payload.Title,
		Metrics: BuildMetrics{
			Extract:     extractDur,
			Decode:      decodeDur,
			Reconstruct: reconDur,
			Index:       indexDur,
		},
	}

	if opts.DebugMode {
		b.logger.Debug("Snapshot build complete.",
			zap.Duration("extract", extractDur),
			zap.Duration("decode", decodeDur),
			zap.Duration("reconstruct", reconDur),
			zap.Duration("index", indexDur),
			zap.Int("indexed_elements", len(selectors)),
			zap.Any("in_page_metrics", payload.PerfMetrics),
		)
	}
	return state, nil
}

// extract runs the in-page call with the per-attempt budget, retrying timed
// out attempts with doubling backoff. Any non-timeout failure surfaces
// immediately as an ExtractionError.
func (b *Builder) extract(ctx context.Context, frame browser.Frame, opts schemas.BuildOptions) (json.RawMessage, time.Duration, error) {
	if b.cfg.ExtractionScript == "" {
		return nil, 0, &ExtractionError{Reason: "no extraction script configured"}
	}
	optsJSON, err := payloadJSON.Marshal(opts)
	if err != nil {
		return nil, 0, &ExtractionError{Reason: "unencodable build options", Err: err}
	}
	invocation := fmt.Sprintf("(%s)(%s)", b.cfg.ExtractionScript, optsJSON)

	var lastErr error
	backoff := b.cfg.RetryBackoff
	start := time.Now()
	for attempt := 0; attempt <= b.cfg.ExtractionRetries; attempt++ {
		if attempt > 0 {
			b.logger.Debug("Retrying extraction after timeout.",
				zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.ExtractionTimeout)
		raw, err := b.driver.Evaluate(attemptCtx, frame, invocation)
		cancel()

		if err == nil {
			return raw, time.Since(start), nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = err
			continue
		}
		return nil, 0, &ExtractionError{Reason: "in-page extraction call failed", Err: err}
	}
	return nil, 0, &TimeoutError{Op: "extraction", Budget: b.cfg.ExtractionTimeout, Err: lastErr}
}

// Fingerprint computes the cheap structural summary the cache layer uses for
// freshness validation: the ordered tag sequence of candidate interactive
// elements, hashed. It deliberately avoids a full extraction.
func (b *Builder) Fingerprint(ctx context.Context, frame browser.Frame) (uint64, error) {
	const script = `Array.from(document.querySelectorAll(
		'a,button,input,select,textarea,summary,[role],[tabindex],[onclick]'
	)).map(e => e.tagName).join(',')`

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.ExtractionTimeout)
	defer cancel()

	raw, err := b.driver.Evaluate(opCtx, frame, script)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, &TimeoutError{Op: "fingerprint", Budget: b.cfg.ExtractionTimeout, Err: err}
		}
		return 0, fmt.Errorf("fingerprint evaluation failed: %w", err)
	}

	var tags string
	if err := payloadJSON.Unmarshal(raw, &tags); err != nil {
		return 0, fmt.Errorf("fingerprint result not a string: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tags))
	return h.Sum64(), nil
}

// -- Tree Reconstruction --

func reconstruct(payload *schemas.ExtractionPayload) (*ElementNode, error) {
	if payload.RootID == "" {
		return nil, &ExtractionError{Reason: "payload missing root id"}
	}
	if len(payload.Nodes) == 0 {
		return nil, &ExtractionError{Reason: "payload contains no nodes"}
	}

	children := childIndex(payload)
	visited := make(map[string]bool, len(payload.Nodes))

	root, err := buildNode(payload, children, payload.RootID, nil, visited)
	if err != nil {
		return nil, err
	}
	rootEl, ok := root.(*ElementNode)
	if !ok {
		return nil, &ExtractionError{Reason: "root is not an element node"}
	}
	return rootEl, nil
}

// childIndex resolves child ordering. Nodes that carry explicit Children
// lists win; for payloads that only provide parent back-links, children are
// ordered by their synthetic ids, which the extraction routine assigns in
// document order.
func childIndex(payload *schemas.ExtractionPayload) map[string][]string {
	idx := make(map[string][]string)
	explicit := false
	for _, n := range payload.Nodes {
		if len(n.Children) > 0 {
			explicit = true
			break
		}
	}
	if explicit {
		for id, n := range payload.Nodes {
			idx[id] = n.Children
		}
		return idx
	}
	for id, n := range payload.Nodes {
		if n.ParentID != "" {
			idx[n.ParentID] = append(idx[n.ParentID], id)
		}
	}
	for _, ids := range idx {
		sort.Slice(ids, func(i, j int) bool { return lessSyntheticID(ids[i], ids[j]) })
	}
	return idx
}

func lessSyntheticID(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func buildNode(payload *schemas.ExtractionPayload, children map[string][]string, id string, parent *ElementNode, visited map[string]bool) (Node, error) {
	raw, ok := payload.Nodes[id]
	if !ok {
		return nil, &ExtractionError{Reason: fmt.Sprintf("dangling node reference %q", id)}
	}
	if visited[id] {
		return nil, &ExtractionError{Reason: fmt.Sprintf("cycle detected at node %q", id)}
	}
	visited[id] = true

	if raw.TagName == "" {
		if raw.Text == "" {
			return nil, &ExtractionError{Reason: fmt.Sprintf("node %q has neither tag nor text", id)}
		}
		return &TextNode{Text: raw.Text, IsVisible: raw.IsVisible, parent: parent}, nil
	}

	el := &ElementNode{
		Tag:           raw.TagName,
		XPath:         raw.XPath,
		Attributes:    raw.Attributes,
		IsVisible:     raw.IsVisible,
		IsInteractive: raw.IsInteractive,
		IsTopElement:  raw.IsTopElement,
		IsInViewport:  raw.IsInViewport,
		Rect:          raw.Rect,
		parent:        parent,
	}
	if el.Attributes == nil {
		el.Attributes = map[string]string{}
	}

	if raw.ShadowRootID != "" {
		shadow, err := buildNode(payload, children, raw.ShadowRootID, el, visited)
		if err != nil {
			return nil, err
		}
		shadowEl, ok := shadow.(*ElementNode)
		if !ok {
			return nil, &ExtractionError{Reason: fmt.Sprintf("shadow root of %q is not an element", id)}
		}
		el.ShadowRoot = shadowEl
	}

	for _, childID := range children[id] {
		if childID == raw.ShadowRootID {
			continue
		}
		child, err := buildNode(payload, children, childID, el, visited)
		if err != nil {
			return nil, err
		}
		el.Children = append(el.Children, child)
	}
	return el, nil
}

// -- Index Assignment --

// assignIndices walks the tree in depth-first pre-order (shadow subtree
// before light children) and hands the next integer to every element the
// collaborator classified interactive, top, and in-viewport (or everywhere
// when expansion is unbounded). Traversal order is deterministic, so indices
// are stable across identical payloads.
func assignIndices(root *ElementNode, opts schemas.BuildOptions) SelectorMap {
	selectors := make(SelectorMap)
	next := 0
	unbounded := opts.ViewportExpansion == schemas.ViewportUnbounded

	var walk func(n Node)
	walk = func(n Node) {
		el, ok := n.(*ElementNode)
		if !ok {
			return
		}
		if el.IsInteractive && el.IsTopElement && (el.IsInViewport || unbounded) {
			idx := next
			next++
			el.HighlightIndex = &idx
			selectors[idx] = el
		}
		if el.ShadowRoot != nil {
			walk(el.ShadowRoot)
		}
		for _, child := range el.Children {
			walk(child)
		}
	}
	walk(root)
	return selectors
}
