package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/api/schemas"
	"github.com/xkilldash9x/scalpel-dom/internal/browser"
	"github.com/xkilldash9x/scalpel-dom/internal/cache"
	"github.com/xkilldash9x/scalpel-dom/internal/dom"
	"github.com/xkilldash9x/scalpel-dom/internal/locator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// navDriver serves a fixed extraction payload and records navigations. The
// fingerprint probe is recognized by its script prefix.
type navDriver struct {
	mu      sync.Mutex
	navs    []string
	builds  int
	payload json.RawMessage
}

func (d *navDriver) Evaluate(_ context.Context, _ browser.Frame, script string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.HasPrefix(script, "Array.from") {
		return json.RawMessage(`"BUTTON"`), nil
	}
	d.builds++
	return d.payload, nil
}

func (d *navDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navs = append(d.navs, url)
	return nil
}

func (d *navDriver) buildCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.builds
}

func (d *navDriver) navURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navs...)
}

func (d *navDriver) QueryAll(context.Context, browser.Frame, string, browser.QueryKind) ([]browser.Handle, error) {
	return nil, errors.New("nav driver: QueryAll not wired")
}

func (d *navDriver) ContentFrame(context.Context, browser.Frame, browser.Handle) (browser.Frame, error) {
	return nil, errors.New("nav driver: ContentFrame not wired")
}

func (d *navDriver) IsAttached(context.Context, browser.Handle) (bool, error) { return true, nil }
func (d *navDriver) ScrollIntoView(context.Context, browser.Handle) error     { return nil }
func (d *navDriver) Click(context.Context, browser.Handle) error              { return nil }
func (d *navDriver) Type(context.Context, browser.Handle, string) error       { return nil }

func testComponents(t *testing.T, withCache bool) (*Components, *navDriver) {
	t.Helper()
	payload, err := json.Marshal(&schemas.ExtractionPayload{
		RootID: "1",
		URL:    "https://example.test/",
		Title:  "Example",
		Nodes: map[string]*schemas.RawNode{
			"1": {ID: "1", TagName: "html", XPath: "/html", IsVisible: true},
			"2": {
				ID: "2", ParentID: "1", TagName: "button", XPath: "/html/button[1]",
				IsVisible: true, IsInteractive: true, IsTopElement: true, IsInViewport: true,
			},
		},
	})
	require.NoError(t, err)

	d := &navDriver{payload: payload}
	logger := zap.NewNop()
	c := &Components{
		Driver: d,
		Builder: dom.NewBuilder(d, logger, dom.BuilderConfig{
			ExtractionScript:  "function(opts) { return {}; }",
			ExtractionTimeout: time.Second,
		}),
		Locator:      locator.New(d, logger, locator.DefaultConfig()),
		snapshotOpts: schemas.DefaultBuildOptions(),
	}
	if withCache {
		c.Cache = cache.NewManager(logger, cache.Config{
			TTL:             time.Minute,
			MaxEntries:      8,
			PrewarmInterval: time.Millisecond,
		})
	}
	return c, d
}

func TestSnapshotNavigatesAndCaches(t *testing.T) {
	c, d := testComponents(t, true)
	ctx := context.Background()

	state, err := c.Snapshot(ctx, "https://example.test/")
	require.NoError(t, err)
	require.Len(t, state.Selectors, 1)
	assert.Equal(t, []string{"https://example.test/"}, d.navURLs())
	assert.Equal(t, 1, d.buildCount())

	// The live fingerprint matches the stored one, so no rebuild happens.
	again, err := c.Snapshot(ctx, "https://example.test/")
	require.NoError(t, err)
	assert.Same(t, state, again)
	assert.Equal(t, 1, d.buildCount())
}

func TestRefreshForcesRebuild(t *testing.T) {
	c, d := testComponents(t, true)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "https://example.test/")
	require.NoError(t, err)
	_, err = c.Refresh(ctx, "https://example.test/")
	require.NoError(t, err)
	assert.Equal(t, 2, d.buildCount())
}

func TestSnapshotWithoutCacheBuildsEveryTime(t *testing.T) {
	c, d := testComponents(t, false)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "https://example.test/")
	require.NoError(t, err)
	_, err = c.Snapshot(ctx, "https://example.test/")
	require.NoError(t, err)
	assert.Equal(t, 2, d.buildCount())
}

func TestPrewarmWithoutCacheIsNoop(t *testing.T) {
	c, d := testComponents(t, false)
	require.NoError(t, c.Prewarm(context.Background(), []string{"https://example.test/"}))
	assert.Equal(t, 0, d.buildCount())
}

func TestPrewarmBuildsAllTargets(t *testing.T) {
	c, d := testComponents(t, true)
	urls := []string{"https://example.test/a", "https://example.test/b"}
	require.NoError(t, c.Prewarm(context.Background(), urls))
	assert.Equal(t, 2, d.buildCount())
	assert.ElementsMatch(t, urls, d.navURLs())
}

func TestShutdownOnPartialComponents(t *testing.T) {
	var c Components
	assert.NotPanics(t, func() { c.Shutdown() })
}
