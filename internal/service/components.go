// File: internal/service/components.go
package service

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/scalpel-dom/api/schemas"
	"github.com/xkilldash9x/scalpel-dom/internal/browser"
	"github.com/xkilldash9x/scalpel-dom/internal/browser/cdp"
	"github.com/xkilldash9x/scalpel-dom/internal/cache"
	"github.com/xkilldash9x/scalpel-dom/internal/dom"
	"github.com/xkilldash9x/scalpel-dom/internal/locator"
)

// Components bundles the wired snapshot pipeline: one browser session, the
// builder over its driver, the optional snapshot cache, and the locator. It
// is the surface upstream callers (the CLI, embedding agents) consume.
type Components struct {
	Session *cdp.Session
	Driver  browser.Driver
	Builder *dom.Builder
	// Cache is nil when caching is disabled; Snapshot then builds directly.
	Cache   *cache.Manager
	Locator *locator.Locator

	snapshotOpts schemas.BuildOptions
}

// Snapshot returns the indexed state for the given URL, served from the
// cache when one is configured and still valid.
func (c *Components) Snapshot(ctx context.Context, url string) (*dom.State, error) {
	if c.Cache != nil {
		return c.Cache.GetOrBuild(ctx, url, pageBuilder{c, url})
	}
	return pageBuilder{c, url}.Build(ctx)
}

// Refresh forces a rebuild for the URL. With a cache configured, highlight
// indices of structurally unchanged elements carry over from the prior
// snapshot and additions are marked new.
func (c *Components) Refresh(ctx context.Context, url string) (*dom.State, error) {
	if c.Cache != nil {
		return c.Cache.Refresh(ctx, url, pageBuilder{c, url})
	}
	return pageBuilder{c, url}.Build(ctx)
}

// Prewarm builds snapshots for the given URLs ahead of use. A no-op without
// a cache.
func (c *Components) Prewarm(ctx context.Context, urls []string) error {
	if c.Cache == nil {
		return nil
	}
	targets := make([]cache.PrewarmTarget, 0, len(urls))
	for _, u := range urls {
		targets = append(targets, cache.PrewarmTarget{URL: u, Builder: pageBuilder{c, u}})
	}
	return c.Cache.Prewarm(ctx, targets)
}

// Locate resolves the indexed element to a live handle.
func (c *Components) Locate(ctx context.Context, state *dom.State, index int) (*locator.Resolved, error) {
	return c.Locator.Resolve(ctx, state, index)
}

// Click resolves and clicks the indexed element.
func (c *Components) Click(ctx context.Context, state *dom.State, index int) error {
	return c.Locator.Click(ctx, state, index)
}

// Type resolves the indexed element and inserts text into it.
func (c *Components) Type(ctx context.Context, state *dom.State, index int, text string) error {
	return c.Locator.Type(ctx, state, index, text)
}

// Shutdown releases the browser session. Safe to call on a partially
// initialized struct.
func (c *Components) Shutdown() {
	if c.Cache != nil {
		c.Cache.InvalidateAll()
	}
	if c.Session != nil {
		c.Session.Close()
	}
}

// pageBuilder binds the pipeline to one URL for the cache's StateBuilder
// contract. Build navigates first when the driver can; Fingerprint probes
// the live page as-is, so a browser sitting on a different page reads as a
// mismatch and triggers the rebuild path, which navigates.
type pageBuilder struct {
	c   *Components
	url string
}

func (p pageBuilder) Build(ctx context.Context) (*dom.State, error) {
	if nav, ok := p.c.Driver.(browser.Navigator); ok {
		if err := nav.Navigate(ctx, p.url); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", p.url, err)
		}
	}
	return p.c.Builder.Build(ctx, nil, p.c.snapshotOpts)
}

func (p pageBuilder) Fingerprint(ctx context.Context) (uint64, error) {
	return p.c.Builder.Fingerprint(ctx, nil)
}
