// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/api/schemas"
	"github.com/xkilldash9x/scalpel-dom/internal/browser/cdp"
	"github.com/xkilldash9x/scalpel-dom/internal/cache"
	"github.com/xkilldash9x/scalpel-dom/internal/config"
	"github.com/xkilldash9x/scalpel-dom/internal/dom"
	"github.com/xkilldash9x/scalpel-dom/internal/locator"
)

// Factory creates the wired component set. The abstraction exists so command
// tests can substitute a factory that never launches a browser.
type Factory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type sessionFactory struct{}

// NewFactory returns the production factory, which launches a real chromedp
// session.
func NewFactory() Factory {
	return sessionFactory{}
}

func (sessionFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	script := dom.DefaultExtractionScript
	if path := cfg.Snapshot().ScriptPath; path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading extraction script %s: %w", path, err)
		}
		script = string(raw)
	}

	sess, err := cdp.NewSession(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, fmt.Errorf("starting browser session: %w", err)
	}
	driver := sess.Driver()

	builder := dom.NewBuilder(driver, logger, dom.BuilderConfig{
		ExtractionScript:  script,
		ExtractionTimeout: cfg.Snapshot().ExtractionTimeout,
		ExtractionRetries: cfg.Snapshot().ExtractionRetries,
		RetryBackoff:      cfg.Snapshot().RetryBackoff,
	})

	var mgr *cache.Manager
	if cfg.Cache().Enabled {
		mgr = cache.NewManager(logger, cache.Config{
			TTL:             cfg.Cache().TTL,
			MaxEntries:      cfg.Cache().MaxEntries,
			PrewarmInterval: cfg.Cache().PrewarmInterval,
		})
	}

	loc := locator.New(driver, logger, locator.Config{
		Attempts:              cfg.Locator().Attempts,
		Backoff:               cfg.Locator().Backoff,
		IncludeDynamicClasses: cfg.Locator().IncludeDynamicClasses,
	})

	opts := schemas.DefaultBuildOptions()
	opts.HighlightElements = cfg.Snapshot().HighlightElements
	opts.ViewportExpansion = cfg.Snapshot().ViewportExpansion
	opts.DebugMode = cfg.Snapshot().Debug

	return &Components{
		Session:      sess,
		Driver:       driver,
		Builder:      builder,
		Cache:        mgr,
		Locator:      loc,
		snapshotOpts: opts,
	}, nil
}
