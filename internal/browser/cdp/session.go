// internal/browser/cdp/session.go
package cdp

import (
	"context"
	"fmt"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/internal/config"
)

const closeTimeout = 15 * time.Second

// Session owns one browser tab: the exec allocator, the chromedp context, and
// the driver bound to it.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    config.BrowserConfig

	ctx         context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewSession launches a browser and connects a fresh tab. The session stays
// alive until Close; parent cancellation tears it down too.
func NewSession(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	id := uuid.New().String()
	l := logger.Named("cdp").With(zap.String("session_id", id))

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, execOptions(cfg)...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx)

	// Force target creation so a dead browser surfaces here, not on first use.
	if err := chromedp.Run(ctx); err != nil {
		cancelCtx()
		cancelAlloc()
		return nil, fmt.Errorf("failed to connect browser target: %w", err)
	}

	l.Info("Browser session initialized.")
	return &Session{
		id:          id,
		logger:      l,
		cfg:         cfg,
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		cancelAlloc: cancelAlloc,
	}, nil
}

// execOptions builds the allocator flags from configuration. Defaults are set
// explicitly rather than relying on chromedp.DefaultExecAllocatorOptions.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	for _, arg := range cfg.Args {
		// Flags arrive as "key=value" or bare "key".
		key, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Context returns the session's chromedp context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Driver returns a driver bound to this session's tab.
func (s *Session) Driver() *Driver {
	return NewDriver(s.ctx, s.cfg, s.logger)
}

// Close terminates the tab and the browser process. The close command runs
// on a detached copy of the session context, so it still reaches the browser
// when whatever triggered the shutdown has already canceled the session.
func (s *Session) Close() {
	s.logger.Debug("Closing browser session.")

	closeCtx, cancel := teardownContext(s.ctx)
	defer cancel()
	if err := chromedp.Run(closeCtx, chromedp.ActionFunc(func(c context.Context) error {
		return cdpbrowser.Close().Do(c)
	})); err != nil {
		s.logger.Debug("Browser close command failed.", zap.Error(err))
	}

	done := s.ctx.Done()
	s.cancelCtx()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.logger.Warn("Timeout waiting for browser session to close.")
	}
	s.cancelAlloc()
}

// teardownContext derives a bounded context for final browser commands. It
// inherits the session context's target routing values but not its
// cancellation, so teardown proceeds even after the session is canceled.
func teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Detach(ctx), closeTimeout)
}
