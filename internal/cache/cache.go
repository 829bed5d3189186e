// Package cache keeps built page snapshots keyed by URL, validated against a
// live structural fingerprint before reuse. Validation failures never
// surface to callers; the entry is rebuilt in place.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-dom/internal/dom"
)

// StateBuilder produces snapshots for one page and fingerprints its current
// structure. dom.Builder bound to a frame satisfies this via a thin adapter.
type StateBuilder interface {
	Build(ctx context.Context) (*dom.State, error)
	Fingerprint(ctx context.Context) (uint64, error)
}

// Config tunes the manager.
type Config struct {
	// TTL bounds how long an entry may be served, even when its
	// fingerprint still validates. Zero or negative disables expiry.
	TTL time.Duration
	// MaxEntries caps the cache size; the least recently verified entry
	// is evicted past the cap. Zero or negative means unbounded.
	MaxEntries int
	// PrewarmInterval spaces out builds issued by Prewarm.
	PrewarmInterval time.Duration
}

// DefaultConfig returns the tuning used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		MaxEntries:      32,
		PrewarmInterval: 500 * time.Millisecond,
	}
}

// Info describes a cache entry for introspection surfaces.
type Info struct {
	URL          string
	Elements     int
	Version      int
	Fingerprint  uint64
	BuiltAt      time.Time
	LastVerified time.Time
}

type entry struct {
	state *dom.State
	// fingerprint is captured from the live page immediately after the
	// build so validation compares like with like.
	fingerprint   uint64
	fingerprintOK bool
	version       int
	builtAt       time.Time
	lastVerified  time.Time
}

// Manager is the URL-keyed snapshot cache. All methods are safe for
// concurrent use; at most one build per URL runs at a time.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	// now is swapped in tests.
	now func() time.Time
}

func NewManager(logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("cache"),
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// GetOrBuild returns the cached snapshot for the URL when it is fresh and
// its structural fingerprint still matches the live page; otherwise it
// rebuilds. Concurrent callers for the same URL share one build.
func (m *Manager) GetOrBuild(ctx context.Context, url string, b StateBuilder) (*dom.State, error) {
	if e, ok := m.lookup(url); ok {
		live, err := b.Fingerprint(ctx)
		if err == nil && e.fingerprintOK && live == e.fingerprint {
			m.touch(url)
			m.logger.Debug("cache hit", zap.String("url", url))
			return e.state, nil
		}
		if err != nil {
			m.logger.Debug("fingerprint probe failed, rebuilding",
				zap.String("url", url), zap.Error(err))
		} else {
			m.logger.Debug("fingerprint mismatch, rebuilding",
				zap.String("url", url),
				zap.Uint64("cached", e.fingerprint),
				zap.Uint64("live", live))
		}
	}
	return m.rebuild(ctx, url, b)
}

// Refresh rebuilds the URL's snapshot and, when a prior entry exists, carries
// highlight indices over for structurally matched elements. Elements without
// a match get indices above the prior maximum and are flagged new.
func (m *Manager) Refresh(ctx context.Context, url string, b StateBuilder) (*dom.State, error) {
	m.mu.Lock()
	var prior *dom.State
	if e, ok := m.entries[url]; ok {
		prior = e.state
	}
	m.mu.Unlock()

	// Same flight key as rebuild: a URL never has more than one build in
	// flight, so a refresh racing a lookup-triggered rebuild joins it
	// instead of starting a second one.
	v, err, _ := m.group.Do(url, func() (any, error) {
		fresh, err := b.Build(ctx)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			carryIndices(prior, fresh)
		}
		m.store(ctx, url, fresh, b)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dom.State), nil
}

// DiffUpdate merges an externally built snapshot into the cache. A prior
// entry's highlight indices carry over for structurally matched elements and
// the rest are flagged new, exactly as Refresh does. The stored entry has no
// live fingerprint, so the next GetOrBuild revalidates by rebuilding.
func (m *Manager) DiffUpdate(url string, fresh *dom.State) *dom.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := 1
	if prev, ok := m.entries[url]; ok {
		carryIndices(prev.state, fresh)
		version = prev.version + 1
	}
	now := m.now()
	m.entries[url] = &entry{
		state:        fresh,
		version:      version,
		builtAt:      now,
		lastVerified: now,
	}
	m.evictLocked()
	return fresh
}

// Invalidate drops the entry for the URL, if any.
func (m *Manager) Invalidate(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, url)
}

// InvalidateAll drops every entry.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]*entry{}
}

// Info reports entry metadata without touching the live page.
func (m *Manager) Info(url string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok {
		return Info{}, false
	}
	return Info{
		URL:          url,
		Elements:     len(e.state.Selectors),
		Version:      e.version,
		Fingerprint:  e.fingerprint,
		BuiltAt:      e.builtAt,
		LastVerified: e.lastVerified,
	}, true
}

// PrewarmTarget names one page to build ahead of use.
type PrewarmTarget struct {
	URL     string
	Builder StateBuilder
}

// Prewarm builds each target through the normal GetOrBuild path, spacing
// builds by the configured interval. The first target is not delayed. Errors
// are logged per target; the first context error aborts the run.
func (m *Manager) Prewarm(ctx context.Context, targets []PrewarmTarget) error {
	interval := m.cfg.PrewarmInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for _, t := range targets {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := m.GetOrBuild(ctx, t.URL, t.Builder); err != nil {
			if ctx.Err() != nil {
				return err
			}
			m.logger.Warn("prewarm build failed",
				zap.String("url", t.URL), zap.Error(err))
		}
	}
	return nil
}

// lookup returns a fresh, unexpired entry.
func (m *Manager) lookup(url string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok {
		return nil, false
	}
	if m.cfg.TTL > 0 && m.now().Sub(e.builtAt) > m.cfg.TTL {
		delete(m.entries, url)
		return nil, false
	}
	return e, true
}

func (m *Manager) touch(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[url]; ok {
		e.lastVerified = m.now()
	}
}

func (m *Manager) rebuild(ctx context.Context, url string, b StateBuilder) (*dom.State, error) {
	v, err, _ := m.group.Do(url, func() (any, error) {
		state, err := b.Build(ctx)
		if err != nil {
			return nil, err
		}
		m.store(ctx, url, state, b)
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dom.State), nil
}

// store records the entry and captures the live fingerprint for it. A failed
// fingerprint probe leaves the entry unvalidatable, which forces a rebuild
// on the next lookup.
func (m *Manager) store(ctx context.Context, url string, state *dom.State, b StateBuilder) {
	fp, fpErr := b.Fingerprint(ctx)
	if fpErr != nil {
		m.logger.Warn("post-build fingerprint failed",
			zap.String("url", url), zap.Error(fpErr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	if prev, ok := m.entries[url]; ok {
		version = prev.version + 1
	}
	now := m.now()
	m.entries[url] = &entry{
		state:         state,
		fingerprint:   fp,
		fingerprintOK: fpErr == nil,
		version:       version,
		builtAt:       now,
		lastVerified:  now,
	}
	m.evictLocked()
}

// evictLocked drops least-recently-verified entries past the size cap.
func (m *Manager) evictLocked() {
	if m.cfg.MaxEntries <= 0 {
		return
	}
	for len(m.entries) > m.cfg.MaxEntries {
		var oldest string
		var oldestAt time.Time
		for url, e := range m.entries {
			if oldest == "" || e.lastVerified.Before(oldestAt) {
				oldest = url
				oldestAt = e.lastVerified
			}
		}
		m.logger.Debug("evicting cache entry", zap.String("url", oldest))
		delete(m.entries, oldest)
	}
}

// carryIndices rewrites fresh's highlight indices so elements structurally
// matching the prior snapshot keep their old numbers. Unmatched elements are
// flagged new and numbered above the prior maximum, preserving document
// order among themselves.
func carryIndices(prior, fresh *dom.State) {
	matchable := make(map[string]int, len(prior.Selectors))
	maxIndex := -1
	for idx, el := range prior.Selectors {
		matchable[matchKey(el)] = idx
		if idx > maxIndex {
			maxIndex = idx
		}
	}

	next := maxIndex + 1
	reassigned := dom.SelectorMap{}
	for _, oldIdx := range fresh.Selectors.Indices() {
		el := fresh.Selectors[oldIdx]
		key := matchKey(el)
		if kept, ok := matchable[key]; ok {
			delete(matchable, key)
			idx := kept
			el.HighlightIndex = &idx
			reassigned[idx] = el
			continue
		}
		idx := next
		next++
		el.HighlightIndex = &idx
		el.IsNew = true
		reassigned[idx] = el
	}
	fresh.Selectors = reassigned
}

// matchKey is the structural identity used by the diff pass: tag, recorded
// XPath, and the stable identifying attributes.
func matchKey(el *dom.ElementNode) string {
	return el.Tag + "\x00" + el.XPath +
		"\x00" + el.Attr("id") +
		"\x00" + el.Attr("name") +
		"\x00" + el.Attr("data-testid")
}
