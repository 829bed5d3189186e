package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/internal/dom"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedBuilder satisfies StateBuilder with counted, swappable results.
type scriptedBuilder struct {
	mu       sync.Mutex
	builds   atomic.Int64
	probes   atomic.Int64
	state    func() *dom.State
	buildErr error
	fp       uint64
	fpErr    error
	delay    time.Duration
}

func (b *scriptedBuilder) Build(ctx context.Context) (*dom.State, error) {
	b.builds.Add(1)
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	return b.state(), nil
}

func (b *scriptedBuilder) Fingerprint(ctx context.Context) (uint64, error) {
	b.probes.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fp, b.fpErr
}

func (b *scriptedBuilder) set(fp uint64, fpErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fp = fp
	b.fpErr = fpErr
}

func indexed(tag, xpath string, attrs map[string]string) *dom.ElementNode {
	return &dom.ElementNode{Tag: tag, XPath: xpath, Attributes: attrs, IsInteractive: true}
}

func stateOf(url string, els ...*dom.ElementNode) *dom.State {
	sel := dom.SelectorMap{}
	for i, el := range els {
		idx := i
		el.HighlightIndex = &idx
		sel[idx] = el
	}
	return &dom.State{URL: url, Selectors: sel}
}

func newTestManager(cfg Config) *Manager {
	return NewManager(zap.NewNop(), cfg)
}

func TestGetOrBuildHitSkipsRebuild(t *testing.T) {
	want := stateOf("https://a.test", indexed("button", "/button", nil))
	b := &scriptedBuilder{state: func() *dom.State { return want }, fp: 11}

	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	got, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.EqualValues(t, 1, b.builds.Load())

	got, err = m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.EqualValues(t, 1, b.builds.Load(), "matching fingerprint must not rebuild")
}

func TestGetOrBuildRebuildsOnFingerprintMismatch(t *testing.T) {
	b := &scriptedBuilder{
		state: func() *dom.State { return stateOf("https://a.test") },
		fp:    11,
	}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)

	// Page structure changed since the entry was stored.
	b.set(12, nil)
	_, err = m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.builds.Load())

	info, ok := m.Info("https://a.test")
	require.True(t, ok)
	assert.Equal(t, 2, info.Version)
	assert.EqualValues(t, 12, info.Fingerprint)
}

func TestGetOrBuildRebuildsAfterTTL(t *testing.T) {
	b := &scriptedBuilder{state: func() *dom.State { return stateOf("https://a.test") }, fp: 11}
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	m := newTestManager(cfg)

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.builds.Load(), "expired entry must rebuild even with a matching fingerprint")
}

func TestGetOrBuildRebuildsWhenStoredFingerprintFailed(t *testing.T) {
	b := &scriptedBuilder{
		state: func() *dom.State { return stateOf("https://a.test") },
		fpErr: errors.New("frame detached"),
	}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err, "fingerprint failure after a successful build is not fatal")

	// Probe works now, but the stored entry was never validatable.
	b.set(11, nil)
	_, err = m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.builds.Load())
}

func TestInvalidateForcesRebuild(t *testing.T) {
	b := &scriptedBuilder{state: func() *dom.State { return stateOf("https://a.test") }, fp: 11}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)

	m.Invalidate("https://a.test")
	_, ok := m.Info("https://a.test")
	assert.False(t, ok)

	_, err = m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.builds.Load())
}

func TestEvictionPastMaxEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 1
	m := newTestManager(cfg)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	ctx := context.Background()

	ba := &scriptedBuilder{state: func() *dom.State { return stateOf("https://a.test") }, fp: 1}
	bb := &scriptedBuilder{state: func() *dom.State { return stateOf("https://b.test") }, fp: 2}

	_, err := m.GetOrBuild(ctx, "https://a.test", ba)
	require.NoError(t, err)
	_, err = m.GetOrBuild(ctx, "https://b.test", bb)
	require.NoError(t, err)

	_, ok := m.Info("https://a.test")
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = m.Info("https://b.test")
	assert.True(t, ok)
}

func TestConcurrentBuildsShareOneFlight(t *testing.T) {
	b := &scriptedBuilder{
		state: func() *dom.State { return stateOf("https://a.test") },
		fp:    11,
		delay: 30 * time.Millisecond,
	}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetOrBuild(ctx, "https://a.test", b)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, b.builds.Load())
}

func TestRefreshJoinsInFlightBuild(t *testing.T) {
	b := &scriptedBuilder{
		state: func() *dom.State { return stateOf("https://a.test") },
		fp:    11,
		delay: 200 * time.Millisecond,
	}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	var built *dom.State
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := m.GetOrBuild(ctx, "https://a.test", b)
		assert.NoError(t, err)
		built = s
	}()

	require.Eventually(t, func() bool { return b.builds.Load() == 1 }, time.Second, time.Millisecond)

	refreshed, err := m.Refresh(ctx, "https://a.test", b)
	require.NoError(t, err)
	wg.Wait()

	assert.EqualValues(t, 1, b.builds.Load(), "a refresh racing a rebuild must not start a second build")
	assert.Same(t, built, refreshed)
}

func TestRefreshCarriesIndices(t *testing.T) {
	login := indexed("button", "/html/body/button[1]", map[string]string{"id": "login"})
	search := indexed("input", "/html/body/input[1]", map[string]string{"name": "q"})
	prior := stateOf("https://a.test", login, search)

	// The fresh snapshot has the same two elements plus a banner link that
	// was not there before.
	login2 := indexed("button", "/html/body/button[1]", map[string]string{"id": "login"})
	banner := indexed("a", "/html/body/a[1]", map[string]string{"id": "promo"})
	search2 := indexed("input", "/html/body/input[1]", map[string]string{"name": "q"})
	fresh := stateOf("https://a.test", login2, banner, search2)

	states := []*dom.State{prior, fresh}
	b := &scriptedBuilder{fp: 11}
	b.state = func() *dom.State {
		s := states[0]
		if len(states) > 1 {
			states = states[1:]
		}
		return s
	}

	m := newTestManager(DefaultConfig())
	ctx := context.Background()
	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)

	got, err := m.Refresh(ctx, "https://a.test", b)
	require.NoError(t, err)

	// Matched elements keep their prior numbers.
	el, ok := got.Element(0)
	require.True(t, ok)
	assert.Equal(t, "login", el.Attr("id"))
	assert.False(t, el.IsNew)

	el, ok = got.Element(1)
	require.True(t, ok)
	assert.Equal(t, "q", el.Attr("name"))
	assert.False(t, el.IsNew)

	// The banner is new and numbered above the prior maximum.
	el, ok = got.Element(2)
	require.True(t, ok)
	assert.Equal(t, "promo", el.Attr("id"))
	assert.True(t, el.IsNew)
	require.NotNil(t, el.HighlightIndex)
	assert.Equal(t, 2, *el.HighlightIndex)

	info, ok := m.Info("https://a.test")
	require.True(t, ok)
	assert.Equal(t, 2, info.Version)
	assert.Equal(t, 3, info.Elements)
}

func TestRefreshWithoutPriorStoresFresh(t *testing.T) {
	fresh := stateOf("https://a.test", indexed("button", "/button", nil))
	b := &scriptedBuilder{state: func() *dom.State { return fresh }, fp: 11}

	m := newTestManager(DefaultConfig())
	got, err := m.Refresh(context.Background(), "https://a.test", b)
	require.NoError(t, err)
	assert.Same(t, fresh, got)

	info, ok := m.Info("https://a.test")
	require.True(t, ok)
	assert.Equal(t, 1, info.Version)
}

func TestRefreshBuildErrorKeepsPriorEntry(t *testing.T) {
	b := &scriptedBuilder{state: func() *dom.State { return stateOf("https://a.test") }, fp: 11}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)

	b.mu.Lock()
	b.buildErr = errors.New("navigation interrupted")
	b.mu.Unlock()

	_, err = m.Refresh(ctx, "https://a.test", b)
	require.Error(t, err)

	info, ok := m.Info("https://a.test")
	require.True(t, ok)
	assert.Equal(t, 1, info.Version, "failed refresh must not clobber the entry")
}

func TestPrewarmBuildsAllTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrewarmInterval = time.Millisecond
	m := newTestManager(cfg)

	ba := &scriptedBuilder{state: func() *dom.State { return stateOf("https://a.test") }, fp: 1}
	bb := &scriptedBuilder{state: func() *dom.State { return stateOf("https://b.test") }, fp: 2}

	err := m.Prewarm(context.Background(), []PrewarmTarget{
		{URL: "https://a.test", Builder: ba},
		{URL: "https://b.test", Builder: bb},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ba.builds.Load())
	assert.EqualValues(t, 1, bb.builds.Load())
}

func TestPrewarmStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrewarmInterval = time.Hour
	m := newTestManager(cfg)

	b := &scriptedBuilder{state: func() *dom.State { return stateOf("https://a.test") }, fp: 1}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.Prewarm(ctx, []PrewarmTarget{
			{URL: "https://a.test", Builder: b},
			{URL: "https://b.test", Builder: b},
		})
	}()

	// The first target builds immediately; the second waits out the
	// interval and must abort on cancel.
	require.Eventually(t, func() bool { return b.builds.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiffUpdateMergesExternalSnapshot(t *testing.T) {
	b := &scriptedBuilder{
		state: func() *dom.State {
			return stateOf("https://a.test", indexed("input", "/html/body/input[1]", map[string]string{"id": "login"}))
		},
		fp: 11,
	}
	m := newTestManager(DefaultConfig())
	ctx := context.Background()

	_, err := m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)

	// Externally built snapshot: the login input unchanged, plus a banner.
	fresh := stateOf("https://a.test",
		indexed("input", "/html/body/input[1]", map[string]string{"id": "login"}),
		indexed("a", "/html/body/a[1]", map[string]string{"id": "banner"}),
	)
	got := m.DiffUpdate("https://a.test", fresh)

	kept, ok := got.Element(0)
	require.True(t, ok)
	assert.Equal(t, "login", kept.Attr("id"))
	assert.False(t, kept.IsNew)

	added, ok := got.Element(1)
	require.True(t, ok)
	assert.Equal(t, "banner", added.Attr("id"))
	assert.True(t, added.IsNew)

	info, ok := m.Info("https://a.test")
	require.True(t, ok)
	assert.Equal(t, 2, info.Version)

	// The merged entry carries no fingerprint, so the next lookup rebuilds.
	builds := b.builds.Load()
	_, err = m.GetOrBuild(ctx, "https://a.test", b)
	require.NoError(t, err)
	assert.EqualValues(t, builds+1, b.builds.Load())
}

func TestDiffUpdateWithoutPriorEntry(t *testing.T) {
	m := newTestManager(DefaultConfig())
	fresh := stateOf("https://a.test", indexed("button", "/button[1]", nil))

	got := m.DiffUpdate("https://a.test", fresh)
	assert.Same(t, fresh, got)

	el, ok := got.Element(0)
	require.True(t, ok)
	assert.False(t, el.IsNew)

	info, ok := m.Info("https://a.test")
	require.True(t, ok)
	assert.Equal(t, 1, info.Version)
}
