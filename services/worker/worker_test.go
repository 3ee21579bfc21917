package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/shopwatch/helpers"
	"sjsage522/shopwatch/internal/bridge"
	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/internal/fetch"
	"sjsage522/shopwatch/internal/lock"
	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/internal/snapshot"
	"sjsage522/shopwatch/services/export"
	"sjsage522/shopwatch/services/publisher"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

const shopA = "https://www.etsy.com/shop/ShopA?sort_order=date_desc"
const shopB = "https://www.etsy.com/shop/ShopB?sort_order=date_desc"

func page(ids ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div data-appears-component-name="shop_home_listing_grid">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<a data-listing-id="%s" href="/listing/%s/item" title="Item %s"></a>`, id, id, id)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

// MockFetcher serves canned pages per URL
type MockFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string]error
	calls   []string
	closed  int
	onFetch func(url string)
}

var _ Fetcher = (*MockFetcher)(nil)

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{pages: make(map[string]string), errs: make(map[string]error)}
}

func (m *MockFetcher) Fetch(_ context.Context, url string) (fetch.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, url)
	html, err, hook := m.pages[url], m.errs[url], m.onFetch
	m.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	if err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{URL: url, HTML: html, Status: 200}, nil
}

func (m *MockFetcher) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

type staticShops []string

func (s staticShops) Load(context.Context) ([]string, error) { return s, nil }

type fakeMetrics struct {
	requested [][]string
	err       error
}

func (f *fakeMetrics) FetchMetrics(_ context.Context, ids []string) (map[string]perspective.Metrics, error) {
	f.requested = append(f.requested, ids)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]perspective.Metrics, len(ids))
	for _, id := range ids {
		out[id] = perspective.Metrics{Views: 10, Favorers: 1, URL: "https://www.etsy.com/listing/" + id}
	}
	return out, nil
}

// MockSink records events by name
type MockSink struct {
	mu       sync.Mutex
	events   []string
	listings []catalog.Listing
	finished []publisher.RunStats
	fail     bool
}

var _ publisher.Sink = (*MockSink)(nil)

func (m *MockSink) record(name string) bridge.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, name)
	if m.fail {
		return bridge.Failure(errors.New("sink offline"))
	}
	return bridge.Success(nil)
}

func (m *MockSink) RunStarted(context.Context, publisher.RunInfo) bridge.Result {
	return m.record(publisher.KeyRunStarted)
}

func (m *MockSink) NewListings(_ context.Context, _ publisher.RunInfo, l []catalog.Listing) bridge.Result {
	m.mu.Lock()
	m.listings = append(m.listings, l...)
	m.mu.Unlock()
	return m.record(publisher.KeyNewListings)
}

func (m *MockSink) Classified(context.Context, publisher.RunInfo, []perspective.Classification) bridge.Result {
	return m.record(publisher.KeyClassified)
}

func (m *MockSink) RunFinished(_ context.Context, _ publisher.RunInfo, s publisher.RunStats) bridge.Result {
	m.mu.Lock()
	m.finished = append(m.finished, s)
	m.mu.Unlock()
	return m.record(publisher.KeyRunFinished)
}

// MockLogger implements the helpers.LoggerInterface for testing
type MockLogger struct {
	mu     sync.Mutex
	errors []string
}

var _ helpers.LoggerInterface = (*MockLogger)(nil)

func (m *MockLogger) LogError(component string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, component+": "+err.Error())
}

type harness struct {
	worker   *Worker
	lock     *lock.FileLock
	fetcher  *MockFetcher
	metrics  *fakeMetrics
	sink     *MockSink
	logger   *MockLogger
	store    *perspective.SQLiteStore
	tracker  *perspective.Tracker
	snaps    *snapshot.Store
	snapRoot string
	export   string
	now      time.Time
}

func newHarness(t *testing.T, urls ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := perspective.NewSQLite(context.Background(), filepath.Join(dir, "perspective.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		lock:     lock.NewFileLock(filepath.Join(dir, "is_working"), 30*time.Minute),
		fetcher:  NewMockFetcher(),
		metrics:  &fakeMetrics{},
		sink:     &MockSink{},
		logger:   &MockLogger{},
		store:    store,
		snapRoot: filepath.Join(dir, "snapshots"),
		export:   filepath.Join(dir, "export.xlsx"),
		now:      time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC),
	}
	h.tracker = perspective.NewTracker(store, h.metrics, perspective.DefaultThresholds())
	h.snaps = snapshot.NewStore(h.snapRoot, time.UTC)

	h.worker = NewWorker(Deps{
		Lock:      h.lock,
		Shops:     staticShops(urls),
		Fetcher:   h.fetcher,
		Extractor: catalog.NewExtractor("https://www.etsy.com"),
		Snapshots: h.snaps,
		Tracker:   h.tracker,
		Sink:      h.sink,
		Exporter:  export.NewWorkbookExporter(h.export, nil, time.Hour, time.UTC),
		Logger:    h.logger,
	}, Options{})
	h.worker.now = func() time.Time { return h.now }
	h.worker.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func TestScrapeEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA)

	h.fetcher.pages[shopA] = page("1", "2", "3")
	first, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ShopsSucceeded)
	assert.Equal(t, 3, first.ProductsFound)
	assert.Zero(t, first.NewListings, "the first run is the baseline")
	assert.NotEmpty(t, first.RunID)

	h.now = h.now.AddDate(0, 0, 7)
	h.fetcher.pages[shopA] = page("1", "2", "4")
	second, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, second.NewListings)
	assert.Equal(t, 1, second.Tracked)
	assert.NotEqual(t, first.RunID, second.RunID)

	entries, err := h.store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "4", entries[0].ListingID)
	assert.Equal(t, [][]string{{"4"}}, h.metrics.requested)

	require.Len(t, h.sink.listings, 1)
	assert.Equal(t, "https://www.etsy.com/listing/4/item", h.sink.listings[0].URL)

	// only the newest snapshot survives and it records the delta
	prev, err := h.snaps.Previous("")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, map[string]string{"4": "https://www.etsy.com/listing/4/item"}, prev.NewProducts)
	older, err := h.snaps.Previous(prev.Dir)
	require.NoError(t, err)
	assert.Nil(t, older)

	state, err := h.lock.State()
	require.NoError(t, err)
	assert.Equal(t, lock.StateStop, state)
	assert.Equal(t, 2, h.fetcher.closed)
	assert.FileExists(t, h.export)
	assert.Empty(t, h.logger.errors)
}

func TestScrapeBackToBackRunsReportEachNewListing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA)

	run := func(ids ...string) Summary {
		t.Helper()
		h.fetcher.pages[shopA] = page(ids...)
		sum, err := h.worker.RunScrape(ctx, "test")
		require.NoError(t, err)
		return sum
	}

	run("1")
	h.now = h.now.AddDate(0, 0, 7)
	assert.Equal(t, 1, run("1", "2").NewListings)

	// a manual trigger in the same minute as the scheduled run
	h.now = h.now.Add(30 * time.Second)
	assert.Equal(t, 1, run("1", "2", "3").NewListings)

	// and one in the same second
	assert.Equal(t, 1, run("1", "2", "3", "5").NewListings)

	entries, err := h.store.Entries(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ListingID)
	}
	assert.Equal(t, []string{"2", "3", "5"}, ids)
}

func TestScrapeNewShopIsNotDiffed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA)
	h.fetcher.pages[shopA] = page("1")
	_, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)

	h.now = h.now.AddDate(0, 0, 7)
	h.worker.deps.Shops = staticShops{shopA, shopB}
	h.fetcher.pages[shopB] = page("7", "8")
	sum, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ShopsSucceeded)
	assert.Zero(t, sum.NewListings)
}

func TestScrapeAbandonsFailedShop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA, shopB)
	h.fetcher.pages[shopA] = page("1")
	h.fetcher.errs[shopB] = apperrors.NewExhausted("fetch", 4, errors.New("403"))

	sum, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ShopsTotal)
	assert.Equal(t, 1, sum.ShopsSucceeded)
	assert.Equal(t, 1, sum.ShopsFailed)
	require.Len(t, h.logger.errors, 1)
	assert.Contains(t, h.logger.errors[0], "ShopB")

	// both shops were attempted in order
	assert.Equal(t, []string{shopA, shopB}, h.fetcher.calls)
}

func TestScrapeRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, shopA)
	ok, err := h.lock.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.worker.RunScrape(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, h.fetcher.calls)
	assert.Empty(t, h.sink.events)

	// the holder still owns the lock
	state, err := h.lock.State()
	require.NoError(t, err)
	assert.Equal(t, lock.StateStart, state)
}

func TestScrapeStopsBetweenShops(t *testing.T) {
	h := newHarness(t, shopA, shopB)
	h.fetcher.pages[shopA] = page("1")
	h.fetcher.pages[shopB] = page("2")
	h.fetcher.onFetch = func(string) {
		require.NoError(t, h.lock.ForceStop())
	}

	sum, err := h.worker.RunScrape(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Equal(t, 1, sum.ShopsSucceeded)
	assert.Equal(t, []string{shopA}, h.fetcher.calls)

	prev, err := h.snaps.Previous("")
	require.NoError(t, err)
	assert.Nil(t, prev, "a stopped run persists nothing")

	require.Len(t, h.sink.finished, 1)
	assert.True(t, h.sink.finished[0].Stopped)
}

func TestScrapeRefreshesLockBetweenShops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA, shopB)
	h.fetcher.pages[shopA] = page("1")
	h.fetcher.pages[shopB] = page("2")

	other := lock.NewFileLock(h.lock.Path(), 30*time.Minute)
	var takenOver bool
	h.fetcher.onFetch = func(url string) {
		switch url {
		case shopA:
			// the first shop took longer than the staleness window
			old := time.Now().Add(-31 * time.Minute)
			assert.NoError(t, os.Chtimes(h.lock.Path(), old, old))
		case shopB:
			ok, err := other.TryAcquire(ctx)
			assert.NoError(t, err)
			takenOver = ok
		}
	}

	sum, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	assert.False(t, takenOver, "a second trigger must not take over a healthy run")
	assert.Equal(t, 2, sum.ShopsSucceeded)
	assert.False(t, sum.Stopped)
}

func TestHeartbeatRunsWhileLockIsHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA)
	h.worker.opts.Heartbeat = 5 * time.Millisecond
	h.fetcher.pages[shopA] = page("1")

	h.fetcher.onFetch = func(string) {
		old := time.Now().Add(-31 * time.Minute)
		assert.NoError(t, os.Chtimes(h.lock.Path(), old, old))
		assert.Eventually(t, func() bool {
			stale, err := h.lock.IsStale()
			return err == nil && !stale
		}, 2*time.Second, 5*time.Millisecond)
	}

	_, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)

	state, err := h.lock.State()
	require.NoError(t, err)
	assert.Equal(t, lock.StateStop, state, "the heartbeat stops before release")
}

func TestScrapeSurvivesSinkAndMetricsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA)
	h.sink.fail = true

	h.fetcher.pages[shopA] = page("1")
	_, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)

	h.now = h.now.AddDate(0, 0, 7)
	h.fetcher.pages[shopA] = page("1", "2")
	h.metrics.err = errors.New("api down")
	sum, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NewListings)
	assert.Zero(t, sum.Tracked)

	n, err := h.tracker.Tracking(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotEmpty(t, h.logger.errors)
}

func TestScrapeSkipsSnapshotWithoutListings(t *testing.T) {
	h := newHarness(t, shopA)
	h.fetcher.pages[shopA] = page()

	sum, err := h.worker.RunScrape(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ShopsSucceeded)
	assert.Zero(t, sum.ProductsFound)

	prev, err := h.snaps.Previous("")
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestRunAnalytics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, shopA)

	h.fetcher.pages[shopA] = page("1")
	_, err := h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)
	h.now = h.now.AddDate(0, 0, 7)
	h.fetcher.pages[shopA] = page("1", "2")
	_, err = h.worker.RunScrape(ctx, "test")
	require.NoError(t, err)

	sum, err := h.worker.RunAnalytics(ctx, "schedule")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Tracked)
	assert.Zero(t, sum.Top+sum.Archived, "nothing has matured")
	assert.Equal(t, [][]string{{"2"}, {"2"}}, h.metrics.requested)

	state, err := h.lock.State()
	require.NoError(t, err)
	assert.Equal(t, lock.StateStop, state)
}
