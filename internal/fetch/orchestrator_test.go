package fetch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/shopwatch/internal/browser"
	apperrors "sjsage522/shopwatch/pkg/errors"
	"sjsage522/shopwatch/services/proxy"
)

const shopURL = "https://www.etsy.com/shop/GoodShop?sort_order=date_desc"

var goodPage = `<html><body><div data-appears-component-name="shop_home_listing_grid"></div></body></html>`

// fakeSession replays outcomes produced by script for every load or reload
type fakeSession struct {
	index   int
	script  func(session, call int) (browser.Outcome, error)
	calls   int
	loads   []string
	reloads int
	closed  bool
}

var _ PageFetcher = (*fakeSession)(nil)

func (f *fakeSession) Load(_ context.Context, url string) (browser.Outcome, error) {
	f.loads = append(f.loads, url)
	f.calls++
	return f.script(f.index, f.calls)
}

func (f *fakeSession) Reload(_ context.Context) (browser.Outcome, error) {
	f.reloads++
	f.calls++
	return f.script(f.index, f.calls)
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type harness struct {
	sessions []*fakeSession
	proxies  []*proxy.Proxy
	sleeps   []time.Duration
	orch     *Orchestrator
}

func newHarness(pool proxy.ProxyManager, script func(session, call int) (browser.Outcome, error)) *harness {
	h := &harness{}
	factory := func(_ context.Context, p *proxy.Proxy) (PageFetcher, error) {
		s := &fakeSession{index: len(h.sessions), script: script}
		h.sessions = append(h.sessions, s)
		h.proxies = append(h.proxies, p)
		return s, nil
	}
	h.orch = NewOrchestrator(DefaultOptions(), factory, pool)
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

type staticPool struct{ p *proxy.Proxy }

func (s staticPool) Reload() error { return nil }

func (s staticPool) Random() *proxy.Proxy { return s.p }

func (s staticPool) Len() int { return 1 }

func TestFetchAlways403ExhaustsBudget(t *testing.T) {
	h := newHarness(nil, func(int, int) (browser.Outcome, error) {
		return browser.Outcome{Status: 403}, nil
	})

	_, err := h.orch.Fetch(context.Background(), shopURL)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeExhausted))
	assert.ErrorContains(t, err, "4 sessions")

	// initial session plus three replacements
	require.Len(t, h.sessions, 4)
	for i, s := range h.sessions {
		assert.Equal(t, []string{shopURL}, s.loads, "session %d retries the same url", i)
		assert.Equal(t, 2, s.reloads, "session %d", i)
		assert.Equal(t, 3, s.calls, "session %d", i)
		assert.True(t, s.closed, "session %d", i)
	}

	require.Len(t, h.sleeps, 8)
	for _, d := range h.sleeps {
		assert.Equal(t, 10*time.Second, d)
	}
	assert.Nil(t, h.orch.session)
}

func TestFetch403InterstitialUsesSessionBudget(t *testing.T) {
	h := newHarness(nil, func(_ int, call int) (browser.Outcome, error) {
		if call < 3 {
			return browser.Outcome{Status: 403, HTML: "<h1>Access denied</h1><p>You have been blocked</p>"}, nil
		}
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	res, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	require.Len(t, h.sessions, 1, "a 403 page is retried in the same session whatever its body says")
	assert.Equal(t, 3, h.sessions[0].calls)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, h.sleeps)
	assert.Equal(t, 3, res.Attempts)
}

func TestFetchBanPhraseOnServerErrorReplaces(t *testing.T) {
	h := newHarness(nil, func(session, _ int) (browser.Outcome, error) {
		if session == 0 {
			return browser.Outcome{Status: 503, HTML: "<p>Access denied</p>"}, nil
		}
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	_, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	require.Len(t, h.sessions, 2)
	assert.Equal(t, 1, h.sessions[0].calls)
}

func TestFetchRateLimitBackoff(t *testing.T) {
	h := newHarness(nil, func(_ int, call int) (browser.Outcome, error) {
		if call < 3 {
			return browser.Outcome{Status: 429}, nil
		}
		return browser.Outcome{Status: 200, HTML: goodPage, Headers: map[string]string{"x": "y"}}, nil
	})

	res, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second, 15 * time.Second}, h.sleeps)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.Sessions)
	assert.Equal(t, goodPage, res.HTML)
	assert.Equal(t, "y", res.Headers["x"])
	assert.Len(t, h.sessions, 1)
	assert.False(t, h.sessions[0].closed)
}

func TestFetchBlockPageReplacesImmediately(t *testing.T) {
	h := newHarness(nil, func(session, _ int) (browser.Outcome, error) {
		if session == 0 {
			return browser.Outcome{Status: 200, HTML: "<h1>You have been blocked</h1>"}, nil
		}
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	res, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	require.Len(t, h.sessions, 2)
	assert.Equal(t, 1, h.sessions[0].calls, "no same-session retry after a ban page")
	assert.True(t, h.sessions[0].closed)
	assert.Equal(t, []string{shopURL}, h.sessions[1].loads)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, res.Sessions)
}

func TestFetchStarvedPageReplaces(t *testing.T) {
	h := newHarness(nil, func(session, _ int) (browser.Outcome, error) {
		if session == 0 {
			return browser.Outcome{Status: 200, HTML: "<html><body>loading</body></html>"}, nil
		}
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	_, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	assert.Len(t, h.sessions, 2)
}

func TestFetchChallengeThenSuccess(t *testing.T) {
	h := newHarness(nil, func(_ int, call int) (browser.Outcome, error) {
		if call == 1 {
			return browser.Outcome{Status: 403, Challenge: true}, nil
		}
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	res, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, h.sessions[0].reloads)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleeps)
}

func TestFetchNotFoundSkipsWithoutReplacement(t *testing.T) {
	h := newHarness(nil, func(int, int) (browser.Outcome, error) {
		return browser.Outcome{Status: 404}, nil
	})

	_, err := h.orch.Fetch(context.Background(), shopURL)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeNotFound))
	require.Len(t, h.sessions, 1)
	assert.Equal(t, 1, h.sessions[0].calls)
	assert.False(t, h.sessions[0].closed)
}

func TestFetchTransportErrorsRetryThenReplace(t *testing.T) {
	h := newHarness(nil, func(session, _ int) (browser.Outcome, error) {
		if session == 0 {
			return browser.Outcome{}, apperrors.NewTimeout("browser", 90*time.Second)
		}
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	res, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	assert.Equal(t, 3, h.sessions[0].calls)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeps)
}

func TestFetchReusesSessionAcrossCalls(t *testing.T) {
	h := newHarness(nil, func(int, int) (browser.Outcome, error) {
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	_, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	_, err = h.orch.Fetch(context.Background(), "https://www.etsy.com/shop/Other")
	require.NoError(t, err)

	require.Len(t, h.sessions, 1)
	assert.Equal(t, []string{shopURL, "https://www.etsy.com/shop/Other"}, h.sessions[0].loads)

	require.NoError(t, h.orch.Close())
	assert.True(t, h.sessions[0].closed)
}

func TestFetchUsesPoolProxy(t *testing.T) {
	p := &proxy.Proxy{Host: "10.0.0.1", Port: 3128}
	h := newHarness(staticPool{p: p}, func(int, int) (browser.Outcome, error) {
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})

	_, err := h.orch.Fetch(context.Background(), shopURL)
	require.NoError(t, err)
	assert.Same(t, p, h.proxies[0])
}

func TestFetchFactoryFailuresCountAsSessions(t *testing.T) {
	calls := 0
	orch := NewOrchestrator(DefaultOptions(), func(context.Context, *proxy.Proxy) (PageFetcher, error) {
		calls++
		return nil, errors.New("chrome not found")
	}, nil)

	_, err := orch.Fetch(context.Background(), shopURL)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeExhausted))
	assert.Equal(t, 4, calls)
	assert.ErrorContains(t, err, "chrome not found")
}

func TestFetchCanceled(t *testing.T) {
	h := newHarness(nil, func(int, int) (browser.Outcome, error) {
		return browser.Outcome{Status: 200, HTML: goodPage}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Fetch(ctx, shopURL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.sessions)
}

func TestDetectBlock(t *testing.T) {
	assert.Equal(t, BlockNone, DetectBlock(goodPage))
	assert.Equal(t, BlockBanPhrase, DetectBlock("<p>ACCESS DENIED</p>"+goodPage))
	assert.Equal(t, BlockBanPhrase, DetectBlock("<p>Вы были заблокированы</p>"))
	assert.Equal(t, BlockStarved, DetectBlock("<html></html>"))
	assert.Equal(t, BlockNone, DetectBlock(strings.Repeat("x", 10000)))
	assert.Equal(t, "starved", BlockStarved.String())
}
