// Package fetch drives browser sessions past anti-automation defenses with
// bounded retries and proxy-rotating session replacement.
package fetch

import (
	"context"
	"net/http"
	"time"

	"sjsage522/shopwatch/helpers"
	"sjsage522/shopwatch/internal/browser"
	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
	"sjsage522/shopwatch/services/proxy"
)

// PageFetcher is one browser session able to load and reload a page
type PageFetcher interface {
	Load(ctx context.Context, url string) (browser.Outcome, error)
	Reload(ctx context.Context) (browser.Outcome, error)
	Close() error
}

var _ PageFetcher = (*browser.Session)(nil)

// SessionFactory opens a fresh session behind the given proxy; nil means a direct connection
type SessionFactory func(ctx context.Context, p *proxy.Proxy) (PageFetcher, error)

// BrowserFactory returns a SessionFactory launching chromedp sessions
func BrowserFactory(opts browser.Options) SessionFactory {
	return func(ctx context.Context, p *proxy.Proxy) (PageFetcher, error) {
		o := opts
		o.Proxy = p
		return browser.NewSession(ctx, o)
	}
}

// Options bounds the escalation
type Options struct {
	MaxAttempts            int
	MaxSessionReplacements int
	ChallengeDelay         time.Duration
	RateLimitBase          time.Duration
	RateLimitStep          time.Duration
	TransientDelay         time.Duration
}

// DefaultOptions returns the production retry budget
func DefaultOptions() Options {
	return Options{
		MaxAttempts:            3,
		MaxSessionReplacements: 3,
		ChallengeDelay:         10 * time.Second,
		RateLimitBase:          10 * time.Second,
		RateLimitStep:          5 * time.Second,
		TransientDelay:         5 * time.Second,
	}
}

// Result is a successfully fetched page
type Result struct {
	URL      string
	HTML     string
	Status   int
	Headers  map[string]string
	Attempts int
	Sessions int
}

// Orchestrator fetches pages one at a time, reusing a healthy session across calls.
// It is not safe for concurrent use.
type Orchestrator struct {
	opts    Options
	factory SessionFactory
	proxies proxy.ProxyManager
	sleep   func(context.Context, time.Duration) error

	session PageFetcher
}

// NewOrchestrator creates an orchestrator; proxies may be nil for direct connections
func NewOrchestrator(opts Options, factory SessionFactory, proxies proxy.ProxyManager) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxSessionReplacements < 0 {
		opts.MaxSessionReplacements = 0
	}
	return &Orchestrator{
		opts:    opts,
		factory: factory,
		proxies: proxies,
		sleep:   helpers.Sleep,
	}
}

// Fetch loads url, replacing the session on exhaustion or a ban page and always
// retrying the same url. A 404 is returned as not_found without replacement.
func (o *Orchestrator) Fetch(ctx context.Context, url string) (Result, error) {
	log := logger.ForFetcher(catalog.ShopName(url))

	var last error
	sessions, attempts := 0, 0

	for cycle := 0; cycle <= o.opts.MaxSessionReplacements; cycle++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if cycle > 0 {
			log.Warn().Int("replacement", cycle).Err(last).Msg("Replacing browser session")
		}

		if o.session == nil {
			if err := o.open(ctx); err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				log.Error().Err(err).Msg("Failed to open browser session")
				sessions++
				last = err
				continue
			}
		}
		sessions++

		res, err := o.attempt(ctx, url, &attempts)
		if err == nil {
			res.Attempts = attempts
			res.Sessions = sessions
			log.Debug().Int("attempts", attempts).Int("sessions", sessions).Msg("Page fetched")
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if apperrors.Is(err, apperrors.ErrorTypeNotFound) {
			return Result{}, err
		}

		last = err
		o.discard()
	}

	log.Error().Err(last).Int("sessions", sessions).Msg("Shop abandoned")
	return Result{}, apperrors.NewExhausted("fetch", sessions, last).WithTarget(url)
}

// attempt runs the per-session budget against url
func (o *Orchestrator) attempt(ctx context.Context, url string, attempts *int) (Result, error) {
	var last error
	rateLimited := 0

	for n := 1; n <= o.opts.MaxAttempts; n++ {
		var out browser.Outcome
		var err error
		if n == 1 {
			out, err = o.session.Load(ctx, url)
		} else {
			out, err = o.session.Reload(ctx)
		}
		*attempts++

		delay := o.opts.TransientDelay
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			last = err

		case out.OK():
			if kind := DetectBlock(out.HTML); kind != BlockNone {
				return Result{}, apperrors.NewBlocked("fetch", kind.String()).WithTarget(url)
			}
			return Result{URL: url, HTML: out.HTML, Status: out.Status, Headers: out.Headers}, nil

		case out.Status == http.StatusNotFound:
			return Result{}, apperrors.NewNotFound("fetch", "page not found").WithTarget(url)

		case out.Status == http.StatusTooManyRequests:
			delay = o.opts.RateLimitBase + time.Duration(rateLimited)*o.opts.RateLimitStep
			rateLimited++
			last = apperrors.NewRateLimit("fetch", delay).WithTarget(url)

		case out.Status == http.StatusForbidden || out.Challenge:
			delay = o.opts.ChallengeDelay
			last = apperrors.NewChallenge("fetch", "403 or unresolved CAPTCHA").WithTarget(url)

		case DetectBlock(out.HTML) == BlockBanPhrase:
			return Result{}, apperrors.NewBlocked("fetch", BlockBanPhrase.String()).WithTarget(url)

		default:
			last = apperrors.NewNetwork("fetch", http.StatusText(out.Status), nil).WithTarget(url)
		}

		if n < o.opts.MaxAttempts {
			logger.ForFetcher(catalog.ShopName(url)).Debug().
				Int("attempt", n).Dur("delay", delay).Str("reason", string(apperrors.TypeOf(last))).
				Msg("Retrying in the same session")
			if err := o.sleep(ctx, delay); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, last
}

func (o *Orchestrator) open(ctx context.Context) error {
	var p *proxy.Proxy
	if o.proxies != nil {
		p = o.proxies.Random()
	}
	s, err := o.factory(ctx, p)
	if err != nil {
		return err
	}
	o.session = s
	return nil
}

func (o *Orchestrator) discard() {
	if o.session == nil {
		return
	}
	if err := o.session.Close(); err != nil {
		logger.ForBrowser().Debug().Err(err).Msg("Session close failed")
	}
	o.session = nil
}

// Close releases the current session
func (o *Orchestrator) Close() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Close()
	o.session = nil
	return err
}
