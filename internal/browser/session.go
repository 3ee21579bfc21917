// Package browser drives one stealth Chrome session per proxy through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"sjsage522/shopwatch/helpers"
	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
	"sjsage522/shopwatch/services/proxy"
)

const (
	windowWidth  = 1366
	windowHeight = 768
)

// Options configures a browser session
type Options struct {
	ExecPath          string
	UserAgent         string
	Headless          bool
	Humanize          bool
	Proxy             *proxy.Proxy
	ResponseTimeout   time.Duration
	InactivityTimeout time.Duration
	CaptchaTimeout    time.Duration
	BlockedDomains    []string
	BlockedResources  []network.ResourceType
}

// DefaultOptions returns the production session settings
func DefaultOptions() Options {
	return Options{
		Headless:          true,
		Humanize:          true,
		ResponseTimeout:   90 * time.Second,
		InactivityTimeout: 60 * time.Second,
		CaptchaTimeout:    30 * time.Second,
		BlockedDomains:    defaultBlockedDomains,
		BlockedResources:  defaultBlockedResources,
	}
}

// Outcome is the classified result of one page load
type Outcome struct {
	Status    int
	HTML      string
	FinalURL  string
	Headers   map[string]string
	Challenge bool
}

// OK reports a clean 200 response
func (o Outcome) OK() bool {
	return o.Status == 200 && !o.Challenge
}

type response struct {
	url     string
	status  int
	headers map[string]string
}

// Session owns one browser process and one tab
type Session struct {
	opts        Options
	ctx         context.Context
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	log         *logger.Logger

	mu           sync.Mutex
	target       string
	responses    chan response
	lastActivity time.Time
	closed       bool
}

// NewSession launches Chrome with stealth flags, interception and the optional proxy
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = helpers.RandomUserAgent()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "en-US"),
		chromedp.WindowSize(windowWidth, windowHeight),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.Proxy != nil {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy.ServerFlag()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	// Suppress chromedp log noise
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	s := &Session{
		opts:         opts,
		ctx:          tabCtx,
		allocCancel:  allocCancel,
		tabCancel:    tabCancel,
		log:          logger.ForBrowser(),
		lastActivity: time.Now(),
	}
	if opts.Proxy != nil {
		s.log = s.log.WithField("proxy", opts.Proxy.String())
	}

	chromedp.ListenTarget(tabCtx, s.onEvent)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		fetch.Enable().
			WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
			WithHandleAuthRequests(opts.Proxy != nil && opts.Proxy.HasAuth()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	)
	if err != nil {
		s.Close()
		return nil, apperrors.NewNetwork("browser", "start session", err)
	}

	s.log.Debug().Msg("Browser session started")
	return s, nil
}

// onEvent must not block: CDP calls are issued from separate goroutines
func (s *Session) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent, *network.EventLoadingFinished:
		s.touch()
	case *network.EventResponseReceived:
		s.touch()
		if ev.Type == network.ResourceTypeDocument && ev.Response != nil {
			s.observe(ev.Response)
		}
	case *fetch.EventRequestPaused:
		go s.handlePaused(ev)
	case *fetch.EventAuthRequired:
		go s.handleAuth(ev)
	}
}

func (s *Session) executor() context.Context {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return s.ctx
	}
	return cdp.WithExecutor(s.ctx, c.Target)
}

func (s *Session) handlePaused(ev *fetch.EventRequestPaused) {
	ctx := s.executor()
	reqURL := ""
	if ev.Request != nil {
		reqURL = ev.Request.URL
	}

	var err error
	if shouldBlock(reqURL, ev.ResourceType, s.opts.BlockedDomains, s.opts.BlockedResources) {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug().Err(err).Str("url", reqURL).Msg("Interception reply failed")
	}
}

func (s *Session) handleAuth(ev *fetch.EventAuthRequired) {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	if s.opts.Proxy != nil && s.opts.Proxy.HasAuth() {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: s.opts.Proxy.Username,
			Password: s.opts.Proxy.Password,
		}
	}
	if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(s.executor()); err != nil {
		s.log.Debug().Err(err).Msg("Proxy auth reply failed")
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) observe(r *network.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.responses == nil || !matchesTarget(r.URL, s.target) {
		return
	}

	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = fmt.Sprint(v)
	}
	select {
	case s.responses <- response{url: r.URL, status: int(r.Status), headers: headers}:
	default:
	}
}

// arm starts watching for the target's document response
func (s *Session) arm(target string) chan response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
	s.responses = make(chan response, 8)
	s.lastActivity = time.Now()
	return s.responses
}

// bind derives a chromedp context bounded by d and by the caller's ctx
func (s *Session) bind(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, d)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Load navigates to target and classifies the response
func (s *Session) Load(ctx context.Context, target string) (Outcome, error) {
	return s.navigate(ctx, target, chromedp.Navigate(target))
}

// Reload reloads the last target
func (s *Session) Reload(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target == "" {
		return Outcome{}, apperrors.NewValidation("browser", "reload before load")
	}
	return s.navigate(ctx, target, chromedp.Reload())
}

func (s *Session) navigate(ctx context.Context, target string, action chromedp.Action) (Outcome, error) {
	responses := s.arm(target)

	runCtx, cancel := s.bind(ctx, s.opts.ResponseTimeout)
	err := chromedp.Run(runCtx, action)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		// a slow load is judged by the response wait below
		if !errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, apperrors.NewNetwork("browser", "navigate", err).WithTarget(target)
		}
	}

	if s.opts.Humanize {
		if err := s.simulateHuman(ctx); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			s.log.Debug().Err(err).Msg("Human simulation interrupted")
		}
	}

	resp, err := s.awaitResponse(ctx, responses)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: resp.status, FinalURL: resp.url, Headers: resp.headers}

	if s.challengePresent(ctx) {
		solved := s.solveChallenge(ctx)
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if !solved {
			out.Status = 403
			out.Challenge = true
			return out, nil
		}
		// the page navigated away from the interstitial; pick up the real document
		select {
		case r := <-responses:
			out.Status, out.FinalURL, out.Headers = r.status, r.url, r.headers
		default:
			out.Status = 200
		}
	}

	htmlCtx, cancel := s.bind(ctx, 30*time.Second)
	defer cancel()
	var loc string
	if err := chromedp.Run(htmlCtx,
		chromedp.Location(&loc),
		chromedp.OuterHTML("html", &out.HTML, chromedp.ByQuery),
	); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return out, apperrors.NewNetwork("browser", "read document", err).WithTarget(target)
	}
	if loc != "" {
		out.FinalURL = loc
	}
	return out, nil
}

// awaitResponse waits for the target's document response, reloading once per
// inactivity window when the page goes quiet
func (s *Session) awaitResponse(ctx context.Context, responses <-chan response) (response, error) {
	deadline := time.NewTimer(s.opts.ResponseTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return response{}, ctx.Err()
		case r := <-responses:
			return r, nil
		case <-deadline.C:
			return response{}, apperrors.NewTimeout("browser", s.opts.ResponseTimeout).WithTarget(s.currentTarget())
		case <-ticker.C:
			if s.idleFor() < s.opts.InactivityTimeout {
				continue
			}
			s.log.Warn().Dur("idle", s.idleFor()).Msg("No network activity, reloading")
			s.touch()
			reloadCtx, cancel := s.bind(ctx, s.opts.InactivityTimeout)
			if err := chromedp.Run(reloadCtx, chromedp.Reload()); err != nil && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("Inactivity reload failed")
			}
			cancel()
		}
	}
}

func (s *Session) currentTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Session) challengePresent(ctx context.Context) bool {
	probeCtx, cancel := s.bind(ctx, 10*time.Second)
	defer cancel()
	var present bool
	if err := chromedp.Run(probeCtx, chromedp.Evaluate(challengeProbe, &present)); err != nil {
		return false
	}
	return present
}

// solveChallenge polls for the interstitial to clear, clicking "continue" when offered
func (s *Session) solveChallenge(ctx context.Context) bool {
	s.log.Warn().Dur("timeout", s.opts.CaptchaTimeout).Msg("CAPTCHA detected, waiting for it to clear")

	deadline := time.Now().Add(s.opts.CaptchaTimeout)
	for time.Now().Before(deadline) {
		if !s.challengePresent(ctx) {
			s.log.Info().Msg("CAPTCHA cleared")
			return true
		}

		clickCtx, cancel := s.bind(ctx, 5*time.Second)
		var clicked bool
		_ = chromedp.Run(clickCtx, chromedp.Evaluate(continueProbe, &clicked))
		cancel()
		if clicked {
			s.log.Debug().Msg("Clicked continue on interstitial")
		}

		if err := helpers.Sleep(ctx, time.Second); err != nil {
			return false
		}
	}
	return false
}

// simulateHuman scrolls, pauses and moves the pointer like a reader would
func (s *Session) simulateHuman(ctx context.Context) error {
	if err := helpers.Sleep(ctx, helpers.RandomDuration(2*time.Second, 4*time.Second)); err != nil {
		return err
	}

	position := 0
	for i, n := 0, helpers.RandomInt(3, 6); i < n; i++ {
		position += helpers.RandomInt(200, 600)
		if err := s.scrollTo(ctx, position); err != nil {
			return err
		}
		if err := helpers.Sleep(ctx, helpers.RandomDuration(time.Second, 2500*time.Millisecond)); err != nil {
			return err
		}

		if helpers.Chance(0.3) {
			if err := s.scrollTo(ctx, position-helpers.RandomInt(50, 150)); err != nil {
				return err
			}
			if err := helpers.Sleep(ctx, helpers.RandomDuration(500*time.Millisecond, time.Second)); err != nil {
				return err
			}
		}
	}

	for i, n := 0, helpers.RandomInt(2, 4); i < n; i++ {
		x := float64(helpers.RandomInt(100, windowWidth-100))
		y := float64(helpers.RandomInt(100, windowHeight-100))
		moveCtx, cancel := s.bind(ctx, 5*time.Second)
		err := chromedp.Run(moveCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
		}))
		cancel()
		if err != nil {
			return err
		}
		if err := helpers.Sleep(ctx, helpers.RandomDuration(300*time.Millisecond, 800*time.Millisecond)); err != nil {
			return err
		}
	}

	if err := s.scrollTo(ctx, 0); err != nil {
		return err
	}
	return helpers.Sleep(ctx, helpers.RandomDuration(time.Second, 2*time.Second))
}

func (s *Session) scrollTo(ctx context.Context, top int) error {
	if top < 0 {
		top = 0
	}
	scrollCtx, cancel := s.bind(ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(scrollCtx,
		chromedp.Evaluate(fmt.Sprintf(`window.scrollTo({top: %d, behavior: 'smooth'})`, top), nil),
	)
}

// Close shuts the browser down
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := chromedp.Cancel(s.ctx)
	s.tabCancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
