package browser

import (
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/network"
)

// stealthScript runs before any page script on every new document
const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  Object.defineProperty(navigator, 'vendor', { get: () => 'Google Inc.' });
  Object.defineProperty(navigator, 'platform', { get: () => 'Win32' });
  Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
  window.chrome = window.chrome || { runtime: {} };
  const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
  if (originalQuery) {
    window.navigator.permissions.query = (p) => p && p.name === 'notifications'
      ? Promise.resolve({ state: Notification.permission })
      : originalQuery(p);
  }
  const getParameter = WebGLRenderingContext.prototype.getParameter;
  WebGLRenderingContext.prototype.getParameter = function (parameter) {
    if (parameter === 37445) return 'Intel Inc.';
    if (parameter === 37446) return 'Intel Iris OpenGL Engine';
    return getParameter.call(this, parameter);
  };
})();`

// challengeProbe reports whether the tab shows a CAPTCHA interstitial
const challengeProbe = `(() => {
  const host = location.hostname || '';
  if (/captcha/i.test(host)) return true;
  return !!document.querySelector('iframe[src*="captcha"], #captcha-container, [data-captcha]');
})()`

// continueProbe clicks a visible "continue" affordance if the interstitial offers one
const continueProbe = `(() => {
  const nodes = Array.from(document.querySelectorAll('button, a, input[type="submit"]'));
  const hit = nodes.find(n => /continue|продолжить/i.test((n.innerText || n.value || '').trim()));
  if (hit) { hit.click(); return true; }
  return false;
})()`

var defaultBlockedDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"connect.facebook.net",
	"pinterest.com/ct",
	"bat.bing.com",
	"hotjar.com",
	"sentry.io",
	"newrelic.com",
	"nr-data.net",
}

var defaultBlockedResources = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeMedia,
	network.ResourceTypeFont,
}

var captchaHosts = []string{
	"captcha-delivery.com",
	"geo.captcha",
	"hcaptcha.com",
	"recaptcha.net",
	"challenges.cloudflare.com",
}

// shouldBlock decides whether an intercepted request is aborted
func shouldBlock(rawURL string, resource network.ResourceType, domains []string, resources []network.ResourceType) bool {
	// challenge assets must load or the interstitial can never clear
	if isCaptchaURL(rawURL) {
		return false
	}
	for _, r := range resources {
		if r == resource {
			return true
		}
	}
	lower := strings.ToLower(rawURL)
	for _, d := range domains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// isCaptchaURL reports whether the URL belongs to a known challenge provider
func isCaptchaURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, h := range captchaHosts {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// matchesTarget reports whether a document response belongs to the requested page
func matchesTarget(responseURL, target string) bool {
	if target == "" {
		return false
	}
	if strings.Contains(responseURL, strings.TrimRight(target, "/")) {
		return true
	}

	r, err1 := url.Parse(responseURL)
	t, err2 := url.Parse(target)
	if err1 != nil || err2 != nil {
		return false
	}
	return trimWWW(r.Host) == trimWWW(t.Host) &&
		strings.TrimRight(r.Path, "/") == strings.TrimRight(t.Path, "/")
}

func trimWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
