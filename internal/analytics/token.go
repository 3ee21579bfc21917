package analytics

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "sjsage522/shopwatch/pkg/errors"
)

// TokenProvider supplies the API access token. The login flow that mints
// tokens lives outside this process.
type TokenProvider interface {
	Token() string
	// EnsureValidToken reports whether a usable token is available, refreshing it if the provider can
	EnsureValidToken(ctx context.Context) (bool, error)
}

// StaticTokenProvider serves a token from configuration and validates it
// against the account endpoint
type StaticTokenProvider struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

var _ TokenProvider = (*StaticTokenProvider)(nil)

// NewStaticTokenProvider creates a provider for a fixed token
func NewStaticTokenProvider(baseURL, token string) *StaticTokenProvider {
	return &StaticTokenProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		token:   token,
	}
}

// Token returns the current token
func (p *StaticTokenProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// SetToken replaces the token, e.g. after an operator pastes a new one
func (p *StaticTokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// EnsureValidToken checks the token against GET /users/show
func (p *StaticTokenProvider) EnsureValidToken(ctx context.Context) (bool, error) {
	token := p.Token()
	if token == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/users/show", nil)
	if err != nil {
		return false, apperrors.NewNetwork("analytics", "build token check", err)
	}
	req.Header.Set(tokenHeader, token)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, apperrors.NewNetwork("analytics", "token check", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, apperrors.NewUpstream("analytics", "token check returned "+resp.Status, nil)
	}
}
