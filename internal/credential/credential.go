// ABOUTME: Client-credentials token provider for the remote agent service
// ABOUTME: Lazily fetches, caches and invalidates tokens under the caller's context; decodes identity claims

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrAcquireToken wraps every failure to obtain a token from the identity provider.
var ErrAcquireToken = errors.New("acquiring access token")

// DefaultTimeout bounds a single token request when Config sets none.
const DefaultTimeout = 30 * time.Second

// Config describes the application registration used to authenticate.
type Config struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	AuthorityHost string
	Scope         string

	// Timeout bounds each token request. Zero means DefaultTimeout.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
	// HTTPClient is used for token requests. Nil builds one from Timeout.
	HTTPClient *http.Client
}

// Identity summarises the claims of the current access token.
type Identity struct {
	TenantID string
	AppID    string
	Subject  string
	Expiry   time.Time
	// Opaque is set when the token is not a JWT and carries no claims.
	Opaque bool
}

// Provider is a shared, concurrency-safe token source.
type Provider struct {
	oauth      clientcredentials.Config
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	source oauth2.TokenSource
}

// New creates a Provider. No network traffic happens until the first Token call.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Provider{
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     TokenURL(cfg.AuthorityHost, cfg.TenantID),
			Scopes:       []string{cfg.Scope},
		},
		httpClient: httpClient,
		logger:     logger.With("component", "credential"),
	}
}

// TokenURL builds the v2 token endpoint for a tenant.
func TokenURL(authorityHost, tenantID string) string {
	return strings.TrimSuffix(authorityHost, "/") + "/" + tenantID + "/oauth2/v2.0/token"
}

type tokenResult struct {
	tok *oauth2.Token
	err error
}

// Token returns a valid token, fetching a new one when the cache is empty or
// expired. It gives up when ctx ends even if the identity provider has not
// answered; the fetch itself is bounded by the HTTP client timeout.
func (p *Provider) Token(ctx context.Context) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquireToken, err)
	}

	src := p.tokenSource()
	ch := make(chan tokenResult, 1)
	go func() {
		tok, err := src.Token()
		ch <- tokenResult{tok: tok, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquireToken, r.err)
		}
		return r.tok, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquireToken, ctx.Err())
	}
}

// tokenSource returns the cached source, building it on first use.
func (p *Provider) tokenSource() oauth2.TokenSource {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.httpClient)
		p.source = oauth2.ReuseTokenSource(nil, p.oauth.TokenSource(ctx))
		p.logger.Debug("token source initialized", "token_url", p.oauth.TokenURL)
	}
	return p.source
}

// Invalidate drops the cached token so the next call re-authenticates.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source != nil {
		p.logger.Info("invalidating cached token")
	}
	p.source = nil
}

// HTTPClient returns a client that authorizes each request with the current
// token, fetched under the request's context. base may be nil.
func (p *Provider) HTTPClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &transport{provider: p, base: base},
	}
}

// transport sets the Authorization header on every request.
type transport struct {
	provider *Provider
	base     http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.provider.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	r := req.Clone(req.Context())
	tok.SetAuthHeader(r)
	return t.base.RoundTrip(r)
}

// Identity fetches a token (if needed) and decodes its claims without
// verifying the signature. The resource server is the one that verifies it.
func (p *Provider) Identity(ctx context.Context) (*Identity, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	return identityFromToken(tok), nil
}

func identityFromToken(tok *oauth2.Token) *Identity {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return &Identity{Expiry: tok.Expiry, Opaque: true}
	}

	id := &Identity{
		TenantID: stringClaim(claims, "tid"),
		AppID:    stringClaim(claims, "appid"),
		Expiry:   tok.Expiry,
	}
	if id.AppID == "" {
		id.AppID = stringClaim(claims, "azp")
	}
	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.Expiry = exp.Time
	}
	return id
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
