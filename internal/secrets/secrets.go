// Package secrets is the secret-retrieval boundary: one interface with
// two implementations, env-backed and external-kv-backed, so the Commerce
// Skill (and any other Skill needing credentials) depends on the interface
// rather than a concrete source. The external-kv implementation refreshes
// its bearer token via OAuth2 client-credentials and caches values for 5
// minutes per-process.
package secrets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CacheTTL is the per-process cache lifetime for resolved secrets.
const CacheTTL = 5 * time.Minute

// Provider resolves a secret by name. Implementations must be safe for
// concurrent use.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves secrets from environment variables, optionally
// prefixed, matching SECRETS_PROVIDER=env.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider returns a Provider reading os.Getenv(prefix+name).
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(p.prefix + name)
	if !ok {
		return "", fmt.Errorf("secrets: env var %s%s not set", p.prefix, name)
	}
	return v, nil
}

// KVFetcher performs the actual network call to an external secret store
// once authenticated. It is a narrow interface so ExternalKVProvider can be
// tested without a real secret-management backend.
type KVFetcher interface {
	FetchSecret(ctx context.Context, token, fullName string) (string, error)
}

// ExternalKVProvider resolves secrets from an external key-value secret
// store, authenticating with an OAuth2 client-credentials grant (the token
// source reuses a token until it expires) and caching resolved values for
// CacheTTL.
type ExternalKVProvider struct {
	prefix   string
	fetcher  KVFetcher
	tokenSrc oauth2.TokenSource

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// NewExternalKVProvider builds a provider backed by an OAuth2
// client-credentials grant; oauth2.TokenSource handles token refresh and
// reuse internally.
func NewExternalKVProvider(ctx context.Context, prefix string, cfg clientcredentials.Config, fetcher KVFetcher) *ExternalKVProvider {
	return &ExternalKVProvider{
		prefix:   prefix,
		fetcher:  fetcher,
		tokenSrc: cfg.TokenSource(ctx),
		cache:    make(map[string]cachedSecret),
	}
}

// HTTPKVFetcher is the production KVFetcher: a plain HTTPS GET of
// {endpoint}/{name} with the bearer token in the Authorization header, the
// secret value returned as the response body.
type HTTPKVFetcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPKVFetcher returns a fetcher reading from endpoint.
func NewHTTPKVFetcher(endpoint string) *HTTPKVFetcher {
	return &HTTPKVFetcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPKVFetcher) FetchSecret(ctx context.Context, token, fullName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/"+url.PathEscape(fullName), nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secret store returned %d for %s", resp.StatusCode, fullName)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (p *ExternalKVProvider) Get(ctx context.Context, name string) (string, error) {
	fullName := p.prefix + name

	p.mu.Lock()
	if c, ok := p.cache[fullName]; ok && time.Now().Before(c.expiresAt) {
		p.mu.Unlock()
		return c.value, nil
	}
	p.mu.Unlock()

	token, err := p.tokenSrc.Token()
	if err != nil {
		return "", fmt.Errorf("secrets: refreshing external-kv token: %w", err)
	}

	value, err := p.fetcher.FetchSecret(ctx, token.AccessToken, fullName)
	if err != nil {
		return "", fmt.Errorf("secrets: fetching %s: %w", fullName, err)
	}

	p.mu.Lock()
	p.cache[fullName] = cachedSecret{value: value, expiresAt: time.Now().Add(CacheTTL)}
	p.mu.Unlock()

	return value, nil
}
