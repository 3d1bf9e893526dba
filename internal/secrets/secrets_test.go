package secrets

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestEnvProvider_PrefixedLookup(t *testing.T) {
	t.Setenv("AGENTFLEET_SECRET_WALLET_KEY", "s3cret")

	p := NewEnvProvider("AGENTFLEET_SECRET_")
	v, err := p.Get(context.Background(), "WALLET_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "s3cret" {
		t.Fatalf("expected s3cret, got %q", v)
	}

	if _, err := p.Get(context.Background(), "MISSING"); err == nil {
		t.Fatal("expected error for unset secret")
	}
}

type staticTokenSource struct{}

func (staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

type countingFetcher struct {
	calls int
	value string
}

func (f *countingFetcher) FetchSecret(_ context.Context, token, fullName string) (string, error) {
	if token != "test-token" {
		return "", context.Canceled
	}
	f.calls++
	return f.value, nil
}

func TestExternalKVProvider_CachesWithinTTL(t *testing.T) {
	fetcher := &countingFetcher{value: "kv-secret"}
	p := &ExternalKVProvider{
		prefix:   "fleet/",
		fetcher:  fetcher,
		tokenSrc: staticTokenSource{},
		cache:    make(map[string]cachedSecret),
	}

	for i := 0; i < 3; i++ {
		v, err := p.Get(context.Background(), "wallet_key")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if v != "kv-secret" {
			t.Fatalf("expected kv-secret, got %q", v)
		}
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected exactly one backend fetch, got %d", fetcher.calls)
	}
}

func TestExternalKVProvider_RefetchesAfterExpiry(t *testing.T) {
	fetcher := &countingFetcher{value: "kv-secret"}
	p := &ExternalKVProvider{
		prefix:   "fleet/",
		fetcher:  fetcher,
		tokenSrc: staticTokenSource{},
		cache:    make(map[string]cachedSecret),
	}

	if _, err := p.Get(context.Background(), "wallet_key"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	p.mu.Lock()
	p.cache["fleet/wallet_key"] = cachedSecret{value: "kv-secret", expiresAt: time.Now().Add(-time.Second)}
	p.mu.Unlock()

	if _, err := p.Get(context.Background(), "wallet_key"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected a refetch after expiry, got %d calls", fetcher.calls)
	}
}
