package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DiscoveryDocument is the subset of a provider's OIDC discovery document the
// engine uses.  Discovered endpoints, when present, are authoritative and
// override static configuration for the operation being performed.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// FetchDiscovery performs a single synchronous fetch of the discovery
// document at discoveryURL.
func FetchDiscovery(ctx context.Context, client *http.Client, discoveryURL string) (*DiscoveryDocument, error) {
	const op = "oauth2.FetchDiscovery"
	if discoveryURL == "" {
		return nil, fmt.Errorf("%s: discovery URL is empty: %w", op, ErrInvalidParameter)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create discovery request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: discovery request failed: %w: %w", op, ErrProviderResponse, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read discovery response: %w: %w", op, ErrProviderResponse, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: discovery returned %d: %w", op, resp.StatusCode, ErrProviderResponse)
	}
	var doc DiscoveryDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document: %w: %w", op, ErrProviderResponse, err)
	}
	return &doc, nil
}

// discoveryCache is an optional per-process cache keyed by discovery URL.  By
// default every flow step re-fetches discovery, trading latency for
// freshness; deployments can opt in via WithDiscoveryCache.
type discoveryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]discoveryCacheEntry
}

type discoveryCacheEntry struct {
	doc     *DiscoveryDocument
	expires time.Time
}

func newDiscoveryCache(ttl time.Duration) *discoveryCache {
	return &discoveryCache{
		ttl:     ttl,
		entries: make(map[string]discoveryCacheEntry),
	}
}

func (c *discoveryCache) get(discoveryURL string) (*DiscoveryDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[discoveryURL]
	if !ok || e.expires.Before(time.Now()) {
		delete(c.entries, discoveryURL)
		return nil, false
	}
	return e.doc, true
}

func (c *discoveryCache) put(discoveryURL string, doc *DiscoveryDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[discoveryURL] = discoveryCacheEntry{
		doc:     doc,
		expires: time.Now().Add(c.ttl),
	}
}

// endpoints is the resolved view of a provider for one flow step, after
// applying the discovery-overrides-static policy.
type endpoints struct {
	authorization string
	token         string
	userInfo      string
	issuer        string
	jwksURI       string
}

// resolveEndpoints applies the endpoint resolution policy: discovery values,
// when successfully fetched, override static configuration; a discovery
// failure is not fatal while a static fallback exists.  Callers check the
// field they need and fail with ErrInvalidOAuthConfiguration when it's empty.
func resolveEndpoints(ctx context.Context, client *http.Client, cfg *ProviderConfig, cache *discoveryCache) (*endpoints, error) {
	ep := &endpoints{
		authorization: cfg.AuthorizationURL,
		token:         cfg.TokenURL,
		userInfo:      cfg.UserInfoURL,
	}
	if cfg.DiscoveryURL == "" {
		return ep, nil
	}

	var doc *DiscoveryDocument
	if cache != nil {
		if cached, ok := cache.get(cfg.DiscoveryURL); ok {
			doc = cached
		}
	}
	if doc == nil {
		fetched, err := FetchDiscovery(ctx, client, cfg.DiscoveryURL)
		if err != nil {
			// not fatal here: static fallbacks may still cover the operation
			// about to be performed
			return ep, err
		}
		doc = fetched
		if cache != nil {
			cache.put(cfg.DiscoveryURL, doc)
		}
	}

	if doc.AuthorizationEndpoint != "" {
		ep.authorization = doc.AuthorizationEndpoint
	}
	if doc.TokenEndpoint != "" {
		ep.token = doc.TokenEndpoint
	}
	if doc.UserInfoEndpoint != "" {
		ep.userInfo = doc.UserInfoEndpoint
	}
	ep.issuer = doc.Issuer
	ep.jwksURI = doc.JWKSURI
	return ep, nil
}
