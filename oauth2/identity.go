package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Identity is the provider-agnostic identity derived once per callback.  It
// is never mutated after creation and is used downstream to decide between
// new-account creation, linking, and rejection.
type Identity struct {
	// ID is the provider's stable external identifier ("sub").
	ID string

	// Email and EmailVerified are the minimum identity signal required by the
	// account collaborators.
	Email         string
	EmailVerified bool

	// Name is the display name, when the provider supplies one.
	Name string

	// Picture is the avatar URL, when the provider supplies one.
	Picture string

	// Claims is the passthrough of all provider-supplied claims.
	Claims map[string]interface{}
}

// idTokenAlgs is the allowlist used when decoding id_token payloads.
var idTokenAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// ExtractIdentity derives an Identity for one callback.  Decision order:
//
//  1. If the bundle carries an id_token whose claims include both a subject
//     and an email, those claims are a sufficient source and the userinfo
//     endpoint is never called.
//  2. Otherwise, if a userinfo endpoint is known, it is called with the
//     access token as a bearer credential.
//  3. Otherwise no identity is returned (nil, nil).
//
// Trust boundary: by default id_token claims are decoded without signature
// verification; the token endpoint's TLS channel is the trust anchor, since
// the engine received the token directly from that endpoint.  Providers
// configured with VerifyIDToken instead verify the signature against the
// discovery document's jwks_uri before trusting any claim.
//
// The provider's MapIdentity hook, when configured, post-processes every
// extracted identity and may override any field.
func ExtractIdentity(ctx context.Context, client *http.Client, cfg *ProviderConfig, tokens *Tokens, ep *endpoints) (*Identity, error) {
	const op = "oauth2.ExtractIdentity"
	if cfg == nil {
		return nil, fmt.Errorf("%s: missing provider config: %w", op, ErrNilParameter)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s: missing token bundle: %w", op, ErrNilParameter)
	}

	var identity *Identity
	if tokens.IDToken != "" {
		claims, err := idTokenClaims(ctx, client, cfg, ep, string(tokens.IDToken))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if id := identityFromClaims(claims); id.ID != "" && id.Email != "" {
			identity = id
		}
	}
	if identity == nil && ep != nil && ep.userInfo != "" {
		claims, err := fetchUserInfo(ctx, client, ep.userInfo, tokens.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		identity = identityFromClaims(claims)
	}
	if identity == nil {
		return nil, nil
	}
	if cfg.MapIdentity != nil {
		mapped, err := cfg.MapIdentity(tokens, identity)
		if err != nil {
			return nil, fmt.Errorf("%s: identity mapping failed: %w", op, err)
		}
		identity = mapped
	}
	return identity, nil
}

// idTokenClaims returns the id_token claims, verified or not per the
// provider's configuration.
func idTokenClaims(ctx context.Context, client *http.Client, cfg *ProviderConfig, ep *endpoints, raw string) (map[string]interface{}, error) {
	if cfg.VerifyIDToken {
		return verifiedIDTokenClaims(ctx, client, cfg, ep, raw)
	}
	parsed, err := jwt.ParseSigned(raw, idTokenAlgs)
	if err != nil {
		return nil, fmt.Errorf("unable to parse id_token: %w", err)
	}
	var claims map[string]interface{}
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("unable to decode id_token payload: %w", err)
	}
	return claims, nil
}

// verifiedIDTokenClaims verifies the id_token signature against the
// provider's published keys before trusting its claims.
func verifiedIDTokenClaims(ctx context.Context, client *http.Client, cfg *ProviderConfig, ep *endpoints, raw string) (map[string]interface{}, error) {
	if ep == nil || ep.jwksURI == "" {
		return nil, fmt.Errorf("no jwks_uri available for id_token verification: %w", ErrInvalidOAuthConfiguration)
	}
	oidcCtx := oidc.ClientContext(ctx, client)
	keySet := oidc.NewRemoteKeySet(oidcCtx, ep.jwksURI)
	verifier := oidc.NewVerifier(ep.issuer, keySet, &oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: ep.issuer == "",
	})
	verified, err := verifier.Verify(oidcCtx, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid id_token signature: %w: %w", ErrIDTokenVerificationFailed, err)
	}
	var claims map[string]interface{}
	if err := verified.Claims(&claims); err != nil {
		return nil, fmt.Errorf("unable to decode verified id_token claims: %w", err)
	}
	return claims, nil
}

// fetchUserInfo calls the userinfo endpoint with the access token as a bearer
// credential and returns the response claims.
func fetchUserInfo(ctx context.Context, client *http.Client, endpoint string, accessToken AccessToken) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(accessToken))
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w: %w", ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("unable to read userinfo response: %w: %w", ErrUserInfoFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned %d: %w", resp.StatusCode, ErrUserInfoFailed)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("unable to decode userinfo response: %w: %w", ErrUserInfoFailed, err)
	}
	return claims, nil
}

// identityFromClaims maps standard claims into an Identity, passing the full
// claim set through.
func identityFromClaims(claims map[string]interface{}) *Identity {
	id := &Identity{Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		id.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		id.EmailVerified = v
	case string:
		// some providers report the flag as a string claim
		id.EmailVerified = v == "true"
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if picture, ok := claims["picture"].(string); ok {
		id.Picture = picture
	}
	return id
}
