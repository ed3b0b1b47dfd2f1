package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ExchangeCode performs the authorization-code-for-token exchange against the
// provider's token endpoint.  Client credentials are sent as an HTTP Basic
// header or as body parameters per the provider's AuthMethod; the PKCE
// code_verifier is included when the flow carries one.  The provider's raw
// response is normalized into a Tokens bundle with absolute expiries computed
// at response-receipt time.
//
// Exchange failures (network errors and provider error payloads alike) are
// returned to the caller, never swallowed, so the orchestrator can route the
// user to an error page.
func ExchangeCode(ctx context.Context, client *http.Client, cfg *ProviderConfig, tokenEndpoint, code, redirectURI, codeVerifier string) (*Tokens, error) {
	const op = "oauth2.ExchangeCode"
	if cfg == nil {
		return nil, fmt.Errorf("%s: missing provider config: %w", op, ErrNilParameter)
	}
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("%s: token endpoint is missing: %w", op, ErrInvalidOAuthConfiguration)
	}
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}

	authStyle := oauth2.AuthStyleInParams
	if cfg.authMethod() == AuthMethodBasic {
		authStyle = oauth2.AuthStyleInHeader
	}
	oc := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: string(cfg.ClientSecret),
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: authStyle,
		},
	}

	var exchangeOpts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := oc.Exchange(context.WithValue(ctx, oauth2.HTTPClient, client), code, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange authorization code with provider: %w: %w", op, ErrCodeExchange, err)
	}
	return normalizeToken(tok), nil
}

// normalizeToken converts an oauth2 token into the canonical bundle.  The
// oauth2 package already derives the absolute access token expiry from
// expires_in at receipt time.
func normalizeToken(tok *oauth2.Token) *Tokens {
	t := &Tokens{
		AccessToken:          AccessToken(tok.AccessToken),
		RefreshToken:         RefreshToken(tok.RefreshToken),
		AccessTokenExpiresAt: tok.Expiry,
		TokenType:            tok.TokenType,
	}
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		t.Scopes = strings.Fields(s)
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		t.IDToken = IDToken(raw)
	}
	if secs, ok := extraSeconds(tok.Extra("refresh_token_expires_in")); ok {
		t.RefreshTokenExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return t
}

// extraSeconds reads a relative seconds value from a token response extra,
// which arrives as a json number or a form string depending on the provider's
// content type.
func extraSeconds(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		secs, err := n.Int64()
		return secs, err == nil
	case string:
		secs, err := strconv.ParseInt(n, 10, 64)
		return secs, err == nil
	default:
		return 0, false
	}
}

// tokenResponse is the raw token endpoint JSON shape.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	Scope                 string `json:"scope"`
	IDToken               string `json:"id_token"`
	Error                 string `json:"error"`
	ErrorDescription      string `json:"error_description"`
}

// RefreshTokens exchanges a refresh token for a fresh Tokens bundle at the
// provider's token endpoint.  The provider's static TokenParams are merged
// into the request body, and credentials follow the same placement policy as
// ExchangeCode.
//
// This is a direct form POST rather than an oauth2.TokenSource because a
// token source cannot carry provider-specific extra body parameters.  When
// the provider omits a rotated refresh token from its response, the one being
// exchanged is carried forward.
func RefreshTokens(ctx context.Context, client *http.Client, cfg *ProviderConfig, tokenEndpoint string, refreshToken RefreshToken) (*Tokens, error) {
	const op = "oauth2.RefreshTokens"
	if cfg == nil {
		return nil, fmt.Errorf("%s: missing provider config: %w", op, ErrNilParameter)
	}
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("%s: token endpoint is missing: %w", op, ErrInvalidOAuthConfiguration)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}

	body := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {string(refreshToken)},
	}
	for k, v := range cfg.TokenParams {
		body.Set(k, v)
	}
	if cfg.authMethod() == AuthMethodPost {
		body.Set("client_id", cfg.ClientID)
		if cfg.ClientSecret != "" {
			body.Set("client_secret", string(cfg.ClientSecret))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create refresh request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cfg.authMethod() == AuthMethodBasic {
		req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(string(cfg.ClientSecret)))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: refresh request failed: %w: %w", op, ErrProviderResponse, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read refresh response: %w: %w", op, ErrProviderResponse, err)
	}
	received := time.Now()

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("%s: unable to decode refresh response: %w: %w", op, ErrProviderResponse, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: provider returned %d (%s %s): %w", op, resp.StatusCode, tr.Error, tr.ErrorDescription, ErrProviderResponse)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("%s: provider returned %s (%s): %w", op, tr.Error, tr.ErrorDescription, ErrProviderResponse)
	}

	t := &Tokens{
		AccessToken:  AccessToken(tr.AccessToken),
		RefreshToken: RefreshToken(tr.RefreshToken),
		TokenType:    tr.TokenType,
		IDToken:      IDToken(tr.IDToken),
	}
	if t.RefreshToken == "" {
		t.RefreshToken = refreshToken
	}
	if tr.ExpiresIn > 0 {
		t.AccessTokenExpiresAt = received.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.RefreshTokenExpiresIn > 0 {
		t.RefreshTokenExpiresAt = received.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		t.Scopes = strings.Fields(tr.Scope)
	}
	return t, nil
}
