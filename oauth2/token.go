package oauth2

import (
	"encoding/json"
	"time"
)

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// IDToken is an oidc id_token
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// DefaultExpirySkew defines a default time skew when checking a token's
// expiration.
const DefaultExpirySkew = 10 * time.Second

// Tokens is the canonical token bundle produced by every token exchange and
// refresh.  The engine never persists a Tokens bundle; persistence belongs to
// the host's account collaborator.
type Tokens struct {
	// AccessToken is the only required member of the bundle.
	AccessToken AccessToken

	// RefreshToken may be empty; not all providers (or scopes) grant one.
	RefreshToken RefreshToken

	// AccessTokenExpiresAt is the absolute expiry derived from the provider's
	// relative expires_in at response-receipt time.  Zero means the provider
	// reported no expiry.
	AccessTokenExpiresAt time.Time

	// RefreshTokenExpiresAt is the absolute refresh token expiry, when the
	// provider reports one (refresh_token_expires_in).
	RefreshTokenExpiresAt time.Time

	// TokenType is the provider-reported type, typically "Bearer".
	TokenType string

	// Scopes are the granted scopes in the order the provider reported them.
	Scopes []string

	// IDToken is the raw id_token, when the provider issued one.
	IDToken IDToken
}

// Expired returns true if the access token is past its expiry, allowing for
// the WithExpirySkew option (DefaultExpirySkew if none is provided).  A bundle
// with no reported expiry never reports expired.
func (t *Tokens) Expired(opt ...Option) bool {
	opts := getTokenOpts(opt...)
	if t.AccessTokenExpiresAt.IsZero() {
		return false
	}
	return t.AccessTokenExpiresAt.Round(0).Before(time.Now().Add(opts.withExpirySkew))
}

// Valid returns true if the bundle carries an unexpired access token.
func (t *Tokens) Valid() bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired()
}

// tokenOptions is the set of available options for Tokens functions
type tokenOptions struct {
	withExpirySkew time.Duration
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultExpirySkew,
	}
}

// getTokenOpts gets the token defaults and applies the opt overrides passed in
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithExpirySkew provides an optional expiry skew duration for Tokens.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenOptions); ok {
			o.withExpirySkew = d
		}
	}
}
