package oauth2

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-multierror"

	"github.com/authflow-dev/authflow/internal/strutils"
)

// ClientSecret is a relying party secret
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (s ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// AuthMethod determines how client credentials are sent to the token
// endpoint.
type AuthMethod string

const (
	// AuthMethodPost sends client_id/client_secret in the request body.  This
	// is the default.
	AuthMethodPost AuthMethod = "post"

	// AuthMethodBasic sends the credentials as an HTTP Basic authorization
	// header.
	AuthMethodBasic AuthMethod = "basic"
)

// ChallengeMethod is a PKCE code challenge method.
type ChallengeMethod string

const (
	ChallengeS256  ChallengeMethod = "S256"
	ChallengePlain ChallengeMethod = "plain"
)

// DefaultResponseType is the response_type requested when a ProviderConfig
// doesn't override it.
const DefaultResponseType = "code"

// IdentityMapper post-processes an extracted Identity and may override any of
// its fields.  Returning an error aborts the flow.
type IdentityMapper func(tokens *Tokens, identity *Identity) (*Identity, error)

// ProviderConfig is the static description of one OAuth2/OIDC provider.  A
// config is validated when registered with a Registry and must be treated as
// immutable afterwards; it is looked up by ID for the lifetime of a flow.
type ProviderConfig struct {
	// ID uniquely identifies the provider ("google", "acme", ...).  It is the
	// key callers pass to initiate a flow and the path value of the callback
	// endpoint.
	ID string

	// DiscoveryURL is the optional URL of the provider's OIDC discovery
	// document.  When set, successfully discovered endpoints override the
	// static endpoint fields below for the operation being performed.
	DiscoveryURL string

	// AuthorizationURL, TokenURL and UserInfoURL are static endpoints, used
	// when no discovery document is configured or when discovery fails.
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string

	// ClientID is the relying party id
	ClientID string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// Scopes is a list of oauth scopes to request of the provider.  Scopes
	// supplied by the caller at sign-in time are merged in front of these.
	Scopes []string

	// RedirectURI overrides the flow's computed callback URI for this
	// provider.
	RedirectURI string

	// ResponseType overrides the default "code" response type.
	ResponseType string

	// PKCE enables Proof Key for Code Exchange for this provider.
	// ChallengeMethod selects the challenge transform and defaults to S256.
	PKCE            bool
	ChallengeMethod ChallengeMethod

	// Prompt and AccessType are optional authorization request hints
	// ("consent", "offline", ...).
	Prompt     string
	AccessType string

	// AuthMethod determines credential placement for token endpoint requests.
	// Defaults to AuthMethodPost.
	AuthMethod AuthMethod

	// AuthorizationParams and TokenParams are provider-specific static extra
	// parameters.  Authorization params overwrite default query values for
	// the same key; token params are merged into refresh request bodies.
	AuthorizationParams map[string]string
	TokenParams         map[string]string

	// MapIdentity optionally post-processes every extracted Identity.
	MapIdentity IdentityMapper

	// DisableSignUp rejects callbacks that would create a new user.
	// DisableImplicitSignUp rejects them unless the initiating request
	// explicitly asked to sign up.
	DisableSignUp         bool
	DisableImplicitSignUp bool

	// VerifyIDToken upgrades identity extraction to verify id_token
	// signatures against the discovery document's jwks_uri before trusting
	// claims.  Requires DiscoveryURL.
	VerifyIDToken bool

	// ProviderCA is an optional CA cert PEM to use when sending requests to
	// the provider.
	ProviderCA string
}

// Validate the provider configuration.  It verifies the identifiers and
// endpoints needed before any flow can start; endpoint reachability is not
// checked.  All violations are reported together.
func (c *ProviderConfig) Validate() error {
	const op = "oauth2.(ProviderConfig).Validate"
	if c == nil {
		return fmt.Errorf("%s: missing provider config: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ID == "" {
		result = multierror.Append(result, fmt.Errorf("provider id is empty: %w", ErrInvalidParameter))
	}
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	if c.DiscoveryURL == "" && c.AuthorizationURL == "" {
		result = multierror.Append(result, fmt.Errorf("neither a discovery URL nor an authorization URL is set: %w", ErrInvalidParameter))
	}
	if c.DiscoveryURL == "" && c.TokenURL == "" {
		result = multierror.Append(result, fmt.Errorf("neither a discovery URL nor a token URL is set: %w", ErrInvalidParameter))
	}
	for _, u := range []string{c.DiscoveryURL, c.AuthorizationURL, c.TokenURL, c.UserInfoURL} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%q is not a valid URL: %w", u, ErrInvalidParameter))
			continue
		}
		if !strutils.StrListContains([]string{"https", "http"}, parsed.Scheme) {
			result = multierror.Append(result, fmt.Errorf("%q scheme is not http or https: %w", u, ErrInvalidParameter))
		}
	}
	switch c.AuthMethod {
	case "", AuthMethodPost, AuthMethodBasic:
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported auth method %q: %w", c.AuthMethod, ErrInvalidParameter))
	}
	switch c.ChallengeMethod {
	case "", ChallengeS256, ChallengePlain:
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported challenge method %q: %w", c.ChallengeMethod, ErrInvalidParameter))
	}
	if c.VerifyIDToken && c.DiscoveryURL == "" {
		result = multierror.Append(result, fmt.Errorf("id_token verification requires a discovery URL: %w", ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// authMethod returns the configured credential placement, applying the
// default.
func (c *ProviderConfig) authMethod() AuthMethod {
	if c.AuthMethod == "" {
		return AuthMethodPost
	}
	return c.AuthMethod
}

// challengeMethod returns the configured PKCE transform, applying the
// default.
func (c *ProviderConfig) challengeMethod() ChallengeMethod {
	if c.ChallengeMethod == "" {
		return ChallengeS256
	}
	return c.ChallengeMethod
}

// responseType returns the configured response type, applying the default.
func (c *ProviderConfig) responseType() string {
	if c.ResponseType == "" {
		return DefaultResponseType
	}
	return c.ResponseType
}

// DefaultClientTimeout bounds every outbound call to a provider (discovery,
// token exchange, userinfo).  A timeout surfaces as a transport failure and is
// routed through the same error-redirect path as any other exchange failure.
const DefaultClientTimeout = 10 * time.Second

// HTTPClient creates a pooled http client for requests to the provider, using
// the optional ProviderCA PEM if one is configured, otherwise the installed
// system CA chain.
func (c *ProviderConfig) HTTPClient(opt ...Option) (*http.Client, error) {
	const op = "oauth2.(ProviderConfig).HTTPClient"
	opts := getHTTPClientOpts(opt...)
	tr := cleanhttp.DefaultPooledTransport()

	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   opts.withTimeout,
	}, nil
}

// httpClientOptions is the set of available options for HTTPClient
type httpClientOptions struct {
	withTimeout time.Duration
}

func httpClientDefaults() httpClientOptions {
	return httpClientOptions{
		withTimeout: DefaultClientTimeout,
	}
}

func getHTTPClientOpts(opt ...Option) httpClientOptions {
	opts := httpClientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithTimeout provides an optional timeout for outbound provider calls.  It
// applies to both per-call http clients and to a Flow as a whole.
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *httpClientOptions:
			v.withTimeout = d
		case *flowOptions:
			v.withTimeout = d
		}
	}
}

// Registry holds the registered provider configurations.  It is populated at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]*ProviderConfig
}

// NewRegistry validates and registers the given provider configs.
func NewRegistry(configs ...*ProviderConfig) (*Registry, error) {
	const op = "oauth2.NewRegistry"
	r := &Registry{
		providers: make(map[string]*ProviderConfig, len(configs)),
	}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
		}
		if _, ok := r.providers[c.ID]; ok {
			return nil, fmt.Errorf("%s: provider %q registered twice: %w", op, c.ID, ErrInvalidParameter)
		}
		r.providers[c.ID] = c
	}
	return r, nil
}

// Get returns the config registered for the given provider id.
func (r *Registry) Get(providerID string) (*ProviderConfig, error) {
	const op = "oauth2.(Registry).Get"
	c, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, providerID, ErrUnknownProvider)
	}
	return c, nil
}
