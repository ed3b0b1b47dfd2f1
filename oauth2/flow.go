package oauth2

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Error codes surfaced to the user via error redirects.
const (
	ErrCodeStateNotFound            = "state_not_found"
	ErrCodeVerificationFailed       = "oauth_code_verification_failed"
	ErrCodeEmailMissing             = "email_is_missing"
	ErrCodeEmailMismatch            = "email_doesnt_match"
	ErrCodeUnableToLink             = "unable_to_link_account"
	ErrCodeUnableToGetUserInfo      = "unable_to_get_user_info"
	ErrCodeUnableToCreateSession    = "unable_to_create_session"
	ErrCodeAuthorizationCodeMissing = "oauth_code_missing"
)

// Flow is the orchestrator for the authorization-code state machine: sign-in
// initiation, callback handling, and account-link initiation.  A Flow is
// immutable after construction and safe for concurrent use; concurrent flows
// share only the FlowStateStore and the account collaborator.
type Flow struct {
	baseURL  string
	registry *Registry
	codec    *StateCodec
	states   FlowStateStore
	accounts AccountService
	sessions SessionService

	errorURL             string
	allowDifferentEmails bool
	clientTimeout        time.Duration
	logger               hclog.Logger
	discovery            *discoveryCache
}

// NewFlow composes the engine.  baseURL is the externally visible base of the
// host's auth endpoints and is used to derive per-provider callback redirect
// URIs.
// Supported options: WithLogger, WithErrorURL, WithAllowDifferentEmails,
// WithDiscoveryCache, WithTimeout
func NewFlow(baseURL string, registry *Registry, codec *StateCodec, states FlowStateStore, accounts AccountService, sessions SessionService, opt ...Option) (*Flow, error) {
	const op = "oauth2.NewFlow"
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base URL is empty: %w", op, ErrInvalidParameter)
	}
	if registry == nil {
		return nil, fmt.Errorf("%s: missing provider registry: %w", op, ErrNilParameter)
	}
	if codec == nil {
		return nil, fmt.Errorf("%s: missing state codec: %w", op, ErrNilParameter)
	}
	if states == nil {
		return nil, fmt.Errorf("%s: missing state store: %w", op, ErrNilParameter)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%s: missing account service: %w", op, ErrNilParameter)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%s: missing session service: %w", op, ErrNilParameter)
	}
	opts := getFlowOpts(opt...)
	f := &Flow{
		baseURL:              strings.TrimSuffix(baseURL, "/"),
		registry:             registry,
		codec:                codec,
		states:               states,
		accounts:             accounts,
		sessions:             sessions,
		errorURL:             opts.withErrorURL,
		allowDifferentEmails: opts.withAllowDifferentEmails,
		clientTimeout:        opts.withTimeout,
		logger:               opts.withLogger,
	}
	if f.errorURL == "" {
		f.errorURL = f.baseURL + "/error"
	}
	if f.logger == nil {
		f.logger = hclog.NewNullLogger()
	}
	if opts.withDiscoveryCacheTTL > 0 {
		f.discovery = newDiscoveryCache(opts.withDiscoveryCacheTTL)
	}
	return f, nil
}

// SignInRequest initiates a sign-in/sign-up flow for one provider.
type SignInRequest struct {
	ProviderID         string   `json:"providerId"`
	CallbackURL        string   `json:"callbackURL,omitempty"`
	ErrorCallbackURL   string   `json:"errorCallbackURL,omitempty"`
	NewUserCallbackURL string   `json:"newUserCallbackURL,omitempty"`
	DisableRedirect    bool     `json:"disableRedirect,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
	RequestSignUp      bool     `json:"requestSignUp,omitempty"`
}

// AuthorizationRedirect is the result of a successful initiation: the
// provider authorization URL and whether the caller should auto-redirect.
type AuthorizationRedirect struct {
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// SignIn resolves the provider's authorization endpoint, creates and signs a
// FlowState, and builds the authorization URL.  Errors returned here are
// configuration-class (unknown provider, missing endpoint) and surface as 4xx
// responses; no redirect context exists yet.
func (f *Flow) SignIn(ctx context.Context, req SignInRequest) (*AuthorizationRedirect, error) {
	const op = "oauth2.(Flow).SignIn"
	cfg, err := f.registry.Get(req.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := cfg.HTTPClient(WithTimeout(f.clientTimeout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ep, derr := resolveEndpoints(ctx, client, cfg, f.discovery)
	if derr != nil {
		f.logger.Warn("discovery fetch failed during sign-in initiation", "provider", cfg.ID, "error", derr)
	}
	if ep.authorization == "" {
		return nil, fmt.Errorf("%s: no authorization endpoint for provider %q: %w", op, cfg.ID, ErrInvalidOAuthConfiguration)
	}

	var verifier string
	if cfg.PKCE {
		verifier = NewCodeVerifier()
	}
	payload := FlowState{
		CallbackURL:   req.CallbackURL,
		ErrorURL:      req.ErrorCallbackURL,
		CodeVerifier:  verifier,
		RequestSignUp: req.RequestSignUp,
		NewUserURL:    req.NewUserCallbackURL,
	}
	if payload.CallbackURL == "" {
		payload.CallbackURL = f.baseURL
	}
	state, id, err := f.codec.Create(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := f.states.Put(ctx, id); err != nil {
		return nil, fmt.Errorf("%s: unable to store flow state: %w", op, err)
	}

	authURL, err := AuthorizationURL(cfg, ep.authorization, f.redirectURI(cfg), state, verifier, req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &AuthorizationRedirect{
		URL:      authURL,
		Redirect: !req.DisableRedirect,
	}, nil
}

// CallbackRequest carries the query parameters of one authorization-code
// callback.
type CallbackRequest struct {
	ProviderID       string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Redirect is the terminal result of callback handling: the engine always
// answers a callback with a redirect, success and failure alike.
type Redirect struct {
	URL string
}

// Callback drives the callback half of the state machine: consume the
// FlowState, exchange the code, resolve the identity, then either link an
// account or resolve a user and establish a session.  Protocol, collaborator
// and transport failures become error redirects; the returned error is
// reserved for configuration-class failures (unknown provider, missing token
// endpoint), which the HTTP layer surfaces as 4xx.
func (f *Flow) Callback(ctx context.Context, req CallbackRequest) (Redirect, error) {
	const op = "oauth2.(Flow).Callback"
	cfg, err := f.registry.Get(req.ProviderID)
	if err != nil {
		return Redirect{}, fmt.Errorf("%s: %w", op, err)
	}

	// A provider error (or an absent code) is an expected outcome, not a
	// crash: surface it on the error URL with zero token endpoint calls.
	// The state, when it parses, supplies the flow's error URL; it is not
	// consumed, its natural expiry is the cleanup.
	if req.Error != "" || req.Code == "" {
		errURL := f.errorURL
		if payload, _, perr := f.codec.Parse(req.State); perr == nil && payload.ErrorURL != "" {
			errURL = payload.ErrorURL
		}
		code := req.Error
		if code == "" {
			code = ErrCodeAuthorizationCodeMissing
		}
		return Redirect{URL: errorRedirect(errURL, code, req.ErrorDescription)}, nil
	}

	// Consume the state.  Missing, invalid, expired, or replayed states are
	// hard failures; the engine never proceeds with a partially-valid state.
	payload, id, err := f.codec.Parse(req.State)
	if err != nil {
		f.logger.Warn("rejecting callback state", "provider", cfg.ID, "error", err)
		return Redirect{URL: errorRedirect(f.errorURL, ErrCodeStateNotFound, "")}, nil
	}
	if err := f.states.Take(ctx, id); err != nil {
		f.logger.Warn("rejecting consumed or unknown callback state", "provider", cfg.ID, "error", err)
		return Redirect{URL: errorRedirect(f.errorURL, ErrCodeStateNotFound, "")}, nil
	}

	errURL := payload.ErrorURL
	if errURL == "" {
		errURL = f.errorURL
	}

	client, err := cfg.HTTPClient(WithTimeout(f.clientTimeout))
	if err != nil {
		return Redirect{}, fmt.Errorf("%s: %w", op, err)
	}
	ep, derr := resolveEndpoints(ctx, client, cfg, f.discovery)
	if derr != nil {
		f.logger.Warn("discovery fetch failed during callback", "provider", cfg.ID, "error", derr)
	}
	if ep.token == "" {
		return Redirect{}, fmt.Errorf("%s: no token endpoint for provider %q: %w", op, cfg.ID, ErrInvalidOAuthConfiguration)
	}

	tokens, err := ExchangeCode(ctx, client, cfg, ep.token, req.Code, f.redirectURI(cfg), payload.CodeVerifier)
	if err != nil {
		f.logger.Error("authorization code exchange failed", "provider", cfg.ID, "error", err)
		return Redirect{URL: errorRedirect(errURL, ErrCodeVerificationFailed, "")}, nil
	}

	identity, err := ExtractIdentity(ctx, client, cfg, tokens, ep)
	if err != nil {
		f.logger.Error("identity extraction failed", "provider", cfg.ID, "error", err)
		return Redirect{URL: errorRedirect(errURL, ErrCodeUnableToGetUserInfo, "")}, nil
	}
	if identity == nil || identity.Email == "" {
		return Redirect{URL: errorRedirect(errURL, ErrCodeEmailMissing, "")}, nil
	}

	if payload.Link != nil {
		return f.completeLink(ctx, cfg, payload, identity, tokens, errURL), nil
	}
	return f.completeSignIn(ctx, cfg, payload, identity, tokens, errURL), nil
}

// completeLink terminates an account-link flow: verify the email matches the
// link target, attach the provider account to the existing user, and redirect
// back.  Session state is never touched on this branch.
func (f *Flow) completeLink(ctx context.Context, cfg *ProviderConfig, payload *FlowState, identity *Identity, tokens *Tokens, errURL string) Redirect {
	if !f.allowDifferentEmails && !strings.EqualFold(identity.Email, payload.Link.Email) {
		return Redirect{URL: errorRedirect(errURL, ErrCodeEmailMismatch, "")}
	}
	if _, err := f.accounts.CreateAccount(ctx, payload.Link.UserID, cfg.ID, identity.ID, tokens); err != nil {
		f.logger.Error("unable to link account", "provider", cfg.ID, "user", payload.Link.UserID, "error", err)
		return Redirect{URL: errorRedirect(errURL, ErrCodeUnableToLink, "")}
	}
	return Redirect{URL: payload.CallbackURL}
}

// completeSignIn delegates the sign-in/sign-up decision to the account
// collaborator and establishes a session on success.
func (f *Flow) completeSignIn(ctx context.Context, cfg *ProviderConfig, payload *FlowState, identity *Identity, tokens *Tokens, errURL string) Redirect {
	disableSignUp := cfg.DisableSignUp || (cfg.DisableImplicitSignUp && !payload.RequestSignUp)
	outcome, err := f.accounts.ResolveUser(ctx, identity, tokens, disableSignUp)
	if err != nil {
		f.logger.Warn("account collaborator rejected sign-in", "provider", cfg.ID, "error", err)
		return Redirect{URL: errorRedirect(errURL, urlSafeCode(err), "")}
	}
	if err := f.sessions.Establish(ctx, outcome.Session, outcome.User); err != nil {
		f.logger.Error("unable to establish session", "provider", cfg.ID, "error", err)
		return Redirect{URL: errorRedirect(errURL, ErrCodeUnableToCreateSession, "")}
	}
	if outcome.IsRegister && payload.NewUserURL != "" {
		return Redirect{URL: payload.NewUserURL}
	}
	return Redirect{URL: payload.CallbackURL}
}

// LinkRequest initiates an account-link flow for an authenticated user.
type LinkRequest struct {
	ProviderID  string `json:"providerId"`
	CallbackURL string `json:"callbackURL"`
	ErrorURL    string `json:"errorCallbackURL,omitempty"`
}

// LinkAccount produces an authorization URL whose FlowState carries the
// current user as the link target.  The caller is expected to navigate
// programmatically, so Redirect is always false.  It fails with
// ErrUnknownProvider for an unregistered provider and ErrAccountAlreadyLinked
// when the user already has an account for it.
func (f *Flow) LinkAccount(ctx context.Context, user *User, req LinkRequest) (*AuthorizationRedirect, error) {
	const op = "oauth2.(Flow).LinkAccount"
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("%s: missing authenticated user: %w", op, ErrInvalidParameter)
	}
	cfg, err := f.registry.Get(req.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	existing, err := f.accounts.FindAccounts(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to list accounts: %w", op, err)
	}
	for _, a := range existing {
		if a.ProviderID == cfg.ID {
			return nil, fmt.Errorf("%s: provider %q: %w", op, cfg.ID, ErrAccountAlreadyLinked)
		}
	}

	client, err := cfg.HTTPClient(WithTimeout(f.clientTimeout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ep, derr := resolveEndpoints(ctx, client, cfg, f.discovery)
	if derr != nil {
		f.logger.Warn("discovery fetch failed during link initiation", "provider", cfg.ID, "error", derr)
	}
	if ep.authorization == "" {
		return nil, fmt.Errorf("%s: no authorization endpoint for provider %q: %w", op, cfg.ID, ErrInvalidOAuthConfiguration)
	}

	var verifier string
	if cfg.PKCE {
		verifier = NewCodeVerifier()
	}
	payload := FlowState{
		CallbackURL:  req.CallbackURL,
		ErrorURL:     req.ErrorURL,
		CodeVerifier: verifier,
		Link: &LinkTarget{
			UserID: user.ID,
			Email:  user.Email,
		},
	}
	if payload.CallbackURL == "" {
		payload.CallbackURL = f.baseURL
	}
	state, id, err := f.codec.Create(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := f.states.Put(ctx, id); err != nil {
		return nil, fmt.Errorf("%s: unable to store flow state: %w", op, err)
	}

	authURL, err := AuthorizationURL(cfg, ep.authorization, f.redirectURI(cfg), state, verifier, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &AuthorizationRedirect{
		URL:      authURL,
		Redirect: false,
	}, nil
}

// RefreshAccessToken refreshes the tokens for one provider account.  The
// caller owns persistence of the returned bundle.
func (f *Flow) RefreshAccessToken(ctx context.Context, providerID string, refreshToken RefreshToken) (*Tokens, error) {
	const op = "oauth2.(Flow).RefreshAccessToken"
	cfg, err := f.registry.Get(providerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := cfg.HTTPClient(WithTimeout(f.clientTimeout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ep, derr := resolveEndpoints(ctx, client, cfg, f.discovery)
	if derr != nil {
		f.logger.Warn("discovery fetch failed during token refresh", "provider", cfg.ID, "error", derr)
	}
	if ep.token == "" {
		return nil, fmt.Errorf("%s: no token endpoint for provider %q: %w", op, cfg.ID, ErrInvalidOAuthConfiguration)
	}
	tokens, err := RefreshTokens(ctx, client, cfg, ep.token, refreshToken)
	if err != nil {
		f.logger.Error("token refresh failed", "provider", cfg.ID, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// redirectURI is the redirect_uri presented to the provider, identical at
// authorization and exchange time.
func (f *Flow) redirectURI(cfg *ProviderConfig) string {
	if cfg.RedirectURI != "" {
		return cfg.RedirectURI
	}
	return f.baseURL + "/oauth2/callback/" + cfg.ID
}

// errorRedirect appends an error code (and optional description) to a
// redirect target.  The target may be a full URL or a relative path; if it
// won't parse, the code is appended as a plain string rather than failing the
// redirect.
func errorRedirect(target, code, description string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target + "?error=" + code
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// urlSafeCode turns a collaborator error message into a URL-safe error code.
func urlSafeCode(err error) string {
	return strings.ReplaceAll(strings.TrimSpace(err.Error()), " ", "_")
}

// flowOptions is the set of available options for NewFlow
type flowOptions struct {
	withLogger               hclog.Logger
	withErrorURL             string
	withAllowDifferentEmails bool
	withDiscoveryCacheTTL    time.Duration
	withTimeout              time.Duration
}

func flowDefaults() flowOptions {
	return flowOptions{
		withTimeout: DefaultClientTimeout,
	}
}

func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger for the flow.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withLogger = l
		}
	}
}

// WithErrorURL provides the fallback error page used when a callback fails
// before a flow-specific error URL is known.
func WithErrorURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withErrorURL = u
		}
	}
}

// WithAllowDifferentEmails permits account-link flows whose provider identity
// email differs from the link target's email.
func WithAllowDifferentEmails() Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withAllowDifferentEmails = true
		}
	}
}

// WithDiscoveryCache enables the per-process discovery document cache with
// the given ttl.  Without it every flow step re-fetches discovery.
func WithDiscoveryCache(ttl time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*flowOptions); ok {
			o.withDiscoveryCacheTTL = ttl
		}
	}
}
