package oauth2

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAccounts is an in-memory AccountService recording every call.
type testAccounts struct {
	accounts []*Account

	outcome    *SignInOutcome
	resolveErr error
	createErr  error
	findErr    error

	resolveCalls      int
	lastDisableSignUp bool
	lastIdentity      *Identity
}

func (a *testAccounts) CreateAccount(_ context.Context, userID, providerID, accountID string, tokens *Tokens) (*Account, error) {
	if a.createErr != nil {
		return nil, a.createErr
	}
	acct := &Account{UserID: userID, ProviderID: providerID, AccountID: accountID, Tokens: tokens}
	a.accounts = append(a.accounts, acct)
	return acct, nil
}

func (a *testAccounts) FindAccounts(_ context.Context, userID string) ([]*Account, error) {
	if a.findErr != nil {
		return nil, a.findErr
	}
	var out []*Account
	for _, acct := range a.accounts {
		if acct.UserID == userID {
			out = append(out, acct)
		}
	}
	return out, nil
}

func (a *testAccounts) ResolveUser(_ context.Context, identity *Identity, _ *Tokens, disableSignUp bool) (*SignInOutcome, error) {
	a.resolveCalls++
	a.lastDisableSignUp = disableSignUp
	a.lastIdentity = identity
	if a.resolveErr != nil {
		return nil, a.resolveErr
	}
	if a.outcome != nil {
		return a.outcome, nil
	}
	return &SignInOutcome{
		User:    &User{ID: "user-1", Email: identity.Email},
		Session: &Session{ID: "sess-1", UserID: "user-1"},
	}, nil
}

// testSessions is an in-memory SessionService.
type testSessions struct {
	established  []*Session
	establishErr error
}

func (s *testSessions) Establish(_ context.Context, session *Session, _ *User) error {
	if s.establishErr != nil {
		return s.establishErr
	}
	s.established = append(s.established, session)
	return nil
}

type testFlow struct {
	flow     *Flow
	accounts *testAccounts
	sessions *testSessions
	codec    *StateCodec
	store    *MemoryStateStore
}

func newTestFlow(t *testing.T, cfg *ProviderConfig, opt ...Option) *testFlow {
	t.Helper()
	require := require.New(t)

	registry, err := NewRegistry(cfg)
	require.NoError(err)
	codec, err := NewStateCodec([]byte("test-signing-secret-0123456789abcdef"))
	require.NoError(err)
	store := NewMemoryStateStore(time.Minute)
	accounts := &testAccounts{}
	sessions := &testSessions{}

	flow, err := NewFlow("https://app.example.com/api/auth", registry, codec, store, accounts, sessions, opt...)
	require.NoError(err)
	return &testFlow{
		flow:     flow,
		accounts: accounts,
		sessions: sessions,
		codec:    codec,
		store:    store,
	}
}

func stateFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestFlow_SignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("static endpoints", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		got, err := tf.flow.SignIn(ctx, SignInRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/dashboard",
		})
		require.NoError(t, err)
		assert.True(t, got.Redirect)
		assert.True(t, strings.HasPrefix(got.URL, tp.AuthorizationEndpoint()+"?"))

		q, err := url.Parse(got.URL)
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/api/auth/oauth2/callback/acme", q.Query().Get("redirect_uri"))
	})

	t.Run("discovery overrides static authorization endpoint", func(t *testing.T) {
		tp := StartTestProvider(t)
		cfg := testProviderConfig(tp)
		cfg.DiscoveryURL = tp.DiscoveryURL()
		cfg.AuthorizationURL = "https://static.acme.test/authorize"
		tf := newTestFlow(t, cfg)

		got, err := tf.flow.SignIn(ctx, SignInRequest{ProviderID: "acme"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got.URL, tp.AuthorizationEndpoint()+"?"))
	})

	t.Run("disable redirect", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		got, err := tf.flow.SignIn(ctx, SignInRequest{ProviderID: "acme", DisableRedirect: true})
		require.NoError(t, err)
		assert.False(t, got.Redirect)
	})

	t.Run("pkce state carries the verifier", func(t *testing.T) {
		tp := StartTestProvider(t)
		cfg := testProviderConfig(tp)
		cfg.PKCE = true
		tf := newTestFlow(t, cfg)

		got, err := tf.flow.SignIn(ctx, SignInRequest{ProviderID: "acme"})
		require.NoError(t, err)

		payload, _, err := tf.codec.Parse(stateFromAuthURL(t, got.URL))
		require.NoError(t, err)
		require.NotEmpty(t, payload.CodeVerifier)
	})

	t.Run("unknown provider", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		_, err := tf.flow.SignIn(ctx, SignInRequest{ProviderID: "nope"})
		require.ErrorIs(t, err, ErrUnknownProvider)
		require.Equal(t, KindConfiguration, ErrKind(err))
	})

	t.Run("no authorization endpoint", func(t *testing.T) {
		tp := StartTestProvider(t)
		cfg := testProviderConfig(tp)
		cfg.AuthorizationURL = ""
		cfg.DiscoveryURL = "http://127.0.0.1:1/.well-known/openid-configuration"
		tf := newTestFlow(t, cfg)

		_, err := tf.flow.SignIn(ctx, SignInRequest{ProviderID: "acme"})
		require.ErrorIs(t, err, ErrInvalidOAuthConfiguration)
	})
}

func TestFlow_Callback_SignIn(t *testing.T) {
	ctx := context.Background()

	signInState := func(t *testing.T, tf *testFlow, req SignInRequest) string {
		t.Helper()
		got, err := tf.flow.SignIn(ctx, req)
		require.NoError(t, err)
		return stateFromAuthURL(t, got.URL)
	}

	t.Run("happy path establishes a session and redirects", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		state := signInState(t, tf, SignInRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/dashboard",
		})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			Code:       "test-code",
			State:      state,
		})
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/dashboard", redirect.URL)
		assert.Equal(t, 1, tf.accounts.resolveCalls)
		assert.False(t, tf.accounts.lastDisableSignUp)
		require.Len(t, tf.sessions.established, 1)
		assert.Equal(t, "sess-1", tf.sessions.established[0].ID)
		assert.Equal(t, "alice@example.com", tf.accounts.lastIdentity.Email)
	})

	t.Run("new user redirects to the new-user url", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		tf.accounts.outcome = &SignInOutcome{
			User:       &User{ID: "user-2", Email: "alice@example.com"},
			Session:    &Session{ID: "sess-2", UserID: "user-2"},
			IsRegister: true,
		}
		state := signInState(t, tf, SignInRequest{
			ProviderID:         "acme",
			CallbackURL:        "https://app.example.com/dashboard",
			NewUserCallbackURL: "https://app.example.com/welcome",
		})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			Code:       "test-code",
			State:      state,
		})
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/welcome", redirect.URL)
	})

	t.Run("provider error redirects without touching the token endpoint", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		state := signInState(t, tf, SignInRequest{
			ProviderID:       "acme",
			ErrorCallbackURL: "https://app.example.com/login",
		})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID:       "acme",
			State:            state,
			Error:            "access_denied",
			ErrorDescription: "the user denied the request",
		})
		require.NoError(t, err)

		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(redirect.URL, "https://app.example.com/login?"))
		assert.Equal(t, "access_denied", u.Query().Get("error"))
		assert.Equal(t, "the user denied the request", u.Query().Get("error_description"))
		assert.Zero(t, tp.TokenRequests())
		assert.Zero(t, tf.accounts.resolveCalls)
	})

	t.Run("missing code redirects", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		state := signInState(t, tf, SignInRequest{ProviderID: "acme"})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			State:      state,
		})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.Equal(t, ErrCodeAuthorizationCodeMissing, u.Query().Get("error"))
		assert.Zero(t, tp.TokenRequests())
	})

	t.Run("invalid state redirects to the generic error page", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			Code:       "test-code",
			State:      "garbage",
		})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(redirect.URL, "https://app.example.com/api/auth/error?"))
		assert.Equal(t, ErrCodeStateNotFound, u.Query().Get("error"))
		assert.Zero(t, tp.TokenRequests())
	})

	t.Run("state replay is rejected", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		state := signInState(t, tf, SignInRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/dashboard",
		})

		first, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		require.Equal(t, "https://app.example.com/dashboard", first.URL)
		require.Equal(t, 1, tp.TokenRequests())

		second, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		u, err := url.Parse(second.URL)
		require.NoError(t, err)
		assert.Equal(t, ErrCodeStateNotFound, u.Query().Get("error"))
		// the replay never reached the provider again
		assert.Equal(t, 1, tp.TokenRequests())
	})

	t.Run("exchange failure redirects with a specific code", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("some-other-code")
		tf := newTestFlow(t, testProviderConfig(tp))
		state := signInState(t, tf, SignInRequest{
			ProviderID:       "acme",
			ErrorCallbackURL: "https://app.example.com/login",
		})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.Equal(t, ErrCodeVerificationFailed, u.Query().Get("error"))
		assert.Zero(t, tf.accounts.resolveCalls)
	})

	t.Run("missing email redirects and never calls the account collaborator", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.OmitEmailClaim()
		tp.SetUserInfoReply(map[string]interface{}{"sub": "sub-alice"})
		tf := newTestFlow(t, testProviderConfig(tp))
		state := signInState(t, tf, SignInRequest{ProviderID: "acme"})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.Equal(t, ErrCodeEmailMissing, u.Query().Get("error"))
		assert.Zero(t, tf.accounts.resolveCalls)
		assert.Empty(t, tf.sessions.established)
	})

	t.Run("collaborator rejection redirects with a url-safe code", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		tf.accounts.resolveErr = errors.New("signup disabled")
		state := signInState(t, tf, SignInRequest{ProviderID: "acme"})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.Equal(t, "signup_disabled", u.Query().Get("error"))
		assert.Empty(t, tf.sessions.established)
	})

	t.Run("session failure redirects", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		tf.sessions.establishErr = errors.New("boom")
		state := signInState(t, tf, SignInRequest{ProviderID: "acme"})

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.Equal(t, ErrCodeUnableToCreateSession, u.Query().Get("error"))
	})

	t.Run("implicit sign-up gating", func(t *testing.T) {
		tp := StartTestProvider(t)
		cfg := testProviderConfig(tp)
		cfg.DisableImplicitSignUp = true
		tf := newTestFlow(t, cfg)

		state := signInState(t, tf, SignInRequest{ProviderID: "acme"})
		_, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		assert.True(t, tf.accounts.lastDisableSignUp)

		state = signInState(t, tf, SignInRequest{ProviderID: "acme", RequestSignUp: true})
		_, err = tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: state})
		require.NoError(t, err)
		assert.False(t, tf.accounts.lastDisableSignUp)
	})

	t.Run("unknown provider is a configuration error", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		_, err := tf.flow.Callback(ctx, CallbackRequest{ProviderID: "nope", Code: "c", State: "s"})
		require.ErrorIs(t, err, ErrUnknownProvider)
	})

	t.Run("missing token endpoint is a configuration error", func(t *testing.T) {
		tp := StartTestProvider(t)
		cfg := testProviderConfig(tp)
		cfg.TokenURL = ""
		cfg.DiscoveryURL = "http://127.0.0.1:1/.well-known/openid-configuration"
		tf := newTestFlow(t, cfg)

		// craft a state directly, since initiation would fail the same way
		token, id, err := tf.codec.Create(FlowState{CallbackURL: "https://app.example.com/dashboard"})
		require.NoError(t, err)
		require.NoError(t, tf.store.Put(ctx, id))

		_, err = tf.flow.Callback(ctx, CallbackRequest{ProviderID: "acme", Code: "test-code", State: token})
		require.ErrorIs(t, err, ErrInvalidOAuthConfiguration)
	})
}

func TestFlow_Link(t *testing.T) {
	ctx := context.Background()
	user := &User{ID: "user-1", Email: "alice@example.com"}

	t.Run("initiation produces a non-redirecting authorization url", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		got, err := tf.flow.LinkAccount(ctx, user, LinkRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/settings",
		})
		require.NoError(t, err)
		assert.False(t, got.Redirect)

		payload, _, err := tf.codec.Parse(stateFromAuthURL(t, got.URL))
		require.NoError(t, err)
		require.NotNil(t, payload.Link)
		assert.Equal(t, "user-1", payload.Link.UserID)
		assert.Equal(t, "alice@example.com", payload.Link.Email)
	})

	t.Run("already linked provider is rejected", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))
		tf.accounts.accounts = []*Account{{UserID: "user-1", ProviderID: "acme", AccountID: "sub-alice"}}

		_, err := tf.flow.LinkAccount(ctx, user, LinkRequest{ProviderID: "acme"})
		require.ErrorIs(t, err, ErrAccountAlreadyLinked)
	})

	t.Run("unknown provider", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		_, err := tf.flow.LinkAccount(ctx, user, LinkRequest{ProviderID: "nope"})
		require.ErrorIs(t, err, ErrUnknownProvider)
	})

	t.Run("missing user", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		_, err := tf.flow.LinkAccount(ctx, nil, LinkRequest{ProviderID: "acme"})
		require.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("callback links the account without touching session state", func(t *testing.T) {
		tp := StartTestProvider(t)
		tf := newTestFlow(t, testProviderConfig(tp))

		got, err := tf.flow.LinkAccount(ctx, user, LinkRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/settings",
		})
		require.NoError(t, err)

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			Code:       "test-code",
			State:      stateFromAuthURL(t, got.URL),
		})
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/settings", redirect.URL)

		require.Len(t, tf.accounts.accounts, 1)
		linked := tf.accounts.accounts[0]
		assert.Equal(t, "user-1", linked.UserID)
		assert.Equal(t, "acme", linked.ProviderID)
		assert.Equal(t, "sub-alice", linked.AccountID)
		require.NotNil(t, linked.Tokens)

		assert.Zero(t, tf.accounts.resolveCalls)
		assert.Empty(t, tf.sessions.established)
	})

	t.Run("email mismatch redirects and performs no account mutation", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetEmail("mallory@example.com")
		tf := newTestFlow(t, testProviderConfig(tp))

		got, err := tf.flow.LinkAccount(ctx, user, LinkRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/settings",
			ErrorURL:    "https://app.example.com/settings",
		})
		require.NoError(t, err)

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			Code:       "test-code",
			State:      stateFromAuthURL(t, got.URL),
		})
		require.NoError(t, err)
		u, err := url.Parse(redirect.URL)
		require.NoError(t, err)
		assert.Equal(t, ErrCodeEmailMismatch, u.Query().Get("error"))
		assert.Empty(t, tf.accounts.accounts)
	})

	t.Run("cross-email linking can be allowed", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetEmail("mallory@example.com")
		tf := newTestFlow(t, testProviderConfig(tp), WithAllowDifferentEmails())

		got, err := tf.flow.LinkAccount(ctx, user, LinkRequest{
			ProviderID:  "acme",
			CallbackURL: "https://app.example.com/settings",
		})
		require.NoError(t, err)

		redirect, err := tf.flow.Callback(ctx, CallbackRequest{
			ProviderID: "acme",
			Code:       "test-code",
			State:      stateFromAuthURL(t, got.URL),
		})
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.com/settings", redirect.URL)
		require.Len(t, tf.accounts.accounts, 1)
	})
}

func TestFlow_RefreshAccessToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tp := StartTestProvider(t)
	tf := newTestFlow(t, testProviderConfig(tp))

	tokens, err := tf.flow.RefreshAccessToken(ctx, "acme", "old-refresh-token")
	require.NoError(t, err)
	assert.Equal(t, AccessToken("test-access-token"), tokens.AccessToken)

	_, err = tf.flow.RefreshAccessToken(ctx, "nope", "old-refresh-token")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestErrorRedirect(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	// full URL
	assert.Equal("https://app.example.com/login?error=access_denied",
		errorRedirect("https://app.example.com/login", "access_denied", ""))
	// existing query is preserved
	got := errorRedirect("https://app.example.com/login?tab=sso", "access_denied", "")
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal("sso", u.Query().Get("tab"))
	assert.Equal("access_denied", u.Query().Get("error"))
	// relative path
	assert.Equal("/login?error=state_not_found", errorRedirect("/login", "state_not_found", ""))
	// unparseable target degrades to a plain string append
	assert.Equal("://bad?error=x", errorRedirect("://bad", "x", ""))
}

func TestURLSafeCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "signup_disabled", urlSafeCode(errors.New("signup disabled")))
	assert.Equal(t, "user_rejected", urlSafeCode(errors.New("  user rejected ")))
}
