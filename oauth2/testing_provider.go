package oauth2

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

// TestProvider is a local server with the provider capabilities the engine
// exercises: discovery, authorization, token, userinfo, and JWKS endpoints.
// It makes writing flow tests much easier.
type TestProvider struct {
	t          *testing.T
	httpServer *httptest.Server

	priv   *ecdsa.PrivateKey
	keyID  string
	signer jose.Signer

	mu                 sync.Mutex
	clientID           string
	clientSecret       string
	expectedAuthCode   string
	replySubject       string
	replyEmail         string
	customClaims       map[string]interface{}
	userinfoReply      map[string]interface{}
	omitIDToken        bool
	omitEmailClaim     bool
	disableUserInfo    bool
	expiresIn          int64
	replyRefresh       string
	omitRotatedRefresh bool

	tokenRequests    int
	userinfoRequests int
	lastTokenForm    url.Values
	lastBasicUser    string
	lastBasicPass    string
	hadBasicAuth     bool
}

// StartTestProvider creates a disposable TestProvider.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	keyID := "test-key-1"
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	require.NoError(err)

	p := &TestProvider{
		t:                t,
		priv:             priv,
		keyID:            keyID,
		signer:           signer,
		clientID:         "test-client-id",
		clientSecret:     "test-client-secret",
		expectedAuthCode: "test-code",
		replySubject:     "sub-alice",
		replyEmail:       "alice@example.com",
		userinfoReply: map[string]interface{}{
			"sub":            "sub-alice",
			"email":          "alice@example.com",
			"email_verified": true,
			"name":           "Alice Example",
			"picture":        "https://example.com/alice.png",
		},
		expiresIn:    3600,
		replyRefresh: "test-refresh-token",
	}
	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the test provider's base URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// DiscoveryURL returns the provider's discovery document URL.
func (p *TestProvider) DiscoveryURL() string {
	return p.Addr() + "/.well-known/openid-configuration"
}

// AuthorizationEndpoint returns the static authorization endpoint.
func (p *TestProvider) AuthorizationEndpoint() string { return p.Addr() + "/authorize" }

// TokenEndpoint returns the static token endpoint.
func (p *TestProvider) TokenEndpoint() string { return p.Addr() + "/token" }

// UserInfoEndpoint returns the static userinfo endpoint.
func (p *TestProvider) UserInfoEndpoint() string { return p.Addr() + "/userinfo" }

// SetClientCreds configures the client credentials /token requires.
func (p *TestProvider) SetClientCreds(id, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = id
	p.clientSecret = secret
}

// SetExpectedAuthCode configures the only authorization code /token accepts.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetSubject configures the subject embedded in issued id_tokens.
func (p *TestProvider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetEmail configures the email claim embedded in issued id_tokens.
func (p *TestProvider) SetEmail(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyEmail = email
}

// SetCustomClaims adds claims to issued id_tokens.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetUserInfoReply configures the /userinfo response document.
func (p *TestProvider) SetUserInfoReply(reply map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoReply = reply
}

// OmitIDToken forces /token responses without an id_token.
func (p *TestProvider) OmitIDToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitEmailClaim drops the email claim from issued id_tokens.
func (p *TestProvider) OmitEmailClaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitEmailClaim = true
}

// DisableUserInfo makes /userinfo return 404.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// SetExpiresIn configures the expires_in seconds reported by /token.
func (p *TestProvider) SetExpiresIn(secs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresIn = secs
}

// OmitRotatedRefreshToken makes refresh responses omit a refresh_token.
func (p *TestProvider) OmitRotatedRefreshToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRotatedRefresh = true
}

// TokenRequests reports how many times /token was called.
func (p *TestProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// UserInfoRequests reports how many times /userinfo was called.
func (p *TestProvider) UserInfoRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userinfoRequests
}

// LastTokenForm returns the form body of the most recent /token request.
func (p *TestProvider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

// LastBasicAuth returns the basic auth credentials of the most recent /token
// request, and whether the header was present at all.
func (p *TestProvider) LastBasicAuth() (user, pass string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBasicUser, p.lastBasicPass, p.hadBasicAuth
}

// ServeHTTP implements the provider endpoints.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		p.writeJSON(w, http.StatusOK, map[string]interface{}{
			"issuer":                 p.Addr(),
			"authorization_endpoint": p.AuthorizationEndpoint(),
			"token_endpoint":         p.TokenEndpoint(),
			"userinfo_endpoint":      p.UserInfoEndpoint(),
			"jwks_uri":               p.Addr() + "/jwks",
		})
	case "/authorize":
		p.serveAuthorize(w, req)
	case "/token":
		p.serveToken(w, req)
	case "/userinfo":
		p.serveUserInfo(w, req)
	case "/jwks":
		p.serveJWKS(w)
	default:
		http.NotFound(w, req)
	}
}

// serveAuthorize short-circuits the user-consent leg: it immediately
// redirects back to redirect_uri with the expected code and the request's
// state.
func (p *TestProvider) serveAuthorize(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	code := p.expectedAuthCode
	p.mu.Unlock()

	q := req.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}
	loc, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	lq := loc.Query()
	lq.Set("code", code)
	lq.Set("state", q.Get("state"))
	loc.RawQuery = lq.Encode()
	http.Redirect(w, req, loc.String(), http.StatusFound)
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokenRequests++
	p.lastTokenForm = req.PostForm
	p.lastBasicUser, p.lastBasicPass, p.hadBasicAuth = req.BasicAuth()

	clientID := req.PostForm.Get("client_id")
	clientSecret := req.PostForm.Get("client_secret")
	if p.hadBasicAuth {
		clientID, _ = url.QueryUnescape(p.lastBasicUser)
		clientSecret, _ = url.QueryUnescape(p.lastBasicPass)
	}
	if clientID != p.clientID || clientSecret != p.clientSecret {
		p.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error": "invalid_client",
		})
		return
	}

	switch req.PostForm.Get("grant_type") {
	case "authorization_code":
		if req.PostForm.Get("code") != p.expectedAuthCode {
			p.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":             "invalid_grant",
				"error_description": "unexpected authorization code",
			})
			return
		}
	case "refresh_token":
		if req.PostForm.Get("refresh_token") == "" {
			p.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "invalid_request",
			})
			return
		}
	default:
		p.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "unsupported_grant_type",
		})
		return
	}

	reply := map[string]interface{}{
		"access_token": "test-access-token",
		"token_type":   "Bearer",
		"expires_in":   p.expiresIn,
		"scope":        "openid email profile",
	}
	rotated := req.PostForm.Get("grant_type") == "refresh_token"
	if !rotated || !p.omitRotatedRefresh {
		reply["refresh_token"] = p.replyRefresh
	}
	if !p.omitIDToken {
		reply["id_token"] = p.signIDToken()
	}
	p.writeJSON(w, http.StatusOK, reply)
}

// signIDToken issues an ES256-signed id_token.  Callers must hold p.mu.
func (p *TestProvider) signIDToken() string {
	now := time.Now()
	claims := map[string]interface{}{
		"iss": p.Addr(),
		"sub": p.replySubject,
		"aud": []string{p.clientID},
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	}
	if !p.omitEmailClaim {
		claims["email"] = p.replyEmail
		claims["email_verified"] = true
		claims["name"] = "Alice Example"
		claims["picture"] = "https://example.com/alice.png"
	}
	for k, v := range p.customClaims {
		claims[k] = v
	}
	raw, err := jwt.Signed(p.signer).Claims(claims).Serialize()
	require.NoError(p.t, err)
	return raw
}

func (p *TestProvider) serveUserInfo(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoRequests++
	if p.disableUserInfo {
		http.NotFound(w, req)
		return
	}
	if req.Header.Get("Authorization") != "Bearer test-access-token" {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}
	p.writeJSON(w, http.StatusOK, p.userinfoReply)
}

func (p *TestProvider) serveJWKS(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeJSON(w, http.StatusOK, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       p.priv.Public(),
			KeyID:     p.keyID,
			Algorithm: string(jose.ES256),
			Use:       "sig",
		}},
	})
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(p.t, json.NewEncoder(w).Encode(body))
}
