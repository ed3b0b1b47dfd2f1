package oauth2

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/authflow-dev/authflow/internal/strutils"
)

// AuthorizationURL constructs the provider's authorization endpoint URL for
// one flow.  It performs no network I/O.
//
// Query parameters produced: response_type (default "code"), client_id,
// redirect_uri, scope (space-joined), state, plus optional code_challenge/
// code_challenge_method, prompt, access_type, and the provider's static
// AuthorizationParams.  Extra parameters overwrite default values for the
// same key; this is a documented overwrite-wins policy, not a merge.
//
// Scopes are the merge of the caller-supplied scopes and the provider's
// configured scopes, caller-supplied first, order-preserving dedupe.
func AuthorizationURL(cfg *ProviderConfig, endpoint, redirectURI, state, codeVerifier string, scopes []string) (string, error) {
	const op = "oauth2.AuthorizationURL"
	if cfg == nil {
		return "", fmt.Errorf("%s: missing provider config: %w", op, ErrNilParameter)
	}
	if cfg.ClientID == "" {
		return "", fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if endpoint == "" {
		return "", fmt.Errorf("%s: authorization endpoint is missing: %w", op, ErrInvalidOAuthConfiguration)
	}

	merged := strutils.RemoveDuplicatesStable(append(append([]string{}, scopes...), cfg.Scopes...), false)

	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      merged,
		Endpoint: oauth2.Endpoint{
			AuthURL: endpoint,
		},
	}

	var authOpts []oauth2.AuthCodeOption
	if rt := cfg.responseType(); rt != DefaultResponseType {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("response_type", rt))
	}
	if cfg.PKCE && codeVerifier != "" {
		switch cfg.challengeMethod() {
		case ChallengePlain:
			authOpts = append(authOpts,
				oauth2.SetAuthURLParam("code_challenge", codeVerifier),
				oauth2.SetAuthURLParam("code_challenge_method", string(ChallengePlain)),
			)
		default:
			authOpts = append(authOpts, oauth2.S256ChallengeOption(codeVerifier))
		}
	}
	if cfg.Prompt != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", cfg.Prompt))
	}
	if cfg.AccessType != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("access_type", cfg.AccessType))
	}
	// provider extras last, so they win over every default
	for k, v := range cfg.AuthorizationParams {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
	}

	return oc.AuthCodeURL(state, authOpts...), nil
}

// NewCodeVerifier generates a PKCE code verifier with enough entropy for the
// S256 and plain challenge transforms.
func NewCodeVerifier() string {
	return oauth2.GenerateVerifier()
}
