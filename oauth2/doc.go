/*
Package oauth2 implements a generic OAuth2/OIDC authorization code flow
engine for web application backends.

Primary types provided by the package:

* ProviderConfig: the static description of one OAuth2/OIDC provider
(client credentials, endpoints or a discovery URL, scopes, PKCE, credential
placement for token requests).  Configs are validated when registered with a
Registry and are immutable afterwards.

* FlowState: the signed, single-use record binding a sign-in initiation to
the callback that completes it (callback URLs, PKCE verifier, link target).
A StateCodec signs and parses FlowStates; a FlowStateStore enforces
single-use consumption.

* Tokens: the canonical token bundle produced by every code exchange or
refresh (access token, optional refresh and id tokens, absolute expiries,
granted scopes).

* Identity: the provider-agnostic identity derived from an id_token or a
userinfo response, used downstream to create, link, or reject accounts.

* Flow: the orchestrator driving sign-in initiation, callback handling, and
account-link flows.  It composes the codec, the URL builder, the token
exchange client, the discovery resolver, and the identity extractor, and
calls out to the host's AccountService and SessionService collaborators.

The callback package provides http.HandlerFunc factories for the three wire
endpoints (sign-in, authorization-code callback, link).
*/
package oauth2
