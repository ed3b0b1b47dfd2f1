// authflow provides a provider-agnostic engine for the OAuth 2.0
// authorization-code flow (with optional OIDC discovery and PKCE): signed
// single-use flow state, authorization URL construction, code exchange,
// identity extraction, and account linking.
//
// See the oauth2 package for the engine and the callback package for
// http.HandlerFunc factories over it.
package authflow
