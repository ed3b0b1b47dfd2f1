package oauth2

import (
	"errors"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrInvalidCACert     = errors.New("invalid CA certificate")
	ErrIDGeneratorFailed = errors.New("id generation failed")

	// ErrUnknownProvider is returned when a flow names a provider id that was
	// never registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidOAuthConfiguration is returned when neither discovery nor
	// static configuration yields the endpoint an operation needs.
	ErrInvalidOAuthConfiguration = errors.New("invalid OAuth configuration")

	// ErrAccountAlreadyLinked is returned by link initiation when the current
	// user already has an account for the requested provider.
	ErrAccountAlreadyLinked = errors.New("account already linked")

	// ErrInvalidState is returned when a state token fails signature or shape
	// checks.  ErrExpiredState is returned when the token is past its validity
	// window.  ErrStateNotFound is the store's report that the state is
	// missing, expired, or already consumed; a flow must never proceed past
	// any of the three.
	ErrInvalidState  = errors.New("invalid state")
	ErrExpiredState  = errors.New("state is expired")
	ErrStateNotFound = errors.New("state not found")

	// ErrCodeExchange is returned when the provider rejects the authorization
	// code or the token endpoint cannot be reached.
	ErrCodeExchange = errors.New("code exchange failed")

	// ErrMissingEmail is returned when neither the id_token nor userinfo
	// yields an email; email is the minimum identity signal required by the
	// account collaborators.
	ErrMissingEmail = errors.New("email is missing")

	// ErrEmailMismatch is returned by the link branch when the provider
	// identity's email differs from the link target's email.
	ErrEmailMismatch = errors.New("email doesn't match")

	ErrProviderResponse          = errors.New("provider returned an error response")
	ErrUserInfoFailed            = errors.New("user info request failed")
	ErrIDTokenVerificationFailed = errors.New("id_token verification failed")
)

// Kind classifies an error for boundary handling: configuration errors are
// raised to the API caller as 4xx responses, everything else becomes an error
// redirect.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfiguration: unknown provider, missing endpoint after a discovery
	// attempt, invalid registration.  Never redirected silently.
	KindConfiguration

	// KindProtocol: invalid/expired/consumed state, code exchange rejection,
	// missing email, link email mismatch.  Recoverable by user retry.
	KindProtocol

	// KindCollaborator: account creation rejected, sign-up disabled.
	KindCollaborator

	// KindTransport: network failure contacting the provider.  Handled like a
	// protocol error at the boundary but logged with full detail.
	KindTransport
)

// ErrKind reports the Kind for err based on its sentinel chain.  Errors that
// match no sentinel are classified KindCollaborator when they come from a
// collaborator call site; callers in this package wrap them accordingly.
func ErrKind(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrInvalidOAuthConfiguration),
		errors.Is(err, ErrAccountAlreadyLinked),
		errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrNilParameter):
		return KindConfiguration
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrExpiredState),
		errors.Is(err, ErrStateNotFound),
		errors.Is(err, ErrCodeExchange),
		errors.Is(err, ErrMissingEmail),
		errors.Is(err, ErrEmailMismatch),
		errors.Is(err, ErrIDTokenVerificationFailed):
		return KindProtocol
	case errors.Is(err, ErrProviderResponse),
		errors.Is(err, ErrUserInfoFailed):
		return KindTransport
	default:
		return KindUnknown
	}
}
