package oauth2

import (
	"context"
)

// User is the host framework's view of a local user, as far as the engine
// needs one.
type User struct {
	ID    string
	Email string
	Name  string
}

// Session is an opaque handle to a host session.  The engine never inspects
// it beyond handing it to the SessionService.
type Session struct {
	ID     string
	UserID string
}

// Account is an external provider account attached to a local user.
type Account struct {
	UserID     string
	ProviderID string
	AccountID  string
	Tokens     *Tokens
}

// SignInOutcome is the account collaborator's decision for one callback.
type SignInOutcome struct {
	User    *User
	Session *Session

	// IsRegister reports that a new user was created for this callback.
	IsRegister bool
}

// AccountService is the external account/user collaborator.  Its atomicity
// guarantees (unique account per provider per user, single user per
// identity) are assumed, not reimplemented, by the engine.
type AccountService interface {
	// CreateAccount attaches a new external account to an existing user.
	CreateAccount(ctx context.Context, userID, providerID, accountID string, tokens *Tokens) (*Account, error)

	// FindAccounts lists the external accounts attached to a user.
	FindAccounts(ctx context.Context, userID string) ([]*Account, error)

	// ResolveUser decides whether the identity maps to an existing user,
	// creates a new one, or is rejected (for example when sign-up is
	// disabled).  Rejections surface as error redirects carrying a code
	// derived from the error message.
	ResolveUser(ctx context.Context, identity *Identity, tokens *Tokens, disableSignUp bool) (*SignInOutcome, error)
}

// SessionService establishes the host session for a resolved user.  Cookie
// mechanics belong to the host; implementations typically close over their
// per-request response writer.
type SessionService interface {
	Establish(ctx context.Context, session *Session, user *User) error
}
