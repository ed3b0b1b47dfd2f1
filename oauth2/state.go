package oauth2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// DefaultStateLifetime bounds the validity window of a FlowState token.  A
// callback arriving after this window fails with ErrExpiredState.
const DefaultStateLifetime = 10 * time.Minute

// LinkTarget identifies the already-authenticated user an account-link flow
// should attach the provider account to.
type LinkTarget struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// FlowState is the ephemeral, signed, single-use record created at sign-in
// initiation and consumed at callback time.  It binds the client-initiated
// flow (callback URLs, PKCE verifier, link target) to the callback that
// completes it.
type FlowState struct {
	// CallbackURL is where the user lands after a successful flow.
	CallbackURL string `json:"callbackURL"`

	// ErrorURL is where the user lands when the flow fails; may be a full URL
	// or a relative path.
	ErrorURL string `json:"errorURL,omitempty"`

	// CodeVerifier is the PKCE verifier, present only when the provider has
	// PKCE enabled.
	CodeVerifier string `json:"codeVerifier,omitempty"`

	// RequestSignUp records that the initiating request explicitly asked to
	// sign up, which overrides DisableImplicitSignUp.
	RequestSignUp bool `json:"requestSignUp,omitempty"`

	// NewUserURL is where the user lands when the callback registered a new
	// user, when configured.
	NewUserURL string `json:"newUserURL,omitempty"`

	// Link is present only for account-linking flows.
	Link *LinkTarget `json:"link,omitempty"`
}

// StateCodec signs FlowStates into opaque, tamper-evident tokens and parses
// them back.  Tokens are HS256-signed JWTs carrying the FlowState as private
// claims; the registered claims carry a unique id (the single-use key handed
// to the FlowStateStore) and the validity window.
type StateCodec struct {
	key      []byte
	lifetime time.Duration
}

// NewStateCodec creates a codec signing with the given secret.
// Supported options: WithStateLifetime
func NewStateCodec(secret []byte, opt ...Option) (*StateCodec, error) {
	const op = "oauth2.NewStateCodec"
	if len(secret) == 0 {
		return nil, fmt.Errorf("%s: missing signing secret: %w", op, ErrInvalidParameter)
	}
	opts := getCodecOpts(opt...)
	return &StateCodec{
		key:      secret,
		lifetime: opts.withStateLifetime,
	}, nil
}

// Create signs the payload into an opaque state token and returns the token
// along with its unique id, which the caller hands to a FlowStateStore for
// single-use tracking.
func (c *StateCodec) Create(payload FlowState) (token string, id string, err error) {
	const op = "oauth2.(StateCodec).Create"
	id, err = NewID(WithPrefix("st"))
	if err != nil {
		return "", "", fmt.Errorf("%s: unable to generate a state id: %w", op, err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: c.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", "", fmt.Errorf("%s: unable to create signer: %w", op, err)
	}
	now := time.Now()
	std := jwt.Claims{
		ID:       id,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(c.lifetime)),
	}
	token, err = jwt.Signed(signer).Claims(std).Claims(payload).Serialize()
	if err != nil {
		return "", "", fmt.Errorf("%s: unable to sign state: %w", op, err)
	}
	return token, id, nil
}

// Parse verifies the token's signature and validity window and returns the
// FlowState payload with its unique id.  It fails with ErrInvalidState for a
// malformed or tampered token and ErrExpiredState for one past its window.
// Parse does not consume the state; pair it with FlowStateStore.Take.
func (c *StateCodec) Parse(token string) (*FlowState, string, error) {
	const op = "oauth2.(StateCodec).Parse"
	if token == "" {
		return nil, "", fmt.Errorf("%s: state token is empty: %w", op, ErrInvalidState)
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, "", fmt.Errorf("%s: unable to parse state token: %w", op, ErrInvalidState)
	}
	var std jwt.Claims
	var payload FlowState
	if err := parsed.Claims(c.key, &std, &payload); err != nil {
		return nil, "", fmt.Errorf("%s: state signature verification failed: %w", op, ErrInvalidState)
	}
	if err := std.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, "", fmt.Errorf("%s: %w", op, ErrExpiredState)
		}
		return nil, "", fmt.Errorf("%s: state claims are invalid: %w", op, ErrInvalidState)
	}
	if std.ID == "" {
		return nil, "", fmt.Errorf("%s: state is missing its id: %w", op, ErrInvalidState)
	}
	return &payload, std.ID, nil
}

// codecOptions is the set of available options for NewStateCodec
type codecOptions struct {
	withStateLifetime time.Duration
}

func codecDefaults() codecOptions {
	return codecOptions{
		withStateLifetime: DefaultStateLifetime,
	}
}

func getCodecOpts(opt ...Option) codecOptions {
	opts := codecDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithStateLifetime provides an optional validity window for state tokens.
func WithStateLifetime(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*codecOptions); ok {
			o.withStateLifetime = d
		}
	}
}

// FlowStateStore tracks state ids for single-use consumption.  A correct
// implementation marks the id consumed atomically with the read: Take must
// fail with ErrStateNotFound when the id is missing, expired, or already
// consumed, and the engine never proceeds past that failure.
type FlowStateStore interface {
	// Put records a newly issued state id.
	Put(ctx context.Context, id string) error

	// Take consumes the state id.  A second Take of the same id fails.
	Take(ctx context.Context, id string) error
}

// MemoryStateStore is a mutex-guarded in-process FlowStateStore suitable for
// tests and single-process deployments.  Entries expire after the configured
// ttl; expired entries are dropped lazily on the next Put.
type MemoryStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

// NewMemoryStateStore creates a store whose entries live for ttl.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = DefaultStateLifetime
	}
	return &MemoryStateStore{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Put implements FlowStateStore.
func (s *MemoryStateStore) Put(_ context.Context, id string) error {
	const op = "oauth2.(MemoryStateStore).Put"
	if id == "" {
		return fmt.Errorf("%s: state id is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, exp := range s.entries {
		if exp.Before(now) {
			delete(s.entries, k)
		}
	}
	s.entries[id] = now.Add(s.ttl)
	return nil
}

// Take implements FlowStateStore.
func (s *MemoryStateStore) Take(_ context.Context, id string) error {
	const op = "oauth2.(MemoryStateStore).Take"
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrStateNotFound)
	}
	delete(s.entries, id)
	if exp.Before(time.Now()) {
		return fmt.Errorf("%s: %w", op, ErrStateNotFound)
	}
	return nil
}
