package oauth2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExchange(t *testing.T, tp *TestProvider, cfg *ProviderConfig) *Tokens {
	t.Helper()
	client, err := cfg.HTTPClient()
	require.NoError(t, err)
	tokens, err := ExchangeCode(context.Background(), client, cfg, tp.TokenEndpoint(), "test-code", "https://app.example.com/cb", "")
	require.NoError(t, err)
	return tokens
}

func TestExtractIdentity_IDTokenShortCircuit(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	tp := StartTestProvider(t)
	cfg := testProviderConfig(tp)
	tokens := testExchange(t, tp, cfg)
	client, err := cfg.HTTPClient()
	require.NoError(err)

	identity, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{userInfo: tp.UserInfoEndpoint()})
	require.NoError(err)
	require.NotNil(identity)

	assert.Equal("sub-alice", identity.ID)
	assert.Equal("alice@example.com", identity.Email)
	assert.True(identity.EmailVerified)
	assert.Equal("Alice Example", identity.Name)
	assert.Equal("https://example.com/alice.png", identity.Picture)
	assert.Contains(identity.Claims, "iss")

	// an id_token carrying both sub and email must never trigger a userinfo
	// call
	assert.Zero(tp.UserInfoRequests())
}

func TestExtractIdentity_UserInfoFallback(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	tp := StartTestProvider(t)
	tp.OmitEmailClaim()
	cfg := testProviderConfig(tp)
	tokens := testExchange(t, tp, cfg)
	client, err := cfg.HTTPClient()
	require.NoError(err)

	identity, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{userInfo: tp.UserInfoEndpoint()})
	require.NoError(err)
	require.NotNil(identity)
	assert.Equal(1, tp.UserInfoRequests())
	assert.Equal("alice@example.com", identity.Email)
	assert.Equal("sub-alice", identity.ID)
}

func TestExtractIdentity_NoSource(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	tp := StartTestProvider(t)
	tp.OmitIDToken()
	cfg := testProviderConfig(tp)
	tokens := testExchange(t, tp, cfg)
	client, err := cfg.HTTPClient()
	require.NoError(err)

	identity, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{})
	require.NoError(err)
	require.Nil(identity)
}

func TestExtractIdentity_MapIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	tp := StartTestProvider(t)
	cfg := testProviderConfig(tp)
	cfg.MapIdentity = func(tokens *Tokens, id *Identity) (*Identity, error) {
		id.Name = "Mapped Name"
		return id, nil
	}
	tokens := testExchange(t, tp, cfg)
	client, err := cfg.HTTPClient()
	require.NoError(err)

	identity, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{})
	require.NoError(err)
	require.NotNil(identity)
	assert.Equal("Mapped Name", identity.Name)
	assert.Equal("alice@example.com", identity.Email)
}

func TestExtractIdentity_Verified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tp := StartTestProvider(t)
	cfg := testProviderConfig(tp)
	cfg.DiscoveryURL = tp.DiscoveryURL()
	cfg.VerifyIDToken = true
	tokens := testExchange(t, tp, cfg)
	client, err := cfg.HTTPClient()
	require.NoError(t, err)

	t.Run("valid signature", func(t *testing.T) {
		identity, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{
			issuer:  tp.Addr(),
			jwksURI: tp.Addr() + "/jwks",
		})
		require.NoError(t, err)
		require.NotNil(t, identity)
		require.Equal(t, "alice@example.com", identity.Email)
	})

	t.Run("unknown signing key rejected", func(t *testing.T) {
		other := StartTestProvider(t)
		_, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{
			issuer:  tp.Addr(),
			jwksURI: other.Addr() + "/jwks",
		})
		require.ErrorIs(t, err, ErrIDTokenVerificationFailed)
	})

	t.Run("missing jwks_uri is a configuration error", func(t *testing.T) {
		_, err := ExtractIdentity(ctx, client, cfg, tokens, &endpoints{})
		require.ErrorIs(t, err, ErrInvalidOAuthConfiguration)
	})
}
