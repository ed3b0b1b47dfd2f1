package oauth2

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindUnknown},
		{ErrUnknownProvider, KindConfiguration},
		{ErrInvalidOAuthConfiguration, KindConfiguration},
		{ErrAccountAlreadyLinked, KindConfiguration},
		{ErrInvalidParameter, KindConfiguration},
		{ErrInvalidState, KindProtocol},
		{ErrExpiredState, KindProtocol},
		{ErrStateNotFound, KindProtocol},
		{ErrCodeExchange, KindProtocol},
		{ErrMissingEmail, KindProtocol},
		{ErrEmailMismatch, KindProtocol},
		{ErrIDTokenVerificationFailed, KindProtocol},
		{ErrProviderResponse, KindTransport},
		{ErrUserInfoFailed, KindTransport},
		{errors.New("something else"), KindUnknown},
		// classification survives wrapping
		{fmt.Errorf("op: %w", ErrUnknownProvider), KindConfiguration},
		{fmt.Errorf("op: %w: %w", ErrCodeExchange, errors.New("cause")), KindProtocol},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrKind(tt.err), "err=%v", tt.err)
	}
}
