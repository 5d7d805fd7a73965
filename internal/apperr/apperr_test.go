package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeStaleQR, "code %q does not match", "XYZ")
	require.ErrorIs(t, err, New(CodeStaleQR, "any message"))
	require.NotErrorIs(t, err, ErrDuplicateAttempt)

	wrapped := fmt.Errorf("mark: %w", err)
	require.ErrorIs(t, wrapped, &Error{Code: CodeStaleQR})
	require.Equal(t, KindValidation, From(wrapped).Kind)
}

func TestFromClassifiesInfrastructure(t *testing.T) {
	require.Nil(t, From(nil))

	timeout := From(fmt.Errorf("query: %w", context.DeadlineExceeded))
	require.Equal(t, CodeStoreTimeout, timeout.Code)
	require.Equal(t, KindInfrastructure, timeout.Kind)
	require.ErrorIs(t, timeout, context.DeadlineExceeded)

	other := From(errors.New("connection refused"))
	require.Equal(t, CodeStoreUnavailable, other.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(CodeUnauthenticated, "no token"), http.StatusUnauthorized},
		{New(CodeSuperAdminOnly, "admin"), http.StatusForbidden},
		{New(CodeNotClassOwner, "owner"), http.StatusForbidden},
		{New(CodeSessionNotFound, "missing"), http.StatusNotFound},
		{New(CodeSessionAlreadyActive, "active"), http.StatusConflict},
		{New(CodeSessionWindowClosed, "closed"), http.StatusConflict},
		{New(CodeStaleQR, "stale"), http.StatusUnprocessableEntity},
		{New(CodeInvalidArgument, "bad"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", New(CodeInvalidArgument, "bad")), http.StatusBadRequest},
		{From(context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(From(tt.err).Error(), func(t *testing.T) {
			require.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
