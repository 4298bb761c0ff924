package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerErrorWithInternal(t *testing.T) {
	base := ErrNetworkFailure
	wrapped := base.WithInternal(fmt.Errorf("dial tcp: connection refused"))

	require.NotSame(t, base, wrapped)
	require.Contains(t, wrapped.Error(), "connection refused")
	require.NotNil(t, wrapped.Unwrap())
	// the shared sentinel must stay untouched
	require.Nil(t, base.Internal)
}

func TestHTTPFailureCarriesStatus(t *testing.T) {
	err := HTTPFailure(502)
	require.Equal(t, 502, err.StatusCode)
	require.Contains(t, err.Message, "502")
	require.Equal(t, ErrHTTPFailure.Code, err.Code)
}

func TestIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("sync pass: %w", ErrMessageTimeout.WithInternal(fmt.Errorf("deadline")))
	require.True(t, Is(wrapped, ErrMessageTimeout))
	require.False(t, Is(wrapped, ErrNoClients))
	require.False(t, Is(fmt.Errorf("plain"), ErrMessageTimeout))
}
