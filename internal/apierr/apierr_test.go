package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := New(KindWorkerNotFound, "detail A")
	b := New(KindWorkerNotFound, "detail B")
	require.True(t, errors.Is(a, b))
}

func TestErrorIsRejectsDifferentKind(t *testing.T) {
	a := New(KindWorkerNotFound, "")
	b := New(KindWrongShard, "")
	require.False(t, errors.Is(a, b))
}

func TestWorkerNotFoundSentinelMatchesConstructedError(t *testing.T) {
	err := New(KindWorkerNotFound, "missing")
	require.ErrorIs(t, err, WorkerNotFound)
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(KindRuntime, cause)
	require.ErrorIs(t, err, cause)
}

func TestErrorStringIncludesDetailWhenPresent(t *testing.T) {
	err := New(KindInvalidRequest, "missing field foo")
	require.Equal(t, "invalid_request: missing field foo", err.Error())
}

func TestErrorStringOmitsColonWhenDetailEmpty(t *testing.T) {
	err := New(KindInvalidRequest, "")
	require.Equal(t, "invalid_request", err.Error())
}

func TestPreviousInvocationFailedCarriesStderr(t *testing.T) {
	err := PreviousInvocationFailed("panic in guest", "stack trace tail")
	require.Equal(t, "stack trace tail", err.Stderr)
	require.Equal(t, KindPreviousInvocationFailed, err.Kind)
}
