package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIncludesInternal(t *testing.T) {
	err := Wrap(stdErrors.New("boom"), "failed")
	require.Equal(t, "failed: boom", err.Error())
}

func TestWithInternalCopies(t *testing.T) {
	base := New("TEST", "test", http.StatusBadRequest)
	with := base.WithInternal(stdErrors.New("oops"))

	require.NotSame(t, base, with)
	require.Nil(t, base.Internal)
	require.NotNil(t, with.Internal)
}

func TestAlreadyClaimedMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("claim: %w", AlreadyClaimed("bob"))

	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.NotErrorIs(t, err, ErrAlreadySolved)
	require.Equal(t, "bob has already claimed the task(s)", FromError(err).Message)
	require.Equal(t, http.StatusBadRequest, FromError(err).StatusCode)
}

func TestRateLimitedCarriesWait(t *testing.T) {
	err := RateLimited(0)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 1, err.Details["secondsToWait"])
	require.Nil(t, ErrRateLimited.Details)
}

func TestFormErrors(t *testing.T) {
	fe := FormErrors{}
	require.NoError(t, fe.Err())

	fe.Add("username", "This field is required.")
	fe.Add("password", "This field is required.")

	err := fe.Err()
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, []string{"password", "username"}, fe.Fields())
	require.Contains(t, FromError(err).FormErrors, "username")
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	require.Nil(t, FromError(nil))
	appErr := FromError(stdErrors.New("database exploded"))
	require.Equal(t, http.StatusInternalServerError, appErr.StatusCode)
}
