package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	cause := errors.New("execution reverted")
	err := WithReason(Simulation, "submit", "not open", cause)
	wrapped := fmt.Errorf("enter raffle: %w", err)

	require.Equal(t, Simulation, KindOf(wrapped))
	require.True(t, Is(wrapped, Simulation))
	require.False(t, Is(wrapped, Reverted))
	require.Equal(t, "not open", ReasonOf(wrapped))
	require.ErrorIs(t, wrapped, cause)
	require.Contains(t, wrapped.Error(), "simulation_failed")
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.False(t, Is(nil, Submission))
}

func TestRetryable(t *testing.T) {
	require.True(t, Submission.Retryable())
	require.False(t, Unsupported.Retryable())
	require.False(t, UserDeclined.Retryable())
}
