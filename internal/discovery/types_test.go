package discovery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddTrapHitKeepsSortedUniqueSet(t *testing.T) {
	t.Parallel()

	var attempt ExtractionAttempt
	attempt.AddTrapHit("prompt-injection", "decoy-field-name")
	attempt.AddTrapHit("decoy-field-name", " ", "hidden-input")

	require.Equal(t, []string{"decoy-field-name", "hidden-input", "prompt-injection"}, attempt.TrapHit)
}

func TestConstraintsFacets(t *testing.T) {
	t.Parallel()

	minLen := 2
	c := Constraints{Pattern: "^[a-z]+$", MinLength: &minLen, Options: []string{"a"}}
	require.Equal(t, 3, c.Facets())
	require.Zero(t, Constraints{}.Facets())
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	blocked := fmt.Errorf("wrap: %w", &FetchError{Kind: PolicyBlocked, Reason: "rate-limited"})
	require.True(t, IsPolicyBlocked(blocked))
	require.Equal(t, "PolicyBlocked", ErrorKind(blocked))
	require.Contains(t, blocked.Error(), "rate-limited")

	status := &FetchError{Kind: HTTPStatus, Code: 503}
	require.False(t, IsPolicyBlocked(status))
	require.True(t, status.Retryable())
	require.Equal(t, "fetch returned status 503", status.Error())

	root := errors.New("timeout")
	provider := &ExtractionError{Kind: ProviderFailure, Err: root}
	require.ErrorIs(t, provider, root)
	require.Equal(t, "ProviderFailure", ErrorKind(provider))
	require.Empty(t, ErrorKind(root))
}

func TestCampaignStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []CampaignState{StateSufficient, StateBlocked, StateEscalated} {
		require.True(t, s.Terminal(), s)
	}
	for _, s := range []CampaignState{StateIdle, StateFetching, StateExtracting, StateRetrying, StateExhausted} {
		require.False(t, s.Terminal(), s)
	}
}
