package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}

func TestSecretNeverLogsValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, "set", Secret("api_key", "sk-live-123").String)
	require.Equal(t, "unset", Secret("api_key", "").String)
}
