package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Equal(t, zerolog.WarnLevel, GetLogger().GetLevel())

	require.NoError(t, Init(Config{Level: "warn", Debug: true}))
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	require.NoError(t, Init(Config{}))
	assert.Equal(t, zerolog.InfoLevel, GetLogger().GetLevel())

	assert.Error(t, Init(Config{Level: "loud"}))
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("FHEMSYNC_LOG_LEVEL", "error")
	t.Setenv("FHEMSYNC_DEBUG", "yes")
	t.Setenv("FHEMSYNC_LOG_OUTPUT", "stderr")

	c := DefaultConfig()
	assert.Equal(t, Config{Level: "error", Debug: true, Output: "stderr"}, c)
}

func TestWithComponent(t *testing.T) {
	require.NoError(t, Init(Config{Output: "stderr"}))
	l := WithComponent("poller")
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}
