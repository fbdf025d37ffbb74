package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", c.BridgeHost)
	assert.Equal(t, 9480, c.BridgePort)
	assert.Equal(t, 9473, c.ExtensionPort)
	assert.Equal(t, 3, c.ExtensionPortSpan)
	assert.Equal(t, 250*time.Millisecond, c.ProbeTimeout)
	assert.True(t, c.Enabled)
	assert.Equal(t, "info", c.LogLevel)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TABBRIDGE_BRIDGE_PORT", "10500")
	t.Setenv("TABBRIDGE_EXTENSION_PORT_SPAN", "0")
	t.Setenv("TABBRIDGE_ENABLED", "false")
	t.Setenv("TABBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("TABBRIDGE_LOG_FORMAT", "json")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10500, c.BridgePort)
	assert.Equal(t, 0, c.ExtensionPortSpan)
	assert.False(t, c.Enabled)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
}

func TestRejectsBadValues(t *testing.T) {
	t.Setenv("TABBRIDGE_BRIDGE_PORT", "99999")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("TABBRIDGE_BRIDGE_PORT", "9480")
	t.Setenv("TABBRIDGE_LOG_LEVEL", "chatty")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
}

func TestLoggerHonorsFormat(t *testing.T) {
	c := Config{LogLevel: "warn", LogFormat: "json"}
	log := c.Logger()
	assert.Equal(t, "warning", log.GetLevel().String())
}
