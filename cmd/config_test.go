package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigCommandRedactsSecrets(t *testing.T) {
	resetViper(t)
	t.Setenv("GROK_DISCORD_TOKEN", "super-secret-discord")
	t.Setenv("GROK_OPENROUTER_TOKEN", "super-secret-openrouter")
	t.Setenv("GROK_API_SECRET", "super-secret-api")

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(func() { rootCmd.SetOut(currentOut) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.NotContains(t, output, "super-secret-discord")
	assert.NotContains(t, output, "super-secret-openrouter")
	assert.NotContains(t, output, "super-secret-api")
	assert.Contains(t, output, "[redacted]")

	var rendered map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &rendered))
	discord, ok := rendered["discord"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[redacted]", discord["token"])
	assert.Equal(t, "WARN", discord["log_level"])
}
