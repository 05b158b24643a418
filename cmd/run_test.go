package cmd

import (
	"bytes"
	"testing"

	"github.com/aaronson2012/grok/grok"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandCheck(t *testing.T) {
	isolateEnv(t)
	resetViper(t)
	t.Cleanup(func() { runCheckOnly = false })

	t.Setenv("GROK_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("GROK_OPENROUTER_TOKEN", "or-token")
	t.Setenv("GROK_API_SECRET", "api-secret")

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(func() { rootCmd.SetOut(currentOut) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--check"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "config ok, enabled: telegram, api (127.0.0.1:5000)\n", out.String())
}

func TestRunCommandCheckInvalid(t *testing.T) {
	isolateEnv(t)
	resetViper(t)
	t.Cleanup(func() { runCheckOnly = false })

	t.Setenv("GROK_OPENROUTER_TOKEN", "or-token")

	currentOut, currentErr := rootCmd.OutOrStdout(), rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"run", "--check"})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestEnabledServices(t *testing.T) {
	c := grok.DefaultConfig()
	c.API.Listen = ""
	assert.Empty(t, enabledServices(c))

	c.Discord.Token = "dc"
	c.Telegram.Token = "tg"
	c.API.Listen = ":8080"
	assert.Equal(t, []string{"discord", "telegram", "api (:8080)"}, enabledServices(c))
}
