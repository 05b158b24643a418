package grok

import (
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(cfg *Config)
		invalid []string
	}{
		{
			name:   "telegram only",
			modify: func(cfg *Config) { cfg.Telegram.Token = "tg" },
		},
		{
			name:   "discord only",
			modify: func(cfg *Config) { cfg.Discord.Token = "dc" },
		},
		{
			name:    "no platform",
			modify:  func(*Config) {},
			invalid: []string{"Discord", "Telegram"},
		},
		{
			name: "bad digest schedule",
			modify: func(cfg *Config) {
				cfg.Telegram.Token = "tg"
				cfg.Digest.Schedule = "every minute"
			},
			invalid: []string{"Schedule"},
		},
		{
			name: "missing openrouter token",
			modify: func(cfg *Config) {
				cfg.Telegram.Token = "tg"
				cfg.OpenRouter.Token = ""
			},
			invalid: []string{"Token"},
		},
		{
			name: "api listen without secret",
			modify: func(cfg *Config) {
				cfg.Telegram.Token = "tg"
				cfg.API.Secret = ""
			},
			invalid: []string{"Secret"},
		},
		{
			name: "api disabled without secret",
			modify: func(cfg *Config) {
				cfg.Telegram.Token = "tg"
				cfg.API.Listen = ""
				cfg.API.Secret = ""
			},
		},
		{
			name: "cert without key",
			modify: func(cfg *Config) {
				cfg.Telegram.Token = "tg"
				cfg.API.SSL.Cert = "cert.pem"
			},
			invalid: []string{"Key"},
		},
		{
			name: "database type",
			modify: func(cfg *Config) {
				cfg.Telegram.Token = "tg"
				cfg.DatabaseType = "mysql"
			},
			invalid: []string{"DatabaseType"},
		},
		{
			name: "retry backoff",
			modify: func(cfg *Config) {
				cfg.Discord.Token = "dc"
				cfg.OpenRouter.RetryBackoff = 0.5
			},
			invalid: []string{"RetryBackoff"},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := ValidateConfig(cfg)
				if len(tc.invalid) == 0 {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				var verrs validator.ValidationErrors
				require.ErrorAs(t, err, &verrs)
				var fields []string
				for _, fe := range verrs {
					fields = append(fields, fe.Field())
				}
				assert.ElementsMatch(t, tc.invalid, fields)
			},
		)
	}
}

func TestConfig_RedactedYAML(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "discord-secret"
	cfg.Discord.GuildIDs = []string{"g1"}
	cfg.HTTPClient = http.DefaultClient
	cfg.LogLevel.Set(slog.LevelDebug)

	data, err := cfg.RedactedYAML()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "discord-secret")
	assert.NotContains(t, string(data), "test-openrouter-token")
	assert.NotContains(t, string(data), testAPISecret)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(data, &out))

	assert.Equal(t, "DEBUG", out["log_level"])
	assert.Equal(t, "30s", out["startup_timeout"])
	assert.NotContains(t, out, "httpclient")
	assert.NotContains(t, out, "http_client")

	discord := out["discord"].(map[string]any)
	assert.Equal(t, "[redacted]", discord["token"])
	assert.Equal(t, []any{"g1"}, discord["guild_ids"])
	assert.Equal(t, "WARN", discord["log_level"])

	telegram := out["telegram"].(map[string]any)
	assert.Equal(t, "", telegram["token"])

	openrouter := out["openrouter"].(map[string]any)
	assert.Equal(t, "[redacted]", openrouter["token"])
	assert.Equal(t, DefaultOpenRouterModel, openrouter["model"])

	api := out["api"].(map[string]any)
	assert.Equal(t, "[redacted]", api["secret"])
	assert.Equal(t, "127.0.0.1:0", api["listen"])
}

func TestConfig_LogValue(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Telegram.Token = "telegram-secret"
	value := cfg.LogValue().String()
	assert.NotContains(t, value, "telegram-secret")
	assert.NotContains(t, value, "test-openrouter-token")
}

func TestTelegramConfig(t *testing.T) {
	cfg := TelegramConfig{AdminIDs: []int64{1, 2}}
	assert.False(t, cfg.Enabled())
	assert.True(t, cfg.IsAdmin(2))
	assert.False(t, cfg.IsAdmin(3))

	cfg.Token = "tg"
	assert.True(t, cfg.Enabled())
	assert.False(t, DiscordConfig{}.Enabled())
}

func TestDefaultCORSConfig(t *testing.T) {
	c := DefaultCORSConfig()
	c.AllowMethods[0] = "BREW"
	assert.Equal(t, http.MethodGet, DefaultCORSAllowMethods[0])
	assert.Empty(t, c.AllowOrigins)

	gc := c.GINConfig()
	assert.Equal(t, c.AllowHeaders, gc.AllowHeaders)
	assert.Equal(t, DefaultCORSMaxAge, gc.MaxAge)
	assert.True(t, gc.AllowCredentials)
}
