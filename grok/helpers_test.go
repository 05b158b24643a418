package grok

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateAndEllipsize(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "", truncate("abc", -1))
	assert.Equal(t, "abc", truncate("abc", 10))

	assert.Equal(t, "abc", ellipsize("abc", 3))
	assert.Equal(t, "ab...", ellipsize("abcdef", 5))
	assert.Equal(t, "ab", ellipsize("abcdef", 2))
	assert.Equal(t, "日本...", ellipsize("日本語のテキスト", 5))
}

func TestBulletList(t *testing.T) {
	assert.Equal(t, "• go\n• rust", bulletList([]string{"go", "rust"}))
	assert.Equal(t, "", bulletList(nil))
}

type loggedSettings struct {
	Name     string         `json:"name"`
	Token    string         `json:"token" log:"[redacted]"`
	Empty    string         `json:"empty"`
	Level    *slog.LevelVar `json:"level"`
	Nested   *loggedNested  `json:"nested"`
	Missing  *loggedNested  `json:"missing"`
	Tags     []string       `json:"tags"`
	Internal string         `json:"-"`
	hidden   string
}

type loggedNested struct {
	Secret string `json:"secret" log:"***"`
	Count  int    `json:"count"`
}

func TestStructToSlogValue(t *testing.T) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	v := structToSlogValue(
		&loggedSettings{
			Name:     "grok",
			Token:    "abc",
			Level:    level,
			Nested:   &loggedNested{Secret: "xyz", Count: 2},
			Internal: "internal",
			hidden:   "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "grok", attrs["name"].String())
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, "WARN", attrs["level"].String())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "missing")
	assert.NotContains(t, attrs, "tags")
	assert.NotContains(t, attrs, "Internal")
	assert.NotContains(t, attrs, "hidden")

	nested := attrs["nested"]
	require.Equal(t, slog.KindGroup, nested.Kind())
	assert.Equal(t, "[secret=*** count=2]", nested.String())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, int64(3), structToSlogValue(3).Int64())
}

func TestLoggerFrom(t *testing.T) {
	fallback := discardLogger()
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)
	assert.Same(t, fallback, loggerFrom(ctx, fallback))
	assert.Same(t, slog.Default(), loggerFrom(ctx, nil))

	scoped := discardLogger()
	ctx = WithLogger(ctx, scoped)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, scoped, got)
	assert.Same(t, scoped, loggerFrom(ctx, fallback))

	got, _ = ContextLogger(WithLogger(context.Background(), nil))
	assert.Same(t, slog.Default(), got)
}

func TestDiscordInteractionHelpers(t *testing.T) {
	opts := discordInteractionOptions(
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "topic", Value: "go"},
			{Name: "limit", Value: float64(5)},
		},
	)
	require.Len(t, opts, 2)
	assert.Equal(t, "go", opts["topic"].Value)

	attrs := interactionLogAttrs(
		discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:        "i1",
				Type:      discordgo.InteractionApplicationCommand,
				GuildID:   "g1",
				ChannelID: "c1",
			},
		},
	)
	assert.Equal(
		t,
		[]any{"id", "i1", "type", discordgo.InteractionApplicationCommand.String(), "channel_id", "c1", "guild_id", "g1"},
		attrs,
	)
}

func TestTLSConfig_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := tlsConfig(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), DefaultTLSMinVersion)
	assert.Error(t, err)
}
