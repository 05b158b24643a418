package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDBLogLevel(t *testing.T) {
	var l DBLogLevel
	require.NoError(t, l.Set("warn"))
	assert.Equal(t, DBLogLevelWarn, l)
	assert.Equal(t, slog.LevelWarn, l.Level())

	assert.Error(t, l.Set("INFO+2"))
	assert.Error(t, l.Set("verbose"))
	assert.Equal(t, DBLogLevelWarn, l)

	require.NoError(t, l.Scan([]byte("debug")))
	assert.Equal(t, DBLogLevelDebug, l)
	require.NoError(t, l.Scan("ERROR"))
	assert.Equal(t, slog.LevelError, l.Level())
	assert.Error(t, l.Scan(42))

	v, err := l.Value()
	require.NoError(t, err)
	assert.Equal(t, "ERROR", v)

	data, err := json.Marshal(DBLogLevelInfo)
	require.NoError(t, err)
	assert.JSONEq(t, `"INFO"`, string(data))
	require.NoError(t, json.Unmarshal([]byte(`"debug"`), &l))
	assert.Equal(t, DBLogLevelDebug, l)
	assert.Error(t, json.Unmarshal([]byte(`"loud"`), &l))

	assert.Equal(t, slog.LevelInfo, DBLogLevel("").Level())
}

func bufferHandler(buf *bytes.Buffer) slog.Handler {
	return slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func TestGORMLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	l := newGORMLogger(bufferHandler(&buf), 50*time.Millisecond)
	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", -1 }

	l.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), `"msg":"slow sql"`)
	assert.Contains(t, buf.String(), `"rows":"-"`)

	buf.Reset()
	l.Trace(ctx, time.Now(), sql, errors.New("disk full"))
	assert.Contains(t, buf.String(), `"msg":"sql error"`)
	assert.Contains(t, buf.String(), "disk full")

	buf.Reset()
	l.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Contains(t, buf.String(), `"msg":"sql completed"`)
	assert.Contains(t, buf.String(), `"logger":"gorm"`)
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	var buf bytes.Buffer
	logf := discordgoLoggerFunc(context.Background(), bufferHandler(&buf))

	logf(discordgo.LogWarning, 1, "heartbeat %s\n", "late")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"msg":"heartbeat late"`)

	buf.Reset()
	logf(99, 1, "odd")
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestTelegramLogger(t *testing.T) {
	var buf bytes.Buffer
	l := telegramLogger{logger: slog.New(bufferHandler(&buf))}
	l.Printf("endpoint: %s", "getUpdates")
	l.Println("response", 200)
	assert.Contains(t, buf.String(), `"msg":"endpoint: getUpdates"`)
	assert.Contains(t, buf.String(), `"msg":"response 200"`)
}
