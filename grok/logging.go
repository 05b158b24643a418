package grok

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc returns a function that can replace discordgo.Logger,
// routing the library's log output to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// telegramLogger adapts slog to tgbotapi.BotLogger
type telegramLogger struct {
	logger *slog.Logger
}

func (t telegramLogger) Println(v ...any) {
	t.logger.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (t telegramLogger) Printf(format string, v ...any) {
	t.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// DBLogLevel is a slog level name ("DEBUG", "INFO", "WARN" or "ERROR")
// stored in the runtime config table
type DBLogLevel string

const (
	DBLogLevelDebug DBLogLevel = "DEBUG"
	DBLogLevelInfo  DBLogLevel = "INFO"
	DBLogLevelWarn  DBLogLevel = "WARN"
	DBLogLevelError DBLogLevel = "ERROR"
)

// parseDBLogLevel accepts the four level names, in any case. Offsets like
// "INFO+2", which slog would accept, are rejected.
func parseDBLogLevel(s string) (DBLogLevel, error) {
	switch level := DBLogLevel(strings.ToUpper(strings.TrimSpace(s))); level {
	case DBLogLevelDebug, DBLogLevelInfo, DBLogLevelWarn, DBLogLevelError:
		return level, nil
	default:
		return "", fmt.Errorf("unknown log level: %q", s)
	}
}

func (l *DBLogLevel) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("cannot scan %T into DBLogLevel", value)
	}
	return l.Set(s)
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return l.Set(s)
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Set parses s into l, leaving l unchanged on error
func (l *DBLogLevel) Set(s string) error {
	level, err := parseDBLogLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// Level converts l to a slog.Level. Unknown values are INFO.
func (l DBLogLevel) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, as levels are controlled by the slog handler
func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}

	switch {
	case err != nil:
		g.logger.ErrorContext(
			ctx,
			"sql error",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
		)
	default:
		g.logger.DebugContext(
			ctx,
			"sql completed",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
		)
	}
}
