package grok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/lmittmann/tint"
)

// ErrorLogger persists errors to error_logs, so they can be reviewed
// with the admin commands
type ErrorLogger struct {
	db     DBI
	logger *slog.Logger
}

func newErrorLogger(db DBI, logger *slog.Logger) *ErrorLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorLogger{db: db, logger: logger}
}

// LogError records err with the current stack and the given details,
// serialized as JSON. Failures to persist are logged, not returned.
func (e *ErrorLogger) LogError(ctx context.Context, err error, details map[string]any) {
	if err == nil {
		return
	}
	logger := loggerFrom(ctx, e.logger)

	rec := &ErrorLog{
		ErrorType: errorTypeName(err),
		Message:   err.Error(),
		Traceback: string(debug.Stack()),
		Context:   marshalErrorContext(details),
	}
	logger.ErrorContext(
		ctx,
		"recording error",
		"error_type", rec.ErrorType,
		"context", details,
		tint.Err(err),
	)

	if _, dbErr := e.db.Create(context.WithoutCancel(ctx), rec); dbErr != nil {
		logger.ErrorContext(ctx, "failed to save error log", tint.Err(dbErr))
	}
}

// errorTypeName returns the type name of the innermost wrapped error
func errorTypeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func marshalErrorContext(details map[string]any) string {
	if len(details) == 0 {
		return "{}"
	}
	data, err := json.Marshal(details)
	if err == nil {
		return string(data)
	}
	// fall back to string values for anything that can't be encoded
	stringified := make(map[string]string, len(details))
	for k, v := range details {
		stringified[k] = fmt.Sprint(v)
	}
	data, _ = json.Marshal(stringified)
	return string(data)
}
