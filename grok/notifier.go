package grok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelRuntimeConfig = "grok_runtime_config_updated"
	postgresNotifyChannelStop          = "grok_stop"

	notifierRetryDelay = 5 * time.Second
)

// DBNotifier notifies bot instances sharing a database of runtime config
// changes and shutdown requests.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig asks bot instances to reload their runtime
	// configuration from the database
	ReloadRuntimeConfig(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bot instances
	Stop(context.Context) bool

	// ID identifies this notifier, so instances can ignore their own
	// notifications
	ID() string

	// Listen blocks, forwarding notifications received on channel until
	// ctx is done
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *Bot) (DBNotifier, error) {
	notifyID := uuid.NewString()
	log := b.logger.With(loggerNameKey, "db_notifier")

	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:   log,
			b:        b,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:   log,
			b:        b,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier delivers notifications in-process, as a sqlite database
// is only used by a single instance.
type sqliteNotifier struct {
	logger   *slog.Logger
	b        *Bot
	notifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.b.signalStop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.b.triggerRuntimeConfigRefreshCh <- true:
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
	return true
}

// postgresNotifier uses LISTEN/NOTIFY, with the notifier ID as payload
type postgresNotifier struct {
	logger   *slog.Logger
	b        *Bot
	notifyID string
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfig
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) error {
	return p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.ID(),
	).Error
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	if err := p.notify(ctx, p.StopChannelName()); err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop bot", tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent stop signal", "pg_notify_id", p.ID())

	// our own listener ignores our payload, so stop this instance directly
	select {
	case p.b.signalStop <- struct{}{}:
	case <-ctx.Done():
		p.logger.Warn("timeout sending stop signal")
	}
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	if err := p.notify(ctx, p.RuntimeConfigChannelName()); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY to reload runtime config",
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(
		ctx,
		"sent runtime config refresh notification",
		"pg_notify_id", p.ID(),
	)

	select {
	case p.b.triggerRuntimeConfigRefreshCh <- true:
	case <-ctx.Done():
		p.logger.Warn("timeout sending runtime config refresh signal")
	}
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.InfoContext(ctx, "starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryDelay):
			}
			continue
		}
		if notification.Payload == p.ID() {
			logger.Debug("received notification from self, ignoring")
			continue
		}

		switch channel {
		case p.RuntimeConfigChannelName():
			logger.InfoContext(ctx, "received notification for runtime config update")
			select {
			case p.b.triggerRuntimeConfigRefreshCh <- true:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending config refresh signal")
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.b.signalStop <- struct{}{}:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
	}
	return nil
}
