package grok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	jobDigests      = "digests"
	jobEmojiRefresh = "emoji_refresh"

	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/aaronson2012/grok/grok.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bot wires the chat platforms, the model backend, the database and the
// admin API together.
type Bot struct {
	config *Config

	// read connection
	db *gorm.DB

	// write connection. With sqlite, writes are serialized.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	openrouter  *OpenRouter
	ai          AIService
	search      Searcher
	tools       *ToolRegistry
	errorLogger *ErrorLogger
	personas    *PersonaService
	admin       *AdminService
	emojis      *EmojiManager
	chat        *ChatService
	digests     *DigestService

	discord   *Discord
	telegram  *Telegram
	api       *API
	scheduler *Scheduler

	dbNotifier DBNotifier

	// signalStop stops Run, such as from `/api/quit`
	signalStop chan struct{}

	// triggerRuntimeConfigRefreshCh reloads the runtime config. A true
	// value forces the reload even if the TTL hasn't passed.
	triggerRuntimeConfigRefreshCh chan bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	runMu     sync.Mutex
	startedAt time.Time
}

// New creates a Bot from config. Components that need the database are
// created by Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:                        config,
		signalStop:                    make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		startedAt:                     time.Now(),
	}
	rc := DefaultRuntimeConfig()
	b.runtimeConfig = &rc

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	if config.Discord != nil && config.Discord.Enabled() {
		config.Discord.httpClient = config.HTTPClient
		b.discord = newDiscord(
			b,
			config.Discord,
			b.componentLogger(config.Discord.LogLevel, "discord"),
		)
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
		)
	}

	if config.Telegram != nil && config.Telegram.Enabled() {
		b.telegram = newTelegram(
			b,
			config.Telegram,
			config.HTTPClient,
			b.componentLogger(config.Telegram.LogLevel, "telegram"),
		)
	}

	if config.API != nil && config.API.Listen != "" {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	scheduler, err := newScheduler(b.componentLogger(config.Digest.LogLevel, "scheduler"))
	errs = append(errs, err)
	b.scheduler = scheduler

	return b, errors.Join(errs...)
}

// componentLogger returns a logger for a component with its own level
func (b *Bot) componentLogger(level *slog.LevelVar, name string) *slog.Logger {
	var leveler slog.Leveler = level
	if level == nil {
		leveler = b.config.LogLevel
	}
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     leveler,
				AddSource: true,
			},
		),
	).With(loggerNameKey, name)
}

// ValidateConfig validates the bot's config
func (b *Bot) ValidateConfig() error {
	return ValidateConfig(b.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// RegisterSlashCommands overwrites the bot's discord application commands
func (b *Bot) RegisterSlashCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	if b.discord == nil {
		return nil, errors.New("discord is not configured")
	}
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(ctx, options...)
}

// initDB opens the database, migrates it and seeds the default personas
func (b *Bot) initDB(ctx context.Context) error {
	logger := loggerFrom(ctx, b.logger)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(db); err != nil {
			return err
		}
	}

	logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	count, err := seedPersonas(ctx, db)
	if err != nil {
		return fmt.Errorf("error seeding personas: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database", "personas", count)

	b.initServices(db, NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres))
	return nil
}

// initServices creates the components backed by the database
func (b *Bot) initServices(db *gorm.DB, writeDB DBI) {
	b.db = db
	b.writeDB = writeDB

	b.errorLogger = newErrorLogger(writeDB, b.logger.With(loggerNameKey, "error_logger"))
	b.admin = newAdminService(writeDB)

	if b.search == nil {
		b.search = NewPerplexitySearch(
			*b.config.Search,
			b.config.HTTPClient,
			b.componentLogger(b.config.Search.LogLevel, "search"),
		)
	}
	b.tools = NewToolRegistry(b.logger.With(loggerNameKey, "tools"))
	registerDefaultTools(b.tools, b.search, b.config.Search.MaxResults)

	if b.ai == nil {
		b.openrouter = newOpenRouter(
			b.config.OpenRouter,
			b.config.HTTPClient,
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.OpenRouter.LogLevel,
					AddSource: true,
				},
			),
			writeDB,
			b.tools,
		)
		b.ai = b.openrouter
	}
	ai := b.ai

	b.personas = newPersonaService(writeDB, ai, b.logger.With(loggerNameKey, "personas"))
	b.emojis = newEmojiManager(writeDB, ai, b.logger.With(loggerNameKey, "emojis"))
	b.chat = newChatService(
		writeDB,
		ai,
		b.tools,
		b.personas,
		b.errorLogger,
		b.logger.With(loggerNameKey, "chat"),
	)
	b.digests = newDigestService(
		writeDB,
		ai,
		b.search,
		b.errorLogger,
		b.componentLogger(b.config.Digest.LogLevel, "digest"),
		b.config.Digest.Concurrency,
	)
}

// loadRuntimeConfig loads the stored runtime config, creating the
// default on first run
func (b *Bot) loadRuntimeConfig(ctx context.Context) error {
	var rc RuntimeConfig
	err := b.db.WithContext(ctx).Last(&rc).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rc = DefaultRuntimeConfig()
		if _, err = b.writeDB.Create(ctx, &rc); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	case err != nil:
		return fmt.Errorf("error getting config: %w", err)
	}
	if err = structValidator.Struct(rc); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.runtimeConfig = &rc
	setRuntimeLevels(b.config, rc)
	if b.openrouter != nil {
		b.openrouter.setRequestLimit(rc.OpenRouterMaxRequestsPerSecond)
	}
	return nil
}

// initRun prepares the database, services and runtime config
func (b *Bot) initRun(ctx context.Context) error {
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := b.loadRuntimeConfig(ctx); err != nil {
		return err
	}
	notifier, err := newDBNotifier(b)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier
	return nil
}

// Run starts the bot, and blocks until ctx is canceled or a stop signal
// is received. It then shuts down, waiting up to ShutdownTimeout for
// in-flight work to finish.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx)
	}()
	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	if b.api != nil {
		go func() {
			if err := b.api.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
			}
		}()
	}

	b.startRuntimeConfigRefresher(ctx, runtimeWG)
	for _, channel := range []string{
		b.dbNotifier.RuntimeConfigChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(ctx, "error listening to channel", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	if b.discord != nil {
		if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
			logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
			cancel()
			return b.shutdown(ctx, runtimeWG, err)
		}
	}

	if b.telegram != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if err := b.telegram.Run(ctx, runtimeWG); err != nil {
				logger.ErrorContext(ctx, "telegram stopped", tint.Err(err))
			}
		}()
	}

	if err := b.scheduleJobs(ctx); err != nil {
		cancel()
		return b.shutdown(ctx, runtimeWG, err)
	}
	b.scheduler.Start()

	logger.InfoContext(ctx, "ready")
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG, nil)
}

// initDiscordSession creates the gateway session, adds handlers and
// connects, unless the gateway is disabled in the runtime config
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	d := b.discord
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	rc := b.RuntimeConfig()
	d.session.SetIdentify(
		discordgo.Identify{
			Intents:  b.config.Discord.GatewayIntents,
			Presence: discordIdentifyPresence(rc),
		},
	)
	d.addHandlers(ctx, runtimeWG)

	if !rc.DiscordGatewayEnabled {
		b.logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	b.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// scheduleJobs adds the digest and emoji refresh jobs
func (b *Bot) scheduleJobs(ctx context.Context) error {
	if b.discord == nil {
		return nil
	}
	if err := b.scheduler.AddCronJob(
		ctx,
		jobDigests,
		b.config.Digest.Schedule,
		b.discord.runDueDigests,
	); err != nil {
		return fmt.Errorf("error scheduling digests: %w", err)
	}
	if interval := b.config.Digest.EmojiRefreshInterval; interval > 0 {
		if err := b.scheduler.AddIntervalJob(
			ctx,
			jobEmojiRefresh,
			interval,
			b.discord.refreshEmojis,
		); err != nil {
			return fmt.Errorf("error scheduling emoji refresh: %w", err)
		}
	}
	return nil
}

// startRuntimeConfigRefresher reloads the runtime config every
// RuntimeConfigTTL, and whenever a reload is requested
func (b *Bot) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	logger := b.logger
	if ttl := b.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case b.triggerRuntimeConfigRefreshCh <- false:
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-b.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				b.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database, if
// forced or it was updated more than a TTL ago
func (b *Bot) refreshRuntimeConfig(ctx context.Context, force bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	var refreshed RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&refreshed).Error; err != nil {
		b.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}
	previous := *b.runtimeConfig
	if !force && refreshed.UpdatedAt == previous.UpdatedAt {
		b.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	b.runtimeConfig = &refreshed
	b.applyRuntimeConfig(ctx, previous, refreshed)
	b.logger.InfoContext(ctx, "refreshed runtime config")
}

// applyRuntimeConfig applies a changed runtime config to the running
// components. cfgMu must be held.
func (b *Bot) applyRuntimeConfig(ctx context.Context, previous, current RuntimeConfig) {
	setRuntimeLevels(b.config, current)
	if b.openrouter != nil {
		b.openrouter.setRequestLimit(current.OpenRouterMaxRequestsPerSecond)
	}
	switch {
	case previous.Paused && !current.Paused:
		b.logger.InfoContext(ctx, "unpaused bot")
	case current.Paused && !previous.Paused:
		b.logger.WarnContext(ctx, "paused bot")
	}

	d := b.discord
	if d == nil || d.session == nil {
		return
	}
	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		if err := d.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		}
	case !previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		d.session.SetIdentify(
			discordgo.Identify{
				Intents:  b.config.Discord.GatewayIntents,
				Presence: discordIdentifyPresence(current),
			},
		)
		if err := d.session.Open(); err != nil {
			b.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
		}
	case previous.Paused != current.Paused ||
		previous.DiscordCustomStatus != current.DiscordCustomStatus:
		if err := d.updateStatusComplex(discordPresence(current)); err != nil {
			b.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
}

// handleRecover recovers a panic in a handler, recording it in the error
// log. When RecoverPanic is disabled, the panic is re-raised after
// logging. Must be deferred directly.
func (b *Bot) handleRecover(ctx context.Context, details map[string]any) {
	rc := recover()
	if rc == nil {
		return
	}
	logger := loggerFrom(ctx, b.logger)
	stackTrace := string(debug.Stack())

	var err error
	switch v := rc.(type) {
	case error:
		err = fmt.Errorf("panic: %w", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}
	logger.ErrorContext(ctx, "recovered from panic", tint.Err(err), "stack_trace", stackTrace)
	if b.errorLogger != nil {
		b.errorLogger.LogError(ctx, err, details)
	}
	if !b.RuntimeConfig().RecoverPanic {
		panic(rc)
	}
}

// shutdown stops the scheduler, platforms and API, and waits for
// in-flight handlers. After ShutdownTimeout, remaining connections are
// closed and an error is returned. cause is returned when the shutdown
// itself succeeds.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup, cause error) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			if err := b.scheduler.Shutdown(); err != nil {
				logger.Warn("error stopping scheduler", tint.Err(err))
			}
		}()

		if b.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				logger.Info("stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
			}()
		}

		if b.discord != nil && b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				logger.Info("closing discord session")
				_ = b.discord.session.Close()
				for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
					remove()
				}
			}()
		}

		stopWG.Wait()
		runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			logger.Info(
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return cause
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			logger.Warn("handlers did not stop in time, forcing close")
			if b.api != nil {
				_ = b.api.httpServer.Close()
			}
			return errors.Join(cause, errors.New("shutdown timed out"))
		}
	}
}
