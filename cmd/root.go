package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/aaronson2012/grok/grok"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = grok.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"openrouter.log_level",
	"search.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"telegram.log_level",
	"digest.log_level",
	"api.log_level",
}

// legacyEnv maps config keys to the unprefixed environment variables
// older deployments use. The prefixed variable wins when both are set.
var legacyEnv = map[string]string{
	"discord.token":      "DISCORD_TOKEN",
	"openrouter.token":   "OPENROUTER_API_KEY",
	"openrouter.model":   "OPENROUTER_MODEL",
	"database":           "DATABASE_PATH",
	"telegram.token":     "TELEGRAM_TOKEN",
	"search.token":       "PERPLEXITY_API_KEY",
	"telegram.admin_ids": "TELEGRAM_ADMIN_IDS",
	"discord.guild_ids":  "DEBUG_GUILD_IDS",
}

var rootCmd = &cobra.Command{
	Use:   "grok [flags]",
	Short: "Discord and Telegram chat bot backed by OpenRouter",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := loadConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// loadConfig decodes the current viper settings into c
func loadConfig(c *grok.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", grok.DefaultDatabase)
	viper.SetDefault("database_type", grok.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", grok.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", grok.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", grok.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", grok.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", grok.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", grok.DefaultRuntimeConfigTTL)

	// OpenRouter
	viper.SetDefault("openrouter.token", "")
	viper.SetDefault("openrouter.model", grok.DefaultOpenRouterModel)
	viper.SetDefault("openrouter.base_url", grok.DefaultOpenRouterBaseURL)
	viper.SetDefault("openrouter.referer", grok.DefaultOpenRouterReferer)
	viper.SetDefault("openrouter.title", grok.DefaultOpenRouterTitle)
	viper.SetDefault("openrouter.retries", grok.DefaultOpenRouterRetries)
	viper.SetDefault("openrouter.retry_delay", grok.DefaultOpenRouterRetryDelay)
	viper.SetDefault("openrouter.retry_backoff", grok.DefaultOpenRouterRetryBackoff)
	viper.SetDefault("openrouter.timeout", grok.DefaultOpenRouterTimeout)
	viper.SetDefault("openrouter.log_level", grok.DefaultOpenRouterLogLevel.String())

	// Search
	viper.SetDefault("search.token", "")
	viper.SetDefault("search.url", grok.DefaultSearchURL)
	viper.SetDefault("search.max_results", grok.DefaultSearchMaxResults)
	viper.SetDefault("search.timeout", grok.DefaultSearchTimeout)
	viper.SetDefault("search.log_level", grok.DefaultSearchLogLevel.String())

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_ids", []string{})
	viper.SetDefault("discord.log_level", grok.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		grok.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(grok.DefaultDiscordGatewayIntent))

	// Telegram
	viper.SetDefault("telegram.token", "")
	viper.SetDefault("telegram.admin_ids", []int64{})
	viper.SetDefault("telegram.poll_timeout", grok.DefaultTelegramPollTimeout)
	viper.SetDefault("telegram.log_level", grok.DefaultTelegramLogLevel.String())

	// Digests and scheduled jobs
	viper.SetDefault("digest.schedule", grok.DefaultDigestSchedule)
	viper.SetDefault("digest.concurrency", grok.DefaultDigestConcurrency)
	viper.SetDefault("digest.emoji_refresh_interval", grok.DefaultEmojiRefreshInterval)
	viper.SetDefault("digest.log_level", grok.DefaultDigestLogLevel.String())

	// API
	viper.SetDefault("api.listen", grok.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", grok.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", grok.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", grok.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", grok.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", grok.DefaultIdleTimeout)

	// API: SSL
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", grok.DefaultTLSMinVersion)

	// API: CORS
	viper.SetDefault("api.cors.allow_headers", grok.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", grok.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", grok.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", grok.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		grok.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	setDefaults()

	envPrefix := os.Getenv(grok.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = grok.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := viper.BindEnv(key, prefixed, legacy); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// Convert values to correct types
	for _, key := range []string{
		"discord.guild_ids",
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		if s, ok := viper.Get(key).(string); ok {
			viper.Set(key, splitList(s))
			continue
		}
		viper.Set(key, viper.GetStringSlice(key))
	}
	if s, ok := viper.Get("telegram.admin_ids").(string); ok {
		viper.Set("telegram.admin_ids", splitList(s))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// splitList splits a comma-separated env value, dropping empty items
func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Environment file to load before reading GROK_* variables",
	)
}
