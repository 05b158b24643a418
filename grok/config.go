//nolint:lll // struct tags can't be split
package grok

import (
	"crypto/tls"
	"encoding"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"gopkg.in/yaml.v3"
)

const (
	EnvvarSetEnvPrefix  = "GROK_ENV_PREFIX"
	DefaultEnvPrefix    = "GROK"
	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "data/grok.db"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultOpenRouterBaseURL           = "https://openrouter.ai/api/v1"
	DefaultOpenRouterModel             = "google/gemini-2.0-flash-exp"
	DefaultOpenRouterReferer           = "https://github.com/aaronson2012/grok"
	DefaultOpenRouterTitle             = "Grok Discord Bot"
	DefaultOpenRouterMaxRequestsPerSec = 5
	DefaultOpenRouterRetries           = 3
	DefaultOpenRouterRetryDelay        = time.Second
	DefaultOpenRouterRetryBackoff      = 2.0
	DefaultOpenRouterTimeout           = 90 * time.Second
	DefaultOpenRouterLogLevel          = slog.LevelInfo

	DefaultSearchURL        = "https://api.perplexity.ai/search"
	DefaultSearchMaxResults = 5
	DefaultSearchTimeout    = 30 * time.Second
	DefaultSearchLogLevel   = slog.LevelInfo

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordCustomStatus  = "Mention me to chat!"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildEmojis

	DefaultTelegramLogLevel    = slog.LevelInfo
	DefaultTelegramPollTimeout = 60

	DefaultDigestSchedule       = "* * * * *"
	DefaultDigestLogLevel       = slog.LevelInfo
	DefaultDigestConcurrency    = 3
	DefaultEmojiRefreshInterval = 24 * time.Hour

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultTLSMinVersion     = tls.VersionTLS12

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or the path to a sqlite file
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// OpenRouter configures the LLM backend
	OpenRouter *OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter" json:"openrouter" binding:"required"`

	// Search configures the web search tool
	Search *SearchConfig `yaml:"search" mapstructure:"search" json:"search" binding:"required"`

	// Discord configures the discord bot. Disabled when no token is set.
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Telegram configures the telegram bot. Disabled when no token is set.
	Telegram *TelegramConfig `yaml:"telegram" mapstructure:"telegram" json:"telegram" binding:"required"`

	// Digest configures the daily digest scheduler
	Digest *DigestConfig `yaml:"digest" mapstructure:"digest" json:"digest" binding:"required"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	// RuntimeConfigTTL sets the time-to-live for the cached RuntimeConfig.
	// When running multiple instances against the same database, the config
	// is refreshed from the database at least every TTL. With PostgreSQL,
	// LISTEN/NOTIFY is also used to announce updates.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// OpenRouterConfig configures the OpenAI-compatible OpenRouter client
type OpenRouterConfig struct {
	// OpenRouter API key
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model identifier, ex: 'google/gemini-2.0-flash-exp'
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// BaseURL of the OpenAI-compatible API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Referer is sent as the HTTP-Referer header, used for OpenRouter rankings
	Referer string `yaml:"referer" mapstructure:"referer" json:"referer"`

	// Title is sent as the X-Title header
	Title string `yaml:"title" mapstructure:"title" json:"title"`

	// Retries is the number of retries after the first failed attempt
	Retries int `yaml:"retries" mapstructure:"retries" json:"retries" binding:"min=0,max=10"`

	// RetryDelay is the initial delay between attempts
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay"`

	// RetryBackoff multiplies RetryDelay after each failed attempt
	RetryBackoff float64 `yaml:"retry_backoff" mapstructure:"retry_backoff" json:"retry_backoff" binding:"gte=1"`

	// Timeout for a single completion request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// SearchConfig configures the Perplexity search API used by the
// web_search tool and digests
type SearchConfig struct {
	Token      string         `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	URL        string         `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`
	MaxResults int            `yaml:"max_results" mapstructure:"max_results" json:"max_results" binding:"min=1,max=20"`
	Timeout    time.Duration  `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	LogLevel   *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID. If empty, the ID reported in the gateway
	// READY event is used when registering commands.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildIDs to register slash commands to, for development. Commands
	// are registered globally when empty.
	GuildIDs []string `yaml:"guild_ids" mapstructure:"guild_ids" json:"guild_ids"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// Enabled reports whether a discord token has been configured
func (c DiscordConfig) Enabled() bool {
	return c.Token != ""
}

// TelegramConfig configures the telegram bot
type TelegramConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// AdminIDs are the telegram user IDs allowed to run admin commands
	AdminIDs []int64 `yaml:"admin_ids" mapstructure:"admin_ids" json:"admin_ids"`

	// PollTimeout is the long-poll timeout, in seconds
	PollTimeout int `yaml:"poll_timeout" mapstructure:"poll_timeout" json:"poll_timeout" binding:"min=0,max=300"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func (c TelegramConfig) Enabled() bool {
	return c.Token != ""
}

// IsAdmin reports whether the given telegram user ID is in AdminIDs
func (c TelegramConfig) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DigestConfig configures the digest scheduler
type DigestConfig struct {
	// Schedule is a standard 5-field cron expression for the due-check job
	Schedule string `yaml:"schedule" mapstructure:"schedule" json:"schedule" binding:"required,cron"`

	// Concurrency limits how many topics are generated at once for one user
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" binding:"min=1,max=10"`

	// EmojiRefreshInterval sets how often guild emojis are re-analyzed.
	// 0 disables the job.
	EmojiRefreshInterval time.Duration `yaml:"emoji_refresh_interval" mapstructure:"emoji_refresh_interval" json:"emoji_refresh_interval"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	// Leave empty to disable the API.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required by protected endpoints
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_with=Listen"`

	// Configuration for SSL/TLS. Plain HTTP is served when no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Development enables gin debug mode and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openrouterLogLevel := &slog.LevelVar{}
	searchLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	telegramLogLevel := &slog.LevelVar{}
	digestLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openrouterLogLevel.Set(DefaultOpenRouterLogLevel)
	searchLogLevel.Set(DefaultSearchLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	telegramLogLevel.Set(DefaultTelegramLogLevel)
	digestLogLevel.Set(DefaultDigestLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		OpenRouter: &OpenRouterConfig{
			Model:        DefaultOpenRouterModel,
			BaseURL:      DefaultOpenRouterBaseURL,
			Referer:      DefaultOpenRouterReferer,
			Title:        DefaultOpenRouterTitle,
			Retries:      DefaultOpenRouterRetries,
			RetryDelay:   DefaultOpenRouterRetryDelay,
			RetryBackoff: DefaultOpenRouterRetryBackoff,
			Timeout:      DefaultOpenRouterTimeout,
			LogLevel:     openrouterLogLevel,
		},
		Search: &SearchConfig{
			URL:        DefaultSearchURL,
			MaxResults: DefaultSearchMaxResults,
			Timeout:    DefaultSearchTimeout,
			LogLevel:   searchLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Telegram: &TelegramConfig{
			PollTimeout: DefaultTelegramPollTimeout,
			LogLevel:    telegramLogLevel,
		},
		Digest: &DigestConfig{
			Schedule:             DefaultDigestSchedule,
			Concurrency:          DefaultDigestConcurrency,
			EmojiRefreshInterval: DefaultEmojiRefreshInterval,
			LogLevel:             digestLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultTLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

// RedactedYAML renders the config as YAML, replacing secrets with the
// value of their `log` tag
func (c Config) RedactedYAML() ([]byte, error) {
	return yaml.Marshal(redactedValue(reflect.ValueOf(c)))
}

// redactedValue converts v to plain maps and slices keyed by yaml tag.
// Fields tagged `log:"..."` are replaced when set.
func redactedValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.CanInterface() {
		switch t := v.Interface().(type) {
		case time.Duration:
			return t.String()
		case *slog.LevelVar:
			if t == nil {
				return nil
			}
			return t.Level().String()
		case encoding.TextMarshaler:
			if v.Kind() == reflect.Ptr && v.IsNil() {
				return nil
			}
			text, err := t.MarshalText()
			if err == nil {
				return string(text)
			}
		}
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return redactedValue(v.Elem())
	case reflect.Struct:
		out := map[string]any{}
		typ := v.Type()
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = strings.ToLower(field.Name)
			}
			fv := v.Field(i)
			if logTag := field.Tag.Get("log"); logTag != "" {
				if fv.IsZero() {
					out[name] = ""
				} else {
					out[name] = logTag
				}
				continue
			}
			out[name] = redactedValue(fv)
		}
		return out
	case reflect.Slice, reflect.Array:
		items := make([]any, v.Len())
		for i := range items {
			items[i] = redactedValue(v.Index(i))
		}
		return items
	default:
		return v.Interface()
	}
}
