package grok

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// RuntimeConfig holds the settings that can be changed while the bot is
// running (via the API), persisted so they survive restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from responding to chat messages and commands
	// (other than admin commands).
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// RecoverPanic recovers panics in message and command handlers,
	// logging them to error_logs instead of crashing.
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:true"`

	// DiscordGatewayEnabled opens the discord gateway websocket connection.
	// Slash commands and mention chat require it.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status shown for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"size:128"`

	// DigestEnabled enables the scheduled digest job.
	DigestEnabled bool `json:"digest_enabled" gorm:"not null;default:true"`

	// OpenRouterMaxRequestsPerSecond limits outgoing chat completion requests
	OpenRouterMaxRequestsPerSecond int `gorm:"column:openrouter_max_requests_per_second;default:5;check:openrouter_max_requests_per_second > 0" json:"openrouter_max_requests_per_second" binding:"min=1"`

	LogLevel           DBLogLevel `gorm:"default:INFO;size:5;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	OpenRouterLogLevel DBLogLevel `gorm:"default:INFO;column:openrouter_log_level;size:5;check:openrouter_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"openrouter_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    DBLogLevel `gorm:"default:INFO;size:5;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;size:5;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	TelegramLogLevel   DBLogLevel `gorm:"default:INFO;size:5;check:telegram_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"telegram_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DigestLogLevel     DBLogLevel `gorm:"default:INFO;size:5;check:digest_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"digest_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   DBLogLevel `gorm:"default:INFO;size:5;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        DBLogLevel `gorm:"default:INFO;column:api_log_level;size:5;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		RecoverPanic:                   true,
		DiscordGatewayEnabled:          true,
		DiscordCustomStatus:            DefaultDiscordCustomStatus,
		DigestEnabled:                  true,
		OpenRouterMaxRequestsPerSecond: DefaultOpenRouterMaxRequestsPerSec,
		LogLevel:                       DBLogLevel(slog.LevelInfo.String()),
		OpenRouterLogLevel:             DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:                DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:              DBLogLevel(slog.LevelWarn.String()),
		TelegramLogLevel:               DBLogLevel(slog.LevelInfo.String()),
		DigestLogLevel:                 DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:               DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:                    DBLogLevel(slog.LevelInfo.String()),
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	DigestEnabled *bool `json:"digest_enabled,omitempty"`

	OpenRouterMaxRequestsPerSecond *int `json:"openrouter_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=1000"`

	LogLevel           *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OpenRouterLogLevel *DBLogLevel `json:"openrouter_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	TelegramLogLevel   *DBLogLevel `json:"telegram_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DigestLogLevel     *DBLogLevel `json:"digest_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// discordPresence returns the gateway presence matching the runtime config
func discordPresence(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	status := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		status.Activities = []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		}
	}
	return status
}

// setRuntimeLevels applies the log levels stored in the runtime config
// to the running loggers.
func setRuntimeLevels(cfg *Config, runtimeConfig RuntimeConfig) {
	apply := func(lv *slog.LevelVar, level DBLogLevel) {
		if lv == nil || level == "" {
			return
		}
		lv.Set(level.Level())
	}
	apply(cfg.LogLevel, runtimeConfig.LogLevel)
	apply(cfg.OpenRouter.LogLevel, runtimeConfig.OpenRouterLogLevel)
	apply(cfg.Discord.LogLevel, runtimeConfig.DiscordLogLevel)
	apply(cfg.Discord.DiscordGoLogLevel, runtimeConfig.DiscordGoLogLevel)
	apply(cfg.Telegram.LogLevel, runtimeConfig.TelegramLogLevel)
	apply(cfg.Digest.LogLevel, runtimeConfig.DigestLogLevel)
	apply(cfg.DatabaseLogLevel, runtimeConfig.DatabaseLogLevel)
	apply(cfg.API.LogLevel, runtimeConfig.APILogLevel)
}

// discordIdentifyPresence is the presence sent when identifying with the
// gateway. The custom status is set on connect.
func discordIdentifyPresence(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	p := discordPresence(config)
	return discordgo.GatewayStatusUpdate{AFK: p.AFK, Status: p.Status}
}
