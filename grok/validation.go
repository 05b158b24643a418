package grok

import (
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
	if err := structValidator.RegisterValidation("cron", validateCronSchedule); err != nil {
		panic(err)
	}
	structValidator.RegisterStructValidation(validateConfigPlatforms, Config{})
}

// validateCronSchedule checks that the field is a standard 5-field cron
// expression (or a descriptor like @hourly)
func validateCronSchedule(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// validateConfigPlatforms requires at least one chat platform to be
// configured.
func validateConfigPlatforms(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(Config)
	if !ok {
		return
	}
	discordEnabled := cfg.Discord != nil && cfg.Discord.Enabled()
	telegramEnabled := cfg.Telegram != nil && cfg.Telegram.Enabled()
	if !discordEnabled && !telegramEnabled {
		sl.ReportError(cfg.Discord, "Discord", "discord", "platform_token", "")
		sl.ReportError(cfg.Telegram, "Telegram", "telegram", "platform_token", "")
	}
}

// ValidateConfig validates the given config for running the bot
func ValidateConfig(cfg *Config) error {
	return structValidator.Struct(cfg)
}
