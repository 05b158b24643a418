//nolint:lll // struct tags can't be split
package grok

import (
	"time"
)

const (
	columnName        = "name"
	columnGuildID     = "guild_id"
	columnUserID      = "user_id"
	columnChannelID   = "channel_id"
	columnTopic       = "topic"
	columnTimezone    = "timezone"
	columnDailyTime   = "daily_time"
	columnLastSentAt  = "last_sent_at"
	columnMaxTopics   = "max_topics"
	columnDescription = "description"

	timestampLayout = "2006-01-02 15:04:05"
)

// Persona is a named system prompt that can be activated per guild
// (or per telegram chat).
type Persona struct {
	ModelUintID
	ModelUnixTime
	Name         string `json:"name" gorm:"uniqueIndex;not null;size:100"`
	Description  string `json:"description" gorm:"type:text"`
	SystemPrompt string `json:"system_prompt" gorm:"type:text;not null"`
	IsGlobal     bool   `json:"is_global" gorm:"not null;default:false"`
	CreatedBy    string `json:"created_by" gorm:"size:32"`
}

// GuildConfig holds the active persona for a discord guild or
// telegram chat.
type GuildConfig struct {
	GuildID         string `json:"guild_id" gorm:"primaryKey;size:32"`
	ActivePersonaID *uint  `json:"active_persona_id"`
	ModelUnixTime
}

// UserPref holds per-user preferences.
type UserPref struct {
	UserID             string `json:"user_id" gorm:"primaryKey;size:32"`
	PreferredPersonaID *uint  `json:"preferred_persona_id"`
	Verbosity          int    `json:"verbosity" gorm:"not null;default:5" binding:"min=1,max=10"`
	EmojiLevel         int    `json:"emoji_level" gorm:"not null;default:5" binding:"min=1,max=10"`
	ModelUnixTime
}

// Emoji is a custom guild emoji with a short model-generated description
type Emoji struct {
	ModelUintID
	EmojiID      string `json:"emoji_id" gorm:"uniqueIndex:idx_emoji_guild;size:32;not null"`
	GuildID      string `json:"guild_id" gorm:"uniqueIndex:idx_emoji_guild;size:32;not null"`
	Name         string `json:"name" gorm:"size:100"`
	Description  string `json:"description" gorm:"type:text"`
	Animated     bool   `json:"animated"`
	LastAnalyzed int64  `json:"last_analyzed"`
}

// Markup returns the discord markup used to render the emoji in a message
func (e Emoji) Markup() string {
	prefix := ""
	if e.Animated {
		prefix = "a"
	}
	return "<" + prefix + ":" + e.Name + ":" + e.EmojiID + ">"
}

// ChannelSummary is the long-term memory of a channel: a rolling summary
// of the conversation, up to LastMsgID.
type ChannelSummary struct {
	ChannelID string `json:"channel_id" gorm:"primaryKey;size:32"`
	Content   string `json:"content" gorm:"type:text"`
	LastMsgID int64  `json:"last_msg_id"`
	UpdatedAt int64  `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

func (ChannelSummary) TableName() string {
	return "summaries"
}

// ErrorLog is a persisted error, viewable via the admin commands and API
type ErrorLog struct {
	ModelUintID
	ErrorType string `json:"error_type" gorm:"size:200"`
	Message   string `json:"message" gorm:"type:text"`
	Traceback string `json:"traceback" gorm:"type:text"`
	Context   string `json:"context" gorm:"type:text"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli;index"`
}

// UserDigestSettings holds a user's digest delivery settings, per guild
type UserDigestSettings struct {
	UserID     string     `json:"user_id" gorm:"primaryKey;size:32"`
	GuildID    string     `json:"guild_id" gorm:"primaryKey;size:32"`
	Timezone   string     `json:"timezone" gorm:"size:64;not null;default:UTC"`
	DailyTime  string     `json:"daily_time" gorm:"size:5;not null;default:09:00"`
	LastSentAt *time.Time `json:"last_sent_at"`
}

type DigestTopic struct {
	ModelUintID
	UserID    string `json:"user_id" gorm:"index:idx_digest_topic_owner;size:32;not null"`
	GuildID   string `json:"guild_id" gorm:"index:idx_digest_topic_owner;size:32;not null"`
	Topic     string `json:"topic" gorm:"size:100;not null"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli"`
}

// GuildDigestConfig holds per-guild digest limits and the channel
// digests are posted to.
type GuildDigestConfig struct {
	GuildID   string `json:"guild_id" gorm:"primaryKey;size:32"`
	MaxTopics int    `json:"max_topics" gorm:"not null;default:10"`
	ChannelID string `json:"channel_id" gorm:"size:32"`
}

func (GuildDigestConfig) TableName() string {
	return "digest_configs"
}

// DigestHeadline records a headline already covered in a digest, so
// later digests can skip it.
type DigestHeadline struct {
	ModelUintID
	UserID    string `json:"user_id" gorm:"index:idx_digest_headline;size:32;not null"`
	GuildID   string `json:"guild_id" gorm:"index:idx_digest_headline;size:32;not null"`
	Topic     string `json:"topic" gorm:"index:idx_digest_headline;size:100;not null"`
	Headline  string `json:"headline" gorm:"type:text"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli"`
}

// OpenRouterAPILog represents a log entry for a chat completion request
// and response, including timestamps, payloads and any error.
type OpenRouterAPILog struct {
	ModelUintID
	ModelUnixTime

	Model string `json:"model" gorm:"size:200"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody string `json:"request_payload" gorm:"type:text"`

	ResponseBody    string `json:"response_payload" gorm:"type:text"`
	ResponseHeaders string `json:"headers" gorm:"type:text"`

	Error string `json:"error" gorm:"type:text"`
}

func (OpenRouterAPILog) TableName() string {
	return "openrouter_api_logs"
}

// InteractionLog records every command received, from either platform
type InteractionLog struct {
	ModelUintID
	Platform      Platform `json:"platform" gorm:"size:16;not null"`
	InteractionID string   `json:"interaction_id" gorm:"size:64"`
	Type          string   `json:"type" gorm:"size:64"`
	Command       string   `json:"command" gorm:"size:100"`
	UserID        string   `json:"user_id" gorm:"size:32;not null"`
	Username      string   `json:"username" gorm:"size:100"`
	GuildID       string   `json:"guild_id" gorm:"size:32"`
	ChannelID     string   `json:"channel_id" gorm:"size:32"`
	Payload       string   `json:"payload" gorm:"type:text"`
	CreatedAt     int64    `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "unknown"
	}
	return time.UnixMilli(ms).UTC().Format(timestampLayout)
}
