package grok

import "time"

// Platform identifies the chat platform a message or command came from
type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

func (p Platform) String() string {
	return string(p)
}

// DisplayName is the capitalized platform name, used in prompts
func (p Platform) DisplayName() string {
	switch p {
	case PlatformDiscord:
		return "Discord"
	case PlatformTelegram:
		return "Telegram"
	default:
		return string(p)
	}
}

// ResponseLimit is the character budget given to the model for a reply
func (p Platform) ResponseLimit() int {
	if p == PlatformTelegram {
		return telegramResponseLimit
	}
	return discordResponseLimit
}

// ChunkSize is the size replies are split into before sending
func (p Platform) ChunkSize() int {
	if p == PlatformTelegram {
		return telegramChunkSize
	}
	return discordChunkSize
}

// SummarizeThreshold is the number of unsummarized messages that triggers
// a summary update
func (p Platform) SummarizeThreshold() int {
	if p == PlatformTelegram {
		return telegramSummarizeThreshold
	}
	return discordSummarizeThreshold
}

const (
	discordMessageLimit  = 2000
	discordResponseLimit = 1900
	discordChunkSize     = 1900

	telegramMessageLimit  = 4096
	telegramResponseLimit = 3900
	telegramChunkSize     = 3900

	// telegramMemoryViewLimit truncates summaries shown by /memory_view
	telegramMemoryViewLimit = 3500

	contextResetThreshold = 24 * time.Hour
	maxHistoryMessages    = 300

	defaultMaxDigestTopics = 10
	maxDigestTopicsLimit   = 50
	maxTopicLength         = 100

	discordSummarizeThreshold  = 10
	telegramSummarizeThreshold = 2

	digestThreadArchiveMinutes = 1440
	digestNowCooldown          = 5 * time.Minute
	digestSearchResults        = 5
	digestHeadlineHistory      = 20
	digestTopicConcurrency     = 3

	maxEmojiContext = 50

	standardPersonaName = "Standard"
	defaultSystemPrompt = "You are a helpful assistant."
	fallbackResponse    = "I'm having trouble thinking right now. Please try again later."
)
