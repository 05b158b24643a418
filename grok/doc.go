// Package grok implements a chat bot for Discord and Telegram, backed by
// an OpenAI-compatible model served through OpenRouter.
//
// The bot answers when mentioned (or replied to, on Telegram), using the
// recent channel history, a rolling per-channel summary and the persona
// active in the guild or chat. The model can call tools for web search
// and arithmetic while it composes a reply.
//
// Key components:
//
//   - Bot: wires everything together, and owns startup and shutdown.
//   - Discord and Telegram: the platform integrations.
//   - ChatService: prompts, history, tool calls and summaries.
//   - PersonaService: built-in and generated personas.
//   - DigestService: scheduled per-user news digests.
//   - EmojiManager: descriptions of custom guild emojis, used in prompts.
//   - API: the admin HTTP API.
//
// Settings that can change at runtime (pausing, log levels, rate limits)
// are stored in the database as RuntimeConfig, and reloaded by every
// instance sharing it.
package grok
