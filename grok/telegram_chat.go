package grok

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lmittmann/tint"
)

// mentionsBot reports whether the message @mentions the bot
func (t *Telegram) mentionsBot(msg *tgbotapi.Message) bool {
	if t.self.UserName == "" {
		return false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(t.self.UserName))
}

// stripTelegramMention removes @username mentions of the bot
func stripTelegramMention(text string, username string) string {
	if username == "" {
		return strings.TrimSpace(text)
	}
	mention := "@" + username
	idx := strings.Index(strings.ToLower(text), strings.ToLower(mention))
	for idx >= 0 {
		text = text[:idx] + text[idx+len(mention):]
		idx = strings.Index(strings.ToLower(text), strings.ToLower(mention))
	}
	return strings.TrimSpace(text)
}

// largestPhoto returns the highest resolution size of a photo
func largestPhoto(sizes []tgbotapi.PhotoSize) (tgbotapi.PhotoSize, bool) {
	if len(sizes) == 0 {
		return tgbotapi.PhotoSize{}, false
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best, true
}

func (t *Telegram) messageImages(ctx context.Context, msg *tgbotapi.Message) []ImageAttachment {
	photo, ok := largestPhoto(msg.Photo)
	if !ok {
		return nil
	}
	logger := loggerFrom(ctx, t.logger)
	url, err := t.api.GetFileDirectURL(photo.FileID)
	if err != nil {
		logger.WarnContext(ctx, "error getting photo URL", tint.Err(err))
		return nil
	}
	img, err := fetchImage(ctx, t.httpClient, url, "image/jpeg")
	if err != nil {
		logger.WarnContext(ctx, "error downloading photo", tint.Err(err))
		return nil
	}
	return []ImageAttachment{img}
}

// replyChain returns the message being replied to, as history. The bot
// API only includes one level of replies.
func (t *Telegram) replyChain(msg *tgbotapi.Message) []ChatMessage {
	reply := msg.ReplyToMessage
	if reply == nil || reply.From == nil {
		return nil
	}
	text := reply.Text
	if text == "" {
		text = reply.Caption
	}
	return []ChatMessage{
		{
			ID:        int64(reply.MessageID),
			AuthorID:  strconv.FormatInt(reply.From.ID, 10),
			Content:   stripTelegramMention(text, t.self.UserName),
			Timestamp: reply.Time(),
		},
	}
}

// statusSender posts tool status lines as replies, in legacy markdown
// with italics in place of bold
func (t *Telegram) statusSender(chatID int64, replyTo int) StatusFunc {
	return func(_ context.Context, status string) error {
		msg := tgbotapi.NewMessage(chatID, strings.ReplaceAll(status, "*", "_"))
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.ReplyToMessageID = replyTo
		_, err := t.api.Send(msg)
		return err
	}
}

// sendChunks sends reply in chunks, each as a reply to replyTo, and
// returns the ID of the last message sent
func (t *Telegram) sendChunks(chatID int64, replyTo int, reply string) (int, error) {
	var lastID int
	for _, chunk := range ChunkText(reply, telegramChunkSize) {
		sent, err := t.sendMarkdown(chatID, replyTo, chunk, nil)
		if err != nil {
			return lastID, fmt.Errorf("error sending reply: %w", err)
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

// handleMessage responds to messages that reply to the bot or mention it
func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil || msg.From.IsBot || msg.Chat == nil {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" && len(msg.Photo) == 0 {
		return nil
	}

	isReply := msg.ReplyToMessage != nil
	if isReply && (msg.ReplyToMessage.From == nil || msg.ReplyToMessage.From.ID != t.self.ID) {
		return nil
	}
	if !isReply && !t.mentionsBot(msg) {
		return nil
	}
	if t.bot.RuntimeConfig().Paused {
		return nil
	}

	chatID := msg.Chat.ID
	key := chatKey(chatID)
	userID := senderKey(msg)
	logger := loggerFrom(ctx, t.logger).With("chat_id", chatID, "user_id", userID)
	ctx = WithLogger(ctx, logger)

	text = stripTelegramMention(text, t.self.UserName)
	if text == "" {
		text = emptyMentionText
	}

	t.sendTyping(ctx, chatID)

	prior := t.replyChain(msg)
	botID := strconv.FormatInt(t.self.ID, 10)
	history := BuildMessageHistory(prior, botID, maxHistoryMessages)
	if len(prior) > 0 {
		if _, err := t.bot.chat.CheckAndResetPersona(
			ctx,
			key,
			prior[len(prior)-1].Timestamp,
			msg.Time(),
		); err != nil {
			logger.ErrorContext(ctx, "error resetting persona", tint.Err(err))
		}
	}

	summary, err := t.bot.admin.ChannelSummary(ctx, key)
	if err != nil {
		logger.ErrorContext(ctx, "error loading summary", tint.Err(err))
	}
	var summaryText string
	if summary != nil {
		summaryText = summary.Content
	}

	userMessage := fmt.Sprintf("[%s]: %s", userID, text)
	reply := t.bot.chat.GenerateReply(
		ctx,
		GenerateRequest{
			SystemPrompt: t.bot.chat.BuildSystemPrompt(
				t.bot.personas.GuildPersonaPrompt(ctx, key),
				PlatformTelegram,
				summaryText,
				"",
			),
			UserMessage: userMessage,
			UserContent: t.bot.chat.BuildUserContent(ctx, text, userID, t.messageImages(ctx, msg)),
			History:     history,
		},
		t.statusSender(chatID, msg.MessageID),
		map[string]any{"context": "Telegram chat", "chat_id": chatID, "user_id": userID},
	)

	lastID, err := t.sendChunks(chatID, msg.MessageID, reply)
	if err != nil {
		return err
	}

	t.bot.chat.SummarizeIfNeeded(
		ctx,
		PlatformTelegram,
		key,
		summary,
		append(
			history,
			HistoryMessage{ID: int64(msg.MessageID), Role: roleUser, Content: userMessage},
			HistoryMessage{ID: int64(lastID), Role: roleAssistant, Content: reply},
		),
	)
	return nil
}

// handleChat answers /chat <prompt> with the chat's persona and no
// history
func (t *Telegram) handleChat(ctx context.Context, msg *tgbotapi.Message) error {
	prompt := strings.TrimSpace(msg.CommandArguments())
	if prompt == "" {
		_, err := t.sendText(msg.Chat.ID, 0, "Usage: /chat <your message>")
		return err
	}
	if t.bot.RuntimeConfig().Paused {
		return nil
	}
	t.sendTyping(ctx, msg.Chat.ID)

	userID := senderKey(msg)
	reply := t.bot.chat.GenerateReply(
		ctx,
		GenerateRequest{
			SystemPrompt: t.bot.chat.BuildSystemPrompt(
				t.bot.personas.GuildPersonaPrompt(ctx, chatKey(msg.Chat.ID)),
				PlatformTelegram,
				"",
				"",
			),
			UserMessage: fmt.Sprintf("[%s]: %s", userID, prompt),
		},
		t.statusSender(msg.Chat.ID, msg.MessageID),
		map[string]any{"context": "Telegram /chat", "chat_id": msg.Chat.ID, "user_id": userID},
	)
	_, err := t.sendChunks(msg.Chat.ID, msg.MessageID, reply)
	return err
}
