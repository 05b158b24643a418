package grok

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lmittmann/tint"
)

const (
	telegramUpdateMessage       = "message"
	telegramUpdateCallbackQuery = "callback_query"

	telegramPersonaCallbackPrefix       = "persona_"
	telegramDeletePersonaCallbackPrefix = "delete_persona_"

	telegramParseEntitiesError = "can't parse entities"
)

// TelegramBotAPI defines the methods of tgbotapi.BotAPI used by the bot,
// to enable testing/mocking.
type TelegramBotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Telegram long-polls the telegram bot API for updates, and routes
// commands, callbacks and chat messages to the bot's services.
type Telegram struct {
	api        TelegramBotAPI
	config     *TelegramConfig
	logger     *slog.Logger
	httpClient *http.Client
	bot        *Bot

	// self is the bot's own telegram user
	self tgbotapi.User
}

func newTelegram(bot *Bot, config *TelegramConfig, httpClient *http.Client, logger *slog.Logger) *Telegram {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Telegram{
		bot:        bot,
		config:     config,
		logger:     logger,
		httpClient: httpClient,
	}
}

// connect authenticates with the bot API, via getMe
func (t *Telegram) connect() error {
	if err := tgbotapi.SetLogger(telegramLogger{logger: t.logger.With(loggerNameKey, "tgbotapi")}); err != nil {
		return fmt.Errorf("error setting telegram logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPIWithClient(t.config.Token, tgbotapi.APIEndpoint, t.httpClient)
	if err != nil {
		return fmt.Errorf("error connecting to telegram: %w", err)
	}
	t.api = api
	t.self = api.Self
	t.logger.Info("authorized on telegram", "username", api.Self.UserName, "id", api.Self.ID)
	return nil
}

// telegramBotCommands is the command list shown in telegram clients
func telegramBotCommands() []tgbotapi.BotCommand {
	return []tgbotapi.BotCommand{
		{Command: "start", Description: "Start the bot"},
		{Command: "help", Description: "Show help message"},
		{Command: "chat", Description: "Chat with AI directly"},
		{Command: "persona", Description: "Switch persona"},
		{Command: "persona_create", Description: "Create new persona"},
		{Command: "persona_delete", Description: "Delete a persona"},
		{Command: "persona_current", Description: "Show current persona"},
		{Command: "digest_add", Description: "Add a news topic"},
		{Command: "digest_remove", Description: "Remove a topic"},
		{Command: "digest_list", Description: "List your topics"},
		{Command: "digest_time", Description: "Set delivery time"},
		{Command: "digest_timezone", Description: "Set timezone"},
		{Command: "digest_now", Description: "Trigger digest now"},
		{Command: "memory_view", Description: "View channel memory"},
		{Command: "memory_clear", Description: "Clear channel memory"},
		{Command: "logs_view", Description: "View error logs"},
		{Command: "logs_clear", Description: "Clear error logs"},
	}
}

// Run registers the bot's commands, then processes updates until ctx is
// done. Each update is handled in its own goroutine, tracked by wg.
func (t *Telegram) Run(ctx context.Context, wg *sync.WaitGroup) error {
	if t.api == nil {
		if err := t.connect(); err != nil {
			return err
		}
	}

	if _, err := t.api.Request(tgbotapi.NewSetMyCommands(telegramBotCommands()...)); err != nil {
		t.logger.WarnContext(ctx, "error setting telegram commands", tint.Err(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.config.PollTimeout
	u.AllowedUpdates = []string{telegramUpdateMessage, telegramUpdateCallbackQuery}
	updates := t.api.GetUpdatesChan(u)
	t.logger.InfoContext(ctx, "polling for telegram updates")

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			t.logger.InfoContext(ctx, "stopped polling telegram updates")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.handleUpdate(ctx, update)
			}()
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	logger := t.logger.With("update_id", update.UpdateID)
	ctx = WithLogger(ctx, logger)
	logCtx := map[string]any{
		"context": "Telegram error_handler",
		"update":  strconv.Itoa(update.UpdateID),
	}
	defer t.bot.handleRecover(ctx, logCtx)

	var err error
	switch {
	case update.CallbackQuery != nil:
		t.logInteraction(ctx, update, "callback_query", update.CallbackQuery.Data)
		err = t.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		t.logInteraction(ctx, update, "command", update.Message.Command())
		err = t.handleCommand(ctx, update.Message)
	case update.Message != nil:
		err = t.handleMessage(ctx, update.Message)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error handling update", tint.Err(err))
		t.bot.errorLogger.LogError(ctx, err, logCtx)
	}
}

// logInteraction records a command or callback in interaction_logs
func (t *Telegram) logInteraction(
	ctx context.Context,
	update tgbotapi.Update,
	interactionType string,
	command string,
) {
	logger := loggerFrom(ctx, t.logger)
	rec := &InteractionLog{
		Platform:      PlatformTelegram,
		InteractionID: strconv.Itoa(update.UpdateID),
		Type:          interactionType,
		Command:       truncate(command, 100),
	}
	if from := update.SentFrom(); from != nil {
		rec.UserID = strconv.FormatInt(from.ID, 10)
		rec.Username = from.UserName
	}
	if chat := update.FromChat(); chat != nil {
		rec.GuildID = strconv.FormatInt(chat.ID, 10)
		rec.ChannelID = rec.GuildID
	}
	if p, err := json.Marshal(update); err == nil {
		rec.Payload = string(p)
	}
	logger.InfoContext(ctx, "received interaction", "type", interactionType, "command", command)
	if _, err := t.bot.writeDB.Create(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
	}
}

func isParseEntitiesError(err error) bool {
	return err != nil && strings.Contains(err.Error(), telegramParseEntitiesError)
}

// sendText sends a plain text message, optionally as a reply
func (t *Telegram) sendText(chatID int64, replyTo int, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	return t.api.Send(msg)
}

// sendMarkdown renders md as telegram HTML and sends it. When telegram
// rejects the markup, it's resent as plain text.
func (t *Telegram) sendMarkdown(
	chatID int64,
	replyTo int,
	md string,
	markup any,
) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, MarkdownToTelegramHTML(md))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyToMessageID = replyTo
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	sent, err := t.api.Send(msg)
	if !isParseEntitiesError(err) {
		return sent, err
	}
	t.logger.Warn("telegram rejected HTML, resending as plain text", tint.Err(err))
	msg.Text = MarkdownToTelegramText(md)
	msg.ParseMode = ""
	return t.api.Send(msg)
}

// editMarkdown replaces the text of a message the bot sent
func (t *Telegram) editMarkdown(chatID int64, messageID int, md string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, MarkdownToTelegramHTML(md))
	edit.ParseMode = tgbotapi.ModeHTML
	_, err := t.api.Request(edit)
	if !isParseEntitiesError(err) {
		return err
	}
	edit.Text = MarkdownToTelegramText(md)
	edit.ParseMode = ""
	_, err = t.api.Request(edit)
	return err
}

func (t *Telegram) sendTyping(ctx context.Context, chatID int64) {
	if _, err := t.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		loggerFrom(ctx, t.logger).WarnContext(ctx, "error sending typing action", tint.Err(err))
	}
}

// telegramKeyboard builds an inline keyboard with one button per row
func telegramKeyboard(buttons []tgbotapi.InlineKeyboardButton) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(b))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// telegramDigestDeliverer sends digests directly to a telegram chat
type telegramDigestDeliverer struct {
	telegram *Telegram
	chatID   int64
}

func (td *telegramDigestDeliverer) BeginDigest(
	_ context.Context,
	header DigestHeader,
) (func(ctx context.Context, section DigestSection) error, error) {
	if _, err := td.telegram.sendMarkdown(
		td.chatID,
		0,
		fmt.Sprintf("📰 **%s!** Here is your Daily Digest for %s", header.Greeting, header.Date),
		nil,
	); err != nil {
		return nil, fmt.Errorf("error sending digest header: %w", err)
	}
	return func(_ context.Context, section DigestSection) error {
		header := fmt.Sprintf("**%s**\n", section.Title)
		size := max(telegramChunkSize-len([]rune(header)), 1)
		for i, chunk := range ChunkText(section.Body, size) {
			text := chunk
			if i == 0 {
				text = header + chunk
			}
			if _, err := td.telegram.sendMarkdown(td.chatID, 0, text, nil); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
