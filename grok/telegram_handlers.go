package grok

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lmittmann/tint"
)

const (
	telegramStartText = "Hello! I'm Grok, your AI assistant. " +
		"Reply to my messages or mention me to chat!\n\nUse /help to see available commands."

	// telegramHelpText is MarkdownV2
	telegramHelpText = `*Grok Telegram Bot*

Talk to me by replying to my messages or mentioning me\!

*Commands:*
/start \- Start the bot
/help \- Show this help message
/chat \<prompt\> \- Chat with AI directly

*Admin Commands:*
/memory\_view \- View channel memory
/memory\_clear \- Clear channel memory
/logs\_view \- View error logs
/logs\_clear \- Clear error logs

*Persona Commands:*
/persona \- Switch persona
/persona\_create \<description\> \- Create new persona
/persona\_delete \- Delete a persona
/persona\_current \- Show current persona

*Digest Commands:*
/digest\_add \<topic\> \- Add a news topic
/digest\_remove \<topic\> \- Remove a topic
/digest\_list \- List your topics
/digest\_time \<HH:MM\> \- Set delivery time
/digest\_timezone \<tz\> \- Set timezone
/digest\_now \- Trigger digest now`

	telegramAdminDeniedText   = "❌ This command requires admin permissions."
	telegramMenuDeniedText    = "❌ You cannot control this menu."
	telegramButtonDescLimit   = 30
	telegramErrorMessageLimit = 100
)

type telegramCommandFunc func(ctx context.Context, msg *tgbotapi.Message) error

// commands maps each command to its handler. Admin-only handlers are
// wrapped with requireAdmin.
func (t *Telegram) commands() map[string]telegramCommandFunc {
	return map[string]telegramCommandFunc{
		"start":           t.handleStart,
		"help":            t.handleHelp,
		"chat":            t.handleChat,
		"persona":         t.requireAdmin(t.handlePersona),
		"persona_create":  t.requireAdmin(t.handlePersonaCreate),
		"persona_delete":  t.requireAdmin(t.handlePersonaDelete),
		"persona_current": t.handlePersonaCurrent,
		"memory_view":     t.requireAdmin(t.handleMemoryView),
		"memory_clear":    t.requireAdmin(t.handleMemoryClear),
		"logs_view":       t.requireAdmin(t.handleLogsView),
		"logs_clear":      t.requireAdmin(t.handleLogsClear),
		"digest_add":      t.handleDigestAdd,
		"digest_remove":   t.handleDigestRemove,
		"digest_list":     t.handleDigestList,
		"digest_time":     t.handleDigestTime,
		"digest_timezone": t.handleDigestTimezone,
		"digest_now":      t.handleDigestNow,
	}
}

func (t *Telegram) requireAdmin(fn telegramCommandFunc) telegramCommandFunc {
	return func(ctx context.Context, msg *tgbotapi.Message) error {
		if msg.From == nil || !t.config.IsAdmin(msg.From.ID) {
			_, err := t.sendText(msg.Chat.ID, 0, telegramAdminDeniedText)
			return err
		}
		return fn(ctx, msg)
	}
}

func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}
	handler, ok := t.commands()[msg.Command()]
	if !ok {
		loggerFrom(ctx, t.logger).DebugContext(ctx, "ignoring unknown command", "command", msg.Command())
		return nil
	}
	return handler(ctx, msg)
}

func (t *Telegram) handleStart(_ context.Context, msg *tgbotapi.Message) error {
	_, err := t.sendText(msg.Chat.ID, 0, telegramStartText)
	return err
}

func (t *Telegram) handleHelp(_ context.Context, msg *tgbotapi.Message) error {
	help := tgbotapi.NewMessage(msg.Chat.ID, telegramHelpText)
	help.ParseMode = tgbotapi.ModeMarkdownV2
	_, err := t.api.Send(help)
	return err
}

func (t *Telegram) handlePersona(ctx context.Context, msg *tgbotapi.Message) error {
	personas, err := t.bot.personas.AllPersonas(ctx)
	if err != nil {
		return err
	}
	if len(personas) == 0 {
		_, err = t.sendText(msg.Chat.ID, 0, "No personas found!")
		return err
	}
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(personas))
	for _, p := range personas {
		buttons = append(
			buttons,
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s - %s", p.Name, ellipsizeTail(p.Description, telegramButtonDescLimit)),
				fmt.Sprintf("%s%d", telegramPersonaCallbackPrefix, p.ID),
			),
		)
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, "🎭 **Choose a Persona:**", telegramKeyboard(buttons))
	return err
}

// ellipsizeTail keeps the first n characters of s, adding "..." when
// anything was cut
func ellipsizeTail(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return truncate(s, n) + "..."
}

func (t *Telegram) handlePersonaCreate(ctx context.Context, msg *tgbotapi.Message) error {
	input := strings.TrimSpace(msg.CommandArguments())
	if input == "" {
		_, err := t.sendText(
			msg.Chat.ID,
			0,
			"Usage: /persona_create <description>\nExample: /persona_create A sarcastic hacker",
		)
		return err
	}
	if _, err := t.sendText(msg.Chat.ID, 0, "🔄 Creating persona..."); err != nil {
		return err
	}

	persona, err := t.bot.personas.CreatePersona(ctx, input, strconv.FormatInt(msg.From.ID, 10))
	if err != nil {
		_, sendErr := t.sendText(msg.Chat.ID, 0, "❌ "+errPersonaCreateFailed.Error())
		return sendErr
	}
	_, err = t.sendMarkdown(
		msg.Chat.ID,
		0,
		fmt.Sprintf(
			"✨ **Persona Created**\n\n**Name:** %s\n**Description:** %s\n**System Prompt:** %s",
			persona.Name,
			persona.Description,
			persona.SystemPrompt,
		),
		nil,
	)
	return err
}

func (t *Telegram) handlePersonaDelete(ctx context.Context, msg *tgbotapi.Message) error {
	personas, err := t.bot.personas.DeletablePersonas(ctx)
	if err != nil {
		return err
	}
	if len(personas) == 0 {
		_, err = t.sendText(msg.Chat.ID, 0, "No custom personas found to delete.")
		return err
	}
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(personas))
	for _, p := range personas {
		buttons = append(
			buttons,
			tgbotapi.NewInlineKeyboardButtonData(
				"🗑️ "+p.Name,
				fmt.Sprintf("%s%d", telegramDeletePersonaCallbackPrefix, p.ID),
			),
		)
	}
	_, err = t.sendMarkdown(
		msg.Chat.ID,
		0,
		"🗑️ **Select a Persona to Delete:**",
		telegramKeyboard(buttons),
	)
	return err
}

func (t *Telegram) handlePersonaCurrent(ctx context.Context, msg *tgbotapi.Message) error {
	persona, err := t.bot.personas.CurrentPersona(ctx, chatKey(msg.Chat.ID))
	if err != nil {
		return err
	}
	text := "🎭 Current Persona: **Standard** (Default)"
	if persona != nil {
		text = fmt.Sprintf("🎭 Current Persona: **%s**\n_%s_", persona.Name, persona.Description)
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, text, nil)
	return err
}

func (t *Telegram) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if _, err := t.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		loggerFrom(ctx, t.logger).WarnContext(ctx, "error answering callback", tint.Err(err))
	}
	if q.Message == nil || q.Message.Chat == nil {
		return nil
	}
	chatID := q.Message.Chat.ID
	messageID := q.Message.MessageID

	if q.From == nil || !t.config.IsAdmin(q.From.ID) {
		return t.editMarkdown(chatID, messageID, telegramMenuDeniedText)
	}

	switch {
	case strings.HasPrefix(q.Data, telegramDeletePersonaCallbackPrefix):
		id, err := strconv.ParseUint(strings.TrimPrefix(q.Data, telegramDeletePersonaCallbackPrefix), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid callback data %q: %w", q.Data, err)
		}
		name, err := t.bot.personas.DeletePersona(ctx, uint(id))
		switch {
		case errors.Is(err, errCannotDeleteStandard):
			return t.editMarkdown(chatID, messageID, "❌ You cannot delete the default 'Standard' persona.")
		case errors.Is(err, errPersonaNotFound):
			return t.editMarkdown(chatID, messageID, "❌ Persona not found.")
		case err != nil:
			return err
		}
		return t.editMarkdown(chatID, messageID, fmt.Sprintf("🗑️ Deleted persona **%s**.", name))
	case strings.HasPrefix(q.Data, telegramPersonaCallbackPrefix):
		id, err := strconv.ParseUint(strings.TrimPrefix(q.Data, telegramPersonaCallbackPrefix), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid callback data %q: %w", q.Data, err)
		}
		if err = t.bot.personas.SetGuildPersona(ctx, chatKey(chatID), uint(id)); err != nil {
			return err
		}
		name := t.bot.personas.PersonaName(ctx, uint(id))
		return t.editMarkdown(chatID, messageID, fmt.Sprintf("✅ Switched persona to **%s**!", name))
	}
	loggerFrom(ctx, t.logger).WarnContext(ctx, "unknown callback data", "data", q.Data)
	return nil
}

func (t *Telegram) handleMemoryView(ctx context.Context, msg *tgbotapi.Message) error {
	summary, err := t.bot.admin.ChannelSummary(ctx, chatKey(msg.Chat.ID))
	if err != nil {
		return err
	}
	if summary == nil {
		_, err = t.sendText(msg.Chat.ID, 0, "🧠 No memory stored for this chat.")
		return err
	}
	_, err = t.sendMarkdown(
		msg.Chat.ID,
		0,
		fmt.Sprintf(
			"🧠 **Memory for this chat:**\n\n%s\n\n_Last updated: %s_",
			ellipsize(summary.Content, telegramMemoryViewLimit),
			formatMillis(summary.UpdatedAt),
		),
		nil,
	)
	return err
}

func (t *Telegram) handleMemoryClear(ctx context.Context, msg *tgbotapi.Message) error {
	if err := t.bot.admin.ClearChannelSummary(ctx, chatKey(msg.Chat.ID)); err != nil {
		return err
	}
	_, err := t.sendText(msg.Chat.ID, 0, "🧹 Memory cleared for this chat.")
	return err
}

func (t *Telegram) handleLogsView(ctx context.Context, msg *tgbotapi.Message) error {
	limit := defaultErrorLogLimit
	if args := strings.Fields(msg.CommandArguments()); len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			limit = clampErrorLimit(n)
		}
	}
	logs, err := t.bot.admin.RecentErrors(ctx, limit)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		_, err = t.sendText(msg.Chat.ID, 0, "✅ No errors logged.")
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 **Recent Error Logs (Last %d):**\n", len(logs))
	for _, l := range logs {
		fmt.Fprintf(
			&sb,
			"\n**Error #%d**\nType: `%s`\nMsg: %s\nTime: %s\n",
			l.ID,
			l.ErrorType,
			truncate(l.Message, telegramErrorMessageLimit),
			formatMillis(l.CreatedAt),
		)
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, sb.String(), nil)
	return err
}

func (t *Telegram) handleLogsClear(ctx context.Context, msg *tgbotapi.Message) error {
	if err := t.bot.admin.ClearAllErrors(ctx); err != nil {
		return err
	}
	_, err := t.sendText(msg.Chat.ID, 0, "🔥 All error logs have been cleared.")
	return err
}

func (t *Telegram) handleDigestAdd(ctx context.Context, msg *tgbotapi.Message) error {
	topic := strings.TrimSpace(msg.CommandArguments())
	if topic == "" {
		_, err := t.sendText(msg.Chat.ID, 0, "Usage: /digest_add <topic>")
		return err
	}
	reply, ok, err := t.bot.digests.AddTopic(ctx, senderKey(msg), chatKey(msg.Chat.ID), topic)
	if err != nil {
		return err
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, statusReply(reply, ok), nil)
	return err
}

func (t *Telegram) handleDigestRemove(ctx context.Context, msg *tgbotapi.Message) error {
	topic := strings.TrimSpace(msg.CommandArguments())
	if topic == "" {
		_, err := t.sendText(msg.Chat.ID, 0, "Usage: /digest_remove <topic>")
		return err
	}
	if err := t.bot.digests.RemoveTopic(ctx, senderKey(msg), chatKey(msg.Chat.ID), topic); err != nil {
		return err
	}
	_, err := t.sendMarkdown(msg.Chat.ID, 0, fmt.Sprintf("✅ Removed topic: **%s**", topic), nil)
	return err
}

func (t *Telegram) handleDigestList(ctx context.Context, msg *tgbotapi.Message) error {
	topics, err := t.bot.digests.UserTopics(ctx, senderKey(msg), chatKey(msg.Chat.ID))
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		_, err = t.sendText(msg.Chat.ID, 0, "You have no topics set. Use /digest_add to get started.")
		return err
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, "**Your Digest Topics:**\n"+bulletList(topics), nil)
	return err
}

func (t *Telegram) handleDigestTime(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		_, err := t.sendText(msg.Chat.ID, 0, "Usage: /digest_time <HH:MM> (e.g., 09:00)")
		return err
	}
	reply, ok, err := t.bot.digests.SetDailyTime(ctx, senderKey(msg), chatKey(msg.Chat.ID), args[0])
	if err != nil {
		return err
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, statusReply(reply, ok), nil)
	return err
}

func (t *Telegram) handleDigestTimezone(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		_, err := t.sendText(
			msg.Chat.ID,
			0,
			"Usage: /digest_timezone <timezone> (e.g., UTC, America/New_York)",
		)
		return err
	}
	reply, ok, err := t.bot.digests.SetTimezone(ctx, senderKey(msg), chatKey(msg.Chat.ID), args[0])
	if err != nil {
		return err
	}
	_, err = t.sendMarkdown(msg.Chat.ID, 0, statusReply(reply, ok), nil)
	return err
}

func (t *Telegram) handleDigestNow(ctx context.Context, msg *tgbotapi.Message) error {
	userID := senderKey(msg)
	digests := t.bot.digests
	if digests.InProgress(userID) {
		_, err := t.sendText(msg.Chat.ID, 0, "⏳ Your digest is already being generated! Please wait.")
		return err
	}
	if remaining, ok := digests.StartCooldown(userID); !ok {
		_, err := t.sendText(
			msg.Chat.ID,
			0,
			fmt.Sprintf("⏳ You're on cooldown. Try again in %s.", remaining),
		)
		return err
	}
	if _, err := t.sendText(msg.Chat.ID, 0, "🔄 Generating your digest..."); err != nil {
		return err
	}

	err := digests.SendDigest(
		ctx,
		&telegramDigestDeliverer{telegram: t, chatID: msg.Chat.ID},
		chatKey(msg.Chat.ID),
		userID,
	)
	reply := "✅ Digest sent!"
	if err != nil {
		loggerFrom(ctx, t.logger).WarnContext(ctx, "on-demand digest failed", tint.Err(err))
		reply = "❌ Could not send digest. Check if you have topics configured."
	}
	_, err = t.sendText(msg.Chat.ID, 0, reply)
	return err
}

func senderKey(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return ""
	}
	return strconv.FormatInt(msg.From.ID, 10)
}
