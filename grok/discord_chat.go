package grok

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	maxImageDownloadBytes = 20 << 20
	emptyMentionText      = "Hello!"
)

// parseSnowflake parses a discord ID, returning 0 for anything that
// isn't numeric
func parseSnowflake(id string) int64 {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// stripBotMention removes <@id> and <@!id> mentions of the bot from
// the message
func stripBotMention(content string, botID string) string {
	if botID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// fetchImage downloads an image attachment
func fetchImage(
	ctx context.Context,
	client *http.Client,
	url string,
	contentType string,
) (ImageAttachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ImageAttachment{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ImageAttachment{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return ImageAttachment{}, fmt.Errorf("unexpected status downloading image: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageDownloadBytes))
	if err != nil {
		return ImageAttachment{}, err
	}
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return ImageAttachment{Data: data, ContentType: contentType}, nil
}

func (d *Discord) messageImages(
	ctx context.Context,
	attachments []*discordgo.MessageAttachment,
) []ImageAttachment {
	var images []ImageAttachment
	for _, a := range attachments {
		if a == nil || !strings.HasPrefix(a.ContentType, "image/") {
			continue
		}
		img, err := fetchImage(ctx, d.httpClient, a.URL, a.ContentType)
		if err != nil {
			loggerFrom(ctx, d.logger).WarnContext(
				ctx,
				"error downloading attachment",
				"filename", a.Filename,
				tint.Err(err),
			)
			continue
		}
		images = append(images, img)
	}
	return images
}

// channelHistory pages backwards from beforeID, returning up to limit
// messages oldest first. Messages from other bots are skipped.
func (d *Discord) channelHistory(
	ctx context.Context,
	channelID string,
	beforeID string,
	limit int,
) ([]ChatMessage, error) {
	botID := d.BotUserID()
	var messages []ChatMessage
	for len(messages) < limit {
		pageSize := min(discordMessagePageSize, limit-len(messages))
		page, err := d.session.ChannelMessages(
			channelID,
			pageSize,
			beforeID,
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return messages, fmt.Errorf("error fetching channel history: %w", err)
		}
		for _, m := range page {
			beforeID = m.ID
			if m.Author == nil || (m.Author.Bot && m.Author.ID != botID) {
				continue
			}
			messages = append(
				messages,
				ChatMessage{
					ID:        parseSnowflake(m.ID),
					AuthorID:  m.Author.ID,
					Content:   stripBotMention(m.Content, botID),
					Timestamp: m.Timestamp,
				},
			)
		}
		if len(page) < pageSize {
			break
		}
	}
	slices.Reverse(messages)
	return messages, nil
}

// handleMessage responds to messages mentioning the bot
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.MentionEveryone {
		return
	}
	botID := d.BotUserID()
	if !messageMentionsUser(m.Message, botID) {
		return
	}
	if d.bot.RuntimeConfig().Paused {
		return
	}

	logger := d.logger.With(
		"channel_id", m.ChannelID,
		"guild_id", m.GuildID,
		"message_id", m.ID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)
	logCtx := map[string]any{
		"context":    "Discord on_message",
		"channel_id": m.ChannelID,
		"guild_id":   m.GuildID,
		"user_id":    m.Author.ID,
	}
	defer d.bot.handleRecover(ctx, logCtx)

	text := stripBotMention(m.Content, botID)
	if text == "" {
		text = emptyMentionText
	}

	if err := d.session.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx)); err != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	prior, err := d.channelHistory(ctx, m.ChannelID, m.ID, maxHistoryMessages)
	if err != nil {
		logger.ErrorContext(ctx, "error loading history", tint.Err(err))
	}
	history := BuildMessageHistory(prior, botID, maxHistoryMessages)

	guildKey := m.GuildID
	if guildKey == "" {
		guildKey = m.ChannelID
	}
	if len(prior) > 0 {
		if _, err = d.bot.chat.CheckAndResetPersona(
			ctx,
			guildKey,
			prior[len(prior)-1].Timestamp,
			m.Timestamp,
		); err != nil {
			logger.ErrorContext(ctx, "error resetting persona", tint.Err(err))
		}
	}

	summary, err := d.bot.admin.ChannelSummary(ctx, m.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading summary", tint.Err(err))
	}
	var summaryText string
	if summary != nil {
		summaryText = summary.Content
	}

	var emojiContext string
	if m.GuildID != "" {
		emojiContext = d.bot.emojis.GuildEmojiContext(ctx, m.GuildID)
	}
	systemPrompt := d.bot.chat.BuildSystemPrompt(
		d.bot.personas.GuildPersonaPrompt(ctx, guildKey),
		PlatformDiscord,
		summaryText,
		emojiContext,
	)

	userMessage := fmt.Sprintf("[%s]: %s", m.Author.ID, text)
	reply := d.bot.chat.GenerateReply(
		ctx,
		GenerateRequest{
			SystemPrompt: systemPrompt,
			UserMessage:  userMessage,
			UserContent: d.bot.chat.BuildUserContent(
				ctx,
				text,
				m.Author.ID,
				d.messageImages(ctx, m.Attachments),
			),
			History: history,
		},
		func(ctx context.Context, status string) error {
			_, err := d.session.ChannelMessageSend(m.ChannelID, status, discordgo.WithContext(ctx))
			return err
		},
		logCtx,
	)

	lastSentID, err := d.sendReply(ctx, m.Message, reply)
	if err != nil {
		d.bot.errorLogger.LogError(ctx, err, logCtx)
		return
	}

	d.bot.chat.SummarizeIfNeeded(
		ctx,
		PlatformDiscord,
		m.ChannelID,
		summary,
		append(
			history,
			HistoryMessage{ID: parseSnowflake(m.ID), Role: roleUser, Content: userMessage},
			HistoryMessage{ID: parseSnowflake(lastSentID), Role: roleAssistant, Content: reply},
		),
	)
}

// sendReply sends the reply in chunks, the first as a reply to the
// original message. It returns the ID of the last message sent.
func (d *Discord) sendReply(
	ctx context.Context,
	m *discordgo.Message,
	reply string,
) (string, error) {
	var lastID string
	for idx, chunk := range ChunkText(reply, discordChunkSize) {
		data := &discordgo.MessageSend{Content: chunk}
		if idx == 0 {
			data.Reference = m.Reference()
			data.AllowedMentions = &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{
					discordgo.AllowedMentionTypeUsers,
				},
				RepliedUser: false,
			}
		}
		sent, err := d.session.ChannelMessageSendComplex(
			m.ChannelID,
			data,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return lastID, fmt.Errorf("error sending reply: %w", err)
		}
		if sent != nil {
			lastID = sent.ID
		}
	}
	return lastID, nil
}

// handleChatCommand answers /chat prompt with the guild's persona,
// without channel history
func (d *Discord) handleChatCommand(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if d.bot.RuntimeConfig().Paused {
		return r.respond(ctx, "⏸️ The bot is paused right now.", true)
	}
	var prompt string
	if opt, ok := opts["prompt"]; ok {
		prompt = strings.TrimSpace(opt.StringValue())
	}
	if err := r.deferResponse(ctx, false); err != nil {
		return err
	}

	guildKey := discordGuildKey(r.interaction)
	var emojiContext string
	if r.interaction.GuildID != "" {
		emojiContext = d.bot.emojis.GuildEmojiContext(ctx, r.interaction.GuildID)
	}
	reply := d.bot.chat.GenerateReply(
		ctx,
		GenerateRequest{
			SystemPrompt: d.bot.chat.BuildSystemPrompt(
				d.bot.personas.GuildPersonaPrompt(ctx, guildKey),
				PlatformDiscord,
				"",
				emojiContext,
			),
			UserMessage: fmt.Sprintf("[%s]: %s", u.ID, prompt),
		},
		func(ctx context.Context, status string) error {
			return r.followup(ctx, status)
		},
		map[string]any{
			"context":  "Discord command",
			"command":  DiscordCommandChat,
			"guild_id": r.interaction.GuildID,
		},
	)

	chunks := ChunkText(reply, discordChunkSize)
	if err := r.edit(ctx, chunks[0]); err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		if err := r.followup(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}
