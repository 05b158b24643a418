package grok

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"gorm.io/gorm/clause"
)

const (
	emojiAnalyzerSystemPrompt = "You are an emoji analyzer."
	emojiContextHeader        = "\n[Custom Server Emojis Available - USE THESE NATURALLY]:"
)

// EmojiManager has the model describe custom guild emojis, so they can be
// offered to it in the system prompt
type EmojiManager struct {
	db     DBI
	ai     AIService
	logger *slog.Logger
}

func newEmojiManager(db DBI, ai AIService, logger *slog.Logger) *EmojiManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmojiManager{db: db, ai: ai, logger: logger}
}

func emojiImageURL(e *discordgo.Emoji) string {
	if e.Animated {
		return discordgo.EndpointEmojiAnimated(e.ID)
	}
	return discordgo.EndpointEmoji(e.ID)
}

func emojiDescriptionPrompt(name string) string {
	return fmt.Sprintf(
		"Describe this emoji named ':%s:' in 3-5 words. "+
			"Focus on the emotion or object it represents. Be concise.",
		name,
	)
}

// AnalyzeGuildEmojis describes any of the given emojis that haven't been
// analyzed yet, returning the number saved. Failures for individual
// emojis are logged and skipped.
func (m *EmojiManager) AnalyzeGuildEmojis(
	ctx context.Context,
	guildID string,
	emojis []*discordgo.Emoji,
) (int, error) {
	logger := loggerFrom(ctx, m.logger).With("guild_id", guildID)

	var existingIDs []string
	if err := m.db.DB().WithContext(ctx).Model(&Emoji{}).Where(
		columnGuildID+" = ?",
		guildID,
	).Pluck("emoji_id", &existingIDs).Error; err != nil {
		return 0, fmt.Errorf("error loading existing emojis: %w", err)
	}
	existing := make(map[string]struct{}, len(existingIDs))
	for _, id := range existingIDs {
		existing[id] = struct{}{}
	}

	var newEmojis []*discordgo.Emoji
	for _, e := range emojis {
		if e == nil || e.ID == "" {
			continue
		}
		if _, ok := existing[e.ID]; !ok {
			newEmojis = append(newEmojis, e)
		}
	}
	if len(newEmojis) == 0 {
		return 0, nil
	}
	logger.InfoContext(ctx, "analyzing new emojis", "count", len(newEmojis))

	count := 0
	for _, e := range newEmojis {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		resp := m.ai.GenerateResponse(
			ctx,
			GenerateRequest{
				SystemPrompt: emojiAnalyzerSystemPrompt,
				UserContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: emojiDescriptionPrompt(e.Name),
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: emojiImageURL(e)},
					},
				},
				DisableTools: true,
			},
		)
		description := strings.TrimSpace(resp.Content)
		if description == "" || description == fallbackResponse {
			logger.ErrorContext(ctx, "failed to analyze emoji", "emoji", e.Name)
			continue
		}
		if err := m.saveEmojiDescription(ctx, guildID, e, description); err != nil {
			logger.ErrorContext(ctx, "failed to save emoji", "emoji", e.Name, tint.Err(err))
			continue
		}
		count++
	}
	return count, nil
}

func (m *EmojiManager) saveEmojiDescription(
	ctx context.Context,
	guildID string,
	e *discordgo.Emoji,
	description string,
) error {
	rec := &Emoji{
		EmojiID:      e.ID,
		GuildID:      guildID,
		Name:         e.Name,
		Description:  description,
		Animated:     e.Animated,
		LastAnalyzed: time.Now().UnixMilli(),
	}
	_, err := m.db.Upsert(
		ctx,
		rec,
		clause.OnConflict{
			Columns: []clause.Column{{Name: "emoji_id"}, {Name: columnGuildID}},
			DoUpdates: clause.AssignmentColumns(
				[]string{columnDescription, columnName, "last_analyzed"},
			),
		},
	)
	return err
}

// GuildEmojiContext returns a prompt block listing up to 50 randomly
// chosen analyzed emojis, or an empty string if there are none.
func (m *EmojiManager) GuildEmojiContext(ctx context.Context, guildID string) string {
	var emojis []Emoji
	err := m.db.DB().WithContext(ctx).Where(
		columnGuildID+" = ?",
		guildID,
	).Order("RANDOM()").Limit(maxEmojiContext).Find(&emojis).Error
	if err != nil {
		loggerFrom(ctx, m.logger).ErrorContext(
			ctx,
			"error loading emoji context",
			"guild_id", guildID,
			tint.Err(err),
		)
		return ""
	}
	return formatEmojiContext(emojis)
}

func formatEmojiContext(emojis []Emoji) string {
	if len(emojis) == 0 {
		return ""
	}
	lines := make([]string, 0, len(emojis)+1)
	lines = append(lines, emojiContextHeader)
	for _, e := range emojis {
		lines = append(lines, fmt.Sprintf("- %s : %s", e.Markup(), e.Description))
	}
	return strings.Join(lines, "\n")
}
