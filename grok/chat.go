package grok

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	_ "image/png" // register png decoder
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register webp decoder
	"gorm.io/gorm/clause"
)

const (
	maxImageDimension = 1568
	jpegQuality       = 85

	chatFocusInstruction = "INSTRUCTION: Focus primarily on the user's latest message. " +
		"Use the chat history ONLY for context if relevant. " +
		"If the latest request is unrelated to previous messages, treat it as a new topic. " +
		"Users are identified by [User ID] at the start of their messages. "

	discordAddressingInstruction = " To address a user, use the format <@User ID>. " +
		"Do NOT use their display name in brackets. " +
		"Example: If you see '[12345]: Hello', reply with 'Hi <@12345>!'. "

	discordEmojiInstruction = "Use emojis naturally (about once every 2-3 sentences). " +
		"Use a mix of standard Unicode emojis and the provided Custom Server Emojis. " +
		"Prefer the Custom Emojis when they fit the specific context or emotion perfectly."

	toolFailedMessage = "Tool execution failed. Please try again."
)

// ChatMessage is a platform message used to build conversation history
type ChatMessage struct {
	ID        int64
	AuthorID  string
	Content   string
	Timestamp time.Time
}

// ImageAttachment is a downloaded image to include with the user's
// message
type ImageAttachment struct {
	Data        []byte
	ContentType string
}

// StatusFunc posts a short status line to the conversation while a
// tool runs
type StatusFunc func(ctx context.Context, status string) error

// ChatService holds the conversation logic shared by the Discord and
// Telegram handlers
type ChatService struct {
	db          DBI
	ai          AIService
	tools       *ToolRegistry
	personas    *PersonaService
	errorLogger *ErrorLogger
	logger      *slog.Logger

	now func() time.Time
}

func newChatService(
	db DBI,
	ai AIService,
	tools *ToolRegistry,
	personas *PersonaService,
	errorLogger *ErrorLogger,
	logger *slog.Logger,
) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		db:          db,
		ai:          ai,
		tools:       tools,
		personas:    personas,
		errorLogger: errorLogger,
		logger:      logger,
		now:         time.Now,
	}
}

// BuildSystemPrompt assembles the system prompt from the persona, the
// channel's summary and (on discord) the guild's emoji context
func (c *ChatService) BuildSystemPrompt(
	basePersona string,
	platform Platform,
	summary string,
	emojiContext string,
) string {
	var memoryBlock, emojiBlock string
	if summary != "" {
		memoryBlock = fmt.Sprintf("\n[PREVIOUS CONVERSATION SUMMARY]:\n%s\n", summary)
	}
	if emojiContext != "" {
		emojiBlock = "\n" + emojiContext
	}

	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"Current Date: %s\n%s%s\n%s\n",
		c.now().Format(time.DateOnly),
		basePersona,
		emojiBlock,
		memoryBlock,
	)
	sb.WriteString(chatFocusInstruction)
	fmt.Fprintf(
		&sb,
		"IMPORTANT: Keep your response concise and under %d characters to fit in a %s message.",
		platform.ResponseLimit(),
		platform.DisplayName(),
	)

	if platform == PlatformDiscord {
		sb.WriteString(discordAddressingInstruction)
		if emojiContext != "" {
			sb.WriteString(discordEmojiInstruction)
		}
	}
	return sb.String()
}

// BuildMessageHistory converts messages (oldest first) into model
// history. Only the newest maxMessages are considered, and history stops
// at the first gap longer than contextResetThreshold.
func BuildMessageHistory(messages []ChatMessage, botID string, maxMessages int) []HistoryMessage {
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}

	var reversed []HistoryMessage
	var lastTime time.Time
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if !lastTime.IsZero() && !msg.Timestamp.IsZero() &&
			lastTime.Sub(msg.Timestamp) > contextResetThreshold {
			break
		}
		if !msg.Timestamp.IsZero() {
			lastTime = msg.Timestamp
		}

		role := roleUser
		if msg.AuthorID != "" && msg.AuthorID == botID {
			role = roleAssistant
		}
		content := msg.Content
		if role == roleUser && msg.AuthorID != "" {
			content = fmt.Sprintf("[%s]: %s", msg.AuthorID, content)
		}
		// attachment-only user messages keep their author tag
		if strings.TrimSpace(content) == "" {
			continue
		}
		reversed = append(reversed, HistoryMessage{ID: msg.ID, Role: role, Content: content})
	}

	history := make([]HistoryMessage, len(reversed))
	for i, h := range reversed {
		history[len(reversed)-1-i] = h
	}
	return history
}

// BuildUserContent builds the multimodal user message: the text, tagged
// with the user's ID, followed by any images as JPEG data URLs. Images
// that can't be decoded are logged and skipped.
func (c *ChatService) BuildUserContent(
	ctx context.Context,
	text string,
	userID string,
	images []ImageAttachment,
) []openai.ChatMessagePart {
	parts := []openai.ChatMessagePart{
		{
			Type: openai.ChatMessagePartTypeText,
			Text: fmt.Sprintf("[%s]: %s", userID, text),
		},
	}
	for _, img := range images {
		if !strings.HasPrefix(img.ContentType, "image/") {
			continue
		}
		dataURL, err := imageToDataURL(img.Data)
		if err != nil {
			loggerFrom(ctx, c.logger).ErrorContext(
				ctx,
				"failed to process image",
				"content_type", img.ContentType,
				tint.Err(err),
			)
			continue
		}
		parts = append(
			parts,
			openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
			},
		)
	}
	return parts
}

// imageToDataURL decodes an image (using the middle frame of animated
// GIFs), downscales it to maxImageDimension and re-encodes it as JPEG
func imageToDataURL(data []byte) (string, error) {
	img, err := decodeImage(data)
	if err != nil {
		return "", err
	}
	img = flattenAndResize(img, maxImageDimension)

	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("error encoding jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeImage(data []byte) (image.Image, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unsupported image: %w", err)
	}
	if format == "gif" {
		anim, e := gif.DecodeAll(bytes.NewReader(data))
		if e != nil {
			return nil, e
		}
		return gifFrame(anim, len(anim.Image)/2), nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// gifFrame composites frames 0..index onto a canvas, since later frames
// may only cover part of the image
func gifFrame(anim *gif.GIF, index int) image.Image {
	if len(anim.Image) == 1 {
		return anim.Image[0]
	}
	bounds := image.Rect(0, 0, anim.Config.Width, anim.Config.Height)
	if bounds.Empty() {
		bounds = anim.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	for i := 0; i <= index && i < len(anim.Image); i++ {
		frame := anim.Image[i]
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
	}
	return canvas
}

// flattenAndResize draws img onto a white background, scaling it down
// so neither side exceeds maxDim
func flattenAndResize(img image.Image, maxDim int) image.Image {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	if w > maxDim || h > maxDim {
		if w >= h {
			h = max(1, h*maxDim/w)
			w = maxDim
		} else {
			w = max(1, w*maxDim/h)
			h = maxDim
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst
}

// GenerateReply gets a response for req, running the first requested
// tool call (if any) and generating the final answer from its output
func (c *ChatService) GenerateReply(
	ctx context.Context,
	req GenerateRequest,
	sendStatus StatusFunc,
	logCtx map[string]any,
) string {
	resp := c.ai.GenerateResponse(ctx, req)
	if len(resp.ToolCalls) > 0 {
		return c.HandleToolCalls(ctx, resp, req, sendStatus, logCtx)
	}
	return resp.Content
}

func toolStatusMessage(call ToolCall) string {
	switch call.Name {
	case toolWebSearch:
		query, _ := call.Arguments["query"].(string)
		if query == "" {
			query = "something"
		}
		return fmt.Sprintf("🔎 Searching for: *%s*...", query)
	case toolCalculator:
		expr, _ := call.Arguments["expression"].(string)
		if expr == "" {
			expr = "math"
		}
		return fmt.Sprintf("🧮 Calculating: *%s*...", expr)
	default:
		return fmt.Sprintf("🤖 Using tool: *%s*...", call.Name)
	}
}

// HandleToolCalls runs the first tool call in resp, then regenerates the
// response with the tool output added to the history (and tools
// disabled, so the model can't loop).
func (c *ChatService) HandleToolCalls(
	ctx context.Context,
	resp AIResponse,
	req GenerateRequest,
	sendStatus StatusFunc,
	logCtx map[string]any,
) string {
	if len(resp.ToolCalls) == 0 {
		return resp.Content
	}
	logger := loggerFrom(ctx, c.logger)
	call := resp.ToolCalls[0]

	if sendStatus != nil {
		if err := sendStatus(ctx, toolStatusMessage(call)); err != nil {
			logger.WarnContext(ctx, "error sending tool status", tint.Err(err))
		}
	}

	result, err := c.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		result = toolFailedMessage
		details := map[string]any{
			"context": "Tool Execution",
			"tool":    call.Name,
			"args":    call.Arguments,
		}
		for k, v := range logCtx {
			details[k] = v
		}
		c.errorLogger.LogError(ctx, err, details)
	}

	followUp := req
	followUp.DisableTools = true
	followUp.History = append(
		append([]HistoryMessage{}, req.History...),
		HistoryMessage{
			Role:    roleSystem,
			Content: fmt.Sprintf("Tool Output for '%s':\n%s", call.Name, result),
		},
	)
	return c.ai.GenerateResponse(ctx, followUp).Content
}

// UnsummarizedMessages returns the history messages newer than the
// summary's last message
func UnsummarizedMessages(history []HistoryMessage, summary *ChannelSummary) []HistoryMessage {
	if summary == nil {
		return history
	}
	var rv []HistoryMessage
	for _, h := range history {
		if h.ID > summary.LastMsgID {
			rv = append(rv, h)
		}
	}
	return rv
}

// UpdateSummary folds messages into the channel's summary. Errors are
// logged, and the existing summary is kept.
func (c *ChatService) UpdateSummary(
	ctx context.Context,
	channelID string,
	currentSummary string,
	messages []HistoryMessage,
) {
	if len(messages) == 0 {
		return
	}
	logger := loggerFrom(ctx, c.logger).With("channel_id", channelID)

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}

	newSummary, err := c.ai.SummarizeConversation(ctx, currentSummary, lines)
	if err != nil {
		logger.ErrorContext(ctx, "failed to update summary", tint.Err(err))
		return
	}

	lastMsgID := messages[len(messages)-1].ID
	rec := &ChannelSummary{
		ChannelID: channelID,
		Content:   newSummary,
		LastMsgID: lastMsgID,
	}
	if _, err = c.db.Upsert(
		ctx,
		rec,
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnChannelID}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "last_msg_id", "updated_at"}),
		},
	); err != nil {
		logger.ErrorContext(ctx, "failed to save summary", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "updated summary", "last_msg_id", lastMsgID)
}

// SummarizeIfNeeded updates the channel summary when at least the
// platform's threshold of messages are newer than the summary
func (c *ChatService) SummarizeIfNeeded(
	ctx context.Context,
	platform Platform,
	channelID string,
	summary *ChannelSummary,
	history []HistoryMessage,
) {
	pending := UnsummarizedMessages(history, summary)
	if len(pending) < platform.SummarizeThreshold() {
		return
	}
	current := ""
	if summary != nil {
		current = summary.Content
	}
	c.UpdateSummary(ctx, channelID, current, pending)
}

// CheckAndResetPersona switches the guild back to the Standard persona
// when the conversation has been idle for longer than
// contextResetThreshold. It reports whether the persona was reset.
func (c *ChatService) CheckAndResetPersona(
	ctx context.Context,
	guildID string,
	lastMessage time.Time,
	currentMessage time.Time,
) (bool, error) {
	if lastMessage.IsZero() || currentMessage.Sub(lastMessage) <= contextResetThreshold {
		return false, nil
	}
	if err := c.personas.ResetGuildPersona(ctx, guildID); err != nil {
		if errors.Is(err, errPersonaNotFound) {
			return false, nil
		}
		return false, err
	}
	loggerFrom(ctx, c.logger).InfoContext(
		ctx,
		"reset persona after idle period",
		"guild_id", guildID,
		"idle", currentMessage.Sub(lastMessage).String(),
	)
	return true, nil
}
