package grok

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordCommandChat          = "chat"
	DiscordCommandPersona       = "persona"
	DiscordCommandAnalyzeEmojis = "analyze_emojis"
	DiscordCommandAdmin         = "admin"
	DiscordCommandDigest        = "digest"

	personaSelectCustomID = "persona_select"
	personaModalCustomID  = "persona_create_modal"
	personaModalInputID   = "persona_description"

	personaModalMinLength = 10
	personaModalMaxLength = 1000
)

var discordAdminPermission int64 = discordgo.PermissionAdministrator

// discordCommands returns the application commands registered with
// discord
func discordCommands() []*discordgo.ApplicationCommand {
	dmPermission := false
	limitMin := float64(1)
	idMin := float64(1)

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordCommandChat,
			Description: "Start a new chat thread with Grok",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "What do you want to ask?",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordCommandPersona,
			Description: "Manage the bot's persona",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "switch",
					Description: "Switch the bot's persona for this server",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "create",
					Description: "Create a new persona from a description",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "delete",
					Description: "Delete a custom persona",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:         discordgo.ApplicationCommandOptionString,
							Name:         "name",
							Description:  "Name of the persona to delete",
							Required:     true,
							Autocomplete: true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "current",
					Description: "Show the active persona",
				},
			},
		},
		{
			Name:                     DiscordCommandAnalyzeEmojis,
			Description:              "Analyze this server's custom emojis (Admin only)",
			DefaultMemberPermissions: &discordAdminPermission,
			DMPermission:             &dmPermission,
		},
		{
			Name:                     DiscordCommandAdmin,
			Description:              "Administrative and debugging tools",
			DefaultMemberPermissions: &discordAdminPermission,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        "memory",
					Description: "Manage AI memory and context",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "view",
							Description: "View the current long-term memory for a channel",
							Options:     []*discordgo.ApplicationCommandOption{discordChannelOption()},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "clear",
							Description: "Clear the long-term memory for a channel",
							Options:     []*discordgo.ApplicationCommandOption{discordChannelOption()},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        "logs",
					Description: "Inspect and manage error logs",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "view",
							Description: "View recent error logs",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionInteger,
									Name:        "limit",
									Description: "Number of logs to show (1-20)",
									MinValue:    &limitMin,
									MaxValue:    maxErrorLogLimit,
								},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "clear",
							Description: "Clear all error logs",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "details",
							Description: "View full details for a specific error ID",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionInteger,
									Name:        "error_id",
									Description: "The error ID",
									Required:    true,
									MinValue:    &idMin,
								},
							},
						},
					},
				},
			},
		},
		digestCommand(),
	}
}

func discordChannelOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         "channel",
		Description:  "Target channel (defaults to the current channel)",
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
	}
}

// discordCommandPath returns the full command name of the interaction
// (ex: "admin logs view") and the options of the innermost subcommand
func discordCommandPath(
	data discordgo.ApplicationCommandInteractionData,
) (string, []*discordgo.ApplicationCommandInteractionDataOption) {
	parts := []string{data.Name}
	options := data.Options
	for len(options) > 0 {
		first := options[0]
		if first.Type != discordgo.ApplicationCommandOptionSubCommandGroup &&
			first.Type != discordgo.ApplicationCommandOptionSubCommand {
			break
		}
		parts = append(parts, first.Name)
		options = first.Options
	}
	return strings.Join(parts, " "), options
}

// discordGuildKey returns the key used for per-guild settings: the guild
// ID, or the channel ID for DMs
func discordGuildKey(i *discordgo.InteractionCreate) string {
	if i.GuildID != "" {
		return i.GuildID
	}
	return i.ChannelID
}

func (d *Discord) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := d.logger.With(interactionLogAttrs(*i)...)

	u := getDiscordUser(i)
	if u == nil {
		logger.WarnContext(ctx, "no user found for interaction")
		return
	}
	if u.Bot {
		logger.WarnContext(ctx, "ignoring bot interaction", "user_id", u.ID)
		return
	}
	logger = logger.With("user_id", u.ID, "username", u.Username)
	ctx = WithLogger(ctx, logger)

	var command string
	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
		command, _ = discordCommandPath(i.ApplicationCommandData())
	case discordgo.InteractionMessageComponent:
		command = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		command = i.ModalSubmitData().CustomID
	}

	defer d.bot.handleRecover(
		ctx,
		map[string]any{"context": "Discord command", "command": command, "guild_id": i.GuildID},
	)

	if i.Type != discordgo.InteractionApplicationCommandAutocomplete {
		logger.InfoContext(ctx, "received interaction", "command", command)
		if rec, err := newDiscordInteractionLog(i, u, command); err != nil {
			logger.ErrorContext(ctx, "error building interaction log", tint.Err(err))
		} else if _, err = d.bot.writeDB.Create(ctx, rec); err != nil {
			logger.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
		}
	}

	r := &discordInteraction{session: d.session, interaction: i, logger: logger}

	var err error
	switch i.Type {
	case discordgo.InteractionPing:
		err = d.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		err = d.handleApplicationCommand(ctx, r, u)
	case discordgo.InteractionApplicationCommandAutocomplete:
		err = d.handleAutocomplete(ctx, r, u)
	case discordgo.InteractionMessageComponent:
		err = d.handleMessageComponent(ctx, r)
	case discordgo.InteractionModalSubmit:
		err = d.handleModalSubmit(ctx, r, u)
	default:
		logger.WarnContext(ctx, "unknown interaction type", "type", i.Type.String())
	}

	if err != nil {
		logger.ErrorContext(ctx, "error handling interaction", "command", command, tint.Err(err))
		d.bot.errorLogger.LogError(
			ctx,
			err,
			map[string]any{"context": "Discord command", "command": command, "guild_id": i.GuildID},
		)
		if i.Type != discordgo.InteractionApplicationCommandAutocomplete {
			_ = r.reply(ctx, discordCommandErrorText, true)
		}
	}
}

func (d *Discord) handleApplicationCommand(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
) error {
	path, options := discordCommandPath(r.interaction.ApplicationCommandData())
	opts := discordInteractionOptions(options)

	switch path {
	case DiscordCommandChat:
		return d.handleChatCommand(ctx, r, u, opts)
	case "persona switch":
		return d.handlePersonaSwitch(ctx, r)
	case "persona create":
		return d.handlePersonaCreate(ctx, r)
	case "persona delete":
		return d.handlePersonaDelete(ctx, r, opts)
	case "persona current":
		return d.handlePersonaCurrent(ctx, r)
	case DiscordCommandAnalyzeEmojis:
		return d.handleAnalyzeEmojis(ctx, r)
	case "admin memory view":
		return d.handleMemoryView(ctx, r, opts)
	case "admin memory clear":
		return d.handleMemoryClear(ctx, r, opts)
	case "admin logs view":
		return d.handleLogsView(ctx, r, opts)
	case "admin logs clear":
		return d.handleLogsClear(ctx, r)
	case "admin logs details":
		return d.handleLogsDetails(ctx, r, opts)
	}
	if strings.HasPrefix(path, DiscordCommandDigest) {
		return d.handleDigestCommand(ctx, r, u, path, opts)
	}
	return fmt.Errorf("unknown command: %q", path)
}

func (d *Discord) handleAutocomplete(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
) error {
	path, options := discordCommandPath(r.interaction.ApplicationCommandData())
	var focused string
	for _, opt := range options {
		if opt.Focused {
			focused, _ = opt.Value.(string)
		}
	}
	focused = strings.ToLower(strings.TrimSpace(focused))

	var names []string
	switch path {
	case "persona delete":
		personas, err := d.bot.personas.DeletablePersonas(ctx)
		if err != nil {
			return err
		}
		for _, p := range personas {
			names = append(names, p.Name)
		}
	case "digest topics remove":
		topics, err := d.bot.digests.UserTopics(ctx, u.ID, discordGuildKey(r.interaction))
		if err != nil {
			return err
		}
		names = topics
	}

	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		if focused != "" && !strings.Contains(strings.ToLower(name), focused) {
			continue
		}
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: truncate(name, 100), Value: name},
		)
		if len(choices) == discordSelectMaxOptions {
			break
		}
	}
	return d.session.InteractionRespond(
		r.interaction.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
		discordgo.WithContext(ctx),
	)
}

func (d *Discord) handleMessageComponent(ctx context.Context, r *discordInteraction) error {
	data := r.interaction.MessageComponentData()
	switch data.CustomID {
	case personaSelectCustomID:
		return d.handlePersonaSelected(ctx, r, data.Values)
	}
	return fmt.Errorf("unknown component: %q", data.CustomID)
}

func (d *Discord) handleModalSubmit(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
) error {
	data := r.interaction.ModalSubmitData()
	switch data.CustomID {
	case personaModalCustomID:
		return d.handlePersonaModal(ctx, r, u, modalTextValue(data, personaModalInputID))
	}
	return fmt.Errorf("unknown modal: %q", data.CustomID)
}

// requireAdmin responds with the denial text and returns false when the
// invoking member isn't a guild administrator
func (d *Discord) requireAdmin(ctx context.Context, r *discordInteraction) bool {
	if isDiscordAdmin(r.interaction) {
		return true
	}
	_ = r.respond(ctx, discordAdminDeniedText, true)
	return false
}

func (d *Discord) handlePersonaSwitch(ctx context.Context, r *discordInteraction) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	personas, err := d.bot.personas.AllPersonas(ctx)
	if err != nil {
		return err
	}
	if len(personas) == 0 {
		return r.respond(ctx, "No personas found!", true)
	}
	if len(personas) > discordSelectMaxOptions {
		personas = personas[:discordSelectMaxOptions]
	}

	options := make([]discordgo.SelectMenuOption, 0, len(personas))
	for _, p := range personas {
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:       truncate(p.Name, discordSelectDescLimit),
				Value:       strconv.FormatUint(uint64(p.ID), 10),
				Description: ellipsize(p.Description, discordSelectDescLimit),
			},
		)
	}
	return r.respondData(
		ctx,
		&discordgo.InteractionResponseData{
			Content: "🎭 **Choose a Persona**:",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.SelectMenu{
							MenuType:    discordgo.StringSelectMenu,
							CustomID:    personaSelectCustomID,
							Placeholder: "Select a persona...",
							Options:     options,
						},
					},
				},
			},
		},
	)
}

func (d *Discord) handlePersonaSelected(
	ctx context.Context,
	r *discordInteraction,
	values []string,
) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	if len(values) == 0 {
		return errors.New("no persona selected")
	}
	id, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid persona id %q: %w", values[0], err)
	}
	persona, err := d.bot.personas.PersonaByID(ctx, uint(id))
	if err != nil {
		return err
	}
	if persona == nil {
		return r.respond(ctx, "❌ Persona not found.", true)
	}
	if err = d.bot.personas.SetGuildPersona(ctx, discordGuildKey(r.interaction), persona.ID); err != nil {
		return err
	}
	return r.respond(ctx, fmt.Sprintf("✅ Switched persona to **%s**!", persona.Name), false)
}

func (d *Discord) handlePersonaCreate(ctx context.Context, r *discordInteraction) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	return r.respondModal(
		ctx,
		discordModalResponse(
			personaModalCustomID,
			personaModalInputID,
			"Create New Persona",
			"Describe the Persona",
			"e.g. A sarcastic 1990s hacker who loves coffee...",
			personaModalMinLength,
			personaModalMaxLength,
		),
	)
}

func (d *Discord) handlePersonaModal(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
	description string,
) error {
	if err := r.deferResponse(ctx, false); err != nil {
		return err
	}
	persona, err := d.bot.personas.CreatePersona(ctx, description, u.ID)
	if err != nil {
		return r.edit(ctx, "❌ Creation failed: "+err.Error())
	}
	return r.editEmbed(
		ctx,
		&discordgo.MessageEmbed{
			Title: "✨ Persona Created",
			Color: discordColorGreen,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Name", Value: persona.Name, Inline: true},
				{Name: "Description", Value: ellipsize(persona.Description, discordEmbedFieldLimit)},
				{Name: "System Prompt", Value: ellipsize(persona.SystemPrompt, discordEmbedFieldLimit)},
			},
		},
	)
}

func (d *Discord) handlePersonaDelete(
	ctx context.Context,
	r *discordInteraction,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	var name string
	if opt, ok := opts["name"]; ok {
		name = opt.StringValue()
	}
	persona, err := d.bot.personas.DeletePersonaByName(ctx, name)
	switch {
	case errors.Is(err, errCannotDeleteStandard):
		return r.respond(ctx, "❌ You cannot delete the default 'Standard' persona.", true)
	case errors.Is(err, errPersonaNotFound):
		return r.respond(ctx, fmt.Sprintf("❌ Persona '%s' not found.", name), true)
	case err != nil:
		return err
	}
	return r.respond(ctx, fmt.Sprintf("🗑️ Deleted persona **%s**.", persona.Name), false)
}

func (d *Discord) handlePersonaCurrent(ctx context.Context, r *discordInteraction) error {
	persona, err := d.bot.personas.CurrentPersona(ctx, discordGuildKey(r.interaction))
	if err != nil {
		return err
	}
	if persona == nil {
		return r.respond(ctx, "🎭 Current Persona: **Standard** (Default)", false)
	}
	return r.respond(
		ctx,
		fmt.Sprintf("🎭 Current Persona: **%s**\n*%s*", persona.Name, persona.Description),
		false,
	)
}

func (d *Discord) handleAnalyzeEmojis(ctx context.Context, r *discordInteraction) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	guildID := r.interaction.GuildID
	if guildID == "" {
		return r.respond(ctx, "❌ This command can only be used in a server.", true)
	}
	if err := r.deferResponse(ctx, false); err != nil {
		return err
	}
	count, err := d.analyzeGuildEmojis(ctx, guildID)
	if err != nil {
		return r.edit(ctx, "❌ Analysis failed: "+err.Error())
	}
	return r.edit(
		ctx,
		fmt.Sprintf("✅ Analysis complete! Processed **%d** new/updated emojis.", count),
	)
}

// analyzeGuildEmojis fetches the guild's emojis and describes any new ones
func (d *Discord) analyzeGuildEmojis(ctx context.Context, guildID string) (int, error) {
	emojis, err := d.session.GuildEmojis(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("error fetching emojis: %w", err)
	}
	return d.bot.emojis.AnalyzeGuildEmojis(ctx, guildID, emojis)
}

// refreshEmojis analyzes new emojis in every guild the bot is in
func (d *Discord) refreshEmojis(ctx context.Context) error {
	if !d.Connected() {
		return nil
	}
	logger := loggerFrom(ctx, d.logger)
	for _, guildID := range d.Guilds() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count, err := d.analyzeGuildEmojis(ctx, guildID)
		if err != nil {
			logger.ErrorContext(ctx, "emoji refresh failed", "guild_id", guildID, tint.Err(err))
			continue
		}
		if count > 0 {
			logger.InfoContext(ctx, "refreshed emojis", "guild_id", guildID, "count", count)
		}
	}
	return nil
}

// targetChannel returns the ID and name of the channel option, or the
// interaction's channel
func (d *Discord) targetChannel(
	ctx context.Context,
	r *discordInteraction,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, string) {
	channelID := r.interaction.ChannelID
	if opt, ok := opts["channel"]; ok {
		if v, isStr := opt.Value.(string); isStr && v != "" {
			channelID = v
		}
	}

	data := r.interaction.ApplicationCommandData()
	if data.Resolved != nil {
		if ch, ok := data.Resolved.Channels[channelID]; ok && ch.Name != "" {
			return channelID, ch.Name
		}
	}
	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil || ch == nil || ch.Name == "" {
		return channelID, channelID
	}
	return channelID, ch.Name
}

func (d *Discord) handleMemoryView(
	ctx context.Context,
	r *discordInteraction,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	channelID, channelName := d.targetChannel(ctx, r, opts)
	summary, err := d.bot.admin.ChannelSummary(ctx, channelID)
	if err != nil {
		return err
	}
	if summary == nil {
		return r.respond(ctx, fmt.Sprintf("🧠 No memory stored for <#%s>.", channelID), true)
	}
	return r.respondData(
		ctx,
		&discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
			Embeds: []*discordgo.MessageEmbed{
				{
					Title: "🧠 Memory for #" + channelName,
					Color: discordColorBlue,
					Fields: []*discordgo.MessageEmbedField{
						{Name: "Summary", Value: ellipsize(summary.Content, discordEmbedFieldLimit)},
					},
					Footer: &discordgo.MessageEmbedFooter{
						Text: "Last updated: " + formatMillis(summary.UpdatedAt),
					},
				},
			},
		},
	)
}

func (d *Discord) handleMemoryClear(
	ctx context.Context,
	r *discordInteraction,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	channelID, _ := d.targetChannel(ctx, r, opts)
	if err := d.bot.admin.ClearChannelSummary(ctx, channelID); err != nil {
		return err
	}
	return r.respond(ctx, fmt.Sprintf("🧹 Memory cleared for <#%s>.", channelID), true)
}

func (d *Discord) handleLogsView(
	ctx context.Context,
	r *discordInteraction,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	limit := defaultErrorLogLimit
	if opt, ok := opts["limit"]; ok {
		limit = int(opt.IntValue())
	}
	if limit < 1 || limit > maxErrorLogLimit {
		limit = defaultErrorLogLimit
	}

	logs, err := d.bot.admin.RecentErrors(ctx, limit)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return r.respond(ctx, "✅ No errors logged.", true)
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(logs))
	for _, l := range logs {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name: fmt.Sprintf("Error #%d", l.ID),
				Value: ellipsize(
					fmt.Sprintf(
						"**Type:** `%s`\n**Msg:** %s\n**Time:** %s",
						l.ErrorType,
						l.Message,
						formatMillis(l.CreatedAt),
					),
					discordEmbedFieldLimit,
				),
			},
		)
	}
	return r.respondData(
		ctx,
		&discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:  fmt.Sprintf("📋 Recent Error Logs (Last %d)", len(logs)),
					Color:  discordColorRed,
					Fields: fields,
				},
			},
		},
	)
}

func (d *Discord) handleLogsClear(ctx context.Context, r *discordInteraction) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	if err := d.bot.admin.ClearAllErrors(ctx); err != nil {
		return err
	}
	return r.respond(ctx, "🔥 All error logs have been cleared.", true)
}

func (d *Discord) handleLogsDetails(
	ctx context.Context,
	r *discordInteraction,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	if !d.requireAdmin(ctx, r) {
		return nil
	}
	var errorID int64
	if opt, ok := opts["error_id"]; ok {
		errorID = opt.IntValue()
	}
	var rec *ErrorLog
	if errorID > 0 {
		var err error
		rec, err = d.bot.admin.ErrorDetails(ctx, uint(errorID))
		if err != nil {
			return err
		}
	}
	if rec == nil {
		return r.respond(ctx, fmt.Sprintf("❌ Error #%d not found.", errorID), true)
	}

	report := FormatErrorReport(*rec)
	if len(report) < discordResponseLimit {
		return r.respond(ctx, "```\n"+report+"\n```", true)
	}
	return r.respondData(
		ctx,
		&discordgo.InteractionResponseData{
			Content: fmt.Sprintf("📄 Error #%d Details:", errorID),
			Flags:   discordgo.MessageFlagsEphemeral,
			Files: []*discordgo.File{
				{
					Name:        "error_details.txt",
					ContentType: "text/plain",
					Reader:      strings.NewReader(report),
				},
			},
		},
	)
}
