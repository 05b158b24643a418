package grok

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func digestCommand() *discordgo.ApplicationCommand {
	dmPermission := false
	maxTopicsMin := float64(1)

	return &discordgo.ApplicationCommand{
		Name:         DiscordCommandDigest,
		Description:  "Manage your daily news digest",
		DMPermission: &dmPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "topics",
				Description: "Manage your digest topics",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "add",
						Description: "Add a topic to your digest",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "topic",
								Description: "The topic to follow",
								Required:    true,
								MaxLength:   maxTopicLength,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "remove",
						Description: "Remove a topic from your digest",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:         discordgo.ApplicationCommandOptionString,
								Name:         "topic",
								Description:  "The topic to remove",
								Required:     true,
								Autocomplete: true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "list",
						Description: "List your digest topics",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "config",
				Description: "Configure digest settings",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "time",
						Description: "Set your daily digest time (24h format, e.g., 09:00)",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "time",
								Description: "Time in HH:MM",
								Required:    true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "timezone",
						Description: "Set your timezone (e.g., UTC, America/New_York)",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "timezone",
								Description: "IANA timezone name",
								Required:    true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "channel",
						Description: "Set the channel where digests will be posted (Admin only)",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:         discordgo.ApplicationCommandOptionChannel,
								Name:         "channel",
								Description:  "The digest channel",
								Required:     true,
								ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "max_topics",
						Description: "Set the maximum number of digest topics per user (Admin only)",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionInteger,
								Name:        "limit",
								Description: "Maximum topics per user (1-50)",
								Required:    true,
								MinValue:    &maxTopicsMin,
								MaxValue:    maxDigestTopicsLimit,
							},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "now",
				Description: "Trigger your daily digest immediately (for testing)",
			},
		},
	}
}

// statusReply prefixes a settings message with ✅ or ❌
func statusReply(msg string, ok bool) string {
	if ok {
		return "✅ " + msg
	}
	return "❌ " + msg
}

func (d *Discord) handleDigestCommand(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
	path string,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	guildID := r.interaction.GuildID
	if guildID == "" {
		return r.respond(ctx, "❌ Digest commands can only be used in a server.", true)
	}
	digests := d.bot.digests

	stringOpt := func(name string) string {
		if opt, ok := opts[name]; ok {
			return opt.StringValue()
		}
		return ""
	}

	switch path {
	case "digest topics add":
		msg, ok, err := digests.AddTopic(ctx, u.ID, guildID, stringOpt("topic"))
		if err != nil {
			return err
		}
		return r.respond(ctx, statusReply(msg, ok), !ok)
	case "digest topics remove":
		topic := stringOpt("topic")
		if err := digests.RemoveTopic(ctx, u.ID, guildID, topic); err != nil {
			return err
		}
		return r.respond(ctx, fmt.Sprintf("✅ Removed topic: **%s**", topic), false)
	case "digest topics list":
		topics, err := digests.UserTopics(ctx, u.ID, guildID)
		if err != nil {
			return err
		}
		if len(topics) == 0 {
			return r.respond(
				ctx,
				"You have no topics set. Use `/digest topics add` to get started.",
				true,
			)
		}
		return r.respond(ctx, "**Your Digest Topics:**\n"+bulletList(topics), false)
	case "digest config time":
		msg, ok, err := digests.SetDailyTime(ctx, u.ID, guildID, stringOpt("time"))
		if err != nil {
			return err
		}
		return r.respond(ctx, statusReply(msg, ok), !ok)
	case "digest config timezone":
		msg, ok, err := digests.SetTimezone(ctx, u.ID, guildID, stringOpt("timezone"))
		if err != nil {
			return err
		}
		return r.respond(ctx, statusReply(msg, ok), !ok)
	case "digest config channel":
		if !d.requireAdmin(ctx, r) {
			return nil
		}
		var channelID string
		if opt, ok := opts["channel"]; ok {
			channelID, _ = opt.Value.(string)
		}
		if channelID == "" {
			return r.respond(ctx, "❌ Please choose a text channel.", true)
		}
		if err := digests.SetDigestChannel(ctx, guildID, channelID); err != nil {
			return err
		}
		return r.respond(ctx, fmt.Sprintf("✅ Digest channel set to <#%s>", channelID), false)
	case "digest config max_topics":
		if !d.requireAdmin(ctx, r) {
			return nil
		}
		var limit int
		if opt, ok := opts["limit"]; ok {
			limit = int(opt.IntValue())
		}
		if limit < 1 || limit > maxDigestTopicsLimit {
			return r.respond(ctx, "❌ Limit must be between 1 and 50.", true)
		}
		if err := digests.SetMaxTopics(ctx, guildID, limit); err != nil {
			return err
		}
		return r.respond(ctx, fmt.Sprintf("✅ Max topics per user set to **%d**.", limit), false)
	case "digest now":
		return d.handleDigestNow(ctx, r, u)
	}
	return fmt.Errorf("unknown digest command: %q", path)
}

func (d *Discord) handleDigestNow(
	ctx context.Context,
	r *discordInteraction,
	u *discordgo.User,
) error {
	digests := d.bot.digests
	if digests.InProgress(u.ID) {
		return r.respond(ctx, "⏳ Your digest is already being generated! Please wait.", true)
	}
	if remaining, ok := digests.StartCooldown(u.ID); !ok {
		return r.respond(
			ctx,
			fmt.Sprintf("⏳ You're on cooldown. Try again in %s.", remaining),
			true,
		)
	}
	if err := r.deferResponse(ctx, true); err != nil {
		return err
	}

	err := digests.SendDigest(ctx, d.digestDeliverer(), r.interaction.GuildID, u.ID)
	switch {
	case err == nil:
		return r.edit(ctx, "✅ Digest sent!")
	case errors.Is(err, ErrDigestInProgress):
		return r.edit(ctx, "⏳ Your digest is already being generated! Please wait.")
	default:
		loggerFrom(ctx, d.logger).WarnContext(ctx, "on-demand digest failed", tint.Err(err))
		return r.edit(
			ctx,
			"❌ Could not send digest. Check if you have topics and a configured channel.",
		)
	}
}

// runDueDigests is the scheduled digest job
func (d *Discord) runDueDigests(ctx context.Context) error {
	if !d.bot.RuntimeConfig().DigestEnabled || !d.Connected() {
		return nil
	}
	if err := d.bot.digests.RunDueDigests(ctx, d.digestDeliverer()); err != nil {
		d.bot.errorLogger.LogError(ctx, err, map[string]any{"context": "digest_loop"})
		return err
	}
	return nil
}

func (d *Discord) digestDeliverer() *discordDigestDeliverer {
	return &discordDigestDeliverer{discord: d}
}

// discordDigestDeliverer posts digests to the guild's digest channel,
// with one thread per digest
type discordDigestDeliverer struct {
	discord *Discord
}

func (dd *discordDigestDeliverer) BeginDigest(
	ctx context.Context,
	header DigestHeader,
) (func(ctx context.Context, section DigestSection) error, error) {
	d := dd.discord
	channelID, err := d.bot.digests.DigestChannelID(ctx, header.GuildID)
	if err != nil {
		return nil, err
	}
	if channelID == "" {
		return nil, ErrNoDigestChannel
	}
	channel, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil || channel == nil || channel.Type != discordgo.ChannelTypeGuildText {
		loggerFrom(ctx, d.logger).WarnContext(
			ctx,
			"digest channel unavailable",
			"channel_id", channelID,
			tint.Err(err),
		)
		return nil, ErrNoDigestChannel
	}

	displayName := header.UserID
	if member, mErr := d.session.GuildMember(
		header.GuildID,
		header.UserID,
		discordgo.WithContext(ctx),
	); mErr == nil {
		if name := discordDisplayName(member, nil); name != "" {
			displayName = name
		}
	}

	start, err := d.session.ChannelMessageSend(
		channelID,
		fmt.Sprintf(
			"📰 **%s, <@%s>!** Here is your Daily Digest for %s",
			header.Greeting,
			header.UserID,
			header.Date,
		),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error posting digest header: %w", err)
	}

	thread, err := d.session.MessageThreadStartComplex(
		channelID,
		start.ID,
		&discordgo.ThreadStart{
			Name: truncate(
				fmt.Sprintf("Daily Digest for %s - %s", displayName, header.Date),
				discordThreadNameLimit,
			),
			AutoArchiveDuration: digestThreadArchiveMinutes,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating digest thread: %w", err)
	}

	return func(ctx context.Context, section DigestSection) error {
		for _, msg := range discordDigestMessages(section) {
			if _, sendErr := d.session.ChannelMessageSend(
				thread.ID,
				msg,
				discordgo.WithContext(ctx),
			); sendErr != nil {
				return sendErr
			}
		}
		return nil
	}, nil
}

// discordDigestMessages splits a section into messages, with the
// "### title" header on the first
func discordDigestMessages(section DigestSection) []string {
	header := fmt.Sprintf("### %s\n", section.Title)
	if len([]rune(header))+len([]rune(section.Body)) <= discordChunkSize {
		return []string{header + section.Body}
	}
	chunks := ChunkText(section.Body, discordChunkSize)
	messages := make([]string, 0, len(chunks)+1)
	if len([]rune(header))+len([]rune(chunks[0])) <= discordMessageLimit {
		messages = append(messages, header+chunks[0])
	} else {
		messages = append(messages, header, chunks[0])
	}
	return append(messages, chunks[1:]...)
}
