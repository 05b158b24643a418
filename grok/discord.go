package grok

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	discordColorBlue  = 0x3498db
	discordColorRed   = 0xe74c3c
	discordColorGreen = 0x2ecc71

	discordEmbedFieldLimit  = 1024
	discordSelectMaxOptions = 25
	discordSelectDescLimit  = 100
	discordThreadNameLimit  = 100
	discordMessagePageSize  = 100

	discordAdminDeniedText  = "❌ This command requires admin permissions."
	discordCommandErrorText = "❌ Something went wrong while running that command."
)

// Discord manages the discord gateway session, and routes interactions
// and mentions to the bot's services.
type Discord struct {
	session    DiscordSessionHandler
	config     *DiscordConfig
	logger     *slog.Logger
	httpClient *http.Client
	bot        *Bot

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// userID is the bot's own user ID, set on READY
	userID atomic.Value

	guildsMu sync.RWMutex
	guilds   map[string]struct{}

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(bot *Bot, config *DiscordConfig, logger *slog.Logger) *Discord {
	d := &Discord{
		bot:                         bot,
		config:                      config,
		logger:                      logger,
		httpClient:                  config.httpClient,
		guilds:                      map[string]struct{}{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
	if d.httpClient == nil {
		d.httpClient = http.DefaultClient
	}
	d.userID.Store(config.ApplicationID)
	return d
}

// newSession initializes a new discordgo session wrapped as a
// DiscordSessionHandler
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// BotUserID returns the bot's discord user ID
func (d *Discord) BotUserID() string {
	v, _ := d.userID.Load().(string)
	return v
}

// Connected reports whether the gateway connection is up
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// Guilds returns the IDs of the guilds the bot has seen via GUILD_CREATE
func (d *Discord) Guilds() []string {
	d.guildsMu.RLock()
	defer d.guildsMu.RUnlock()
	ids := make([]string, 0, len(d.guilds))
	for id := range d.guilds {
		ids = append(ids, id)
	}
	return ids
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.userID.Store(r.User.ID)
		}
		d.guildsMu.Lock()
		for _, g := range r.Guilds {
			d.guilds[g.ID] = struct{}{}
		}
		d.guildsMu.Unlock()

		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, slog.Group("user", "id", r.User.ID, "username", r.User.Username))
		}
		d.logger.Info("Ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")

		if err := d.updateStatusComplex(discordPresence(d.bot.RuntimeConfig())); err != nil {
			d.logger.Error("error setting presence", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

func (d *Discord) handlerGuildCreate() func(s *discordgo.Session, g *discordgo.GuildCreate) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		d.guildsMu.Lock()
		d.guilds[g.ID] = struct{}{}
		d.guildsMu.Unlock()
		d.logger.Debug("guild available", "guild_id", g.ID, "name", g.Name)
	}
}

func (d *Discord) handlerGuildDelete() func(s *discordgo.Session, g *discordgo.GuildDelete) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil || g.Unavailable {
			return
		}
		d.guildsMu.Lock()
		delete(d.guilds, g.ID)
		d.guildsMu.Unlock()
		d.logger.Info("removed from guild", "guild_id", g.ID)
	}
}

// addHandlers registers the gateway event handlers, replacing any added
// previously. Message and interaction handlers run in their own
// goroutine, tracked by wg.
func (d *Discord) addHandlers(ctx context.Context, wg *sync.WaitGroup) {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}

	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerGuildCreate()),
		d.session.AddHandler(d.handlerGuildDelete()),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.handleInteraction(ctx, i)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.handleMessage(ctx, m)
				}()
			},
		),
	}
}

func (d *Discord) updateStatusComplex(data discordgo.UpdateStatusData) error {
	if !d.connected.Load() {
		return nil
	}
	return d.session.UpdateStatusComplex(data)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, either globally or to each configured guild
func (d *Discord) registerCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	appID := d.config.ApplicationID
	if appID == "" {
		appID = d.BotUserID()
	}
	if appID == "" {
		return nil, fmt.Errorf("discord application ID unknown")
	}

	guildIDs := d.config.GuildIDs
	if len(guildIDs) == 0 {
		guildIDs = []string{""}
	}

	var created []*discordgo.ApplicationCommand
	for _, guildID := range guildIDs {
		cmds, err := d.session.ApplicationCommandBulkOverwrite(
			appID,
			guildID,
			discordCommands(),
			options...,
		)
		if err != nil {
			d.logger.ErrorContext(
				ctx,
				"error overwriting discord commands",
				"guild_id", guildID,
				tint.Err(err),
			)
			return created, err
		}
		created = append(created, cmds...)
	}
	d.logger.InfoContext(ctx, "registered commands", "count", len(created))
	return created, nil
}

// DiscordSessionHandler defines the methods of discordgo.Session used by
// the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelTyping(channelID string, opts ...discordgo.RequestOption) error

	Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)

	MessageThreadStartComplex(
		channelID string,
		messageID string,
		data *discordgo.ThreadStart,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	GuildEmojis(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Emoji, error)

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	User(userID string, opts ...discordgo.RequestOption) (*discordgo.User, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "guild_id", guildID)
	}
	return created, nil
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, opts...)
}

func (d DiscordSession) ChannelTyping(channelID string, opts ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, opts...)
}

func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.MessageThreadStartComplex(channelID, messageID, data, opts...)
}

func (d DiscordSession) GuildEmojis(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	return d.session.GuildEmojis(guildID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) User(
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, opts...)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// isDiscordAdmin reports whether the member invoking the interaction has
// the administrator permission in the guild
func isDiscordAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

// discordDisplayName returns the member's nickname, falling back to the
// user's global name and username
func discordDisplayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil && member != nil {
		user = member.User
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

// discordModalResponse returns a discordgo.InteractionResponse containing
// a modal with a single paragraph text input
func discordModalResponse(
	modalID string,
	inputID string,
	title string,
	label string,
	placeholder string,
	minLength int,
	maxLength int,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputID,
							Label:       label,
							Style:       discordgo.TextInputParagraph,
							Placeholder: placeholder,
							Required:    true,
							MinLength:   minLength,
							MaxLength:   maxLength,
						},
					},
				},
			},
		},
	}
}

// modalTextValue returns the value of the text input with the given
// custom ID in a submitted modal
func modalTextValue(data discordgo.ModalSubmitInteractionData, inputID string) string {
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			if input, isInput := rc.(*discordgo.TextInput); isInput && input.CustomID == inputID {
				return input.Value
			}
		}
	}
	return ""
}

// newDiscordInteractionLog builds the interaction_logs record for an
// incoming interaction
func newDiscordInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	command string,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	return &InteractionLog{
		Platform:      PlatformDiscord,
		InteractionID: i.ID,
		Type:          i.Type.String(),
		Command:       command,
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}, nil
}

// discordInteraction wraps an incoming interaction with the session, for
// responding to it
type discordInteraction struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	// acknowledged is set once an initial response (or deferral) was sent
	acknowledged bool
}

func (r *discordInteraction) respondData(
	ctx context.Context,
	data *discordgo.InteractionResponseData,
) error {
	err := r.session.InteractionRespond(
		r.interaction.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		return err
	}
	r.acknowledged = true
	return nil
}

// respond replies to the interaction with a plain message
func (r *discordInteraction) respond(ctx context.Context, content string, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return r.respondData(ctx, data)
}

// deferResponse acknowledges the interaction, showing a loading state
// until edit is called
func (r *discordInteraction) deferResponse(ctx context.Context, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := r.session.InteractionRespond(
		r.interaction.Interaction,
		resp,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return err
	}
	r.acknowledged = true
	return nil
}

// edit replaces the content of a deferred response
func (r *discordInteraction) edit(ctx context.Context, content string) error {
	_, err := r.session.InteractionResponseEdit(
		r.interaction.Interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return err
}

func (r *discordInteraction) editEmbed(ctx context.Context, embed *discordgo.MessageEmbed) error {
	embeds := []*discordgo.MessageEmbed{embed}
	_, err := r.session.InteractionResponseEdit(
		r.interaction.Interaction,
		&discordgo.WebhookEdit{Embeds: &embeds},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return err
}

// followup sends an additional message after the initial response
func (r *discordInteraction) followup(ctx context.Context, content string) error {
	_, err := r.session.FollowupMessageCreate(
		r.interaction.Interaction,
		true,
		&discordgo.WebhookParams{Content: content},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
	}
	return err
}

// respondModal responds to the interaction with a modal
func (r *discordInteraction) respondModal(ctx context.Context, resp *discordgo.InteractionResponse) error {
	err := r.session.InteractionRespond(r.interaction.Interaction, resp, discordgo.WithContext(ctx))
	if err != nil {
		r.logger.ErrorContext(ctx, "error sending modal", tint.Err(err))
		return err
	}
	r.acknowledged = true
	return nil
}

// reply sends content as the response, or as an edit of the deferred
// response when the interaction was already acknowledged
func (r *discordInteraction) reply(ctx context.Context, content string, ephemeral bool) error {
	if r.acknowledged {
		return r.edit(ctx, content)
	}
	return r.respond(ctx, content, ephemeral)
}
