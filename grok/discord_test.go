package grok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBotUserID = "900"
	testGuildID   = "100"
	testChannelID = "200"
	testUserID    = "300"
)

type sentDiscordMessage struct {
	ID        string
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// mockDiscordSession implements DiscordSessionHandler, recording what
// the bot sends
type mockDiscordSession struct {
	mu sync.Mutex

	opened   int
	closed   int
	identify discordgo.Identify
	handlers []any
	statuses []discordgo.UpdateStatusData

	overwrites   []string
	overwriteErr error

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
	sent      []sentDiscordMessage
	threads   []*discordgo.ThreadStart
	typing    []string

	// history holds channel messages, newest first
	history  map[string][]*discordgo.Message
	channels map[string]*discordgo.Channel
	emojis   map[string][]*discordgo.Emoji
	members  map[string]*discordgo.Member

	nextID int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		history:  map[string][]*discordgo.Message{},
		channels: map[string]*discordgo.Channel{},
		emojis:   map[string][]*discordgo.Emoji{},
		members:  map[string]*discordgo.Member{},
		nextID:   5000,
	}
}

func (m *mockDiscordSession) newID() string {
	m.nextID++
	return strconv.Itoa(m.nextID)
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overwriteErr != nil {
		return nil, m.overwriteErr
	}
	m.overwrites = append(m.overwrites, appID+"/"+guildID)
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		cmd := *c
		cmd.ApplicationID = appID
		cmd.GuildID = guildID
		created = append(created, &cmd)
	}
	return created, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, data)
	return nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, newresp)
	return &discordgo.Message{ID: m.newID()}, nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data)
	return &discordgo.Message{ID: m.newID(), Content: data.Content}, nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.sent = append(m.sent, sentDiscordMessage{ID: id, ChannelID: channelID, Content: message})
	return &discordgo.Message{ID: id, ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.sent = append(
		m.sent,
		sentDiscordMessage{
			ID:        id,
			ChannelID: channelID,
			Content:   data.Content,
			Reference: data.Reference,
		},
	)
	return &discordgo.Message{ID: id, ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := m.history[channelID]
	start := 0
	if beforeID != "" {
		for idx, msg := range messages {
			if msg.ID == beforeID {
				start = idx + 1
				break
			}
		}
	}
	if start >= len(messages) {
		return nil, nil
	}
	end := min(start+limit, len(messages))
	return messages[start:end], nil
}

func (m *mockDiscordSession) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, errors.New("unknown channel")
	}
	return ch, nil
}

func (m *mockDiscordSession) MessageThreadStartComplex(
	channelID string,
	_ string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = append(m.threads, data)
	return &discordgo.Channel{
		ID:       "thread-" + strconv.Itoa(len(m.threads)),
		ParentID: channelID,
		Name:     data.Name,
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}, nil
}

func (m *mockDiscordSession) GuildEmojis(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emojis[guildID], nil
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return member, nil
}

func (m *mockDiscordSession) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	return &discordgo.User{ID: userID, Username: "user" + userID}, nil
}

func (m *mockDiscordSession) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *mockDiscordSession) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockDiscordSession) Sent() []sentDiscordMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// lastResponse returns the data of the most recent interaction response
func (m *mockDiscordSession) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.responses, "no interaction responses")
	return m.responses[len(m.responses)-1]
}

func (m *mockDiscordSession) lastEdit(t testing.TB) *discordgo.WebhookEdit {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.edits, "no interaction edits")
	return m.edits[len(m.edits)-1]
}

// newTestDiscordBot returns a bot with discord configured, using a mock
// session
func newTestDiscordBot(t testing.TB, ai *fakeAI) (*Bot, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = testBotUserID
	b := newTestBotWithConfig(t, cfg, ai)
	require.NotNil(t, b.discord)

	session := newMockDiscordSession()
	b.discord.session = session
	b.discord.userID.Store(testBotUserID)
	return b, session
}

func testUser() *discordgo.User {
	return &discordgo.User{ID: testUserID, Username: "tester"}
}

// commandInteraction builds an application command interaction from the
// invoking member's permissions and the command path, with options
// attached to the innermost subcommand
func commandInteraction(
	admin bool,
	path string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	parts := strings.Fields(path)
	data := discordgo.ApplicationCommandInteractionData{Name: parts[0]}

	// subcommand groups, then the subcommand itself
	nested := options
	for idx := len(parts) - 1; idx >= 1; idx-- {
		optType := discordgo.ApplicationCommandOptionSubCommand
		if idx < len(parts)-1 {
			optType = discordgo.ApplicationCommandOptionSubCommandGroup
		}
		nested = []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: parts[idx], Type: optType, Options: nested},
		}
	}
	data.Options = nested

	var perms int64
	if admin {
		perms = discordgo.PermissionAdministrator
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member:    &discordgo.Member{User: testUser(), Permissions: perms},
			Data:      data,
		},
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func TestBot_Run(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = testBotUserID

	b, err := New(cfg)
	require.NoError(t, err)
	b.ai = newFakeAI()
	b.search = &stubSearcher{}
	session := newMockDiscordSession()
	b.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	require.Eventually(
		t,
		func() bool { return session.Opened() == 1 },
		10*time.Second,
		10*time.Millisecond,
	)
	require.Eventually(
		t,
		func() bool { return slices.Contains(b.scheduler.Jobs(), jobDigests) },
		10*time.Second,
		10*time.Millisecond,
	)

	b.signalStop <- struct{}{}

	select {
	case err = <-errCh:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after stop signal")
	}
	assert.Equal(t, 1, session.Closed())
	assert.Equal(t, cfg.Discord.GatewayIntents, session.identify.Intents)
	assert.NotEmpty(t, session.handlers)
}

func TestDiscord_RegisterCommands(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	ctx := context.Background()

	created, err := b.RegisterSlashCommands(ctx)
	require.NoError(t, err)
	assert.Len(t, created, len(discordCommands()))
	assert.Equal(t, []string{testBotUserID + "/"}, session.overwrites)

	b.discord.config.GuildIDs = []string{"g1", "g2"}
	session.overwrites = nil
	created, err = b.RegisterSlashCommands(ctx)
	require.NoError(t, err)
	assert.Len(t, created, 2*len(discordCommands()))
	assert.Equal(t, []string{testBotUserID + "/g1", testBotUserID + "/g2"}, session.overwrites)

	session.overwriteErr = errors.New("rate limited")
	_, err = b.RegisterSlashCommands(ctx)
	assert.ErrorContains(t, err, "rate limited")

	b.discord.config.ApplicationID = ""
	b.discord.userID.Store("")
	_, err = b.RegisterSlashCommands(ctx)
	assert.ErrorContains(t, err, "application ID unknown")
}

func TestDiscord_TargetChannel(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	ctx := context.Background()
	d := b.discord
	session.channels[testChannelID] = &discordgo.Channel{ID: testChannelID, Name: "general"}

	ic := commandInteraction(true, "admin memory view")
	r := &discordInteraction{session: session, interaction: ic, logger: discardLogger()}
	id, name := d.targetChannel(ctx, r, nil)
	assert.Equal(t, testChannelID, id)
	assert.Equal(t, "general", name)

	ic = commandInteraction(true, "admin memory view", &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "channel",
		Type:  discordgo.ApplicationCommandOptionChannel,
		Value: "300",
	})
	data := ic.Data.(discordgo.ApplicationCommandInteractionData)
	data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Channels: map[string]*discordgo.Channel{"300": {ID: "300", Name: "random"}},
	}
	ic.Data = data
	r = &discordInteraction{session: session, interaction: ic, logger: discardLogger()}
	id, name = d.targetChannel(ctx, r, map[string]*discordgo.ApplicationCommandInteractionDataOption{
		"channel": {Name: "channel", Value: "300"},
	})
	assert.Equal(t, "300", id)
	assert.Equal(t, "random", name)

	id, name = d.targetChannel(ctx, r, map[string]*discordgo.ApplicationCommandInteractionDataOption{
		"channel": {Name: "channel", Value: "404"},
	})
	assert.Equal(t, "404", id)
	assert.Equal(t, "404", name)
}

func TestDiscordCommandPath(t *testing.T) {
	i := commandInteraction(true, "admin logs view", intOption("limit", 3))
	path, options := discordCommandPath(i.ApplicationCommandData())
	assert.Equal(t, "admin logs view", path)
	require.Len(t, options, 1)
	assert.Equal(t, int64(3), options[0].IntValue())

	i = commandInteraction(false, "chat", stringOption("prompt", "hi"))
	path, options = discordCommandPath(i.ApplicationCommandData())
	assert.Equal(t, "chat", path)
	require.Len(t, options, 1)
	assert.Equal(t, "hi", options[0].StringValue())
}

func TestDiscord_Handlers(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	d := b.discord

	d.handlerReady()(
		nil,
		&discordgo.Ready{
			SessionID: "s1",
			User:      &discordgo.User{ID: "901", Username: "grok"},
			Guilds:    []*discordgo.Guild{{ID: "g1"}, {ID: "g2"}},
		},
	)
	assert.Equal(t, "901", d.BotUserID())
	assert.ElementsMatch(t, []string{"g1", "g2"}, d.Guilds())

	d.handlerGuildCreate()(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g3"}})
	d.handlerGuildDelete()(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g1"}})
	d.handlerGuildDelete()(
		nil,
		&discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "g2", Unavailable: true}},
	)
	assert.ElementsMatch(t, []string{"g2", "g3"}, d.Guilds())

	// presence is only sent while connected
	require.NoError(t, d.updateStatusComplex(discordPresence(b.RuntimeConfig())))
	assert.Empty(t, session.statuses)

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	require.Len(t, session.statuses, 1)
	assert.Equal(t, string(discordgo.StatusOnline), session.statuses[0].Status)

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	assert.Equal(t, int64(1), d.metricConnects.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscordPresence(t *testing.T) {
	rc := DefaultRuntimeConfig()
	rc.DiscordCustomStatus = "hello"
	status := discordPresence(rc)
	assert.Equal(t, string(discordgo.StatusOnline), status.Status)
	require.Len(t, status.Activities, 1)
	assert.Equal(t, "hello", status.Activities[0].State)

	rc.Paused = true
	status = discordPresence(rc)
	assert.True(t, status.AFK)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), status.Status)
	assert.Empty(t, status.Activities)
}

func TestStripBotMention(t *testing.T) {
	assert.Equal(t, "hello there", stripBotMention("<@900> hello there", "900"))
	assert.Equal(t, "hi", stripBotMention("<@!900> hi <@900>", "900"))
	assert.Equal(t, "<@123> hi", stripBotMention("<@123> hi", "900"))
	assert.Equal(t, "hi", stripBotMention("  hi  ", ""))
}

func TestDiscord_HandleMessage(t *testing.T) {
	ai := newFakeAI()
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	now := time.Now()
	session.history[testChannelID] = []*discordgo.Message{
		{
			ID:        "1003",
			Author:    &discordgo.User{ID: testBotUserID, Bot: true},
			Content:   "earlier answer",
			Timestamp: now.Add(-time.Minute),
		},
		{
			ID:        "1002",
			Author:    &discordgo.User{ID: "777", Bot: true},
			Content:   "another bot",
			Timestamp: now.Add(-2 * time.Minute),
		},
		{
			ID:        "1001",
			Author:    &discordgo.User{ID: testUserID},
			Content:   "<@" + testBotUserID + "> earlier question",
			Timestamp: now.Add(-3 * time.Minute),
		},
	}

	msg := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "1004",
			ChannelID: testChannelID,
			GuildID:   testGuildID,
			Author:    testUser(),
			Content:   "<@" + testBotUserID + "> what's up?",
			Mentions:  []*discordgo.User{{ID: testBotUserID}},
			Timestamp: now,
		},
	}

	b.discord.handleMessage(ctx, msg)

	requests := ai.Requests()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "[300]: what's up?", req.UserMessage)
	assert.Contains(t, req.SystemPrompt, defaultPersonas[0].SystemPrompt)
	assert.Contains(t, req.SystemPrompt, "under 1900 characters to fit in a Discord message")
	assert.Equal(
		t,
		[]HistoryMessage{
			{ID: 1001, Role: roleUser, Content: "[300]: earlier question"},
			{ID: 1003, Role: roleAssistant, Content: "earlier answer"},
		},
		req.History,
	)
	require.Len(t, req.UserContent, 1)
	assert.Equal(t, "[300]: what's up?", req.UserContent[0].Text)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testChannelID, sent[0].ChannelID)
	assert.Equal(t, "echo: [300]: what's up?", sent[0].Content)
	require.NotNil(t, sent[0].Reference)
	assert.Equal(t, "1004", sent[0].Reference.MessageID)
	assert.Equal(t, []string{testChannelID}, session.typing)
}

func TestDiscord_HandleMessage_Ignored(t *testing.T) {
	ai := newFakeAI()
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	base := discordgo.Message{
		ID:        "2001",
		ChannelID: testChannelID,
		GuildID:   testGuildID,
		Author:    testUser(),
		Content:   "hello",
		Timestamp: time.Now(),
	}

	// not mentioned
	notMentioned := base
	b.discord.handleMessage(ctx, &discordgo.MessageCreate{Message: &notMentioned})

	// from a bot
	fromBot := base
	fromBot.Author = &discordgo.User{ID: "777", Bot: true}
	fromBot.Mentions = []*discordgo.User{{ID: testBotUserID}}
	b.discord.handleMessage(ctx, &discordgo.MessageCreate{Message: &fromBot})

	// @everyone
	everyone := base
	everyone.MentionEveryone = true
	everyone.Mentions = []*discordgo.User{{ID: testBotUserID}}
	b.discord.handleMessage(ctx, &discordgo.MessageCreate{Message: &everyone})

	// paused
	rc := b.RuntimeConfig()
	rc.Paused = true
	b.runtimeConfig = &rc
	paused := base
	paused.Mentions = []*discordgo.User{{ID: testBotUserID}}
	b.discord.handleMessage(ctx, &discordgo.MessageCreate{Message: &paused})

	assert.Empty(t, ai.Requests())
	assert.Empty(t, session.Sent())
}

func TestDiscord_HandleMessage_Summarizes(t *testing.T) {
	ai := newFakeAI()
	ai.summary = "they talked about go"
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	now := time.Now()
	var history []*discordgo.Message
	for idx := 20; idx >= 1; idx-- {
		history = append(
			history,
			&discordgo.Message{
				ID:        strconv.Itoa(3000 + idx),
				Author:    &discordgo.User{ID: testUserID},
				Content:   fmt.Sprintf("message %d", idx),
				Timestamp: now.Add(-time.Duration(30-idx) * time.Minute),
			},
		)
	}
	session.history[testChannelID] = history

	b.discord.handleMessage(
		ctx,
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "3100",
				ChannelID: testChannelID,
				GuildID:   testGuildID,
				Author:    testUser(),
				Content:   "<@" + testBotUserID + "> summarize me",
				Mentions:  []*discordgo.User{{ID: testBotUserID}},
				Timestamp: now,
			},
		},
	)

	summary, err := b.admin.ChannelSummary(ctx, testChannelID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "they talked about go", summary.Content)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].ID, strconv.FormatInt(summary.LastMsgID, 10))

	// 20 history messages, the question and the answer
	require.Len(t, ai.summaryCalls, 1)
	assert.Len(t, ai.summaryCalls[0], 22)
}

func TestDiscord_ChatCommand(t *testing.T) {
	ai := newFakeAI()
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	b.discord.handleInteraction(
		ctx,
		commandInteraction(false, DiscordCommandChat, stringOption("prompt", "tell me a joke")),
	)

	require.Len(t, session.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		session.responses[0].Type,
	)
	edit := session.lastEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "echo: [300]: tell me a joke", *edit.Content)

	requests := ai.Requests()
	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].History)

	var logs []InteractionLog
	require.NoError(t, b.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, PlatformDiscord, logs[0].Platform)
	assert.Equal(t, DiscordCommandChat, logs[0].Command)
	assert.Equal(t, testUserID, logs[0].UserID)
	assert.Equal(t, testGuildID, logs[0].GuildID)
}

func TestDiscord_ChatCommand_ToolCall(t *testing.T) {
	ai := newFakeAI(
		AIResponse{
			ToolCalls: []ToolCall{
				{ID: "call-1", Name: toolCalculator, Arguments: map[string]any{"expression": "6*7"}},
			},
		},
		AIResponse{Content: "The answer is 42"},
	)
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	b.discord.handleInteraction(
		ctx,
		commandInteraction(false, DiscordCommandChat, stringOption("prompt", "what's 6*7?")),
	)

	require.Len(t, session.followups, 1)
	assert.Equal(t, "🧮 Calculating: *6*7*...", session.followups[0].Content)
	assert.Equal(t, "The answer is 42", *session.lastEdit(t).Content)

	requests := ai.Requests()
	require.Len(t, requests, 2)
	assert.True(t, requests[1].DisableTools)
	require.NotEmpty(t, requests[1].History)
	last := requests[1].History[len(requests[1].History)-1]
	assert.Equal(t, roleSystem, last.Role)
	assert.Equal(t, "Tool Output for 'calculator':\n42", last.Content)
}

func TestDiscord_ChatCommand_Paused(t *testing.T) {
	ai := newFakeAI()
	b, session := newTestDiscordBot(t, ai)

	rc := b.RuntimeConfig()
	rc.Paused = true
	b.runtimeConfig = &rc

	b.discord.handleInteraction(
		context.Background(),
		commandInteraction(false, DiscordCommandChat, stringOption("prompt", "hi")),
	)
	assert.Empty(t, ai.Requests())
	assert.Equal(t, "⏸️ The bot is paused right now.", session.lastResponse(t).Data.Content)
}

func TestDiscord_PersonaCommands(t *testing.T) {
	ai := newFakeAI()
	ai.byPrompt["Task: Create a Discord bot persona"] = AIResponse{
		Content: "NAME: Pirate\nDESCRIPTION: A salty sea dog.\nPROMPT: You are a pirate. Speak like one.",
	}
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()
	d := b.discord

	t.Run("switch requires admin", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(false, "persona switch"))
		resp := session.lastResponse(t)
		assert.Equal(t, discordAdminDeniedText, resp.Data.Content)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	})

	t.Run("switch lists personas", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(true, "persona switch"))
		resp := session.lastResponse(t)
		require.Len(t, resp.Data.Components, 1)
		row, ok := resp.Data.Components[0].(discordgo.ActionsRow)
		require.True(t, ok)
		menu, ok := row.Components[0].(discordgo.SelectMenu)
		require.True(t, ok)
		assert.Equal(t, personaSelectCustomID, menu.CustomID)
		require.Len(t, menu.Options, len(defaultPersonas))
		assert.Equal(t, standardPersonaName, menu.Options[0].Label)
	})

	t.Run("create", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(true, "persona create"))
		resp := session.lastResponse(t)
		assert.Equal(t, discordgo.InteractionResponseModal, resp.Type)
		assert.Equal(t, personaModalCustomID, resp.Data.CustomID)

		d.handleInteraction(
			ctx,
			&discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					ID:        "modal-1",
					Type:      discordgo.InteractionModalSubmit,
					GuildID:   testGuildID,
					ChannelID: testChannelID,
					Member: &discordgo.Member{
						User:        testUser(),
						Permissions: discordgo.PermissionAdministrator,
					},
					Data: discordgo.ModalSubmitInteractionData{
						CustomID: personaModalCustomID,
						Components: []discordgo.MessageComponent{
							&discordgo.ActionsRow{
								Components: []discordgo.MessageComponent{
									&discordgo.TextInput{
										CustomID: personaModalInputID,
										Value:    "a grumpy pirate captain",
									},
								},
							},
						},
					},
				},
			},
		)

		edit := session.lastEdit(t)
		require.NotNil(t, edit.Embeds)
		embeds := *edit.Embeds
		require.Len(t, embeds, 1)
		assert.Equal(t, "Pirate", embeds[0].Fields[0].Value)

		persona, err := b.personas.personaByName(ctx, "pirate")
		require.NoError(t, err)
		require.NotNil(t, persona)
		assert.Equal(t, testUserID, persona.CreatedBy)
		assert.Equal(t, "You are a pirate. Speak like one.", persona.SystemPrompt)
	})

	t.Run("select", func(t *testing.T) {
		persona, err := b.personas.personaByName(ctx, "Pirate")
		require.NoError(t, err)
		require.NotNil(t, persona)

		d.handleInteraction(
			ctx,
			&discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					ID:        "component-1",
					Type:      discordgo.InteractionMessageComponent,
					GuildID:   testGuildID,
					ChannelID: testChannelID,
					Member: &discordgo.Member{
						User:        testUser(),
						Permissions: discordgo.PermissionAdministrator,
					},
					Data: discordgo.MessageComponentInteractionData{
						CustomID: personaSelectCustomID,
						Values:   []string{strconv.FormatUint(uint64(persona.ID), 10)},
					},
				},
			},
		)
		assert.Equal(t, "✅ Switched persona to **Pirate**!", session.lastResponse(t).Data.Content)
		assert.Equal(t, persona.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, testGuildID))

		d.handleInteraction(ctx, commandInteraction(false, "persona current"))
		assert.Equal(
			t,
			"🎭 Current Persona: **Pirate**\n*A salty sea dog.*",
			session.lastResponse(t).Data.Content,
		)
	})

	t.Run("autocomplete", func(t *testing.T) {
		i := commandInteraction(
			true,
			"persona delete",
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:    "name",
				Type:    discordgo.ApplicationCommandOptionString,
				Value:   "pir",
				Focused: true,
			},
		)
		i.Type = discordgo.InteractionApplicationCommandAutocomplete
		d.handleInteraction(ctx, i)

		resp := session.lastResponse(t)
		assert.Equal(t, discordgo.InteractionApplicationCommandAutocompleteResult, resp.Type)
		require.Len(t, resp.Data.Choices, 1)
		assert.Equal(t, "Pirate", resp.Data.Choices[0].Value)
	})

	t.Run("delete", func(t *testing.T) {
		d.handleInteraction(
			ctx,
			commandInteraction(true, "persona delete", stringOption("name", "standard")),
		)
		assert.Equal(
			t,
			"❌ You cannot delete the default 'Standard' persona.",
			session.lastResponse(t).Data.Content,
		)

		d.handleInteraction(
			ctx,
			commandInteraction(true, "persona delete", stringOption("name", "Nobody")),
		)
		assert.Equal(t, "❌ Persona 'Nobody' not found.", session.lastResponse(t).Data.Content)

		d.handleInteraction(
			ctx,
			commandInteraction(true, "persona delete", stringOption("name", "Pirate")),
		)
		assert.Equal(t, "🗑️ Deleted persona **Pirate**.", session.lastResponse(t).Data.Content)

		// the guild falls back to the default
		d.handleInteraction(ctx, commandInteraction(false, "persona current"))
		assert.Equal(
			t,
			"🎭 Current Persona: **Standard** (Default)",
			session.lastResponse(t).Data.Content,
		)
	})
}

func TestDiscord_AdminCommands(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	ctx := context.Background()
	d := b.discord

	session.channels[testChannelID] = &discordgo.Channel{
		ID:   testChannelID,
		Name: "general",
		Type: discordgo.ChannelTypeGuildText,
	}

	t.Run("memory view empty", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(true, "admin memory view"))
		assert.Equal(
			t,
			"🧠 No memory stored for <#200>.",
			session.lastResponse(t).Data.Content,
		)
	})

	t.Run("memory view", func(t *testing.T) {
		b.chat.UpdateSummary(
			ctx,
			testChannelID,
			"",
			[]HistoryMessage{{ID: 10, Role: roleUser, Content: "hi"}},
		)
		d.handleInteraction(ctx, commandInteraction(true, "admin memory view"))
		resp := session.lastResponse(t)
		require.Len(t, resp.Data.Embeds, 1)
		assert.Equal(t, "🧠 Memory for #general", resp.Data.Embeds[0].Title)
		assert.Equal(t, " + 1 messages", resp.Data.Embeds[0].Fields[0].Value)
	})

	t.Run("memory clear", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(true, "admin memory clear"))
		assert.Equal(t, "🧹 Memory cleared for <#200>.", session.lastResponse(t).Data.Content)
		summary, err := b.admin.ChannelSummary(ctx, testChannelID)
		require.NoError(t, err)
		assert.Nil(t, summary)
	})

	t.Run("logs view empty", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(true, "admin logs view"))
		assert.Equal(t, "✅ No errors logged.", session.lastResponse(t).Data.Content)
	})

	for idx := range 3 {
		b.errorLogger.LogError(ctx, fmt.Errorf("failure %d", idx), map[string]any{"n": idx})
	}

	t.Run("logs view", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(true, "admin logs view", intOption("limit", 2)))
		resp := session.lastResponse(t)
		require.Len(t, resp.Data.Embeds, 1)
		embed := resp.Data.Embeds[0]
		assert.Equal(t, "📋 Recent Error Logs (Last 2)", embed.Title)
		require.Len(t, embed.Fields, 2)
		assert.Contains(t, embed.Fields[0].Value, "failure 2")
		assert.Contains(t, embed.Fields[1].Value, "failure 1")
	})

	t.Run("logs details", func(t *testing.T) {
		logs, err := b.admin.RecentErrors(ctx, 1)
		require.NoError(t, err)
		require.Len(t, logs, 1)

		d.handleInteraction(
			ctx,
			commandInteraction(true, "admin logs details", intOption("error_id", int(logs[0].ID))),
		)
		resp := session.lastResponse(t)
		if len(resp.Data.Files) == 0 {
			assert.Contains(t, resp.Data.Content, "Message: failure 2")
		} else {
			assert.Equal(t, "error_details.txt", resp.Data.Files[0].Name)
		}

		d.handleInteraction(
			ctx,
			commandInteraction(true, "admin logs details", intOption("error_id", 9999)),
		)
		assert.Equal(t, "❌ Error #9999 not found.", session.lastResponse(t).Data.Content)
	})

	t.Run("logs clear", func(t *testing.T) {
		d.handleInteraction(ctx, commandInteraction(false, "admin logs clear"))
		assert.Equal(t, discordAdminDeniedText, session.lastResponse(t).Data.Content)

		d.handleInteraction(ctx, commandInteraction(true, "admin logs clear"))
		assert.Equal(t, "🔥 All error logs have been cleared.", session.lastResponse(t).Data.Content)
		logs, err := b.admin.RecentErrors(ctx, 20)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

func TestDiscord_AnalyzeEmojis(t *testing.T) {
	ai := newFakeAI(AIResponse{Content: "happy smiling face"}, AIResponse{Content: fallbackResponse})
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	session.emojis[testGuildID] = []*discordgo.Emoji{
		{ID: "e1", Name: "smile"},
		{ID: "e2", Name: "dance", Animated: true},
		{Name: "unicode"},
	}

	b.discord.handleInteraction(ctx, commandInteraction(true, DiscordCommandAnalyzeEmojis))
	assert.Equal(
		t,
		"✅ Analysis complete! Processed **1** new/updated emojis.",
		*session.lastEdit(t).Content,
	)

	requests := ai.Requests()
	require.Len(t, requests, 2)
	require.Len(t, requests[0].UserContent, 2)
	assert.Equal(t, discordgo.EndpointEmoji("e1"), requests[0].UserContent[1].ImageURL.URL)
	assert.Equal(t, discordgo.EndpointEmojiAnimated("e2"), requests[1].UserContent[1].ImageURL.URL)

	emojiContext := b.emojis.GuildEmojiContext(ctx, testGuildID)
	assert.Contains(t, emojiContext, "- <:smile:e1> : happy smiling face")
	assert.NotContains(t, emojiContext, "dance")

	// already analyzed emojis are skipped
	count, err := b.discord.analyzeGuildEmojis(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, ai.Requests(), 3)
}

func TestDiscord_DigestCommands(t *testing.T) {
	ai := newFakeAI()
	ai.byPrompt["Topic: golang"] = AIResponse{
		Content: "SECTION_TITLE: Go News\nGo 1.24 is out.\nHEADLINES_COVERED:\n- Go 1.24 released",
	}
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()
	d := b.discord

	session.channels["digest-channel"] = &discordgo.Channel{
		ID:   "digest-channel",
		Name: "digests",
		Type: discordgo.ChannelTypeGuildText,
	}
	session.members[testUserID] = &discordgo.Member{Nick: "Testy", User: testUser()}

	d.handleInteraction(ctx, commandInteraction(false, "digest topics list"))
	assert.Equal(
		t,
		"You have no topics set. Use `/digest topics add` to get started.",
		session.lastResponse(t).Data.Content,
	)

	d.handleInteraction(
		ctx,
		commandInteraction(false, "digest topics add", stringOption("topic", "golang")),
	)
	assert.Equal(t, "✅ Added topic: **golang**", session.lastResponse(t).Data.Content)

	d.handleInteraction(
		ctx,
		commandInteraction(false, "digest topics add", stringOption("topic", "GoLang")),
	)
	assert.Equal(
		t,
		"❌ You already have **GoLang** in your list.",
		session.lastResponse(t).Data.Content,
	)

	d.handleInteraction(ctx, commandInteraction(false, "digest topics list"))
	assert.Equal(t, "**Your Digest Topics:**\n• golang", session.lastResponse(t).Data.Content)

	d.handleInteraction(
		ctx,
		commandInteraction(false, "digest config time", stringOption("time", "9:00")),
	)
	assert.Equal(
		t,
		"❌ Invalid format. Please use HH:MM (e.g., 09:00 or 14:30).",
		session.lastResponse(t).Data.Content,
	)

	d.handleInteraction(
		ctx,
		commandInteraction(false, "digest config timezone", stringOption("timezone", "Europe/London")),
	)
	assert.Equal(t, "✅ Timezone set to **Europe/London**.", session.lastResponse(t).Data.Content)

	d.handleInteraction(
		ctx,
		commandInteraction(false, "digest config max_topics", intOption("limit", 5)),
	)
	assert.Equal(t, discordAdminDeniedText, session.lastResponse(t).Data.Content)

	d.handleInteraction(
		ctx,
		commandInteraction(true, "digest config max_topics", intOption("limit", 5)),
	)
	assert.Equal(t, "✅ Max topics per user set to **5**.", session.lastResponse(t).Data.Content)

	// digest now, before a channel is configured
	d.handleInteraction(ctx, commandInteraction(false, "digest now"))
	assert.Equal(
		t,
		"❌ Could not send digest. Check if you have topics and a configured channel.",
		*session.lastEdit(t).Content,
	)

	d.handleInteraction(
		ctx,
		commandInteraction(
			true,
			"digest config channel",
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  "channel",
				Type:  discordgo.ApplicationCommandOptionChannel,
				Value: "digest-channel",
			},
		),
	)
	assert.Equal(t, "✅ Digest channel set to <#digest-channel>", session.lastResponse(t).Data.Content)

	// still on cooldown from the first attempt
	d.handleInteraction(ctx, commandInteraction(false, "digest now"))
	assert.Contains(t, session.lastResponse(t).Data.Content, "You're on cooldown")

	b.digests.cooldowns.Flush()
	d.handleInteraction(ctx, commandInteraction(false, "digest now"))
	assert.Equal(t, "✅ Digest sent!", *session.lastEdit(t).Content)

	require.Len(t, session.threads, 1)
	assert.Contains(t, session.threads[0].Name, "Daily Digest for Testy - ")
	assert.Equal(t, digestThreadArchiveMinutes, session.threads[0].AutoArchiveDuration)

	sent := session.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "digest-channel", sent[0].ChannelID)
	assert.Contains(t, sent[0].Content, "<@300>!** Here is your Daily Digest for ")
	assert.Equal(t, "thread-1", sent[1].ChannelID)
	assert.Equal(t, "### Go News\nGo 1.24 is out.", sent[1].Content)

	headlines, err := b.digests.recentHeadlines(ctx, testUserID, testGuildID, "golang")
	require.NoError(t, err)
	assert.Equal(t, []string{"Go 1.24 released"}, headlines)

	d.handleInteraction(
		ctx,
		commandInteraction(false, "digest topics remove", stringOption("topic", "golang")),
	)
	assert.Equal(t, "✅ Removed topic: **golang**", session.lastResponse(t).Data.Content)
	topics, err := b.digests.UserTopics(ctx, testUserID, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestDiscord_DigestCommandInDM(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	i := commandInteraction(false, "digest topics list")
	i.GuildID = ""
	b.discord.handleInteraction(context.Background(), i)
	assert.Equal(
		t,
		"❌ Digest commands can only be used in a server.",
		session.lastResponse(t).Data.Content,
	)
}

func TestDiscord_RunDueDigests(t *testing.T) {
	ai := newFakeAI()
	b, session := newTestDiscordBot(t, ai)
	ctx := context.Background()

	session.channels["digest-channel"] = &discordgo.Channel{
		ID:   "digest-channel",
		Type: discordgo.ChannelTypeGuildText,
	}
	require.NoError(t, b.digests.SetDigestChannel(ctx, testGuildID, "digest-channel"))
	_, ok, err := b.digests.AddTopic(ctx, testUserID, testGuildID, "space")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = b.digests.SetDailyTime(ctx, testUserID, testGuildID, "00:00")
	require.NoError(t, err)
	require.True(t, ok)

	// not connected: nothing is sent
	require.NoError(t, b.discord.runDueDigests(ctx))
	assert.Empty(t, session.Sent())

	b.discord.connected.Store(true)
	require.NoError(t, b.discord.runDueDigests(ctx))
	assert.Len(t, session.threads, 1)

	// already sent today
	require.NoError(t, b.discord.runDueDigests(ctx))
	assert.Len(t, session.threads, 1)
}

func TestDiscordDigestMessages(t *testing.T) {
	short := discordDigestMessages(DigestSection{Title: "Go", Body: "body"})
	assert.Equal(t, []string{"### Go\nbody"}, short)

	long := discordDigestMessages(
		DigestSection{Title: "Go", Body: strings.Repeat("word ", 1000)},
	)
	require.Greater(t, len(long), 1)
	assert.True(t, strings.HasPrefix(long[0], "### Go\n"))
	for _, msg := range long {
		assert.LessOrEqual(t, len([]rune(msg)), discordMessageLimit)
	}
}

func TestDiscord_UnknownCommand(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	ctx := context.Background()

	b.discord.handleInteraction(ctx, commandInteraction(false, "nope"))
	assert.Equal(t, discordCommandErrorText, session.lastResponse(t).Data.Content)

	logs, err := b.admin.RecentErrors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, `unknown command: "nope"`, logs[0].Message)
}

func TestDiscord_Ping(t *testing.T) {
	b, session := newTestDiscordBot(t, nil)
	b.discord.handleInteraction(
		context.Background(),
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:   "ping",
				Type: discordgo.InteractionPing,
				User: testUser(),
			},
		},
	)
	assert.Equal(t, discordgo.InteractionResponsePong, session.lastResponse(t).Type)
}
