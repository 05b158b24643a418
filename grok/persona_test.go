package grok

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersonaOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		input   string
		want    Persona
	}{
		{
			name: "well formed",
			content: "NAME: Batman\n" +
				"DESCRIPTION: The caped crusader.\n" +
				"PROMPT: You are Batman. Speak in a gravelly voice.",
			input: "batman from the comics",
			want: Persona{
				Name:         "Batman",
				Description:  "The caped crusader.",
				SystemPrompt: "You are Batman. Speak in a gravelly voice.",
			},
		},
		{
			name:    "missing name falls back to input",
			content: "PROMPT: You are a pirate.",
			input:   "pirate captain who loves treasure maps and parrots",
			want: Persona{
				Name:         "pirate",
				Description:  "pirate captain who loves treasure maps and parrots",
				SystemPrompt: "You are a pirate.",
			},
		},
		{
			name:    "garbage",
			content: "I can't do that",
			input:   "",
			want: Persona{
				Name:         "Persona",
				Description:  "",
				SystemPrompt: defaultSystemPrompt,
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				got := parsePersonaOutput(tc.content, tc.input)
				assert.Equal(t, tc.want.Name, got.Name)
				assert.Equal(t, tc.want.Description, got.Description)
				assert.Equal(t, tc.want.SystemPrompt, got.SystemPrompt)
			},
		)
	}
}

func TestParsePersonaOutput_Truncates(t *testing.T) {
	got := parsePersonaOutput(
		"NAME: Averyveryveryveryveryveryveryveryveryveryveryverylongname",
		"x",
	)
	assert.Len(t, []rune(got.Name), personaNameMaxLength)
}

func TestCollisionSuffix(t *testing.T) {
	assert.Equal(t, "6789", collisionSuffix("123456789"))
	assert.Equal(t, "42", collisionSuffix("-42"))
	assert.Equal(t, "wxyz", collisionSuffix("abcwxyz"))
	assert.Equal(t, "ab", collisionSuffix("ab"))
}

func TestPersonaService_AllPersonas(t *testing.T) {
	b := newTestBot(t, nil)
	ctx := context.Background()

	personas, err := b.personas.AllPersonas(ctx)
	require.NoError(t, err)
	require.Len(t, personas, len(defaultPersonas))
	assert.Equal(t, standardPersonaName, personas[0].Name)
	assert.Equal(t, "Coder", personas[1].Name)
	assert.Equal(t, "Storyteller", personas[2].Name)

	deletable, err := b.personas.DeletablePersonas(ctx)
	require.NoError(t, err)
	assert.Len(t, deletable, len(defaultPersonas)-1)
}

func TestPersonaService_CreatePersona(t *testing.T) {
	ai := newFakeAI()
	ai.byPrompt["pirate"] = AIResponse{
		Content: "NAME: Pirate\nDESCRIPTION: Arr.\nPROMPT: You are a pirate.",
	}
	b := newTestBot(t, ai)
	ctx := context.Background()

	created, err := b.personas.CreatePersona(ctx, "a pirate", "123456789")
	require.NoError(t, err)
	assert.Equal(t, "Pirate", created.Name)
	assert.Equal(t, "123456789", created.CreatedBy)
	assert.NotZero(t, created.ID)

	reqs := ai.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, personaGeneratorSystemPrompt, reqs[0].SystemPrompt)
	assert.True(t, reqs[0].DisableTools)
	assert.Contains(t, reqs[0].UserMessage, "User Input: 'a pirate'")

	again, err := b.personas.CreatePersona(ctx, "another pirate", "123456789")
	require.NoError(t, err)
	assert.Equal(t, "Pirate_6789", again.Name)

	found, err := b.personas.personaByName(ctx, "PIRATE")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
}

func TestPersonaService_GuildPersonaPrompt(t *testing.T) {
	b := newTestBot(t, nil)
	ctx := context.Background()
	guildID := "guild-1"

	standard, err := b.personas.personaByName(ctx, standardPersonaName)
	require.NoError(t, err)
	require.NotNil(t, standard)

	current, err := b.personas.CurrentPersona(ctx, guildID)
	require.NoError(t, err)
	assert.Nil(t, current)
	assert.Equal(t, standard.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))

	coder, err := b.personas.personaByName(ctx, "coder")
	require.NoError(t, err)
	require.NotNil(t, coder)

	require.NoError(t, b.personas.SetGuildPersona(ctx, guildID, coder.ID))
	assert.Equal(t, coder.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))

	current, err = b.personas.CurrentPersona(ctx, guildID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "Coder", current.Name)

	// Cached until the persona changes
	require.NoError(
		t,
		b.db.Model(&Persona{}).Where("id = ?", coder.ID).Update("system_prompt", "changed").Error,
	)
	assert.Equal(t, coder.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))

	require.NoError(t, b.personas.ResetGuildPersona(ctx, guildID))
	assert.Equal(t, standard.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))
	assert.Equal(t, standardPersonaName, b.personas.PersonaName(ctx, *mustGuildConfig(t, b, guildID).ActivePersonaID))
}

func TestPersonaService_GuildPersonaPromptCanceledCaller(t *testing.T) {
	b := newTestBot(t, nil)
	coder, err := b.personas.personaByName(context.Background(), "coder")
	require.NoError(t, err)
	require.NoError(t, b.personas.SetGuildPersona(context.Background(), "guild-3", coder.ID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, coder.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, "guild-3"))
}

func TestPersonaService_StalePromptNotCached(t *testing.T) {
	b := newTestBot(t, nil)
	ctx := context.Background()
	guildID := "guild-4"

	coder, err := b.personas.personaByName(ctx, "coder")
	require.NoError(t, err)

	// a load that started before the guild switched personas
	gen := b.personas.promptGeneration()
	require.NoError(t, b.personas.SetGuildPersona(ctx, guildID, coder.ID))
	assert.False(t, b.personas.cachePrompt(guildID, "stale prompt", gen))
	assert.Equal(t, coder.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))

	gen = b.personas.promptGeneration()
	_, err = b.personas.DeletePersonaByName(ctx, "storyteller")
	require.NoError(t, err)
	assert.False(t, b.personas.cachePrompt(guildID, "stale prompt", gen))

	gen = b.personas.promptGeneration()
	assert.True(t, b.personas.cachePrompt(guildID, "fresh prompt", gen))
	assert.Equal(t, "fresh prompt", b.personas.GuildPersonaPrompt(ctx, guildID))
}

func TestPersonaService_DeletePersona(t *testing.T) {
	b := newTestBot(t, nil)
	ctx := context.Background()
	guildID := "guild-2"

	standard, err := b.personas.personaByName(ctx, standardPersonaName)
	require.NoError(t, err)
	_, err = b.personas.DeletePersona(ctx, standard.ID)
	assert.ErrorIs(t, err, errCannotDeleteStandard)

	_, err = b.personas.DeletePersonaByName(ctx, " standard ")
	assert.ErrorIs(t, err, errCannotDeleteStandard)

	_, err = b.personas.DeletePersona(ctx, 9999)
	assert.ErrorIs(t, err, errPersonaNotFound)

	_, err = b.personas.DeletePersonaByName(ctx, "nobody")
	assert.ErrorIs(t, err, errPersonaNotFound)

	coder, err := b.personas.personaByName(ctx, "Coder")
	require.NoError(t, err)
	require.NoError(t, b.personas.SetGuildPersona(ctx, guildID, coder.ID))
	require.NoError(t, b.db.Create(&UserPref{UserID: "u1", PreferredPersonaID: &coder.ID, Verbosity: 5, EmojiLevel: 5}).Error)
	assert.Equal(t, coder.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))

	name, err := b.personas.DeletePersona(ctx, coder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Coder", name)

	assert.Nil(t, mustGuildConfig(t, b, guildID).ActivePersonaID)
	var pref UserPref
	require.NoError(t, b.db.Take(&pref, "user_id = ?", "u1").Error)
	assert.Nil(t, pref.PreferredPersonaID)

	// Falls back to Standard once the active persona is gone
	assert.Equal(t, standard.SystemPrompt, b.personas.GuildPersonaPrompt(ctx, guildID))
	assert.Equal(t, "Unknown", b.personas.PersonaName(ctx, coder.ID))

	deleted, err := b.personas.DeletePersonaByName(ctx, "storyteller")
	require.NoError(t, err)
	assert.Equal(t, "Storyteller", deleted.Name)

	all, err := b.personas.AllPersonas(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, standardPersonaName, all[0].Name)
}

func TestSeedPersonas(t *testing.T) {
	b := newTestBot(t, nil)
	n, err := seedPersonas(context.Background(), b.db)
	require.NoError(t, err)
	assert.Equal(t, len(defaultPersonas), n)
}

func mustGuildConfig(t *testing.T, b *Bot, guildID string) GuildConfig {
	t.Helper()
	var cfg GuildConfig
	require.NoError(t, b.db.Take(&cfg, "guild_id = ?", guildID).Error)
	return cfg
}
