package grok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	personaPromptCacheTTL     = 10 * time.Minute
	personaPromptCacheCleanup = 20 * time.Minute

	personaNameMaxLength        = 50
	personaDescriptionMaxLength = 200
	personaFallbackNameLength   = 15
	personaFallbackDescLength   = 50

	personaGeneratorSystemPrompt = "You are a configuration generator."
)

var (
	errCannotDeleteStandard = errors.New("the default 'Standard' persona can't be deleted")
	errPersonaNotFound      = errors.New("persona not found")
	errPersonaCreateFailed  = errors.New("Creation failed. Please try again.")
)

var defaultPersonas = []Persona{
	{
		Name:         standardPersonaName,
		Description:  "The helpful and witty default personality.",
		SystemPrompt: "You are Grok, a witty and helpful AI companion. You are not the xAI Grok. Respond naturally.",
		IsGlobal:     true,
	},
	{
		Name:         "Coder",
		Description:  "A focused programming mentor.",
		SystemPrompt: "You are a Senior Software Engineer. Focus on clean code, best practices, and explaining complex topics simply.",
		IsGlobal:     true,
	},
	{
		Name:         "Storyteller",
		Description:  "Creative and descriptive.",
		SystemPrompt: "You are a creative storyteller. Use vivid imagery and narrative structure in your responses.",
		IsGlobal:     true,
	},
}

// seedPersonas inserts the default personas when the table is empty,
// and returns the number of personas in the table.
func seedPersonas(ctx context.Context, db *gorm.DB) (int, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&Persona{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting personas: %w", err)
	}
	if count > 0 {
		return int(count), nil
	}

	personas := make([]Persona, len(defaultPersonas))
	copy(personas, defaultPersonas)
	if err := db.WithContext(ctx).Create(&personas).Error; err != nil {
		return 0, fmt.Errorf("error seeding personas: %w", err)
	}
	return len(personas), nil
}

// AIService generates completions. Implemented by OpenRouter.
type AIService interface {
	GenerateResponse(ctx context.Context, req GenerateRequest) AIResponse
	SummarizeConversation(ctx context.Context, currentSummary string, lines []string) (string, error)
}

// PersonaService manages personas and the persona active in each guild
// (or telegram chat)
type PersonaService struct {
	db     DBI
	ai     AIService
	logger *slog.Logger

	promptCache *cache.Cache
	promptGroup singleflight.Group

	// promptGen is bumped on every invalidation, so loads that started
	// before it don't repopulate the cache
	promptMu  sync.Mutex
	promptGen uint64
}

func newPersonaService(db DBI, ai AIService, logger *slog.Logger) *PersonaService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersonaService{
		db:          db,
		ai:          ai,
		logger:      logger,
		promptCache: cache.New(personaPromptCacheTTL, personaPromptCacheCleanup),
	}
}

// AllPersonas returns every persona, with Standard first and the rest
// ordered by name
func (p *PersonaService) AllPersonas(ctx context.Context) ([]Persona, error) {
	var standard []Persona
	db := p.db.DB().WithContext(ctx)
	if err := db.Where(columnName+" = ?", standardPersonaName).Find(&standard).Error; err != nil {
		return nil, err
	}
	others, err := p.DeletablePersonas(ctx)
	if err != nil {
		return nil, err
	}
	return append(standard, others...), nil
}

// DeletablePersonas returns every persona other than Standard, by name
func (p *PersonaService) DeletablePersonas(ctx context.Context) ([]Persona, error) {
	var personas []Persona
	err := p.db.DB().WithContext(ctx).Where(
		columnName+" != ?",
		standardPersonaName,
	).Order(columnName).Find(&personas).Error
	return personas, err
}

// PersonaByID returns the persona, or nil if it doesn't exist
func (p *PersonaService) PersonaByID(ctx context.Context, id uint) (*Persona, error) {
	var persona Persona
	err := p.db.DB().WithContext(ctx).Take(&persona, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

func (p *PersonaService) PersonaName(ctx context.Context, id uint) string {
	persona, err := p.PersonaByID(ctx, id)
	if err != nil || persona == nil {
		return "Unknown"
	}
	return persona.Name
}

// personaByName finds a persona by name, ignoring case
func (p *PersonaService) personaByName(ctx context.Context, name string) (*Persona, error) {
	var persona Persona
	err := p.db.DB().WithContext(ctx).Where(
		"LOWER(name) = LOWER(?)",
		name,
	).Take(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

// SetGuildPersona sets the active persona for the guild
func (p *PersonaService) SetGuildPersona(ctx context.Context, guildID string, personaID uint) error {
	cfg := &GuildConfig{GuildID: guildID, ActivePersonaID: &personaID}
	_, err := p.db.Upsert(
		ctx,
		cfg,
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildID}},
			DoUpdates: clause.AssignmentColumns([]string{"active_persona_id", "updated_at"}),
		},
	)
	p.invalidatePrompts(guildID)
	return err
}

// ResetGuildPersona switches the guild back to the Standard persona
func (p *PersonaService) ResetGuildPersona(ctx context.Context, guildID string) error {
	standard, err := p.personaByName(ctx, standardPersonaName)
	if err != nil {
		return err
	}
	if standard == nil {
		return errPersonaNotFound
	}
	return p.SetGuildPersona(ctx, guildID, standard.ID)
}

// CurrentPersona returns the guild's active persona, or nil if the guild
// is using the default
func (p *PersonaService) CurrentPersona(ctx context.Context, guildID string) (*Persona, error) {
	var persona Persona
	err := p.db.DB().WithContext(ctx).
		Joins("JOIN guild_configs ON guild_configs.active_persona_id = personas.id").
		Where("guild_configs.guild_id = ?", guildID).
		Take(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

// GuildPersonaPrompt returns the system prompt of the guild's active
// persona, falling back to Standard's prompt, then defaultSystemPrompt.
func (p *PersonaService) GuildPersonaPrompt(ctx context.Context, guildID string) string {
	if v, ok := p.promptCache.Get(guildID); ok {
		if prompt, isStr := v.(string); isStr {
			return prompt
		}
	}

	gen := p.promptGeneration()
	// the shared load outlives any single caller
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := p.promptGroup.Do(
		guildID+":"+strconv.FormatUint(gen, 10), func() (any, error) {
			prompt, e := p.loadGuildPersonaPrompt(loadCtx, guildID)
			if e != nil {
				return prompt, e
			}
			p.cachePrompt(guildID, prompt, gen)
			return prompt, nil
		},
	)
	if err != nil {
		loggerFrom(ctx, p.logger).ErrorContext(
			ctx,
			"error loading guild persona",
			"guild_id", guildID,
			tint.Err(err),
		)
	}
	prompt, _ := v.(string)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return prompt
}

func (p *PersonaService) promptGeneration() uint64 {
	p.promptMu.Lock()
	defer p.promptMu.Unlock()
	return p.promptGen
}

// cachePrompt stores prompt unless the cache was invalidated after
// generation gen was read
func (p *PersonaService) cachePrompt(guildID, prompt string, gen uint64) bool {
	p.promptMu.Lock()
	defer p.promptMu.Unlock()
	if p.promptGen != gen {
		return false
	}
	p.promptCache.SetDefault(guildID, prompt)
	return true
}

// invalidatePrompts drops the cached prompt for guildID, or every cached
// prompt when guildID is empty
func (p *PersonaService) invalidatePrompts(guildID string) {
	p.promptMu.Lock()
	defer p.promptMu.Unlock()
	p.promptGen++
	if guildID == "" {
		p.promptCache.Flush()
		return
	}
	p.promptCache.Delete(guildID)
}

func (p *PersonaService) loadGuildPersonaPrompt(ctx context.Context, guildID string) (string, error) {
	current, err := p.CurrentPersona(ctx, guildID)
	if err != nil {
		return defaultSystemPrompt, err
	}
	if current != nil {
		return current.SystemPrompt, nil
	}
	standard, err := p.personaByName(ctx, standardPersonaName)
	if err != nil {
		return defaultSystemPrompt, err
	}
	if standard != nil {
		return standard.SystemPrompt, nil
	}
	return defaultSystemPrompt, nil
}

func personaGenerationPrompt(input string) string {
	return fmt.Sprintf(
		"User Input: '%s'\n\n"+
			"Task: Create a Discord bot persona based on this input.\n"+
			"Output strictly in this format:\n"+
			"NAME: <The direct character name or simple title. Max 15 chars. No spaces. "+
			"e.g. 'Batman' not 'DarkKnight', 'Mario' not 'Plumber'>\n"+
			"DESCRIPTION: <A short 1-sentence summary of who this is>\n"+
			"PROMPT: <A 2-3 sentence system instruction. Start with 'You are...'>",
		input,
	)
}

// parsePersonaOutput extracts the NAME/DESCRIPTION/PROMPT lines from
// the generator's output, falling back to values derived from input
func parsePersonaOutput(content string, input string) Persona {
	persona := Persona{
		Name:         "Unknown",
		Description:  "Custom Persona",
		SystemPrompt: defaultSystemPrompt,
	}
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		switch {
		case strings.HasPrefix(line, "NAME:"):
			persona.Name = truncate(strings.TrimSpace(strings.TrimPrefix(line, "NAME:")), personaNameMaxLength)
		case strings.HasPrefix(line, "DESCRIPTION:"):
			persona.Description = truncate(
				strings.TrimSpace(strings.TrimPrefix(line, "DESCRIPTION:")),
				personaDescriptionMaxLength,
			)
		case strings.HasPrefix(line, "PROMPT:"):
			persona.SystemPrompt = strings.TrimSpace(strings.TrimPrefix(line, "PROMPT:"))
		}
	}

	if persona.Name == "Unknown" || persona.Name == "" {
		name := "Persona"
		if fields := strings.Fields(input); len(fields) > 0 {
			name = fields[0]
		}
		persona.Name = truncate(name, personaFallbackNameLength)
		persona.Description = truncate(input, personaFallbackDescLength)
	}
	return persona
}

// collisionSuffix derives a short suffix from the creator's ID, used
// when a generated name is already taken
func collisionSuffix(createdBy string) string {
	if id, err := strconv.ParseInt(createdBy, 10, 64); err == nil {
		if id < 0 {
			id = -id
		}
		return strconv.FormatInt(id%10000, 10)
	}
	runes := []rune(createdBy)
	if len(runes) > 4 {
		runes = runes[len(runes)-4:]
	}
	return string(runes)
}

// CreatePersona has the model generate a persona from the user's
// description, and saves it.
func (p *PersonaService) CreatePersona(
	ctx context.Context,
	input string,
	createdBy string,
) (*Persona, error) {
	logger := loggerFrom(ctx, p.logger)

	resp := p.ai.GenerateResponse(
		ctx,
		GenerateRequest{
			SystemPrompt: personaGeneratorSystemPrompt,
			UserMessage:  personaGenerationPrompt(input),
			DisableTools: true,
		},
	)
	persona := parsePersonaOutput(resp.Content, input)
	persona.CreatedBy = createdBy

	existing, err := p.personaByName(ctx, persona.Name)
	if err != nil {
		logger.ErrorContext(ctx, "error checking persona name", tint.Err(err))
		return nil, errPersonaCreateFailed
	}
	if existing != nil {
		persona.Name = persona.Name + "_" + collisionSuffix(createdBy)
	}

	if _, err = p.db.Create(ctx, &persona); err != nil {
		logger.ErrorContext(ctx, "persona creation failed", tint.Err(err))
		return nil, errPersonaCreateFailed
	}
	logger.InfoContext(ctx, "created persona", "name", persona.Name, "created_by", createdBy)
	return &persona, nil
}

// DeletePersona deletes the persona by ID and returns its name. Guilds
// using the persona fall back to the default.
func (p *PersonaService) DeletePersona(ctx context.Context, id uint) (string, error) {
	persona, err := p.PersonaByID(ctx, id)
	if err != nil {
		return "", err
	}
	if persona == nil {
		return "", errPersonaNotFound
	}
	if err = p.deletePersona(ctx, persona); err != nil {
		return "", err
	}
	return persona.Name, nil
}

// DeletePersonaByName deletes the persona matching name (ignoring case)
func (p *PersonaService) DeletePersonaByName(ctx context.Context, name string) (*Persona, error) {
	if strings.EqualFold(strings.TrimSpace(name), standardPersonaName) {
		return nil, errCannotDeleteStandard
	}
	persona, err := p.personaByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if persona == nil {
		return nil, errPersonaNotFound
	}
	return persona, p.deletePersona(ctx, persona)
}

func (p *PersonaService) deletePersona(ctx context.Context, persona *Persona) error {
	if persona.Name == standardPersonaName {
		return errCannotDeleteStandard
	}
	err := p.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Model(&GuildConfig{}).Where(
				"active_persona_id = ?",
				persona.ID,
			).Update("active_persona_id", nil).Error; err != nil {
				return err
			}
			if err := tx.Model(&UserPref{}).Where(
				"preferred_persona_id = ?",
				persona.ID,
			).Update("preferred_persona_id", nil).Error; err != nil {
				return err
			}
			return tx.Delete(&Persona{}, persona.ID).Error
		},
	)
	if err != nil {
		return err
	}
	p.invalidatePrompts("")
	loggerFrom(ctx, p.logger).InfoContext(ctx, "deleted persona", "name", persona.Name)
	return nil
}
