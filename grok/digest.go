package grok

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
	"unicode"

	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dailyTimeLayout  = "15:04"
	digestDateLayout = time.DateOnly

	digestAnchorSystemPrompt = "You are a news anchor providing a daily digest. " +
		"Jump straight into the news. Avoid repeating old stories."

	markerNoNewDevelopments = "NO_NEW_DEVELOPMENTS"
	markerSectionTitle      = "SECTION_TITLE:"
	markerHeadlinesCovered  = "HEADLINES_COVERED:"

	noRecentNewsText     = "No recent news found."
	noNewDevelopmentText = "No new developments since the last update."
)

var (
	// ErrDigestInProgress is returned when a digest for the same user is
	// already being generated
	ErrDigestInProgress = errors.New("digest already in progress")

	// ErrNoDigestTopics is returned when the user has no topics set
	ErrNoDigestTopics = errors.New("no digest topics")

	// ErrNoDigestChannel is returned when the guild has no digest
	// channel, or it can't be used
	ErrNoDigestChannel = errors.New("no digest channel configured")
)

// DigestSection is the generated digest for a single topic
type DigestSection struct {
	Topic string
	Title string
	Body  string
}

// DigestHeader describes the opening message of a digest
type DigestHeader struct {
	UserID   string
	GuildID  string
	Greeting string
	Date     string
}

// DigestDeliverer posts a digest to a platform. BeginDigest is called
// before any topic is generated, so it can fail fast when the
// destination is unusable. The returned function posts one section and
// is called once per topic, in order.
type DigestDeliverer interface {
	BeginDigest(ctx context.Context, header DigestHeader) (
		func(ctx context.Context, section DigestSection) error,
		error,
	)
}

// DigestService manages digest topics and settings, and generates
// digests via web search and the model
type DigestService struct {
	db          DBI
	ai          AIService
	search      Searcher
	errorLogger *ErrorLogger
	logger      *slog.Logger

	concurrency int
	userLocks   sync.Map
	cooldowns   *cache.Cache

	now func() time.Time
}

func newDigestService(
	db DBI,
	ai AIService,
	search Searcher,
	errorLogger *ErrorLogger,
	logger *slog.Logger,
	concurrency int,
) *DigestService {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = digestTopicConcurrency
	}
	return &DigestService{
		db:          db,
		ai:          ai,
		search:      search,
		errorLogger: errorLogger,
		logger:      logger,
		concurrency: concurrency,
		cooldowns:   cache.New(digestNowCooldown, 2*digestNowCooldown),
		now:         time.Now,
	}
}

func (d *DigestService) ensureUserSettings(ctx context.Context, userID, guildID string) error {
	_, err := d.db.Upsert(
		ctx,
		&UserDigestSettings{
			UserID:    userID,
			GuildID:   guildID,
			Timezone:  time.UTC.String(),
			DailyTime: "09:00",
		},
		clause.OnConflict{DoNothing: true},
	)
	return err
}

// MaxTopics returns the guild's topic limit per user
func (d *DigestService) MaxTopics(ctx context.Context, guildID string) (int, error) {
	var cfg GuildDigestConfig
	err := d.db.DB().WithContext(ctx).Where(
		columnGuildID+" = ?",
		guildID,
	).Limit(1).Find(&cfg).Error
	if err != nil {
		return 0, err
	}
	if cfg.MaxTopics > 0 {
		return cfg.MaxTopics, nil
	}
	return defaultMaxDigestTopics, nil
}

func (d *DigestService) topicQuery(ctx context.Context, userID, guildID string) *gorm.DB {
	return d.db.DB().WithContext(ctx).Model(&DigestTopic{}).Where(
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
}

// AddTopic adds a topic to the user's digest. The returned message is
// shown to the user either way. ok is false when the topic was rejected.
func (d *DigestService) AddTopic(
	ctx context.Context,
	userID, guildID, topic string,
) (msg string, ok bool, err error) {
	topic = strings.TrimSpace(truncate(topic, maxTopicLength))
	if topic == "" {
		return "Topic cannot be empty.", false, nil
	}

	if err = d.ensureUserSettings(ctx, userID, guildID); err != nil {
		return "", false, fmt.Errorf("error creating digest settings: %w", err)
	}

	limit, err := d.MaxTopics(ctx, guildID)
	if err != nil {
		return "", false, fmt.Errorf("error loading topic limit: %w", err)
	}

	var count int64
	if err = d.topicQuery(ctx, userID, guildID).Count(&count).Error; err != nil {
		return "", false, fmt.Errorf("error counting topics: %w", err)
	}
	if count >= int64(limit) {
		return fmt.Sprintf("You can only have up to %d topics.", limit), false, nil
	}

	var dupes int64
	if err = d.topicQuery(ctx, userID, guildID).Where(
		"LOWER("+columnTopic+") = LOWER(?)",
		topic,
	).Count(&dupes).Error; err != nil {
		return "", false, fmt.Errorf("error checking topic: %w", err)
	}
	if dupes > 0 {
		return fmt.Sprintf("You already have **%s** in your list.", topic), false, nil
	}

	if _, err = d.db.Create(
		ctx,
		&DigestTopic{UserID: userID, GuildID: guildID, Topic: topic},
	); err != nil {
		return "", false, fmt.Errorf("error adding topic: %w", err)
	}
	return fmt.Sprintf("Added topic: **%s**", topic), true, nil
}

// RemoveTopic removes the topic, if present. Matching is exact.
func (d *DigestService) RemoveTopic(ctx context.Context, userID, guildID, topic string) error {
	_, err := d.db.DeleteWhere(
		ctx,
		&DigestTopic{},
		columnUserID+" = ? AND "+columnGuildID+" = ? AND "+columnTopic+" = ?",
		userID,
		guildID,
		topic,
	)
	return err
}

// UserTopics returns the user's topics, oldest first
func (d *DigestService) UserTopics(ctx context.Context, userID, guildID string) ([]string, error) {
	var topics []string
	err := d.topicQuery(ctx, userID, guildID).Order("id").Pluck(columnTopic, &topics).Error
	return topics, err
}

// validDailyTime reports whether s is a zero-padded 24h HH:MM time
func validDailyTime(s string) bool {
	t, err := time.Parse(dailyTimeLayout, s)
	return err == nil && t.Format(dailyTimeLayout) == s
}

// SetDailyTime sets the local time the user's digest is sent at
func (d *DigestService) SetDailyTime(
	ctx context.Context,
	userID, guildID, dailyTime string,
) (msg string, ok bool, err error) {
	if !validDailyTime(dailyTime) {
		return "Invalid format. Please use HH:MM (e.g., 09:00 or 14:30).", false, nil
	}
	if err = d.ensureUserSettings(ctx, userID, guildID); err != nil {
		return "", false, fmt.Errorf("error creating digest settings: %w", err)
	}
	if _, err = d.db.UpdatesWhere(
		ctx,
		&UserDigestSettings{},
		map[string]any{columnDailyTime: dailyTime},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	); err != nil {
		return "", false, fmt.Errorf("error updating daily time: %w", err)
	}
	return fmt.Sprintf("Daily digest time set to **%s**.", dailyTime), true, nil
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("invalid timezone: %q", name)
	}
	return time.LoadLocation(name)
}

// SetTimezone sets the user's IANA timezone
func (d *DigestService) SetTimezone(
	ctx context.Context,
	userID, guildID, timezone string,
) (msg string, ok bool, err error) {
	if _, e := loadTimezone(timezone); e != nil {
		return "Invalid timezone. Try 'UTC', 'America/New_York', 'Europe/London', etc.", false, nil
	}
	if err = d.ensureUserSettings(ctx, userID, guildID); err != nil {
		return "", false, fmt.Errorf("error creating digest settings: %w", err)
	}
	if _, err = d.db.UpdatesWhere(
		ctx,
		&UserDigestSettings{},
		map[string]any{columnTimezone: timezone},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	); err != nil {
		return "", false, fmt.Errorf("error updating timezone: %w", err)
	}
	return fmt.Sprintf("Timezone set to **%s**.", timezone), true, nil
}

// UserTimezone returns the user's timezone name, or UTC if not set
func (d *DigestService) UserTimezone(ctx context.Context, userID, guildID string) (string, error) {
	var settings []UserDigestSettings
	err := d.db.DB().WithContext(ctx).Where(
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	).Limit(1).Find(&settings).Error
	if err != nil {
		return "", err
	}
	if len(settings) == 0 || settings[0].Timezone == "" {
		return time.UTC.String(), nil
	}
	return settings[0].Timezone, nil
}

func (d *DigestService) userLocation(ctx context.Context, userID, guildID string) *time.Location {
	name, err := d.UserTimezone(ctx, userID, guildID)
	if err != nil {
		loggerFrom(ctx, d.logger).WarnContext(ctx, "error loading timezone", tint.Err(err))
		return time.UTC
	}
	loc, err := loadTimezone(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SetMaxTopics sets the per-user topic limit for the guild
func (d *DigestService) SetMaxTopics(ctx context.Context, guildID string, limit int) error {
	if limit < 1 || limit > maxDigestTopicsLimit {
		return fmt.Errorf("limit must be between 1 and %d", maxDigestTopicsLimit)
	}
	_, err := d.db.Upsert(
		ctx,
		&GuildDigestConfig{GuildID: guildID, MaxTopics: limit},
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildID}},
			DoUpdates: clause.AssignmentColumns([]string{columnMaxTopics}),
		},
	)
	return err
}

// SetDigestChannel sets the channel digests are posted to in the guild
func (d *DigestService) SetDigestChannel(ctx context.Context, guildID, channelID string) error {
	_, err := d.db.Upsert(
		ctx,
		&GuildDigestConfig{
			GuildID:   guildID,
			MaxTopics: defaultMaxDigestTopics,
			ChannelID: channelID,
		},
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildID}},
			DoUpdates: clause.AssignmentColumns([]string{columnChannelID}),
		},
	)
	return err
}

// DigestChannelID returns the guild's digest channel, or an empty
// string if none is set
func (d *DigestService) DigestChannelID(ctx context.Context, guildID string) (string, error) {
	var cfg GuildDigestConfig
	err := d.db.DB().WithContext(ctx).Where(
		columnGuildID+" = ?",
		guildID,
	).Limit(1).Find(&cfg).Error
	return cfg.ChannelID, err
}

// GuildsWithDigestConfig returns the guilds that have a digest channel
func (d *DigestService) GuildsWithDigestConfig(ctx context.Context) ([]string, error) {
	var guildIDs []string
	err := d.db.DB().WithContext(ctx).Model(&GuildDigestConfig{}).Where(
		columnChannelID+" IS NOT NULL AND "+columnChannelID+" <> ''",
	).Order(columnGuildID).Pluck(columnGuildID, &guildIDs).Error
	return guildIDs, err
}

// UsersForDigestCheck returns the digest settings of every user in the
// guild with at least one topic
func (d *DigestService) UsersForDigestCheck(
	ctx context.Context,
	guildID string,
) ([]UserDigestSettings, error) {
	var settings []UserDigestSettings
	err := d.db.DB().WithContext(ctx).Where(
		"user_digest_settings.guild_id = ? AND EXISTS ("+
			"SELECT 1 FROM digest_topics WHERE digest_topics.user_id = user_digest_settings.user_id "+
			"AND digest_topics.guild_id = user_digest_settings.guild_id)",
		guildID,
	).Order(columnUserID).Find(&settings).Error
	return settings, err
}

// IsDue reports whether the user's digest should be sent at now: the
// local daily time has passed, and nothing was sent earlier on the same
// local date. Unparseable settings are never due.
func (d *DigestService) IsDue(settings UserDigestSettings, now time.Time) bool {
	loc, err := loadTimezone(settings.Timezone)
	if err != nil {
		d.logger.Error(
			"error checking if digest is due",
			"user_id", settings.UserID,
			tint.Err(err),
		)
		return false
	}
	target, err := time.Parse(dailyTimeLayout, settings.DailyTime)
	if err != nil {
		d.logger.Error(
			"error checking if digest is due",
			"user_id", settings.UserID,
			tint.Err(err),
		)
		return false
	}

	local := now.In(loc)
	targetTime := time.Date(
		local.Year(), local.Month(), local.Day(),
		target.Hour(), target.Minute(), 0, 0,
		loc,
	)
	if local.Before(targetTime) {
		return false
	}
	if settings.LastSentAt != nil {
		lastSent := settings.LastSentAt.In(loc)
		if lastSent.Format(digestDateLayout) == local.Format(digestDateLayout) {
			return false
		}
	}
	return true
}

// Greeting returns the time-of-day greeting for the given local hour
func Greeting(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "Good morning"
	case hour >= 12 && hour < 18:
		return "Good afternoon"
	default:
		return "Good evening"
	}
}

// titleCase capitalizes the first letter of each word and lowercases
// the rest
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		isLetter := unicode.IsLetter(r)
		switch {
		case isLetter && !prevLetter:
			b.WriteRune(unicode.ToTitle(r))
		case isLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prevLetter = isLetter
	}
	return b.String()
}

func (d *DigestService) recentHeadlines(
	ctx context.Context,
	userID, guildID, topic string,
) ([]string, error) {
	var headlines []string
	err := d.db.DB().WithContext(ctx).Model(&DigestHeadline{}).Where(
		columnUserID+" = ? AND "+columnGuildID+" = ? AND "+columnTopic+" = ?",
		userID,
		guildID,
		topic,
	).Order("created_at DESC, id DESC").Limit(digestHeadlineHistory).Pluck("headline", &headlines).Error
	return headlines, err
}

func topicDigestPrompt(topic, searchResults string, previous []string) string {
	var history string
	if len(previous) > 0 {
		lines := make([]string, 0, len(previous))
		for _, h := range previous {
			lines = append(lines, "- "+h)
		}
		history = "\n\nPreviously reported stories (DO NOT repeat these):\n" +
			strings.Join(lines, "\n")
	}
	return fmt.Sprintf("Topic: %s\nSearch Results:\n%s%s\n\n", topic, searchResults, history) +
		"Task: Write a short, engaging summary of NEW news for this topic. " +
		"Skip any stories similar to the previously reported ones. " +
		"If ALL stories in the search results are repeats or very similar to previously reported ones, " +
		"simply respond with: " + markerNoNewDevelopments + "\n\n" +
		"Otherwise, include 1-2 key links if available. " +
		"Format with Markdown. Do NOT include greetings.\n" +
		"IMPORTANT: Keep markdown links on a SINGLE LINE - never break [text](url) across lines.\n\n" +
		"Start your response with a clean, title-cased section header for this topic. " +
		"Format: " + markerSectionTitle + " Your Polished Title Here\n" +
		"Example: If topic is 'ai vibe coding', use '" + markerSectionTitle +
		" AI Vibe Coding' or '" + markerSectionTitle + " The Rise of Vibe Coding'\n\n" +
		"At the end, list the headlines you covered in this format:\n" +
		markerHeadlinesCovered + "\n- headline 1\n- headline 2"
}

// parseTopicDigest splits the model's reply into the section title,
// the displayed body and the headlines it covered
func parseTopicDigest(topic, content string) (title, body string, headlines []string) {
	title = titleCase(topic)
	body = content

	if strings.Contains(content, markerSectionTitle) {
		firstLine, rest, _ := strings.Cut(content, "\n")
		if _, after, found := strings.Cut(firstLine, markerSectionTitle); found {
			title = strings.TrimSpace(after)
			body = rest
		}
	}

	if before, after, found := strings.Cut(body, markerHeadlinesCovered); found {
		body = strings.TrimSpace(before)
		// anything after a second marker is dropped
		after, _, _ = strings.Cut(after, markerHeadlinesCovered)
		for _, line := range strings.Split(strings.TrimSpace(after), "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-"))
			if line != "" {
				headlines = append(headlines, line)
			}
		}
	}
	return title, body, headlines
}

// GenerateTopicDigest searches for news on the topic and has the model
// summarize what hasn't been reported to the user yet. Covered
// headlines are saved for future digests.
func (d *DigestService) GenerateTopicDigest(
	ctx context.Context,
	userID, guildID, topic string,
) (DigestSection, error) {
	logger := loggerFrom(ctx, d.logger).With("topic", topic)
	section := DigestSection{Topic: topic, Title: titleCase(topic)}

	previous, err := d.recentHeadlines(ctx, userID, guildID, topic)
	if err != nil {
		return section, fmt.Errorf("error loading headlines: %w", err)
	}

	results := d.search.Search(ctx, topic+" news today", digestSearchResults)
	if strings.Contains(results, noSearchResults) {
		section.Body = noRecentNewsText
		return section, nil
	}

	resp := d.ai.GenerateResponse(
		ctx,
		GenerateRequest{
			SystemPrompt: digestAnchorSystemPrompt,
			UserMessage:  topicDigestPrompt(topic, results, previous),
			DisableTools: true,
		},
	)
	if strings.Contains(resp.Content, markerNoNewDevelopments) {
		section.Body = noNewDevelopmentText
		return section, nil
	}

	title, body, headlines := parseTopicDigest(topic, resp.Content)
	section.Title = title
	section.Body = body

	for _, h := range headlines {
		if _, err := d.db.Create(
			ctx,
			&DigestHeadline{UserID: userID, GuildID: guildID, Topic: topic, Headline: h},
		); err != nil {
			logger.ErrorContext(ctx, "error saving headline", tint.Err(err))
		}
	}
	logger.DebugContext(ctx, "generated topic digest", "headlines", len(headlines))
	return section, nil
}

// MarkDigestSent records the current time as the user's last digest
func (d *DigestService) MarkDigestSent(ctx context.Context, userID, guildID string) error {
	_, err := d.db.UpdatesWhere(
		ctx,
		&UserDigestSettings{},
		map[string]any{columnLastSentAt: d.now().UTC()},
		columnUserID+" = ? AND "+columnGuildID+" = ?",
		userID,
		guildID,
	)
	return err
}

func (d *DigestService) userLock(userID string) *sync.Mutex {
	v, _ := d.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InProgress reports whether a digest is currently being generated for
// the user
func (d *DigestService) InProgress(userID string) bool {
	mu := d.userLock(userID)
	if mu.TryLock() {
		mu.Unlock()
		return false
	}
	return true
}

// StartCooldown starts the on-demand digest cooldown for the user.
// When one is already running, it returns false and the time remaining.
func (d *DigestService) StartCooldown(userID string) (time.Duration, bool) {
	if err := d.cooldowns.Add(userID, struct{}{}, cache.DefaultExpiration); err == nil {
		return 0, true
	}
	_, expires, found := d.cooldowns.GetWithExpiration(userID)
	if !found {
		d.cooldowns.Set(userID, struct{}{}, cache.DefaultExpiration)
		return 0, true
	}
	remaining := time.Until(expires)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining.Round(time.Second), false
}

// generateSections generates every topic concurrently, returning the
// sections in topic order. A topic that fails gets an error body rather
// than failing the digest.
func (d *DigestService) generateSections(
	ctx context.Context,
	userID, guildID string,
	topics []string,
) ([]DigestSection, error) {
	sections := make([]DigestSection, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, topic := range topics {
		g.Go(func() error {
			section, err := d.GenerateTopicDigest(gctx, userID, guildID, topic)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				loggerFrom(ctx, d.logger).ErrorContext(
					ctx,
					"error generating topic digest",
					"topic", topic,
					tint.Err(err),
				)
				section.Body = noRecentNewsText
			}
			sections[i] = section
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sections, nil
}

// SendDigest generates the user's digest and delivers it. Only one
// digest per user runs at a time: concurrent calls get
// ErrDigestInProgress. Failures other than a missing topic list are
// persisted to error_logs.
func (d *DigestService) SendDigest(
	ctx context.Context,
	deliverer DigestDeliverer,
	guildID, userID string,
) (err error) {
	logger := loggerFrom(ctx, d.logger).With("user_id", userID, "guild_id", guildID)
	ctx = WithLogger(ctx, logger)

	mu := d.userLock(userID)
	if !mu.TryLock() {
		logger.InfoContext(ctx, "skipping digest, already processing")
		return ErrDigestInProgress
	}
	defer mu.Unlock()

	defer func() {
		if err == nil || errors.Is(err, ErrNoDigestTopics) || errors.Is(err, ErrNoDigestChannel) {
			return
		}
		logger.ErrorContext(ctx, "failed to send digest", tint.Err(err))
		if d.errorLogger != nil {
			d.errorLogger.LogError(
				ctx,
				err,
				map[string]any{"context": "send_digest", "user_id": userID},
			)
		}
	}()

	topics, err := d.UserTopics(ctx, userID, guildID)
	if err != nil {
		return fmt.Errorf("error loading topics: %w", err)
	}
	if len(topics) == 0 {
		return ErrNoDigestTopics
	}

	local := d.now().In(d.userLocation(ctx, userID, guildID))
	header := DigestHeader{
		UserID:   userID,
		GuildID:  guildID,
		Greeting: Greeting(local.Hour()),
		Date:     local.Format(digestDateLayout),
	}

	postSection, err := deliverer.BeginDigest(ctx, header)
	if err != nil {
		return err
	}

	sections, err := d.generateSections(ctx, userID, guildID, topics)
	if err != nil {
		return err
	}
	for _, section := range sections {
		if err = postSection(ctx, section); err != nil {
			return fmt.Errorf("error posting digest section %q: %w", section.Topic, err)
		}
	}

	if err = d.MarkDigestSent(ctx, userID, guildID); err != nil {
		return fmt.Errorf("error marking digest sent: %w", err)
	}
	logger.InfoContext(ctx, "digest sent", "topics", len(sections))
	return nil
}

// RunDueDigests sends the digest of every due user in every guild with
// a digest channel. Individual send failures are logged and don't stop
// the run.
func (d *DigestService) RunDueDigests(ctx context.Context, deliverer DigestDeliverer) error {
	logger := loggerFrom(ctx, d.logger)
	guildIDs, err := d.GuildsWithDigestConfig(ctx)
	if err != nil {
		return fmt.Errorf("error loading digest guilds: %w", err)
	}

	now := d.now()
	sent := 0
	for _, guildID := range guildIDs {
		users, err := d.UsersForDigestCheck(ctx, guildID)
		if err != nil {
			return fmt.Errorf("error loading digest users for guild %s: %w", guildID, err)
		}
		for _, u := range users {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.IsDue(u, now) {
				continue
			}
			if err := d.SendDigest(ctx, deliverer, guildID, u.UserID); err != nil {
				logger.WarnContext(
					ctx,
					"digest not sent",
					"guild_id", guildID,
					"user_id", u.UserID,
					tint.Err(err),
				)
				continue
			}
			sent++
		}
	}
	if sent > 0 {
		logger.InfoContext(ctx, "due digests sent", "count", sent)
	}
	return nil
}
