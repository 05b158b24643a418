package grok

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	defaultErrorLogLimit = 5
	maxErrorLogLimit     = 20
)

// AdminService provides the memory and error log operations behind the
// admin commands and API
type AdminService struct {
	db DBI
}

func newAdminService(db DBI) *AdminService {
	return &AdminService{db: db}
}

// ChannelSummary returns the stored summary for the channel, or nil if
// there isn't one
func (a *AdminService) ChannelSummary(ctx context.Context, channelID string) (
	*ChannelSummary,
	error,
) {
	var summary ChannelSummary
	err := a.db.DB().WithContext(ctx).Where(
		columnChannelID+" = ?",
		channelID,
	).Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (a *AdminService) ClearChannelSummary(ctx context.Context, channelID string) error {
	_, err := a.db.DeleteWhere(ctx, &ChannelSummary{}, columnChannelID+" = ?", channelID)
	return err
}

// RecentErrors returns up to limit error logs, newest first
func (a *AdminService) RecentErrors(ctx context.Context, limit int) ([]ErrorLog, error) {
	var logs []ErrorLog
	err := a.db.DB().WithContext(ctx).Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

func (a *AdminService) ClearAllErrors(ctx context.Context) error {
	_, err := a.db.DeleteWhere(ctx, &ErrorLog{}, "1 = 1")
	return err
}

// ErrorDetails returns the error log with the given ID, or nil if it
// doesn't exist
func (a *AdminService) ErrorDetails(ctx context.Context, id uint) (*ErrorLog, error) {
	var rec ErrorLog
	err := a.db.DB().WithContext(ctx).Take(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FormatErrorReport renders the full plain-text report for an error log
func FormatErrorReport(rec ErrorLog) string {
	rule := strings.Repeat("-", 40)
	return fmt.Sprintf(
		"Error ID: %d\nType: %s\nMessage: %s\nTime: %s\n%s\nCONTEXT:\n%s\n%s\nTRACEBACK:\n%s\n",
		rec.ID,
		rec.ErrorType,
		rec.Message,
		formatMillis(rec.CreatedAt),
		rule,
		rec.Context,
		rule,
		rec.Traceback,
	)
}

// clampErrorLimit bounds a user-supplied error log limit to 1..20
func clampErrorLimit(limit int) int {
	return min(max(limit, 1), maxErrorLogLimit)
}

// UserPrefUpdate is a partial update to a user's preferences. Nil
// fields are left unchanged.
type UserPrefUpdate struct {
	PreferredPersonaID *uint `json:"preferred_persona_id,omitempty"`
	Verbosity          *int  `json:"verbosity,omitempty" binding:"omitnil,min=1,max=10"`
	EmojiLevel         *int  `json:"emoji_level,omitempty" binding:"omitnil,min=1,max=10"`
}

func defaultUserPref(userID string) UserPref {
	return UserPref{UserID: userID, Verbosity: 5, EmojiLevel: 5}
}

// UserPref returns the user's stored preferences, or the defaults if
// none have been saved
func (a *AdminService) UserPref(ctx context.Context, userID string) (UserPref, error) {
	var pref UserPref
	err := a.db.DB().WithContext(ctx).Where(columnUserID+" = ?", userID).Take(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return defaultUserPref(userID), nil
	}
	return pref, err
}

// UpdateUserPref applies update to the user's preferences, creating the
// row if needed, and returns the result
func (a *AdminService) UpdateUserPref(
	ctx context.Context,
	userID string,
	update UserPrefUpdate,
) (UserPref, error) {
	if update.PreferredPersonaID != nil {
		var count int64
		if err := a.db.DB().WithContext(ctx).Model(&Persona{}).Where(
			"id = ?",
			*update.PreferredPersonaID,
		).Count(&count).Error; err != nil {
			return UserPref{}, err
		}
		if count == 0 {
			return UserPref{}, errPersonaNotFound
		}
	}

	pref, err := a.UserPref(ctx, userID)
	if err != nil {
		return pref, err
	}
	if update.PreferredPersonaID != nil {
		pref.PreferredPersonaID = update.PreferredPersonaID
	}
	if update.Verbosity != nil {
		pref.Verbosity = *update.Verbosity
	}
	if update.EmojiLevel != nil {
		pref.EmojiLevel = *update.EmojiLevel
	}
	if err = structValidator.Struct(pref); err != nil {
		return pref, err
	}
	_, err = a.db.Save(ctx, &pref)
	return pref, err
}
