package users

import (
	"strings"
	"time"
)

// Identity links one provider login to the canonical user id used in project
// membership, and keeps the display details last presented by that login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the display information mirrored into project member records.
type Profile struct {
	UserID      string `json:"userId"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (i Identity) profile() Profile {
	return Profile{
		UserID:      i.UserID,
		Email:       i.Email,
		DisplayName: i.DisplayName,
		AvatarURL:   i.AvatarURL,
	}
}

// profileChanges lists the display columns that differ from presented.
// Empty presented values never erase stored ones.
func (i Identity) profileChanges(presented Profile) map[string]any {
	changes := map[string]any{}
	if presented.Email != "" && presented.Email != i.Email {
		changes["user_email"] = presented.Email
	}
	if presented.DisplayName != "" && presented.DisplayName != i.DisplayName {
		changes["user_display_name"] = presented.DisplayName
	}
	if presented.AvatarURL != "" && presented.AvatarURL != i.AvatarURL {
		changes["user_avatar_url"] = presented.AvatarURL
	}
	return changes
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
