package users

import (
	"strings"
	"time"
)

// Identity is the local account bound to an OpenID identity URL.
// Empty Name or Email means the provider never supplied one. Slugs are unique
// once assigned; rows predating public profiles keep an empty slug until the
// backfill migration runs.
type Identity struct {
	IdentityURL string    `gorm:"column:identity_url;primaryKey;size:512;not null"`
	UserID      string    `gorm:"column:user_id;size:64;not null;uniqueIndex"`
	Name        string    `gorm:"column:user_name;size:320"`
	Email       string    `gorm:"column:user_email;size:320"`
	IsAdmin     bool      `gorm:"column:is_admin;not null;default:false"`
	Slug        string    `gorm:"column:slug;size:190;uniqueIndex:idx_people_slug_unique,where:slug <> ''"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local identities.
func (Identity) TableName() string {
	return "people"
}

// Profile carries the optional simple-registration attributes returned with a
// successful assertion. Nil means the provider did not send the attribute.
type Profile struct {
	Nickname *string
	Email    *string
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func presentValue(value *string) (string, bool) {
	if value == nil {
		return "", false
	}
	trimmed := normalize(*value)
	return trimmed, trimmed != ""
}
