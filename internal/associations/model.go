package associations

import "time"

// Association is a shared secret negotiated with one provider endpoint.
// Several rows may exist for the same (server, handle) pair; the one that
// expires last is authoritative.
type Association struct {
	ID               uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	ServerURL        string `gorm:"column:server_url;size:512;not null;index:idx_openid_assoc_server_handle,priority:1"`
	Handle           string `gorm:"column:handle;size:255;not null;index:idx_openid_assoc_server_handle,priority:2"`
	Secret           []byte `gorm:"column:secret;not null"`
	IssuedAtSeconds  int64  `gorm:"column:issued_s;not null"`
	LifetimeSeconds  int64  `gorm:"column:lifetime_s;not null"`
	AssocType        string `gorm:"column:assoc_type;size:64;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Association) TableName() string {
	return "openid_associations"
}

// NewAssociation builds an association record with its derived expiry.
func NewAssociation(handle string, secret []byte, issuedAt time.Time, lifetime time.Duration, assocType string) Association {
	issued := issuedAt.Unix()
	seconds := int64(lifetime / time.Second)
	return Association{
		Handle:           handle,
		Secret:           append([]byte(nil), secret...),
		IssuedAtSeconds:  issued,
		LifetimeSeconds:  seconds,
		AssocType:        assocType,
		ExpiresAtSeconds: issued + seconds,
	}
}

// IssuedAt returns the issuance time.
func (a Association) IssuedAt() time.Time {
	return time.Unix(a.IssuedAtSeconds, 0).UTC()
}

// Lifetime returns the negotiated validity duration.
func (a Association) Lifetime() time.Duration {
	return time.Duration(a.LifetimeSeconds) * time.Second
}

// ExpiresAt returns issued-at plus lifetime.
func (a Association) ExpiresAt() time.Time {
	return time.Unix(a.IssuedAtSeconds+a.LifetimeSeconds, 0).UTC()
}
