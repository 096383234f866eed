package nonces

// Nonce marks a (server, timestamp, salt) triple as consumed.
type Nonce struct {
	ID               uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	ServerURL        string `gorm:"column:server_url;size:512;not null;uniqueIndex:idx_openid_nonce_triple,priority:1"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null;uniqueIndex:idx_openid_nonce_triple,priority:2;index"`
	Salt             string `gorm:"column:salt;size:255;not null;uniqueIndex:idx_openid_nonce_triple,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Nonce) TableName() string {
	return "openid_nonces"
}
