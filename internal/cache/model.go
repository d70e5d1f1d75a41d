package cache

// Entry stores a single key with its serialized value and optional expiry.
type Entry struct {
	Key         string `gorm:"column:cache_key;primaryKey;size:255;not null"`
	Value       string `gorm:"column:cache_value;type:text;not null"`
	ExpiresAtMs int64  `gorm:"column:expires_at_ms;not null;default:0;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "cache_entries"
}

// RateLimitHit records one admitted attempt inside a rate-limit window.
// The (limit_key, hit_at_ms) index is created by a named migration.
type RateLimitHit struct {
	Member  string `gorm:"column:member;primaryKey;size:26;not null"`
	Key     string `gorm:"column:limit_key;size:255;not null"`
	HitAtMs int64  `gorm:"column:hit_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RateLimitHit) TableName() string {
	return "rate_limit_hits"
}
