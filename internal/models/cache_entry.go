package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry is one captured upstream response. Identity is
// (partition, method, url); writes to the same identity overwrite the
// previous capture. The autoincrement ID doubles as insertion order for
// count-based eviction of the runtime partition.
type CacheEntry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Partition string `gorm:"size:64;not null;uniqueIndex:idx_cache_identity,priority:1;index" json:"partition"`
	Method    string `gorm:"size:16;not null;uniqueIndex:idx_cache_identity,priority:2" json:"method"`
	URL       string `gorm:"size:2048;not null;uniqueIndex:idx_cache_identity,priority:3" json:"url"`

	Status int            `gorm:"not null" json:"status"`
	Header datatypes.JSON `json:"header"`
	Body   []byte         `gorm:"type:blob" json:"-"`

	FetchedAt time.Time `gorm:"index" json:"fetched_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
