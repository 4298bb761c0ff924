package models

import (
	"gorm.io/datatypes"
)

// WorkerNotification represents an active system notification owned by the
// worker's notification center. Tags are unique: showing a notification
// with an existing tag replaces it, mirroring platform notification
// semantics.
type WorkerNotification struct {
	BaseModel

	Tag                string         `gorm:"size:128;not null;uniqueIndex" json:"tag"`
	Type               string         `gorm:"size:64;default:'default'" json:"type"`
	Title              string         `gorm:"size:255;not null" json:"title"`
	Body               string         `gorm:"type:text" json:"body"`
	Icon               string         `gorm:"size:512" json:"icon"`
	Badge              string         `gorm:"size:512" json:"badge"`
	RequireInteraction bool           `gorm:"default:false" json:"require_interaction"`
	Data               datatypes.JSON `json:"data"`
}
