package models

import "time"

// BaseModel defines the common fields for directory-style models.
// Messages are never removed through gorm's soft delete; their visibility
// is tracked explicitly, so no DeletedAt column is carried here.
type BaseModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
