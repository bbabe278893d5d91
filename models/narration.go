package models

import (
	"time"
)

// Narration is one audiobook edition/reading of a book.
type Narration struct {
	ID        int       `gorm:"primary_key" json:"id"`
	BookId    int       `gorm:"index;not null" json:"book_id" binding:"required"`
	Book      *Book     `gorm:"foreignKey:BookId" json:"book,omitempty"`
	Narrator  string    `gorm:"size:255" json:"narrator"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
