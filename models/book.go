package models

import (
	"time"
)

// Book is the catalog anchor a narration belongs to. One book may have
// several narrations (different narrators / editions).
type Book struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Title     string    `gorm:"index;size:512;not null" json:"title" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
