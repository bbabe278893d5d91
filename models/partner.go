package models

import (
	"time"
)

// Partner is a publisher/rights-holder organization royalties are paid to.
type Partner struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"index;size:255;not null" json:"name" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
