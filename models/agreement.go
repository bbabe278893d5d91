package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Agreement is a partner's royalty contract. Coverage can be declared per
// narration or per book (every narration of the book is then covered).
// When a narration ends up covered by more than one agreement of the same
// partner, the most recently created agreement (highest id) wins.
type Agreement struct {
	ID             int             `gorm:"primary_key" json:"id"`
	PartnerId      int             `gorm:"index;not null" json:"partner_id" binding:"required"`
	Partner        *Partner        `gorm:"foreignKey:PartnerId" json:"partner,omitempty"`
	RoyaltyPercent decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"royalty_percent" binding:"required"`
	Narrations     []*Narration    `gorm:"many2many:agreement_narrations" json:"narrations,omitempty"`
	Books          []*Book         `gorm:"many2many:agreement_books" json:"books,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
