package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleRecord is one line-item of a distributor royalty report. The whole set
// is deleted and re-created on every successful sync: reports are always
// re-downloaded in full, so replace-by-resync keeps provenance simple.
type SaleRecord struct {
	ID             int             `gorm:"primary_key" json:"id"`
	MonthOfSale    time.Time       `gorm:"type:date;index;not null" json:"month_of_sale"`
	SourceFile     string          `gorm:"size:255;not null" json:"source_file"`
	SourceFileId   string          `gorm:"size:255;not null" json:"source_file_id"`
	Title          string          `gorm:"size:512;not null" json:"title"`
	SalesType      string          `gorm:"size:100;not null" json:"sales_type"`
	IsbnId         *int            `gorm:"index;default:null" json:"isbn_id"`
	Isbn           *ISBN           `gorm:"foreignKey:IsbnId" json:"isbn,omitempty"`
	Retailer       string          `gorm:"size:255" json:"retailer"`
	Country        *string         `gorm:"size:10;default:null" json:"country"`
	Quantity       int             `gorm:"not null;default:0" json:"quantity"`
	AmountCurrency string          `gorm:"size:10" json:"amount_currency"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
