package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ISBN links external sales data to an internal narration. Rows are created
// lazily the first time a sale report references a new code and are never
// deleted by the sync pipeline. NarrationId stays null until someone connects
// the code to a catalog edition.
type ISBN struct {
	ID          int        `gorm:"primary_key" json:"id"`
	Code        string     `gorm:"uniqueIndex;size:13;not null" json:"code" binding:"required"`
	NarrationId *int       `gorm:"index;default:null" json:"narration_id"`
	Narration   *Narration `gorm:"foreignKey:NarrationId" json:"narration,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// ResolveISBNs returns an entity per distinct non-empty code, creating the
// missing ones in a single bulk insert. Duplicate codes in the input map to
// the same entity; existing rows are never duplicated.
func ResolveISBNs(ctx context.Context, db *gorm.DB, codes []string) (map[string]*ISBN, error) {
	byCode := make(map[string]*ISBN)

	seen := make(map[string]bool, len(codes))
	unique := make([]string, 0, len(codes))
	for _, code := range codes {
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		unique = append(unique, code)
	}
	if len(unique) == 0 {
		return byCode, nil
	}

	var existing []*ISBN
	if err := db.WithContext(ctx).Where("code IN ?", unique).Find(&existing).Error; err != nil {
		return nil, err
	}
	for _, isbn := range existing {
		byCode[isbn.Code] = isbn
	}

	var missing []*ISBN
	for _, code := range unique {
		if _, ok := byCode[code]; !ok {
			missing = append(missing, &ISBN{Code: code})
		}
	}
	if len(missing) > 0 {
		if err := db.WithContext(ctx).Create(&missing).Error; err != nil {
			return nil, err
		}
		for _, isbn := range missing {
			byCode[isbn.Code] = isbn
		}
	}

	return byCode, nil
}
