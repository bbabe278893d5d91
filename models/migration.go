package models

import (
	"log"

	"github.com/belaudiobooks/royalties_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Book{}, &Narration{}, &ISBN{},
		&Partner{}, &Agreement{},
		&SaleRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
