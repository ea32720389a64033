package models

import (
	"log"

	"bitbucket.org/mmdatafocus/kaspi_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{},
		&StockLocation{}, &StockInventory{},
		&KaspiOrder{}, &KaspiSoldProduct{}, &KaspiCanceledOrder{},
		&LogEvent{},
		&SyncRun{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
