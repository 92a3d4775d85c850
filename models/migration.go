package models

import (
	"log"

	"github.com/mmdatafocus/seller_sync_backend/config"
)

// MigrateTable runs AutoMigrate for every table the sync core owns.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Println("MigrateTable skipped: db not connected")
		return
	}
	err := db.AutoMigrate(
		&SellerAccount{},
		&Storefront{},
		&UnifiedDailyRecord{},
		&SyncRun{},
		&SyncRunError{},
		&ScheduledJob{},
	)
	if err != nil {
		log.Printf("auto-migrate failed: %v", err)
	}
}
