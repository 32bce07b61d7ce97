package models

import (
	"log"

	"bitbucket.org/sellerguard/recovery_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SyncUnit{}, &NormalizedRecord{},
		&ClaimCandidate{}, &EvidenceLink{}, &Document{},
		&PhaseRecord{}, &PhaseMessageRecord{},
		&SmartPrompt{}, &ProofPacket{},
		&MarketplaceConnection{}, &MarketplaceSyncRun{}, &MarketplaceSyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
