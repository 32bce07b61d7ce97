package workflow

import (
	"errors"
	"fmt"

	"bitbucket.org/sellerguard/recovery_backend/models"
	"gorm.io/gorm"
)

// ErrSyncHalted means the sync unit was administratively failed; further
// phase triggers for it must be dropped permanently (not retried).
var ErrSyncHalted = errors.New("sync unit halted")

// EnforceSyncGate blocks phase triggers for a failed SyncUnit. Phase 1 runs
// before the SyncUnit exists, so a missing row only gates later phases.
func EnforceSyncGate(tx *gorm.DB, syncId string, phaseNumber int) error {
	var unit models.SyncUnit
	err := tx.Where("sync_id = ?", syncId).First(&unit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if phaseNumber == models.PhaseOnboarding {
				return nil
			}
			return fmt.Errorf("%w: sync unit %s not found", ErrSyncHalted, syncId)
		}
		return err
	}
	if unit.Status == models.SyncStatusFailed {
		return fmt.Errorf("%w: sync unit %s is failed", ErrSyncHalted, syncId)
	}
	return nil
}
