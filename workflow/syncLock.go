package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireSyncLock serializes phase execution per sync unit across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will run the phase transaction.
func AcquireSyncLock(tx *gorm.DB, syncId string) error {
	lockName := fmt.Sprintf("phase:%s", syncId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire phase lock for sync_id=%s", syncId)
	}
	return nil
}

func ReleaseSyncLock(tx *gorm.DB, syncId string) {
	lockName := fmt.Sprintf("phase:%s", syncId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
