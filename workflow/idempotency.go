package workflow

import (
	"errors"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrPhaseInProgress = errors.New("phase in progress")
	ErrPhaseExhausted  = errors.New("phase retry attempts exhausted")
)

// staleRunningAfter guards against workers that died mid-phase: a running
// row older than this is eligible for takeover.
const staleRunningAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginPhase inserts a running PhaseRecord for (syncId, phaseNumber).
// If a completed record exists, returns (skip=true, nil) meaning "already
// done, skip safely". The unique key plus the conditional status update give
// the atomic check-and-set that makes concurrent triggers safe.
func BeginPhase(tx *gorm.DB, syncId string, phaseNumber int, sellerId, userId string, previousPhase *int, maxAttempts int) (skip bool, err error) {
	now := time.Now().UTC()
	record := models.PhaseRecord{
		SyncId:        syncId,
		PhaseNumber:   phaseNumber,
		SellerId:      sellerId,
		UserId:        userId,
		Status:        models.PhaseStatusRunning,
		PreviousPhase: previousPhase,
		Attempts:      1,
		StartedAt:     &now,
	}
	if err := tx.Create(&record).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.PhaseRecord
	if err := tx.Where("sync_id = ? AND phase_number = ?", syncId, phaseNumber).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.PhaseStatusCompleted:
		return true, nil
	case models.PhaseStatusRunning:
		// Another worker is currently executing; ask the bus to retry later.
		// A stale running row means that worker died; take it over.
		if time.Since(existing.UpdatedAt) < staleRunningAfter {
			return false, ErrPhaseInProgress
		}
		return false, resumePhase(tx, existing, now, maxAttempts)
	case models.PhaseStatusFailed, models.PhaseStatusPending:
		return false, resumePhase(tx, existing, now, maxAttempts)
	default:
		return false, resumePhase(tx, existing, now, maxAttempts)
	}
}

// resumePhase conditionally transitions an existing row back to running.
// The WHERE on the observed status makes the takeover a compare-and-swap:
// if another worker moved the row first, we lose and back off.
func resumePhase(tx *gorm.DB, existing models.PhaseRecord, now time.Time, maxAttempts int) error {
	if maxAttempts > 0 && existing.Attempts >= maxAttempts {
		return ErrPhaseExhausted
	}
	res := tx.Model(&models.PhaseRecord{}).
		Where("id = ? AND status = ?", existing.ID, existing.Status).
		Updates(map[string]interface{}{
			"status":        models.PhaseStatusRunning,
			"attempts":      gorm.Expr("attempts + 1"),
			"started_at":    &now,
			"error_message": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPhaseInProgress
	}
	return nil
}

// MarkPhaseCompleted transitions running -> completed. Zero rows affected
// means the compare-and-swap was violated by a concurrent writer, which the
// caller must surface loudly.
func MarkPhaseCompleted(tx *gorm.DB, syncId string, phaseNumber int) error {
	now := time.Now().UTC()
	res := tx.Model(&models.PhaseRecord{}).
		Where("sync_id = ? AND phase_number = ? AND status = ?", syncId, phaseNumber, models.PhaseStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.PhaseStatusCompleted,
			"completed_at":  &now,
			"error_message": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("phase record not in running state at completion")
	}
	return nil
}

