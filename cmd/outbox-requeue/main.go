package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/models"
)

// Requeues DEAD (or stuck FAILED) outbox records so the dispatcher picks
// them up again. Run with --dry-run=false --confirm=REQUEUE to apply.
func main() {
	syncId := flag.String("sync-id", "", "Restrict to one sync unit (optional)")
	recordId := flag.Int("record-id", 0, "Restrict to one outbox record id (optional)")
	includeFailed := flag.Bool("include-failed", false, "Also requeue FAILED records, not just DEAD")
	dryRun := flag.Bool("dry-run", true, "Show matching records only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	statuses := []string{models.OutboxPublishStatusDead}
	if *includeFailed {
		statuses = append(statuses, models.OutboxPublishStatusFailed)
	}

	q := db.Model(&models.PhaseMessageRecord{}).
		Where("is_processed = 0 AND publish_status IN ?", statuses)
	if strings.TrimSpace(*syncId) != "" {
		q = q.Where("sync_id = ?", *syncId)
	}
	if *recordId > 0 {
		q = q.Where("id = ?", *recordId)
	}

	if *dryRun {
		var records []models.PhaseMessageRecord
		if err := q.Order("id ASC").Find(&records).Error; err != nil {
			fmt.Fprintln(os.Stderr, "query failed:", err)
			os.Exit(1)
		}
		fmt.Printf("%d record(s) would be requeued\n", len(records))
		for _, rec := range records {
			lastErr := ""
			if rec.LastPublishError != nil {
				lastErr = *rec.LastPublishError
			}
			fmt.Printf("  id=%d sync=%s phase=%d status=%s attempts=%d err=%q\n",
				rec.ID, rec.SyncId, rec.PhaseNumber, rec.PublishStatus, rec.PublishAttempts, lastErr)
		}
		return
	}

	now := time.Now().UTC()
	res := q.Updates(map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusFailed,
		"publish_attempts":   0,
		"next_attempt_at":    &now,
		"locked_at":          nil,
		"locked_by":          nil,
		"last_publish_error": nil,
	})
	if res.Error != nil {
		fmt.Fprintln(os.Stderr, "requeue failed:", res.Error)
		os.Exit(1)
	}
	fmt.Printf("requeued %d record(s)\n", res.RowsAffected)
}
