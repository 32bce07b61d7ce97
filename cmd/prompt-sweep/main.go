package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"bitbucket.org/sellerguard/recovery_backend/models"
	"bitbucket.org/sellerguard/recovery_backend/workflow"
)

// One-shot sweep of expired smart prompts. Useful when the in-process
// sweeper was down for a while and a backlog built up.
func main() {
	dryRun := flag.Bool("dry-run", true, "List expired pending prompts only (no writes)")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall run timeout")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *dryRun {
		var prompts []models.SmartPrompt
		if err := db.WithContext(ctx).
			Where("status = ? AND expires_at < ?", models.PromptStatusPending, time.Now().UTC()).
			Order("expires_at ASC").
			Find(&prompts).Error; err != nil {
			fmt.Fprintln(os.Stderr, "query failed:", err)
			os.Exit(1)
		}
		fmt.Printf("%d expired pending prompt(s)\n", len(prompts))
		for _, p := range prompts {
			fmt.Printf("  %s claim=%s expired_at=%s\n", p.PromptId, p.ClaimId, p.ExpiresAt.Format(time.RFC3339))
		}
		return
	}

	total := 0
	for {
		swept, err := workflow.SweepExpiredPrompts(ctx, db, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sweep failed:", err)
			os.Exit(1)
		}
		total += swept
		if swept == 0 {
			break
		}
	}
	fmt.Printf("swept %d prompt(s) to manual review\n", total)
}
