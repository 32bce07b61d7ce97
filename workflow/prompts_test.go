package workflow

import (
	"strings"
	"sync"
	"testing"

	"bitbucket.org/sellerguard/recovery_backend/models"
	"github.com/shopspring/decimal"
)

func TestPromptQuestion_MentionsAnomalyValueAndConfidence(t *testing.T) {
	claim := models.ClaimCandidate{
		AnomalyType:    "lost_inbound",
		EstimatedValue: decimal.RequireFromString("42.5"),
		Currency:       "USD",
	}
	q := promptQuestion(claim, 0.62)
	for _, want := range []string{"lost_inbound", "42.50 USD", "62% match"} {
		if !strings.Contains(q, want) {
			t.Fatalf("prompt question missing %q: %s", want, q)
		}
	}
}

// fakePromptRow mirrors the conditional UPDATE ... WHERE status = 'pending'
// that AnswerPrompt and SweepExpiredPrompts both use: whoever moves the row
// off pending first wins, the other side sees zero rows affected.
type fakePromptRow struct {
	mu     sync.Mutex
	status models.PromptStatus
}

func (r *fakePromptRow) cas(to models.PromptStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != models.PromptStatusPending {
		return false
	}
	r.status = to
	return true
}

func TestPromptAnswerVsExpiry_ExactlyOneWinner(t *testing.T) {
	for run := 0; run < 200; run++ {
		row := &fakePromptRow{status: models.PromptStatusPending}

		var (
			winners int
			wmu     sync.Mutex
			wg      sync.WaitGroup
		)
		record := func(won bool) {
			if !won {
				return
			}
			wmu.Lock()
			winners++
			wmu.Unlock()
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			record(row.cas(models.PromptStatusAnswered))
		}()
		go func() {
			defer wg.Done()
			record(row.cas(models.PromptStatusExpired))
		}()
		wg.Wait()

		if winners != 1 {
			t.Fatalf("run=%d expected exactly one winner, got %d (status=%s)", run, winners, row.status)
		}
		if row.status != models.PromptStatusAnswered && row.status != models.PromptStatusExpired {
			t.Fatalf("run=%d row left in non-terminal status %s", run, row.status)
		}
	}
}

func TestPromptDuplicateAnswers_OnlyFirstWins(t *testing.T) {
	row := &fakePromptRow{status: models.PromptStatusPending}

	var (
		winners int
		wmu     sync.Mutex
		wg      sync.WaitGroup
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if row.cas(models.PromptStatusAnswered) {
				wmu.Lock()
				winners++
				wmu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winning answer, got %d", winners)
	}
}
