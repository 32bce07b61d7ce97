package workflow

import (
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/sellerguard/recovery_backend/models"
)

// fakeSignalStore mirrors the claim-scoped webhook flow: the claim
// transition is a per-claim conditional update applied on every signal, and
// the per-sync ledger row is bookkeeping that only the first signal
// occupies. Claim resolution must never depend on the ledger row's state.
type fakeSignalStore struct {
	mu         sync.Mutex
	claims     map[string]models.ClaimStatus
	packets    map[string]int
	ledgerDone map[string]bool
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{
		claims:     map[string]models.ClaimStatus{},
		packets:    map[string]int{},
		ledgerDone: map[string]bool{},
	}
}

// applyPayout mirrors applyPayoutSignal: CAS submitted -> paid, proof packet
// only on the winning update.
func (s *fakeSignalStore) applyPayout(claimId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[claimId] != models.ClaimStatusSubmitted {
		return
	}
	s.claims[claimId] = models.ClaimStatusPaid
	s.packets[claimId]++
}

// handle mirrors HandleExternalSignal: transition first, ledger second.
func (s *fakeSignalStore) handle(syncId, claimId string) {
	s.applyPayout(claimId)

	s.mu.Lock()
	if !s.ledgerDone[syncId] {
		s.ledgerDone[syncId] = true
	}
	s.mu.Unlock()
}

func TestExternalSignalBurst_EveryClaimResolves(t *testing.T) {
	const (
		syncId     = "sync-1"
		claimCount = 20
	)

	store := newFakeSignalStore()
	claimIds := make([]string, claimCount)
	for i := range claimIds {
		claimIds[i] = fmt.Sprintf("claim-%d", i)
		store.claims[claimIds[i]] = models.ClaimStatusSubmitted
	}

	// Settlement burst: every claim's webhook fires concurrently, three
	// deliveries each, all for the same sync.
	var wg sync.WaitGroup
	for _, claimId := range claimIds {
		for d := 0; d < 3; d++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				store.handle(syncId, id)
			}(claimId)
		}
	}
	wg.Wait()

	for _, claimId := range claimIds {
		if store.claims[claimId] != models.ClaimStatusPaid {
			t.Fatalf("claim %s not resolved: %s", claimId, store.claims[claimId])
		}
		if store.packets[claimId] != 1 {
			t.Fatalf("claim %s expected exactly 1 proof packet, got %d", claimId, store.packets[claimId])
		}
	}
}
