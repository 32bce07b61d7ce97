package models

// Workflow phases. The lifecycle is linear with one loop-back edge at
// evidence matching (prompt resolution re-enters phase 4 routing).
const (
	PhaseOnboarding       = 1
	PhaseDataSync         = 2
	PhaseDetection        = 3
	PhaseEvidenceMatching = 4
	PhaseSubmission       = 5
	PhaseRejectionReview  = 6
	PhasePayoutProof      = 7

	PhaseMin = PhaseOnboarding
	PhaseMax = PhasePayoutProof
)

func PhaseName(phase int) string {
	switch phase {
	case PhaseOnboarding:
		return "onboarding"
	case PhaseDataSync:
		return "data_sync"
	case PhaseDetection:
		return "detection"
	case PhaseEvidenceMatching:
		return "evidence_matching"
	case PhaseSubmission:
		return "submission"
	case PhaseRejectionReview:
		return "rejection_review"
	case PhasePayoutProof:
		return "payout_proof"
	}
	return "unknown"
}

// External signal types re-entering the later phases.
type SignalType string

const (
	SignalRejection SignalType = "rejection"
	SignalPayout    SignalType = "payout"
)

type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

type SyncStatus string

const (
	SyncStatusRunning  SyncStatus = "running"
	SyncStatusComplete SyncStatus = "complete"
	SyncStatusFailed   SyncStatus = "failed"
)

type ClaimStatus string

const (
	ClaimStatusDetected        ClaimStatus = "detected"
	ClaimStatusEvidencePending ClaimStatus = "evidence_pending"
	ClaimStatusAutoSubmitted   ClaimStatus = "auto_submitted"
	ClaimStatusPrompted        ClaimStatus = "prompted"
	ClaimStatusManualReview    ClaimStatus = "manual_review"
	ClaimStatusSubmitted       ClaimStatus = "submitted"
	ClaimStatusRejected        ClaimStatus = "rejected"
	ClaimStatusPaid            ClaimStatus = "paid"
)

type PromptStatus string

const (
	PromptStatusPending   PromptStatus = "pending"
	PromptStatusAnswered  PromptStatus = "answered"
	PromptStatusExpired   PromptStatus = "expired"
	PromptStatusDismissed PromptStatus = "dismissed"
)

// Canonical record types produced by the data normalizer.
type RecordType string

const (
	RecordTypeOrder      RecordType = "order"
	RecordTypeShipment   RecordType = "shipment"
	RecordTypeReturn     RecordType = "return"
	RecordTypeSettlement RecordType = "settlement"
	RecordTypeFee        RecordType = "fee"
	RecordTypeInventory  RecordType = "inventory"
)

// Outbox publish lifecycle (phase trigger rows).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
