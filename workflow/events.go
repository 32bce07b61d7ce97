package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/sellerguard/recovery_backend/config"
	"github.com/sirupsen/logrus"
)

// WorkflowEvent is the payload published on the events topic for
// session-facing notification services.
type WorkflowEvent struct {
	Phase     int         `json:"phase"`
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	SyncId    string      `json:"syncId"`
	Result    interface{} `json:"result,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// EmitPhaseEvent publishes workflow.phase.{n}.{completed|failed}.
// Best-effort: event delivery never fails a phase, only logs.
func EmitPhaseEvent(ctx context.Context, logger *logrus.Logger, phase int, event string, syncId string, result interface{}, message string) {
	evt := WorkflowEvent{
		Phase:     phase,
		Event:     fmt.Sprintf("workflow.phase.%d.%s", phase, event),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SyncId:    syncId,
		Result:    result,
		Message:   message,
	}
	if err := config.PublishWorkflowEvent(ctx, evt); err != nil && logger != nil {
		logger.WithFields(logrus.Fields{
			"field":   "WorkflowEvents",
			"sync_id": syncId,
			"phase":   phase,
			"event":   evt.Event,
		}).Warn("failed to publish workflow event: " + err.Error())
	}
}

// EmitPromptEvent notifies the user's active sessions about a new prompt.
func EmitPromptEvent(ctx context.Context, logger *logrus.Logger, promptId, claimId, userId, question string, expiresAt time.Time) {
	evt := map[string]interface{}{
		"event":     "workflow.prompt.created",
		"promptId":  promptId,
		"claimId":   claimId,
		"userId":    userId,
		"question":  question,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339Nano),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := config.PublishWorkflowEvent(ctx, evt); err != nil && logger != nil {
		logger.WithFields(logrus.Fields{
			"field":     "WorkflowEvents",
			"prompt_id": promptId,
			"claim_id":  claimId,
		}).Warn("failed to publish prompt event: " + err.Error())
	}
}
