package models

import "time"

// OperatorEventType names an alert pushed to connected operators.
type OperatorEventType string

const (
	EventResolutionMiss     OperatorEventType = "resolution_miss"
	EventBatchFailed        OperatorEventType = "batch_failed"
	EventBroadcastPaused    OperatorEventType = "broadcast_paused"
	EventBroadcastCompleted OperatorEventType = "broadcast_completed"
	EventApprovalRejected   OperatorEventType = "approval_rejected"
	EventBroadcastFailed    OperatorEventType = "broadcast_failed"
)

type OperatorEvent struct {
	Type          OperatorEventType `json:"type"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	JobID         string            `json:"job_id,omitempty"`
	BatchIndex    *int              `json:"batch_index,omitempty"`
	Recipients    int               `json:"recipients,omitempty"`
	Message       string            `json:"message"`
	At            time.Time         `json:"at"`
}
