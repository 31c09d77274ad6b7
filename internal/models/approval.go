package models

import "time"

// ApprovalStatus is the lifecycle state of a PendingApproval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalSent     ApprovalStatus = "sent"
	ApprovalRejected ApprovalStatus = "rejected"
)

// IsTerminal reports whether the status can no longer change.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalSent || s == ApprovalRejected
}

// PendingApproval is a composed message waiting for the approver's sign-off.
// CorrelationID is the Message-ID of the notification sent to the approver,
// stored without angle brackets. List names the roster it goes to once approved.
type PendingApproval struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	List          string          `json:"list"`
	Subject       string          `json:"subject"`
	SenderName    string          `json:"sender_name"`
	SenderEmail   string          `json:"sender_email"`
	BodyHTML      string          `json:"body_html"`
	Attachments   []AttachmentRef `json:"attachments"`
	Status        ApprovalStatus  `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// AttachmentRef describes an attachment without carrying its content.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ApprovalEvent is an inbound reply considered by the approval detector.
type ApprovalEvent struct {
	UID           uint32
	From          string
	CorrelationID string
	BodyHTML      string
	Approved      bool
	Rejected      bool
	ReceivedAt    time.Time
}
