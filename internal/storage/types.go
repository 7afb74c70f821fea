package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/worktimer/internal/timer"
)

// ChangeKind describes a remote timer mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// TimerChange is published whenever a user's timer changes in the store.
type TimerChange struct {
	Kind        ChangeKind `json:"kind"`
	UserID      string     `json:"user_id"`
	TimerID     string     `json:"timer_id"`
	SyncVersion int64      `json:"sync_version"`
	DeviceID    string     `json:"device_id,omitempty"`
}

// OpKind is the remote write an outbox entry performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpLog    OpKind = "log"
)

// OutboxOp is a queued remote write, replayed in sequence order.
type OutboxOp struct {
	Seq             uint64          `json:"seq"`
	Kind            OpKind          `json:"kind"`
	Token           uint64          `json:"token"`
	TimerID         string          `json:"timer_id"`
	State           *timer.State    `json:"state,omitempty"`
	ExpectedVersion int64           `json:"expected_version,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Log             *timer.LogEntry `json:"log,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
}

// CachedTimer is the device's last known timer plus its unconfirmed state.
type CachedTimer struct {
	State            *timer.State `json:"state"`
	ConfirmedVersion int64        `json:"confirmed_version"`
	Pending          bool         `json:"pending"`
	SavedAt          time.Time    `json:"saved_at"`
}

// Decision is an admin's vote on an approval request.
type Decision string

const (
	DecisionApprove  Decision = "APPROVE"
	DecisionReject   Decision = "REJECT"
	DecisionEscalate Decision = "ESCALATE"
)

// UnmarshalJSON implements json.Unmarshaler to normalize decisions to uppercase.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDecision normalizes s to a known decision.
func ParseDecision(s string) (Decision, error) {
	normalized := Decision(strings.ToUpper(strings.TrimSpace(s)))
	switch normalized {
	case DecisionApprove, DecisionReject, DecisionEscalate:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid decision: %s (must be APPROVE, REJECT, or ESCALATE)", s)
	}
}

// ApprovalStatus is the derived state of an approval request.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "PENDING"
	StatusApproved  ApprovalStatus = "APPROVED"
	StatusRejected  ApprovalStatus = "REJECTED"
	StatusEscalated ApprovalStatus = "ESCALATED"
)

// Terminal reports whether no further votes are accepted.
func (s ApprovalStatus) Terminal() bool {
	return s != StatusPending
}

// Vote is one admin's recorded decision.
type Vote struct {
	AdminID  string    `json:"admin_id"`
	Decision Decision  `json:"decision"`
	Comment  string    `json:"comment,omitempty"`
	CastAt   time.Time `json:"cast_at"`
}

// ApprovalRequest gates a large time allocation behind admin votes.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	FreelancerID      string         `json:"freelancer_id"`
	ProjectID         string         `json:"project_id"`
	AllocatedHours    float64        `json:"allocated_hours"`
	TotalValue        float64        `json:"total_value"`
	Reason            string         `json:"reason,omitempty"`
	RequiredApprovals int            `json:"required_approvals"`
	Approvals         []Vote         `json:"approvals"`
	Status            ApprovalStatus `json:"status"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
}

// ApprovalFilter defines criteria for listing approval requests.
type ApprovalFilter struct {
	Status       ApprovalStatus
	FreelancerID string
	ProjectID    string
	Limit        int
}

// Matches reports whether req satisfies the filter.
func (f ApprovalFilter) Matches(req ApprovalRequest) bool {
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.FreelancerID != "" && req.FreelancerID != f.FreelancerID {
		return false
	}
	if f.ProjectID != "" && req.ProjectID != f.ProjectID {
		return false
	}
	return true
}

// UploadRecord describes a stored media blob.
type UploadRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	URL         string    `json:"url"`
	Fallback    bool      `json:"fallback"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
