// Package approval gates large time allocations behind a quorum of admin
// votes.
package approval

import (
	"fmt"

	"github.com/goodtune/worktimer/internal/storage"
)

// RejectPolicy decides how many REJECT votes close a request.
type RejectPolicy string

const (
	// RejectAny closes the request on the first REJECT.
	RejectAny RejectPolicy = "any"
	// RejectMajority closes it once distinct rejects reach the quorum.
	RejectMajority RejectPolicy = "majority"
)

// ParseRejectPolicy validates s.
func ParseRejectPolicy(s string) (RejectPolicy, error) {
	switch p := RejectPolicy(s); p {
	case RejectAny, RejectMajority:
		return p, nil
	case "":
		return RejectAny, nil
	default:
		return "", fmt.Errorf("unknown reject policy %q", s)
	}
}

// ComputeStatus derives a request's status from its votes. Escalation
// takes precedence over rejection, and rejection over approval. Each
// admin counts once; only their first vote is considered.
func ComputeStatus(votes []storage.Vote, required int, policy RejectPolicy) storage.ApprovalStatus {
	seen := make(map[string]bool, len(votes))
	var approves, rejects int
	escalated := false

	for _, v := range votes {
		if seen[v.AdminID] {
			continue
		}
		seen[v.AdminID] = true

		switch v.Decision {
		case storage.DecisionApprove:
			approves++
		case storage.DecisionReject:
			rejects++
		case storage.DecisionEscalate:
			escalated = true
		}
	}

	switch {
	case escalated:
		return storage.StatusEscalated
	case policy == RejectMajority && rejects >= required:
		return storage.StatusRejected
	case policy != RejectMajority && rejects > 0:
		return storage.StatusRejected
	case approves >= required:
		return storage.StatusApproved
	default:
		return storage.StatusPending
	}
}
