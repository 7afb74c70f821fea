package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goodtune/worktimer/internal/storage"
)

func votes(pairs ...string) []storage.Vote {
	out := make([]storage.Vote, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, storage.Vote{AdminID: pairs[i], Decision: storage.Decision(pairs[i+1])})
	}
	return out
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name     string
		votes    []storage.Vote
		required int
		policy   RejectPolicy
		want     storage.ApprovalStatus
	}{
		{"no votes", nil, 2, RejectAny, storage.StatusPending},
		{"one approve of two", votes("a", "APPROVE"), 2, RejectAny, storage.StatusPending},
		{"quorum", votes("a", "APPROVE", "b", "APPROVE"), 2, RejectAny, storage.StatusApproved},
		{"duplicate admin counted once", votes("a", "APPROVE", "a", "APPROVE"), 2, RejectAny, storage.StatusPending},
		{"approve then reject", votes("a", "APPROVE", "b", "REJECT"), 2, RejectAny, storage.StatusRejected},
		{"escalate beats reject", votes("a", "REJECT", "b", "ESCALATE"), 2, RejectAny, storage.StatusEscalated},
		{"escalate beats quorum", votes("a", "APPROVE", "b", "APPROVE", "c", "ESCALATE"), 2, RejectAny, storage.StatusEscalated},
		{"majority needs quorum of rejects", votes("a", "REJECT"), 2, RejectMajority, storage.StatusPending},
		{"majority reached", votes("a", "REJECT", "b", "REJECT"), 2, RejectMajority, storage.StatusRejected},
		{"majority with approvals", votes("a", "REJECT", "b", "APPROVE", "c", "APPROVE"), 2, RejectMajority, storage.StatusApproved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeStatus(tt.votes, tt.required, tt.policy))
		})
	}
}

func TestParseRejectPolicy(t *testing.T) {
	p, err := ParseRejectPolicy("")
	assert.NoError(t, err)
	assert.Equal(t, RejectAny, p)

	_, err = ParseRejectPolicy("unanimous")
	assert.Error(t, err)
}
