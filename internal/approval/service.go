package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/metrics"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

var (
	ErrAlreadyVoted    = errors.New("approval: admin already voted on this request")
	ErrRequestClosed   = errors.New("approval: request is no longer pending")
	ErrInvalidDecision = errors.New("approval: invalid decision")
	ErrNotApprover     = errors.New("approval: voter may not approve this request")
	ErrInvalidRequest  = errors.New("approval: invalid request")
)

const defaultMaxRetries = 8

// Gate decides whether an allocation needs approval.
type Gate interface {
	RequiresApproval(ctx context.Context, hours, value float64) (bool, error)
}

// Config holds approval workflow settings.
type Config struct {
	RequiredApprovals int
	RejectPolicy      RejectPolicy
	MaxRetries        int
}

// ConfigFrom builds a service configuration from the application config.
func ConfigFrom(cfg config.ApprovalConfig) (Config, error) {
	policy, err := ParseRejectPolicy(cfg.RejectPolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{RequiredApprovals: cfg.RequiredApprovals, RejectPolicy: policy}, nil
}

// CreateRequest describes a new allocation approval request.
type CreateRequest struct {
	FreelancerID      string  `json:"freelancer_id"`
	ProjectID         string  `json:"project_id"`
	AllocatedHours    float64 `json:"allocated_hours"`
	TotalValue        float64 `json:"total_value"`
	Reason            string  `json:"reason"`
	RequiredApprovals int     `json:"required_approvals,omitempty"`
}

// Service records votes and keeps request status consistent with them.
type Service struct {
	store  storage.ApprovalStore
	gate   Gate
	cfg    Config
	clock  timer.Clock
	logger zerolog.Logger
}

// NewService creates an approval service. gate may be nil, in which case
// no allocation requires approval.
func NewService(store storage.ApprovalStore, gate Gate, cfg Config, logger zerolog.Logger) *Service {
	if cfg.RequiredApprovals < 1 {
		cfg.RequiredApprovals = 1
	}
	if cfg.RejectPolicy == "" {
		cfg.RejectPolicy = RejectAny
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Service{
		store:  store,
		gate:   gate,
		cfg:    cfg,
		clock:  timer.RealClock{},
		logger: logger.With().Str("component", "approval").Logger(),
	}
}

// SetClock replaces the clock (for testing).
func (s *Service) SetClock(clock timer.Clock) {
	s.clock = clock
}

// Create opens a PENDING request. A request may raise the configured
// quorum but never lower it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.ApprovalRequest, error) {
	if req.FreelancerID == "" || req.ProjectID == "" {
		return nil, fmt.Errorf("%w: freelancer and project are required", ErrInvalidRequest)
	}
	if req.AllocatedHours <= 0 {
		return nil, fmt.Errorf("%w: allocated hours must be positive", ErrInvalidRequest)
	}
	if req.TotalValue < 0 {
		return nil, fmt.Errorf("%w: total value cannot be negative", ErrInvalidRequest)
	}
	required := req.RequiredApprovals
	if required == 0 {
		required = s.cfg.RequiredApprovals
	}
	if required < s.cfg.RequiredApprovals {
		return nil, fmt.Errorf("%w: required approvals must be at least %d", ErrInvalidRequest, s.cfg.RequiredApprovals)
	}

	now := s.clock.Now()
	record := storage.ApprovalRequest{
		ID:                uuid.NewString(),
		FreelancerID:      req.FreelancerID,
		ProjectID:         req.ProjectID,
		AllocatedHours:    req.AllocatedHours,
		TotalValue:        req.TotalValue,
		Reason:            req.Reason,
		RequiredApprovals: required,
		Approvals:         []storage.Vote{},
		Status:            storage.StatusPending,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	metrics.ApprovalStatus.WithLabelValues(string(storage.StatusPending)).Inc()
	s.logger.Info().
		Str("request_id", record.ID).
		Str("freelancer_id", record.FreelancerID).
		Str("project_id", record.ProjectID).
		Float64("allocated_hours", record.AllocatedHours).
		Int("required_approvals", required).
		Msg("Approval request created")

	return &record, nil
}

// SubmitVote appends adminID's decision and recomputes the status. Votes
// are append-only: a second vote by the same admin and any vote on a
// decided request are rejected.
func (s *Service) SubmitVote(ctx context.Context, requestID, adminID string, decision storage.Decision, comment string) (*storage.ApprovalRequest, error) {
	parsed, err := storage.ParseDecision(string(decision))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDecision, err)
	}
	if strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("%w: missing admin id", ErrNotApprover)
	}

	var updated storage.ApprovalRequest
	attempt := func() error {
		req, err := s.store.Get(ctx, requestID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if req.Status.Terminal() {
			return backoff.Permanent(fmt.Errorf("%w: status is %s", ErrRequestClosed, req.Status))
		}
		if req.FreelancerID == adminID {
			return backoff.Permanent(fmt.Errorf("%w: requester cannot vote on their own allocation", ErrNotApprover))
		}
		for _, v := range req.Approvals {
			if v.AdminID == adminID {
				return backoff.Permanent(ErrAlreadyVoted)
			}
		}

		now := s.clock.Now()
		next := *req
		next.Approvals = append(append([]storage.Vote(nil), req.Approvals...), storage.Vote{
			AdminID:  adminID,
			Decision: parsed,
			Comment:  comment,
			CastAt:   now,
		})
		next.Status = ComputeStatus(next.Approvals, next.RequiredApprovals, s.cfg.RejectPolicy)
		next.Version = req.Version + 1
		next.UpdatedAt = now
		if next.Status.Terminal() {
			decided := now
			next.DecidedAt = &decided
		}

		if err := s.store.Update(ctx, next, req.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				s.logger.Debug().Str("request_id", requestID).Msg("Concurrent vote, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		updated = next
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), uint64(s.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}

	metrics.ApprovalVotes.WithLabelValues(string(parsed)).Inc()
	if updated.Status.Terminal() {
		metrics.ApprovalStatus.WithLabelValues(string(updated.Status)).Inc()
	}

	s.logger.Info().
		Str("request_id", requestID).
		Str("admin_id", adminID).
		Str("decision", string(parsed)).
		Str("status", string(updated.Status)).
		Msg("Approval vote recorded")

	return &updated, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	return s.store.Get(ctx, id)
}

// List returns requests matching filter, newest first.
func (s *Service) List(ctx context.Context, filter storage.ApprovalFilter) ([]storage.ApprovalRequest, error) {
	return s.store.List(ctx, filter)
}

// NeedsApproval reports whether an allocation must go through voting.
func (s *Service) NeedsApproval(ctx context.Context, hours, value float64) (bool, error) {
	if s.gate == nil {
		return false, nil
	}
	return s.gate.RequiresApproval(ctx, hours, value)
}
