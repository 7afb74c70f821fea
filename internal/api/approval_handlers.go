package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goodtune/worktimer/internal/approval"
	"github.com/goodtune/worktimer/internal/policy"
	"github.com/goodtune/worktimer/internal/storage"
)

type voteRequest struct {
	Decision string `json:"decision" binding:"required"`
	Comment  string `json:"comment"`
}

func approvalResource(req *storage.ApprovalRequest) policy.Resource {
	return policy.Resource{Kind: policy.KindApproval, OwnerID: req.FreelancerID}
}

// approvalCreate opens a request. Freelancers file for themselves; admins
// may file on behalf of a freelancer and raise its quorum.
func (s *Server) approvalCreate(ctx *gin.Context) {
	subject, _ := subjectFrom(ctx)

	var req approval.CreateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	if req.FreelancerID == "" {
		req.FreelancerID = subject.UserID
	}
	if subject.Role != policy.RoleAdmin {
		req.RequiredApprovals = 0
	}

	caps, ok := s.can(ctx, policy.Resource{Kind: policy.KindApproval, OwnerID: req.FreelancerID})
	if !ok {
		return
	}
	if !caps.CanView || (subject.Role != policy.RoleAdmin && subject.Role != policy.RoleFreelancer) {
		forbidden(ctx)
		return
	}

	needed, err := s.deps.Approvals.NeedsApproval(ctx.Request.Context(), req.AllocatedHours, req.TotalValue)
	if err != nil {
		writeError(ctx, err)
		return
	}

	created, err := s.deps.Approvals.Create(ctx.Request.Context(), req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"request": created, "requires_approval": needed})
}

// approvalList returns requests visible to the caller. Non-admins only see
// their own.
func (s *Server) approvalList(ctx *gin.Context) {
	subject, _ := subjectFrom(ctx)

	filter := storage.ApprovalFilter{
		Status:       storage.ApprovalStatus(strings.ToUpper(ctx.Query("status"))),
		FreelancerID: ctx.Query("freelancer"),
		ProjectID:    ctx.Query("project"),
	}
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(ctx, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if subject.Role != policy.RoleAdmin {
		filter.FreelancerID = subject.UserID
	}

	requests, err := s.deps.Approvals.List(ctx.Request.Context(), filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (s *Server) approvalGet(ctx *gin.Context) {
	req, err := s.deps.Approvals.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}

	caps, ok := s.can(ctx, approvalResource(req))
	if !ok {
		return
	}
	if !caps.CanView {
		forbidden(ctx)
		return
	}
	ctx.JSON(http.StatusOK, req)
}

func (s *Server) approvalVote(ctx *gin.Context) {
	subject, _ := subjectFrom(ctx)

	var body voteRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		badRequest(ctx, err.Error())
		return
	}

	req, err := s.deps.Approvals.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	caps, ok := s.can(ctx, approvalResource(req))
	if !ok {
		return
	}
	if !caps.CanApprove {
		forbidden(ctx)
		return
	}

	updated, err := s.deps.Approvals.SubmitVote(ctx.Request.Context(), req.ID, subject.UserID, storage.Decision(body.Decision), body.Comment)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, updated)
}
