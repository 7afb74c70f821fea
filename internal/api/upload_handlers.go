package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goodtune/worktimer/internal/policy"
	"github.com/goodtune/worktimer/internal/upload"
)

func (s *Server) uploadCreate(ctx *gin.Context) {
	subject, _ := subjectFrom(ctx)

	caps, ok := s.can(ctx, policy.Resource{Kind: policy.KindUpload, OwnerID: subject.UserID})
	if !ok {
		return
	}
	if !caps.CanUpload {
		forbidden(ctx)
		return
	}

	header, err := ctx.FormFile("file")
	if err != nil {
		badRequest(ctx, "multipart field \"file\" is required")
		return
	}
	f, err := header.Open()
	if err != nil {
		writeError(ctx, err)
		return
	}
	defer f.Close()

	// One byte over the limit is enough for the client to reject it.
	data, err := io.ReadAll(io.LimitReader(f, s.maxBody+1))
	if err != nil {
		writeError(ctx, err)
		return
	}

	var permissions []string
	for _, p := range strings.Split(ctx.PostForm("permissions"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			permissions = append(permissions, p)
		}
	}

	record, err := s.deps.Uploads.Upload(ctx.Request.Context(), upload.Request{
		OwnerID:     subject.UserID,
		Role:        string(subject.Role),
		Filename:    header.Filename,
		Data:        data,
		Permissions: permissions,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, record)
}

// capabilities resolves the caller's capability set for the resource
// described by ?kind=, ?owner= and a comma-separated ?members=.
func (s *Server) capabilities(ctx *gin.Context) {
	subject, _ := subjectFrom(ctx)

	resource := policy.Resource{
		Kind:    policy.ResourceKind(ctx.DefaultQuery("kind", string(policy.KindProfile))),
		OwnerID: ctx.DefaultQuery("owner", subject.UserID),
	}
	if raw := ctx.Query("members"); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				resource.ProjectMembers = append(resource.ProjectMembers, m)
			}
		}
	}

	caps, ok := s.can(ctx, resource)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"subject":      subject,
		"resource":     resource,
		"capabilities": caps,
	})
}
