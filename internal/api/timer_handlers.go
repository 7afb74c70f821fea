package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/goodtune/worktimer/internal/policy"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/goodtune/worktimer/internal/timersync"
)

const engineKey = "engine"

type stopRequest struct {
	Notes  string       `json:"notes"`
	Reason timer.Reason `json:"reason"`
}

type resolveRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// requireTimerAccess checks the caller may manage their own timer and
// attaches the device's sync engine.
func (s *Server) requireTimerAccess() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		subject, _ := subjectFrom(ctx)
		caps, ok := s.can(ctx, policy.Resource{Kind: policy.KindTimer, OwnerID: subject.UserID})
		if !ok {
			return
		}
		if !caps.CanManageTimer {
			forbidden(ctx)
			return
		}

		engine, err := s.deps.Hub.Engine(subject.UserID, deviceFrom(ctx))
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.Set(engineKey, engine)
		ctx.Next()
	}
}

func engineFrom(ctx *gin.Context) *timersync.Engine {
	return ctx.MustGet(engineKey).(*timersync.Engine)
}

// respondState writes state, answering 202 when the write was queued
// while offline.
func respondState(ctx *gin.Context, state *timer.State, err error) {
	var queued *timersync.QueuedError
	if errors.As(err, &queued) {
		ctx.JSON(http.StatusAccepted, gin.H{"state": queued.State, "queued": true})
		return
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"state": state, "queued": false})
}

func (s *Server) timerStatus(ctx *gin.Context) {
	status, err := engineFrom(ctx).Status(ctx.Request.Context())
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, status)
}

func (s *Server) timerStart(ctx *gin.Context) {
	var req timersync.StartRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	if key := ctx.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	state, err := engineFrom(ctx).Start(ctx.Request.Context(), req)
	respondState(ctx, state, err)
}

func (s *Server) timerPause(ctx *gin.Context) {
	state, err := engineFrom(ctx).Pause(ctx.Request.Context())
	respondState(ctx, state, err)
}

func (s *Server) timerResume(ctx *gin.Context) {
	state, err := engineFrom(ctx).Resume(ctx.Request.Context())
	respondState(ctx, state, err)
}

func (s *Server) timerStop(ctx *gin.Context) {
	var req stopRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = timer.ReasonManual
	}
	if !req.Reason.Valid() {
		badRequest(ctx, "unknown stop reason: "+string(req.Reason))
		return
	}

	entry, err := engineFrom(ctx).Stop(ctx.Request.Context(), req.Notes, req.Reason)
	var queued *timersync.QueuedError
	if errors.As(err, &queued) {
		ctx.JSON(http.StatusAccepted, gin.H{"entry": queued.Entry, "queued": true})
		return
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entry, "queued": false})
}

func (s *Server) timerSync(ctx *gin.Context) {
	engine := engineFrom(ctx)
	if err := engine.SyncAll(ctx.Request.Context()); err != nil {
		if errors.Is(err, timersync.ErrNetworkUnavailable) {
			abort(ctx, http.StatusServiceUnavailable, "offline", err.Error())
			return
		}
		writeError(ctx, err)
		return
	}
	s.timerStatus(ctx)
}

func (s *Server) timerResolve(ctx *gin.Context) {
	var req resolveRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	strategy, err := timersync.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(ctx, err)
		return
	}

	state, err := engineFrom(ctx).ResolveConflict(ctx.Request.Context(), strategy)
	respondState(ctx, state, err)
}

func (s *Server) timerVisibility(ctx *gin.Context) {
	var req visibilityRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	if err := engineFrom(ctx).SetVisible(ctx.Request.Context(), *req.Visible); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"visible": *req.Visible})
}

// timerLogs lists completed sessions. Admins may pass ?user= to read
// another user's logs.
func (s *Server) timerLogs(ctx *gin.Context) {
	subject, _ := subjectFrom(ctx)
	target := ctx.DefaultQuery("user", subject.UserID)

	caps, ok := s.can(ctx, policy.Resource{Kind: policy.KindTimer, OwnerID: target})
	if !ok {
		return
	}
	if !caps.CanView {
		forbidden(ctx)
		return
	}

	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(ctx, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.deps.Logs.ListByUser(ctx.Request.Context(), target, limit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"logs": entries})
}
