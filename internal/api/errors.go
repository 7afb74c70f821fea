package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goodtune/worktimer/internal/approval"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/goodtune/worktimer/internal/timersync"
	"github.com/goodtune/worktimer/internal/upload"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{timer.ErrAlreadyRunning, http.StatusConflict, "already_running"},
	{timer.ErrNotRunning, http.StatusConflict, "not_running"},
	{timer.ErrNotPaused, http.StatusConflict, "not_paused"},
	{timer.ErrNoActiveTimer, http.StatusNotFound, "no_active_timer"},
	{timer.ErrPauseLimitExceeded, http.StatusUnprocessableEntity, "pause_limit_exceeded"},
	{timer.ErrInvalidAllocation, http.StatusBadRequest, "invalid_allocation"},
	{timersync.ErrSyncConflict, http.StatusConflict, "sync_conflict"},
	{timersync.ErrNoConflict, http.StatusNotFound, "no_conflict"},
	{timersync.ErrUnmergeable, http.StatusConflict, "unmergeable"},
	{timersync.ErrOperationSuperseded, http.StatusConflict, "superseded"},
	{timersync.ErrTooManyDevices, http.StatusTooManyRequests, "too_many_devices"},
	{timersync.ErrUnknownStrategy, http.StatusBadRequest, "unknown_strategy"},
	{timersync.ErrEngineClosed, http.StatusServiceUnavailable, "shutting_down"},
	{approval.ErrAlreadyVoted, http.StatusConflict, "already_voted"},
	{approval.ErrRequestClosed, http.StatusConflict, "request_closed"},
	{approval.ErrNotApprover, http.StatusForbidden, "not_approver"},
	{approval.ErrInvalidDecision, http.StatusBadRequest, "invalid_decision"},
	{approval.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{upload.ErrEmpty, http.StatusBadRequest, "empty_upload"},
	{upload.ErrTooLarge, http.StatusRequestEntityTooLarge, "upload_too_large"},
	{upload.ErrRejected, http.StatusBadGateway, "upload_rejected"},
	{storage.ErrIdempotencyMismatch, http.StatusConflict, "idempotency_key_reused"},
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
}

// writeError maps err to a status code and JSON error body.
func writeError(ctx *gin.Context, err error) {
	var conflict *timersync.ConflictError
	if errors.As(err, &conflict) {
		ctx.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":    "sync_conflict",
			"message":  err.Error(),
			"conflict": conflict.Conflict,
		})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			abort(ctx, m.status, m.code, err.Error())
			return
		}
	}

	_ = ctx.Error(err)
	abort(ctx, http.StatusInternalServerError, "internal_error", "Internal server error")
}

func badRequest(ctx *gin.Context, message string) {
	abort(ctx, http.StatusBadRequest, "bad_request", message)
}

func forbidden(ctx *gin.Context) {
	abort(ctx, http.StatusForbidden, "forbidden", "Insufficient capabilities for this resource")
}
