package storage

import (
	"context"
	"errors"

	"github.com/goodtune/worktimer/internal/timer"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrVersionConflict is returned by compare-and-set writes whose expected
	// version no longer matches the stored one.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrActiveTimerExists is returned when a user already has a non-terminal
	// timer.
	ErrActiveTimerExists = errors.New("storage: active timer exists")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("storage: record already exists")

	// ErrIdempotencyMismatch is returned when an idempotency key resolves to
	// a timer owned by another user.
	ErrIdempotencyMismatch = errors.New("storage: idempotency key belongs to another user")
)

// Store represents the root storage interface shared by all devices.
type Store interface {
	Close() error
	Timers() TimerStore
	Approvals() ApprovalStore
}

// TimerStore is the authoritative, multi-device timer record.
type TimerStore interface {
	// Create stores state as the user's active timer. A repeated
	// idempotency key returns the timer it originally created. If another
	// timer is active the existing one is returned with ErrActiveTimerExists.
	Create(ctx context.Context, state *timer.State, idempotencyKey string) (*timer.State, error)
	GetActive(ctx context.Context, userID string) (*timer.State, error)
	// Update replaces the stored timer if its sync version equals
	// expectedVersion.
	Update(ctx context.Context, state *timer.State, expectedVersion int64) error
	// Delete removes the timer. Deleting a missing timer is not an error.
	Delete(ctx context.Context, userID, timerID string) error
	ListActive(ctx context.Context) ([]timer.State, error)
	// Subscribe delivers changes to userID's timer until ctx is cancelled.
	Subscribe(ctx context.Context, userID string) (<-chan TimerChange, error)
}

// ApprovalStore manages allocation approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, req ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	// Update replaces the request if its version equals expectedVersion.
	Update(ctx context.Context, req ApprovalRequest, expectedVersion int64) error
	List(ctx context.Context, filter ApprovalFilter) ([]ApprovalRequest, error)
}

// LocalStore is the device-local timer cache and offline outbox.
type LocalStore interface {
	SaveCache(ctx context.Context, userID, deviceID string, cached CachedTimer) error
	LoadCache(ctx context.Context, userID, deviceID string) (*CachedTimer, error)
	ClearCache(ctx context.Context, userID, deviceID string) error

	// AppendOutbox assigns op the next sequence number and persists it.
	AppendOutbox(ctx context.Context, userID, deviceID string, op OutboxOp) (uint64, error)
	ListOutbox(ctx context.Context, userID, deviceID string) ([]OutboxOp, error)
	DeleteOutbox(ctx context.Context, userID, deviceID string, seq uint64) error
	ClearOutbox(ctx context.Context, userID, deviceID string) error
}

// TimeLogStore persists completed work sessions.
type TimeLogStore interface {
	// Record upserts by entry ID so replays are harmless.
	Record(ctx context.Context, entry timer.LogEntry) error
	Get(ctx context.Context, id string) (*timer.LogEntry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]timer.LogEntry, error)
}

// UploadStore persists upload metadata.
type UploadStore interface {
	SaveUpload(ctx context.Context, record UploadRecord) error
	ListUploads(ctx context.Context, ownerID string) ([]UploadRecord, error)
}
