package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record upserts a time log keyed by its ID, so a replayed stop writes the
// same row.
func (db *DB) Record(ctx context.Context, entry timer.LogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("time log requires an ID")
	}
	row := timeLogFromEntry(entry)
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record time log %s: %w", entry.ID, err)
	}
	return nil
}

// Get returns a time log by ID
func (db *DB) Get(ctx context.Context, id string) (*timer.LogEntry, error) {
	var row TimeLog
	err := db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry := row.entry()
	return &entry, nil
}

// ListByUser returns a user's time logs, most recent first
func (db *DB) ListByUser(ctx context.Context, userID string, limit int) ([]timer.LogEntry, error) {
	q := db.WithContext(ctx).Where("user_id = ?", userID).Order("end_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []TimeLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]timer.LogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry())
	}
	return entries, nil
}

// SaveUpload stores upload metadata, assigning an ID when missing
func (db *DB) SaveUpload(ctx context.Context, record storage.UploadRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	row := uploadFromRecord(record)
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save upload %s: %w", record.Filename, err)
	}
	return nil
}

// ListUploads returns an owner's uploads, newest first
func (db *DB) ListUploads(ctx context.Context, ownerID string) ([]storage.UploadRecord, error) {
	var rows []Upload
	if err := db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]storage.UploadRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}
