package database

import (
	"time"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

// TimeLog is a stopped timer session.
type TimeLog struct {
	ID               string        `gorm:"primaryKey;size:64"`
	TimerID          string        `gorm:"size:64;not null"`
	UserID           string        `gorm:"size:128;index:idx_time_logs_user_end,priority:1;not null"`
	ProjectID        string        `gorm:"size:128;index"`
	JobCardID        string        `gorm:"size:128"`
	Title            string        `gorm:"size:255"`
	StartTime        time.Time     `gorm:"not null"`
	EndTime          time.Time     `gorm:"index:idx_time_logs_user_end,priority:2,sort:desc;not null"`
	AllocatedSeconds int64         `gorm:"not null"`
	WorkedSeconds    int64         `gorm:"not null"`
	PauseCount       int           `gorm:"not null"`
	PauseHistory     []timer.Pause `gorm:"serializer:json"`
	Notes            string
	Reason           string `gorm:"size:32;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func timeLogFromEntry(e timer.LogEntry) TimeLog {
	return TimeLog{
		ID:               e.ID,
		TimerID:          e.TimerID,
		UserID:           e.UserID,
		ProjectID:        e.ProjectID,
		JobCardID:        e.JobCardID,
		Title:            e.Title,
		StartTime:        e.StartTime,
		EndTime:          e.EndTime,
		AllocatedSeconds: e.AllocatedSeconds,
		WorkedSeconds:    e.WorkedSeconds,
		PauseCount:       e.PauseCount,
		PauseHistory:     e.PauseHistory,
		Notes:            e.Notes,
		Reason:           string(e.Reason),
	}
}

func (l TimeLog) entry() timer.LogEntry {
	return timer.LogEntry{
		ID:               l.ID,
		TimerID:          l.TimerID,
		UserID:           l.UserID,
		ProjectID:        l.ProjectID,
		JobCardID:        l.JobCardID,
		Title:            l.Title,
		StartTime:        l.StartTime,
		EndTime:          l.EndTime,
		AllocatedSeconds: l.AllocatedSeconds,
		WorkedSeconds:    l.WorkedSeconds,
		PauseCount:       l.PauseCount,
		PauseHistory:     l.PauseHistory,
		Notes:            l.Notes,
		Reason:           timer.Reason(l.Reason),
	}
}

// Upload is stored media metadata.
type Upload struct {
	ID          string   `gorm:"primaryKey;size:64"`
	OwnerID     string   `gorm:"size:128;index;not null"`
	Filename    string   `gorm:"size:255;not null"`
	ContentType string   `gorm:"size:128"`
	Size        int64    `gorm:"not null"`
	URL         string   `gorm:"not null"`
	Fallback    bool     `gorm:"not null"`
	Permissions []string `gorm:"serializer:json"`
	CreatedAt   time.Time
}

func uploadFromRecord(r storage.UploadRecord) Upload {
	return Upload{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Filename:    r.Filename,
		ContentType: r.ContentType,
		Size:        r.Size,
		URL:         r.URL,
		Fallback:    r.Fallback,
		Permissions: r.Permissions,
		CreatedAt:   r.CreatedAt,
	}
}

func (u Upload) record() storage.UploadRecord {
	return storage.UploadRecord{
		ID:          u.ID,
		OwnerID:     u.OwnerID,
		Filename:    u.Filename,
		ContentType: u.ContentType,
		Size:        u.Size,
		URL:         u.URL,
		Fallback:    u.Fallback,
		Permissions: u.Permissions,
		CreatedAt:   u.CreatedAt,
	}
}
