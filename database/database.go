package database

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// Thumbnail is the catalog record of one rendered page
type Thumbnail struct {
	ID           int       `json:"id"`
	Document     string    `json:"document"` // document identity, the cache key prefix
	Page         int       `json:"page"`
	CachePath    string    `json:"cachePath"`
	Bytes        int       `json:"bytes"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	RenderMillis int64     `json:"renderMillis"`
	Persisted    bool      `json:"persisted"`
	SessionID    string    `json:"sessionID"`
	RenderedAt   time.Time `json:"renderedAt"`
}

// ThumbnailStats summarises the catalog
type ThumbnailStats struct {
	Documents      int   `json:"documents"`
	Thumbnails     int   `json:"thumbnails"`
	TotalBytes     int64 `json:"totalBytes"`
	AvgRenderMilli int64 `json:"avgRenderMillis"`
}

// Repository defines database operations
type Repository interface {
	Close() error
	// Thumbnail catalog methods
	RecordThumbnail(thumb *Thumbnail) error
	GetThumbnail(document string, page int) (*Thumbnail, error)
	GetThumbnails(document string) ([]Thumbnail, error)
	DeleteThumbnails(document string) (int, error)
	DeleteThumbnailsBefore(cutoff time.Time) (int, error)
	GetThumbnailStats() (*ThumbnailStats, error)
	// Job tracking methods
	CreateJob(jobType JobType, message string) (*Job, error)
	UpdateJobProgress(jobID ulid.ULID, progress int, currentStep string) error
	UpdateJobStatus(jobID ulid.ULID, status JobStatus, message string) error
	UpdateJobError(jobID ulid.ULID, errorMsg string) error
	CompleteJob(jobID ulid.ULID, result string) error
	GetJob(jobID ulid.ULID) (*Job, error)
	GetRecentJobs(limit, offset int) ([]Job, error)
	GetActiveJobs() ([]Job, error)
	DeleteOldJobs(olderThan time.Duration) (int, error)
}

// CalculateUUID generates a ULID for the given time
func CalculateUUID(time time.Time) (ulid.ULID, error) {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.UnixNano())), 0)
	newULID, err := ulid.New(ulid.Timestamp(time), entropy)
	if err != nil {
		return newULID, err
	}
	return newULID, nil
}
