package database

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
)

// BunThumbnail represents the thumbnails table for Bun ORM
type BunThumbnail struct {
	bun.BaseModel `bun:"table:thumbnails,alias:t"`

	ID           int       `bun:"id,pk,autoincrement"`
	Document     string    `bun:"document,notnull,unique:document_page"`
	Page         int       `bun:"page,notnull,unique:document_page"`
	CachePath    string    `bun:"cache_path,notnull"`
	Bytes        int       `bun:"bytes,notnull,default:0"`
	Width        int       `bun:"width,notnull,default:0"`
	Height       int       `bun:"height,notnull,default:0"`
	RenderMillis int64     `bun:"render_millis,notnull,default:0"`
	Persisted    bool      `bun:"persisted,notnull"`
	SessionID    string    `bun:"session_id,nullzero"`
	RenderedAt   time.Time `bun:"rendered_at,notnull,default:current_timestamp"`
}

// ToThumbnail converts BunThumbnail to Thumbnail
func (bt *BunThumbnail) ToThumbnail() *Thumbnail {
	return &Thumbnail{
		ID:           bt.ID,
		Document:     bt.Document,
		Page:         bt.Page,
		CachePath:    bt.CachePath,
		Bytes:        bt.Bytes,
		Width:        bt.Width,
		Height:       bt.Height,
		RenderMillis: bt.RenderMillis,
		Persisted:    bt.Persisted,
		SessionID:    bt.SessionID,
		RenderedAt:   bt.RenderedAt,
	}
}

// FromThumbnail converts Thumbnail to BunThumbnail
func FromThumbnail(t *Thumbnail) *BunThumbnail {
	return &BunThumbnail{
		ID:           t.ID,
		Document:     t.Document,
		Page:         t.Page,
		CachePath:    t.CachePath,
		Bytes:        t.Bytes,
		Width:        t.Width,
		Height:       t.Height,
		RenderMillis: t.RenderMillis,
		Persisted:    t.Persisted,
		SessionID:    t.SessionID,
		RenderedAt:   t.RenderedAt,
	}
}

// BunJob represents the jobs table for Bun ORM
type BunJob struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          string     `bun:"id,pk"` // ULID as string
	Type        string     `bun:"type,notnull"`
	Status      string     `bun:"status,default:'pending'"`
	Progress    int        `bun:"progress,default:0"`
	CurrentStep string     `bun:"current_step,default:''"`
	TotalSteps  int        `bun:"total_steps,default:0"`
	Message     string     `bun:"message,default:''"`
	Error       string     `bun:"error,nullzero"`
	Result      string     `bun:"result,nullzero"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	StartedAt   *time.Time `bun:"started_at,nullzero"`
	CompletedAt *time.Time `bun:"completed_at,nullzero"`
}

// ToJob converts BunJob to Job
func (bj *BunJob) ToJob() (*Job, error) {
	parsedULID, err := ulid.Parse(bj.ID)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:          parsedULID,
		Type:        JobType(bj.Type),
		Status:      JobStatus(bj.Status),
		Progress:    bj.Progress,
		CurrentStep: bj.CurrentStep,
		TotalSteps:  bj.TotalSteps,
		Message:     bj.Message,
		Error:       bj.Error,
		Result:      bj.Result,
		CreatedAt:   bj.CreatedAt,
		UpdatedAt:   bj.UpdatedAt,
		StartedAt:   bj.StartedAt,
		CompletedAt: bj.CompletedAt,
	}, nil
}

// FromJob converts Job to BunJob
func FromJob(job *Job) *BunJob {
	return &BunJob{
		ID:          job.ID.String(),
		Type:        string(job.Type),
		Status:      string(job.Status),
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		TotalSteps:  job.TotalSteps,
		Message:     job.Message,
		Error:       job.Error,
		Result:      job.Result,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}
