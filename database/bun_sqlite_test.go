package database

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drummonds/thumbstrip/config"
	"github.com/oklog/ulid/v2"
)

func newTestRepository(t *testing.T) *BunDB {
	t.Helper()
	if Logger == nil {
		Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	dbFile := filepath.Join(t.TempDir(), "catalog.sqlite")
	db, err := NewRepository(config.ServerConfig{DatabaseType: "sqlite", DatabaseDbname: dbFile})
	if err != nil {
		t.Fatalf("Failed to open sqlite repository: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBunSQLiteThumbnails(t *testing.T) {
	db := newTestRepository(t)

	t.Run("Record and retrieve thumbnail", func(t *testing.T) {
		thumb := &Thumbnail{
			Document:     "reports/q1.pdf",
			Page:         0,
			CachePath:    "/cache/reports_q1.pdf~0000000000000001-0.png",
			Bytes:        1234,
			Width:        200,
			Height:       100,
			RenderMillis: 15,
			Persisted:    true,
			SessionID:    ulid.Make().String(),
		}
		if err := db.RecordThumbnail(thumb); err != nil {
			t.Fatalf("Failed to record thumbnail: %v", err)
		}
		if thumb.ID == 0 {
			t.Error("Thumbnail ID was not set after insert")
		}

		got, err := db.GetThumbnail("reports/q1.pdf", 0)
		if err != nil {
			t.Fatalf("Failed to get thumbnail: %v", err)
		}
		if got.Bytes != 1234 || got.Width != 200 || got.Height != 100 || !got.Persisted {
			t.Errorf("Unexpected thumbnail row: %+v", got)
		}
	})

	t.Run("Re-recording a page updates the row", func(t *testing.T) {
		thumb := &Thumbnail{Document: "reports/q1.pdf", Page: 0, CachePath: "/cache/x.png", Bytes: 99, Persisted: false}
		if err := db.RecordThumbnail(thumb); err != nil {
			t.Fatalf("Failed to re-record thumbnail: %v", err)
		}

		thumbs, err := db.GetThumbnails("reports/q1.pdf")
		if err != nil {
			t.Fatalf("Failed to list thumbnails: %v", err)
		}
		if len(thumbs) != 1 {
			t.Fatalf("Expected 1 row after upsert, got %d", len(thumbs))
		}
		if thumbs[0].Bytes != 99 || thumbs[0].Persisted {
			t.Errorf("Row was not updated: %+v", thumbs[0])
		}
	})

	t.Run("Listing is ordered by page", func(t *testing.T) {
		for _, page := range []int{3, 1, 2} {
			if err := db.RecordThumbnail(&Thumbnail{Document: "b.pdf", Page: page, CachePath: "p", Bytes: 10, RenderMillis: 20}); err != nil {
				t.Fatalf("Failed to record page %d: %v", page, err)
			}
		}
		thumbs, err := db.GetThumbnails("b.pdf")
		if err != nil {
			t.Fatalf("Failed to list thumbnails: %v", err)
		}
		if len(thumbs) != 3 {
			t.Fatalf("Expected 3 rows, got %d", len(thumbs))
		}
		for i, thumb := range thumbs {
			if thumb.Page != i+1 {
				t.Errorf("Row %d has page %d", i, thumb.Page)
			}
		}

		all, err := db.GetThumbnails("")
		if err != nil {
			t.Fatalf("Failed to list all thumbnails: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("Expected 4 rows across documents, got %d", len(all))
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := db.GetThumbnailStats()
		if err != nil {
			t.Fatalf("Failed to get stats: %v", err)
		}
		if stats.Documents != 2 || stats.Thumbnails != 4 {
			t.Errorf("Unexpected counts: %+v", stats)
		}
		if stats.TotalBytes != 99+30 {
			t.Errorf("Expected 129 bytes, got %d", stats.TotalBytes)
		}
	})

	t.Run("Delete by document", func(t *testing.T) {
		n, err := db.DeleteThumbnails("b.pdf")
		if err != nil {
			t.Fatalf("Failed to delete thumbnails: %v", err)
		}
		if n != 3 {
			t.Errorf("Expected 3 deleted rows, got %d", n)
		}
		if _, err := db.GetThumbnail("b.pdf", 1); err == nil {
			t.Error("Expected deleted row to be missing")
		}
		if _, err := db.GetThumbnail("reports/q1.pdf", 0); err != nil {
			t.Errorf("Other document was affected: %v", err)
		}
	})

	t.Run("Delete before cutoff", func(t *testing.T) {
		old := &Thumbnail{Document: "old.pdf", Page: 0, CachePath: "p", RenderedAt: time.Now().UTC().Add(-48 * time.Hour)}
		if err := db.RecordThumbnail(old); err != nil {
			t.Fatalf("Failed to record old thumbnail: %v", err)
		}
		n, err := db.DeleteThumbnailsBefore(time.Now().Add(-24 * time.Hour))
		if err != nil {
			t.Fatalf("Failed to prune thumbnails: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 pruned row, got %d", n)
		}
	})
}

func TestBunSQLiteJobs(t *testing.T) {
	db := newTestRepository(t)

	job, err := db.CreateJob(JobTypePrewarm, "Prewarming reports/q1.pdf")
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if job.Status != JobStatusPending {
		t.Errorf("Expected pending job, got %s", job.Status)
	}

	t.Run("Progress and completion", func(t *testing.T) {
		if err := db.UpdateJobStatus(job.ID, JobStatusRunning, "Rendering"); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}
		if err := db.UpdateJobProgress(job.ID, 50, "Rendered 2 of 4 pages"); err != nil {
			t.Fatalf("Failed to update progress: %v", err)
		}

		got, err := db.GetJob(job.ID)
		if err != nil {
			t.Fatalf("Failed to get job: %v", err)
		}
		if got.Status != JobStatusRunning || got.Progress != 50 || got.StartedAt == nil {
			t.Errorf("Unexpected running job: %+v", got)
		}

		active, err := db.GetActiveJobs()
		if err != nil {
			t.Fatalf("Failed to get active jobs: %v", err)
		}
		if len(active) != 1 {
			t.Errorf("Expected 1 active job, got %d", len(active))
		}

		if err := db.CompleteJob(job.ID, `{"resolved":4,"failed":0}`); err != nil {
			t.Fatalf("Failed to complete job: %v", err)
		}
		got, err = db.GetJob(job.ID)
		if err != nil {
			t.Fatalf("Failed to get job: %v", err)
		}
		if got.Status != JobStatusCompleted || got.Progress != 100 || got.CompletedAt == nil {
			t.Errorf("Unexpected completed job: %+v", got)
		}
	})

	t.Run("Failed job", func(t *testing.T) {
		failed, err := db.CreateJob(JobTypePrune, "Pruning cache")
		if err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}
		if err := db.UpdateJobError(failed.ID, "disk full"); err != nil {
			t.Fatalf("Failed to set job error: %v", err)
		}
		got, err := db.GetJob(failed.ID)
		if err != nil {
			t.Fatalf("Failed to get job: %v", err)
		}
		if got.Status != JobStatusFailed || got.Error != "disk full" {
			t.Errorf("Unexpected failed job: %+v", got)
		}
	})

	t.Run("Recent jobs", func(t *testing.T) {
		jobs, err := db.GetRecentJobs(10, 0)
		if err != nil {
			t.Fatalf("Failed to get recent jobs: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("Expected 2 jobs, got %d", len(jobs))
		}
		if jobs[0].Type != JobTypePrune {
			t.Errorf("Expected newest job first, got %s", jobs[0].Type)
		}

		active, err := db.GetActiveJobs()
		if err != nil {
			t.Fatalf("Failed to get active jobs: %v", err)
		}
		if len(active) != 0 {
			t.Errorf("Expected no active jobs, got %d", len(active))
		}
	})

	t.Run("Delete old jobs", func(t *testing.T) {
		n, err := db.DeleteOldJobs(-time.Minute)
		if err != nil {
			t.Fatalf("Failed to delete old jobs: %v", err)
		}
		if n != 2 {
			t.Errorf("Expected 2 deleted jobs, got %d", n)
		}
	})
}

func TestUnknownDatabaseType(t *testing.T) {
	if Logger == nil {
		Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if _, err := NewRepository(config.ServerConfig{DatabaseType: "oracle"}); err == nil {
		t.Fatal("Expected an error for an unknown database type")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := newTestRepository(t)
	if err := db.runMigrations(t.Context()); err != nil {
		t.Fatalf("Second migration run failed: %v", err)
	}
}
