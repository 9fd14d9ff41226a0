package database

import (
	"log/slog"
	"os"
	"testing"

	"github.com/drummonds/thumbstrip/config"
)

func TestEphemeralPostgresCatalog(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping ephemeral PostgreSQL test in short mode")
	}
	Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	t.Log("Starting ephemeral PostgreSQL test...")
	db, err := NewRepository(config.ServerConfig{DatabaseType: "ephemeral"})
	if err != nil {
		// postgrestest needs initdb and postgres on PATH
		t.Skipf("Ephemeral PostgreSQL unavailable: %v", err)
	}
	defer db.Close()

	thumb := &Thumbnail{Document: "a.pdf", Page: 2, CachePath: "/cache/a.pdf-2.png", Bytes: 10, Persisted: true}
	if err := db.RecordThumbnail(thumb); err != nil {
		t.Fatalf("Failed to record thumbnail: %v", err)
	}
	thumb.Bytes = 20
	if err := db.RecordThumbnail(thumb); err != nil {
		t.Fatalf("Failed to upsert thumbnail: %v", err)
	}

	stats, err := db.GetThumbnailStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Thumbnails != 1 || stats.TotalBytes != 20 {
		t.Errorf("Unexpected stats after upsert: %+v", stats)
	}

	job, err := db.CreateJob(JobTypeInvalidate, "Invalidating a.pdf")
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if err := db.CompleteJob(job.ID, ""); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}
	t.Log("Ephemeral PostgreSQL catalog round trip succeeded")
}
