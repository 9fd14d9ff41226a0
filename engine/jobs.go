package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drummonds/thumbstrip/database"
	"github.com/oklog/ulid/v2"
)

// prewarmJobFunc renders pages of a session into the cache and tracks it as jobID
func (serverHandler *ServerHandler) prewarmJobFunc(session *Session, pages []int, jobID ulid.ULID) {
	db := serverHandler.DB
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in prewarm job", "panic", r, "jobID", jobID)
			failJob(db, jobID, fmt.Sprintf("Panic: %v", r))
		}
	}()

	if err := db.UpdateJobStatus(jobID, database.JobStatusRunning, "Rendering "+session.Path); err != nil {
		Logger.Error("Failed to update job status", "jobID", jobID, "error", err)
	}

	progress := func(done, total int) {
		if err := db.UpdateJobProgress(jobID, done*100/total, fmt.Sprintf("Rendered %d of %d pages", done, total)); err != nil {
			Logger.Warn("Failed to update job progress", "jobID", jobID, "error", err)
		}
	}

	started := time.Now()
	result, err := session.Pipeline().Prewarm(context.Background(), pages, serverHandler.ServerConfig.PrewarmConcurrency, progress)
	if err != nil {
		Logger.Warn("Prewarm stopped early", "session", session.ID, "error", err)
		failJob(db, jobID, err.Error())
		return
	}

	Logger.Info("Prewarm complete", "session", session.ID, "resolved", result.Resolved, "failed", result.Failed, "duration", time.Since(started))
	resultJSON, _ := json.Marshal(result)
	if err := db.CompleteJob(jobID, string(resultJSON)); err != nil {
		Logger.Error("Failed to complete job", "jobID", jobID, "error", err)
	}
}

// invalidateJobFunc invalidates one document and records it as a job.
// source is "watcher" or "api".
func (serverHandler *ServerHandler) invalidateJobFunc(document, source string) (InvalidateResult, error) {
	db := serverHandler.DB
	job, err := db.CreateJob(database.JobTypeInvalidate, fmt.Sprintf("Invalidating %s (%s)", document, source))
	if err != nil {
		Logger.Error("Failed to create invalidate job", "error", err)
		return serverHandler.Sessions.Invalidate(document)
	}
	if err := db.UpdateJobStatus(job.ID, database.JobStatusRunning, "Purging "+document); err != nil {
		Logger.Error("Failed to update job status", "jobID", job.ID, "error", err)
	}

	result, err := serverHandler.Sessions.Invalidate(document)
	if err != nil {
		failJob(db, job.ID, err.Error())
		return result, err
	}

	resultJSON, _ := json.Marshal(result)
	if err := db.CompleteJob(job.ID, string(resultJSON)); err != nil {
		Logger.Error("Failed to complete job", "jobID", job.ID, "error", err)
	}
	return result, nil
}

// pruneResult is the result payload of a prune job
type pruneResult struct {
	Files       int   `json:"files"`
	BytesFreed  int64 `json:"bytesFreed"`
	CatalogRows int   `json:"catalogRows"`
	Jobs        int   `json:"jobs"`
}

// pruneJobFunc evicts cache files, catalog rows and finished jobs older than
// CACHE_MAX_AGE_HOURS
func (serverHandler *ServerHandler) pruneJobFunc() {
	db := serverHandler.DB
	maxAge := time.Duration(serverHandler.ServerConfig.CacheMaxAgeHours) * time.Hour

	job, err := db.CreateJob(database.JobTypePrune, fmt.Sprintf("Pruning thumbnails older than %s", maxAge))
	if err != nil {
		Logger.Error("Failed to create prune job", "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in prune job", "panic", r, "jobID", job.ID)
			failJob(db, job.ID, fmt.Sprintf("Panic: %v", r))
		}
	}()
	if err := db.UpdateJobStatus(job.ID, database.JobStatusRunning, "Pruning cache"); err != nil {
		Logger.Error("Failed to update job status", "jobID", job.ID, "error", err)
	}

	var result pruneResult
	pruned, err := serverHandler.Cache.Prune(maxAge)
	if err != nil {
		Logger.Error("Cache prune failed", "error", err)
		failJob(db, job.ID, err.Error())
		return
	}
	result.Files, result.BytesFreed = pruned.Removed, pruned.BytesFreed
	if err := db.UpdateJobProgress(job.ID, 50, "Pruning catalog"); err != nil {
		Logger.Warn("Failed to update job progress", "jobID", job.ID, "error", err)
	}

	if result.CatalogRows, err = db.DeleteThumbnailsBefore(time.Now().Add(-maxAge)); err != nil {
		Logger.Error("Catalog prune failed", "error", err)
		failJob(db, job.ID, err.Error())
		return
	}
	if result.Jobs, err = db.DeleteOldJobs(maxAge); err != nil {
		Logger.Warn("Unable to delete old jobs", "error", err)
	}

	Logger.Info("Prune complete", "files", result.Files, "bytesFreed", result.BytesFreed, "rows", result.CatalogRows, "jobs", result.Jobs)
	resultJSON, _ := json.Marshal(result)
	if err := db.CompleteJob(job.ID, string(resultJSON)); err != nil {
		Logger.Error("Failed to complete job", "jobID", job.ID, "error", err)
	}
}

// failJob records errorMsg on the job, logging if even that fails
func failJob(db database.Repository, jobID ulid.ULID, errorMsg string) {
	if err := db.UpdateJobError(jobID, errorMsg); err != nil {
		Logger.Error("Failed to record job error", "jobID", jobID, "error", err)
	}
}
