package engine

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/drummonds/thumbstrip/database"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

// GetJob retrieves a prewarm, prune or invalidate job by ID
// @Summary Get job by ID
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID (ULID)"
// @Success 200 {object} database.Job "Job details"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Failure 404 {object} map[string]interface{} "Job not found"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs/{id} [get]
func (serverHandler *ServerHandler) GetJob(c echo.Context) error {
	jobID, err := ulid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid job ID format",
		})
	}

	job, err := serverHandler.DB.GetJob(jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "Job not found",
		})
	}
	if err != nil {
		Logger.Error("Job lookup failed", "jobID", jobID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve job",
		})
	}
	return c.JSON(http.StatusOK, job)
}

// GetRecentJobs lists recent jobs, newest first
// @Summary Get recent jobs
// @Tags Jobs
// @Produce json
// @Param limit query int false "Number of jobs to return (default: 20, max 100)"
// @Param offset query int false "Offset for pagination (default: 0)"
// @Param type query string false "Only jobs of this type (prewarm, prune, invalidate)"
// @Success 200 {array} database.Job "List of jobs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs [get]
func (serverHandler *ServerHandler) GetRecentJobs(c echo.Context) error {
	limit := queryInt(c, "limit", 20, 1, 100)
	offset := queryInt(c, "offset", 0, 0, -1)

	jobs, err := serverHandler.DB.GetRecentJobs(limit, offset)
	if err != nil {
		Logger.Error("Failed to get recent jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve jobs",
		})
	}

	return c.JSON(http.StatusOK, filterJobs(jobs, database.JobType(c.QueryParam("type"))))
}

// GetActiveJobs lists pending and running jobs
// @Summary Get active jobs
// @Tags Jobs
// @Produce json
// @Success 200 {array} database.Job "List of active jobs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs/active [get]
func (serverHandler *ServerHandler) GetActiveJobs(c echo.Context) error {
	jobs, err := serverHandler.DB.GetActiveJobs()
	if err != nil {
		Logger.Error("Failed to get active jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve active jobs",
		})
	}
	return c.JSON(http.StatusOK, filterJobs(jobs, ""))
}

// filterJobs keeps jobs of jobType, all of them when jobType is empty, and
// never returns nil so the JSON is an array
func filterJobs(jobs []database.Job, jobType database.JobType) []database.Job {
	filtered := make([]database.Job, 0, len(jobs))
	for _, job := range jobs {
		if jobType == "" || job.Type == jobType {
			filtered = append(filtered, job)
		}
	}
	return filtered
}

// queryInt parses an integer query parameter, falling back to def when it is
// missing or outside [lo, hi]. A negative hi means unbounded.
func queryInt(c echo.Context, name string, def, lo, hi int) int {
	value, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || value < lo || (hi >= 0 && value > hi) {
		return def
	}
	return value
}
