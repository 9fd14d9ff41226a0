package engine

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// InitializeSchedules starts the cache prune job when CACHE_MAX_AGE_HOURS is
// set. It returns nil when there is nothing to schedule.
func (serverHandler *ServerHandler) InitializeSchedules() *cron.Cron {
	serverConfig := serverHandler.ServerConfig
	if serverConfig.CacheMaxAgeHours <= 0 {
		Logger.Info("Cache pruning disabled, thumbnails are kept until their document changes")
		return nil
	}

	c := cron.New()
	var pruneJob cron.Job
	pruneJob = cron.FuncJob(serverHandler.pruneJobFunc)
	pruneJob = cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(pruneJob) //ensure we don't kick off another if old one is still running
	if _, err := c.AddJob(fmt.Sprintf("@every %dm", serverConfig.CachePruneInterval), pruneJob); err != nil {
		Logger.Error("Unable to schedule cache prune job", "error", err)
		return nil
	}
	Logger.Info("Adding cache prune scheduler", "interval_minutes", serverConfig.CachePruneInterval, "max_age_hours", serverConfig.CacheMaxAgeHours)
	c.Start()
	return c
}

// StopSchedules stops c and waits for any job that is still running. A nil c
// is a no-op.
func StopSchedules(c *cron.Cron) {
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
