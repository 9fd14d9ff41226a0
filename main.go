package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	config "github.com/drummonds/thumbstrip/config"
	database "github.com/drummonds/thumbstrip/database"
	engine "github.com/drummonds/thumbstrip/engine"
	"github.com/drummonds/thumbstrip/engine/pagecache"
	"github.com/drummonds/thumbstrip/engine/pdfrenderer"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	database.Logger = Logger
	config.Logger = Logger
	engine.Logger = Logger
}

// @title thumbstrip API
// @version 1.0
// @description Renders PDF pages to PNG thumbnails on demand and caches them on disk

// @BasePath /api
// @schemes http https

// @tag.name Sessions
// @tag.description Open and close document sessions

// @tag.name Pages
// @tag.description Resolve, poll and retry page thumbnails

// @tag.name Catalog
// @tag.description Rendered thumbnail catalog and cache administration

// @tag.name Jobs
// @tag.description Prewarm, prune and invalidate job tracking

func main() {
	serverConfig, logger := config.SetupServer()
	injectGlobals(logger) //inject the logger into all of the packages

	if serverConfig.DatabaseType == "ephemeral" {
		fmt.Println("\n" + strings.Repeat("=", 50))
		fmt.Println("EPHEMERAL DATABASE MODE")
		fmt.Println("• The thumbnail catalog is destroyed on exit")
		fmt.Println("• Cached PNG files are kept")
		fmt.Println(strings.Repeat("=", 50) + "\n")
	}

	if err := run(serverConfig); err != nil {
		Logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(serverConfig config.ServerConfig) error {
	Logger.Info("Setting up database", "type", serverConfig.DatabaseType)
	db, err := database.NewRepository(serverConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	cache, err := pagecache.New(serverConfig.CachePath, Logger)
	if err != nil {
		return fmt.Errorf("unable to create thumbnail cache: %w", err)
	}

	renderer, err := pdfrenderer.NewRenderer(serverConfig.RendererBackend)
	if err != nil {
		return err
	}
	defer renderer.Close()
	Logger.Info("PDF renderer ready", "backend", serverConfig.RendererBackend)

	e := newEcho()
	serverHandler := engine.ServerHandler{
		DB:           db,
		Echo:         e,
		ServerConfig: serverConfig,
		Sessions:     engine.NewRegistry(serverConfig.DocumentPath, renderer, cache, db, serverConfig.ThumbnailWidth),
		Cache:        cache,
	}
	if err := serverHandler.StartupChecks(); err != nil { //Run all the sanity checks
		return err
	}
	defer serverHandler.Sessions.CloseAll()

	// a running prune still needs the database, so this is deferred after db.Close
	defer engine.StopSchedules(serverHandler.InitializeSchedules())

	if serverConfig.WatchDocuments {
		watcher, err := serverHandler.StartWatcher()
		if err != nil {
			Logger.Warn("Document watcher unavailable, changed PDFs will keep stale thumbnails", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	serverHandler.RegisterRoutes()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- startServer(e, serverConfig) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	Logger.Info("Shutting down, waiting for in-flight renders")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newEcho creates the echo instance with the middleware and error handling
// shared by every route
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		// Unknown routes get a JSON body, handler errors keep their own
		if errors.Is(err, echo.ErrNotFound) {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "method=${method}, uri=${uri}, status=${status}, latency=${latency_human}\n",
	}))
	return e
}

// startServer binds the configured address, moving to the next port when it
// is already taken
func startServer(e *echo.Echo, serverConfig config.ServerConfig) error {
	if serverConfig.ListenAddrIP == "" {
		Logger.Info("No Ip Addr set, binding on ALL addresses")
	}

	maxRetries := 5
	startPort := serverConfig.ListenAddrPort

	for attempt := 0; attempt < maxRetries; attempt++ {
		addr := fmt.Sprintf("%s:%s", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
		Logger.Info("Attempting to start server", "address", addr, "attempt", attempt+1)

		err := e.Start(addr)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if !isAddressInUse(err) {
			return fmt.Errorf("failed to start server: %w", err)
		}

		Logger.Warn("Port already in use, trying next port",
			"port", serverConfig.ListenAddrPort,
			"attempt", attempt+1,
			"max_attempts", maxRetries)
		serverConfig.ListenAddrPort = nextPort(serverConfig.ListenAddrPort)
	}

	return fmt.Errorf("no free port between %s and %s", startPort, serverConfig.ListenAddrPort)
}

func nextPort(port string) string {
	portNum := 0
	fmt.Sscanf(port, "%d", &portNum)
	return fmt.Sprintf("%d", portNum+1)
}

// isAddressInUse checks if the error is due to address already in use
func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}
