package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// ServerConfig contains all of the server settings
type ServerConfig struct {
	ListenAddrIP       string
	ListenAddrPort     string
	DocumentPath       string // absolute root that session paths are resolved against
	CachePath          string // absolute root of the thumbnail cache
	RendererBackend    string
	ThumbnailWidth     int
	PrewarmConcurrency int
	CacheMaxAgeHours   int // 0 disables pruning
	CachePruneInterval int // minutes
	WatchDocuments     bool
	DatabaseType       string
	DatabaseHost       string
	DatabasePort       string
	DatabaseUser       string
	DatabasePassword   string `json:"-"`
	DatabaseDbname     string
	DatabaseSslmode    string
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// LoadEnvFiles loads .env and config.env into the environment, silently
// ignoring missing files. Variables already set win.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")
}

// SetupServer loads configuration and returns ServerConfig and Logger
func SetupServer() (ServerConfig, *slog.Logger) {
	LoadEnvFiles()

	logger := setupLogging()
	Logger = logger

	serverConfig := Load(logger)

	fmt.Println("\n========================================")
	fmt.Println("   thumbstrip - PDF Thumbnail Service")
	fmt.Println("========================================")
	fmt.Printf("Server will start on: %s:%s\n", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
	if serverConfig.ListenAddrIP == "" {
		fmt.Println("(Listening on all network interfaces)")
	}
	fmt.Printf("Documents: %s\n", serverConfig.DocumentPath)
	fmt.Printf("Thumbnail cache: %s\n", serverConfig.CachePath)

	return serverConfig, logger
}

// Load reads the configuration from the environment without touching logging
// setup, used by SetupServer and the prewarm command
func Load(logger *slog.Logger) ServerConfig {
	serverConfig := ServerConfig{}

	// Server configuration
	serverConfig.ListenAddrPort = getEnv("SERVER_PORT", "8000")
	serverConfig.ListenAddrIP = getEnv("SERVER_ADDR", "")

	// Storage configuration
	serverConfig.DocumentPath = absPath(logger, "document", getEnv("DOCUMENT_PATH", "documents"))
	serverConfig.CachePath = absPath(logger, "cache", getEnv("CACHE_PATH", "cache"))

	// Rendering configuration
	serverConfig.RendererBackend = getEnv("RENDERER", "pdfium")
	serverConfig.ThumbnailWidth = getEnvInt("THUMBNAIL_WIDTH", 0)
	if serverConfig.ThumbnailWidth < 0 {
		logger.Warn("Negative thumbnail width, rendering at native size", "width", serverConfig.ThumbnailWidth)
		serverConfig.ThumbnailWidth = 0
	}
	serverConfig.PrewarmConcurrency = getEnvInt("PREWARM_CONCURRENCY", 4)
	if serverConfig.PrewarmConcurrency < 1 {
		serverConfig.PrewarmConcurrency = 1
	}
	logger.Info("Renderer configuration loaded", "backend", serverConfig.RendererBackend, "thumbnailWidth", serverConfig.ThumbnailWidth)

	// Cache maintenance
	serverConfig.CacheMaxAgeHours = getEnvInt("CACHE_MAX_AGE_HOURS", 0)
	serverConfig.CachePruneInterval = getEnvInt("CACHE_PRUNE_INTERVAL", 60)
	if serverConfig.CachePruneInterval < 1 {
		serverConfig.CachePruneInterval = 60
	}
	serverConfig.WatchDocuments = getEnvBool("WATCH_DOCUMENTS", true)

	// Database configuration
	serverConfig.DatabaseType = getEnv("DATABASE_TYPE", "sqlite")
	serverConfig.DatabaseHost = getEnv("DATABASE_HOST", "localhost")
	serverConfig.DatabasePort = getEnv("DATABASE_PORT", "5432")
	serverConfig.DatabaseUser = getEnv("DATABASE_USER", "thumbstrip")
	serverConfig.DatabasePassword = getEnv("DATABASE_PASSWORD", "")
	serverConfig.DatabaseDbname = getEnv("DATABASE_NAME", "databases/thumbstrip.sqlite")
	serverConfig.DatabaseSslmode = getEnv("DATABASE_SSLMODE", "disable")

	logger.Info("Database configuration loaded", "type", serverConfig.DatabaseType)

	return serverConfig
}

func absPath(logger *slog.Logger, name, path string) string {
	abs, err := filepath.Abs(filepath.ToSlash(path))
	if err != nil {
		logger.Error("Failed creating absolute path", "name", name, "path", path, "error", err)
		return path
	}
	return abs
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	handlerOptions := &slog.HandlerOptions{Level: ParseLevel(getEnv("LOG_LEVEL", "info"))}

	logOutput := getEnv("LOG_OUTPUT", "stdout")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "thumbstrip.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}

// ParseLevel maps a LOG_LEVEL value onto a slog level, defaulting to info
func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
