package engine

import (
	"fmt"
	"os"
)

// StartupChecks makes sure the document and cache directories are usable
func (serverHandler *ServerHandler) StartupChecks() error {
	serverConfig := serverHandler.ServerConfig
	if err := directoryChecks("document", serverConfig.DocumentPath); err != nil {
		return err
	}
	if err := directoryChecks("cache", serverConfig.CachePath); err != nil {
		return err
	}
	if err := cacheWritableCheck(serverConfig.CachePath); err != nil {
		// thumbnails are still served from memory, only persistence is lost
		Logger.Warn("Cache directory is not writable, thumbnails will not persist", "path", serverConfig.CachePath, "error", err)
	}
	return nil
}

// directoryChecks ensures a storage directory exists, creating it if missing
func directoryChecks(name, path string) error {
	if path == "" {
		Logger.Warn("Directory not configured", "name", name)
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			Logger.Info("Creating directory", "name", name, "path", path)
			if err := os.MkdirAll(path, 0755); err != nil {
				Logger.Error("Failed to create directory", "name", name, "path", path, "error", err)
				return err
			}
			return nil
		}
		Logger.Error("Error checking directory", "name", name, "path", path, "error", err)
		return err
	}

	if !info.IsDir() {
		Logger.Error("Path exists but is not a directory", "name", name, "path", path)
		return fmt.Errorf("%s path is not a directory: %s", name, path)
	}

	Logger.Info("Directory exists", "name", name, "path", path)
	return nil
}

func cacheWritableCheck(path string) error {
	f, err := os.CreateTemp(path, ".tmp-startup-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
