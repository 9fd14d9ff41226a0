// Package pagecache stores rendered page thumbnails on disk, addressed by
// document identity and page index.
//
// Entries live at {root}/{identity}-{page}.png. Writes go to a temp file in
// the same directory and are renamed into place, so a file that exists is
// always complete. Read failures of any kind degrade to a cache miss.
package pagecache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	fileExt    = ".png"
	tempPrefix = ".tmp-"
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	// zero length IEND chunk with its CRC
	pngTrailer = []byte("\x00\x00\x00\x00IEND\xaeB`\x82")
)

// Key identifies one page of one document
type Key struct {
	Document string
	Page     int
}

// Cache is a directory of page thumbnails. It holds no in-memory state, so
// several Cache values (or processes) may share one root.
type Cache struct {
	root   string
	logger *slog.Logger
}

// Stats summarises the cache directory
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// PruneResult reports what Prune removed
type PruneResult struct {
	Removed    int   `json:"removed"`
	BytesFreed int64 `json:"bytesFreed"`
}

// New returns a cache rooted at root, creating the directory if needed
func New(root string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve cache root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("unable to create cache root: %w", err)
	}
	return &Cache{root: absRoot, logger: logger}, nil
}

// Root returns the absolute cache directory
func (c *Cache) Root() string {
	return c.root
}

// Path returns the file location for key
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.root, FileName(key))
}

// Read returns the cached bytes for key. A missing file is a normal miss and
// is not logged. Unreadable files are logged and reported as a miss, and
// files that are not a complete PNG are also removed so the page is rendered
// again.
func (c *Cache) Read(key Key) ([]byte, bool) {
	path := c.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Unable to read cached thumbnail, treating as miss", "path", path, "error", err)
		}
		return nil, false
	}
	if !IsCompletePNG(data) {
		c.logger.Warn("Corrupt cached thumbnail, removing", "path", path, "bytes", len(data))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Unable to remove corrupt thumbnail", "path", path, "error", err)
		}
		return nil, false
	}
	return data, true
}

// IsCompletePNG reports whether data starts with the PNG signature and ends
// with the IEND chunk, which catches empty, foreign and truncated files
// without decoding them
func IsCompletePNG(data []byte) bool {
	return len(data) >= len(pngSignature)+len(pngTrailer) &&
		bytes.HasPrefix(data, pngSignature) &&
		bytes.HasSuffix(data, pngTrailer)
}

// Write stores data for key atomically
func (c *Cache) Write(key Key, data []byte) error {
	path := c.Path(key)
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return fmt.Errorf("unable to create cache root: %w", err)
	}

	tmp, err := os.CreateTemp(c.root, tempPrefix+"*"+fileExt)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("unable to write thumbnail: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("unable to sync thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to close thumbnail: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to set thumbnail permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to move thumbnail into place: %w", err)
	}
	return nil
}

// Purge removes every page of document and returns how many files were deleted
func (c *Cache) Purge(document string) (int, error) {
	prefix := SanitizeIdentity(document) + "-"
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("unable to list cache root: %w", err)
	}

	removed := 0
	var firstErr error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		// "a-0.png" must not match prefix of "a-b-0.png"
		pageStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileExt)
		if _, err := strconv.Atoi(pageStr); err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(c.root, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Unable to remove cached thumbnail", "file", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// Prune removes entries and abandoned temp files last modified before now-olderThan
func (c *Cache) Prune(olderThan time.Duration) (PruneResult, error) {
	var result PruneResult
	cutoff := time.Now().Add(-olderThan)

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("unable to list cache root: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.root, entry.Name())); err != nil {
			c.logger.Warn("Unable to prune cached thumbnail", "file", entry.Name(), "error", err)
			continue
		}
		result.Removed++
		result.BytesFreed += info.Size()
	}
	return result, nil
}

// Stats counts complete entries, temp files are ignored
func (c *Cache) Stats() (Stats, error) {
	var stats Stats
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return stats, fmt.Errorf("unable to list cache root: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Entries++
		stats.Bytes += info.Size()
	}
	return stats, nil
}

// FileName returns the cache file name for key, {identity}-{page}.png
func FileName(key Key) string {
	return SanitizeIdentity(key.Document) + "-" + strconv.Itoa(key.Page) + fileExt
}

// SanitizeIdentity makes a document identity safe to use as a file name.
// Identities made only of [A-Za-z0-9._-] are returned unchanged. Anything
// else has unsafe characters replaced with '_' and gets a "~" plus xxhash64
// suffix of the original, so distinct identities never share a name.
func SanitizeIdentity(identity string) string {
	safe := identity != "" && identity != "." && identity != ".." && !strings.HasPrefix(identity, tempPrefix)
	var b strings.Builder
	b.Grow(len(identity) + 17)
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			safe = false
		}
	}
	if safe {
		return identity
	}
	name := b.String()
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}
	return fmt.Sprintf("%s~%016x", name, xxhash.Sum64String(identity))
}
