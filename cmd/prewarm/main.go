// Command prewarm renders every page of the given PDFs into the thumbnail cache
// so the server can answer from disk.
//
//	prewarm [-backend pdfium|fitz] [-concurrency N] file.pdf...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	config "github.com/drummonds/thumbstrip/config"
	database "github.com/drummonds/thumbstrip/database"
	"github.com/drummonds/thumbstrip/engine/pagecache"
	"github.com/drummonds/thumbstrip/engine/pdfrenderer"
	"github.com/drummonds/thumbstrip/engine/thumbnail"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

type options struct {
	documentRoot string
	concurrency  int
	width        int
	catalog      database.Repository
}

func main() {
	config.LoadEnvFiles()
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(os.Getenv("LOG_LEVEL"))}))
	config.Logger = Logger
	database.Logger = Logger
	serverConfig := config.Load(Logger)

	backend := flag.String("backend", serverConfig.RendererBackend, "PDF renderer backend (pdfium or fitz)")
	concurrency := flag.Int("concurrency", serverConfig.PrewarmConcurrency, "Pages resolved in parallel per document")
	cachePath := flag.String("cache", serverConfig.CachePath, "Thumbnail cache directory")
	width := flag.Int("width", serverConfig.ThumbnailWidth, "Downscale thumbnails wider than this, 0 keeps native size")
	catalog := flag.Bool("catalog", true, "Record rendered thumbnails in the catalog database")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: prewarm [flags] file.pdf...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	renderer, err := pdfrenderer.NewRenderer(*backend)
	if err != nil {
		Logger.Error("Unable to create renderer", "error", err)
		os.Exit(1)
	}
	defer renderer.Close()

	cache, err := pagecache.New(*cachePath, Logger)
	if err != nil {
		Logger.Error("Unable to create cache", "error", err)
		os.Exit(1)
	}

	opts := options{documentRoot: serverConfig.DocumentPath, concurrency: *concurrency, width: *width}
	if *catalog && serverConfig.DatabaseType != "ephemeral" {
		db, err := database.NewRepository(serverConfig)
		if err != nil {
			Logger.Warn("Catalog unavailable, thumbnails will only be cached", "error", err)
		} else {
			defer db.Close()
			opts.catalog = db
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	failed := false
	for _, path := range flag.Args() {
		result, err := prewarmFile(ctx, renderer, cache, path, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed = true
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}
		fmt.Printf("%s: %d pages cached, %d failed\n", path, result.Resolved, result.Failed)
		if result.Failed > 0 {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// prewarmFile renders every page of one PDF into cache
func prewarmFile(ctx context.Context, renderer pdfrenderer.Renderer, cache *pagecache.Cache, path string, opts options) (thumbnail.PrewarmResult, error) {
	identity := identityFor(opts.documentRoot, path)
	pipeline, err := thumbnail.Open(renderer, path, identity, cache, thumbnail.Options{
		Width:      opts.width,
		OnRendered: catalogue(opts.catalog),
		Logger:     Logger,
	})
	if err != nil {
		return thumbnail.PrewarmResult{}, err
	}
	defer pipeline.Close()

	started := time.Now()
	result, err := pipeline.Prewarm(ctx, nil, opts.concurrency, func(done, total int) {
		Logger.Debug("Prewarm progress", "document", identity, "done", done, "total", total)
	})
	Logger.Info("Prewarmed document", "document", identity, "resolved", result.Resolved, "failed", result.Failed, "duration", time.Since(started))
	return result, err
}

// identityFor names a document the way the server does when it lives under
// the document root, so both share cache entries. Other files are keyed by
// their absolute path.
func identityFor(documentRoot, path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	if documentRoot != "" {
		rel, err := filepath.Rel(documentRoot, absPath)
		if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(absPath)
}

func catalogue(db database.Repository) func(thumbnail.Rendered) {
	if db == nil {
		return nil
	}
	return func(rendered thumbnail.Rendered) {
		err := db.RecordThumbnail(&database.Thumbnail{
			Document:     rendered.Document,
			Page:         rendered.Page,
			CachePath:    rendered.CachePath,
			Bytes:        rendered.Bytes,
			Width:        rendered.Width,
			Height:       rendered.Height,
			RenderMillis: rendered.Duration.Milliseconds(),
			Persisted:    rendered.Persisted,
		})
		if err != nil {
			Logger.Warn("Unable to catalogue thumbnail", "document", rendered.Document, "page", rendered.Page, "error", err)
		}
	}
}
