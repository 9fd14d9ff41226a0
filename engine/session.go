package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drummonds/thumbstrip/database"
	"github.com/drummonds/thumbstrip/engine/pagecache"
	"github.com/drummonds/thumbstrip/engine/pdfrenderer"
	"github.com/drummonds/thumbstrip/engine/thumbnail"
	"github.com/oklog/ulid/v2"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrOutsideRoot      = errors.New("path is outside the document root")
	ErrDocumentNotFound = errors.New("document not found")
)

// Session is one opened document and the pipeline serving its pages
type Session struct {
	ID        ulid.ULID `json:"id"`
	Path      string    `json:"path"` // slash separated, relative to the document root
	PageCount int       `json:"pageCount"`
	OpenedAt  time.Time `json:"openedAt"`

	pipeline *thumbnail.Pipeline
}

// Pipeline returns the thumbnail pipeline of the session
func (s *Session) Pipeline() *thumbnail.Pipeline {
	return s.pipeline
}

// InvalidateResult reports what a document invalidation removed
type InvalidateResult struct {
	Document    string `json:"document"`
	Sessions    int    `json:"sessions"`
	Files       int    `json:"files"`
	CatalogRows int    `json:"catalogRows"`
}

// Registry owns every open session. Several sessions may be open on the same
// document, they only share the disk cache.
type Registry struct {
	root     string
	renderer pdfrenderer.Renderer
	cache    *pagecache.Cache
	db       database.Repository
	width    int

	mu       sync.Mutex
	sessions map[ulid.ULID]*Session
}

// NewRegistry creates a registry that opens documents under root. db may be
// nil, in which case renders are not catalogued.
func NewRegistry(root string, renderer pdfrenderer.Renderer, cache *pagecache.Cache, db database.Repository, width int) *Registry {
	return &Registry{
		root:     filepath.Clean(root),
		renderer: renderer,
		cache:    cache,
		db:       db,
		width:    width,
		sessions: make(map[ulid.ULID]*Session),
	}
}

// Open starts a session on the document at relPath
func (r *Registry) Open(relPath string) (*Session, error) {
	absPath, identity, err := r.resolve(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, identity)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDocumentNotFound, identity)
	}

	id := ulid.Make()
	pipeline, err := thumbnail.Open(r.renderer, absPath, identity, r.cache, thumbnail.Options{
		Width:      r.width,
		OnRendered: r.catalogue(id),
		Logger:     Logger,
	})
	if err != nil {
		Logger.Warn("Unable to open document", "path", identity, "error", err)
		return nil, err
	}

	session := &Session{
		ID:        id,
		Path:      identity,
		PageCount: pipeline.PageCount(),
		OpenedAt:  time.Now(),
		pipeline:  pipeline,
	}
	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()

	Logger.Info("Opened session", "session", id, "path", identity, "pages", session.PageCount)
	return session, nil
}

// Get looks up an open session
func (r *Registry) Get(id ulid.ULID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List returns the open sessions oldest first
func (r *Registry) List() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID.Compare(sessions[j].ID) < 0
	})
	return sessions
}

// Close ends a session, waiting for its in-flight renders
func (r *Registry) Close(id ulid.ULID) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	Logger.Info("Closing session", "session", id, "path", session.Path)
	return session.pipeline.Close()
}

// CloseAll ends every session, used on shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[ulid.ULID]*Session)
	r.mu.Unlock()

	for id, session := range sessions {
		if err := session.pipeline.Close(); err != nil {
			Logger.Warn("Error closing session", "session", id, "error", err)
		}
	}
}

// Invalidate drops everything derived from the document at relPath: its open
// sessions, its cache files and its catalog rows. The file itself need not
// exist any more.
func (r *Registry) Invalidate(relPath string) (InvalidateResult, error) {
	_, identity, err := r.resolve(relPath)
	if err != nil {
		return InvalidateResult{}, err
	}
	result := InvalidateResult{Document: identity}

	r.mu.Lock()
	var stale []*Session
	for id, session := range r.sessions {
		if session.Path == identity {
			stale = append(stale, session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	// sessions first so no render lands in the cache after the purge
	for _, session := range stale {
		if err := session.pipeline.Close(); err != nil {
			Logger.Warn("Error closing stale session", "session", session.ID, "error", err)
		}
	}
	result.Sessions = len(stale)

	result.Files, err = r.cache.Purge(identity)
	if err != nil {
		return result, fmt.Errorf("failed to purge cache for %s: %w", identity, err)
	}

	if r.db != nil {
		result.CatalogRows, err = r.db.DeleteThumbnails(identity)
		if err != nil {
			return result, fmt.Errorf("failed to delete catalog rows for %s: %w", identity, err)
		}
	}

	Logger.Info("Invalidated document", "path", identity, "sessions", result.Sessions, "files", result.Files, "rows", result.CatalogRows)
	return result, nil
}

// resolve maps a path relative to the document root onto an absolute path
// and the document identity
func (r *Registry) resolve(relPath string) (string, string, error) {
	if relPath == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrDocumentNotFound)
	}
	absPath := filepath.FromSlash(relPath)
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(r.root, absPath)
	}
	absPath = filepath.Clean(absPath)

	rel, err := filepath.Rel(r.root, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, relPath)
	}
	return absPath, filepath.ToSlash(rel), nil
}

// catalogue returns the render hook that records fresh thumbnails
func (r *Registry) catalogue(sessionID ulid.ULID) func(thumbnail.Rendered) {
	if r.db == nil {
		return nil
	}
	return func(rendered thumbnail.Rendered) {
		defer func() {
			if rec := recover(); rec != nil {
				Logger.Error("Panic recovered while cataloguing thumbnail", "panic", rec)
			}
		}()
		err := r.db.RecordThumbnail(&database.Thumbnail{
			Document:     rendered.Document,
			Page:         rendered.Page,
			CachePath:    rendered.CachePath,
			Bytes:        rendered.Bytes,
			Width:        rendered.Width,
			Height:       rendered.Height,
			RenderMillis: rendered.Duration.Milliseconds(),
			Persisted:    rendered.Persisted,
			SessionID:    sessionID.String(),
		})
		if err != nil {
			Logger.Warn("Unable to catalogue thumbnail", "document", rendered.Document, "page", rendered.Page, "error", err)
		}
	}
}
