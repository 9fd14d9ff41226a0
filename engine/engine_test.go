package engine

import (
	"bytes"
	"encoding/json"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drummonds/thumbstrip/config"
	"github.com/drummonds/thumbstrip/database"
	"github.com/drummonds/thumbstrip/engine/pagecache"
	"github.com/drummonds/thumbstrip/engine/pdfrenderer/pdfrenderertest"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

func setupLogger() {
	if Logger == nil {
		Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	database.Logger = Logger
}

type testServer struct {
	handler  *ServerHandler
	renderer *pdfrenderertest.Renderer
	docRoot  string
}

// newTestServer wires a handler with the fake renderer, a temp document root
// holding a.pdf (4 pages) and sub/b.pdf, and a sqlite catalog
func newTestServer(t *testing.T, renderer *pdfrenderertest.Renderer) *testServer {
	t.Helper()
	setupLogger()

	docRoot := t.TempDir()
	writeDocument(t, docRoot, "a.pdf")
	writeDocument(t, docRoot, "sub/b.pdf")

	cache, err := pagecache.New(t.TempDir(), Logger)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	db, err := database.NewRepository(config.ServerConfig{
		DatabaseType:   "sqlite",
		DatabaseDbname: filepath.Join(t.TempDir(), "catalog.sqlite"),
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := NewRegistry(docRoot, renderer, cache, db, 0)
	t.Cleanup(registry.CloseAll)

	handler := &ServerHandler{
		DB:   db,
		Echo: echo.New(),
		ServerConfig: config.ServerConfig{
			DocumentPath:       docRoot,
			CachePath:          cache.Root(),
			PrewarmConcurrency: 2,
		},
		Sessions: registry,
		Cache:    cache,
	}
	handler.RegisterRoutes()
	return &testServer{handler: handler, renderer: renderer, docRoot: docRoot}
}

func writeDocument(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, pdfrenderertest.MinimalPDF(4, 8, 6), 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}
	return path
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.handler.Echo.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) openSession(t *testing.T, path string) Session {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/sessions", `{"path":"`+path+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 opening %s, got %d: %s", path, rec.Code, rec.Body.String())
	}
	var session Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	return session
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, pdfrenderertest.New(4))
	rec := s.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestOpenSession(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	s := newTestServer(t, renderer)
	badPath := writeDocument(t, s.docRoot, "bad.pdf")
	renderer.OpenErrors = map[string]error{badPath: os.ErrInvalid}

	t.Run("Opens a document", func(t *testing.T) {
		session := s.openSession(t, "a.pdf")
		if session.PageCount != 4 || session.Path != "a.pdf" {
			t.Errorf("Unexpected session: %+v", session)
		}
	})

	t.Run("Nested path keeps slash identity", func(t *testing.T) {
		session := s.openSession(t, "sub/b.pdf")
		if session.Path != "sub/b.pdf" {
			t.Errorf("Unexpected identity %s", session.Path)
		}
	})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing file", `{"path":"nope.pdf"}`, http.StatusNotFound},
		{"directory", `{"path":"sub"}`, http.StatusNotFound},
		{"escapes root", `{"path":"../a.pdf"}`, http.StatusBadRequest},
		{"no path", `{}`, http.StatusBadRequest},
		{"open failure", `{"path":"bad.pdf"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/sessions", tt.body)
			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}

	rec := s.do(t, http.MethodGet, "/api/sessions", "")
	var sessions []Session
	decode(t, rec, &sessions)
	if len(sessions) != 2 {
		t.Errorf("Expected 2 open sessions, got %d", len(sessions))
	}
}

func TestGetPage(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	s := newTestServer(t, renderer)
	session := s.openSession(t, "a.pdf")
	base := "/api/sessions/" + session.ID.String() + "/pages/"

	rec := s.do(t, http.MethodGet, base+"0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Response is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Errorf("Expected native 8x6 thumbnail, got %v", img.Bounds())
	}

	if rec := s.do(t, http.MethodGet, base+"0", ""); rec.Code != http.StatusOK {
		t.Fatalf("Second request failed: %d", rec.Code)
	}
	if renderer.Renders(0) != 1 {
		t.Errorf("Expected page 0 rendered once, got %d", renderer.Renders(0))
	}

	waitFor(t, "catalog row", func() bool {
		thumb, err := s.handler.DB.GetThumbnail("a.pdf", 0)
		return err == nil && thumb.SessionID == session.ID.String()
	})

	for _, page := range []string{"4", "-1", "x"} {
		if rec := s.do(t, http.MethodGet, base+page, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("Page %s: expected 400, got %d", page, rec.Code)
		}
	}

	if rec := s.do(t, http.MethodGet, "/api/sessions/"+ulid.Make().String()+"/pages/0", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown session: expected 404, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/sessions/not-a-ulid/pages/0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Invalid session id: expected 400, got %d", rec.Code)
	}
}

func TestFailedPageAndRetry(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	renderer.FailPages = map[int]bool{1: true}
	s := newTestServer(t, renderer)
	session := s.openSession(t, "a.pdf")
	base := "/api/sessions/" + session.ID.String() + "/pages/1"

	rec := s.do(t, http.MethodGet, base, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", rec.Code)
	}
	var state pageStateResponse
	decode(t, rec, &state)
	if state.State != "failed" || state.Error == "" {
		t.Errorf("Unexpected failure body: %+v", state)
	}

	// no automatic retry
	s.do(t, http.MethodGet, base, "")
	if renderer.Renders(1) != 1 {
		t.Errorf("Expected a single attempt, got %d", renderer.Renders(1))
	}

	// other pages are unaffected
	if rec := s.do(t, http.MethodGet, "/api/sessions/"+session.ID.String()+"/pages/2", ""); rec.Code != http.StatusOK {
		t.Errorf("Page 2: expected 200, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodPost, base+"/retry", ""); rec.Code != http.StatusOK {
		t.Fatalf("Retry: expected 200, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, base+"/state", "")
	decode(t, rec, &state)
	if state.State != "unrequested" {
		t.Errorf("Expected unrequested after retry, got %s", state.State)
	}
	if rec := s.do(t, http.MethodPost, base+"/retry", ""); rec.Code != http.StatusConflict {
		t.Errorf("Retry of non-failed page: expected 409, got %d", rec.Code)
	}

	renderer.FailPages = nil
	if rec := s.do(t, http.MethodGet, base, ""); rec.Code != http.StatusOK {
		t.Errorf("Page 1 after retry: expected 200, got %d", rec.Code)
	}
	if renderer.Renders(1) != 2 {
		t.Errorf("Expected a second attempt after retry, got %d", renderer.Renders(1))
	}
}

func TestGetPageNoWait(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	renderer.Gate = make(chan struct{})
	s := newTestServer(t, renderer)
	session := s.openSession(t, "a.pdf")
	base := "/api/sessions/" + session.ID.String() + "/pages/3"

	rec := s.do(t, http.MethodGet, base+"/state", "")
	var state pageStateResponse
	decode(t, rec, &state)
	if state.State != "unrequested" {
		t.Errorf("Expected unrequested before any request, got %s", state.State)
	}

	rec = s.do(t, http.MethodGet, base+"?wait=false", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 while pending, got %d", rec.Code)
	}
	decode(t, rec, &state)
	if state.State != "pending" {
		t.Errorf("Expected pending, got %s", state.State)
	}

	close(renderer.Gate)
	waitFor(t, "page 3 to resolve", func() bool {
		var state pageStateResponse
		decode(t, s.do(t, http.MethodGet, base+"/state", ""), &state)
		return state.State == "resolved"
	})

	rec = s.do(t, http.MethodGet, base+"?wait=false", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 once resolved, got %d", rec.Code)
	}
	if renderer.Renders(3) != 1 {
		t.Errorf("Expected one render, got %d", renderer.Renders(3))
	}
}

func TestCloseSession(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	s := newTestServer(t, renderer)
	session := s.openSession(t, "a.pdf")
	path := "/api/sessions/" + session.ID.String()

	if rec := s.do(t, http.MethodGet, path, ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, path, ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 closing, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after close, got %d", rec.Code)
	}
	if renderer.OpenDocuments() != 0 {
		t.Errorf("Expected document closed, %d still open", renderer.OpenDocuments())
	}
}

func TestPrewarmJob(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	renderer.FailPages = map[int]bool{2: true}
	s := newTestServer(t, renderer)
	session := s.openSession(t, "a.pdf")

	rec := s.do(t, http.MethodPost, "/api/sessions/"+session.ID.String()+"/prewarm", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job database.Job
	decode(t, rec, &job)
	if job.Type != database.JobTypePrewarm {
		t.Errorf("Expected prewarm job, got %s", job.Type)
	}

	waitFor(t, "prewarm job to complete", func() bool {
		got, err := s.handler.DB.GetJob(job.ID)
		return err == nil && got.Status == database.JobStatusCompleted
	})

	rec = s.do(t, http.MethodGet, "/api/jobs/"+job.ID.String(), "")
	decode(t, rec, &job)
	if job.Progress != 100 || !strings.Contains(job.Result, `"resolved":3`) || !strings.Contains(job.Result, `"failed":1`) {
		t.Errorf("Unexpected job result: %+v", job)
	}
	if renderer.TotalRenders() != 4 {
		t.Errorf("Expected 4 renders, got %d", renderer.TotalRenders())
	}

	rec = s.do(t, http.MethodGet, "/api/jobs?type=prewarm", "")
	var jobs []database.Job
	decode(t, rec, &jobs)
	if len(jobs) != 1 {
		t.Errorf("Expected 1 prewarm job, got %d", len(jobs))
	}
	rec = s.do(t, http.MethodGet, "/api/jobs?type=prune", "")
	decode(t, rec, &jobs)
	if len(jobs) != 0 {
		t.Errorf("Expected no prune jobs, got %d", len(jobs))
	}

	t.Run("Rejects out of range pages", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/sessions/"+session.ID.String()+"/prewarm", `{"pages":[0,9]}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("Unknown job", func(t *testing.T) {
		if rec := s.do(t, http.MethodGet, "/api/jobs/"+ulid.Make().String(), ""); rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
		if rec := s.do(t, http.MethodGet, "/api/jobs/bogus", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestInvalidateDocument(t *testing.T) {
	renderer := pdfrenderertest.New(4)
	s := newTestServer(t, renderer)
	session := s.openSession(t, "a.pdf")
	other := s.openSession(t, "sub/b.pdf")

	for _, target := range []string{
		"/api/sessions/" + session.ID.String() + "/pages/0",
		"/api/sessions/" + other.ID.String() + "/pages/0",
	} {
		if rec := s.do(t, http.MethodGet, target, ""); rec.Code != http.StatusOK {
			t.Fatalf("Expected 200 for %s, got %d", target, rec.Code)
		}
	}

	rec := s.do(t, http.MethodGet, "/api/cache/stats", "")
	var stats struct {
		Cache pagecache.Stats `json:"cache"`
	}
	decode(t, rec, &stats)
	if stats.Cache.Entries != 2 {
		t.Errorf("Expected 2 cache entries, got %d", stats.Cache.Entries)
	}

	rec = s.do(t, http.MethodDelete, "/api/cache?document=a.pdf", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result InvalidateResult
	decode(t, rec, &result)
	if result.Sessions != 1 || result.Files != 1 || result.CatalogRows != 1 {
		t.Errorf("Unexpected invalidate result: %+v", result)
	}

	if rec := s.do(t, http.MethodGet, "/api/sessions/"+session.ID.String(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected invalidated session to be gone, got %d", rec.Code)
	}
	if _, ok := s.handler.Cache.Read(pagecache.Key{Document: "a.pdf", Page: 0}); ok {
		t.Error("Expected a.pdf cache entry to be purged")
	}
	if _, ok := s.handler.Cache.Read(pagecache.Key{Document: "sub/b.pdf", Page: 0}); !ok {
		t.Error("Expected sub/b.pdf cache entry to survive")
	}

	waitFor(t, "sub/b.pdf catalog row", func() bool {
		_, err := s.handler.DB.GetThumbnail("sub/b.pdf", 0)
		return err == nil
	})
	rec = s.do(t, http.MethodGet, "/api/thumbnails", "")
	var thumbs []database.Thumbnail
	decode(t, rec, &thumbs)
	if len(thumbs) != 1 || thumbs[0].Document != "sub/b.pdf" {
		t.Errorf("Unexpected catalog after invalidate: %+v", thumbs)
	}

	rec = s.do(t, http.MethodGet, "/api/jobs?type=invalidate", "")
	var jobs []database.Job
	decode(t, rec, &jobs)
	if len(jobs) != 1 || jobs[0].Status != database.JobStatusCompleted {
		t.Errorf("Expected one completed invalidate job, got %+v", jobs)
	}

	if rec := s.do(t, http.MethodDelete, "/api/cache", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Missing document: expected 400, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/cache?document=../etc/passwd", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Escaping document: expected 400, got %d", rec.Code)
	}
}
