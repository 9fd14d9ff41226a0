// Package thumbnail resolves PDF page indices to PNG thumbnails.
//
// A Pipeline owns one open document and an in-memory index of pages. The
// first request for a page starts a single producer that checks the disk
// cache and, on a miss, renders the page. Every other request for that page
// waits on the same producer, so a page is rendered at most once per
// Pipeline. Only one render runs against the document at a time.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drummonds/thumbstrip/engine/pagecache"
	"github.com/drummonds/thumbstrip/engine/pdfrenderer"
)

var (
	// ErrDocumentOpen is wrapped by Open when the document cannot be opened
	ErrDocumentOpen = errors.New("unable to open document")
	// ErrClosed is returned for requests made after Close
	ErrClosed = errors.New("pipeline closed")
)

// RenderError reports a page that could not be rendered
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render page %d: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// State is the lifecycle of one page within a Pipeline
type State int

const (
	StateUnrequested State = iota
	StatePending
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnrequested:
		return "unrequested"
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Rendered describes a freshly rendered page, it is not emitted for cache hits
type Rendered struct {
	Document  string
	Page      int
	CachePath string
	Bytes     int
	Width     int
	Height    int
	Duration  time.Duration
	Persisted bool
}

// Options configure a Pipeline
type Options struct {
	// Width downscales thumbnails wider than Width pixels, 0 keeps native size
	Width int
	// OnRendered is called from the producer goroutine after each fresh render
	OnRendered func(Rendered)
	Logger     *slog.Logger
}

// Pipeline resolves pages of one document
type Pipeline struct {
	identity  string
	doc       pdfrenderer.Document
	cache     *pagecache.Cache
	pageCount int
	opts      Options
	logger    *slog.Logger

	// one render-page operation against doc at a time
	renderMu sync.Mutex

	// producers are keyed by page, joiners share the first producer's result
	flight singleflight.Group

	mu       sync.Mutex
	pages    map[int]*pageEntry // Resolved or Failed
	inflight map[int]string     // Pending, page to flight key
	flights  uint64
	closed   bool
	wg       sync.WaitGroup
}

// pageEntry is a finished page, err is set for Failed pages
type pageEntry struct {
	data []byte
	err  error
}

// fetched is the value shared by every caller of one producer
type fetched struct {
	data     []byte
	rendered *Rendered
}

// Open opens path with renderer and returns a Pipeline that caches pages
// under identity. Failure to open the document is fatal and wraps ErrDocumentOpen.
func Open(renderer pdfrenderer.Renderer, path, identity string, cache *pagecache.Cache, opts Options) (*Pipeline, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	doc, err := renderer.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDocumentOpen, path, err)
	}
	return &Pipeline{
		identity:  identity,
		doc:       doc,
		cache:     cache,
		pageCount: doc.PageCount(),
		opts:      opts,
		logger:    opts.Logger.With("document", identity),
		pages:     make(map[int]*pageEntry),
		inflight:  make(map[int]string),
	}, nil
}

// Identity is the document identity used for cache keys
func (p *Pipeline) Identity() string {
	return p.identity
}

// PageCount is the number of pages in the document
func (p *Pipeline) PageCount() int {
	return p.pageCount
}

// Resolve returns the thumbnail for page, waiting for it to be produced.
// If ctx ends first the caller gets ctx.Err() but production carries on and
// its result is kept for later requests. Each call gets its own copy of the
// bytes.
func (p *Pipeline) Resolve(ctx context.Context, page int) ([]byte, error) {
	entry, ch, err := p.request(page, true)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return bytes.Clone(entry.data), entry.err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.(fetched).data), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll is the non-blocking form of Resolve. It starts production for an
// unrequested page and reports StatePending, StateResolved with a copy of the
// bytes, or StateFailed with the error.
func (p *Pipeline) Poll(page int) (State, []byte, error) {
	entry, _, err := p.request(page, false)
	if err != nil {
		return StateUnrequested, nil, err
	}
	if entry == nil {
		return StatePending, nil, nil
	}
	if entry.err != nil {
		return StateFailed, nil, entry.err
	}
	return StateResolved, bytes.Clone(entry.data), nil
}

// State reports the state of page without starting any work
func (p *Pipeline) State(page int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.pages[page]; ok {
		if entry.err != nil {
			return StateFailed
		}
		return StateResolved
	}
	if _, ok := p.inflight[page]; ok {
		return StatePending
	}
	return StateUnrequested
}

// Retry forgets a failed page so the next request produces it again. It
// returns false if the page was not in StateFailed.
func (p *Pipeline) Retry(page int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pages[page]
	if !ok || entry.err == nil {
		return false
	}
	delete(p.pages, page)
	return true
}

// Close stops accepting requests, waits for in-flight pages, then closes the document
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.pages = make(map[int]*pageEntry)
	p.mu.Unlock()

	return p.doc.Close()
}

// request returns the finished entry for page, or nil while it is Pending.
// An unrequested page gets a producer. With join set a Pending page also
// returns a channel that delivers the producer's result.
func (p *Pipeline) request(page int, join bool) (*pageEntry, <-chan singleflight.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	if entry, ok := p.pages[page]; ok {
		return entry, nil, nil
	}

	// each producer gets a fresh key so a page retried while its old flight
	// is still returning never joins that flight. The producer clears
	// inflight under mu before its flight ends, so a key found here is live.
	key, ok := p.inflight[page]
	if !ok {
		p.flights++
		key = strconv.Itoa(page) + "#" + strconv.FormatUint(p.flights, 10)
		p.inflight[page] = key
		p.wg.Add(1)
		go p.produce(p.flight.DoChan(key, func() (interface{}, error) {
			return p.produceOnce(page)
		}))
	}
	if !join {
		return nil, nil, nil
	}
	return nil, p.flight.DoChan(key, func() (interface{}, error) {
		return p.produceOnce(page)
	}), nil
}

// produceOnce fetches page and records the outcome in the index
func (p *Pipeline) produceOnce(page int) (interface{}, error) {
	data, rendered, err := p.fetch(page)

	p.mu.Lock()
	p.pages[page] = &pageEntry{data: data, err: err}
	delete(p.inflight, page)
	p.mu.Unlock()

	return fetched{data: data, rendered: rendered}, err
}

// produce waits for a flight and runs the render hook. Waiters are released
// before the hook runs and Close waits for it.
func (p *Pipeline) produce(ch <-chan singleflight.Result) {
	defer p.wg.Done()

	res := <-ch
	out, _ := res.Val.(fetched)
	if out.rendered != nil && p.opts.OnRendered != nil {
		p.opts.OnRendered(*out.rendered)
	}
}

// fetch reads page from the disk cache or renders and persists it. rendered
// is nil for cache hits.
func (p *Pipeline) fetch(page int) (data []byte, rendered *Rendered, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic recovered while producing thumbnail", "page", page, "panic", r)
			data, rendered = nil, nil
			err = &RenderError{Page: page, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	key := pagecache.Key{Document: p.identity, Page: page}
	if cached, ok := p.cache.Read(key); ok {
		p.logger.Debug("Thumbnail served from disk cache", "page", page)
		return cached, nil, nil
	}

	start := time.Now()
	data, width, height, err := p.render(page)
	if err != nil {
		p.logger.Warn("Unable to render page", "page", page, "error", err)
		return nil, nil, &RenderError{Page: page, Err: err}
	}
	elapsed := time.Since(start)

	persisted := true
	if err := p.cache.Write(key, data); err != nil {
		// the bytes are still good for this session
		p.logger.Warn("Unable to persist thumbnail", "page", page, "error", err)
		persisted = false
	}
	p.logger.Debug("Rendered thumbnail", "page", page, "bytes", len(data), "duration", elapsed)

	return data, &Rendered{
		Document:  p.identity,
		Page:      page,
		CachePath: p.cache.Path(key),
		Bytes:     len(data),
		Width:     width,
		Height:    height,
		Duration:  elapsed,
		Persisted: persisted,
	}, nil
}

// render performs open, size, rasterise and close for one page under renderMu
func (p *Pipeline) render(page int) ([]byte, int, int, error) {
	p.renderMu.Lock()
	defer p.renderMu.Unlock()

	size, err := p.doc.PageSize(page)
	if err != nil {
		return nil, 0, 0, err
	}
	img, err := p.doc.RenderPage(page, 1.0)
	if err != nil {
		return nil, 0, 0, err
	}
	p.logger.Debug("Rasterised page", "page", page, "pointsWidth", size.Width, "pointsHeight", size.Height)
	return encodePNG(img, p.opts.Width)
}
