// Package pdfrenderertest provides a scriptable pdfrenderer.Renderer for tests.
package pdfrenderertest

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/drummonds/thumbstrip/engine/pdfrenderer"
)

// ErrInjected is returned for pages listed in Renderer.FailPages
var ErrInjected = errors.New("injected render failure")

// Renderer opens fake documents. Every path opens a document with Pages pages
// of Width x Height points, unless listed in OpenErrors.
type Renderer struct {
	Pages  int
	Width  int
	Height int

	// FailPages makes RenderPage fail for the given indices
	FailPages map[int]bool
	// OpenErrors makes Open fail for the given paths
	OpenErrors map[string]error
	// Gate, when non-nil, blocks every RenderPage until it is closed or
	// receives a value
	Gate chan struct{}

	mu         sync.Mutex
	renders    map[int]int
	total      atomic.Int64
	inFlight   atomic.Int64
	maxFlight  atomic.Int64
	opened     atomic.Int64
	closedDocs atomic.Int64
}

// New returns a renderer producing documents with the given page count
func New(pages int) *Renderer {
	return &Renderer{Pages: pages, Width: 8, Height: 6}
}

func (r *Renderer) Open(path string) (pdfrenderer.Document, error) {
	if err, ok := r.OpenErrors[path]; ok {
		return nil, err
	}
	r.opened.Add(1)
	return &document{r: r}, nil
}

func (r *Renderer) Close() error {
	return nil
}

// Renders returns how many times page was rasterised
func (r *Renderer) Renders(page int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders[page]
}

// TotalRenders returns the number of RenderPage calls across all pages
func (r *Renderer) TotalRenders() int {
	return int(r.total.Load())
}

// MaxConcurrent returns the highest number of RenderPage calls seen in flight at once
func (r *Renderer) MaxConcurrent() int {
	return int(r.maxFlight.Load())
}

// OpenDocuments returns opened minus closed documents
func (r *Renderer) OpenDocuments() int {
	return int(r.opened.Load() - r.closedDocs.Load())
}

// PageColor is the solid colour used for a page, so tests can tell pages apart
func PageColor(page int) color.NRGBA {
	return color.NRGBA{R: uint8(page * 40), G: uint8(255 - page*40), B: 0x80, A: 0xff}
}

type document struct {
	r      *Renderer
	closed atomic.Bool
}

func (d *document) PageCount() int {
	return d.r.Pages
}

func (d *document) check(index int) error {
	if d.closed.Load() {
		return errors.New("document closed")
	}
	if index < 0 || index >= d.r.Pages {
		return fmt.Errorf("page %d of %d: %w", index, d.r.Pages, pdfrenderer.ErrPageOutOfRange)
	}
	return nil
}

func (d *document) PageSize(index int) (pdfrenderer.PageSize, error) {
	if err := d.check(index); err != nil {
		return pdfrenderer.PageSize{}, err
	}
	return pdfrenderer.PageSize{Width: float64(d.r.Width), Height: float64(d.r.Height)}, nil
}

func (d *document) RenderPage(index int, scale float64) (image.Image, error) {
	r := d.r
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxFlight.Load()
		if n <= m || r.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}

	r.total.Add(1)
	r.mu.Lock()
	if r.renders == nil {
		r.renders = make(map[int]int)
	}
	r.renders[index]++
	r.mu.Unlock()

	if r.Gate != nil {
		<-r.Gate
	}
	if err := d.check(index); err != nil {
		return nil, err
	}
	if r.FailPages[index] {
		return nil, fmt.Errorf("page %d: %w", index, ErrInjected)
	}

	if scale <= 0 {
		scale = 1
	}
	w := int(float64(r.Width) * scale)
	h := int(float64(r.Height) * scale)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	c := PageColor(index)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img, nil
}

func (d *document) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.r.closedDocs.Add(1)
	}
	return nil
}
